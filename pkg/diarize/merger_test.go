package diarize

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harunnryd/scribe/pkg/frames"
)

func sp(v int) *int { return &v }

func TestSpeakerFor(t *testing.T) {
	assert.Equal(t, 0, SpeakerFor(0, sp(3)))
	assert.Equal(t, 0, SpeakerFor(0, nil))
	assert.Equal(t, 1, SpeakerFor(1, nil))
	assert.Equal(t, 1, SpeakerFor(1, sp(0)))
	assert.Equal(t, 3, SpeakerFor(1, sp(2)))
}

func TestNewMergerDefaultsGap(t *testing.T) {
	assert.Equal(t, DefaultMergeGap, NewMerger(0).MergeGap)
	assert.Equal(t, DefaultMergeGap, NewMerger(-1).MergeGap)
	assert.Equal(t, 1.5, NewMerger(1.5).MergeGap)
}

func TestMergeConversationScenario(t *testing.T) {
	m := NewMerger(0)

	r1 := m.Merge(nil, Batch{
		ChannelIndex: 0,
		IsFinal:      true,
		Words: []Word{
			{Text: "hello", Punctuated: "Hello", Start: 0.0, End: 0.4},
			{Text: "there", Punctuated: "there", Start: 0.5, End: 0.9},
		},
	})
	require.Len(t, r1.Segments, 1)
	require.Len(t, r1.Changed, 1)
	assert.True(t, r1.Changed[0].Created)

	r2 := m.Merge(r1.Segments, Batch{
		ChannelIndex: 1,
		IsFinal:      true,
		Words:        []Word{{Text: "hi", Punctuated: "Hi", Start: 1.0, End: 1.3, Speaker: sp(0)}},
	})

	assert.Equal(t, []Segment{
		{Speaker: 0, Text: "Hello there", Start: 0.0, End: 0.9},
		{Speaker: 1, Text: "Hi", Start: 1.0, End: 1.3},
	}, r2.Segments)
	require.Len(t, r2.Changed, 1)
	assert.Equal(t, 1, r2.Changed[0].Index)
	assert.True(t, r2.Changed[0].Created)

	// input slice is untouched
	assert.Len(t, r1.Segments, 1)
}

func TestMergeGapBoundary(t *testing.T) {
	m := NewMerger(3.0)
	base := []Segment{{Speaker: 0, Text: "one", Start: 0, End: 1.0}}

	merged := m.Merge(base, Batch{IsFinal: true, Words: []Word{{Text: "two", Start: 3.9, End: 4.2}}})
	require.Len(t, merged.Segments, 1)
	assert.Equal(t, "one two", merged.Segments[0].Text)
	assert.Equal(t, 4.2, merged.Segments[0].End)
	require.Len(t, merged.Changed, 1)
	assert.False(t, merged.Changed[0].Created)
	assert.Equal(t, 0.0, merged.Changed[0].Segment.Start)

	split := m.Merge(base, Batch{IsFinal: true, Words: []Word{{Text: "two", Start: 4.0, End: 4.2}}})
	require.Len(t, split.Segments, 2)
	assert.Equal(t, "one", split.Segments[0].Text)
	assert.Equal(t, "two", split.Segments[1].Text)
}

func TestMergeSplitsSpeakersWithinBatch(t *testing.T) {
	m := NewMerger(0)
	r := m.Merge(nil, Batch{
		ChannelIndex: 1,
		SpeechFinal:  true,
		Words: []Word{
			{Text: "a", Start: 0, End: 0.2, Speaker: sp(0)},
			{Text: "b", Start: 0.3, End: 0.5, Speaker: sp(1)},
			{Text: "c", Start: 0.6, End: 0.8, Speaker: sp(1)},
		},
	})
	assert.Equal(t, []Segment{
		{Speaker: 1, Text: "a", Start: 0, End: 0.2},
		{Speaker: 2, Text: "b c", Start: 0.3, End: 0.8},
	}, r.Segments)
	assert.Len(t, r.Changed, 2)
}

func TestMergeIgnoresInterim(t *testing.T) {
	m := NewMerger(0)
	existing := []Segment{{Speaker: 0, Text: "x", Start: 0, End: 1}}
	r := m.Merge(existing, Batch{Words: []Word{{Text: "y", Start: 1.1, End: 1.2}}})
	assert.Equal(t, existing, r.Segments)
	assert.Empty(t, r.Changed)
}

func TestMergeWithoutWordsAppendsText(t *testing.T) {
	m := NewMerger(0)
	existing := []Segment{{Speaker: 1, Text: "earlier", Start: 0, End: 1}}
	r := m.Merge(existing, Batch{ChannelIndex: 1, SpeechFinal: true, Text: " later ", Start: 1.5, Duration: 0.5})
	require.Len(t, r.Segments, 2)
	assert.Equal(t, Segment{Speaker: 1, Text: "later", Start: 1.5, End: 2.0}, r.Segments[1])

	empty := m.Merge(existing, Batch{SpeechFinal: true})
	assert.Len(t, empty.Segments, 1)
}

func TestMergeKeepsStartOrder(t *testing.T) {
	m := NewMerger(0)
	existing := []Segment{{Speaker: 0, Text: "late", Start: 5, End: 6}}
	r := m.Merge(existing, Batch{ChannelIndex: 1, IsFinal: true, Words: []Word{{Text: "early", Start: 2, End: 3}}})
	require.Len(t, r.Segments, 2)
	assert.Equal(t, "early", r.Segments[0].Text)
	require.Len(t, r.Changed, 1)
	assert.Equal(t, 0, r.Changed[0].Index)
}

func TestBatchFromFrame(t *testing.T) {
	f := frames.NewTranscriptFrame("s", 1, frames.TranscriptParams{
		Text:         "hi",
		ChannelIndex: 1,
		IsFinal:      true,
		Words:        []frames.Word{{Text: "hi", Punctuated: "Hi.", Start: 1, End: 2, Speaker: sp(1)}},
	}, nil)
	b := BatchFromFrame(f)
	assert.Equal(t, 1, b.ChannelIndex)
	assert.True(t, b.Final())
	require.Len(t, b.Words, 1)
	assert.Equal(t, "Hi.", b.Words[0].Punctuated)
	assert.Equal(t, 1, *b.Words[0].Speaker)
}

func TestTranscript(t *testing.T) {
	assert.Equal(t, "a\nb", Transcript([]Segment{{Text: "a"}, {Text: "b"}}))
}
