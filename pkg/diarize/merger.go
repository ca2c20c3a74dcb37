// Package diarize turns recognizer word batches into speaker segments.
package diarize

import (
	"sort"
	"strings"

	"github.com/harunnryd/scribe/pkg/frames"
)

// DefaultMergeGap is the largest silence, in seconds, bridged when extending a
// speaker's segment.
const DefaultMergeGap = 3.0

// Segment is a contiguous utterance by one speaker. It is identified by
// (Speaker, Start); later results only extend its Text and End.
type Segment struct {
	Speaker int
	Text    string
	Start   float64
	End     float64
}

// Word is one recognized word with its timing and optional speaker tag.
type Word struct {
	Text       string
	Punctuated string
	Start      float64
	End        float64
	Speaker    *int
}

// Batch is one recognizer result for one channel.
type Batch struct {
	Text         string
	ChannelIndex int
	Start        float64
	Duration     float64
	Words        []Word
	IsFinal      bool
	SpeechFinal  bool
}

// Final reports whether the batch is stable enough to merge.
func (b Batch) Final() bool { return b.IsFinal || b.SpeechFinal }

// BatchFromFrame converts a transcript frame.
func BatchFromFrame(f frames.TranscriptFrame) Batch {
	fw := f.Words()
	words := make([]Word, len(fw))
	for i, w := range fw {
		words[i] = Word{Text: w.Text, Punctuated: w.Punctuated, Start: w.Start, End: w.End, Speaker: w.Speaker}
	}
	return Batch{
		Text:         f.Text(),
		ChannelIndex: f.ChannelIndex(),
		Start:        f.Start(),
		Duration:     f.Duration(),
		Words:        words,
		IsFinal:      f.IsFinal(),
		SpeechFinal:  f.SpeechFinal(),
	}
}

// Change is a segment created or extended by a merge. Index is its position in
// Result.Segments.
type Change struct {
	Index   int
	Segment Segment
	Created bool
}

// Result is the merged segment list after one batch of words.
type Result struct {
	Segments []Segment
	Changed  []Change
}

// Merger applies the speaker attribution and gap merge rules.
type Merger struct {
	MergeGap float64
}

// NewMerger returns a Merger; a non-positive gap selects DefaultMergeGap.
func NewMerger(gap float64) Merger {
	if gap <= 0 {
		gap = DefaultMergeGap
	}
	return Merger{MergeGap: gap}
}

// SpeakerFor maps a word to a speaker. Channel 0 is the local user; other
// channels offset the recognizer's diarization id by one.
func SpeakerFor(channel int, diarized *int) int {
	if channel == 0 {
		return 0
	}
	if diarized == nil || *diarized < 0 {
		return 1
	}
	return *diarized + 1
}

type key struct {
	speaker int
	start   float64
}

// Merge folds b into existing and returns the new segment list. existing is not
// modified. Interim batches leave the list unchanged.
func (m Merger) Merge(existing []Segment, b Batch) Result {
	segs := append([]Segment(nil), existing...)
	if !b.Final() {
		return Result{Segments: segs}
	}
	gap := m.MergeGap
	if gap <= 0 {
		gap = DefaultMergeGap
	}

	touched := map[key]bool{}
	mark := func(s Segment, created bool) {
		k := key{s.Speaker, s.Start}
		touched[k] = touched[k] || created
	}

	if len(b.Words) == 0 {
		text := strings.TrimSpace(b.Text)
		if text == "" {
			return Result{Segments: segs}
		}
		seg := Segment{
			Speaker: SpeakerFor(b.ChannelIndex, nil),
			Text:    text,
			Start:   b.Start,
			End:     b.Start + b.Duration,
		}
		if n := len(segs); n > 0 && segs[n-1].Speaker == seg.Speaker && seg.Start < segs[n-1].End {
			seg.Start = segs[n-1].End
		}
		if seg.End < seg.Start {
			seg.End = seg.Start
		}
		var idx int
		var created bool
		segs, idx, created = place(segs, seg, -1)
		mark(segs[idx], created)
		return m.result(segs, touched)
	}

	for _, seg := range group(b) {
		var idx int
		var created bool
		segs, idx, created = place(segs, seg, gap)
		mark(segs[idx], created)
	}
	return m.result(segs, touched)
}

// place merges seg into the tail when it continues the same speaker within gap,
// otherwise inserts it in start order. A negative gap disables gap merging.
// It returns the index of the affected segment and whether it was created.
func place(segs []Segment, seg Segment, gap float64) ([]Segment, int, bool) {
	if n := len(segs); n > 0 {
		tail := &segs[n-1]
		sameKey := tail.Speaker == seg.Speaker && tail.Start == seg.Start
		withinGap := gap >= 0 && tail.Speaker == seg.Speaker && seg.Start-tail.End < gap
		if sameKey || withinGap {
			tail.Text = joinText(tail.Text, seg.Text)
			if seg.End > tail.End {
				tail.End = seg.End
			}
			return segs, n - 1, false
		}
	}
	i := sort.Search(len(segs), func(i int) bool { return segs[i].Start > seg.Start })
	segs = append(segs, Segment{})
	copy(segs[i+1:], segs[i:])
	segs[i] = seg
	return segs, i, true
}

func (m Merger) result(segs []Segment, touched map[key]bool) Result {
	res := Result{Segments: segs}
	for i, s := range segs {
		created, ok := touched[key{s.Speaker, s.Start}]
		if !ok {
			continue
		}
		res.Changed = append(res.Changed, Change{Index: i, Segment: s, Created: created})
	}
	return res
}

// group joins consecutive same-speaker words of one batch.
func group(b Batch) []Segment {
	var out []Segment
	for _, w := range b.Words {
		text := w.Punctuated
		if text == "" {
			text = w.Text
		}
		speaker := SpeakerFor(b.ChannelIndex, w.Speaker)
		if n := len(out); n > 0 && out[n-1].Speaker == speaker {
			out[n-1].Text = joinText(out[n-1].Text, text)
			out[n-1].End = w.End
			continue
		}
		out = append(out, Segment{Speaker: speaker, Text: text, Start: w.Start, End: w.End})
	}
	return out
}

func joinText(a, b string) string {
	switch {
	case a == "":
		return b
	case b == "":
		return a
	}
	return a + " " + b
}

// Transcript joins segment texts, one per line.
func Transcript(segs []Segment) string {
	var sb strings.Builder
	for i, s := range segs {
		if i > 0 {
			sb.WriteByte('\n')
		}
		sb.WriteString(s.Text)
	}
	return sb.String()
}
