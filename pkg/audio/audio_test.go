package audio

import (
	"context"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-audio/wav"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harunnryd/scribe/pkg/metrics"
)

func pcm(samples ...int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

func samplesOf(b []byte) []int16 {
	out := make([]int16, len(b)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(b[i*2:]))
	}
	return out
}

func TestMonoToStereoDuplicates(t *testing.T) {
	got := samplesOf(MonoToStereo(pcm(1, -2, 3)))
	assert.Equal(t, []int16{1, 1, -2, -2, 3, 3}, got)
}

func TestLevel(t *testing.T) {
	assert.Equal(t, 0.0, Level(nil))
	assert.Equal(t, 0.0, Level(pcm(0, 0, 0)))
	assert.InDelta(t, 0.5, Level(pcm(16384, -16384)), 1e-9)
}

func TestMixerPadsMissingChannel(t *testing.T) {
	// 1 kHz at 4 ms cadence gives 4 samples per step.
	m := NewMixer(MixerConfig{SampleRate: 1000, Cadence: 4 * time.Millisecond})
	require.Equal(t, 8, m.FrameBytes())

	m.PushMic(pcm(1, 2, 3, 4, 5))
	m.PushSystem(pcm(9))

	first := samplesOf(m.Next())
	assert.Equal(t, []int16{1, 9, 2, 0, 3, 0, 4, 0}, first)

	second := samplesOf(m.Next())
	assert.Equal(t, []int16{5, 0, 0, 0, 0, 0, 0, 0}, second)

	third := samplesOf(m.Next())
	assert.Equal(t, make([]int16, 8), third)
}

func TestMixerDropsOldestOnOverflow(t *testing.T) {
	m := NewMixer(MixerConfig{SampleRate: 1000, Cadence: 2 * time.Millisecond, MaxBuffer: 3 * time.Millisecond})
	m.PushMic(pcm(1, 2, 3, 4, 5))

	assert.Equal(t, int64(4), m.Dropped())
	assert.Equal(t, []int16{3, 0, 4, 0}, samplesOf(m.Next()))
}

func TestMixerEmitsLevels(t *testing.T) {
	obs := metrics.NewMemoryObserver()
	m := NewMixer(MixerConfig{Observer: obs})
	m.PushSystem(pcm(16384, -16384))

	events := obs.Named(metrics.EventAudioLevel)
	require.Len(t, events, 1)
	assert.Equal(t, ChannelSystem, events[0].Tags["channel"])
	assert.InDelta(t, 0.5, events[0].Value, 1e-9)
}

func TestMixerStartEmitsAtCadence(t *testing.T) {
	m := NewMixer(MixerConfig{SampleRate: 1000, Cadence: 5 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	got := make(chan []byte, 16)
	done := make(chan struct{})
	go func() {
		m.Start(ctx, func(b []byte) { got <- b })
		close(done)
	}()

	select {
	case b := <-got:
		assert.Len(t, b, 20)
	case <-time.After(time.Second):
		t.Fatalf("no frame emitted")
	}
	cancel()
	<-done
}

func TestWAVRecorderRoundTrip(t *testing.T) {
	path := SessionPath(filepath.Join(t.TempDir(), "rec"), 7)
	assert.Equal(t, "session-7.wav", filepath.Base(path))

	rec, err := NewWAVRecorder(path, 16000, 2)
	require.NoError(t, err)
	require.NoError(t, rec.Write(pcm(1, 2, 3, 4)))
	require.NoError(t, rec.Write(pcm(5, 6)))
	assert.Equal(t, int64(3), rec.Frames())
	require.NoError(t, rec.Close())
	require.NoError(t, rec.Close())
	require.Error(t, rec.Write(pcm(1)))

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	dec := wav.NewDecoder(f)
	require.True(t, dec.IsValidFile())
	buf, err := dec.FullPCMBuffer()
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 3, 4, 5, 6}, buf.Data)
	assert.Equal(t, 2, buf.Format.NumChannels)
}
