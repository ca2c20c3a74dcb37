package audio

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/harunnryd/scribe/pkg/logging"
	"github.com/harunnryd/scribe/pkg/metrics"
)

const (
	ChannelMic    = "mic"
	ChannelSystem = "system"
)

type MixerConfig struct {
	SampleRate int
	Cadence    time.Duration
	// MaxBuffer caps each channel's backlog; the oldest audio is dropped past it.
	MaxBuffer time.Duration
	Observer  metrics.Observer
	Logger    *slog.Logger
}

func (c *MixerConfig) applyDefaults() {
	if c.SampleRate <= 0 {
		c.SampleRate = 16000
	}
	if c.Cadence <= 0 {
		c.Cadence = 100 * time.Millisecond
	}
	if c.MaxBuffer <= 0 {
		c.MaxBuffer = 2 * time.Second
	}
	if c.Observer == nil {
		c.Observer = metrics.NoopObserver{}
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Mixer combines microphone and system audio into interleaved stereo at a fixed
// cadence. A silent or absent channel is padded with zeros.
type Mixer struct {
	cfg    MixerConfig
	logger *slog.Logger

	mu      sync.Mutex
	mic     []byte
	sys     []byte
	dropped int64
}

func NewMixer(cfg MixerConfig) *Mixer {
	cfg.applyDefaults()
	return &Mixer{
		cfg:    cfg,
		logger: logging.NewComponentLogger(cfg.Logger, "audio_mixer"),
	}
}

// FrameBytes is the size of one mono cadence step.
func (m *Mixer) FrameBytes() int {
	samples := int(int64(m.cfg.SampleRate) * int64(m.cfg.Cadence) / int64(time.Second))
	return samples * 2
}

func (m *Mixer) maxBytes() int {
	samples := int(int64(m.cfg.SampleRate) * int64(m.cfg.MaxBuffer) / int64(time.Second))
	return samples * 2
}

func (m *Mixer) PushMic(pcm []byte)    { m.push(ChannelMic, pcm) }
func (m *Mixer) PushSystem(pcm []byte) { m.push(ChannelSystem, pcm) }

func (m *Mixer) push(channel string, pcm []byte) {
	if len(pcm) == 0 {
		return
	}
	metrics.Record(m.cfg.Observer, metrics.EventAudioLevel, Level(pcm), map[string]string{"channel": channel})

	m.mu.Lock()
	defer m.mu.Unlock()
	buf := &m.mic
	if channel == ChannelSystem {
		buf = &m.sys
	}
	*buf = append(*buf, pcm...)
	if limit := m.maxBytes(); len(*buf) > limit {
		over := len(*buf) - limit
		over += over % 2
		*buf = append((*buf)[:0], (*buf)[over:]...)
		m.dropped += int64(over)
	}
}

// Next takes one cadence step from both channels and returns interleaved stereo.
func (m *Mixer) Next() []byte {
	n := m.FrameBytes()
	left := make([]byte, n)
	right := make([]byte, n)

	m.mu.Lock()
	k := copy(left, m.mic)
	m.mic = append(m.mic[:0], m.mic[k:]...)
	k = copy(right, m.sys)
	m.sys = append(m.sys[:0], m.sys[k:]...)
	m.mu.Unlock()

	return Interleave(left, right)
}

// Dropped reports how many bytes were discarded on overflow.
func (m *Mixer) Dropped() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dropped
}

// Reset clears both channel buffers.
func (m *Mixer) Reset() {
	m.mu.Lock()
	m.mic = m.mic[:0]
	m.sys = m.sys[:0]
	m.mu.Unlock()
}

// Start emits a stereo frame every cadence until ctx is done.
func (m *Mixer) Start(ctx context.Context, emit func([]byte)) {
	ticker := time.NewTicker(m.cfg.Cadence)
	defer ticker.Stop()
	m.logger.Debug("mixer_started",
		slog.Int("sample_rate", m.cfg.SampleRate),
		slog.Duration("cadence", m.cfg.Cadence))
	for {
		select {
		case <-ctx.Done():
			if d := m.Dropped(); d > 0 {
				m.logger.Warn("mixer_overflow", slog.Int64("dropped_bytes", d))
			}
			return
		case <-ticker.C:
			emit(m.Next())
		}
	}
}
