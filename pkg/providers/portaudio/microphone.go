package portaudio

import (
	"encoding/binary"
	"log/slog"
	"sync"

	pa "github.com/gordonklaus/portaudio"

	adaptaudio "github.com/harunnryd/scribe/pkg/adapters/audio"
	"github.com/harunnryd/scribe/pkg/audio"
	"github.com/harunnryd/scribe/pkg/errorsx"
	"github.com/harunnryd/scribe/pkg/logging"
)

type Config struct {
	SampleRate      int
	FramesPerBuffer int
}

// Microphone captures mono 16-bit PCM from the default input device.
type Microphone struct {
	cfg    Config
	logger *slog.Logger

	mu     sync.Mutex
	stream *pa.Stream
	device string
}

func NewMicrophone(cfg Config) *Microphone {
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 16000
	}
	if cfg.FramesPerBuffer <= 0 {
		// 100 ms
		cfg.FramesPerBuffer = cfg.SampleRate / 10
	}
	return &Microphone{
		cfg:    cfg,
		logger: logging.NewComponentLogger(slog.Default(), "portaudio_mic"),
	}
}

func (m *Microphone) Name() string { return "portaudio_microphone" }

func (m *Microphone) DeviceName() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.device
}

func (m *Microphone) StartCapture(onChunk adaptaudio.ChunkFunc, onLevel adaptaudio.LevelFunc) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stream != nil {
		return nil
	}
	if err := pa.Initialize(); err != nil {
		return errorsx.Wrapf(errorsx.ReasonCaptureStart, "portaudio init: %w", err)
	}
	if dev, err := pa.DefaultInputDevice(); err == nil && dev != nil {
		m.device = dev.Name
	}

	callback := func(in []int16) {
		buf := make([]byte, len(in)*2)
		for i, s := range in {
			binary.LittleEndian.PutUint16(buf[i*2:], uint16(s))
		}
		if onLevel != nil {
			onLevel(audio.Level(buf))
		}
		if onChunk != nil {
			onChunk(buf)
		}
	}
	stream, err := pa.OpenDefaultStream(1, 0, float64(m.cfg.SampleRate), m.cfg.FramesPerBuffer, callback)
	if err != nil {
		_ = pa.Terminate()
		return errorsx.Wrapf(errorsx.ReasonCaptureStart, "open input stream: %w", err)
	}
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		_ = pa.Terminate()
		return errorsx.Wrapf(errorsx.ReasonCaptureStart, "start input stream: %w", err)
	}
	m.stream = stream
	m.logger.Info("capture_started",
		slog.String("device", m.device),
		slog.Int("sample_rate", m.cfg.SampleRate))
	return nil
}

func (m *Microphone) StopCapture() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stream == nil {
		return
	}
	if err := m.stream.Stop(); err != nil {
		m.logger.Warn("capture_stop_failed", slog.String("error", err.Error()))
	}
	_ = m.stream.Close()
	_ = pa.Terminate()
	m.stream = nil
	m.logger.Info("capture_stopped", slog.String("device", m.device))
}

var (
	_ adaptaudio.Provider    = (*Microphone)(nil)
	_ adaptaudio.DeviceNamer = (*Microphone)(nil)
)
