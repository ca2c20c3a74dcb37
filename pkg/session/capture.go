package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/harunnryd/scribe/pkg/adapters/audio"
	"github.com/harunnryd/scribe/pkg/adapters/stt"
	pcm "github.com/harunnryd/scribe/pkg/audio"
	"github.com/harunnryd/scribe/pkg/errorsx"
	"github.com/harunnryd/scribe/pkg/frames"
	"github.com/harunnryd/scribe/pkg/metrics"
)

// capture owns the devices and the recognizer of one recording. Audio
// callbacks run on provider goroutines; everything else is touched only by
// the controller loop.
type capture struct {
	kind       audio.SourceKind
	streamID   string
	recognizer stt.StreamingSTT
	results    <-chan frames.Frame
	buttons    <-chan audio.ButtonState
	providers  []audio.Provider
	mixer      *pcm.Mixer
	deviceName string

	rate     int
	channels int
	logger   *slog.Logger
	cancel   context.CancelFunc
	wg       sync.WaitGroup

	mu      sync.Mutex
	wav     *pcm.WAVRecorder
	sendErr bool
}

func (c *Controller) openCapture(ctx context.Context, kind audio.SourceKind) (*capture, error) {
	src := c.cfg.Sources
	var providers []audio.Provider
	switch kind {
	case audio.SourceWearable:
		if src.Wearable == nil || !src.Wearable.Connected() {
			return nil, ErrSourceUnavailable
		}
		providers = []audio.Provider{src.Wearable}
	case audio.SourceMicrophone, audio.SourceMicrophoneSystem:
		if src.Microphone == nil {
			return nil, ErrSourceUnavailable
		}
		if src.Permission != nil && !src.Permission.Granted() {
			return nil, ErrPermissionDenied
		}
		providers = []audio.Provider{src.Microphone}
		if kind == audio.SourceMicrophoneSystem {
			if src.System == nil {
				return nil, fmt.Errorf("system audio: %w", ErrSourceUnavailable)
			}
			providers = append(providers, src.System)
		}
	default:
		return nil, fmt.Errorf("unknown source %q: %w", kind, ErrSourceUnavailable)
	}

	capCtx, cancel := context.WithCancel(ctx)
	cp := &capture{
		kind:      kind,
		streamID:  uuid.NewString(),
		providers: providers,
		rate:      c.cfg.SampleRate,
		channels:  kind.Channels(),
		cancel:    cancel,
	}
	cp.logger = c.logger.With(slog.String("stream_id", cp.streamID), slog.String("source", string(kind)))
	if dn, ok := providers[0].(audio.DeviceNamer); ok {
		cp.deviceName = dn.DeviceName()
	}

	rec, err := c.cfg.STT(stt.Config{
		StreamID:   cp.streamID,
		TraceID:    cp.streamID,
		SampleRate: cp.rate,
		Language:   c.cfg.Language,
		Channels:   cp.channels,
		Diarize:    true,
		Vocabulary: c.cfg.Vocabulary,
	})
	if err != nil {
		cancel()
		return nil, errorsx.Wrapf(errorsx.ReasonSTTConnect, "build recognizer: %w", err)
	}
	if err := rec.Start(capCtx); err != nil {
		cancel()
		_ = rec.Close()
		return nil, err
	}
	cp.recognizer = rec
	cp.results = rec.Results()

	if kind == audio.SourceMicrophoneSystem {
		cp.mixer = pcm.NewMixer(pcm.MixerConfig{
			SampleRate: cp.rate,
			Cadence:    c.cfg.Cadence,
			Observer:   c.cfg.Observer,
			Logger:     c.cfg.Logger,
		})
		cp.wg.Add(1)
		go func() {
			defer cp.wg.Done()
			cp.mixer.Start(capCtx, cp.send)
		}()
	}

	for i, p := range providers {
		onChunk, onLevel := cp.callbacks(i, c.cfg.Observer)
		if err := p.StartCapture(onChunk, onLevel); err != nil {
			for _, started := range providers[:i] {
				started.StopCapture()
			}
			cp.shutdown()
			return nil, errorsx.Wrapf(errorsx.ReasonCaptureStart, "start %s: %w", p.Name(), err)
		}
	}

	if kind == audio.SourceWearable {
		cp.buttons = src.Wearable.Buttons(capCtx)
	}
	return cp, nil
}

// callbacks returns the audio handlers for the i-th provider.
func (cp *capture) callbacks(i int, obs metrics.Observer) (audio.ChunkFunc, audio.LevelFunc) {
	switch {
	case cp.mixer != nil && i == 0:
		return cp.mixer.PushMic, nil
	case cp.mixer != nil:
		return cp.mixer.PushSystem, nil
	case cp.kind == audio.SourceWearable:
		return func(b []byte) { cp.send(pcm.MonoToStereo(b)) }, levelRecorder(obs, pcm.ChannelMic)
	default:
		return cp.send, levelRecorder(obs, pcm.ChannelMic)
	}
}

func levelRecorder(obs metrics.Observer, channel string) audio.LevelFunc {
	return func(level float64) {
		metrics.Record(obs, metrics.EventAudioLevel, level, map[string]string{"channel": channel})
	}
}

// send forwards interleaved PCM to the recognizer and the optional WAV tee.
func (cp *capture) send(b []byte) {
	if len(b) == 0 {
		return
	}
	cp.mu.Lock()
	wav := cp.wav
	cp.mu.Unlock()
	if wav != nil {
		if err := wav.Write(b); err != nil {
			cp.logger.Debug("wav_write_failed", slog.String("error", err.Error()))
		}
	}
	frame := frames.NewAudioFrame(cp.streamID, time.Now().UnixNano(), b, cp.rate, cp.channels, nil)
	if err := cp.recognizer.SendAudio(frame); err != nil {
		cp.mu.Lock()
		first := !cp.sendErr
		cp.sendErr = true
		cp.mu.Unlock()
		if first {
			cp.logger.Warn("stt_send_failed",
				slog.String("reason_code", string(errorsx.ReasonSTTSend)),
				slog.String("error", err.Error()))
		}
	}
}

// record swaps the WAV tee to path, closing the previous file.
func (cp *capture) record(path string) {
	var next *pcm.WAVRecorder
	if path != "" {
		w, err := pcm.NewWAVRecorder(path, cp.rate, cp.channels)
		if err != nil {
			cp.logger.Warn("wav_open_failed", slog.String("path", path), slog.String("error", err.Error()))
		} else {
			next = w
		}
	}
	cp.mu.Lock()
	prev := cp.wav
	cp.wav = next
	cp.mu.Unlock()
	if prev != nil {
		if err := prev.Close(); err != nil {
			cp.logger.Warn("wav_close_failed", slog.String("path", prev.Path()), slog.String("error", err.Error()))
		}
	}
}

// stop releases the devices, the mixer and the recognizer.
func (cp *capture) stop() {
	for _, p := range cp.providers {
		p.StopCapture()
	}
	cp.shutdown()
}

func (cp *capture) shutdown() {
	cp.cancel()
	cp.wg.Wait()
	if err := cp.recognizer.Close(); err != nil {
		cp.logger.Debug("stt_close_failed", slog.String("error", err.Error()))
	}
	cp.record("")
}
