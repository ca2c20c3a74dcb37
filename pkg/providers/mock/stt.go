package mock

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/harunnryd/scribe/pkg/adapters/stt"
	"github.com/harunnryd/scribe/pkg/frames"
)

type STTConfig struct {
	StreamID string
	TraceID  string
	// Script is emitted in order once the first audio frame arrives.
	Script []frames.TranscriptParams
	// StartErr makes Start fail.
	StartErr error
}

// StreamingSTT is a scripted recognizer. Tests can also push results directly.
type StreamingSTT struct {
	cfg     STTConfig
	out     chan frames.Frame
	mu      sync.Mutex
	started bool
	closed  bool
	emitted bool
	bytes   int
	frames  int
}

func NewSTT(cfg STTConfig) *StreamingSTT {
	return &StreamingSTT{cfg: cfg, out: make(chan frames.Frame, 64)}
}

// Factory returns an stt.Factory that records every recognizer it creates.
func Factory(cfg STTConfig, created *[]*StreamingSTT, mu *sync.Mutex) stt.Factory {
	return func(sc stt.Config) (stt.StreamingSTT, error) {
		c := cfg
		c.StreamID = sc.StreamID
		c.TraceID = sc.TraceID
		s := NewSTT(c)
		if created != nil {
			mu.Lock()
			*created = append(*created, s)
			mu.Unlock()
		}
		return s, nil
	}
}

func (s *StreamingSTT) Name() string { return "mock_stt" }

func (s *StreamingSTT) Start(ctx context.Context) error {
	if s.cfg.StartErr != nil {
		return s.cfg.StartErr
	}
	s.mu.Lock()
	s.started = true
	s.mu.Unlock()
	return nil
}

func (s *StreamingSTT) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.out)
	}
	s.started = false
	return nil
}

func (s *StreamingSTT) SendAudio(frame frames.AudioFrame) error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return errors.New("not started")
	}
	s.bytes += len(frame.RawPayload())
	s.frames++
	if s.emitted {
		s.mu.Unlock()
		return nil
	}
	s.emitted = true
	s.mu.Unlock()

	for _, p := range s.cfg.Script {
		s.Push(p)
	}
	return nil
}

func (s *StreamingSTT) Results() <-chan frames.Frame { return s.out }

// Push emits one transcript result.
func (s *StreamingSTT) Push(p frames.TranscriptParams) {
	meta := map[string]string{frames.MetaSource: "stt"}
	if s.cfg.TraceID != "" {
		meta[frames.MetaTraceID] = s.cfg.TraceID
	}
	s.send(frames.NewTranscriptFrame(s.cfg.StreamID, time.Now().UnixNano(), p, meta))
}

// Fail emits a terminal recognizer error.
func (s *StreamingSTT) Fail(err error) {
	s.send(frames.NewErrorFrame(s.cfg.StreamID, time.Now().UnixNano(), err, map[string]string{frames.MetaSource: "stt"}))
}

func (s *StreamingSTT) send(f frames.Frame) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.out <- f
}

// AudioBytes reports how much PCM was forwarded.
func (s *StreamingSTT) AudioBytes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bytes
}

func (s *StreamingSTT) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

var _ stt.StreamingSTT = (*StreamingSTT)(nil)
