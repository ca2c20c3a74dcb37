package mock

import (
	"context"
	"errors"
	"sync"

	"github.com/harunnryd/scribe/pkg/adapters/audio"
)

// Source is an in-memory capture device. Feed delivers PCM to the active callback.
type Source struct {
	name     string
	StartErr error

	mu      sync.Mutex
	onChunk audio.ChunkFunc
	onLevel audio.LevelFunc
	starts  int
	stops   int
}

func NewSource(name string) *Source {
	return &Source{name: name}
}

func (s *Source) Name() string { return s.name }

func (s *Source) DeviceName() string { return "mock " + s.name }

func (s *Source) StartCapture(onChunk audio.ChunkFunc, onLevel audio.LevelFunc) error {
	if s.StartErr != nil {
		return s.StartErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.onChunk != nil {
		return errors.New("already capturing")
	}
	s.onChunk = onChunk
	s.onLevel = onLevel
	s.starts++
	return nil
}

func (s *Source) StopCapture() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.onChunk == nil {
		return
	}
	s.onChunk = nil
	s.onLevel = nil
	s.stops++
}

// Feed delivers pcm if capture is running and reports whether it was delivered.
func (s *Source) Feed(pcm []byte) bool {
	s.mu.Lock()
	fn := s.onChunk
	s.mu.Unlock()
	if fn == nil {
		return false
	}
	fn(pcm)
	return true
}

func (s *Source) Capturing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.onChunk != nil
}

// Counts returns how many times capture was started and stopped.
func (s *Source) Counts() (starts, stops int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.starts, s.stops
}

// Wearable adds a connection flag and a button stream to Source.
type Wearable struct {
	*Source
	mu        sync.Mutex
	connected bool
	buttons   chan audio.ButtonState
}

func NewWearable(connected bool) *Wearable {
	return &Wearable{
		Source:    NewSource("wearable"),
		connected: connected,
		buttons:   make(chan audio.ButtonState, 8),
	}
}

func (w *Wearable) Connected() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.connected
}

func (w *Wearable) SetConnected(v bool) {
	w.mu.Lock()
	w.connected = v
	w.mu.Unlock()
}

func (w *Wearable) Buttons(ctx context.Context) <-chan audio.ButtonState {
	out := make(chan audio.ButtonState)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case b := <-w.buttons:
				select {
				case out <- b:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out
}

// Press queues a button gesture.
func (w *Wearable) Press(state audio.ButtonState) {
	w.buttons <- state
}

var (
	_ audio.Provider    = (*Source)(nil)
	_ audio.DeviceNamer = (*Source)(nil)
	_ audio.Wearable    = (*Wearable)(nil)
)
