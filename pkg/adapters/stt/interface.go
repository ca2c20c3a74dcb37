package stt

import (
	"context"

	"github.com/harunnryd/scribe/pkg/frames"
)

// StreamingSTT defines the contract for any STT vendor implementation.
type StreamingSTT interface {
	// Name returns adapter name for logging/metrics.
	Name() string
	// Start initializes the STT connection.
	Start(ctx context.Context) error
	// Close shuts down the STT connection and closes Results.
	Close() error
	// SendAudio sends interleaved PCM to the STT service.
	SendAudio(frame frames.AudioFrame) error
	// Results returns transcript, control and error frames.
	Results() <-chan frames.Frame
}

// Config contains vendor-agnostic STT configuration.
type Config struct {
	StreamID   string
	TraceID    string
	SampleRate int
	Language   string
	// Channels is 2 for mic+system capture and 1 otherwise. With more than one
	// channel results are tagged with their channel index.
	Channels   int
	Diarize    bool
	Vocabulary []string
}

// Factory builds a fresh recognizer per session.
type Factory func(cfg Config) (StreamingSTT, error)
