// Package ledger is the durable record of transcription sessions and their
// segments. Every write returns only after it is durable.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/harunnryd/scribe/pkg/diarize"
	"github.com/harunnryd/scribe/pkg/errorsx"
)

type State string

const (
	StateRecording State = "recording"
	StateFinished  State = "finished"
	StateUploading State = "uploading"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

func (s State) String() string { return string(s) }

// Session is the durable record of one conversation.
type Session struct {
	ID              int64
	BackendID       string
	State           State
	Source          string
	Language        string
	Timezone        string
	InputDeviceName string
	// UploadKey is sent as the idempotency key on every upload attempt.
	UploadKey  string
	RetryCount int
	LastError  string
	CreatedAt  time.Time
	FinishedAt time.Time
	UpdatedAt  time.Time
}

type StartParams struct {
	Source          string
	Language        string
	Timezone        string
	InputDeviceName string
	UploadKey       string
	StartedAt       time.Time
}

type Stats struct {
	Total     int
	Recording int
	Pending   int
	Failed    int
	Completed int
}

// Ledger stores sessions and segments.
type Ledger interface {
	StartSession(ctx context.Context, p StartParams) (int64, error)
	// AppendSegment upserts by (session, speaker, start) so replays are harmless.
	AppendSegment(ctx context.Context, sessionID int64, seg diarize.Segment) error
	// Segments returns the session's segments ordered by start.
	Segments(ctx context.Context, sessionID int64) ([]diarize.Segment, error)
	Session(ctx context.Context, sessionID int64) (Session, error)
	FinishSession(ctx context.Context, sessionID int64, at time.Time) error
	MarkUploading(ctx context.Context, sessionID int64) error
	// MarkCompleted is a no-op for a session already completed with backendID.
	MarkCompleted(ctx context.Context, sessionID int64, backendID string) error
	MarkFailed(ctx context.Context, sessionID int64, errText string) error
	DeleteSession(ctx context.Context, sessionID int64) error
	// SessionsInStates lists matching sessions, oldest first.
	SessionsInStates(ctx context.Context, states ...State) ([]Session, error)
	IncrementRetry(ctx context.Context, sessionID int64) error
	Stats(ctx context.Context) (Stats, error)
}

var ErrSessionNotFound = errorsx.Wrap(errors.New("session not found"), errorsx.ReasonSessionNotFound)

func notFound(id int64) error {
	return fmt.Errorf("session %d: %w", id, ErrSessionNotFound)
}
