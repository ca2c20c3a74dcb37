// Package ledgertest holds a conformance suite shared by Ledger implementations.
package ledgertest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harunnryd/scribe/pkg/diarize"
	"github.com/harunnryd/scribe/pkg/errorsx"
	"github.com/harunnryd/scribe/pkg/ledger"
)

// Run exercises l against the Ledger contract. newLedger must return an empty ledger.
func Run(t *testing.T, newLedger func(t *testing.T) ledger.Ledger) {
	t.Run("lifecycle", func(t *testing.T) { testLifecycle(t, newLedger(t)) })
	t.Run("append is idempotent", func(t *testing.T) { testAppendIdempotent(t, newLedger(t)) })
	t.Run("invalid transitions", func(t *testing.T) { testInvalidTransitions(t, newLedger(t)) })
	t.Run("retry path", func(t *testing.T) { testRetryPath(t, newLedger(t)) })
	t.Run("query and delete", func(t *testing.T) { testQueryAndDelete(t, newLedger(t)) })
	t.Run("missing session", func(t *testing.T) { testMissing(t, newLedger(t)) })
}

func start(t *testing.T, l ledger.Ledger, at time.Time) int64 {
	t.Helper()
	id, err := l.StartSession(context.Background(), ledger.StartParams{
		Source:          "microphone",
		Language:        "en",
		Timezone:        "UTC",
		InputDeviceName: "Built-in",
		UploadKey:       "key-" + at.Format("150405.000"),
		StartedAt:       at,
	})
	require.NoError(t, err)
	return id
}

func testLifecycle(t *testing.T, l ledger.Ledger) {
	ctx := context.Background()
	startedAt := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	id := start(t, l, startedAt)

	sess, err := l.Session(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, ledger.StateRecording, sess.State)
	assert.Equal(t, "microphone", sess.Source)
	assert.Equal(t, "Built-in", sess.InputDeviceName)
	assert.NotEmpty(t, sess.UploadKey)
	assert.True(t, sess.CreatedAt.Equal(startedAt))

	require.NoError(t, l.AppendSegment(ctx, id, diarize.Segment{Speaker: 1, Text: "Hi", Start: 1.0, End: 1.3}))
	require.NoError(t, l.AppendSegment(ctx, id, diarize.Segment{Speaker: 0, Text: "Hello there", Start: 0.0, End: 0.9}))

	finishedAt := startedAt.Add(time.Minute)
	require.NoError(t, l.FinishSession(ctx, id, finishedAt))
	require.NoError(t, l.MarkUploading(ctx, id))
	require.NoError(t, l.MarkCompleted(ctx, id, "conv-1"))
	require.NoError(t, l.MarkCompleted(ctx, id, "conv-1"), "completing twice with the same id is a no-op")

	sess, err = l.Session(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, ledger.StateCompleted, sess.State)
	assert.Equal(t, "conv-1", sess.BackendID)
	assert.True(t, sess.FinishedAt.Equal(finishedAt))

	segs, err := l.Segments(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, []diarize.Segment{
		{Speaker: 0, Text: "Hello there", Start: 0.0, End: 0.9},
		{Speaker: 1, Text: "Hi", Start: 1.0, End: 1.3},
	}, segs)
}

func testAppendIdempotent(t *testing.T, l ledger.Ledger) {
	ctx := context.Background()
	id := start(t, l, time.Now())

	seg := diarize.Segment{Speaker: 0, Text: "one", Start: 2.0, End: 2.5}
	require.NoError(t, l.AppendSegment(ctx, id, seg))
	require.NoError(t, l.AppendSegment(ctx, id, seg))
	seg.Text = "one two"
	seg.End = 3.1
	require.NoError(t, l.AppendSegment(ctx, id, seg))

	segs, err := l.Segments(ctx, id)
	require.NoError(t, err)
	require.Len(t, segs, 1)
	assert.Equal(t, "one two", segs[0].Text)
	assert.Equal(t, 3.1, segs[0].End)
}

func testInvalidTransitions(t *testing.T, l ledger.Ledger) {
	ctx := context.Background()
	id := start(t, l, time.Now())

	err := l.MarkUploading(ctx, id)
	require.Error(t, err)
	assert.True(t, ledger.IsInvalidTransition(err))
	assert.True(t, errorsx.HasReason(err, errorsx.ReasonInvalidTransition))

	require.Error(t, l.MarkCompleted(ctx, id, "x"))
	require.NoError(t, l.FinishSession(ctx, id, time.Now()))
	require.Error(t, l.FinishSession(ctx, id, time.Now()))
	require.Error(t, l.MarkFailed(ctx, id, "boom"))

	sess, err := l.Session(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, ledger.StateFinished, sess.State, "rejected moves leave the state untouched")
}

func testRetryPath(t *testing.T, l ledger.Ledger) {
	ctx := context.Background()
	id := start(t, l, time.Now())
	require.NoError(t, l.FinishSession(ctx, id, time.Now()))
	require.NoError(t, l.MarkUploading(ctx, id))
	require.NoError(t, l.MarkFailed(ctx, id, "upload: 503"))
	require.NoError(t, l.IncrementRetry(ctx, id))

	sess, err := l.Session(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, ledger.StateFailed, sess.State)
	assert.Equal(t, "upload: 503", sess.LastError)
	assert.Equal(t, 1, sess.RetryCount)

	require.NoError(t, l.MarkUploading(ctx, id))
	require.NoError(t, l.MarkCompleted(ctx, id, "conv-9"))
	sess, err = l.Session(ctx, id)
	require.NoError(t, err)
	assert.Empty(t, sess.LastError)
}

func testQueryAndDelete(t *testing.T, l ledger.Ledger) {
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	newer := start(t, l, base.Add(time.Hour))
	older := start(t, l, base)
	done := start(t, l, base.Add(2*time.Hour))

	for _, id := range []int64{newer, older, done} {
		require.NoError(t, l.FinishSession(ctx, id, base.Add(3*time.Hour)))
	}
	require.NoError(t, l.MarkUploading(ctx, done))
	require.NoError(t, l.MarkCompleted(ctx, done, "c"))

	pending, err := l.SessionsInStates(ctx, ledger.StateFinished, ledger.StateFailed)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, older, pending[0].ID)
	assert.Equal(t, newer, pending[1].ID)

	st, err := l.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, ledger.Stats{Total: 3, Pending: 2, Completed: 1}, st)

	require.NoError(t, l.AppendSegment(ctx, older, diarize.Segment{Text: "x", End: 1}))
	require.NoError(t, l.DeleteSession(ctx, older))
	_, err = l.Session(ctx, older)
	assert.True(t, errors.Is(err, ledger.ErrSessionNotFound))
}

func testMissing(t *testing.T, l ledger.Ledger) {
	ctx := context.Background()
	err := l.AppendSegment(ctx, 404, diarize.Segment{Text: "x"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ledger.ErrSessionNotFound))
	assert.True(t, errorsx.HasReason(err, errorsx.ReasonSessionNotFound))

	_, err = l.Segments(ctx, 404)
	assert.True(t, errors.Is(err, ledger.ErrSessionNotFound))
	assert.Error(t, l.IncrementRetry(ctx, 404))
	assert.Error(t, l.MarkUploading(ctx, 404))
}
