package finalize

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harunnryd/scribe/pkg/diarize"
	"github.com/harunnryd/scribe/pkg/ledger"
	"github.com/harunnryd/scribe/pkg/metrics"
	"github.com/harunnryd/scribe/pkg/upload"
)

type fakeUploader struct {
	mu    sync.Mutex
	calls []upload.Request
	keys  []string
	resp  upload.Response
	err   error
}

func (f *fakeUploader) Upload(_ context.Context, key string, req upload.Request) (upload.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, req)
	f.keys = append(f.keys, key)
	if f.err != nil {
		return upload.Response{}, f.err
	}
	return f.resp, nil
}

func (f *fakeUploader) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

var t0 = time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)

func newSession(t *testing.T, l ledger.Ledger, segs ...diarize.Segment) int64 {
	t.Helper()
	ctx := context.Background()
	id, err := l.StartSession(ctx, ledger.StartParams{Source: "microphone_system", Language: "en", Timezone: "UTC", UploadKey: "upload-key", StartedAt: t0})
	require.NoError(t, err)
	for _, s := range segs {
		require.NoError(t, l.AppendSegment(ctx, id, s))
	}
	require.NoError(t, l.FinishSession(ctx, id, t0.Add(time.Minute)))
	return id
}

func TestFinalizeUploadsLedgerSegments(t *testing.T) {
	led := ledger.NewMemory()
	id := newSession(t, led,
		diarize.Segment{Speaker: 0, Text: "Hello there", Start: 0, End: 0.9},
		diarize.Segment{Speaker: 1, Text: "Hi", Start: 1.0, End: 1.3},
	)
	up := &fakeUploader{resp: upload.Response{ID: "conv-1", Status: "completed"}}
	obs := metrics.NewMemoryObserver()
	p := New(Config{Ledger: led, Uploader: up, Observer: obs})

	res := p.Finalize(context.Background(), Request{SessionID: id, PersonMap: map[int]string{1: "person-7"}})
	require.NoError(t, res.Err)
	assert.Equal(t, OutcomeSaved, res.Outcome)
	assert.Equal(t, "conv-1", res.BackendID)

	require.Equal(t, 1, up.count())
	assert.Equal(t, "upload-key", up.keys[0])
	body := up.calls[0]
	assert.Equal(t, "desktop", body.Source)
	assert.Equal(t, "2026-04-01T09:00:00.000Z", body.StartedAt)
	assert.Equal(t, "2026-04-01T09:01:00.000Z", body.FinishedAt)
	assert.Equal(t, []upload.Segment{
		{Text: "Hello there", Speaker: "SPEAKER_00", SpeakerID: 0, IsUser: true, Start: 0, End: 0.9},
		{Text: "Hi", Speaker: "SPEAKER_01", SpeakerID: 1, PersonID: "person-7", Start: 1.0, End: 1.3},
	}, body.Segments)

	sess, err := led.Session(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, ledger.StateCompleted, sess.State)
	assert.Equal(t, "conv-1", sess.BackendID)

	events := obs.Named(metrics.EventSessionFinalized)
	require.Len(t, events, 1)
	assert.Equal(t, "saved", events[0].Tags["outcome"])
}

func TestFinalizeEmptySessionIsDiscardedWithoutUpload(t *testing.T) {
	led := ledger.NewMemory()
	id := newSession(t, led)
	up := &fakeUploader{resp: upload.Response{ID: "never"}}
	p := New(Config{Ledger: led, Uploader: up})

	res := p.Finalize(context.Background(), Request{SessionID: id})
	assert.Equal(t, OutcomeDiscarded, res.Outcome)
	assert.Equal(t, 0, up.count())

	_, err := led.Session(context.Background(), id)
	assert.True(t, errors.Is(err, ledger.ErrSessionNotFound))
}

func TestFinalizeFallsBackToMemory(t *testing.T) {
	led := ledger.NewMemory()
	id := newSession(t, led)
	up := &fakeUploader{resp: upload.Response{ID: "conv-2"}}
	p := New(Config{Ledger: led, Uploader: up})

	mem := []diarize.Segment{{Speaker: 0, Text: "only in memory", Start: 0, End: 1}}
	res := p.Finalize(context.Background(), Request{SessionID: id, Memory: mem})
	assert.Equal(t, OutcomeSaved, res.Outcome)
	require.Equal(t, 1, up.count())
	assert.Equal(t, "only in memory", up.calls[0].Segments[0].Text)
}

func TestFinalizePrefersLedgerOverMemory(t *testing.T) {
	led := ledger.NewMemory()
	id := newSession(t, led, diarize.Segment{Speaker: 0, Text: "durable", Start: 0, End: 1})
	up := &fakeUploader{resp: upload.Response{ID: "conv-3"}}
	p := New(Config{Ledger: led, Uploader: up})

	p.Finalize(context.Background(), Request{SessionID: id, Memory: []diarize.Segment{{Text: "stale"}}})
	require.Equal(t, 1, up.count())
	assert.Equal(t, "durable", up.calls[0].Segments[0].Text)
}

func TestFinalizeAddsMemorySegmentsMissingFromLedger(t *testing.T) {
	led := ledger.NewMemory()
	id := newSession(t, led, diarize.Segment{Speaker: 0, Text: "durable", Start: 0, End: 1})
	up := &fakeUploader{resp: upload.Response{ID: "conv-4"}}
	p := New(Config{Ledger: led, Uploader: up})

	mem := []diarize.Segment{
		{Speaker: 0, Text: "durable", Start: 0, End: 1},
		{Speaker: 1, Text: "never persisted", Start: 2, End: 3},
	}
	res := p.Finalize(context.Background(), Request{SessionID: id, Memory: mem})
	assert.Equal(t, OutcomeSaved, res.Outcome)
	require.Equal(t, 1, up.count())
	segs := up.calls[0].Segments
	require.Len(t, segs, 2)
	assert.Equal(t, "durable", segs[0].Text)
	assert.Equal(t, "never persisted", segs[1].Text)
}

func TestFinalizeUploadFailureMarksFailed(t *testing.T) {
	led := ledger.NewMemory()
	id := newSession(t, led, diarize.Segment{Speaker: 0, Text: "x", Start: 0, End: 1})
	up := &fakeUploader{err: errors.New("backend down")}
	p := New(Config{Ledger: led, Uploader: up})

	res := p.Finalize(context.Background(), Request{SessionID: id})
	assert.Equal(t, OutcomeError, res.Outcome)
	require.Error(t, res.Err)

	sess, err := led.Session(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, ledger.StateFailed, sess.State)
	assert.Equal(t, "backend down", sess.LastError)
}

func TestFinalizeCompletedSessionIsNotReuploaded(t *testing.T) {
	ctx := context.Background()
	led := ledger.NewMemory()
	id := newSession(t, led, diarize.Segment{Speaker: 0, Text: "x", Start: 0, End: 1})
	require.NoError(t, led.MarkUploading(ctx, id))
	require.NoError(t, led.MarkCompleted(ctx, id, "conv-old"))
	up := &fakeUploader{resp: upload.Response{ID: "conv-new"}}
	p := New(Config{Ledger: led, Uploader: up})

	res := p.Finalize(ctx, Request{SessionID: id})
	assert.Equal(t, OutcomeSaved, res.Outcome)
	assert.Equal(t, "conv-old", res.BackendID)
	assert.Equal(t, 0, up.count())
}

func TestFinalizeFinishesCrashedRecording(t *testing.T) {
	ctx := context.Background()
	led := ledger.NewMemory()
	id, err := led.StartSession(ctx, ledger.StartParams{Source: "wearable", StartedAt: t0})
	require.NoError(t, err)
	require.NoError(t, led.AppendSegment(ctx, id, diarize.Segment{Text: "crash", End: 1}))
	up := &fakeUploader{resp: upload.Response{ID: "c", Discarded: true}}
	p := New(Config{Ledger: led, Uploader: up, Now: func() time.Time { return t0.Add(time.Hour) }})

	res := p.Finalize(ctx, Request{SessionID: id})
	assert.Equal(t, OutcomeDiscarded, res.Outcome)
	require.Equal(t, 1, up.count())
	assert.Equal(t, "omi", up.calls[0].Source)
	assert.Equal(t, "2026-04-01T10:00:00.000Z", up.calls[0].FinishedAt)
	assert.NotEmpty(t, up.keys[0])
}

func TestFinalizeWithoutLedgerRecord(t *testing.T) {
	up := &fakeUploader{resp: upload.Response{ID: "c"}}
	p := New(Config{Ledger: ledger.NewMemory(), Uploader: up})

	res := p.Finalize(context.Background(), Request{
		Memory:    []diarize.Segment{{Text: "no ledger", End: 1}},
		UploadKey: "mem-key",
		StartedAt: t0,
	})
	assert.Equal(t, OutcomeSaved, res.Outcome)
	assert.Equal(t, "mem-key", up.keys[0])
}

func TestFinalizeRunsEnrichersForLongTranscripts(t *testing.T) {
	led := ledger.NewMemory()
	up := &fakeUploader{resp: upload.Response{ID: "conv-e"}}
	var mu sync.Mutex
	var got []string
	enricher := EnricherFunc(func(_ context.Context, backendID, transcript string) error {
		mu.Lock()
		got = append(got, backendID+":"+transcript)
		mu.Unlock()
		return nil
	})
	panicky := EnricherFunc(func(context.Context, string, string) error { panic("boom") })
	p := New(Config{Ledger: led, Uploader: up, Enrichers: []Enricher{enricher, panicky}})

	short := newSession(t, led, diarize.Segment{Text: "too short", End: 1})
	p.Finalize(context.Background(), Request{SessionID: short})
	long := newSession(t, led, diarize.Segment{Text: "long enough to enrich", End: 1})
	p.Finalize(context.Background(), Request{SessionID: long})
	p.Wait()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"conv-e:long enough to enrich"}, got)
}

type blockingUploader struct {
	entered chan struct{}
	release chan struct{}
}

func (b *blockingUploader) Upload(ctx context.Context, _ string, _ upload.Request) (upload.Response, error) {
	close(b.entered)
	<-b.release
	return upload.Response{ID: "late"}, ctx.Err()
}

func TestFinalizeIsNotCancelledAndRejectsDuplicates(t *testing.T) {
	led := ledger.NewMemory()
	id := newSession(t, led, diarize.Segment{Text: "x", End: 1})
	up := &blockingUploader{entered: make(chan struct{}), release: make(chan struct{})}
	p := New(Config{Ledger: led, Uploader: up})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan Result, 1)
	go func() { done <- p.Finalize(ctx, Request{SessionID: id}) }()
	<-up.entered
	cancel()

	assert.True(t, p.InFlight(id))
	dup := p.Finalize(context.Background(), Request{SessionID: id})
	assert.True(t, errors.Is(dup.Err, ErrInFlight))

	close(up.release)
	res := <-done
	assert.Equal(t, OutcomeSaved, res.Outcome)
	assert.False(t, p.InFlight(id))
}

func TestConversationSource(t *testing.T) {
	assert.Equal(t, "desktop", ConversationSource("microphone"))
	assert.Equal(t, "desktop", ConversationSource("microphone_system"))
	assert.Equal(t, "omi", ConversationSource("wearable"))
	assert.Equal(t, "bee", ConversationSource("bee"))
}
