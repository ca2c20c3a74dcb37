package ledger

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/harunnryd/scribe/pkg/diarize"
	"github.com/harunnryd/scribe/pkg/errorsx"
	"github.com/harunnryd/scribe/pkg/logging"
	"github.com/harunnryd/scribe/pkg/metrics"
	"github.com/harunnryd/scribe/pkg/resilience"
)

type WriterConfig struct {
	QueueSize int
	Retry     resilience.RetryPolicy
	Observer  metrics.Observer
	Logger    *slog.Logger
}

type writeItem struct {
	sessionID int64
	seg       diarize.Segment
	barrier   chan struct{}
}

// Writer appends segments on a single goroutine so commits keep enqueue order.
// Enqueue never blocks; a full queue drops the write and reports it.
type Writer struct {
	ledger Ledger
	cfg    WriterConfig
	logger *slog.Logger

	ch      chan writeItem
	mu      sync.RWMutex
	closed  bool
	done    chan struct{}
	dropped atomic.Int64
	failed  atomic.Int64
}

func NewWriter(l Ledger, cfg WriterConfig) *Writer {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	if cfg.Retry.MaxRetries == 0 && cfg.Retry.Backoff == 0 {
		cfg.Retry = resilience.NewRetryPolicy(2, 50*time.Millisecond)
	}
	if cfg.Observer == nil {
		cfg.Observer = metrics.NoopObserver{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	w := &Writer{
		ledger: l,
		cfg:    cfg,
		logger: logging.NewComponentLogger(cfg.Logger, "ledger_writer"),
		ch:     make(chan writeItem, cfg.QueueSize),
		done:   make(chan struct{}),
	}
	go w.loop()
	return w
}

// Enqueue schedules seg for sessionID and reports whether it was accepted.
func (w *Writer) Enqueue(sessionID int64, seg diarize.Segment) bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed {
		return false
	}
	select {
	case w.ch <- writeItem{sessionID: sessionID, seg: seg}:
		return true
	default:
		w.dropped.Add(1)
		w.logger.Warn("segment_write_dropped",
			slog.Int64("session_id", sessionID),
			slog.String("reason_code", string(errorsx.ReasonPersistenceWrite)),
			slog.String("reason", "queue_full"))
		metrics.Record(w.cfg.Observer, metrics.EventPersistenceFailure, 1, map[string]string{"reason": "queue_full"})
		return false
	}
}

// Flush waits until every write enqueued before the call has been committed.
func (w *Writer) Flush(ctx context.Context) error {
	barrier := make(chan struct{})
	w.mu.RLock()
	if w.closed {
		w.mu.RUnlock()
		return nil
	}
	select {
	case w.ch <- writeItem{barrier: barrier}:
		w.mu.RUnlock()
	case <-ctx.Done():
		w.mu.RUnlock()
		return ctx.Err()
	}
	select {
	case <-barrier:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close drains the queue and stops the writer.
func (w *Writer) Close() {
	w.mu.Lock()
	if !w.closed {
		w.closed = true
		close(w.ch)
	}
	w.mu.Unlock()
	<-w.done
}

// Dropped and Failed report overflowed and uncommitted writes.
func (w *Writer) Dropped() int64 { return w.dropped.Load() }
func (w *Writer) Failed() int64  { return w.failed.Load() }

func (w *Writer) loop() {
	defer close(w.done)
	for it := range w.ch {
		if it.barrier != nil {
			close(it.barrier)
			continue
		}
		w.commit(it)
	}
}

func (w *Writer) commit(it writeItem) {
	ctx := context.Background()
	err := w.cfg.Retry.DoContext(ctx, func(ctx context.Context) error {
		err := w.ledger.AppendSegment(ctx, it.sessionID, it.seg)
		if errorsx.Permanent(err) {
			return resilience.Permanent(err)
		}
		return err
	})
	if err != nil {
		w.failed.Add(1)
		w.logger.Error("segment_write_failed",
			slog.Int64("session_id", it.sessionID),
			slog.Int("speaker", it.seg.Speaker),
			slog.Float64("start", it.seg.Start),
			slog.String("reason_code", string(errorsx.Reason(err))),
			slog.String("error", err.Error()))
		metrics.Record(w.cfg.Observer, metrics.EventPersistenceFailure, 1, map[string]string{"reason": "write_error"})
		return
	}
	metrics.Record(w.cfg.Observer, metrics.EventSegmentPersisted, 1, nil)
}
