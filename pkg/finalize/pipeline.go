// Package finalize turns a stopped session into one uploaded conversation.
package finalize

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/harunnryd/scribe/pkg/adapters/audio"
	"github.com/harunnryd/scribe/pkg/diarize"
	"github.com/harunnryd/scribe/pkg/errorsx"
	"github.com/harunnryd/scribe/pkg/ledger"
	"github.com/harunnryd/scribe/pkg/logging"
	"github.com/harunnryd/scribe/pkg/metrics"
	"github.com/harunnryd/scribe/pkg/redact"
	"github.com/harunnryd/scribe/pkg/upload"
)

type Outcome string

const (
	OutcomeSaved     Outcome = "saved"
	OutcomeDiscarded Outcome = "discarded"
	OutcomeError     Outcome = "error"
)

// MinEnrichChars is the shortest transcript handed to enrichers.
const MinEnrichChars = 10

var ErrInFlight = errors.New("session is already being finalized")

// Request describes one session to finalize. SessionID zero means the ledger
// never opened a record and only Memory is uploaded.
type Request struct {
	SessionID       int64
	Memory          []diarize.Segment
	StartedAt       time.Time
	FinishedAt      time.Time
	Source          string
	Language        string
	Timezone        string
	InputDeviceName string
	// PersonMap links speaker numbers to known people.
	PersonMap map[int]string
	// UploadKey is used only when the session has no ledger record.
	UploadKey string
}

type Result struct {
	Outcome   Outcome
	BackendID string
	Err       error
}

// Enricher runs after a conversation is saved, for example goal extraction.
// Failures are logged and never affect the result.
type Enricher interface {
	Enrich(ctx context.Context, backendID, transcript string) error
}

type EnricherFunc func(ctx context.Context, backendID, transcript string) error

func (f EnricherFunc) Enrich(ctx context.Context, backendID, transcript string) error {
	return f(ctx, backendID, transcript)
}

// Flusher is satisfied by ledger.Writer.
type Flusher interface {
	Flush(ctx context.Context) error
}

type Config struct {
	Ledger       ledger.Ledger
	Writer       Flusher
	Uploader     upload.Uploader
	Enrichers    []Enricher
	Observer     metrics.Observer
	Logger       *slog.Logger
	FlushTimeout time.Duration
	Now          func() time.Time
}

type Pipeline struct {
	cfg    Config
	logger *slog.Logger

	mu       sync.Mutex
	inflight map[int64]struct{}
	hooks    sync.WaitGroup
}

func New(cfg Config) *Pipeline {
	if cfg.Observer == nil {
		cfg.Observer = metrics.NoopObserver{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.FlushTimeout <= 0 {
		cfg.FlushTimeout = 10 * time.Second
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Pipeline{
		cfg:      cfg,
		logger:   logging.NewComponentLogger(cfg.Logger, "finalize"),
		inflight: make(map[int64]struct{}),
	}
}

// InFlight reports whether sessionID is being finalized right now.
func (p *Pipeline) InFlight(sessionID int64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.inflight[sessionID]
	return ok
}

func (p *Pipeline) claim(id int64) bool {
	if id == 0 {
		return true
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.inflight[id]; ok {
		return false
	}
	p.inflight[id] = struct{}{}
	return true
}

func (p *Pipeline) release(id int64) {
	if id == 0 {
		return
	}
	p.mu.Lock()
	delete(p.inflight, id)
	p.mu.Unlock()
}

// Wait blocks until all post-save enrichers have returned.
func (p *Pipeline) Wait() { p.hooks.Wait() }

// Finalize uploads the session and records the outcome in the ledger. It is
// not cancelled by ctx; an upload that started runs to completion.
func (p *Pipeline) Finalize(ctx context.Context, req Request) Result {
	ctx = context.WithoutCancel(ctx)
	if !p.claim(req.SessionID) {
		return Result{Outcome: OutcomeError, Err: fmt.Errorf("session %d: %w", req.SessionID, ErrInFlight)}
	}
	defer p.release(req.SessionID)

	res := p.finalize(ctx, req)
	metrics.Record(p.cfg.Observer, metrics.EventSessionFinalized, 1, map[string]string{
		"outcome":    string(res.Outcome),
		"session_id": strconv.FormatInt(req.SessionID, 10),
	})
	attrs := []any{
		slog.Int64("session_id", req.SessionID),
		slog.String("outcome", string(res.Outcome)),
		slog.String("backend_id", res.BackendID),
	}
	if res.Err != nil {
		attrs = append(attrs, slog.String("error", res.Err.Error()),
			slog.String("reason_code", string(errorsx.Reason(res.Err))))
		p.logger.Warn("session_finalized", attrs...)
	} else {
		p.logger.Info("session_finalized", attrs...)
	}
	return res
}

func (p *Pipeline) finalize(ctx context.Context, req Request) Result {
	if p.cfg.Writer != nil {
		fctx, cancel := context.WithTimeout(ctx, p.cfg.FlushTimeout)
		if err := p.cfg.Writer.Flush(fctx); err != nil {
			p.logger.Warn("ledger_flush_failed",
				slog.Int64("session_id", req.SessionID),
				slog.String("error", err.Error()))
		}
		cancel()
	}

	led := p.cfg.Ledger
	id := req.SessionID
	var sess ledger.Session
	tracked := led != nil && id != 0
	if tracked {
		var err error
		sess, err = led.Session(ctx, id)
		switch {
		case errors.Is(err, ledger.ErrSessionNotFound):
			p.logger.Warn("session_missing_from_ledger", slog.Int64("session_id", id))
			tracked = false
		case err != nil:
			return Result{Outcome: OutcomeError, Err: err}
		}
	}

	if tracked {
		if res, done := p.advance(ctx, req, &sess); done {
			return res
		}
	}

	segs := p.segments(ctx, req, tracked)
	if len(segs) == 0 {
		if tracked {
			if err := led.DeleteSession(ctx, id); err != nil {
				p.logger.Warn("empty_session_delete_failed",
					slog.Int64("session_id", id),
					slog.String("error", err.Error()))
			}
		}
		return Result{Outcome: OutcomeDiscarded}
	}

	body := p.buildRequest(req, sess, segs)
	key := sess.UploadKey
	if key == "" {
		key = req.UploadKey
	}
	if key == "" {
		key = uuid.NewString()
	}

	resp, err := p.cfg.Uploader.Upload(ctx, key, body)
	if err != nil {
		if tracked {
			if merr := led.MarkFailed(ctx, id, err.Error()); merr != nil {
				p.logger.Error("mark_failed_failed",
					slog.Int64("session_id", id),
					slog.String("error", merr.Error()))
			}
		}
		return Result{Outcome: OutcomeError, Err: err}
	}

	res := Result{Outcome: OutcomeSaved, BackendID: resp.ID}
	if resp.Discarded {
		res.Outcome = OutcomeDiscarded
	}
	if tracked {
		if err := led.MarkCompleted(ctx, id, resp.ID); err != nil {
			res.Err = err
			if merr := led.MarkFailed(ctx, id, "mark completed: "+err.Error()); merr != nil {
				p.logger.Error("mark_failed_failed",
					slog.Int64("session_id", id),
					slog.String("error", merr.Error()))
			}
		}
	}
	if res.Outcome == OutcomeSaved {
		p.enrich(ctx, resp.ID, segs)
	}
	return res
}

// advance moves the session to uploading. done is true when no upload should
// follow, either because it already completed or because the move failed.
func (p *Pipeline) advance(ctx context.Context, req Request, sess *ledger.Session) (Result, bool) {
	led := p.cfg.Ledger
	switch sess.State {
	case ledger.StateCompleted:
		return Result{Outcome: OutcomeSaved, BackendID: sess.BackendID}, true
	case ledger.StateRecording:
		at := req.FinishedAt
		if at.IsZero() {
			at = p.cfg.Now()
		}
		if err := led.FinishSession(ctx, sess.ID, at); err != nil {
			return Result{Outcome: OutcomeError, Err: err}, true
		}
		sess.FinishedAt = at
		sess.State = ledger.StateFinished
	}
	if sess.State == ledger.StateUploading {
		// A previous attempt died mid-upload; the idempotency key makes a resend safe.
		return Result{}, false
	}
	if err := led.MarkUploading(ctx, sess.ID); err != nil {
		return Result{Outcome: OutcomeError, Err: err}, true
	}
	sess.State = ledger.StateUploading
	return Result{}, false
}

func (p *Pipeline) segments(ctx context.Context, req Request, tracked bool) []diarize.Segment {
	if tracked {
		segs, err := p.cfg.Ledger.Segments(ctx, req.SessionID)
		if err != nil {
			p.logger.Warn("ledger_segments_unreadable",
				slog.Int64("session_id", req.SessionID),
				slog.String("error", err.Error()))
		}
		if len(segs) > 0 {
			return mergeSegments(segs, req.Memory)
		}
	}
	return req.Memory
}

// mergeSegments adds in-memory segments the ledger never received, such as
// writes dropped on a full queue. A segment present in both is taken from the
// ledger unless memory holds a longer version of it.
func mergeSegments(durable, memory []diarize.Segment) []diarize.Segment {
	if len(memory) == 0 {
		return durable
	}
	type key struct {
		speaker int
		start   float64
	}
	idx := make(map[key]int, len(durable))
	out := append([]diarize.Segment(nil), durable...)
	for i, seg := range out {
		idx[key{seg.Speaker, seg.Start}] = i
	}
	added := false
	for _, seg := range memory {
		k := key{seg.Speaker, seg.Start}
		if i, ok := idx[k]; ok {
			if seg.End > out[i].End {
				out[i] = seg
			}
			continue
		}
		idx[k] = len(out)
		out = append(out, seg)
		added = true
	}
	if added {
		sort.SliceStable(out, func(i, j int) bool { return out[i].Start < out[j].Start })
	}
	return out
}

func (p *Pipeline) buildRequest(req Request, sess ledger.Session, segs []diarize.Segment) upload.Request {
	out := upload.Request{
		Segments:        make([]upload.Segment, 0, len(segs)),
		Source:          ConversationSource(firstNonEmpty(req.Source, sess.Source)),
		Language:        firstNonEmpty(req.Language, sess.Language, "en"),
		Timezone:        firstNonEmpty(req.Timezone, sess.Timezone, "UTC"),
		InputDeviceName: firstNonEmpty(req.InputDeviceName, sess.InputDeviceName),
	}
	started := req.StartedAt
	if started.IsZero() {
		started = sess.CreatedAt
	}
	finished := req.FinishedAt
	if finished.IsZero() {
		finished = sess.FinishedAt
	}
	if finished.IsZero() {
		finished = p.cfg.Now()
	}
	if started.IsZero() {
		started = finished
	}
	out.StartedAt = upload.FormatTime(started)
	out.FinishedAt = upload.FormatTime(finished)

	for _, s := range segs {
		out.Segments = append(out.Segments, upload.Segment{
			Text:      s.Text,
			Speaker:   upload.SpeakerLabel(s.Speaker),
			SpeakerID: s.Speaker,
			IsUser:    s.Speaker == 0,
			PersonID:  req.PersonMap[s.Speaker],
			Start:     s.Start,
			End:       s.End,
		})
	}
	return out
}

func (p *Pipeline) enrich(ctx context.Context, backendID string, segs []diarize.Segment) {
	if len(p.cfg.Enrichers) == 0 {
		return
	}
	transcript := diarize.Transcript(segs)
	if len([]rune(strings.TrimSpace(transcript))) < MinEnrichChars {
		return
	}
	for _, e := range p.cfg.Enrichers {
		p.hooks.Add(1)
		go func(e Enricher) {
			defer p.hooks.Done()
			defer func() {
				if r := recover(); r != nil {
					p.logger.Error("enricher_panic",
						slog.String("backend_id", backendID),
						slog.Any("panic", r))
				}
			}()
			if err := e.Enrich(ctx, backendID, transcript); err != nil {
				p.logger.Warn("enricher_failed",
					slog.String("backend_id", backendID),
					slog.String("transcript", redact.Preview(transcript, 80)),
					slog.String("error", err.Error()))
			}
		}(e)
	}
}

// ConversationSource maps a capture source to the backend's source name.
func ConversationSource(kind string) string {
	switch audio.SourceKind(kind) {
	case audio.SourceWearable:
		return "omi"
	case audio.SourceMicrophone, audio.SourceMicrophoneSystem, "":
		return "desktop"
	default:
		return kind
	}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
