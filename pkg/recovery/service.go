// Package recovery re-drives sessions that a crash or a failed upload left
// unfinished.
package recovery

import (
	"context"
	"log/slog"
	"math"
	"strconv"
	"time"

	"github.com/harunnryd/scribe/pkg/finalize"
	"github.com/harunnryd/scribe/pkg/ledger"
	"github.com/harunnryd/scribe/pkg/logging"
	"github.com/harunnryd/scribe/pkg/metrics"
)

// Finalizer is satisfied by *finalize.Pipeline.
type Finalizer interface {
	Finalize(ctx context.Context, req finalize.Request) finalize.Result
	InFlight(sessionID int64) bool
}

type Config struct {
	Ledger     ledger.Ledger
	Finalizer  Finalizer
	MaxRetries int
	Interval   time.Duration
	// Active returns the id of the session the live controller owns, or 0.
	Active func() int64
	// Boot marks the start of this process. Only recording sessions created
	// before it are treated as crashed. Defaults to Now() at New.
	Boot     time.Time
	Now      func() time.Time
	Observer metrics.Observer
	Logger   *slog.Logger
}

// Report summarises one scan.
type Report struct {
	Finished  int
	Attempted int
	Saved     int
	Discarded int
	Failed    int
	Skipped   int
}

type Service struct {
	cfg    Config
	logger *slog.Logger
}

func New(cfg Config) *Service {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 5
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Minute
	}
	if cfg.Active == nil {
		cfg.Active = func() int64 { return 0 }
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Boot.IsZero() {
		cfg.Boot = cfg.Now()
	}
	// The sqlite ledger stores creation times in milliseconds.
	cfg.Boot = cfg.Boot.Truncate(time.Millisecond)
	if cfg.Observer == nil {
		cfg.Observer = metrics.NoopObserver{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Service{cfg: cfg, logger: logging.NewComponentLogger(cfg.Logger, "recovery")}
}

// Backoff is the wait before the next attempt of a session retried n times.
func Backoff(n int) time.Duration {
	if n > 20 {
		n = 20
	}
	return time.Duration(math.Pow(2, float64(n))) * time.Minute
}

// Run performs a startup scan and then a periodic scan every Interval until
// ctx is done.
func (s *Service) Run(ctx context.Context) error {
	if _, err := s.RecoverStartup(ctx); err != nil {
		s.logger.Warn("recovery_scan_failed", slog.String("error", err.Error()))
	}
	return s.RunPeriodic(ctx)
}

// RunPeriodic scans every Interval until ctx is done, without the startup
// pass.
func (s *Service) RunPeriodic(ctx context.Context) error {
	t := time.NewTicker(s.cfg.Interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if _, err := s.RecoverOnce(ctx); err != nil {
				s.logger.Warn("recovery_scan_failed", slog.String("error", err.Error()))
			}
		}
	}
}

// RecoverStartup scans without waiting out backoff; whatever was pending when
// the process died is retried right away. Recording sessions left over from a
// previous process are finished first.
func (s *Service) RecoverStartup(ctx context.Context) (Report, error) {
	return s.scan(ctx, true)
}

// RecoverOnce scans honouring the per-session backoff. Recording sessions are
// never touched here; they belong to the live controller.
func (s *Service) RecoverOnce(ctx context.Context) (Report, error) {
	return s.scan(ctx, false)
}

func (s *Service) scan(ctx context.Context, startup bool) (Report, error) {
	var rep Report
	led := s.cfg.Ledger
	if startup {
		if err := s.finishCrashed(ctx, &rep); err != nil {
			return rep, err
		}
	}

	pending, err := led.SessionsInStates(ctx, ledger.StateFinished, ledger.StateUploading, ledger.StateFailed)
	if err != nil {
		return rep, err
	}
	now := s.cfg.Now()
	for _, sess := range pending {
		if ctx.Err() != nil {
			return rep, ctx.Err()
		}
		if !s.eligible(sess, now, startup) {
			rep.Skipped++
			continue
		}
		if sess.State == ledger.StateFailed {
			if err := led.IncrementRetry(ctx, sess.ID); err != nil {
				s.logger.Warn("retry_increment_failed",
					slog.Int64("session_id", sess.ID),
					slog.String("error", err.Error()))
				continue
			}
		}
		rep.Attempted++
		res := s.cfg.Finalizer.Finalize(ctx, finalize.Request{SessionID: sess.ID})
		switch res.Outcome {
		case finalize.OutcomeSaved:
			rep.Saved++
		case finalize.OutcomeDiscarded:
			rep.Discarded++
		default:
			rep.Failed++
		}
		metrics.Record(s.cfg.Observer, metrics.EventRecoveryAttempt, 1, map[string]string{
			"state":      sess.State.String(),
			"outcome":    string(res.Outcome),
			"session_id": strconv.FormatInt(sess.ID, 10),
		})
		s.logger.Info("recovery_attempt",
			slog.Int64("session_id", sess.ID),
			slog.String("from_state", sess.State.String()),
			slog.Int("retry_count", sess.RetryCount),
			slog.String("outcome", string(res.Outcome)))
	}
	return rep, nil
}

// finishCrashed moves recording sessions orphaned by a previous process to
// finished so the pending pass picks them up.
func (s *Service) finishCrashed(ctx context.Context, rep *Report) error {
	led := s.cfg.Ledger
	crashed, err := led.SessionsInStates(ctx, ledger.StateRecording)
	if err != nil {
		return err
	}
	for _, sess := range crashed {
		if !sess.CreatedAt.Before(s.cfg.Boot) || s.busy(sess.ID) {
			continue
		}
		at := sess.UpdatedAt
		if at.IsZero() {
			at = s.cfg.Now()
		}
		if err := led.FinishSession(ctx, sess.ID, at); err != nil {
			s.logger.Warn("crashed_session_finish_failed",
				slog.Int64("session_id", sess.ID),
				slog.String("error", err.Error()))
			continue
		}
		rep.Finished++
		s.logger.Info("crashed_session_finished", slog.Int64("session_id", sess.ID))
	}
	return nil
}

// busy reports whether the controller owns id or a finalize for it is running.
func (s *Service) busy(id int64) bool {
	return id == s.cfg.Active() || s.cfg.Finalizer.InFlight(id)
}

func (s *Service) eligible(sess ledger.Session, now time.Time, startup bool) bool {
	if s.busy(sess.ID) {
		return false
	}
	if sess.State == ledger.StateFailed && sess.RetryCount >= s.cfg.MaxRetries {
		return false
	}
	if startup {
		return true
	}
	return !now.Before(sess.UpdatedAt.Add(Backoff(sess.RetryCount)))
}
