package scribe

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/harunnryd/scribe/pkg/adapters/audio"
	"github.com/harunnryd/scribe/pkg/events"
	"github.com/harunnryd/scribe/pkg/finalize"
	"github.com/harunnryd/scribe/pkg/ledger"
	"github.com/harunnryd/scribe/pkg/ledger/sqlite"
	"github.com/harunnryd/scribe/pkg/logging"
	"github.com/harunnryd/scribe/pkg/metrics"
	"github.com/harunnryd/scribe/pkg/observers"
	"github.com/harunnryd/scribe/pkg/providers/wearable"
	"github.com/harunnryd/scribe/pkg/recovery"
	"github.com/harunnryd/scribe/pkg/redact"
	"github.com/harunnryd/scribe/pkg/session"
	"github.com/harunnryd/scribe/pkg/upload"
)

// Engine owns one capture controller and the persistence stack behind it.
type Engine struct {
	cfg       Config
	logger    *slog.Logger
	providers *ProviderRegistry

	registry *prometheus.Registry
	asyncObs *metrics.AsyncObserver
	timeline *observers.TimelineObserver

	ledger      ledger.Ledger
	store       *sqlite.Store
	writer      *ledger.Writer
	pipeline    *finalize.Pipeline
	bus         *events.Bus
	unsubscribe func()
	controller  *session.Controller
	recovery    *recovery.Service
	bridge      *wearable.Bridge

	enabled  atomic.Bool
	running  atomic.Bool
	stopOnce sync.Once
}

type EngineOptions struct {
	Config    Config
	Providers *ProviderRegistry

	// Capture sources. Microphone defaults to the configured provider and
	// Wearable to the websocket bridge when sources.wearable.enabled is set.
	// System audio has no built-in provider and must come from the host.
	Microphone audio.Provider
	System     audio.Provider
	Wearable   audio.Wearable
	Permission audio.PermissionChecker

	// Ledger overrides ledger.path.
	Ledger    ledger.Ledger
	Uploader  upload.Uploader
	Enrichers []finalize.Enricher
	// Registry receives the Prometheus collectors; a private one is used when nil.
	Registry *prometheus.Registry
	Logger   *slog.Logger

	OnFinalized func(sessionID int64, res finalize.Result)
}

func NewEngine(opts EngineOptions) (*Engine, error) {
	cfg := opts.Config
	logger := opts.Logger
	if logger == nil {
		logger = logging.InitLogger(logging.Options{
			Level:  cfg.LogLevel,
			Format: cfg.LogFormat,
			File:   cfg.LogFile,
		})
	}
	redact.SetEnabled(cfg.Privacy.RedactPII)

	logger.Info("scribe_init",
		"environment", cfg.Environment,
		"stt_provider", cfg.Vendors.STT.Provider,
		"source", cfg.Session.Source,
		"ledger", ledgerLabel(cfg, opts.Ledger),
	)

	providers := opts.Providers
	if providers == nil {
		providers = DefaultProviders()
	}
	sttFactory, err := providers.BuildSTTFactory(cfg.Vendors.STT.Provider, cfg)
	if err != nil {
		return nil, err
	}

	e := &Engine{cfg: cfg, logger: logger, providers: providers}
	e.enabled.Store(cfg.Session.Enabled)

	// Observers
	e.registry = opts.Registry
	if e.registry == nil {
		e.registry = prometheus.NewRegistry()
	}
	obsList := []metrics.Observer{
		metrics.NewPromObserver(e.registry),
		observers.NewLoggerObserver(logger),
	}
	if dir := strings.TrimSpace(cfg.Audio.RecordingsDir); dir != "" {
		if cfg.Audio.RetentionDays > 0 {
			maxAge := time.Duration(cfg.Audio.RetentionDays) * 24 * time.Hour
			if n, err := observers.PurgeArtifacts(dir, maxAge, time.Now()); err != nil {
				logger.Warn("artifact_purge_failed", "dir", dir, "error", err)
			} else if n > 0 {
				logger.Info("artifacts_purged", "dir", dir, "count", n)
			}
		}
		e.timeline = observers.NewTimelineObserver(dir)
		obsList = append(obsList, e.timeline)
	}
	e.asyncObs = metrics.NewAsyncObserver(observers.NewMultiObserver(obsList...), 2048)
	// Levels arrive every cadence tick; one in ten is enough for dashboards.
	obs := metrics.NewSamplingObserver(e.asyncObs, 0.1, "audio_level")

	// Ledger
	switch {
	case opts.Ledger != nil:
		e.ledger = opts.Ledger
	case strings.EqualFold(strings.TrimSpace(cfg.Ledger.Path), "memory"):
		e.ledger = ledger.NewMemory()
	default:
		path := strings.TrimSpace(cfg.Ledger.Path)
		if path == "" {
			path = sqlite.DefaultPath()
		}
		store, err := sqlite.Open(path)
		if err != nil {
			e.asyncObs.Close()
			return nil, fmt.Errorf("open ledger: %w", err)
		}
		e.store = store
		e.ledger = store
	}
	e.writer = ledger.NewWriter(e.ledger, ledger.WriterConfig{
		QueueSize: cfg.Ledger.QueueSize,
		Observer:  obs,
		Logger:    logger,
	})

	uploader := opts.Uploader
	if uploader == nil {
		uploader = upload.NewClient(cfg.Upload, upload.WithObserver(obs))
	}
	e.pipeline = finalize.New(finalize.Config{
		Ledger:    e.ledger,
		Writer:    e.writer,
		Uploader:  uploader,
		Enrichers: opts.Enrichers,
		Observer:  obs,
		Logger:    logger,
	})

	// Sources
	e.bus = events.NewBus()
	mic := opts.Microphone
	if mic == nil {
		mic, err = providers.BuildMicrophone(cfg.Sources.Microphone.Provider, cfg)
		if err != nil {
			e.closeStores()
			return nil, err
		}
	}
	wear := opts.Wearable
	if wear == nil && cfg.Sources.Wearable.Enabled {
		e.bridge = wearable.New(cfg.Sources.Wearable.Config)
		bridge := e.bridge
		bridge.OnDisconnect = func() {
			e.bus.Publish(events.New(events.DeviceDisconnected, bridge.DeviceName()))
		}
		wear = bridge
	}

	evs, unsubscribe := e.bus.Subscribe(32)
	e.unsubscribe = unsubscribe
	e.controller = session.New(session.Config{
		Ledger:    e.ledger,
		Sink:      e.writer,
		Finalizer: e.pipeline,
		STT:       sttFactory,
		Sources: session.Sources{
			Microphone: mic,
			System:     opts.System,
			Wearable:   wear,
			Permission: opts.Permission,
		},
		Events:        evs,
		MergeGap:      cfg.Session.MergeGap(),
		MaxDuration:   cfg.Session.MaxDuration,
		WakeSettle:    cfg.Session.WakeSettle,
		SampleRate:    cfg.Audio.SampleRate,
		Cadence:       time.Duration(cfg.Audio.CadenceMS) * time.Millisecond,
		Language:      cfg.Session.Language,
		Timezone:      cfg.Session.Timezone,
		Vocabulary:    cfg.Session.Vocabulary,
		PersonMap:     cfg.Session.PersonMap(),
		RecordingsDir: cfg.Audio.RecordingsDir,
		Enabled:       e.enabled.Load,
		OnFinalized:   opts.OnFinalized,
		Observer:      obs,
		Logger:        logger,
	})

	if cfg.Recovery.Enabled {
		e.recovery = recovery.New(recovery.Config{
			Ledger:     e.ledger,
			Finalizer:  e.pipeline,
			MaxRetries: cfg.Recovery.MaxRetries,
			Interval:   cfg.Recovery.Interval,
			Active:     e.controller.ActiveSessionID,
			Observer:   obs,
			Logger:     logger,
		})
	}
	return e, nil
}

func ledgerLabel(cfg Config, override ledger.Ledger) string {
	if override != nil {
		return "custom"
	}
	if p := strings.TrimSpace(cfg.Ledger.Path); p != "" {
		return p
	}
	return "sqlite"
}

// Run supervises the controller, recovery, the wearable bridge and the
// metrics endpoint until ctx is done, then flushes and closes the stores.
func (e *Engine) Run(ctx context.Context) error {
	if !e.running.CompareAndSwap(false, true) {
		return errors.New("engine already running")
	}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return e.controller.Run(gctx) })
	if e.recovery != nil {
		g.Go(func() error { return e.recovery.Run(gctx) })
	}
	if e.bridge != nil {
		// The bridge stops itself when gctx is done.
		if err := e.bridge.Start(gctx); err != nil {
			e.logger.Error("wearable_bridge_start_failed", "error", err)
		}
	}
	if addr := strings.TrimSpace(e.cfg.Metrics.Addr); addr != "" {
		g.Go(func() error { return e.serveMetrics(gctx, addr) })
	}
	err := g.Wait()
	e.Close()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (e *Engine) serveMetrics(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(e.registry, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	e.logger.Info("metrics_listening", "addr", addr)
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("metrics server: %w", err)
	}
}

// Close waits for finalizations, then closes the writer, the ledger and the
// observers. Run calls it on the way out; hosts that never call Run must.
func (e *Engine) Close() {
	e.stopOnce.Do(func() {
		e.controller.Wait()
		e.pipeline.Wait()
		e.unsubscribe()
		e.bus.Close()
		e.closeStores()
		e.logger.Info("scribe_stopped")
	})
}

func (e *Engine) closeStores() {
	e.writer.Close()
	if e.store != nil {
		if err := e.store.Close(); err != nil {
			e.logger.Warn("ledger_close_failed", "error", err)
		}
	}
	e.asyncObs.Close()
	if e.timeline != nil {
		_ = e.timeline.Close()
	}
}

// Start begins recording from the configured source, or from kind when given.
func (e *Engine) Start(ctx context.Context, kind audio.SourceKind) error {
	if kind == "" {
		kind = audio.SourceKind(e.cfg.Session.Source)
	}
	return e.controller.Start(ctx, kind)
}

func (e *Engine) Stop(ctx context.Context) error {
	return e.controller.Stop(ctx)
}

// Publish forwards a host notification (sleep, wake, permission, device).
func (e *Engine) Publish(ev events.Event) {
	e.bus.Publish(ev)
}

// SetEnabled toggles automatic restarts after wake.
func (e *Engine) SetEnabled(v bool) {
	e.enabled.Store(v)
}

func (e *Engine) Snapshot() session.Snapshot {
	return e.controller.Snapshot()
}

// Drain waits for scheduled finalizations and flushes queued segment writes.
func (e *Engine) Drain() error {
	if err := e.controller.Drain(); err != nil {
		return err
	}
	e.pipeline.Wait()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return e.writer.Flush(ctx)
}

// Health reports the ledger state and writer losses.
func (e *Engine) Health(ctx context.Context) error {
	if _, err := e.ledger.Stats(ctx); err != nil {
		return fmt.Errorf("ledger: %w", err)
	}
	if n := e.writer.Failed(); n > 0 {
		return fmt.Errorf("%d segment writes failed", n)
	}
	return nil
}

func (e *Engine) Config() Config { return e.cfg }

func (e *Engine) Ledger() ledger.Ledger { return e.ledger }

func (e *Engine) Controller() *session.Controller { return e.controller }

func (e *Engine) Recovery() *recovery.Service { return e.recovery }

func (e *Engine) ProviderRegistry() *ProviderRegistry { return e.providers }

func (e *Engine) Registry() *prometheus.Registry { return e.registry }
