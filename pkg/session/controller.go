// Package session runs live transcription sessions: it owns capture, the
// recognizer and the diarized segment list, and hands finished sessions to
// the finalization pipeline.
package session

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/harunnryd/scribe/pkg/adapters/audio"
	"github.com/harunnryd/scribe/pkg/adapters/stt"
	pcm "github.com/harunnryd/scribe/pkg/audio"
	"github.com/harunnryd/scribe/pkg/diarize"
	"github.com/harunnryd/scribe/pkg/errorsx"
	"github.com/harunnryd/scribe/pkg/events"
	"github.com/harunnryd/scribe/pkg/finalize"
	"github.com/harunnryd/scribe/pkg/frames"
	"github.com/harunnryd/scribe/pkg/ledger"
	"github.com/harunnryd/scribe/pkg/logging"
	"github.com/harunnryd/scribe/pkg/metrics"
	"github.com/harunnryd/scribe/pkg/redact"
)

type State string

const (
	StateIdle      State = "idle"
	StateRecording State = "recording"
)

var (
	ErrSourceUnavailable = errorsx.Wrap(errors.New("audio source unavailable"), errorsx.ReasonSourceUnavailable)
	ErrPermissionDenied  = errorsx.Wrap(errors.New("microphone permission denied"), errorsx.ReasonPermissionDenied)
	ErrAlreadyRecording  = errors.New("already recording")
	ErrNotRecording      = errors.New("not recording")
	ErrClosed            = errors.New("controller is not running")
)

// Finalizer is satisfied by *finalize.Pipeline.
type Finalizer interface {
	Finalize(ctx context.Context, req finalize.Request) finalize.Result
}

// SegmentSink receives every created or extended segment. *ledger.Writer
// implements it.
type SegmentSink interface {
	Enqueue(sessionID int64, seg diarize.Segment) bool
}

// Sources are the capture devices available to the controller. Any may be nil.
type Sources struct {
	Microphone audio.Provider
	System     audio.Provider
	Wearable   audio.Wearable
	Permission audio.PermissionChecker
}

type Config struct {
	Ledger    ledger.Ledger
	Sink      SegmentSink
	Finalizer Finalizer
	STT       stt.Factory
	Sources   Sources
	Events    <-chan events.Event

	MergeGap    float64
	MaxDuration time.Duration
	WakeSettle  time.Duration
	SampleRate  int
	Cadence     time.Duration
	Language    string
	Timezone    string
	Vocabulary  []string
	PersonMap   map[int]string
	// RecordingsDir enables a WAV copy of each session's audio.
	RecordingsDir string
	// Enabled gates automatic restarts after wake.
	Enabled func() bool
	// OnFinalized is called from the finalize goroutine.
	OnFinalized func(sessionID int64, res finalize.Result)

	Observer metrics.Observer
	Logger   *slog.Logger
	Now      func() time.Time
}

func (c *Config) applyDefaults() {
	if c.MergeGap <= 0 {
		c.MergeGap = diarize.DefaultMergeGap
	}
	if c.MaxDuration <= 0 {
		c.MaxDuration = 4 * time.Hour
	}
	if c.WakeSettle <= 0 {
		c.WakeSettle = 2 * time.Second
	}
	if c.SampleRate <= 0 {
		c.SampleRate = 16000
	}
	if c.Cadence <= 0 {
		c.Cadence = 100 * time.Millisecond
	}
	if c.Timezone == "" {
		c.Timezone = time.Local.String()
	}
	if c.Enabled == nil {
		c.Enabled = func() bool { return true }
	}
	if c.Observer == nil {
		c.Observer = metrics.NoopObserver{}
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

// Snapshot is a read-only view of the controller for hosts.
type Snapshot struct {
	State     State
	SessionID int64
	Source    audio.SourceKind
	StartedAt time.Time
	Segments  []diarize.Segment
	Interim   string
}

type cmdKind int

const (
	cmdStart cmdKind = iota
	cmdStop
	cmdRollover
	cmdWake
)

type command struct {
	kind   cmdKind
	source audio.SourceKind
	gen    uint64
	reply  chan error
}

// recording is the session currently being captured.
type recording struct {
	id        int64
	uploadKey string
	source    audio.SourceKind
	startedAt time.Time
	segments  []diarize.Segment
	interim   string
}

// Controller runs one recording at a time. All state changes happen on the
// goroutine running Run; public methods post commands to it.
type Controller struct {
	cfg    Config
	logger *slog.Logger
	merger diarize.Merger

	cmds chan command
	done chan struct{}

	snapMu sync.RWMutex
	snap   Snapshot

	finalizing sync.WaitGroup

	// loop-owned
	state        State
	cap          *capture
	rec          *recording
	gen          uint64
	timer        *time.Timer
	wasRecording bool
	lastSource   audio.SourceKind
	events       <-chan events.Event
}

func New(cfg Config) *Controller {
	cfg.applyDefaults()
	c := &Controller{
		cfg:    cfg,
		logger: logging.NewComponentLogger(cfg.Logger, "session"),
		merger: diarize.NewMerger(cfg.MergeGap),
		cmds:   make(chan command),
		done:   make(chan struct{}),
		state:  StateIdle,
		events: cfg.Events,
	}
	c.snap.State = StateIdle
	return c
}

// Run processes commands until ctx is done. A recording in progress is
// finalized on the way out. Run must be called once.
func (c *Controller) Run(ctx context.Context) error {
	defer close(c.done)
	for {
		var results <-chan frames.Frame
		var buttons <-chan audio.ButtonState
		if c.cap != nil {
			results = c.cap.results
			buttons = c.cap.buttons
		}
		select {
		case <-ctx.Done():
			if c.state == StateRecording {
				c.stop(ctx, "shutdown")
			}
			return nil
		case cmd := <-c.cmds:
			c.handle(ctx, cmd)
		case f, ok := <-results:
			if !ok {
				c.cap.results = nil
				c.onRecognizerError(ctx, errors.New("recognizer stream closed"))
				continue
			}
			c.onFrame(ctx, f)
		case b, ok := <-buttons:
			if !ok {
				c.cap.buttons = nil
				continue
			}
			c.onButton(ctx, b)
		case ev, ok := <-c.events:
			if !ok {
				c.events = nil
				continue
			}
			c.onEvent(ctx, ev)
		}
	}
}

// Start begins recording from kind.
func (c *Controller) Start(ctx context.Context, kind audio.SourceKind) error {
	return c.call(ctx, command{kind: cmdStart, source: kind})
}

// Stop ends the recording and schedules its finalization.
func (c *Controller) Stop(ctx context.Context) error {
	return c.call(ctx, command{kind: cmdStop})
}

// Snapshot returns a copy of the live state.
func (c *Controller) Snapshot() Snapshot {
	c.snapMu.RLock()
	defer c.snapMu.RUnlock()
	s := c.snap
	s.Segments = append([]diarize.Segment(nil), c.snap.Segments...)
	return s
}

// ActiveSessionID returns the ledger id being recorded, or 0.
func (c *Controller) ActiveSessionID() int64 {
	c.snapMu.RLock()
	defer c.snapMu.RUnlock()
	if c.snap.State != StateRecording {
		return 0
	}
	return c.snap.SessionID
}

// Wait blocks until every scheduled finalization has returned.
func (c *Controller) Wait() { c.finalizing.Wait() }

// Drain waits for in-flight finalizations.
func (c *Controller) Drain() error {
	c.Wait()
	return nil
}

func (c *Controller) call(ctx context.Context, cmd command) error {
	cmd.reply = make(chan error, 1)
	select {
	case c.cmds <- cmd:
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return ErrClosed
	}
	select {
	case err := <-cmd.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return ErrClosed
	}
}

// post delivers a command from a timer without waiting for a reply.
func (c *Controller) post(cmd command) {
	select {
	case c.cmds <- cmd:
	case <-c.done:
	}
}

func (c *Controller) handle(ctx context.Context, cmd command) {
	var err error
	switch cmd.kind {
	case cmdStart:
		err = c.start(ctx, cmd.source)
	case cmdStop:
		if c.state != StateRecording {
			err = ErrNotRecording
		} else {
			c.stop(ctx, "user_stop")
		}
	case cmdRollover:
		if c.state == StateRecording && cmd.gen == c.gen {
			c.logger.Info("max_duration_reached",
				slog.Int64("session_id", c.rec.id),
				slog.Duration("max_duration", c.cfg.MaxDuration))
			c.continueWithNewSession(ctx, "max_duration")
		}
	case cmdWake:
		if c.state == StateIdle && cmd.gen == c.gen {
			if err := c.start(ctx, cmd.source); err != nil {
				c.logger.Warn("wake_restart_failed",
					slog.String("source", string(cmd.source)),
					slog.String("error", err.Error()))
			}
		}
	}
	if cmd.reply != nil {
		cmd.reply <- err
	}
}

func (c *Controller) start(ctx context.Context, kind audio.SourceKind) error {
	if c.state == StateRecording {
		return ErrAlreadyRecording
	}
	cp, err := c.openCapture(ctx, kind)
	if err != nil {
		c.logger.Warn("session_start_failed",
			slog.String("source", string(kind)),
			slog.String("reason_code", string(errorsx.Reason(err))),
			slog.String("error", err.Error()))
		return err
	}
	c.cap = cp
	c.state = StateRecording
	c.wasRecording = false
	c.lastSource = kind
	c.beginSession(ctx)
	return nil
}

// beginSession opens a ledger record for the running capture and arms the
// rollover timer. A ledger failure is logged and recording continues in
// memory only.
func (c *Controller) beginSession(ctx context.Context) {
	now := c.cfg.Now()
	rec := &recording{uploadKey: uuid.NewString(), source: c.cap.kind, startedAt: now}
	id, err := c.cfg.Ledger.StartSession(ctx, ledger.StartParams{
		Source:          string(c.cap.kind),
		Language:        c.cfg.Language,
		Timezone:        c.cfg.Timezone,
		InputDeviceName: c.cap.deviceName,
		UploadKey:       rec.uploadKey,
		StartedAt:       now,
	})
	if err != nil {
		c.logger.Warn("ledger_session_start_failed",
			slog.String("reason_code", string(errorsx.ReasonPersistenceWrite)),
			slog.String("error", err.Error()))
	} else {
		rec.id = id
	}
	c.rec = rec
	if c.cfg.RecordingsDir != "" && rec.id != 0 {
		c.cap.record(pcm.SessionPath(c.cfg.RecordingsDir, rec.id))
	}
	c.armRollover()
	c.publish()
	metrics.Record(c.cfg.Observer, metrics.EventSessionStarted, 1, map[string]string{
		"source":     string(c.cap.kind),
		"session_id": strconv.FormatInt(rec.id, 10),
	})
	c.logger.Info("session_started",
		slog.Int64("session_id", rec.id),
		slog.String("source", string(c.cap.kind)),
		slog.String("stream_id", c.cap.streamID),
		slog.String("input_device", c.cap.deviceName))
}

func (c *Controller) armRollover() {
	c.gen++
	if c.timer != nil {
		c.timer.Stop()
	}
	gen := c.gen
	c.timer = time.AfterFunc(c.cfg.MaxDuration, func() {
		c.post(command{kind: cmdRollover, gen: gen})
	})
}

// stop tears down capture and finalizes the current session.
func (c *Controller) stop(ctx context.Context, reason string) {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.gen++
	cp := c.cap
	c.cap = nil
	cp.stop()
	rec := c.rec
	c.rec = nil
	c.state = StateIdle
	c.publish()
	c.logger.Info("session_stopped",
		slog.Int64("session_id", rec.id),
		slog.String("reason", reason),
		slog.Int("segments", len(rec.segments)))
	c.handOff(ctx, rec, cp.deviceName)
}

// continueWithNewSession finalizes the current session and starts a new one
// on the same capture. Audio and the recognizer keep running.
func (c *Controller) continueWithNewSession(ctx context.Context, reason string) {
	prev := c.rec
	c.logger.Info("session_rolled_over",
		slog.Int64("session_id", prev.id),
		slog.String("reason", reason),
		slog.Int("segments", len(prev.segments)))
	c.handOff(ctx, prev, c.cap.deviceName)
	c.beginSession(ctx)
}

// handOff marks rec finished and finalizes it on its own goroutine. The
// finalization outlives ctx.
func (c *Controller) handOff(ctx context.Context, rec *recording, device string) {
	fctx := context.WithoutCancel(ctx)
	finishedAt := c.cfg.Now()
	if rec.id != 0 {
		if err := c.cfg.Ledger.FinishSession(fctx, rec.id, finishedAt); err != nil {
			c.logger.Warn("ledger_finish_failed",
				slog.Int64("session_id", rec.id),
				slog.String("error", err.Error()))
		}
	}
	req := finalize.Request{
		SessionID:       rec.id,
		Memory:          rec.segments,
		StartedAt:       rec.startedAt,
		FinishedAt:      finishedAt,
		Source:          string(rec.source),
		Language:        c.cfg.Language,
		Timezone:        c.cfg.Timezone,
		InputDeviceName: device,
		PersonMap:       c.cfg.PersonMap,
		UploadKey:       rec.uploadKey,
	}
	c.finalizing.Add(1)
	go func() {
		defer c.finalizing.Done()
		res := c.cfg.Finalizer.Finalize(fctx, req)
		if c.cfg.OnFinalized != nil {
			c.cfg.OnFinalized(req.SessionID, res)
		}
	}()
}

func (c *Controller) onFrame(ctx context.Context, f frames.Frame) {
	if c.state != StateRecording {
		return
	}
	switch fr := f.(type) {
	case frames.TranscriptFrame:
		c.onTranscript(fr)
	case frames.ErrorFrame:
		c.onRecognizerError(ctx, fr.Err())
	case frames.ControlFrame:
		c.logger.Debug("stt_control", slog.String("code", string(fr.Code())))
	}
}

func (c *Controller) onTranscript(f frames.TranscriptFrame) {
	// Wearable audio is duplicated onto both channels; channel 1 is an echo.
	if c.cap.kind == audio.SourceWearable && f.ChannelIndex() != 0 {
		return
	}
	b := diarize.BatchFromFrame(f)
	rec := c.rec
	if !b.Final() {
		rec.interim = b.Text
		c.publish()
		return
	}
	res := c.merger.Merge(rec.segments, b)
	rec.interim = ""
	rec.segments = res.Segments
	for _, ch := range res.Changed {
		if rec.id != 0 && c.cfg.Sink != nil {
			c.cfg.Sink.Enqueue(rec.id, ch.Segment)
		}
		c.logger.Debug("segment_updated",
			slog.Int64("session_id", rec.id),
			slog.Int("speaker", ch.Segment.Speaker),
			slog.Bool("created", ch.Created),
			slog.String("text", redact.Preview(ch.Segment.Text, 60)))
	}
	c.publish()
}

func (c *Controller) onRecognizerError(ctx context.Context, err error) {
	if c.state != StateRecording {
		return
	}
	c.logger.Error("recognizer_error",
		slog.Int64("session_id", c.rec.id),
		slog.String("reason_code", string(errorsx.ReasonRecognizer)),
		slog.String("error", err.Error()))
	c.stop(ctx, "recognizer_error")
}

func (c *Controller) onButton(ctx context.Context, b audio.ButtonState) {
	c.logger.Info("wearable_button", slog.String("state", b.String()))
	if c.state != StateRecording {
		return
	}
	switch b {
	case audio.ButtonDoubleTap:
		c.continueWithNewSession(ctx, "double_tap")
	case audio.ButtonLongPress:
		c.stop(ctx, "long_press")
	}
}

func (c *Controller) onEvent(ctx context.Context, ev events.Event) {
	c.logger.Info("system_event", slog.String("kind", string(ev.Kind)), slog.String("subject", ev.Subject))
	switch ev.Kind {
	case events.SystemSleep:
		c.wasRecording = c.state == StateRecording
		if c.wasRecording {
			c.stop(ctx, "system_sleep")
		}
	case events.SystemWake:
		if !c.wasRecording {
			return
		}
		c.wasRecording = false
		if !c.cfg.Enabled() {
			return
		}
		gen, source := c.gen, c.lastSource
		time.AfterFunc(c.cfg.WakeSettle, func() {
			c.post(command{kind: cmdWake, source: source, gen: gen})
		})
	case events.PermissionLost:
		if c.state == StateRecording && c.cap.kind != audio.SourceWearable &&
			(ev.Subject == "" || ev.Subject == "microphone") {
			c.stop(ctx, "permission_lost")
		}
	case events.DeviceDisconnected:
		if c.state == StateRecording && c.cap.kind == audio.SourceWearable {
			c.stop(ctx, "device_disconnected")
		}
	}
}

func (c *Controller) publish() {
	s := Snapshot{State: c.state}
	if c.rec != nil {
		s.SessionID = c.rec.id
		s.Source = c.rec.source
		s.StartedAt = c.rec.startedAt
		s.Segments = append([]diarize.Segment(nil), c.rec.segments...)
		s.Interim = c.rec.interim
	}
	c.snapMu.Lock()
	c.snap = s
	c.snapMu.Unlock()
}
