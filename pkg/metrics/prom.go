package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// PromObserver mirrors engine events into Prometheus collectors.
type PromObserver struct {
	sessionsStarted     *prometheus.CounterVec
	sessionsFinalized   *prometheus.CounterVec
	segmentsPersisted   prometheus.Counter
	persistenceFailures prometheus.Counter
	uploadDuration      prometheus.Histogram
	recoveryAttempts    *prometheus.CounterVec
	audioLevel          *prometheus.GaugeVec
}

// NewPromObserver registers collectors on reg. A nil reg uses the default registerer.
func NewPromObserver(reg prometheus.Registerer) *PromObserver {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	p := &PromObserver{
		sessionsStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scribe_sessions_started_total",
			Help: "Transcription sessions started, by audio source",
		}, []string{"source"}),
		sessionsFinalized: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scribe_sessions_finalized_total",
			Help: "Finalize attempts, by outcome (saved/discarded/error)",
		}, []string{"outcome"}),
		segmentsPersisted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "scribe_segments_persisted_total",
			Help: "Segment writes committed to the ledger",
		}),
		persistenceFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "scribe_persistence_failures_total",
			Help: "Segment writes that failed or were dropped",
		}),
		uploadDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "scribe_upload_duration_seconds",
			Help:    "Conversation upload latency",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		}),
		recoveryAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scribe_recovery_attempts_total",
			Help: "Sessions re-driven by the recovery scan, by prior state",
		}, []string{"state"}),
		audioLevel: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "scribe_audio_level",
			Help: "Latest RMS level per audio channel (0..1)",
		}, []string{"channel"}),
	}
	reg.MustRegister(
		p.sessionsStarted,
		p.sessionsFinalized,
		p.segmentsPersisted,
		p.persistenceFailures,
		p.uploadDuration,
		p.recoveryAttempts,
		p.audioLevel,
	)
	return p
}

func (p *PromObserver) RecordEvent(ev MetricsEvent) {
	switch ev.Name {
	case EventSessionStarted:
		p.sessionsStarted.WithLabelValues(ev.Tags["source"]).Inc()
	case EventSessionFinalized:
		p.sessionsFinalized.WithLabelValues(ev.Tags["outcome"]).Inc()
	case EventSegmentPersisted:
		p.segmentsPersisted.Inc()
	case EventPersistenceFailure:
		p.persistenceFailures.Inc()
	case EventUploadDuration:
		p.uploadDuration.Observe(ev.Value)
	case EventRecoveryAttempt:
		p.recoveryAttempts.WithLabelValues(ev.Tags["state"]).Inc()
	case EventAudioLevel:
		p.audioLevel.WithLabelValues(ev.Tags["channel"]).Set(ev.Value)
	}
}
