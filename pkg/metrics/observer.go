package metrics

import "time"

type MetricsEvent struct {
	Name   string
	Time   time.Time
	Value  float64
	Tags   map[string]string
	Fields map[string]any
}

type Observer interface {
	RecordEvent(ev MetricsEvent)
}

type NoopObserver struct{}

func (NoopObserver) RecordEvent(MetricsEvent) {}

// Event names emitted by the session engine.
const (
	EventAudioLevel         = "audio_level"
	EventSessionStarted     = "session_started"
	EventSessionFinalized   = "session_finalized"
	EventSegmentPersisted   = "segment_persisted"
	EventPersistenceFailure = "persistence_failure"
	EventUploadDuration     = "upload_duration"
	EventRecoveryAttempt    = "recovery_attempt"
)

// Record is a convenience for emitting a single named value.
func Record(obs Observer, name string, value float64, tags map[string]string) {
	if obs == nil {
		return
	}
	obs.RecordEvent(MetricsEvent{Name: name, Time: time.Now(), Value: value, Tags: tags})
}
