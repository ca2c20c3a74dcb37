package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func TestPromObserverCountsOutcomes(t *testing.T) {
	reg := prometheus.NewRegistry()
	p := NewPromObserver(reg)

	Record(p, EventSessionFinalized, 1, map[string]string{"outcome": "saved"})
	Record(p, EventSessionFinalized, 1, map[string]string{"outcome": "saved"})
	Record(p, EventSessionFinalized, 1, map[string]string{"outcome": "error"})

	metric := &dto.Metric{}
	if err := p.sessionsFinalized.WithLabelValues("saved").Write(metric); err != nil {
		t.Fatalf("write metric: %v", err)
	}
	if metric.Counter.GetValue() != 2 {
		t.Fatalf("expected 2 saved, got %f", metric.Counter.GetValue())
	}
}

func TestPromObserverAudioLevelGauge(t *testing.T) {
	p := NewPromObserver(prometheus.NewRegistry())
	Record(p, EventAudioLevel, 0.25, map[string]string{"channel": "mic"})
	Record(p, EventAudioLevel, 0.5, map[string]string{"channel": "mic"})

	metric := &dto.Metric{}
	if err := p.audioLevel.WithLabelValues("mic").Write(metric); err != nil {
		t.Fatalf("write metric: %v", err)
	}
	if metric.Gauge.GetValue() != 0.5 {
		t.Fatalf("expected latest level 0.5, got %f", metric.Gauge.GetValue())
	}
}

func TestAsyncObserverDeliversInOrder(t *testing.T) {
	mem := NewMemoryObserver()
	a := NewAsyncObserver(mem, 8)
	for i := 0; i < 5; i++ {
		Record(a, EventSegmentPersisted, float64(i), nil)
	}
	a.Close()

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if len(mem.Named(EventSegmentPersisted)) == 5 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	got := mem.Named(EventSegmentPersisted)
	if len(got) != 5 {
		t.Fatalf("expected 5 events, got %d", len(got))
	}
	for i, ev := range got {
		if ev.Value != float64(i) {
			t.Fatalf("event %d out of order: %v", i, ev.Value)
		}
	}
}

func TestSamplingObserverOnlyThinsNamedEvents(t *testing.T) {
	mem := NewMemoryObserver()
	s := NewSamplingObserver(mem, 0.25, EventAudioLevel)
	for i := 0; i < 8; i++ {
		Record(s, EventAudioLevel, 0.1, nil)
		Record(s, EventSegmentPersisted, 1, nil)
	}
	if got := len(mem.Named(EventAudioLevel)); got != 2 {
		t.Fatalf("expected 2 sampled level events, got %d", got)
	}
	if got := len(mem.Named(EventSegmentPersisted)); got != 8 {
		t.Fatalf("expected all 8 persisted events, got %d", got)
	}
}
