package observers

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/harunnryd/scribe/pkg/metrics"
)

func TestTimelineObserverWritesSessionJSONL(t *testing.T) {
	dir := t.TempDir()
	obs := NewTimelineObserver(dir)

	obs.RecordEvent(metrics.MetricsEvent{
		Name: metrics.EventSessionStarted,
		Time: time.Now(),
		Tags: map[string]string{"session_id": "7", "source": "wearable"},
	})
	obs.RecordEvent(metrics.MetricsEvent{
		Name: metrics.EventSessionFinalized,
		Time: time.Now(),
		Tags: map[string]string{"session_id": "7", "outcome": "saved"},
	})
	obs.RecordEvent(metrics.MetricsEvent{Name: metrics.EventAudioLevel, Time: time.Now()})
	_ = obs.Close()

	b, err := os.ReadFile(filepath.Join(dir, "session-7.jsonl"))
	if err != nil {
		t.Fatalf("read file: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(b)), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d", len(lines))
	}
	if !strings.Contains(lines[1], `"outcome":"saved"`) {
		t.Fatalf("expected outcome tag in %s", lines[1])
	}
	entries, _ := os.ReadDir(dir)
	if len(entries) != 1 {
		t.Fatalf("untagged events must not create files, got %d", len(entries))
	}
}

func TestPurgeArtifactsOnlyRemovesOldSessionFiles(t *testing.T) {
	dir := t.TempDir()
	now := time.Now()
	old := now.Add(-10 * 24 * time.Hour)
	for _, name := range []string{"session-1.wav", "session-1.jsonl", "notes.txt", "session-2.wav"} {
		path := filepath.Join(dir, name)
		if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
		if name != "session-2.wav" {
			if err := os.Chtimes(path, old, old); err != nil {
				t.Fatalf("chtimes: %v", err)
			}
		}
	}
	removed, err := PurgeArtifacts(dir, 7*24*time.Hour, now)
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if removed != 2 {
		t.Fatalf("expected 2 removed, got %d", removed)
	}
	for _, keep := range []string{"notes.txt", "session-2.wav"} {
		if _, err := os.Stat(filepath.Join(dir, keep)); err != nil {
			t.Fatalf("%s should survive: %v", keep, err)
		}
	}
	if n, err := PurgeArtifacts(filepath.Join(dir, "missing"), time.Hour, now); err != nil || n != 0 {
		t.Fatalf("missing dir: n=%d err=%v", n, err)
	}
}

func TestLoggerObserverLevels(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo}))
	obs := NewMultiObserver(NewLoggerObserver(log), nil)

	metrics.Record(obs, metrics.EventAudioLevel, 0.3, map[string]string{"channel": "mic"})
	if buf.Len() != 0 {
		t.Fatalf("audio levels must stay below info, got %q", buf.String())
	}
	metrics.Record(obs, metrics.EventPersistenceFailure, 1, map[string]string{"reason": "queue_full"})
	if !strings.Contains(buf.String(), "level=WARN") || !strings.Contains(buf.String(), "reason=queue_full") {
		t.Fatalf("unexpected log output %q", buf.String())
	}
}
