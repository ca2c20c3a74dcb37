package scribe

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harunnryd/scribe/pkg/adapters/audio"
	"github.com/harunnryd/scribe/pkg/adapters/stt"
	"github.com/harunnryd/scribe/pkg/events"
	"github.com/harunnryd/scribe/pkg/finalize"
	"github.com/harunnryd/scribe/pkg/frames"
	"github.com/harunnryd/scribe/pkg/ledger"
	"github.com/harunnryd/scribe/pkg/providers/mock"
	"github.com/harunnryd/scribe/pkg/upload"
)

func testConfig(baseURL string) Config {
	return Config{
		Session: SessionConfig{
			Enabled:     true,
			MergeGapMS:  3000,
			MaxDuration: time.Hour,
			WakeSettle:  20 * time.Millisecond,
			Source:      "microphone",
			Language:    "en",
			Timezone:    "UTC",
		},
		Audio:    AudioConfig{SampleRate: 16000, CadenceMS: 10},
		Ledger:   LedgerConfig{Path: "memory", QueueSize: 64},
		Upload:   upload.Config{BaseURL: baseURL, Timeout: time.Second},
		Recovery: RecoveryConfig{Enabled: true, Interval: time.Minute, MaxRetries: 5},
		Vendors:  VendorsConfig{STT: VendorConfig{Provider: "scripted"}},
	}
}

func scriptedProviders() *ProviderRegistry {
	r := DefaultProviders()
	r.RegisterSTT("scripted", func(Config) (stt.Factory, error) {
		return mock.Factory(mock.STTConfig{Script: []frames.TranscriptParams{{
			Text:    "Morning everyone",
			IsFinal: true,
			Words: []frames.Word{
				{Text: "morning", Punctuated: "Morning", Start: 0.2, End: 0.6},
				{Text: "everyone", Punctuated: "everyone", Start: 0.7, End: 1.1},
			},
		}}}, nil, nil), nil
	})
	return r
}

func TestEngineRecordsAndUploadsSession(t *testing.T) {
	var uploads atomic.Int32
	var got upload.Request
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		uploads.Add(1)
		_ = json.NewDecoder(r.Body).Decode(&got)
		_ = json.NewEncoder(w).Encode(upload.Response{ID: "conv-1", Status: "completed"})
	}))
	defer srv.Close()

	mic := mock.NewSource("microphone")
	finalized := make(chan finalize.Result, 1)
	eng, err := NewEngine(EngineOptions{
		Config:      testConfig(srv.URL),
		Providers:   scriptedProviders(),
		Microphone:  mic,
		Logger:      discardLogger(),
		OnFinalized: func(_ int64, res finalize.Result) { finalized <- res },
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() { runErr <- eng.Run(ctx) }()

	require.NoError(t, eng.Start(ctx, ""))
	require.True(t, mic.Feed(make([]byte, 320)))
	require.Eventually(t, func() bool { return len(eng.Snapshot().Segments) == 1 }, 2*time.Second, 5*time.Millisecond)
	id := eng.Snapshot().SessionID
	require.NotZero(t, id)
	require.NoError(t, eng.Health(ctx))

	require.NoError(t, eng.Stop(ctx))
	select {
	case res := <-finalized:
		assert.Equal(t, finalize.OutcomeSaved, res.Outcome)
		assert.Equal(t, "conv-1", res.BackendID)
	case <-time.After(2 * time.Second):
		t.Fatal("session was not finalized")
	}
	require.NoError(t, eng.Drain())

	sess, err := eng.Ledger().Session(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, ledger.StateCompleted, sess.State)
	assert.Equal(t, "conv-1", sess.BackendID)
	assert.Equal(t, int32(1), uploads.Load())
	require.Len(t, got.Segments, 1)
	assert.Equal(t, "Morning everyone", got.Segments[0].Text)
	assert.Equal(t, "desktop", got.Source)

	cancel()
	select {
	case err := <-runErr:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("engine did not stop")
	}
}

func TestEngineStopsOnPermissionLoss(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(upload.Response{ID: "conv-2"})
	}))
	defer srv.Close()

	mic := mock.NewSource("microphone")
	eng, err := NewEngine(EngineOptions{
		Config:     testConfig(srv.URL),
		Providers:  scriptedProviders(),
		Microphone: mic,
		Logger:     discardLogger(),
	})
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = eng.Run(ctx) }()

	require.NoError(t, eng.Start(ctx, audio.SourceMicrophone))
	require.Eventually(t, mic.Capturing, time.Second, 5*time.Millisecond)
	eng.Publish(events.New(events.PermissionLost, "microphone"))
	require.Eventually(t, func() bool { return !mic.Capturing() }, time.Second, 5*time.Millisecond)
	assert.Zero(t, eng.Controller().ActiveSessionID())
}

func TestNewEngineRejectsUnknownProvider(t *testing.T) {
	cfg := testConfig("http://localhost")
	cfg.Vendors.STT.Provider = "whisper"
	_, err := NewEngine(EngineOptions{Config: cfg, Logger: discardLogger()})
	require.Error(t, err)
}
