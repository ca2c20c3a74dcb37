package scribe

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "scribe.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadConfigAppliesDefaultsAndExpandsEnv(t *testing.T) {
	t.Setenv("SCRIBE_TOKEN", "tok-123")
	t.Setenv("DEEPGRAM_KEY", "dg-456")
	path := writeConfig(t, `
upload:
  base_url: https://api.example.test
  token: ${SCRIBE_TOKEN}
vendors:
  stt:
    provider: deepgram
    settings:
      api_key: ${DEEPGRAM_KEY}
      model: nova-3
session:
  people:
    "1": person-a
    "2": ""
    x: person-b
`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "tok-123", cfg.Upload.Token)
	assert.Equal(t, "dg-456", cfg.Vendors.STT.Settings["api_key"])
	assert.Equal(t, 30*time.Second, cfg.Upload.Timeout)
	assert.Equal(t, 3.0, cfg.Session.MergeGap())
	assert.Equal(t, 4*time.Hour, cfg.Session.MaxDuration)
	assert.Equal(t, 2*time.Second, cfg.Session.WakeSettle)
	assert.Equal(t, 5*time.Minute, cfg.Recovery.Interval)
	assert.Equal(t, 5, cfg.Recovery.MaxRetries)
	assert.Equal(t, 16000, cfg.Audio.SampleRate)
	assert.Equal(t, "portaudio", cfg.Sources.Microphone.Provider)
	assert.Equal(t, "127.0.0.1:8765", cfg.Sources.Wearable.ListenAddr)
	assert.True(t, cfg.Privacy.RedactPII)
	assert.Equal(t, map[int]string{1: "person-a"}, cfg.Session.PersonMap())
}

func TestLoadConfigRequiresUploadBaseURL(t *testing.T) {
	path := writeConfig(t, "vendors:\n  stt:\n    provider: mock\n")
	_, err := LoadConfig(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "upload.base_url")
}

func TestValidateRejectsNonPositiveDurations(t *testing.T) {
	cfg := Config{
		Vendors: VendorsConfig{STT: VendorConfig{Provider: "mock"}},
		Session: SessionConfig{MergeGapMS: 3000},
		Audio:   AudioConfig{SampleRate: 16000},
	}
	cfg.Upload.BaseURL = "http://localhost"
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "max_duration")
}

func TestProviderRegistryDecodesDeepgramSettings(t *testing.T) {
	r := DefaultProviders()
	cfg := Config{Vendors: VendorsConfig{STT: VendorConfig{Provider: "deepgram"}}}

	_, err := r.BuildSTTFactory("deepgram", cfg)
	require.Error(t, err, "api_key is required")

	cfg.Vendors.STT.Settings = map[string]any{"api_key": "k", "interim": "false", "endpointing_ms": 500}
	f, err := r.BuildSTTFactory("Deepgram", cfg)
	require.NoError(t, err)
	require.NotNil(t, f)

	_, err = r.BuildSTTFactory("whisper", cfg)
	require.Error(t, err)

	mic, err := r.BuildMicrophone("none", cfg)
	require.NoError(t, err)
	assert.Nil(t, mic)
	mic, err = r.BuildMicrophone("mock", cfg)
	require.NoError(t, err)
	assert.Equal(t, "microphone", mic.Name())
}
