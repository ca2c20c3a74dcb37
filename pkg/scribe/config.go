package scribe

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/harunnryd/scribe/pkg/providers/wearable"
	"github.com/harunnryd/scribe/pkg/upload"
)

type Config struct {
	Session     SessionConfig  `mapstructure:"session"`
	Audio       AudioConfig    `mapstructure:"audio"`
	Ledger      LedgerConfig   `mapstructure:"ledger"`
	Upload      upload.Config  `mapstructure:"upload"`
	Recovery    RecoveryConfig `mapstructure:"recovery"`
	Vendors     VendorsConfig  `mapstructure:"vendors"`
	Sources     SourcesConfig  `mapstructure:"sources"`
	Metrics     MetricsConfig  `mapstructure:"metrics"`
	Privacy     PrivacyConfig  `mapstructure:"privacy"`
	Environment string         `mapstructure:"environment"`
	LogLevel    string         `mapstructure:"log_level"`
	LogFormat   string         `mapstructure:"log_format"`
	LogFile     string         `mapstructure:"log_file"`
}

type SessionConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	MergeGapMS  int           `mapstructure:"merge_gap_ms"`
	MaxDuration time.Duration `mapstructure:"max_duration"`
	WakeSettle  time.Duration `mapstructure:"wake_settle"`
	Source      string        `mapstructure:"source"`
	Language    string        `mapstructure:"language"`
	Timezone    string        `mapstructure:"timezone"`
	Vocabulary  []string      `mapstructure:"vocabulary"`
	// People maps speaker numbers ("1", "2") to backend person ids.
	People map[string]string `mapstructure:"people"`
}

// MergeGap returns the merge window in seconds.
func (s SessionConfig) MergeGap() float64 {
	return float64(s.MergeGapMS) / 1000
}

// PersonMap converts People to speaker-number keys, skipping bad keys.
func (s SessionConfig) PersonMap() map[int]string {
	if len(s.People) == 0 {
		return nil
	}
	out := make(map[int]string, len(s.People))
	for k, v := range s.People {
		n, err := strconv.Atoi(strings.TrimSpace(k))
		if err != nil || strings.TrimSpace(v) == "" {
			continue
		}
		out[n] = v
	}
	return out
}

type AudioConfig struct {
	SampleRate    int    `mapstructure:"sample_rate"`
	CadenceMS     int    `mapstructure:"cadence_ms"`
	RecordingsDir string `mapstructure:"recordings_dir"`
	RetentionDays int    `mapstructure:"retention_days"`
}

type LedgerConfig struct {
	// Path is the SQLite file; "memory" keeps the ledger in process.
	Path      string `mapstructure:"path"`
	QueueSize int    `mapstructure:"queue_size"`
}

type RecoveryConfig struct {
	Enabled    bool          `mapstructure:"enabled"`
	Interval   time.Duration `mapstructure:"interval"`
	MaxRetries int           `mapstructure:"max_retries"`
}

type VendorConfig struct {
	Provider string         `mapstructure:"provider"`
	Settings map[string]any `mapstructure:"settings"`
}

type VendorsConfig struct {
	STT VendorConfig `mapstructure:"stt"`
}

type SourcesConfig struct {
	Microphone MicrophoneConfig `mapstructure:"microphone"`
	Wearable   WearableConfig   `mapstructure:"wearable"`
}

type MicrophoneConfig struct {
	Provider        string `mapstructure:"provider"`
	FramesPerBuffer int    `mapstructure:"frames_per_buffer"`
}

type WearableConfig struct {
	Enabled         bool `mapstructure:"enabled"`
	wearable.Config `mapstructure:",squash"`
}

type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
}

type PrivacyConfig struct {
	RedactPII bool `mapstructure:"redact_pii"`
}

func LoadConfig(path string) (Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetDefault("session.enabled", true)
	v.SetDefault("session.merge_gap_ms", 3000)
	v.SetDefault("session.max_duration", "4h")
	v.SetDefault("session.wake_settle", "2s")
	v.SetDefault("session.source", "microphone")
	v.SetDefault("session.language", "en")
	v.SetDefault("session.timezone", "UTC")
	v.SetDefault("audio.sample_rate", 16000)
	v.SetDefault("audio.cadence_ms", 100)
	v.SetDefault("audio.recordings_dir", "")
	v.SetDefault("audio.retention_days", 0)
	v.SetDefault("ledger.path", "")
	v.SetDefault("ledger.queue_size", 1024)
	v.SetDefault("upload.timeout", "30s")
	v.SetDefault("upload.retries", 2)
	v.SetDefault("recovery.enabled", true)
	v.SetDefault("recovery.interval", "5m")
	v.SetDefault("recovery.max_retries", 5)
	v.SetDefault("vendors.stt.provider", "deepgram")
	v.SetDefault("sources.microphone.provider", "portaudio")
	v.SetDefault("sources.wearable.enabled", false)
	v.SetDefault("sources.wearable.listen_addr", "127.0.0.1:8765")
	v.SetDefault("sources.wearable.path", "/wearable")
	v.SetDefault("metrics.addr", "")
	v.SetDefault("environment", "development")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "text")
	v.SetDefault("privacy.redact_pii", true)

	if err := v.ReadInConfig(); err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal: %w", err)
	}

	expandEnvStrings(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if strings.TrimSpace(c.Vendors.STT.Provider) == "" {
		return fmt.Errorf("vendors.stt.provider is required")
	}
	if strings.TrimSpace(c.Upload.BaseURL) == "" {
		return fmt.Errorf("upload.base_url is required")
	}
	if c.Session.MergeGapMS <= 0 {
		return fmt.Errorf("session.merge_gap_ms must be positive")
	}
	if c.Session.MaxDuration <= 0 {
		return fmt.Errorf("session.max_duration must be positive")
	}
	if c.Audio.SampleRate <= 0 {
		return fmt.Errorf("audio.sample_rate must be positive")
	}
	return nil
}

func expandEnvStrings(cfg *Config) {
	expandValue(reflect.ValueOf(cfg))
	cfg.Vendors.STT.Settings = expandSettings(cfg.Vendors.STT.Settings)
}

func expandSettings(settings map[string]any) map[string]any {
	if settings == nil {
		return nil
	}
	for k, v := range settings {
		settings[k] = expandAny(v)
	}
	return settings
}

func expandAny(v any) any {
	switch val := v.(type) {
	case string:
		return os.ExpandEnv(val)
	case []any:
		for i := range val {
			val[i] = expandAny(val[i])
		}
		return val
	case map[string]any:
		for k, v := range val {
			val[k] = expandAny(v)
		}
		return val
	case map[any]any:
		out := make(map[string]any, len(val))
		for k, v := range val {
			ks, ok := k.(string)
			if !ok {
				continue
			}
			out[ks] = expandAny(v)
		}
		return out
	default:
		return v
	}
}

func expandValue(v reflect.Value) {
	if !v.IsValid() {
		return
	}
	if v.Kind() == reflect.Pointer {
		if v.IsNil() {
			return
		}
		expandValue(v.Elem())
		return
	}
	switch v.Kind() {
	case reflect.Struct:
		for i := 0; i < v.NumField(); i++ {
			expandValue(v.Field(i))
		}
	case reflect.String:
		if v.CanSet() {
			v.SetString(os.ExpandEnv(v.String()))
		}
	case reflect.Slice, reflect.Array:
		for i := 0; i < v.Len(); i++ {
			expandValue(v.Index(i))
		}
	case reflect.Map:
		if v.Type().Key().Kind() == reflect.String && v.Type().Elem().Kind() == reflect.String {
			for _, key := range v.MapKeys() {
				val := v.MapIndex(key)
				expanded := os.ExpandEnv(val.String())
				v.SetMapIndex(key, reflect.ValueOf(expanded))
			}
		}
	}
}
