package scribe

import (
	"fmt"
	"strings"

	"github.com/harunnryd/scribe/pkg/adapters/audio"
	"github.com/harunnryd/scribe/pkg/adapters/stt"
	"github.com/harunnryd/scribe/pkg/configutil"
	"github.com/harunnryd/scribe/pkg/providers/deepgram"
	"github.com/harunnryd/scribe/pkg/providers/mock"
	"github.com/harunnryd/scribe/pkg/providers/portaudio"
)

type STTFactoryBuilder func(cfg Config) (stt.Factory, error)
type MicrophoneBuilder func(cfg Config) (audio.Provider, error)

type ProviderRegistry struct {
	stt map[string]STTFactoryBuilder
	mic map[string]MicrophoneBuilder
}

func NewProviderRegistry() *ProviderRegistry {
	return &ProviderRegistry{
		stt: make(map[string]STTFactoryBuilder),
		mic: make(map[string]MicrophoneBuilder),
	}
}

// DefaultProviders registers the built-in recognizers and microphones.
func DefaultProviders() *ProviderRegistry {
	r := NewProviderRegistry()
	r.RegisterSTT("deepgram", buildDeepgram)
	r.RegisterSTT("mock", func(Config) (stt.Factory, error) {
		return mock.Factory(mock.STTConfig{}, nil, nil), nil
	})
	r.RegisterMicrophone("portaudio", func(cfg Config) (audio.Provider, error) {
		return portaudio.NewMicrophone(portaudio.Config{
			SampleRate:      cfg.Audio.SampleRate,
			FramesPerBuffer: cfg.Sources.Microphone.FramesPerBuffer,
		}), nil
	})
	r.RegisterMicrophone("mock", func(Config) (audio.Provider, error) {
		return mock.NewSource("microphone"), nil
	})
	return r
}

func (r *ProviderRegistry) RegisterSTT(name string, factory STTFactoryBuilder) {
	r.stt[normalizeName(name)] = factory
}

func (r *ProviderRegistry) RegisterMicrophone(name string, builder MicrophoneBuilder) {
	r.mic[normalizeName(name)] = builder
}

func (r *ProviderRegistry) BuildSTTFactory(provider string, cfg Config) (stt.Factory, error) {
	fn := r.stt[normalizeName(provider)]
	if fn == nil {
		return nil, fmt.Errorf("stt provider not registered: %s", provider)
	}
	return fn(cfg)
}

// BuildMicrophone returns nil without error when provider is "none".
func (r *ProviderRegistry) BuildMicrophone(provider string, cfg Config) (audio.Provider, error) {
	name := normalizeName(provider)
	if name == "none" || name == "" {
		return nil, nil
	}
	fn := r.mic[name]
	if fn == nil {
		return nil, fmt.Errorf("microphone provider not registered: %s", provider)
	}
	return fn(cfg)
}

func normalizeName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

type deepgramSettings struct {
	APIKey         string   `mapstructure:"api_key"`
	Model          string   `mapstructure:"model"`
	Language       string   `mapstructure:"language"`
	Encoding       string   `mapstructure:"encoding"`
	Interim        *bool    `mapstructure:"interim"`
	VADEvents      *bool    `mapstructure:"vad_events"`
	Keywords       []string `mapstructure:"keywords"`
	UtteranceEndMS int      `mapstructure:"utterance_end_ms"`
	EndpointingMS  int      `mapstructure:"endpointing_ms"`
}

var deepgramSchema = configutil.SchemaFor(deepgramSettings{}, "api_key")

func buildDeepgram(cfg Config) (stt.Factory, error) {
	var s deepgramSettings
	if err := configutil.Decode(cfg.Vendors.STT.Settings, deepgramSchema, &s); err != nil {
		return nil, fmt.Errorf("vendors.stt.settings: %w", err)
	}
	base := deepgram.Config{
		APIKey:    s.APIKey,
		Model:     s.Model,
		Language:  s.Language,
		Encoding:  s.Encoding,
		Interim:   configutil.BoolValue(s.Interim, true),
		VADEvents: configutil.BoolValue(s.VADEvents, true),
		Keywords:  s.Keywords,
		Params: deepgram.DeepgramParams{
			UtteranceEndMS: s.UtteranceEndMS,
			EndpointingMS:  s.EndpointingMS,
		},
	}
	return func(sc stt.Config) (stt.StreamingSTT, error) {
		return deepgram.NewFromSTTConfig(base, sc), nil
	}, nil
}
