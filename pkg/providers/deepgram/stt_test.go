package deepgram

import (
	"testing"

	msginterfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/websocket/interfaces"
)

func TestToTranscriptParamsMapsChannelAndSpeaker(t *testing.T) {
	speaker := 2
	mr := &msginterfaces.MessageResponse{
		ChannelIndex: []int{1, 2},
		IsFinal:      true,
		Channel: msginterfaces.Channel{
			Alternatives: []msginterfaces.Alternative{{
				Transcript: "hi there",
				Words: []msginterfaces.Word{
					{Word: "hi", PunctuatedWord: "Hi", Start: 1.0, End: 1.2, Speaker: &speaker},
					{Word: "there", PunctuatedWord: "there.", Start: 1.3, End: 1.6},
				},
			}},
		},
	}

	p, ok := toTranscriptParams(mr)
	if !ok {
		t.Fatalf("expected params")
	}
	if p.ChannelIndex != 1 || !p.IsFinal {
		t.Fatalf("unexpected params: %+v", p)
	}
	if len(p.Words) != 2 {
		t.Fatalf("expected 2 words, got %d", len(p.Words))
	}
	if p.Words[0].Speaker == nil || *p.Words[0].Speaker != 2 {
		t.Fatalf("expected speaker 2, got %v", p.Words[0].Speaker)
	}
	speaker = 5
	if *p.Words[0].Speaker != 2 {
		t.Fatalf("speaker must be copied")
	}
	if p.Words[1].Speaker != nil {
		t.Fatalf("expected nil speaker")
	}
}

func TestToTranscriptParamsSkipsEmpty(t *testing.T) {
	if _, ok := toTranscriptParams(&msginterfaces.MessageResponse{}); ok {
		t.Fatalf("expected no params without alternatives")
	}
	mr := &msginterfaces.MessageResponse{
		Channel: msginterfaces.Channel{Alternatives: []msginterfaces.Alternative{{Transcript: "  "}}},
	}
	if _, ok := toTranscriptParams(mr); ok {
		t.Fatalf("expected no params for blank transcript")
	}
}

func TestConfigDefaults(t *testing.T) {
	var cfg Config
	cfg.ApplyDefaults()
	if cfg.Model != "nova-3" || cfg.SampleRate != 16000 || cfg.Encoding != "linear16" {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	s := New(Config{Channels: 2, Diarize: true})
	opts := s.transcriptOptions()
	if !opts.Multichannel || opts.Channels != 2 || !opts.Diarize {
		t.Fatalf("expected multichannel diarized options: %+v", opts)
	}
	if opts.Endpointing != "300" || opts.UtteranceEndMs != "1000" {
		t.Fatalf("unexpected endpointing: %q %q", opts.Endpointing, opts.UtteranceEndMs)
	}
}
