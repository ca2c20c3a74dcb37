package deepgram

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/harunnryd/scribe/pkg/adapters/stt"
	"github.com/harunnryd/scribe/pkg/errorsx"
	"github.com/harunnryd/scribe/pkg/frames"
	"github.com/harunnryd/scribe/pkg/logging"
	"github.com/harunnryd/scribe/pkg/resilience"

	msginterfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/websocket/interfaces"
	interfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/interfaces"
	client "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/listen"
)

type DeepgramParams struct {
	UtteranceEndMS int
	EndpointingMS  int
}

type Config struct {
	APIKey     string
	Model      string
	Language   string
	SampleRate int
	Encoding   string
	Channels   int
	Diarize    bool
	Interim    bool
	VADEvents  bool
	Keywords   []string
	StreamID   string
	TraceID    string
	Params     DeepgramParams
}

// ApplyDefaults fills the values used for meeting capture.
func (c *Config) ApplyDefaults() {
	if c.Model == "" {
		c.Model = "nova-3"
	}
	if c.Language == "" {
		c.Language = "multi"
	}
	if c.SampleRate == 0 {
		c.SampleRate = 16000
	}
	if c.Encoding == "" {
		c.Encoding = "linear16"
	}
	if c.Channels <= 0 {
		c.Channels = 1
	}
	if c.Params.UtteranceEndMS == 0 {
		c.Params.UtteranceEndMS = 1000
	}
	if c.Params.EndpointingMS == 0 {
		c.Params.EndpointingMS = 300
	}
}

type StreamingSTT struct {
	cfg        Config
	dgClient   *client.WSCallback
	out        chan frames.Frame
	ctx        context.Context
	cancel     context.CancelFunc
	pipeReader *io.PipeReader
	pipeWriter *io.PipeWriter
	metaLogged bool
	logger     *slog.Logger

	mu     sync.Mutex
	closed bool

	retryPolicy resilience.RetryPolicy
}

func New(cfg Config) *StreamingSTT {
	cfg.ApplyDefaults()
	logger := logging.NewComponentLogger(slog.Default(), "deepgram_stt")

	return &StreamingSTT{
		cfg:         cfg,
		out:         make(chan frames.Frame, 256),
		logger:      logger,
		retryPolicy: resilience.NewRetryPolicy(2, 500*time.Millisecond),
	}
}

// NewFromSTTConfig merges the vendor-agnostic session config over base.
func NewFromSTTConfig(base Config, sc stt.Config) *StreamingSTT {
	cfg := base
	cfg.StreamID = sc.StreamID
	cfg.TraceID = sc.TraceID
	if sc.SampleRate > 0 {
		cfg.SampleRate = sc.SampleRate
	}
	if sc.Language != "" {
		cfg.Language = sc.Language
	}
	if sc.Channels > 0 {
		cfg.Channels = sc.Channels
	}
	cfg.Diarize = cfg.Diarize || sc.Diarize
	if len(sc.Vocabulary) > 0 {
		cfg.Keywords = append(append([]string(nil), cfg.Keywords...), sc.Vocabulary...)
	}
	return New(cfg)
}

func (s *StreamingSTT) Name() string { return "deepgram_streaming" }

func (s *StreamingSTT) transcriptOptions() *interfaces.LiveTranscriptionOptions {
	opts := &interfaces.LiveTranscriptionOptions{
		Model:          s.cfg.Model,
		Language:       s.cfg.Language,
		Encoding:       s.cfg.Encoding,
		SampleRate:     s.cfg.SampleRate,
		Channels:       s.cfg.Channels,
		Multichannel:   s.cfg.Channels > 1,
		Diarize:        s.cfg.Diarize,
		Punctuate:      true,
		SmartFormat:    true,
		InterimResults: s.cfg.Interim,
		VadEvents:      s.cfg.VADEvents,
		Keywords:       s.cfg.Keywords,
	}
	if s.cfg.Params.UtteranceEndMS > 0 {
		opts.UtteranceEndMs = strconv.Itoa(s.cfg.Params.UtteranceEndMS)
	}
	if s.cfg.Params.EndpointingMS > 0 {
		opts.Endpointing = strconv.Itoa(s.cfg.Params.EndpointingMS)
	}
	return opts
}

func (s *StreamingSTT) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.pipeReader, s.pipeWriter = io.Pipe()

	clientOptions := &interfaces.ClientOptions{
		EnableKeepAlive: true,
	}

	s.logger.Info("initializing deepgram connection",
		slog.String("stream_id", s.cfg.StreamID),
		slog.String("model", s.cfg.Model),
		slog.Int("channels", s.cfg.Channels),
		slog.Bool("diarize", s.cfg.Diarize),
		slog.Int("sample_rate", s.cfg.SampleRate))

	cb := &callback{parent: s}

	err := s.retryPolicy.DoContext(s.ctx, func(ctx context.Context) error {
		dgClient, err := client.NewWSUsingCallback(ctx, s.cfg.APIKey, clientOptions, s.transcriptOptions(), cb)
		if err != nil {
			return resilience.Permanent(err)
		}
		if connected := dgClient.Connect(); !connected {
			return fmt.Errorf("deepgram connection failed")
		}
		s.dgClient = dgClient
		return nil
	})
	if err != nil {
		s.logger.Error("deepgram_connect_failed",
			slog.String("error", err.Error()),
			slog.String("stream_id", s.cfg.StreamID))
		return errorsx.Wrap(err, errorsx.ReasonSTTConnect)
	}

	s.logger.Info("deepgram_connected",
		slog.String("stream_id", s.cfg.StreamID),
		slog.String("model", s.cfg.Model))

	go func() {
		if err := s.dgClient.Stream(s.pipeReader); err != nil && s.ctx.Err() == nil {
			s.logger.Error("deepgram_stream_error",
				slog.String("error", err.Error()),
				slog.String("stream_id", s.cfg.StreamID))
			s.emit(frames.NewErrorFrame(s.cfg.StreamID, time.Now().UnixNano(),
				errorsx.Wrap(err, errorsx.ReasonRecognizer), s.baseMeta()))
		}
	}()

	return nil
}

func (s *StreamingSTT) Close() error {
	s.logger.Info("closing deepgram connection",
		slog.String("stream_id", s.cfg.StreamID))

	if s.cancel != nil {
		s.cancel()
	}
	if s.pipeWriter != nil {
		_ = s.pipeWriter.Close()
	}
	if s.dgClient != nil {
		s.dgClient.Stop()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.out)
	}
	return nil
}

func (s *StreamingSTT) SendAudio(frame frames.AudioFrame) error {
	if s.pipeWriter == nil {
		return fmt.Errorf("not started")
	}
	_, err := s.pipeWriter.Write(frame.RawPayload())
	if err != nil {
		s.logger.Error("failed to send audio to deepgram",
			slog.String("error", err.Error()),
			slog.String("stream_id", s.cfg.StreamID))
		return errorsx.Wrap(err, errorsx.ReasonSTTSend)
	}
	return nil
}

func (s *StreamingSTT) Results() <-chan frames.Frame { return s.out }

func (s *StreamingSTT) emit(f frames.Frame) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.out <- f:
	default:
		s.logger.Warn("deepgram_out_channel_full",
			slog.String("stream_id", s.cfg.StreamID),
			slog.String("kind", string(f.Kind())))
	}
}

func (s *StreamingSTT) baseMeta() map[string]string {
	meta := map[string]string{frames.MetaSource: "stt"}
	if s.cfg.TraceID != "" {
		meta[frames.MetaTraceID] = s.cfg.TraceID
	}
	return meta
}

// toTranscriptParams maps a recognizer message onto the frame model.
// Deepgram reports the channel as [index, total].
func toTranscriptParams(mr *msginterfaces.MessageResponse) (frames.TranscriptParams, bool) {
	if len(mr.Channel.Alternatives) == 0 {
		return frames.TranscriptParams{}, false
	}
	alt := mr.Channel.Alternatives[0]
	if strings.TrimSpace(alt.Transcript) == "" && len(alt.Words) == 0 {
		return frames.TranscriptParams{}, false
	}
	p := frames.TranscriptParams{
		Text:        alt.Transcript,
		Start:       mr.Start,
		Duration:    mr.Duration,
		IsFinal:     mr.IsFinal,
		SpeechFinal: mr.SpeechFinal,
		Words:       make([]frames.Word, 0, len(alt.Words)),
	}
	if len(mr.ChannelIndex) > 0 {
		p.ChannelIndex = mr.ChannelIndex[0]
	}
	for _, w := range alt.Words {
		word := frames.Word{
			Text:       w.Word,
			Punctuated: w.PunctuatedWord,
			Start:      w.Start,
			End:        w.End,
			Confidence: w.Confidence,
		}
		if w.Speaker != nil {
			sp := *w.Speaker
			word.Speaker = &sp
		}
		p.Words = append(p.Words, word)
	}
	return p, true
}

// --- Callback Implementation ---

type callback struct {
	parent *StreamingSTT
}

func (c *callback) Open(or *msginterfaces.OpenResponse) error {
	c.parent.logger.Info("deepgram_connection_opened",
		slog.String("stream_id", c.parent.cfg.StreamID))
	c.parent.emit(frames.NewControlFrame(c.parent.cfg.StreamID, time.Now().UnixNano(), frames.ControlOpen, c.parent.baseMeta()))
	return nil
}

func (c *callback) Message(mr *msginterfaces.MessageResponse) error {
	p, ok := toTranscriptParams(mr)
	if !ok {
		return nil
	}
	meta := c.parent.baseMeta()
	meta[frames.MetaChannel] = strconv.Itoa(p.ChannelIndex)

	c.parent.logger.Debug("transcript_received",
		slog.String("stream_id", c.parent.cfg.StreamID),
		slog.Int("channel", p.ChannelIndex),
		slog.Int("words", len(p.Words)),
		slog.Bool("is_final", p.IsFinal),
		slog.Bool("speech_final", p.SpeechFinal))

	c.parent.emit(frames.NewTranscriptFrame(c.parent.cfg.StreamID, time.Now().UnixNano(), p, meta))
	return nil
}

func (c *callback) Metadata(md *msginterfaces.MetadataResponse) error {
	if !c.parent.metaLogged {
		c.parent.metaLogged = true
		c.parent.logger.Info("deepgram_metadata_received",
			slog.String("stream_id", c.parent.cfg.StreamID),
			slog.String("request_id", md.RequestID))
	}
	return nil
}

func (c *callback) SpeechStarted(ssr *msginterfaces.SpeechStartedResponse) error {
	meta := c.parent.baseMeta()
	meta[frames.MetaReason] = "speech_started"
	c.parent.emit(frames.NewControlFrame(c.parent.cfg.StreamID, time.Now().UnixNano(), frames.ControlSpeechStarted, meta))
	return nil
}

func (c *callback) UtteranceEnd(ur *msginterfaces.UtteranceEndResponse) error {
	meta := c.parent.baseMeta()
	meta[frames.MetaReason] = "utterance_end"
	c.parent.logger.Debug("utterance_end_event",
		slog.String("stream_id", c.parent.cfg.StreamID),
		slog.Int("utterance_end_ms", c.parent.cfg.Params.UtteranceEndMS))
	c.parent.emit(frames.NewControlFrame(c.parent.cfg.StreamID, time.Now().UnixNano(), frames.ControlUtteranceEnd, meta))
	return nil
}

func (c *callback) Close(cr *msginterfaces.CloseResponse) error {
	c.parent.logger.Info("deepgram_connection_closed",
		slog.String("stream_id", c.parent.cfg.StreamID))
	return nil
}

func (c *callback) Error(er *msginterfaces.ErrorResponse) error {
	c.parent.logger.Error("deepgram_error",
		slog.String("stream_id", c.parent.cfg.StreamID),
		slog.String("error_code", er.ErrCode),
		slog.String("error_message", er.ErrMsg))
	err := errorsx.Wrap(fmt.Errorf("deepgram %s: %s", er.ErrCode, er.ErrMsg), errorsx.ReasonRecognizer)
	c.parent.emit(frames.NewErrorFrame(c.parent.cfg.StreamID, time.Now().UnixNano(), err, c.parent.baseMeta()))
	return nil
}

func (c *callback) UnhandledEvent(byData []byte) error {
	c.parent.logger.Debug("deepgram_unhandled_event",
		slog.String("stream_id", c.parent.cfg.StreamID),
		slog.String("data", string(byData)))
	return nil
}

var _ stt.StreamingSTT = (*StreamingSTT)(nil)
