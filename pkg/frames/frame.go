package frames

import (
	"sync"
)

type Kind string

const (
	KindAudio      Kind = "audio"
	KindTranscript Kind = "transcript"
	KindControl    Kind = "control"
	KindError      Kind = "error"
)

type ControlCode string

const (
	ControlSpeechStarted ControlCode = "speech_started"
	ControlUtteranceEnd  ControlCode = "utterance_end"
	ControlOpen          ControlCode = "open"
	ControlClose         ControlCode = "close"
)

const (
	MetaStreamID = "stream_id"
	MetaTraceID  = "trace_id"
	MetaSource   = "source"
	MetaReason   = "reason"
	MetaChannel  = "channel"
)

type Frame interface {
	Kind() Kind
	PTS() int64
	Meta() map[string]string
}

// AudioFrame carries interleaved 16-bit little-endian PCM.
type AudioFrame struct {
	pts    int64
	data   []byte
	rate   int
	ch     int
	meta   map[string]string
	pooled bool
}

func NewAudioFrame(streamID string, pts int64, data []byte, rate, ch int, meta map[string]string) AudioFrame {
	return AudioFrame{
		pts:  pts,
		data: data,
		rate: rate,
		ch:   ch,
		meta: mergeMeta(streamID, meta),
	}
}

func NewAudioFrameFromPool(streamID string, pts int64, data []byte, rate, ch int, meta map[string]string) AudioFrame {
	buf := AcquireAudioBuf(len(data))
	copy(buf, data)
	return AudioFrame{
		pts:    pts,
		data:   buf,
		rate:   rate,
		ch:     ch,
		meta:   mergeMeta(streamID, meta),
		pooled: true,
	}
}

func (a AudioFrame) Kind() Kind              { return KindAudio }
func (a AudioFrame) PTS() int64              { return a.pts }
func (a AudioFrame) Meta() map[string]string { return cloneMeta(a.meta) }
func (a AudioFrame) Data() []byte            { return append([]byte(nil), a.data...) }
func (a AudioFrame) RawPayload() []byte      { return a.data }
func (a AudioFrame) Rate() int               { return a.rate }
func (a AudioFrame) Channels() int           { return a.ch }

func ReleaseAudioFrame(f Frame) bool {
	af, ok := f.(AudioFrame)
	if !ok {
		if ap, ok := f.(*AudioFrame); ok {
			af = *ap
		} else {
			return false
		}
	}
	if af.pooled {
		ReleaseAudioBuf(af.data)
		return true
	}
	return false
}

// Word is one recognised word with timing relative to the stream start.
// Speaker is the recognizer's diarization id, nil when diarization is off.
type Word struct {
	Text       string
	Punctuated string
	Start      float64
	End        float64
	Confidence float64
	Speaker    *int
}

// TranscriptFrame is one recognizer result for a single audio channel.
type TranscriptFrame struct {
	pts          int64
	text         string
	channelIndex int
	start        float64
	duration     float64
	isFinal      bool
	speechFinal  bool
	words        []Word
	meta         map[string]string
}

type TranscriptParams struct {
	Text         string
	ChannelIndex int
	// Start and Duration locate the result in the stream, in seconds.
	Start       float64
	Duration    float64
	IsFinal     bool
	SpeechFinal bool
	Words       []Word
}

func NewTranscriptFrame(streamID string, pts int64, p TranscriptParams, meta map[string]string) TranscriptFrame {
	return TranscriptFrame{
		pts:          pts,
		text:         p.Text,
		channelIndex: p.ChannelIndex,
		start:        p.Start,
		duration:     p.Duration,
		isFinal:      p.IsFinal,
		speechFinal:  p.SpeechFinal,
		words:        append([]Word(nil), p.Words...),
		meta:         mergeMeta(streamID, meta),
	}
}

func (t TranscriptFrame) Kind() Kind              { return KindTranscript }
func (t TranscriptFrame) PTS() int64              { return t.pts }
func (t TranscriptFrame) Meta() map[string]string { return cloneMeta(t.meta) }
func (t TranscriptFrame) Text() string            { return t.text }
func (t TranscriptFrame) ChannelIndex() int       { return t.channelIndex }
func (t TranscriptFrame) Start() float64          { return t.start }
func (t TranscriptFrame) Duration() float64       { return t.duration }
func (t TranscriptFrame) IsFinal() bool           { return t.isFinal }
func (t TranscriptFrame) SpeechFinal() bool       { return t.speechFinal }
func (t TranscriptFrame) Words() []Word           { return append([]Word(nil), t.words...) }

type ControlFrame struct {
	pts  int64
	code ControlCode
	meta map[string]string
}

func NewControlFrame(streamID string, pts int64, code ControlCode, meta map[string]string) ControlFrame {
	return ControlFrame{
		pts:  pts,
		code: code,
		meta: mergeMeta(streamID, meta),
	}
}

func (c ControlFrame) Kind() Kind              { return KindControl }
func (c ControlFrame) PTS() int64              { return c.pts }
func (c ControlFrame) Meta() map[string]string { return cloneMeta(c.meta) }
func (c ControlFrame) Code() ControlCode       { return c.code }

// ErrorFrame reports an upstream recognizer failure. It is terminal for the stream.
type ErrorFrame struct {
	pts  int64
	err  error
	meta map[string]string
}

func NewErrorFrame(streamID string, pts int64, err error, meta map[string]string) ErrorFrame {
	return ErrorFrame{pts: pts, err: err, meta: mergeMeta(streamID, meta)}
}

func (e ErrorFrame) Kind() Kind              { return KindError }
func (e ErrorFrame) PTS() int64              { return e.pts }
func (e ErrorFrame) Meta() map[string]string { return cloneMeta(e.meta) }
func (e ErrorFrame) Err() error              { return e.err }

var audioBufPool = sync.Pool{
	New: func() any {
		return make([]byte, 0, 6400)
	},
}

func AcquireAudioBuf(size int) []byte {
	b := audioBufPool.Get().([]byte)
	if cap(b) < size {
		return make([]byte, size)
	}
	return b[:size]
}

func ReleaseAudioBuf(b []byte) {
	audioBufPool.Put(b[:0])
}

func mergeMeta(streamID string, meta map[string]string) map[string]string {
	out := make(map[string]string, 2+len(meta))
	if streamID != "" {
		out[MetaStreamID] = streamID
	}
	for k, v := range meta {
		out[k] = v
	}
	return out
}

func cloneMeta(meta map[string]string) map[string]string {
	out := make(map[string]string, len(meta))
	for k, v := range meta {
		out[k] = v
	}
	return out
}
