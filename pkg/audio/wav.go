package audio

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// WAVRecorder writes interleaved 16-bit PCM to a WAV file.
type WAVRecorder struct {
	mu       sync.Mutex
	path     string
	file     *os.File
	enc      *wav.Encoder
	format   *goaudio.Format
	channels int
	samples  int64
}

// NewWAVRecorder creates path (and its directory) and prepares the encoder.
func NewWAVRecorder(path string, sampleRate, channels int) (*WAVRecorder, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create recordings dir: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create wav: %w", err)
	}
	return &WAVRecorder{
		path:     path,
		file:     f,
		enc:      wav.NewEncoder(f, sampleRate, 16, channels, 1),
		format:   &goaudio.Format{SampleRate: sampleRate, NumChannels: channels},
		channels: channels,
	}, nil
}

// SessionPath returns the recording path for a ledger session.
func SessionPath(dir string, sessionID int64) string {
	return filepath.Join(dir, fmt.Sprintf("session-%d.wav", sessionID))
}

func (r *WAVRecorder) Path() string { return r.path }

// Write appends little-endian PCM.
func (r *WAVRecorder) Write(pcm []byte) error {
	n := len(pcm) / 2
	if n == 0 {
		return nil
	}
	buf := &goaudio.IntBuffer{
		Data:           make([]int, n),
		Format:         r.format,
		SourceBitDepth: 16,
	}
	for i := 0; i < n; i++ {
		buf.Data[i] = int(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.enc == nil {
		return fmt.Errorf("wav recorder closed")
	}
	if err := r.enc.Write(buf); err != nil {
		return err
	}
	r.samples += int64(n)
	return nil
}

// Frames returns the number of sample frames written.
func (r *WAVRecorder) Frames() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.samples / int64(r.channels)
}

// Close finalises the WAV header and closes the file.
func (r *WAVRecorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.enc == nil {
		return nil
	}
	err := r.enc.Close()
	r.enc = nil
	if cerr := r.file.Close(); err == nil {
		err = cerr
	}
	return err
}
