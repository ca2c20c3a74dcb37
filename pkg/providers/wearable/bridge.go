package wearable

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	adaptaudio "github.com/harunnryd/scribe/pkg/adapters/audio"
	"github.com/harunnryd/scribe/pkg/audio"
	"github.com/harunnryd/scribe/pkg/logging"
)

type Config struct {
	ListenAddr     string   `mapstructure:"listen_addr"`
	Path           string   `mapstructure:"path"`
	AllowAnyOrigin bool     `mapstructure:"allow_any_origin"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

func (c Config) withDefaults() Config {
	if c.ListenAddr == "" {
		c.ListenAddr = "127.0.0.1:8765"
	}
	if c.Path == "" {
		c.Path = "/wearable"
	}
	if !c.AllowAnyOrigin && len(c.AllowedOrigins) == 0 {
		c.AllowAnyOrigin = true
	}
	return c
}

// Event is one message from the companion process that talks to the device.
//
//	{"event":"hello","device":"Omi DevKit 2"}
//	{"event":"audio","payload":"<base64 16 kHz mono s16le>"}
//	{"event":"button","state":2}
type Event struct {
	Event   string `json:"event"`
	Device  string `json:"device,omitempty"`
	Payload string `json:"payload,omitempty"`
	State   int    `json:"state,omitempty"`
}

// Bridge exposes a Bluetooth wearable relayed over a websocket as an audio source.
// Only one device connection is active; a new one replaces the old.
type Bridge struct {
	cfg      Config
	server   *http.Server
	upgrader websocket.Upgrader
	logger   *slog.Logger

	// OnDisconnect is called when the active device connection ends.
	OnDisconnect func()

	mu      sync.Mutex
	conn    *conn
	device  string
	onChunk adaptaudio.ChunkFunc
	onLevel adaptaudio.LevelFunc

	buttons  chan adaptaudio.ButtonState
	draining atomic.Bool
}

func New(cfg Config) *Bridge {
	cfg = cfg.withDefaults()
	b := &Bridge{
		cfg: cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  8192,
			WriteBufferSize: 1024,
		},
		logger:  logging.NewComponentLogger(slog.Default(), "wearable_bridge"),
		buttons: make(chan adaptaudio.ButtonState, 16),
	}
	b.upgrader.CheckOrigin = b.checkOrigin
	return b
}

func (b *Bridge) Name() string { return "wearable_bridge" }

func (b *Bridge) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	mux := http.NewServeMux()
	mux.Handle(b.cfg.Path, b)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	b.server = &http.Server{
		Addr:              b.cfg.ListenAddr,
		ReadHeaderTimeout: 5 * time.Second,
		Handler:           mux,
	}
	go func() {
		<-ctx.Done()
		_ = b.Stop()
	}()
	go func() {
		if err := b.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			b.logger.Error("wearable_bridge_server_error", slog.String("error", err.Error()))
		}
	}()
	b.logger.Info("wearable_bridge_listening",
		slog.String("addr", b.cfg.ListenAddr),
		slog.String("path", b.cfg.Path))
	return nil
}

func (b *Bridge) Stop() error {
	if !b.draining.CompareAndSwap(false, true) {
		return nil
	}
	if b.server != nil {
		_ = b.server.Close()
	}
	b.mu.Lock()
	c := b.conn
	b.conn = nil
	b.mu.Unlock()
	if c != nil {
		_ = c.close()
	}
	return nil
}

func (b *Bridge) Connected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.conn != nil
}

func (b *Bridge) DeviceName() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.device
}

func (b *Bridge) StartCapture(onChunk adaptaudio.ChunkFunc, onLevel adaptaudio.LevelFunc) error {
	b.mu.Lock()
	b.onChunk = onChunk
	b.onLevel = onLevel
	c := b.conn
	b.mu.Unlock()
	if c != nil {
		_ = c.enqueue(map[string]any{"event": "capture", "active": true})
	}
	return nil
}

func (b *Bridge) StopCapture() {
	b.mu.Lock()
	b.onChunk = nil
	b.onLevel = nil
	c := b.conn
	b.mu.Unlock()
	if c != nil {
		_ = c.enqueue(map[string]any{"event": "capture", "active": false})
	}
}

func (b *Bridge) Buttons(ctx context.Context) <-chan adaptaudio.ButtonState {
	out := make(chan adaptaudio.ButtonState)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case s := <-b.buttons:
				select {
				case out <- s:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out
}

func (b *Bridge) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if b.draining.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	ws, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	c := &conn{ws: ws, sendCh: make(chan []byte, 16)}
	go c.loop()

	b.mu.Lock()
	old := b.conn
	b.conn = c
	capturing := b.onChunk != nil
	b.mu.Unlock()
	if old != nil {
		_ = old.close()
	}
	if capturing {
		_ = c.enqueue(map[string]any{"event": "capture", "active": true})
	}
	b.logger.Info("wearable_connected", slog.String("remote", r.RemoteAddr))

	for {
		_, msg, err := ws.ReadMessage()
		if err != nil {
			break
		}
		var evt Event
		if err := json.Unmarshal(msg, &evt); err != nil {
			continue
		}
		b.handle(evt)
	}
	b.detach(c)
}

func (b *Bridge) handle(evt Event) {
	switch evt.Event {
	case "hello":
		b.mu.Lock()
		b.device = evt.Device
		b.mu.Unlock()
		b.logger.Info("wearable_hello", slog.String("device", evt.Device))
	case "audio":
		payload, err := base64.StdEncoding.DecodeString(evt.Payload)
		if err != nil || len(payload) == 0 {
			return
		}
		b.mu.Lock()
		onChunk, onLevel := b.onChunk, b.onLevel
		b.mu.Unlock()
		if onLevel != nil {
			onLevel(audio.Level(payload))
		}
		if onChunk != nil {
			onChunk(payload)
		}
	case "button":
		state := adaptaudio.ButtonState(evt.State)
		b.logger.Debug("wearable_button", slog.String("state", state.String()))
		select {
		case b.buttons <- state:
		default:
			b.logger.Warn("wearable_button_dropped", slog.String("state", state.String()))
		}
	}
}

func (b *Bridge) detach(c *conn) {
	_ = c.close()
	b.mu.Lock()
	if b.conn != c {
		b.mu.Unlock()
		return
	}
	b.conn = nil
	b.mu.Unlock()
	b.logger.Info("wearable_disconnected")
	if b.OnDisconnect != nil {
		b.OnDisconnect()
	}
}

func (b *Bridge) checkOrigin(r *http.Request) bool {
	if b.cfg.AllowAnyOrigin {
		return true
	}
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	origin = strings.TrimRight(origin, "/")
	originHost := strings.TrimPrefix(origin, "https://")
	originHost = strings.TrimPrefix(originHost, "http://")
	for _, allowed := range b.cfg.AllowedOrigins {
		a := strings.TrimRight(strings.TrimSpace(allowed), "/")
		if a == "" {
			continue
		}
		if strings.HasPrefix(a, "http://") || strings.HasPrefix(a, "https://") {
			if strings.EqualFold(a, origin) {
				return true
			}
			continue
		}
		if strings.EqualFold(a, originHost) {
			return true
		}
	}
	return false
}

type conn struct {
	ws     *websocket.Conn
	sendCh chan []byte
	closed atomic.Bool
	mu     sync.Mutex
}

func (c *conn) enqueue(msg map[string]any) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed.Load() {
		return nil
	}
	select {
	case c.sendCh <- body:
	default:
	}
	return nil
}

func (c *conn) loop() {
	for msg := range c.sendCh {
		_ = c.ws.WriteMessage(websocket.TextMessage, msg)
	}
}

func (c *conn) close() error {
	c.mu.Lock()
	if c.closed.CompareAndSwap(false, true) {
		close(c.sendCh)
	}
	c.mu.Unlock()
	return c.ws.Close()
}

var (
	_ adaptaudio.Wearable    = (*Bridge)(nil)
	_ adaptaudio.DeviceNamer = (*Bridge)(nil)
)
