package upload

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/harunnryd/scribe/pkg/errorsx"
	"github.com/harunnryd/scribe/pkg/logging"
	"github.com/harunnryd/scribe/pkg/metrics"
	"github.com/harunnryd/scribe/pkg/resilience"
)

const conversationsPath = "/v1/conversations/from-segments"

// Uploader sends one conversation. key must be stable across retries of the
// same session so the backend can de-duplicate.
type Uploader interface {
	Upload(ctx context.Context, key string, req Request) (Response, error)
}

type Config struct {
	BaseURL string        `mapstructure:"base_url"`
	Token   string        `mapstructure:"token"`
	Timeout time.Duration `mapstructure:"timeout"`
	Retries int           `mapstructure:"retries"`
}

type Client struct {
	cfg      Config
	http     *http.Client
	retry    resilience.RetryPolicy
	breaker  *resilience.CircuitBreaker
	observer metrics.Observer
	logger   *slog.Logger
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option { return func(c *Client) { c.http = hc } }

func WithRetryPolicy(p resilience.RetryPolicy) Option { return func(c *Client) { c.retry = p } }

func WithCircuitBreaker(cb *resilience.CircuitBreaker) Option {
	return func(c *Client) { c.breaker = cb }
}

func WithObserver(obs metrics.Observer) Option { return func(c *Client) { c.observer = obs } }

func NewClient(cfg Config, opts ...Option) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Retries <= 0 {
		cfg.Retries = 2
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	c := &Client{
		cfg:      cfg,
		http:     &http.Client{Timeout: cfg.Timeout},
		retry:    resilience.NewRetryPolicy(cfg.Retries, time.Second).WithExponential(10 * time.Second),
		breaker:  resilience.NewCircuitBreaker(3, time.Minute),
		observer: metrics.NoopObserver{},
		logger:   logging.NewComponentLogger(slog.Default(), "upload"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// StatusError is a non-2xx reply other than 429.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("upload: status %d: %s", e.Code, e.Body)
}

func (c *Client) Upload(ctx context.Context, key string, req Request) (Response, error) {
	if !c.breaker.Allow() {
		return Response{}, errorsx.Wrap(
			fmt.Errorf("upload paused until %s: %w", c.breaker.OpenUntil().Format(time.RFC3339), resilience.ErrCircuitOpen),
			errorsx.ReasonUploadCircuitOpen)
	}
	body, err := json.Marshal(req)
	if err != nil {
		return Response{}, errorsx.Wrap(fmt.Errorf("encode upload: %w", err), errorsx.ReasonUpload)
	}

	started := time.Now()
	var out Response
	err = c.retry.DoContext(ctx, func(ctx context.Context) error {
		resp, err := c.post(ctx, key, body)
		if err != nil {
			c.breaker.OnError(err)
			if resilience.IsRateLimit(err) {
				return resilience.Permanent(err)
			}
			return err
		}
		out = resp
		return nil
	})
	metrics.Record(c.observer, metrics.EventUploadDuration, time.Since(started).Seconds(), nil)
	if err != nil {
		c.logger.Warn("upload_failed",
			slog.String("idempotency_key", key),
			slog.Int("segments", len(req.Segments)),
			slog.String("error", err.Error()))
		return Response{}, classify(err)
	}
	c.breaker.OnSuccess()
	c.logger.Info("upload_succeeded",
		slog.String("idempotency_key", key),
		slog.String("conversation_id", out.ID),
		slog.String("status", out.Status),
		slog.Bool("discarded", out.Discarded))
	return out, nil
}

func (c *Client) post(ctx context.Context, key string, body []byte) (Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+conversationsPath, bytes.NewReader(body))
	if err != nil {
		return Response{}, resilience.Permanent(err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if key != "" {
		httpReq.Header.Set("Idempotency-Key", key)
	}
	if c.cfg.Token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return Response{}, err
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return Response{}, resilience.RateLimitError{
			Provider:   "upload",
			Message:    strings.TrimSpace(string(raw)),
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
		}
	case resp.StatusCode >= 500:
		return Response{}, &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(raw))}
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return Response{}, resilience.Permanent(&StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(raw))})
	}

	var out Response
	if err := json.Unmarshal(raw, &out); err != nil {
		return Response{}, resilience.Permanent(fmt.Errorf("decode upload response: %w", err))
	}
	if out.ID == "" {
		return Response{}, resilience.Permanent(errors.New("decode upload response: missing id"))
	}
	out.applyDefaults()
	return out, nil
}

func classify(err error) error {
	var se *StatusError
	switch {
	case resilience.IsRateLimit(err):
		return errorsx.Wrap(err, errorsx.ReasonUploadRateLimit)
	case errors.As(err, &se) && se.Code < 500:
		return errorsx.Wrap(err, errorsx.ReasonUploadRejected)
	default:
		return errorsx.Wrap(err, errorsx.ReasonUpload)
	}
}

func parseRetryAfter(v string) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}

var _ Uploader = (*Client)(nil)
