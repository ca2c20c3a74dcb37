package upload

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

	"github.com/harunnryd/scribe/pkg/errorsx"
	"github.com/harunnryd/scribe/pkg/resilience"
)

func fastClient(url string, opts ...Option) *Client {
	opts = append([]Option{WithRetryPolicy(resilience.RetryPolicy{MaxRetries: 2, Backoff: time.Millisecond})}, opts...)
	return NewClient(Config{BaseURL: url + "/", Token: "secret"}, opts...)
}

func sampleRequest() Request {
	started := time.Date(2026, 2, 3, 4, 5, 6, 789_000_000, time.UTC)
	return Request{
		Segments: []Segment{
			{Text: "Hello there", Speaker: SpeakerLabel(0), SpeakerID: 0, IsUser: true, Start: 0, End: 0.9},
			{Text: "Hi", Speaker: SpeakerLabel(1), SpeakerID: 1, PersonID: "p-1", Start: 1.0, End: 1.3},
		},
		Source:     "desktop",
		StartedAt:  FormatTime(started),
		FinishedAt: FormatTime(started.Add(time.Minute)),
		Language:   "en",
		Timezone:   "Europe/Berlin",
	}
}

func TestUploadSendsWireFormat(t *testing.T) {
	var body map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/conversations/from-segments", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		assert.Equal(t, "key-1", r.Header.Get("Idempotency-Key"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		_, _ = w.Write([]byte(`{"id":"conv-1"}`))
	}))
	defer srv.Close()

	resp, err := fastClient(srv.URL).Upload(context.Background(), "key-1", sampleRequest())
	require.NoError(t, err)
	assert.Equal(t, Response{ID: "conv-1", Status: StatusCompleted}, resp)

	assert.Equal(t, "2026-02-03T04:05:06.789Z", body["started_at"])
	assert.Equal(t, "Europe/Berlin", body["timezone"])
	_, hasDevice := body["input_device_name"]
	assert.False(t, hasDevice)
	segs := body["transcript_segments"].([]any)
	require.Len(t, segs, 2)
	first := segs[0].(map[string]any)
	assert.Equal(t, "SPEAKER_00", first["speaker"])
	assert.Equal(t, true, first["is_user"])
	_, hasPerson := first["person_id"]
	assert.False(t, hasPerson)
	assert.Equal(t, "p-1", segs[1].(map[string]any)["person_id"])
}

func TestUploadRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(`{"id":"conv-2","status":"processing","discarded":true}`))
	}))
	defer srv.Close()

	resp, err := fastClient(srv.URL).Upload(context.Background(), "k", sampleRequest())
	require.NoError(t, err)
	assert.Equal(t, int32(3), calls.Load())
	assert.True(t, resp.Discarded)
	assert.Equal(t, "processing", resp.Status)
}

func TestUploadRejectsClientErrorsWithoutRetry(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "bad segments", http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	_, err := fastClient(srv.URL).Upload(context.Background(), "k", sampleRequest())
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
	assert.True(t, errorsx.HasReason(err, errorsx.ReasonUploadRejected))
}

func TestUploadRateLimitOpensBreaker(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Retry-After", "120")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := fastClient(srv.URL)
	_, err := c.Upload(context.Background(), "k", sampleRequest())
	require.Error(t, err)
	assert.True(t, errorsx.HasReason(err, errorsx.ReasonUploadRateLimit))

	_, err = c.Upload(context.Background(), "k", sampleRequest())
	require.Error(t, err)
	assert.True(t, errorsx.HasReason(err, errorsx.ReasonUploadCircuitOpen))
	assert.Equal(t, int32(1), calls.Load())
}

func TestUploadMissingIDIsAnError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	_, err := fastClient(srv.URL).Upload(context.Background(), "k", sampleRequest())
	require.Error(t, err)
	assert.True(t, errorsx.HasReason(err, errorsx.ReasonUpload))
}

func TestParseRetryAfter(t *testing.T) {
	assert.Equal(t, 5*time.Second, parseRetryAfter("5"))
	assert.Equal(t, time.Duration(0), parseRetryAfter(""))
	assert.Equal(t, time.Duration(0), parseRetryAfter("soon"))
}
