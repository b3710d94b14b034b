package platform

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/AzielCF/az-publisher/domains/adapter"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return NewClient(Options{Platform: "twitter", BaseURL: srv.URL + "/", Token: "secret", Timeout: 2 * time.Second})
}

func TestClient_PublishSuccess(t *testing.T) {
	var gotKey, gotAuth string
	var gotBody adapter.PublishRequest
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/publish", r.URL.Path)
		gotKey = r.Header.Get("Idempotency-Key")
		gotAuth = r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		_, _ = w.Write([]byte(`{"success":true,"platform_post_id":"tw-99"}`))
	})

	res := c.Publish(context.Background(), adapter.PublishRequest{JobID: "job-1", Platform: "twitter", ContentRef: "posts/1", Attempt: 2})
	require.True(t, res.Success(), res.Message)
	assert.Equal(t, "tw-99", res.PlatformPostID)
	assert.Equal(t, "job-1", gotKey)
	assert.Equal(t, "Bearer secret", gotAuth)
	assert.Equal(t, "posts/1", gotBody.ContentRef)
	assert.Equal(t, 2, gotBody.Attempt)
}

func TestClient_PublishStructuredError(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "5")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":{"code":"rate_limited","message":"slow down","retry_after":90}}`))
	})

	res := c.Publish(context.Background(), adapter.PublishRequest{JobID: "job-1"})
	assert.Equal(t, adapter.OutcomePlatformError, res.Outcome)
	assert.Equal(t, http.StatusTooManyRequests, res.StatusCode)
	assert.Equal(t, "rate_limited", res.ErrorCode)
	assert.Equal(t, "slow down", res.Message)
	assert.Equal(t, 90*time.Second, res.RetryAfter)
}

func TestClient_PublishPlainError(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "7")
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte("upstream down"))
	})

	res := c.Publish(context.Background(), adapter.PublishRequest{JobID: "job-1"})
	assert.Equal(t, adapter.OutcomePlatformError, res.Outcome)
	assert.Equal(t, http.StatusBadGateway, res.StatusCode)
	assert.Equal(t, "upstream down", res.Message)
	assert.Equal(t, 7*time.Second, res.RetryAfter)
}

func TestClient_PublishTransportFailures(t *testing.T) {
	block := make(chan struct{})
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-block:
		case <-r.Context().Done():
		}
	})
	defer close(block)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	res := c.Publish(ctx, adapter.PublishRequest{JobID: "job-1"})
	assert.Equal(t, adapter.OutcomeTimeout, res.Outcome)

	down := NewClient(Options{Platform: "ghost", BaseURL: "http://127.0.0.1:1"})
	res = down.Publish(context.Background(), adapter.PublishRequest{JobID: "job-2"})
	assert.Equal(t, adapter.OutcomeNetworkError, res.Outcome)
}

func TestClient_Health(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/health", r.URL.Path)
		_, _ = w.Write([]byte(`{"alive":true,"capabilities":{"images":true},"sessions":[{"account":"main","valid":true}]}`))
	})

	report, err := c.Health(context.Background())
	require.NoError(t, err)
	assert.True(t, report.Alive)
	assert.True(t, report.Capabilities["images"])
	s, ok := report.Session("main")
	require.True(t, ok)
	assert.True(t, s.Valid)

	failing := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	_, err = failing.Health(context.Background())
	assert.Error(t, err)
}

func TestClient_RefreshSession(t *testing.T) {
	var account string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		account = body["account"]
		w.WriteHeader(http.StatusNoContent)
	})
	require.NoError(t, c.RefreshSession(context.Background(), "main"))
	assert.Equal(t, "main", account)

	unsupported := newTestClient(t, http.NotFound)
	assert.ErrorIs(t, unsupported.RefreshSession(context.Background(), "main"), adapter.ErrRefreshUnsupported)

	broken := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	err := broken.RefreshSession(context.Background(), "main")
	assert.Error(t, err)
	assert.NotErrorIs(t, err, adapter.ErrRefreshUnsupported)
}

func TestParseRetryAfter(t *testing.T) {
	now := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	assert.Equal(t, 30*time.Second, parseRetryAfter("30", now))
	assert.Equal(t, time.Duration(0), parseRetryAfter("", now))
	assert.Equal(t, time.Duration(0), parseRetryAfter("-4", now))
	assert.Equal(t, 2*time.Minute, parseRetryAfter(now.Add(2*time.Minute).Format(http.TimeFormat), now))
	assert.Equal(t, time.Duration(0), parseRetryAfter("soon", now))
}

func TestRegistry(t *testing.T) {
	r := NewHTTPRegistry([]Options{{Platform: "twitter", BaseURL: "http://a"}, {Platform: "ghost", BaseURL: "http://b"}})
	assert.Equal(t, []string{"ghost", "twitter"}, r.Platforms())
	a, ok := r.Get("ghost")
	require.True(t, ok)
	assert.Equal(t, "ghost", a.Platform())
	_, ok = r.Get("myspace")
	assert.False(t, ok)
}
