package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/AzielCF/az-publisher/domains/adapter"
	"github.com/sirupsen/logrus"
)

const (
	defaultTimeout = 30 * time.Second
	maxBodyBytes   = 64 << 10
)

// Options configures one platform adapter endpoint.
type Options struct {
	Platform string
	BaseURL  string
	Token    string
	Timeout  time.Duration
}

// Client talks to a platform adapter service over HTTP.
type Client struct {
	platform string
	baseURL  string
	token    string
	http     *http.Client
}

var _ adapter.Adapter = (*Client)(nil)

func NewClient(opts Options) *Client {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		platform: opts.Platform,
		baseURL:  strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/"),
		token:    opts.Token,
		http:     &http.Client{Timeout: timeout},
	}
}

func (c *Client) Platform() string { return c.platform }

type publishResponse struct {
	Success        bool       `json:"success"`
	PlatformPostID string     `json:"platform_post_id"`
	Error          *errorBody `json:"error,omitempty"`
}

type errorBody struct {
	Code       string  `json:"code"`
	Message    string  `json:"message"`
	RetryAfter float64 `json:"retry_after,omitempty"`
}

func (c *Client) newRequest(ctx context.Context, method, path string, body interface{}) (*http.Request, error) {
	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		bodyReader = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	return req, nil
}

// Health calls GET /health.
func (c *Client) Health(ctx context.Context) (adapter.HealthReport, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/health", nil)
	if err != nil {
		return adapter.HealthReport{}, err
	}
	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return adapter.HealthReport{}, fmt.Errorf("%s health: %w", c.platform, err)
	}
	defer resp.Body.Close()

	data, _ := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if resp.StatusCode >= 400 {
		return adapter.HealthReport{}, fmt.Errorf("%s health: status=%d body=%s", c.platform, resp.StatusCode, strings.TrimSpace(string(data)))
	}
	var report adapter.HealthReport
	if len(bytes.TrimSpace(data)) > 0 {
		if err := json.Unmarshal(data, &report); err != nil {
			return adapter.HealthReport{}, fmt.Errorf("%s health: decode: %w", c.platform, err)
		}
	} else {
		report.Alive = true
	}
	report.Latency = time.Since(start)
	return report, nil
}

// Publish calls POST /publish. The job id is sent as the idempotency key so a
// retried attempt cannot publish twice.
func (c *Client) Publish(ctx context.Context, in adapter.PublishRequest) adapter.Result {
	start := time.Now()
	req, err := c.newRequest(ctx, http.MethodPost, "/publish", in)
	if err != nil {
		return adapter.Result{Outcome: adapter.OutcomePlatformError, ErrorCode: "invalid_request", Message: err.Error()}
	}
	req.Header.Set("Idempotency-Key", in.JobID)

	resp, err := c.http.Do(req)
	if err != nil {
		return adapter.Result{Outcome: transportOutcome(ctx, err), Message: err.Error(), Err: err, Latency: time.Since(start)}
	}
	defer resp.Body.Close()

	data, _ := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	res := adapter.Result{StatusCode: resp.StatusCode, Latency: time.Since(start)}

	var body publishResponse
	decodeErr := json.Unmarshal(data, &body)

	if resp.StatusCode < 300 && decodeErr == nil && body.Success {
		res.Outcome = adapter.OutcomeSuccess
		res.PlatformPostID = body.PlatformPostID
		return res
	}

	res.Outcome = adapter.OutcomePlatformError
	res.RetryAfter = parseRetryAfter(resp.Header.Get("Retry-After"), time.Now())
	switch {
	case decodeErr == nil && body.Error != nil:
		res.ErrorCode = body.Error.Code
		res.Message = body.Error.Message
		if body.Error.RetryAfter > 0 {
			res.RetryAfter = time.Duration(body.Error.RetryAfter * float64(time.Second))
		}
	case decodeErr == nil && resp.StatusCode < 300:
		res.Message = "adapter reported failure without error detail"
	default:
		res.Message = strings.TrimSpace(string(data))
	}
	if res.Message == "" {
		res.Message = http.StatusText(resp.StatusCode)
	}
	logrus.WithFields(logrus.Fields{
		"platform": c.platform,
		"job":      in.JobID,
		"status":   resp.StatusCode,
		"code":     res.ErrorCode,
	}).Debug("[ADAPTER] Publish rejected")
	return res
}

// RefreshSession calls POST /session/refresh. A 404 or 405 means the adapter
// has no refresh support.
func (c *Client) RefreshSession(ctx context.Context, account string) error {
	req, err := c.newRequest(ctx, http.MethodPost, "/session/refresh", map[string]string{"account": account})
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s session refresh: %w", c.platform, err)
	}
	defer resp.Body.Close()

	data, _ := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	switch {
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusMethodNotAllowed:
		return adapter.ErrRefreshUnsupported
	case resp.StatusCode >= 400:
		return fmt.Errorf("%s session refresh: status=%d body=%s", c.platform, resp.StatusCode, strings.TrimSpace(string(data)))
	}
	return nil
}

func transportOutcome(ctx context.Context, err error) adapter.Outcome {
	if errors.Is(err, context.DeadlineExceeded) || ctx.Err() == context.DeadlineExceeded {
		return adapter.OutcomeTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return adapter.OutcomeTimeout
	}
	return adapter.OutcomeNetworkError
}

// parseRetryAfter accepts delta-seconds or an HTTP date.
func parseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := t.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}

// Registry is a fixed set of adapters keyed by platform.
type Registry struct {
	adapters map[string]adapter.Adapter
}

var _ adapter.Registry = (*Registry)(nil)

func NewRegistry(list ...adapter.Adapter) *Registry {
	r := &Registry{adapters: make(map[string]adapter.Adapter, len(list))}
	for _, a := range list {
		r.adapters[a.Platform()] = a
	}
	return r
}

// NewHTTPRegistry builds an HTTP client per option.
func NewHTTPRegistry(opts []Options) *Registry {
	list := make([]adapter.Adapter, 0, len(opts))
	for _, o := range opts {
		list = append(list, NewClient(o))
	}
	return NewRegistry(list...)
}

func (r *Registry) Get(platform string) (adapter.Adapter, bool) {
	a, ok := r.adapters[platform]
	return a, ok
}

func (r *Registry) Platforms() []string {
	out := make([]string, 0, len(r.adapters))
	for p := range r.adapters {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}
