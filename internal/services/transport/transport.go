// Package transport issues outbound provider calls with per-provider
// throttling, bounded concurrency, retry with backoff and response
// classification. Every classified outcome is reported to the shared breaker.
package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand/v2"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/avast/retry-go"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/j-veylop/provider-ingest/internal/logger"
	"github.com/j-veylop/provider-ingest/internal/metrics"
	"github.com/j-veylop/provider-ingest/internal/services/breaker"
)

// maxBodySize caps how much of a response body is read.
const maxBodySize = 32 << 20

// Config holds transport settings.
type Config struct {
	RoundTripper      http.RoundTripper
	ProviderIntervals map[string]time.Duration
	UserAgent         string
	DefaultInterval   time.Duration
	BackoffUnit       time.Duration
	MaxJitter         time.Duration
	Timeout           time.Duration
	DefaultRetryAfter time.Duration
	BackoffBase       float64
	MaxAttempts       int
	MaxInFlight       int
}

// DefaultConfig returns the default transport configuration.
func DefaultConfig() Config {
	return Config{
		DefaultInterval:   time.Second,
		MaxAttempts:       3,
		BackoffBase:       2,
		BackoffUnit:       time.Second,
		MaxJitter:         time.Second,
		Timeout:           30 * time.Second,
		MaxInFlight:       16,
		DefaultRetryAfter: time.Hour,
		UserAgent:         "provider-ingest",
	}
}

// Request is one logical call to a provider.
type Request struct {
	Headers  map[string]string
	Params   url.Values
	Provider string
	URL      string
	Method   string
	Body     []byte
}

// Clone returns a copy that can be modified independently.
func (r *Request) Clone() *Request {
	c := *r
	if r.Headers != nil {
		c.Headers = make(map[string]string, len(r.Headers))
		for k, v := range r.Headers {
			c.Headers[k] = v
		}
	}
	if r.Params != nil {
		c.Params = make(url.Values, len(r.Params))
		for k, v := range r.Params {
			c.Params[k] = append([]string(nil), v...)
		}
	}
	if r.Body != nil {
		c.Body = append([]byte(nil), r.Body...)
	}
	return &c
}

// Response is a successful provider response.
type Response struct {
	Header     http.Header
	Provider   string
	Body       []byte
	StatusCode int
	Attempts   int
	Duration   time.Duration
}

// Transport is safe for concurrent use.
type Transport struct {
	client   *http.Client
	breaker  *breaker.Breaker
	sem      *semaphore.Weighted
	limiters map[string]*rate.Limiter
	cfg      Config
	mu       sync.Mutex
}

// New creates a transport reporting to b.
func New(cfg Config, b *breaker.Breaker) *Transport {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	if cfg.MaxInFlight < 1 {
		cfg.MaxInFlight = 1
	}
	if cfg.BackoffBase < 1 {
		cfg.BackoffBase = 1
	}
	if cfg.DefaultRetryAfter <= 0 {
		cfg.DefaultRetryAfter = time.Hour
	}
	rt := cfg.RoundTripper
	if rt == nil {
		rt = http.DefaultTransport
	}
	if b == nil {
		b = breaker.New(nil)
	}

	return &Transport{
		client:   &http.Client{Transport: rt},
		breaker:  b,
		sem:      semaphore.NewWeighted(int64(cfg.MaxInFlight)),
		limiters: make(map[string]*rate.Limiter),
		cfg:      cfg,
	}
}

// Breaker returns the breaker this transport reports to.
func (t *Transport) Breaker() *breaker.Breaker {
	return t.breaker
}

// SetInterval changes the minimum gap between requests to provider.
func (t *Transport) SetInterval(provider string, interval time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cfg.ProviderIntervals == nil {
		t.cfg.ProviderIntervals = make(map[string]time.Duration)
	}
	t.cfg.ProviderIntervals[provider] = interval
	if l, ok := t.limiters[provider]; ok {
		l.SetLimit(limitFor(interval))
	}
}

func limitFor(interval time.Duration) rate.Limit {
	if interval <= 0 {
		return rate.Inf
	}
	return rate.Every(interval)
}

func (t *Transport) limiter(provider string) *rate.Limiter {
	t.mu.Lock()
	defer t.mu.Unlock()
	if l, ok := t.limiters[provider]; ok {
		return l
	}
	interval := t.cfg.DefaultInterval
	if d, ok := t.cfg.ProviderIntervals[provider]; ok {
		interval = d
	}
	l := rate.NewLimiter(limitFor(interval), 1)
	t.limiters[provider] = l
	return l
}

// Do performs req, retrying transient failures. It fails fast with a
// *ProviderBlockedError while the provider's breaker is open and returns a
// *RateLimitedError without retrying when the provider pushes back.
func (t *Transport) Do(ctx context.Context, req *Request) (*Response, error) {
	if req == nil || req.Provider == "" {
		return nil, errors.New("transport: request must name a provider")
	}

	var (
		resp     *Response
		attempts int
	)
	err := retry.Do(
		func() error {
			attempts++
			r, err := t.attempt(ctx, req)
			if err != nil {
				return err
			}
			resp = r
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(uint(t.cfg.MaxAttempts)),
		retry.RetryIf(IsTransient),
		retry.DelayType(t.backoff),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			logger.Debug("retrying provider call", "provider", req.Provider, "attempt", n+1, "error", err)
		}),
	)
	if err != nil {
		return nil, err
	}
	resp.Attempts = attempts
	return resp, nil
}

// backoff waits unit*base^attempt plus up to MaxJitter of random jitter.
func (t *Transport) backoff(n uint, _ error, _ *retry.Config) time.Duration {
	delay := time.Duration(float64(t.cfg.BackoffUnit) * math.Pow(t.cfg.BackoffBase, float64(n+1)))
	if t.cfg.MaxJitter > 0 {
		delay += rand.N(t.cfg.MaxJitter)
	}
	return delay
}

func (t *Transport) attempt(ctx context.Context, req *Request) (*Response, error) {
	provider := req.Provider
	if !t.breaker.CanUse(provider) {
		return nil, &ProviderBlockedError{Provider: provider, Until: t.breaker.State(provider).ResetTime}
	}

	if err := t.limiter(provider).Wait(ctx); err != nil {
		return nil, err
	}
	if err := t.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer t.sem.Release(1)

	callCtx := ctx
	if t.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, t.cfg.Timeout)
		defer cancel()
	}

	httpReq, err := t.buildRequest(callCtx, req)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	res, err := t.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		t.breaker.RecordFailure(provider)
		metrics.RecordCall(provider, string(OutcomeTransient), time.Since(start))
		return nil, &TransientError{Provider: provider, Err: err}
	}
	defer func() { _ = res.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(res.Body, maxBodySize))
	elapsed := time.Since(start)
	if err != nil {
		t.breaker.RecordFailure(provider)
		metrics.RecordCall(provider, string(OutcomeTransient), elapsed)
		return nil, &TransientError{Provider: provider, StatusCode: res.StatusCode, Err: fmt.Errorf("failed to read body: %w", err)}
	}

	outcome, wait := Classify(res.StatusCode, res.Header, body, t.breaker.Now(), t.cfg.DefaultRetryAfter)
	metrics.RecordCall(provider, string(outcome), elapsed)

	switch outcome {
	case OutcomeSuccess:
		t.breaker.RecordSuccess(provider)
		return &Response{
			Header:     res.Header,
			Provider:   provider,
			Body:       body,
			StatusCode: res.StatusCode,
			Duration:   elapsed,
		}, nil
	case OutcomeRateLimited:
		t.breaker.MarkRateLimited(provider, wait)
		metrics.BreakerOpened(provider)
		logger.Warn("provider rate limited", "provider", provider, "status", res.StatusCode, "retry_after", wait)
		return nil, &RateLimitedError{Provider: provider, StatusCode: res.StatusCode, RetryAfter: wait}
	default:
		t.breaker.RecordFailure(provider)
		return nil, &TransientError{
			Provider:   provider,
			StatusCode: res.StatusCode,
			Err:        fmt.Errorf("unexpected status: %s", snippet(body)),
		}
	}
}

func (t *Transport) buildRequest(ctx context.Context, req *Request) (*http.Request, error) {
	u, err := url.Parse(req.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid url %q: %w", req.URL, err)
	}
	if len(req.Params) > 0 {
		q := u.Query()
		for k, vs := range req.Params {
			for _, v := range vs {
				q.Add(k, v)
			}
		}
		u.RawQuery = q.Encode()
	}

	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	var body io.Reader
	if req.Body != nil {
		body = bytes.NewReader(req.Body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if t.cfg.UserAgent != "" {
		httpReq.Header.Set("User-Agent", t.cfg.UserAgent)
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}
	return httpReq, nil
}

func snippet(body []byte) string {
	const limit = 200
	if len(body) > limit {
		return string(body[:limit]) + "..."
	}
	return string(body)
}

// Close releases idle connections.
func (t *Transport) Close() error {
	t.client.CloseIdleConnections()
	return nil
}
