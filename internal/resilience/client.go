package resilience

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"strconv"
	"time"
)

const maxRetryAfter = 5 * time.Second

// HTTPClient sends requests to one upstream with a per-attempt timeout,
// retries for transport errors, 429 and 5xx, and a shared breaker.
// Callers must make retried requests safe, e.g. with an idempotency key.
type HTTPClient struct {
	Client      *http.Client
	Breaker     *Breaker
	BaseBackoff time.Duration
	MaxAttempts int
	Jitter      float64
	Timeout     time.Duration
}

// Do sends req until it gets a non-retryable answer or attempts run out.
// The last retryable response is returned as is so callers can read the
// upstream error body.
func (c HTTPClient) Do(ctx context.Context, req *http.Request) (*http.Response, error) {
	if c.Client == nil {
		return nil, errors.New("resilience: http client not configured")
	}
	attempts := c.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	body, err := bufferBody(req)
	if err != nil {
		return nil, err
	}
	target := "default"
	if c.Breaker != nil {
		target = c.Breaker.Target()
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if c.Breaker != nil && !c.Breaker.Allow(ctx) {
			upstreamAttempts.WithLabelValues(target, "rejected").Inc()
			if lastErr != nil {
				return nil, fmt.Errorf("%w: %v", ErrOpenCircuit, lastErr)
			}
			return nil, ErrOpenCircuit
		}
		resp, err := c.attempt(ctx, req, body)
		retry, wait := classify(resp, err)
		c.report(ctx, err == nil && (resp.StatusCode < 500))
		switch {
		case err != nil:
			upstreamAttempts.WithLabelValues(target, "error").Inc()
			lastErr = err
		case retry:
			upstreamAttempts.WithLabelValues(target, "retryable").Inc()
			lastErr = fmt.Errorf("upstream status %s", resp.Status)
		default:
			upstreamAttempts.WithLabelValues(target, "ok").Inc()
			return resp, nil
		}
		if !retry || attempt == attempts || ctx.Err() != nil {
			if resp != nil {
				return resp, nil
			}
			return nil, lastErr
		}
		drain(resp)
		if wait <= 0 {
			wait = Backoff(c.BaseBackoff, attempt, c.Jitter)
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
	return nil, lastErr
}

func (c HTTPClient) attempt(ctx context.Context, req *http.Request, body []byte) (*http.Response, error) {
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = c.Client.Timeout
	}
	callCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, timeout)
		resp, err := c.Client.Do(withBody(req.Clone(callCtx), body))
		if err != nil {
			cancel()
			return nil, err
		}
		resp.Body = &cancelOnClose{ReadCloser: resp.Body, cancel: cancel}
		return resp, nil
	}
	return c.Client.Do(withBody(req.Clone(callCtx), body))
}

func (c HTTPClient) report(ctx context.Context, ok bool) {
	if c.Breaker != nil {
		c.Breaker.Report(ctx, ok)
	}
}

// classify decides whether an outcome is worth another attempt and how long
// the upstream asked us to wait.
func classify(resp *http.Response, err error) (bool, time.Duration) {
	if err != nil {
		return !errors.Is(err, context.Canceled), 0
	}
	switch {
	case resp.StatusCode == http.StatusTooManyRequests, resp.StatusCode == http.StatusServiceUnavailable:
		return true, retryAfter(resp.Header.Get("Retry-After"))
	case resp.StatusCode >= 500:
		return true, 0
	}
	return false, 0
}

func retryAfter(v string) time.Duration {
	secs, err := strconv.Atoi(v)
	if err != nil || secs <= 0 {
		return 0
	}
	d := time.Duration(secs) * time.Second
	if d > maxRetryAfter {
		return maxRetryAfter
	}
	return d
}

// Backoff doubles base per attempt. jitter is a fraction of the delay
// applied in both directions.
func Backoff(base time.Duration, attempt int, jitter float64) time.Duration {
	if base <= 0 {
		base = 100 * time.Millisecond
	}
	if attempt < 1 {
		attempt = 1
	}
	d := base << uint(attempt-1)
	if jitter <= 0 {
		return d
	}
	return d + time.Duration((rand.Float64()*2-1)*jitter*float64(d))
}

func bufferBody(req *http.Request) ([]byte, error) {
	if req.Body == nil || req.Body == http.NoBody {
		return nil, nil
	}
	defer func() { _ = req.Body.Close() }()
	data, err := io.ReadAll(req.Body)
	if err != nil {
		return nil, fmt.Errorf("buffer request body: %w", err)
	}
	return data, nil
}

func withBody(req *http.Request, body []byte) *http.Request {
	if body == nil {
		return req
	}
	req.Body = io.NopCloser(bytes.NewReader(body))
	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(body)), nil
	}
	req.ContentLength = int64(len(body))
	return req
}

func drain(resp *http.Response) {
	if resp == nil || resp.Body == nil {
		return
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	_ = resp.Body.Close()
}

type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelOnClose) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}
