// Package httpretry wraps an HTTP client with bounded retries for calls
// to backend send APIs. Transient failures (connection errors, 429, 5xx)
// are retried with jittered exponential backoff; client errors are not.
package httpretry

import (
	"fmt"
	"io"
	"log"
	"math/rand"
	"net/http"
	"strconv"
	"time"
)

// HTTPDoer executes a single HTTP request. *http.Client satisfies it,
// as does *RetryClient, so adapters can take either.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// RetryClient retries transient failures on top of an underlying HTTPDoer.
type RetryClient struct {
	inner      HTTPDoer
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

// NewRetryClient wraps inner with up to maxRetries retries after the
// first attempt. A nil inner gets a 30s-timeout http.Client; a
// non-positive maxRetries becomes 2, which keeps a failing send under
// the dispatch worker's per-item deadline.
func NewRetryClient(inner HTTPDoer, maxRetries int) *RetryClient {
	if inner == nil {
		inner = &http.Client{Timeout: 30 * time.Second}
	}
	if maxRetries <= 0 {
		maxRetries = 2
	}
	return &RetryClient{
		inner:      inner,
		maxRetries: maxRetries,
		baseDelay:  500 * time.Millisecond,
		maxDelay:   15 * time.Second,
	}
}

// Do sends the request, retrying on connection errors and on 429/5xx
// responses. Requests must set GetBody (http.NewRequest does this for
// the common body types) so the body can be replayed. The last response
// is returned unconsumed, even when its status is retryable, so the
// caller can read the backend's error payload.
func (c *RetryClient) Do(req *http.Request) (*http.Response, error) {
	ctx := req.Context()
	var lastErr error

	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return nil, lastErr
			}
			return nil, err
		}

		resp, err := c.inner.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, err
			}
			lastErr = err
		} else if !retryable(resp.StatusCode) || attempt == c.maxRetries {
			return resp, nil
		} else {
			wait := c.backoff(attempt, resp.Header.Get("Retry-After"))
			io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
			lastErr = fmt.Errorf("httpretry: status %d from %s", resp.StatusCode, req.URL.Host)
			if err := c.sleep(req, attempt, wait); err != nil {
				return nil, err
			}
			continue
		}

		if attempt == c.maxRetries {
			return nil, lastErr
		}
		if err := c.sleep(req, attempt, c.backoff(attempt, "")); err != nil {
			return nil, err
		}
	}
}

// sleep waits out the backoff and rewinds the request body for the next
// attempt. It returns early when the request context ends.
func (c *RetryClient) sleep(req *http.Request, attempt int, wait time.Duration) error {
	log.Printf("[HTTPRetry] %s %s attempt %d/%d failed, retrying in %s",
		req.Method, req.URL.Host, attempt+1, c.maxRetries+1, wait)

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-req.Context().Done():
		return req.Context().Err()
	}

	if req.GetBody != nil {
		body, err := req.GetBody()
		if err != nil {
			return fmt.Errorf("httpretry: rewind request body: %w", err)
		}
		req.Body = body
	}
	return nil
}

// backoff doubles baseDelay per attempt with full jitter, capped at
// maxDelay. A parseable Retry-After (seconds form) overrides the
// computed delay when it is longer.
func (c *RetryClient) backoff(attempt int, retryAfter string) time.Duration {
	d := c.baseDelay << uint(attempt)
	if d > c.maxDelay {
		d = c.maxDelay
	}
	d = time.Duration(rand.Int63n(int64(d))) + 100*time.Millisecond

	if retryAfter != "" {
		if secs, err := strconv.Atoi(retryAfter); err == nil {
			if server := time.Duration(secs) * time.Second; server > d && server <= c.maxDelay {
				d = server
			}
		}
	}
	return d
}

// retryable reports whether the status indicates a transient backend
// condition. Client errors other than 429 are deliberate rejections and
// retrying them would just burn quota.
func retryable(status int) bool {
	return status == http.StatusTooManyRequests || status >= 500
}
