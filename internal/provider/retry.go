package provider

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"
)

const (
	maxAttempts       = 3
	defaultRetryDelay = time.Second
)

// StatusError is a non-200 HTTP response.
type StatusError struct {
	Source string
	Code   int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s API error %d: %s", e.Source, e.Code, e.Body)
}

func (e *StatusError) throttled() bool { return e.Code == http.StatusTooManyRequests }

func (e *StatusError) retryable() bool { return e.throttled() || e.Code >= 500 }

// statusBackOff waits delay*2^n after a 429 and delay*(n+1) after a server
// or network failure, n being the number of failures so far minus one.
type statusBackOff struct {
	delay     time.Duration
	failures  int
	throttled bool
}

func (b *statusBackOff) Reset() {
	b.failures = 0
	b.throttled = false
}

func (b *statusBackOff) NextBackOff() time.Duration {
	n := b.failures - 1
	if b.throttled {
		return b.delay << n
	}
	return b.delay * time.Duration(n+1)
}

func (b *statusBackOff) observe(err error) {
	b.failures++
	var se *StatusError
	b.throttled = errors.As(err, &se) && se.throttled()
}

// fetch GETs url through the limiter, retrying throttling, 5xx and transport
// failures up to three attempts. Other 4xx responses fail at once.
func fetch(ctx context.Context, client *http.Client, limiter *RateLimiter, delay time.Duration, source, url string) ([]byte, error) {
	bo := &statusBackOff{delay: delay}
	op := func() ([]byte, error) {
		body, err := fetchOnce(ctx, client, limiter, source, url)
		if err == nil {
			return body, nil
		}
		if ctx.Err() != nil {
			return nil, backoff.Permanent(ctx.Err())
		}
		var se *StatusError
		if errors.As(err, &se) && !se.retryable() {
			return nil, backoff.Permanent(err)
		}
		bo.observe(err)
		return nil, err
	}
	return backoff.Retry(ctx, op,
		backoff.WithBackOff(bo),
		backoff.WithMaxTries(maxAttempts),
		backoff.WithMaxElapsedTime(0),
	)
}

func fetchOnce(ctx context.Context, client *http.Client, limiter *RateLimiter, source, url string) ([]byte, error) {
	if err := limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit wait: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, backoff.Permanent(err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &StatusError{Source: source, Code: resp.StatusCode, Body: string(body)}
	}
	return body, nil
}
