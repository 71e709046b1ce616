package tools

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/kotodama-bot/kotodama/common/retry"
)

const (
	userAgent       = "Mozilla/5.0 (compatible; Kotodama/1.0)"
	maxResponseBody = 5 << 20
	webAttempts     = 3
)

// RateLimitError reports an HTTP 429 answer. RetryAfter is zero when the
// server sent no usable Retry-After header.
type RateLimitError struct {
	URL        string
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("rate limited by %s (retry after %s)", e.URL, e.RetryAfter)
	}
	return fmt.Sprintf("rate limited by %s", e.URL)
}

// StatusError reports any other non-2xx answer.
type StatusError struct {
	URL    string
	Status int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s returned HTTP %d", e.URL, e.Status)
}

// webRetry retries rate-limited requests only, waiting for the server's
// Retry-After delay when it gave one.
var webRetry = retry.Config{
	MaxAttempts:  webAttempts,
	InitialDelay: time.Second,
	MaxDelay:     10 * time.Second,
	ShouldRetry: func(err error) bool {
		var rl *RateLimitError
		return errors.As(err, &rl)
	},
	RetryAfter: func(err error) (time.Duration, bool) {
		var rl *RateLimitError
		if errors.As(err, &rl) && rl.RetryAfter > 0 {
			return rl.RetryAfter, true
		}
		return 0, false
	},
}

// webResponse is a fully read HTTP answer.
type webResponse struct {
	Status      int
	ContentType string
	Body        []byte
	FinalURL    string
}

// fetch GETs url, retrying under cfg. decorate may add headers.
func fetch(ctx context.Context, client *http.Client, url string, cfg retry.Config, decorate func(*http.Request)) (*webResponse, error) {
	var out *webResponse
	err := retry.Do(ctx, cfg, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return err
		}
		req.Header.Set("User-Agent", userAgent)
		if decorate != nil {
			decorate(req)
		}

		resp, err := client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode == http.StatusTooManyRequests {
			io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
			return &RateLimitError{URL: url, RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"), time.Now())}
		}
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return &StatusError{URL: url, Status: resp.StatusCode}
		}

		body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
		if err != nil {
			return fmt.Errorf("read body: %w", err)
		}
		out = &webResponse{
			Status:      resp.StatusCode,
			ContentType: resp.Header.Get("Content-Type"),
			Body:        body,
			FinalURL:    resp.Request.URL.String(),
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// parseRetryAfter accepts both the delta-seconds and the HTTP-date forms.
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
