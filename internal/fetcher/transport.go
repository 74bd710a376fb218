package fetcher

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"math/rand/v2"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const (
	// DefaultMaxRetries is how many times one request is re-sent after a
	// retryable response or transport error.
	DefaultMaxRetries = 8

	maxBackoff = 60 * time.Second

	// resetGrace is added to a reset timestamp before a request is retried.
	resetGrace = 2 * time.Second

	// maxSniff bounds how much of a 403 body is read to look for a rate-limit
	// message.
	maxSniff = 64 << 10
)

// QuotaTransport is an http.RoundTripper that records rate-limit headers in a
// QuotaTable and retries throttled, server-error and network-failed requests.
//
//   - 429, or 403 carrying a rate-limit signal: wait exactly Retry-After when
//     present, otherwise back off.
//   - 5xx and transport errors: back off.
//   - 401, 404, 422: returned immediately.
//
// Backoff is min(60s, 2^attempt) scaled by a factor drawn from [0.8, 1.2).
type QuotaTransport struct {
	Base       http.RoundTripper
	Quotas     *QuotaTable
	Logger     *slog.Logger
	MaxRetries int

	// Sleep and Jitter are replaceable in tests.
	Sleep  func(ctx context.Context, d time.Duration) error
	Jitter func() float64
	Now    func() time.Time
}

// NewQuotaTransport wraps base. A nil base uses http.DefaultTransport.
func NewQuotaTransport(base http.RoundTripper, quotas *QuotaTable, logger *slog.Logger) *QuotaTransport {
	if logger == nil {
		logger = slog.Default()
	}
	return &QuotaTransport{
		Base:       base,
		Quotas:     quotas,
		Logger:     logger,
		MaxRetries: DefaultMaxRetries,
	}
}

// Middleware adapts the transport to github.WithMiddleware.
func (t *QuotaTransport) Middleware(base http.RoundTripper) http.RoundTripper {
	t.Base = base
	return t
}

func (t *QuotaTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	ctx := req.Context()
	base := t.Base
	if base == nil {
		base = http.DefaultTransport
	}
	maxRetries := t.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	}
	resource := resourceForPath(req.URL.Path)

	if err := t.waitForReset(ctx, resource); err != nil {
		return nil, err
	}

	for attempt := 0; ; attempt++ {
		r, err := t.prepare(req, attempt)
		if err != nil {
			return nil, err
		}

		resp, err := base.RoundTrip(r)
		if err != nil {
			if ctx.Err() != nil || attempt >= maxRetries || !replayable(req) {
				return nil, err
			}
			wait := t.backoff(attempt)
			t.Logger.Warn("github api network error, retrying",
				"url", req.URL.String(), "attempt", attempt+1, "max_attempts", maxRetries+1, "wait", wait, "error", err)
			if err := t.sleep(ctx, wait); err != nil {
				return nil, err
			}
			continue
		}

		t.Quotas.UpdateFromResponse(resp)

		wait, retry := t.classify(req, resp, attempt)
		if !retry {
			return resp, nil
		}
		if attempt >= maxRetries || !replayable(req) {
			t.Logger.Error("github api request failed after retries",
				"url", req.URL.String(), "status", resp.StatusCode, "attempts", attempt+1)
			return resp, nil
		}

		drain(resp)
		t.Logger.Warn("github api request throttled or failed, retrying",
			"url", req.URL.String(), "status", resp.StatusCode, "attempt", attempt+1, "max_attempts", maxRetries+1, "wait", wait)
		if err := t.sleep(ctx, wait); err != nil {
			return nil, err
		}
	}
}

// classify decides whether resp should be retried and how long to wait first.
func (t *QuotaTransport) classify(req *http.Request, resp *http.Response, attempt int) (time.Duration, bool) {
	switch code := resp.StatusCode; {
	case code < 400:
		return 0, false
	case code == http.StatusUnauthorized:
		t.Logger.Error("github api authentication failed; check the token", "url", req.URL.String())
		return 0, false
	case code == http.StatusNotFound, code == http.StatusUnprocessableEntity:
		t.Logger.Debug("github api request returned no result", "url", req.URL.String(), "status", code)
		return 0, false
	case code == http.StatusTooManyRequests:
		return t.throttleWait(resp, attempt), true
	case code == http.StatusForbidden:
		if !rateLimited(resp) {
			t.Logger.Warn("github api request forbidden", "url", req.URL.String())
			return 0, false
		}
		return t.throttleWait(resp, attempt), true
	case code >= 500:
		return t.backoff(attempt), true
	default:
		return 0, false
	}
}

func (t *QuotaTransport) throttleWait(resp *http.Response, attempt int) time.Duration {
	if d, ok := retryAfter(resp.Header); ok {
		return d
	}
	return t.backoff(attempt)
}

func (t *QuotaTransport) backoff(attempt int) time.Duration {
	return Backoff(attempt, t.jitter())
}

// Backoff returns min(60s, 2^attempt seconds) * factor.
func Backoff(attempt int, factor float64) time.Duration {
	base := maxBackoff
	if attempt < 6 {
		base = time.Duration(math.Pow(2, float64(attempt))) * time.Second
	}
	if base > maxBackoff {
		base = maxBackoff
	}
	return time.Duration(math.Round(float64(base) * factor))
}

// waitForReset blocks until the reset time (plus grace) when the resource's
// cached remaining count is exhausted.
func (t *QuotaTransport) waitForReset(ctx context.Context, resource string) error {
	quota, ok := t.Quotas.Get(resource)
	if !ok || quota.Remaining > 0 || quota.Reset.IsZero() {
		return nil
	}
	wait := quota.Reset.Add(resetGrace).Sub(t.now())
	if wait <= 0 {
		return nil
	}
	t.Logger.Warn("github api rate limit reached, waiting for reset", "resource", resource, "wait", wait.Round(time.Second))
	return t.sleep(ctx, wait)
}

func (t *QuotaTransport) prepare(req *http.Request, attempt int) (*http.Request, error) {
	if attempt == 0 {
		return req, nil
	}
	r := req.Clone(req.Context())
	if req.Body != nil && req.Body != http.NoBody {
		body, err := req.GetBody()
		if err != nil {
			return nil, fmt.Errorf("replay request body: %w", err)
		}
		r.Body = body
	}
	return r, nil
}

func (t *QuotaTransport) sleep(ctx context.Context, d time.Duration) error {
	if t.Sleep != nil {
		return t.Sleep(ctx, d)
	}
	return Sleep(ctx, d)
}

func (t *QuotaTransport) jitter() float64 {
	if t.Jitter != nil {
		return t.Jitter()
	}
	return 0.8 + rand.Float64()*0.4
}

func (t *QuotaTransport) now() time.Time {
	if t.Now != nil {
		return t.Now()
	}
	return time.Now()
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func replayable(req *http.Request) bool {
	return req.Body == nil || req.Body == http.NoBody || req.GetBody != nil
}

// rateLimited reports whether a 403 is a rate-limit rejection rather than a
// permission error. The body is restored after sniffing.
func rateLimited(resp *http.Response) bool {
	if resp.Header.Get("Retry-After") != "" || resp.Header.Get("X-RateLimit-Remaining") == "0" {
		return true
	}
	if resp.Body == nil {
		return false
	}
	b, err := io.ReadAll(io.LimitReader(resp.Body, maxSniff))
	rest := resp.Body
	resp.Body = struct {
		io.Reader
		io.Closer
	}{io.MultiReader(bytes.NewReader(b), rest), rest}
	if err != nil && !errors.Is(err, io.EOF) {
		return false
	}
	return strings.Contains(strings.ToLower(string(b)), "rate limit")
}

func retryAfter(h http.Header) (time.Duration, bool) {
	raw := strings.TrimSpace(h.Get("Retry-After"))
	if raw == "" {
		return 0, false
	}
	if secs, err := strconv.Atoi(raw); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second, true
	}
	if at, err := http.ParseTime(raw); err == nil {
		return max(time.Until(at), 0), true
	}
	return 0, false
}

func resourceForPath(path string) string {
	path = strings.TrimPrefix(path, "/api/v3")
	switch {
	case strings.HasPrefix(path, "/search/code"):
		return "code_search"
	case strings.HasPrefix(path, "/search"):
		return "search"
	case strings.HasPrefix(path, "/graphql"), strings.HasPrefix(path, "/api/graphql"):
		return "graphql"
	default:
		return DefaultResource
	}
}

func drain(resp *http.Response) {
	if resp == nil || resp.Body == nil {
		return
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxSniff))
	_ = resp.Body.Close()
}
