package fetcher

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"repolizer/internal/data"
)

type sleepRecorder struct {
	waits []time.Duration
}

func (s *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	s.waits = append(s.waits, d)
	return ctx.Err()
}

func newTestTransport(rec *sleepRecorder) *QuotaTransport {
	tr := NewQuotaTransport(http.DefaultTransport, NewQuotaTable(nil), nil)
	tr.Sleep = rec.sleep
	tr.Jitter = func() float64 { return 1.0 }
	return tr
}

func get(t *testing.T, tr http.RoundTripper, url string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, url, nil)
	require.NoError(t, err)
	resp, err := tr.RoundTrip(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func TestQuotaTransport_RetryAfterHonoredExactly(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.Header().Set("Retry-After", "7")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Header().Set("X-RateLimit-Limit", "5000")
		w.Header().Set("X-RateLimit-Remaining", "4998")
		_, _ = w.Write([]byte("{}"))
	}))
	t.Cleanup(server.Close)

	rec := &sleepRecorder{}
	tr := newTestTransport(rec)
	resp := get(t, tr, server.URL+"/repos/acme/widgets")

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
	assert.Equal(t, []time.Duration{7 * time.Second}, rec.waits)

	quota, ok := tr.Quotas.Get("core")
	require.True(t, ok)
	assert.Equal(t, 4998, quota.Remaining)
}

func TestQuotaTransport_RateLimited403UsesBackoff(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) <= 2 {
			w.WriteHeader(http.StatusForbidden)
			_, _ = w.Write([]byte(`{"message":"API rate limit exceeded for user"}`))
			return
		}
		_, _ = w.Write([]byte("{}"))
	}))
	t.Cleanup(server.Close)

	rec := &sleepRecorder{}
	resp := get(t, newTestTransport(rec), server.URL+"/repos/acme/widgets")

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, rec.waits)
}

func TestQuotaTransport_Permission403NotRetried(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`{"message":"Resource not accessible by integration"}`))
	}))
	t.Cleanup(server.Close)

	rec := &sleepRecorder{}
	resp := get(t, newTestTransport(rec), server.URL+"/repos/acme/widgets")

	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	assert.Empty(t, rec.waits)

	// The sniffed body is still readable by the caller.
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(b), "not accessible")
}

func TestQuotaTransport_NonRetryableStatuses(t *testing.T) {
	for _, code := range []int{http.StatusUnauthorized, http.StatusNotFound, http.StatusUnprocessableEntity} {
		t.Run(strconv.Itoa(code), func(t *testing.T) {
			var calls int32
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				atomic.AddInt32(&calls, 1)
				w.WriteHeader(code)
			}))
			t.Cleanup(server.Close)

			rec := &sleepRecorder{}
			resp := get(t, newTestTransport(rec), server.URL+"/repos/acme/widgets")

			assert.Equal(t, code, resp.StatusCode)
			assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
			assert.Empty(t, rec.waits)
		})
	}
}

func TestQuotaTransport_ServerErrorsGiveUpAfterMaxRetries(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	t.Cleanup(server.Close)

	rec := &sleepRecorder{}
	resp := get(t, newTestTransport(rec), server.URL+"/repos/acme/widgets")

	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	assert.Equal(t, int32(DefaultMaxRetries+1), atomic.LoadInt32(&calls))
	require.Len(t, rec.waits, DefaultMaxRetries)
	assert.Equal(t, []time.Duration{
		1 * time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second,
		16 * time.Second, 32 * time.Second, 60 * time.Second, 60 * time.Second,
	}, rec.waits)
}

func TestQuotaTransport_WaitsForResetWhenExhausted(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("{}"))
	}))
	t.Cleanup(server.Close)

	now := time.Unix(1_700_000_000, 0)
	rec := &sleepRecorder{}
	tr := newTestTransport(rec)
	tr.Now = func() time.Time { return now }
	tr.Quotas.Set("core", data.Quota{Limit: 5000, Remaining: 0, Reset: now.Add(10 * time.Second)})

	get(t, tr, server.URL+"/repos/acme/widgets")
	assert.Equal(t, []time.Duration{12 * time.Second}, rec.waits)
}

func TestBackoff(t *testing.T) {
	assert.Equal(t, time.Second, Backoff(0, 1))
	assert.Equal(t, 8*time.Second, Backoff(3, 1))
	assert.Equal(t, 60*time.Second, Backoff(6, 1))
	assert.Equal(t, 60*time.Second, Backoff(40, 1))
	assert.Equal(t, 800*time.Millisecond, Backoff(0, 0.8))
	assert.Equal(t, 72*time.Second, Backoff(10, 1.2))
}

func TestResourceForPath(t *testing.T) {
	assert.Equal(t, "core", resourceForPath("/repos/a/b"))
	assert.Equal(t, "search", resourceForPath("/search/repositories"))
	assert.Equal(t, "code_search", resourceForPath("/api/v3/search/code"))
	assert.Equal(t, "graphql", resourceForPath("/graphql"))
}
