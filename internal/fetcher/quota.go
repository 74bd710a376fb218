package fetcher

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"repolizer/internal/data"
)

// DefaultResource is assumed when a response carries no X-RateLimit-Resource.
const DefaultResource = "core"

// QuotaRefreshInterval is how old cached quota data may get before
// RemainingQuota asks the API again.
const QuotaRefreshInterval = 5 * time.Minute

// RefreshFunc fetches the current quota for every resource.
type RefreshFunc func(ctx context.Context) (map[string]data.Quota, error)

// QuotaTable tracks the last known {limit, remaining, reset} per resource,
// fed by response headers and by periodic /rate_limit refreshes.
type QuotaTable struct {
	mu          sync.Mutex
	quotas      map[string]data.Quota
	lastRefresh time.Time
	refresh     RefreshFunc
	now         func() time.Time
	logger      *slog.Logger
}

func NewQuotaTable(logger *slog.Logger) *QuotaTable {
	if logger == nil {
		logger = slog.Default()
	}
	return &QuotaTable{
		quotas: make(map[string]data.Quota),
		now:    time.Now,
		logger: logger,
	}
}

// SetRefresher installs the function used by RemainingQuota once cached data
// is stale.
func (q *QuotaTable) SetRefresher(fn RefreshFunc) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.refresh = fn
}

// Get returns the cached quota for resource without refreshing.
func (q *QuotaTable) Get(resource string) (data.Quota, bool) {
	if q == nil {
		return data.Quota{}, false
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	quota, ok := q.quotas[normalizeResource(resource)]
	return quota, ok
}

// Set records quota for resource, as a /rate_limit refresh would.
func (q *QuotaTable) Set(resource string, quota data.Quota) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if quota.Updated.IsZero() {
		quota.Updated = q.now()
	}
	q.quotas[normalizeResource(resource)] = quota
}

// UpdateFromResponse records the X-RateLimit-* headers of resp. Responses
// without X-RateLimit-Limit are ignored.
func (q *QuotaTable) UpdateFromResponse(resp *http.Response) {
	if q == nil || resp == nil {
		return
	}
	h := resp.Header
	rawLimit := h.Get("X-RateLimit-Limit")
	if rawLimit == "" {
		return
	}
	limit, err := strconv.Atoi(strings.TrimSpace(rawLimit))
	if err != nil {
		return
	}
	remaining, _ := strconv.Atoi(strings.TrimSpace(h.Get("X-RateLimit-Remaining")))
	var reset time.Time
	if v, err := strconv.ParseInt(strings.TrimSpace(h.Get("X-RateLimit-Reset")), 10, 64); err == nil && v > 0 {
		reset = time.Unix(v, 0)
	}
	resource := normalizeResource(h.Get("X-RateLimit-Resource"))

	q.mu.Lock()
	quota := data.Quota{Limit: limit, Remaining: remaining, Reset: reset, Updated: q.now()}
	q.quotas[resource] = quota
	q.mu.Unlock()

	if float64(remaining) < lowWatermark(limit) {
		q.logger.Warn("github api rate limit running low",
			"resource", resource,
			"remaining", remaining,
			"limit", limit,
			"reset", reset.Format(time.TimeOnly),
		)
	}
}

// RemainingQuota returns the quota for resource, refreshing the table first
// when the cached entry is missing or older than QuotaRefreshInterval. A failed
// refresh is logged and the cached value (if any) is returned.
func (q *QuotaTable) RemainingQuota(ctx context.Context, resource string) (data.Quota, bool) {
	if q == nil {
		return data.Quota{}, false
	}
	resource = normalizeResource(resource)

	q.mu.Lock()
	quota, ok := q.quotas[resource]
	now := q.now()
	stale := !ok || now.Sub(quota.Updated) > QuotaRefreshInterval
	// One refresh per interval across all resources.
	due := stale && q.refresh != nil && now.Sub(q.lastRefresh) > QuotaRefreshInterval
	refresh := q.refresh
	if due {
		q.lastRefresh = now
	}
	q.mu.Unlock()

	if !due {
		return quota, ok
	}

	fresh, err := refresh(ctx)
	if err != nil {
		q.logger.Warn("github api rate limit refresh failed", "error", err)
		return quota, ok
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	for name, v := range fresh {
		if v.Updated.IsZero() {
			v.Updated = q.now()
		}
		q.quotas[normalizeResource(name)] = v
	}
	quota, ok = q.quotas[resource]
	return quota, ok
}

// Snapshot copies the table, for status output.
func (q *QuotaTable) Snapshot() map[string]data.Quota {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make(map[string]data.Quota, len(q.quotas))
	for k, v := range q.quotas {
		out[k] = v
	}
	return out
}

// lowWatermark is max(5, 10% of limit).
func lowWatermark(limit int) float64 {
	return max(5, 0.1*float64(limit))
}

func normalizeResource(resource string) string {
	resource = strings.ToLower(strings.TrimSpace(resource))
	if resource == "" {
		return DefaultResource
	}
	return resource
}
