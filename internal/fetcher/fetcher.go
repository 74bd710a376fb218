package fetcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/go-github/v81/github"

	"repolizer/internal/data"
	gh "repolizer/internal/github"
)

// Fetcher is the rate-limited remote API client shared by all remote checks.
// Responses are cached per repository for the run and concurrent identical
// requests are collapsed.
type Fetcher struct {
	client *gh.Client
	quotas *QuotaTable
	group  Group
	cache  *Cache
	logger *slog.Logger
}

// NewFetcher wires quotas to refresh from client's /rate_limit endpoint.
// client should have been built with the QuotaTransport for quotas installed.
func NewFetcher(client *gh.Client, quotas *QuotaTable, logger *slog.Logger) *Fetcher {
	if logger == nil {
		logger = slog.Default()
	}
	if quotas == nil {
		quotas = NewQuotaTable(logger)
	}
	f := &Fetcher{
		client: client,
		quotas: quotas,
		cache:  NewCache(),
		logger: logger,
	}
	quotas.SetRefresher(f.fetchRateLimits)
	return f
}

func (f *Fetcher) Quotas() *QuotaTable {
	return f.quotas
}

func (f *Fetcher) Client() *gh.Client {
	return f.client
}

// Repository returns the repository's current API metadata, or nil when the
// API has no result for it.
func (f *Fetcher) Repository(ctx context.Context, repo data.Repository) (*github.Repository, error) {
	return fetch(ctx, f, repo, "repository", func(ctx context.Context, owner, name string) (*github.Repository, *github.Response, error) {
		return f.client.Client.Repositories.Get(ctx, owner, name)
	})
}

// CommunityProfile returns GitHub's community health metrics for the
// repository, or nil when the API has no result for it.
func (f *Fetcher) CommunityProfile(ctx context.Context, repo data.Repository) (*github.CommunityHealthMetrics, error) {
	return fetch(ctx, f, repo, "community", func(ctx context.Context, owner, name string) (*github.CommunityHealthMetrics, *github.Response, error) {
		return f.client.Client.Repositories.GetCommunityHealthMetrics(ctx, owner, name)
	})
}

// WorkflowCount returns the number of GitHub Actions workflows defined in the
// repository.
func (f *Fetcher) WorkflowCount(ctx context.Context, repo data.Repository) (int, error) {
	return fetch(ctx, f, repo, "workflows", func(ctx context.Context, owner, name string) (int, *github.Response, error) {
		wf, resp, err := f.client.Client.Actions.ListWorkflows(ctx, owner, name, &github.ListOptions{PerPage: 1})
		if err != nil {
			return 0, resp, err
		}
		return wf.GetTotalCount(), resp, nil
	})
}

// Forget drops cached responses for repo.
func (f *Fetcher) Forget(repo data.Repository) {
	if owner, name, ok := repo.OwnerAndName(); ok {
		f.cache.Forget(repoKey(owner, name) + ":")
	}
}

func fetch[T any](ctx context.Context, f *Fetcher, repo data.Repository, kind string, call func(ctx context.Context, owner, name string) (T, *github.Response, error)) (T, error) {
	var zero T
	if ctx == nil {
		return zero, fmt.Errorf("fetch %s: nil context", kind)
	}
	if f == nil || f.client == nil || f.client.Client == nil {
		return zero, fmt.Errorf("fetch %s: nil GitHub client (use NewFetcher)", kind)
	}
	owner, name, ok := repo.OwnerAndName()
	if !ok {
		return zero, fmt.Errorf("fetch %s: repository owner/name is required", kind)
	}

	key := repoKey(owner, name) + ":" + kind
	if v, ok := f.cache.Get(key); ok {
		return v.(T), nil
	}

	v, err, _ := f.group.Do(key, func() (any, error) {
		// A flight that finished between our cache miss and Do already stored it.
		if v, ok := f.cache.Get(key); ok {
			return v, nil
		}
		val, resp, err := call(ctx, owner, name)
		if err != nil {
			if !noResult(resp, err) {
				return zero, err
			}
			f.logger.Debug("github api returned no result", "repo", owner+"/"+name, "kind", kind, "error", err)
			val = zero
		}
		f.cache.Set(key, val)
		return val, nil
	})
	if err != nil {
		return zero, fmt.Errorf("fetch %s for %s/%s: %w", kind, owner, name, err)
	}
	return v.(T), nil
}

// noResult reports whether err is one of the statuses treated as "nothing
// there" rather than a failure.
func noResult(resp *github.Response, err error) bool {
	status := 0
	if resp != nil && resp.Response != nil {
		status = resp.StatusCode
	}
	var er *github.ErrorResponse
	if status == 0 && errors.As(err, &er) && er.Response != nil {
		status = er.Response.StatusCode
	}
	switch status {
	case http.StatusUnauthorized, http.StatusNotFound, http.StatusUnprocessableEntity:
		return true
	}
	return false
}

func (f *Fetcher) fetchRateLimits(ctx context.Context) (map[string]data.Quota, error) {
	limits, _, err := f.client.Client.RateLimit.Get(ctx)
	if err != nil {
		return nil, fmt.Errorf("get rate limits: %w", err)
	}
	out := make(map[string]data.Quota)
	add := func(resource string, r *github.Rate) {
		if r == nil {
			return
		}
		out[resource] = data.Quota{Limit: r.Limit, Remaining: r.Remaining, Reset: r.Reset.Time}
	}
	add("core", limits.GetCore())
	add("search", limits.GetSearch())
	add("graphql", limits.GetGraphQL())
	return out, nil
}

func repoKey(owner, name string) string {
	return strings.ToLower(owner + "/" + name)
}
