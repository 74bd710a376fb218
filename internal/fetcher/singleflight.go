package fetcher

import (
	"golang.org/x/sync/singleflight"
)

// Group collapses concurrent identical API calls from parallel workers into
// one request.
type Group struct {
	g singleflight.Group
}

func (g *Group) Do(key string, fn func() (any, error)) (any, error, bool) {
	return g.g.Do(key, fn)
}
