package source

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"

	"github.com/jacktea/strmsync/pkg/metrics"
)

// cachedTrees bounds how many remote roots keep a tree in memory.
const cachedTrees = 256

// Cached keeps successful fetches of a slower Fetcher for a while, so scans
// triggered in quick succession reuse one tree per remote root. Concurrent
// misses for the same root share one fetch. Failures are not cached.
type Cached struct {
	next  Fetcher
	trees *expirable.LRU[string, string]
	group singleflight.Group
}

// NewCached wraps next. A ttl of zero or less returns next unchanged.
func NewCached(next Fetcher, ttl time.Duration) Fetcher {
	if ttl <= 0 {
		return next
	}
	return &Cached{next: next, trees: expirable.NewLRU[string, string](cachedTrees, nil, ttl)}
}

func (c *Cached) Fetch(ctx context.Context, remoteRoot string) (string, error) {
	if content, ok := c.trees.Get(remoteRoot); ok {
		metrics.RecordFetchCache(true)
		return content, nil
	}
	metrics.RecordFetchCache(false)
	v, err, _ := c.group.Do(remoteRoot, func() (any, error) {
		content, err := c.next.Fetch(ctx, remoteRoot)
		if err != nil {
			return "", err
		}
		c.trees.Add(remoteRoot, content)
		return content, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}
