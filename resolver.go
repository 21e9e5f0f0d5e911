package lavapool

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Resolver turns search queries into playable tracks through a node's REST
// API, memoizing outcomes in an optional CacheStore. Concurrent resolutions
// of the same key may both hit the backend; the cache only guarantees
// consistency after the write, not single-flight.
type Resolver struct {
	source func() (*Node, error)
	cache  CacheStore
	ttl    time.Duration
	log    *zap.Logger
}

func newResolver(source func() (*Node, error), cache CacheStore, ttl time.Duration, log *zap.Logger) *Resolver {
	return &Resolver{source: source, cache: cache, ttl: ttl, log: log}
}

// LoadTracks resolves query under the given mode and returns the full typed
// outcome. "No matches" and "load failed" come back as outcomes, not errors;
// only argument and transport problems error. A cache hit returns whatever
// outcome was stored, including failures. noCache forces a backend call.
func (r *Resolver) LoadTracks(ctx context.Context, query string, mode SearchMode, noCache bool) (*LoadResult, error) {
	if query == "" {
		return nil, fmt.Errorf("%w: empty query", ErrInvalidArgument)
	}
	key := cacheKey(query, mode)
	if r.cache != nil && !noCache {
		if res, ok := r.cache.Get(ctx, key); ok {
			return res, nil
		}
	}
	node, err := r.source()
	if err != nil {
		return nil, err
	}
	res, err := node.loadTracks(ctx, mode.identifier(query))
	if err != nil {
		return nil, err
	}
	if r.cache != nil {
		r.cache.Put(ctx, key, res, r.ttl)
	}
	return res, nil
}

// GetTracks returns the full ordered track sequence of a resolution. A query
// with no matches yields an empty slice; a failed load errors.
func (r *Resolver) GetTracks(ctx context.Context, query string, mode SearchMode, noCache bool) ([]*Track, error) {
	res, err := r.LoadTracks(ctx, query, mode, noCache)
	if err != nil {
		return nil, err
	}
	if res.LoadType == LoadTypeLoadFailed {
		return nil, loadError(res)
	}
	return res.Tracks, nil
}

// GetTrack returns the first track of a successful resolution, or
// ErrNotFound when the query matched nothing.
func (r *Resolver) GetTrack(ctx context.Context, query string, mode SearchMode, noCache bool) (*Track, error) {
	res, err := r.LoadTracks(ctx, query, mode, noCache)
	if err != nil {
		return nil, err
	}
	if res.LoadType == LoadTypeLoadFailed {
		return nil, loadError(res)
	}
	if len(res.Tracks) == 0 {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, query)
	}
	return res.Tracks[0], nil
}

func loadError(res *LoadResult) error {
	if res.Exception != nil {
		return fmt.Errorf("lavapool: load failed (%s): %s", res.Exception.Severity, res.Exception.Message)
	}
	return fmt.Errorf("lavapool: load failed")
}
