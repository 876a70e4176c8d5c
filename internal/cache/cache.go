// Package cache holds short-lived read-through values such as token metadata
// and the gas treasury snapshot. Values are JSON encoded in every backend so
// callers see the same copy semantics whether Redis is configured or not.
package cache

import (
	"context"
	"errors"
	"time"
)

// ErrCacheMiss is returned by Get when the key is absent or expired.
var ErrCacheMiss = errors.New("cache miss")

// Cache is a TTL key/value store.
type Cache interface {
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	// Get unmarshals the stored value into target or returns ErrCacheMiss.
	Get(ctx context.Context, key string, target interface{}) error
	Delete(ctx context.Context, key string) error
}

// GetOrLoad returns the cached value for key, calling load and storing its
// result on a miss. Cache errors other than a miss are ignored so a broken
// cache degrades to a direct read.
func GetOrLoad[T any](ctx context.Context, c Cache, key string, ttl time.Duration, load func(context.Context) (T, error)) (T, error) {
	var v T
	if c != nil {
		if err := c.Get(ctx, key, &v); err == nil {
			return v, nil
		}
	}
	v, err := load(ctx)
	if err != nil {
		return v, err
	}
	if c != nil {
		_ = c.Set(ctx, key, v, ttl)
	}
	return v, nil
}
