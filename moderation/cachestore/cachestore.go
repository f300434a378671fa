// Package cachestore caches serialized verdicts keyed by a content hash, so
// an identical re-submission skips the paid remote classifiers. Fail-closed
// verdicts are never cached by the engine: a later evaluation may succeed.
package cachestore

import (
	"context"
)

type CacheStore interface {
	// Get returns the cached value, or "" on miss.
	Get(ctx context.Context, name, key string) (string, error)
	Set(ctx context.Context, name, key string, val string) error
	Purge(ctx context.Context, name, key string) error
}
