package cachestore

import (
	"context"
	"errors"
	"time"

	"github.com/go-redis/cache/v9"
	"github.com/redis/go-redis/v9"
)

// localCacheSize bounds the in-process TinyLFU layer in front of redis.
// Redacted verdict JSON is small, so this stays a few MB at worst.
const localCacheSize = 10_000

// RedisCacheStore backs the verdict cache with redis plus an in-process
// TinyLFU layer, so repeat submissions of hot items skip the network twice
// over. Values are opaque strings (serialized verdicts); expiry is uniform
// per store, not per entry.
type RedisCacheStore struct {
	Data *cache.Cache
	TTL  time.Duration
	// Prefix namespaces all keys in a shared redis. Tests point it at a
	// scratch namespace.
	Prefix string
}

var _ CacheStore = (*RedisCacheStore)(nil)

func NewRedisCacheStore(redisURL string, ttl time.Duration) (*RedisCacheStore, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}
	rdb := redis.NewClient(opt)
	// check redis connection
	if _, err := rdb.Ping(context.Background()).Result(); err != nil {
		return nil, err
	}
	return &RedisCacheStore{
		Data: cache.New(&cache.Options{
			Redis:      rdb,
			LocalCache: cache.NewTinyLFU(localCacheSize, ttl),
		}),
		TTL:    ttl,
		Prefix: "modcache",
	}, nil
}

func (s *RedisCacheStore) key(name, key string) string {
	return s.Prefix + "/" + name + "/" + key
}

func (s *RedisCacheStore) Get(ctx context.Context, name, key string) (string, error) {
	var val string
	err := s.Data.Get(ctx, s.key(name, key), &val)
	if errors.Is(err, cache.ErrCacheMiss) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return val, nil
}

func (s *RedisCacheStore) Set(ctx context.Context, name, key string, val string) error {
	return s.Data.Set(&cache.Item{
		Ctx:   ctx,
		Key:   s.key(name, key),
		Value: val,
		TTL:   s.TTL,
	})
}

func (s *RedisCacheStore) Purge(ctx context.Context, name, key string) error {
	err := s.Data.Delete(ctx, s.key(name, key))
	if errors.Is(err, cache.ErrCacheMiss) {
		return nil
	}
	return err
}
