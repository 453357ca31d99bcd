package storage

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

type CacheConfig struct {
	MaxEntries int
	TTL        time.Duration
}

func DefaultCacheConfig() CacheConfig {
	return CacheConfig{
		MaxEntries: 1024,
		TTL:        5 * time.Minute,
	}
}

type CacheMetricsSnapshot struct {
	Hits           uint64
	Misses         uint64
	OriginReads    uint64
	OriginWrites   uint64
	OriginReadErr  uint64
	OriginWriteErr uint64
}

type cacheMetrics struct {
	hits           atomic.Uint64
	misses         atomic.Uint64
	originReads    atomic.Uint64
	originWrites   atomic.Uint64
	originReadErr  atomic.Uint64
	originWriteErr atomic.Uint64
}

func (m *cacheMetrics) snapshot() CacheMetricsSnapshot {
	return CacheMetricsSnapshot{
		Hits:           m.hits.Load(),
		Misses:         m.misses.Load(),
		OriginReads:    m.originReads.Load(),
		OriginWrites:   m.originWrites.Load(),
		OriginReadErr:  m.originReadErr.Load(),
		OriginWriteErr: m.originWriteErr.Load(),
	}
}

// CachedStore is a write-through, read-through cache in front of an origin
// backend. A Put only lands in the cache after the origin accepted it, so a
// cached value is never newer than the stored one.
type CachedStore struct {
	origin  Backend
	blobs   *expirable.LRU[string, []byte]
	metrics cacheMetrics
}

func NewCachedStore(origin Backend, cfg CacheConfig) *CachedStore {
	def := DefaultCacheConfig()
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = def.MaxEntries
	}
	if cfg.TTL <= 0 {
		cfg.TTL = def.TTL
	}
	return &CachedStore{
		origin: origin,
		blobs:  expirable.NewLRU[string, []byte](cfg.MaxEntries, nil, cfg.TTL),
	}
}

func (s *CachedStore) Put(ctx context.Context, key string, content []byte) error {
	key = normalizeKey(key)
	s.metrics.originWrites.Add(1)
	if err := s.origin.Put(ctx, key, content); err != nil {
		s.metrics.originWriteErr.Add(1)
		s.blobs.Remove(key)
		return err
	}
	s.blobs.Add(key, append([]byte(nil), content...))
	return nil
}

func (s *CachedStore) Get(ctx context.Context, key string) ([]byte, error) {
	key = normalizeKey(key)
	if raw, ok := s.blobs.Get(key); ok {
		s.metrics.hits.Add(1)
		return append([]byte(nil), raw...), nil
	}
	s.metrics.misses.Add(1)
	s.metrics.originReads.Add(1)
	raw, err := s.origin.Get(ctx, key)
	if err != nil {
		s.metrics.originReadErr.Add(1)
		return nil, err
	}
	s.blobs.Add(key, append([]byte(nil), raw...))
	return raw, nil
}

func (s *CachedStore) Exists(ctx context.Context, key string) (bool, error) {
	key = normalizeKey(key)
	if _, ok := s.blobs.Get(key); ok {
		s.metrics.hits.Add(1)
		return true, nil
	}
	s.metrics.misses.Add(1)
	return s.origin.Exists(ctx, key)
}

func (s *CachedStore) List(ctx context.Context, prefix string) ([]string, error) {
	return s.origin.List(ctx, prefix)
}

func (s *CachedStore) Unwrap() Backend { return s.origin }

func (s *CachedStore) Metrics() CacheMetricsSnapshot {
	return s.metrics.snapshot()
}
