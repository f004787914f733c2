package embedcache

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/xxxsen/pharmrag/internal/ai"
)

func WrapLruCacheToEmbedder(e ai.IEmbedder, size int, ttl time.Duration) ai.IEmbedder {
	if e == nil || size <= 0 || ttl <= 0 {
		return e
	}
	return &cachedEmbedder{
		next:    e,
		backend: &lruBackend{cache: expirable.NewLRU[string, []float32](size, nil, ttl)},
	}
}

type lruBackend struct {
	cache *expirable.LRU[string, []float32]
}

func (l *lruBackend) layer() string {
	return "lru"
}

func (l *lruBackend) getMany(ctx context.Context, keys []cacheKey) ([][]float32, error) {
	out := make([][]float32, len(keys))
	for i, k := range keys {
		if v, ok := l.cache.Get(k.full); ok {
			out[i] = v
		}
	}
	return out, nil
}

func (l *lruBackend) setMany(ctx context.Context, keys []cacheKey, vectors [][]float32) error {
	for i, k := range keys {
		l.cache.Add(k.full, cloneEmbedding(vectors[i]))
	}
	return nil
}
