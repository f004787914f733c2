package embedcache

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/xxxsen/pharmrag/internal/ai"
)

// WrapRedisCacheToEmbedder shares embeddings between replicas. Vectors are
// stored as little-endian float32 bytes.
func WrapRedisCacheToEmbedder(e ai.IEmbedder, client redis.UniversalClient, prefix string, ttl time.Duration) ai.IEmbedder {
	if e == nil || client == nil {
		return e
	}
	return &cachedEmbedder{
		next:    e,
		backend: &redisBackend{client: client, prefix: prefix, ttl: ttl},
	}
}

type redisBackend struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

func (r *redisBackend) layer() string {
	return "redis"
}

func (r *redisBackend) key(k cacheKey) string {
	return r.prefix + k.full
}

func (r *redisBackend) getMany(ctx context.Context, keys []cacheKey) ([][]float32, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	names := make([]string, len(keys))
	for i, k := range keys {
		names[i] = r.key(k)
	}
	values, err := r.client.MGet(ctx, names...).Result()
	if err != nil {
		return nil, err
	}
	out := make([][]float32, len(keys))
	for i, v := range values {
		s, ok := v.(string)
		if !ok {
			continue
		}
		vec, err := decodeVector([]byte(s))
		if err != nil {
			continue
		}
		out[i] = vec
	}
	return out, nil
}

func (r *redisBackend) setMany(ctx context.Context, keys []cacheKey, vectors [][]float32) error {
	pipe := r.client.Pipeline()
	for i, k := range keys {
		pipe.Set(ctx, r.key(k), encodeVector(vectors[i]), r.ttl)
	}
	_, err := pipe.Exec(ctx)
	return err
}

func encodeVector(v []float32) []byte {
	buf := make([]byte, 4*len(v))
	for i, x := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(x))
	}
	return buf
}

func decodeVector(b []byte) ([]float32, error) {
	if len(b) == 0 || len(b)%4 != 0 {
		return nil, fmt.Errorf("invalid vector payload length %d", len(b))
	}
	out := make([]float32, len(b)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return out, nil
}
