package embedcache

import (
	"context"
	"time"

	"github.com/xxxsen/pharmrag/internal/ai"
	"github.com/xxxsen/pharmrag/internal/model"
	"github.com/xxxsen/pharmrag/internal/repo"
)

func WrapDBCacheToEmbedder(e ai.IEmbedder, cacheRepo *repo.EmbeddingCacheRepo) ai.IEmbedder {
	if e == nil || cacheRepo == nil {
		return e
	}
	return &cachedEmbedder{next: e, backend: &dbBackend{repo: cacheRepo}}
}

type dbBackend struct {
	repo *repo.EmbeddingCacheRepo
}

func (d *dbBackend) layer() string {
	return "db"
}

func (d *dbBackend) getMany(ctx context.Context, keys []cacheKey) ([][]float32, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	// A batch shares model and task type.
	hashes := make([]string, len(keys))
	for i, k := range keys {
		hashes[i] = k.contentHash
	}
	found, err := d.repo.GetMany(ctx, keys[0].modelName, keys[0].taskType, hashes)
	if err != nil {
		return nil, err
	}
	out := make([][]float32, len(keys))
	for i, k := range keys {
		out[i] = found[k.contentHash]
	}
	return out, nil
}

func (d *dbBackend) setMany(ctx context.Context, keys []cacheKey, vectors [][]float32) error {
	now := time.Now().Unix()
	for i, k := range keys {
		if err := d.repo.Save(ctx, &model.EmbeddingCache{
			ModelName:   k.modelName,
			TaskType:    k.taskType,
			ContentHash: k.contentHash,
			Embedding:   vectors[i],
			Ctime:       now,
		}); err != nil {
			return err
		}
	}
	return nil
}
