package embedcache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"

	"github.com/xxxsen/pharmrag/internal/ai"
	"github.com/xxxsen/pharmrag/internal/metrics"
)

type cacheKey struct {
	full        string
	modelName   string
	taskType    string
	contentHash string
}

// backend stores vectors by key. getMany returns one entry per key, nil
// for a miss.
type backend interface {
	layer() string
	getMany(ctx context.Context, keys []cacheKey) ([][]float32, error)
	setMany(ctx context.Context, keys []cacheKey, vectors [][]float32) error
}

// cachedEmbedder serves what it can from the backend and embeds the misses
// of a batch in one downstream call. Cache failures only cost a miss.
type cachedEmbedder struct {
	next    ai.IEmbedder
	backend backend
}

func (c *cachedEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	logger := logutil.GetLogger(ctx)
	modelName := c.next.ModelName()
	taskType := ai.TaskTypeFrom(ctx)
	dim := c.next.Dimension()
	keys := make([]cacheKey, len(texts))
	for i, text := range texts {
		keys[i] = buildCacheKey(modelName, taskType, text)
	}
	cached, err := c.backend.getMany(ctx, keys)
	if err != nil {
		logger.Warn("embedding cache read failed", zap.String("layer", c.backend.layer()), zap.Error(err))
		cached = nil
	}
	out := make([][]float32, len(texts))
	missPos := make(map[string][]int)
	var missTexts []string
	var missKeys []cacheKey
	for i := range texts {
		if i < len(cached) && len(cached[i]) > 0 && (dim <= 0 || len(cached[i]) == dim) {
			out[i] = cloneEmbedding(cached[i])
			continue
		}
		k := keys[i].full
		if _, seen := missPos[k]; !seen {
			missTexts = append(missTexts, texts[i])
			missKeys = append(missKeys, keys[i])
		}
		missPos[k] = append(missPos[k], i)
	}
	hits := len(texts) - countPositions(missPos)
	if hits > 0 {
		metrics.EmbeddingCacheLookups.WithLabelValues(c.backend.layer(), "hit").Add(float64(hits))
		logger.Debug("embedding cache hit", zap.String("layer", c.backend.layer()), zap.Int("hits", hits), zap.String("task_type", taskType))
	}
	if len(missTexts) == 0 {
		return out, nil
	}
	metrics.EmbeddingCacheLookups.WithLabelValues(c.backend.layer(), "miss").Add(float64(len(missTexts)))
	vectors, err := c.next.Embed(ctx, missTexts)
	if err != nil {
		return nil, err
	}
	if len(vectors) != len(missTexts) {
		return nil, fmt.Errorf("embedder %s returned %d vectors for %d texts", modelName, len(vectors), len(missTexts))
	}
	for j, key := range missKeys {
		for _, pos := range missPos[key.full] {
			out[pos] = cloneEmbedding(vectors[j])
		}
	}
	if err := c.backend.setMany(ctx, missKeys, vectors); err != nil {
		logger.Warn("failed to cache embedding", zap.String("layer", c.backend.layer()), zap.Error(err))
	}
	return out, nil
}

func (c *cachedEmbedder) Dimension() int {
	return c.next.Dimension()
}

func (c *cachedEmbedder) ModelName() string {
	return c.next.ModelName()
}

func countPositions(m map[string][]int) int {
	n := 0
	for _, v := range m {
		n += len(v)
	}
	return n
}

func buildCacheKey(modelName, taskType, text string) cacheKey {
	modelName = strings.TrimSpace(modelName)
	if modelName == "" {
		modelName = "unknown"
	}
	hash := sha256.Sum256([]byte(text))
	contentHash := hex.EncodeToString(hash[:])
	return cacheKey{
		full:        "embed:" + modelName + ":" + taskType + ":" + contentHash,
		modelName:   modelName,
		taskType:    taskType,
		contentHash: contentHash,
	}
}

func cloneEmbedding(values []float32) []float32 {
	if len(values) == 0 {
		return nil
	}
	clone := make([]float32, len(values))
	copy(clone, values)
	return clone
}
