package ai

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"
)

type GeneratorEntry struct {
	Name      string
	Generator IGenerator
}

type EmbedderEntry struct {
	Name     string
	Embedder IEmbedder
}

type groupGenerator struct {
	items []GeneratorEntry
}

func NewGroupGenerator(items []GeneratorEntry) IGenerator {
	if len(items) == 0 {
		return nil
	}
	return &groupGenerator{items: items}
}

func (g *groupGenerator) Generate(ctx context.Context, prompt string) (string, error) {
	var lastErr error
	for i, item := range g.items {
		if item.Generator == nil {
			continue
		}
		res, err := item.Generator.Generate(ctx, prompt)
		if err == nil {
			return res, nil
		}
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		lastErr = err
		logutil.GetLogger(ctx).Warn("generator failed", zap.Int("index", i), zap.String("name", item.Name), zap.Error(err))
	}
	if lastErr == nil {
		return "", fmt.Errorf("generator not configured")
	}
	return "", lastErr
}

// groupEmbedder tries each entry in order. Every entry must produce vectors
// of the group's dimension, otherwise its output is discarded and the next
// entry is tried.
type groupEmbedder struct {
	items []EmbedderEntry
	dim   int
}

func NewGroupEmbedder(items []EmbedderEntry, dim int) IEmbedder {
	valid := make([]EmbedderEntry, 0, len(items))
	for _, item := range items {
		if item.Embedder == nil {
			continue
		}
		valid = append(valid, item)
	}
	if len(valid) == 0 {
		return nil
	}
	if dim <= 0 {
		dim = valid[0].Embedder.Dimension()
	}
	return &groupEmbedder{items: valid, dim: dim}
}

func (g *groupEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	var errs []error
	for i, item := range g.items {
		res, err := item.Embedder.Embed(ctx, texts)
		if err == nil {
			err = checkBatch(item.Name, texts, res, g.dim)
		}
		if err == nil {
			return res, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		errs = append(errs, fmt.Errorf("%s: %w", item.Name, err))
		logutil.GetLogger(ctx).Warn("embedder failed", zap.Int("index", i), zap.String("name", item.Name), zap.Error(err))
	}
	return nil, errors.Join(errs...)
}

func (g *groupEmbedder) Dimension() int {
	return g.dim
}

func (g *groupEmbedder) ModelName() string {
	names := make([]string, 0, len(g.items))
	for _, item := range g.items {
		if item.Name == "" {
			continue
		}
		names = append(names, item.Embedder.ModelName())
	}
	return strings.Join(names, "|")
}
