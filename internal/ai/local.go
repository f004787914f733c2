package ai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"
)

const (
	DefaultLocalEndpoint = "http://127.0.0.1:11434"
	DefaultLocalModel    = "all-minilm"
)

var defaultLocalAliases = []string{"all-minilm:l6-v2", "all-minilm:latest"}

// LocalConfig describes an Ollama-compatible embedding runtime.
type LocalConfig struct {
	Endpoint  string
	Model     string
	Aliases   []string
	Device    string
	KeepAlive string
	Dimension int
	Timeout   time.Duration
}

type localEmbedRequest struct {
	Model     string                 `json:"model"`
	Input     []string               `json:"input"`
	KeepAlive string                 `json:"keep_alive,omitempty"`
	Options   map[string]interface{} `json:"options,omitempty"`
}

type localEmbedResponse struct {
	Model      string      `json:"model"`
	Embeddings [][]float32 `json:"embeddings"`
}

type localPullRequest struct {
	Model  string `json:"model"`
	Stream bool   `json:"stream"`
}

type localPullResponse struct {
	Status string `json:"status"`
}

type localEmbedder struct {
	endpoint  string
	model     string
	keepAlive string
	options   map[string]interface{}
	dim       int
	client    *http.Client
}

type localStrategy struct {
	name string
	run  func(ctx context.Context) (*localEmbedder, error)
}

// NewLocalEmbedder loads the sentence-embedding model, trying in order: a
// direct load pinned to the configured device, an explicit pull of the
// weights followed by the same placement, and finally alternate model
// aliases with default placement. Each failed attempt is logged.
func NewLocalEmbedder(ctx context.Context, cfg LocalConfig) (IEmbedder, error) {
	cfg = normalizeLocalConfig(cfg)
	base := &localEmbedder{
		endpoint:  cfg.Endpoint,
		model:     cfg.Model,
		keepAlive: cfg.KeepAlive,
		client:    &http.Client{Timeout: cfg.Timeout},
	}
	device := deviceOptions(cfg.Device)
	strategies := []localStrategy{
		{
			name: "device_pinned",
			run: func(ctx context.Context) (*localEmbedder, error) {
				return base.probe(ctx, cfg.Model, device, cfg.Dimension)
			},
		},
		{
			name: "materialize_then_place",
			run: func(ctx context.Context) (*localEmbedder, error) {
				if err := base.pull(ctx, cfg.Model); err != nil {
					return nil, err
				}
				return base.probe(ctx, cfg.Model, device, cfg.Dimension)
			},
		},
		{
			name: "alias",
			run: func(ctx context.Context) (*localEmbedder, error) {
				var errs []error
				for _, alias := range cfg.Aliases {
					e, err := base.probe(ctx, alias, nil, cfg.Dimension)
					if err == nil {
						return e, nil
					}
					if ctx.Err() != nil {
						return nil, ctx.Err()
					}
					errs = append(errs, fmt.Errorf("%s: %w", alias, err))
				}
				if len(errs) == 0 {
					return nil, fmt.Errorf("no aliases configured")
				}
				return nil, errors.Join(errs...)
			},
		},
	}
	logger := logutil.GetLogger(ctx)
	var errs []error
	for _, s := range strategies {
		e, err := s.run(ctx)
		if err == nil {
			logger.Info("local embedder ready",
				zap.String("strategy", s.name),
				zap.String("model", e.model),
				zap.Int("dimension", e.dim),
			)
			return e, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		logger.Warn("local embedder init strategy failed", zap.String("strategy", s.name), zap.Error(err))
		errs = append(errs, fmt.Errorf("%s: %w", s.name, err))
	}
	return nil, fmt.Errorf("local embedding runtime unavailable: %w", errors.Join(errs...))
}

func normalizeLocalConfig(cfg LocalConfig) LocalConfig {
	cfg.Endpoint = strings.TrimRight(strings.TrimSpace(cfg.Endpoint), "/")
	if cfg.Endpoint == "" {
		cfg.Endpoint = DefaultLocalEndpoint
	}
	cfg.Model = strings.TrimSpace(cfg.Model)
	if cfg.Model == "" {
		cfg.Model = DefaultLocalModel
	}
	if cfg.Aliases == nil {
		cfg.Aliases = defaultLocalAliases
	}
	if cfg.KeepAlive == "" {
		cfg.KeepAlive = "10m"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	return cfg
}

// deviceOptions maps a device name onto runtime options. num_gpu is the
// number of layers offloaded to the GPU.
func deviceOptions(device string) map[string]interface{} {
	switch strings.ToLower(strings.TrimSpace(device)) {
	case "cpu":
		return map[string]interface{}{"num_gpu": 0}
	case "gpu", "cuda":
		return map[string]interface{}{"num_gpu": 999}
	}
	return nil
}

func (e *localEmbedder) probe(ctx context.Context, model string, options map[string]interface{}, wantDim int) (*localEmbedder, error) {
	candidate := &localEmbedder{
		endpoint:  e.endpoint,
		model:     model,
		keepAlive: e.keepAlive,
		options:   options,
		client:    e.client,
	}
	vectors, err := candidate.embed(ctx, []string{"probe"})
	if err != nil {
		return nil, err
	}
	dim := len(vectors[0])
	if wantDim > 0 && dim != wantDim {
		return nil, fmt.Errorf("model %s produces %d dimensions, want %d", model, dim, wantDim)
	}
	candidate.dim = dim
	return candidate, nil
}

func (e *localEmbedder) pull(ctx context.Context, model string) error {
	var out localPullResponse
	if err := postJSON(ctx, e.client, "local", e.endpoint+"/api/pull", nil, localPullRequest{Model: model}, &out, 0); err != nil {
		return err
	}
	if out.Status != "" && out.Status != "success" {
		return fmt.Errorf("pull %s: status %s", model, out.Status)
	}
	return nil
}

func (e *localEmbedder) embed(ctx context.Context, texts []string) ([][]float32, error) {
	req := localEmbedRequest{
		Model:     e.model,
		Input:     texts,
		KeepAlive: e.keepAlive,
		Options:   e.options,
	}
	var out localEmbedResponse
	if err := postJSON(ctx, e.client, "local", e.endpoint+"/api/embed", nil, req, &out, 0); err != nil {
		return nil, err
	}
	if err := checkBatch("local", texts, out.Embeddings, e.dim); err != nil {
		return nil, err
	}
	return out.Embeddings, nil
}

func (e *localEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	return e.embed(ctx, texts)
}

func (e *localEmbedder) Dimension() int {
	return e.dim
}

func (e *localEmbedder) ModelName() string {
	return fmt.Sprintf("local:%s@%d", e.model, e.dim)
}
