package ai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
)

var ErrUnavailable = errors.New("ai provider unavailable")

type IAIProvider interface {
	Name() string
	Generate(ctx context.Context, model string, prompt string) (string, error)
}

type EmbedOptions struct {
	TaskType  string
	Dimension int
}

type IEmbedProvider interface {
	Name() string
	Embed(ctx context.Context, model string, texts []string, opts EmbedOptions) ([][]float32, error)
}

type IGenerator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// IEmbedder turns a batch of texts into vectors of a fixed dimensionality.
// A call either returns one vector per input, in input order, or fails.
type IEmbedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	Dimension() int
	ModelName() string
}

type taskTypeKey struct{}

// WithTaskType tags embedding calls made with ctx, so providers with
// asymmetric models can tell queries from documents.
func WithTaskType(ctx context.Context, taskType string) context.Context {
	return context.WithValue(ctx, taskTypeKey{}, taskType)
}

func TaskTypeFrom(ctx context.Context) string {
	v, _ := ctx.Value(taskTypeKey{}).(string)
	return v
}

type generator struct {
	provider IAIProvider
	model    string
}

func NewGenerator(p IAIProvider, model string) IGenerator {
	return &generator{provider: p, model: model}
}

func (g *generator) Generate(ctx context.Context, prompt string) (string, error) {
	return g.provider.Generate(ctx, g.model, prompt)
}

type providerEmbedder struct {
	provider IEmbedProvider
	model    string
	dim      int
}

func NewProviderEmbedder(p IEmbedProvider, model string, dim int) IEmbedder {
	return &providerEmbedder{provider: p, model: model, dim: dim}
}

func (e *providerEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	return e.provider.Embed(ctx, e.model, texts, EmbedOptions{TaskType: TaskTypeFrom(ctx), Dimension: e.dim})
}

func (e *providerEmbedder) Dimension() int {
	return e.dim
}

func (e *providerEmbedder) ModelName() string {
	return e.provider.Name() + ":" + e.model + "@" + strconv.Itoa(e.dim)
}

type ProviderFactory func(args interface{}) (IAIProvider, error)

type EmbedProviderFactory func(args interface{}) (IEmbedProvider, error)

var (
	registry      = map[string]ProviderFactory{}
	embedRegistry = map[string]EmbedProviderFactory{}
)

func Register(name string, factory ProviderFactory) {
	key := strings.ToLower(strings.TrimSpace(name))
	if key == "" || factory == nil {
		return
	}
	registry[key] = factory
}

func RegisterEmbed(name string, factory EmbedProviderFactory) {
	key := strings.ToLower(strings.TrimSpace(name))
	if key == "" || factory == nil {
		return
	}
	embedRegistry[key] = factory
}

func NewProvider(name string, args interface{}) (IAIProvider, error) {
	key := strings.ToLower(strings.TrimSpace(name))
	if key == "" {
		return nil, fmt.Errorf("ai provider name is required")
	}
	factory := registry[key]
	if factory == nil {
		return nil, fmt.Errorf("unsupported ai provider: %s", name)
	}
	return factory(args)
}

func NewEmbedProvider(name string, args interface{}) (IEmbedProvider, error) {
	key := strings.ToLower(strings.TrimSpace(name))
	if key == "" {
		return nil, fmt.Errorf("embedding provider name is required")
	}
	factory := embedRegistry[key]
	if factory == nil {
		return nil, fmt.Errorf("unsupported embedding provider: %s", name)
	}
	return factory(args)
}

func decodeConfig(args interface{}, dst interface{}) error {
	if args == nil {
		return fmt.Errorf("ai provider config is required")
	}
	data, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("encode ai provider config: %w", err)
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return fmt.Errorf("decode ai provider config: %w", err)
	}
	return nil
}

func checkBatch(name string, texts []string, vectors [][]float32, dim int) error {
	if len(vectors) != len(texts) {
		return fmt.Errorf("%s returned %d vectors for %d inputs", name, len(vectors), len(texts))
	}
	for i, v := range vectors {
		if len(v) == 0 {
			return fmt.Errorf("%s returned empty vector at %d", name, i)
		}
		if dim > 0 && len(v) != dim {
			return fmt.Errorf("%s returned %d dimensions at %d, want %d", name, len(v), i, dim)
		}
	}
	return nil
}

// expandSecret resolves values of the form ${NAME} from the environment so
// keys can live in .env files instead of the config.
func expandSecret(v string) string {
	v = strings.TrimSpace(v)
	if strings.HasPrefix(v, "${") && strings.HasSuffix(v, "}") {
		return strings.TrimSpace(os.Getenv(v[2 : len(v)-1]))
	}
	return v
}
