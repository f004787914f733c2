package ai

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"
)

const defaultOpenAIBaseURL = "https://api.openai.com/v1"

type openAIConfig struct {
	APIKey     string `json:"api_key"`
	BaseURL    string `json:"base_url"`
	MaxRetries *int   `json:"max_retries"`
	TimeoutSec int    `json:"timeout"`
}

type openAIClient struct {
	apiKey  string
	baseURL string
	retries uint64
	client  *http.Client
}

type openAIProvider struct {
	openAIClient
}

type openAIEmbedProvider struct {
	openAIClient
}

type openAIChatRequest struct {
	Model    string          `json:"model"`
	Messages []openAIChatMsg `json:"messages"`
	Stream   bool            `json:"stream"`
}

type openAIChatMsg struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openAIChatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

type openAIEmbedRequest struct {
	Model      string   `json:"model"`
	Input      []string `json:"input"`
	Dimensions int      `json:"dimensions,omitempty"`
}

type openAIEmbedResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

func (c *openAIClient) headers() map[string]string {
	return map[string]string{"Authorization": "Bearer " + c.apiKey}
}

func (p *openAIProvider) Name() string {
	return "openai"
}

func (p *openAIProvider) Generate(ctx context.Context, model string, prompt string) (string, error) {
	if p.apiKey == "" {
		return "", ErrUnavailable
	}
	endpoint := strings.TrimRight(p.baseURL, "/") + "/chat/completions"
	reqBody := openAIChatRequest{
		Model:    model,
		Messages: []openAIChatMsg{{Role: "user", Content: prompt}},
	}
	var out openAIChatResponse
	if err := postJSON(ctx, p.client, "openai", endpoint, p.headers(), reqBody, &out, p.retries); err != nil {
		return "", err
	}
	if len(out.Choices) == 0 {
		return "", fmt.Errorf("openai response has no choices")
	}
	return strings.TrimSpace(out.Choices[0].Message.Content), nil
}

func (p *openAIEmbedProvider) Name() string {
	return "openai"
}

// Embed sends the whole batch in one request. The response may list items
// out of order, so they are placed by index.
func (p *openAIEmbedProvider) Embed(ctx context.Context, model string, texts []string, opts EmbedOptions) ([][]float32, error) {
	if p.apiKey == "" {
		return nil, ErrUnavailable
	}
	endpoint := strings.TrimRight(p.baseURL, "/") + "/embeddings"
	reqBody := openAIEmbedRequest{
		Model:      model,
		Input:      texts,
		Dimensions: opts.Dimension,
	}
	var out openAIEmbedResponse
	if err := postJSON(ctx, p.client, "openai", endpoint, p.headers(), reqBody, &out, p.retries); err != nil {
		return nil, err
	}
	sort.SliceStable(out.Data, func(i, j int) bool { return out.Data[i].Index < out.Data[j].Index })
	vectors := make([][]float32, 0, len(out.Data))
	for _, item := range out.Data {
		vectors = append(vectors, item.Embedding)
	}
	if err := checkBatch("openai", texts, vectors, opts.Dimension); err != nil {
		return nil, err
	}
	return vectors, nil
}

func newOpenAIClient(args interface{}) (openAIClient, error) {
	cfg := &openAIConfig{}
	if err := decodeConfig(args, cfg); err != nil {
		return openAIClient{}, err
	}
	baseURL := strings.TrimSpace(cfg.BaseURL)
	if baseURL == "" {
		baseURL = defaultOpenAIBaseURL
	}
	retries := uint64(defaultMaxRetries)
	if cfg.MaxRetries != nil && *cfg.MaxRetries >= 0 {
		retries = uint64(*cfg.MaxRetries)
	}
	timeout := 60 * time.Second
	if cfg.TimeoutSec > 0 {
		timeout = time.Duration(cfg.TimeoutSec) * time.Second
	}
	return openAIClient{
		apiKey:  expandSecret(cfg.APIKey),
		baseURL: baseURL,
		retries: retries,
		client:  &http.Client{Timeout: timeout},
	}, nil
}

func createOpenAIFactory(args interface{}) (IAIProvider, error) {
	c, err := newOpenAIClient(args)
	if err != nil {
		return nil, err
	}
	return &openAIProvider{openAIClient: c}, nil
}

func createOpenAIEmbedFactory(args interface{}) (IEmbedProvider, error) {
	c, err := newOpenAIClient(args)
	if err != nil {
		return nil, err
	}
	return &openAIEmbedProvider{openAIClient: c}, nil
}

func init() {
	Register("openai", createOpenAIFactory)
	RegisterEmbed("openai", createOpenAIEmbedFactory)
}
