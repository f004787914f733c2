package retriever

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"

	"github.com/xxxsen/pharmrag/internal/ai"
	"github.com/xxxsen/pharmrag/internal/chunker"
	"github.com/xxxsen/pharmrag/internal/metrics"
	"github.com/xxxsen/pharmrag/internal/model"
	appErr "github.com/xxxsen/pharmrag/internal/pkg/errors"
	"github.com/xxxsen/pharmrag/internal/vectorstore"
)

const (
	DefaultThreshold   = 0.5
	DefaultMaxResults  = 5
	DefaultTokenBudget = 2000
)

// ContextBlock is the grounding handed to the generator. Empty is set when
// nothing cleared the threshold or nothing fit the budget; Text is then "".
type ContextBlock struct {
	Text       string              `json:"text"`
	Chunks     []model.ScoredChunk `json:"chunks"`
	TokenCount int                 `json:"token_count"`
	Empty      bool                `json:"empty"`
}

type Retriever struct {
	embedder  ai.IEmbedder
	store     vectorstore.Store
	threshold float32
	estimate  func(string) int
}

type Option func(*Retriever)

func WithThreshold(v float32) Option {
	return func(r *Retriever) {
		r.threshold = v
	}
}

func WithTokenEstimator(fn func(string) int) Option {
	return func(r *Retriever) {
		if fn != nil {
			r.estimate = fn
		}
	}
}

func New(embedder ai.IEmbedder, store vectorstore.Store, opts ...Option) *Retriever {
	r := &Retriever{
		embedder:  embedder,
		store:     store,
		threshold: DefaultThreshold,
		estimate:  chunker.EstimateTokens,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Retriever) Threshold() float32 {
	return r.threshold
}

// RetrieveContext embeds query, fetches up to maxResults chunks of scopeID
// above the threshold and renders them in rank order until the next entry
// would exceed tokenBudget. Chunks are never cut.
func (r *Retriever) RetrieveContext(ctx context.Context, scopeID, query string, maxResults, tokenBudget int) (*ContextBlock, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, fmt.Errorf("%w: query is required", appErr.ErrInvalid)
	}
	if maxResults <= 0 {
		maxResults = DefaultMaxResults
	}
	if tokenBudget <= 0 {
		tokenBudget = DefaultTokenBudget
	}
	logger := logutil.GetLogger(ctx).With(zap.String("scope", scopeID))

	vectors, err := r.embedder.Embed(ai.WithTaskType(ctx, model.TaskRetrievalQuery), []string{query})
	if err != nil {
		metrics.Retrievals.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("embed query: %w", err)
	}
	if len(vectors) != 1 {
		metrics.Retrievals.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("embed query: got %d vectors", len(vectors))
	}
	candidates, err := r.store.Query(ctx, scopeID, vectors[0], maxResults, r.threshold)
	if err != nil {
		metrics.Retrievals.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("query store: %w", err)
	}
	block := r.assemble(candidates, tokenBudget)
	metrics.RetrievedChunks.Observe(float64(len(block.Chunks)))
	if block.Empty {
		metrics.Retrievals.WithLabelValues("empty").Inc()
		logger.Info("no grounding found",
			zap.Int("candidates", len(candidates)),
			zap.Float32("threshold", r.threshold),
		)
		return block, nil
	}
	metrics.Retrievals.WithLabelValues("hit").Inc()
	logger.Debug("context assembled",
		zap.Int("candidates", len(candidates)),
		zap.Int("used", len(block.Chunks)),
		zap.Int("tokens", block.TokenCount),
	)
	return block, nil
}

func (r *Retriever) assemble(candidates []model.ScoredChunk, tokenBudget int) *ContextBlock {
	block := &ContextBlock{Chunks: make([]model.ScoredChunk, 0, len(candidates))}
	var sb strings.Builder
	for i, c := range candidates {
		entry := FormatEntry(i+1, c.Chunk)
		tokens := r.estimate(entry)
		if block.TokenCount+tokens > tokenBudget {
			break
		}
		if sb.Len() > 0 {
			sb.WriteString("\n\n")
		}
		sb.WriteString(entry)
		block.TokenCount += tokens
		block.Chunks = append(block.Chunks, c)
	}
	block.Text = sb.String()
	block.Empty = len(block.Chunks) == 0
	return block
}

// FormatEntry renders a citation header followed by the chunk content:
//
//	[2] (source: label.pdf, page 3)
//	...content...
func FormatEntry(n int, c model.Chunk) string {
	var sb strings.Builder
	sb.WriteString("[")
	sb.WriteString(strconv.Itoa(n))
	sb.WriteString("] (source: ")
	src := c.Source()
	if src == "" {
		src = "unknown"
	}
	sb.WriteString(src)
	if loc := Location(c.Metadata); loc != "" {
		sb.WriteString(", ")
		sb.WriteString(loc)
	}
	sb.WriteString(")\n")
	sb.WriteString(c.Content)
	return sb.String()
}

// Location describes where in the source a chunk came from, "" if unknown.
func Location(meta map[string]interface{}) string {
	if p, ok := model.MetaInt(meta, model.MetaPage); ok {
		return "page " + strconv.Itoa(p)
	}
	if s, ok := model.MetaInt(meta, model.MetaSlide); ok {
		return "slide " + strconv.Itoa(s)
	}
	if sheet := model.MetaString(meta, model.MetaSheet); sheet != "" {
		return "sheet " + sheet
	}
	return ""
}
