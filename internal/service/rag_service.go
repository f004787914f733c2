package service

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"

	"github.com/xxxsen/pharmrag/internal/ai"
	"github.com/xxxsen/pharmrag/internal/chunker"
	"github.com/xxxsen/pharmrag/internal/filestore"
	"github.com/xxxsen/pharmrag/internal/loader"
	"github.com/xxxsen/pharmrag/internal/metrics"
	"github.com/xxxsen/pharmrag/internal/model"
	appErr "github.com/xxxsen/pharmrag/internal/pkg/errors"
	"github.com/xxxsen/pharmrag/internal/retriever"
	"github.com/xxxsen/pharmrag/internal/vectorstore"
)

type RAGOptions struct {
	BatchSize   int
	MaxResults  int
	TokenBudget int
}

type IngestResult struct {
	Document   model.SourceDocument `json:"document"`
	ChunkCount int                  `json:"chunk_count"`
	Dimension  int                  `json:"dimension"`
	Model      string               `json:"model"`
}

type RAGService struct {
	convs     ConversationRepository
	docs      SourceDocumentRepository
	chunker   *chunker.Chunker
	embedder  ai.IEmbedder
	store     vectorstore.Store
	retriever *retriever.Retriever
	files     filestore.Store
	opts      RAGOptions
	now       func() time.Time
}

// NewRAGService wires the ingestion and query paths. files may be nil, in
// which case originals are not archived.
func NewRAGService(
	convs ConversationRepository,
	docs SourceDocumentRepository,
	chk *chunker.Chunker,
	embedder ai.IEmbedder,
	store vectorstore.Store,
	ret *retriever.Retriever,
	files filestore.Store,
	opts RAGOptions,
) *RAGService {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 64
	}
	if opts.MaxResults <= 0 {
		opts.MaxResults = retriever.DefaultMaxResults
	}
	if opts.TokenBudget <= 0 {
		opts.TokenBudget = retriever.DefaultTokenBudget
	}
	return &RAGService{
		convs:     convs,
		docs:      docs,
		chunker:   chk,
		embedder:  embedder,
		store:     store,
		retriever: ret,
		files:     files,
		opts:      opts,
		now:       time.Now,
	}
}

// IngestDocument loads, chunks, embeds and stores one uploaded file. The
// document is rejected as a whole when any step fails; nothing reaches the
// vector store unless every batch embedded.
func (s *RAGService) IngestDocument(ctx context.Context, userID, conversationID, filename string, data []byte) (*IngestResult, error) {
	filename = filepath.Base(strings.TrimSpace(filename))
	if filename == "" || filename == "." || filename == "/" {
		return nil, fmt.Errorf("%w: filename is required", appErr.ErrInvalid)
	}
	logger := logutil.GetLogger(ctx).With(
		zap.String("user_id", userID),
		zap.String("conversation_id", conversationID),
		zap.String("filename", filename),
	)
	format := strings.TrimPrefix(strings.ToLower(filepath.Ext(filename)), ".")
	if _, err := s.convs.GetByID(ctx, userID, conversationID); err != nil {
		return nil, err
	}
	result, err := s.ingest(ctx, conversationID, filename, data)
	if err != nil {
		metrics.DocumentsIngested.WithLabelValues(format, "error").Inc()
		logger.Warn("document ingestion failed", zap.Error(err))
		return nil, err
	}
	metrics.DocumentsIngested.WithLabelValues(format, "ok").Inc()
	metrics.ChunksIngested.Add(float64(result.ChunkCount))
	if err := s.convs.Touch(ctx, userID, conversationID, s.now().UnixMilli()); err != nil {
		logger.Warn("failed to touch conversation", zap.Error(err))
	}
	logger.Info("document ingested",
		zap.Int("chunks", result.ChunkCount),
		zap.Int("dimension", result.Dimension),
		zap.String("model", result.Model),
	)
	return result, nil
}

func (s *RAGService) ingest(ctx context.Context, conversationID, filename string, data []byte) (*IngestResult, error) {
	units, err := loader.Load(ctx, data, filename)
	if err != nil {
		return nil, err
	}
	docID := documentID(conversationID, filename)
	now := s.now().UnixMilli()
	chunks := make([]model.Chunk, 0)
	for _, u := range units {
		for _, p := range s.chunker.Chunk(u.Text, u.Metadata) {
			ordinal := len(chunks)
			meta := p.Metadata
			meta[model.MetaSource] = filename
			meta[model.MetaChunkIndex] = ordinal
			meta[model.MetaDocumentID] = docID
			chunks = append(chunks, model.Chunk{
				ID:       chunkID(conversationID, filename, ordinal),
				ScopeID:  conversationID,
				Content:  p.Content,
				Metadata: meta,
				Ctime:    now,
			})
		}
	}
	if err := s.embedChunks(ctx, chunks); err != nil {
		return nil, err
	}
	if len(chunks) > 0 {
		if err := s.store.Upsert(ctx, conversationID, chunks); err != nil {
			return nil, err
		}
	} else if _, err := s.store.DeleteSource(ctx, conversationID, filename); err != nil {
		// Upsert only replaces sources present in the batch, so a version
		// without text has to drop the previous chunks itself.
		return nil, fmt.Errorf("clear previous chunks: %w", err)
	}
	doc := model.SourceDocument{
		ID:             docID,
		ConversationID: conversationID,
		Filename:       filename,
		ContentType:    mimetype.Detect(data).String(),
		Size:           int64(len(data)),
		ChunkCount:     len(chunks),
		Ctime:          now,
	}
	doc.FileKey = s.archive(ctx, conversationID, docID, filename, data)
	if err := s.docs.Upsert(ctx, &doc); err != nil {
		if _, derr := s.store.DeleteSource(ctx, conversationID, filename); derr != nil {
			logutil.GetLogger(ctx).Error("failed to drop chunks of unrecorded document",
				zap.String("conversation_id", conversationID),
				zap.String("filename", filename),
				zap.Error(derr),
			)
		}
		return nil, fmt.Errorf("record source document: %w", err)
	}
	return &IngestResult{
		Document:   doc,
		ChunkCount: len(chunks),
		Dimension:  s.embedder.Dimension(),
		Model:      s.embedder.ModelName(),
	}, nil
}

func (s *RAGService) embedChunks(ctx context.Context, chunks []model.Chunk) error {
	ctx = ai.WithTaskType(ctx, model.TaskRetrievalDocument)
	for start := 0; start < len(chunks); start += s.opts.BatchSize {
		end := start + s.opts.BatchSize
		if end > len(chunks) {
			end = len(chunks)
		}
		texts := make([]string, 0, end-start)
		for i := start; i < end; i++ {
			texts = append(texts, chunks[i].Content)
		}
		vectors, err := s.embedder.Embed(ctx, texts)
		if err != nil {
			return fmt.Errorf("embed chunks %d-%d: %w", start, end-1, err)
		}
		if len(vectors) != len(texts) {
			return fmt.Errorf("embed chunks %d-%d: got %d vectors", start, end-1, len(vectors))
		}
		modelName := s.embedder.ModelName()
		for i, v := range vectors {
			chunks[start+i].Embedding = v
			chunks[start+i].Metadata[model.MetaEmbeddingModel] = modelName
		}
	}
	return nil
}

// archive stores the original upload. A failure only loses the archive.
func (s *RAGService) archive(ctx context.Context, conversationID, docID, filename string, data []byte) string {
	if s.files == nil {
		return ""
	}
	key := path.Join(conversationID, docID+strings.ToLower(filepath.Ext(filename)))
	if err := s.files.Save(ctx, key, bytes.NewReader(data), int64(len(data))); err != nil {
		logutil.GetLogger(ctx).Warn("failed to archive document",
			zap.String("key", key),
			zap.String("store", s.files.Type()),
			zap.Error(err),
		)
		return ""
	}
	return key
}

func (s *RAGService) ListDocuments(ctx context.Context, userID, conversationID string) ([]model.SourceDocument, error) {
	if _, err := s.convs.GetByID(ctx, userID, conversationID); err != nil {
		return nil, err
	}
	return s.docs.List(ctx, conversationID)
}

// Retrieve assembles the grounding context for query inside the caller's
// conversation. Zero maxResults or tokenBudget selects the configured value.
func (s *RAGService) Retrieve(ctx context.Context, userID, conversationID, query string, maxResults, tokenBudget int) (*retriever.ContextBlock, error) {
	if _, err := s.convs.GetByID(ctx, userID, conversationID); err != nil {
		return nil, err
	}
	return s.retrieve(ctx, conversationID, query, maxResults, tokenBudget)
}

func (s *RAGService) retrieve(ctx context.Context, conversationID, query string, maxResults, tokenBudget int) (*retriever.ContextBlock, error) {
	if maxResults <= 0 {
		maxResults = s.opts.MaxResults
	}
	if tokenBudget <= 0 {
		tokenBudget = s.opts.TokenBudget
	}
	return s.retriever.RetrieveContext(ctx, conversationID, query, maxResults, tokenBudget)
}
