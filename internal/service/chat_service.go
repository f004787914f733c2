package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"

	"github.com/xxxsen/pharmrag/internal/ai"
	"github.com/xxxsen/pharmrag/internal/model"
	appErr "github.com/xxxsen/pharmrag/internal/pkg/errors"
	"github.com/xxxsen/pharmrag/internal/retriever"
)

var ErrAIUnavailable = ai.ErrUnavailable

const (
	promptHistoryTurns = 6
	maxQueryRunes      = 4000
)

type Citation struct {
	N        int     `json:"n"`
	ChunkID  string  `json:"chunk_id"`
	Source   string  `json:"source"`
	Location string  `json:"location,omitempty"`
	Score    float32 `json:"score"`
}

type ChatAnswer struct {
	MessageID string     `json:"message_id"`
	Answer    string     `json:"answer"`
	Grounded  bool       `json:"grounded"`
	Citations []Citation `json:"citations"`
}

type ChatOptions struct {
	Timeout      time.Duration
	HistoryLimit int
}

type ChatService struct {
	convs     ConversationRepository
	msgs      MessageRepository
	rag       *RAGService
	generator ai.IGenerator
	opts      ChatOptions
	now       func() time.Time
}

// NewChatService builds the question answering path. generator may be nil;
// Ask then fails with ErrAIUnavailable.
func NewChatService(convs ConversationRepository, msgs MessageRepository, rag *RAGService, generator ai.IGenerator, opts ChatOptions) *ChatService {
	if opts.Timeout <= 0 {
		opts.Timeout = 60 * time.Second
	}
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = 50
	}
	return &ChatService{convs: convs, msgs: msgs, rag: rag, generator: generator, opts: opts, now: time.Now}
}

// Ask answers query inside the conversation. Without grounding the model
// is told to say so explicitly and the answer is flagged ungrounded.
func (s *ChatService) Ask(ctx context.Context, userID, conversationID, query string) (*ChatAnswer, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, fmt.Errorf("%w: query is required", appErr.ErrInvalid)
	}
	if len([]rune(query)) > maxQueryRunes {
		return nil, fmt.Errorf("%w: query is too long", appErr.ErrInvalid)
	}
	if s.generator == nil {
		return nil, ErrAIUnavailable
	}
	logger := logutil.GetLogger(ctx).With(zap.String("user_id", userID), zap.String("conversation_id", conversationID))
	if _, err := s.convs.GetByID(ctx, userID, conversationID); err != nil {
		return nil, err
	}
	block, err := s.rag.retrieve(ctx, conversationID, query, 0, 0)
	if err != nil {
		if !degradable(err) {
			return nil, err
		}
		logger.Warn("retrieval failed, answering without documents", zap.Error(err))
		block = &retriever.ContextBlock{Empty: true}
	}
	history, err := s.msgs.ListRecent(ctx, conversationID, promptHistoryTurns)
	if err != nil {
		logger.Warn("failed to load history", zap.Error(err))
		history = nil
	}
	prompt := BuildPrompt(query, block, history)

	genCtx, cancel := context.WithTimeout(ctx, s.opts.Timeout)
	defer cancel()
	answer, err := s.generator.Generate(genCtx, prompt)
	if err != nil {
		logger.Error("generation failed", zap.Error(err))
		return nil, err
	}
	answer = strings.TrimSpace(answer)

	now := s.now().UnixMilli()
	grounded := !block.Empty
	reply := model.Message{ID: newID(), ConversationID: conversationID, Role: model.RoleAssistant, Content: answer, Grounded: grounded, Ctime: now + 1}
	if err := s.msgs.CreateBatch(ctx, []model.Message{
		{ID: newID(), ConversationID: conversationID, Role: model.RoleUser, Content: query, Ctime: now},
		reply,
	}); err != nil {
		return nil, fmt.Errorf("save messages: %w", err)
	}
	if err := s.convs.Touch(ctx, userID, conversationID, now); err != nil {
		logger.Warn("failed to touch conversation", zap.Error(err))
	}
	logger.Info("question answered", zap.Bool("grounded", grounded), zap.Int("citations", len(block.Chunks)))
	return &ChatAnswer{
		MessageID: reply.ID,
		Answer:    answer,
		Grounded:  grounded,
		Citations: citations(block),
	}, nil
}

// degradable reports whether a retrieval failure still allows an
// ungrounded answer.
func degradable(err error) bool {
	return appErr.IsRetryable(err) ||
		errors.Is(err, appErr.ErrDimensionMismatch) ||
		errors.Is(err, appErr.ErrProviderUnavailable)
}

func (s *ChatService) ListMessages(ctx context.Context, userID, conversationID string) ([]model.Message, error) {
	if _, err := s.convs.GetByID(ctx, userID, conversationID); err != nil {
		return nil, err
	}
	return s.msgs.ListRecent(ctx, conversationID, s.opts.HistoryLimit)
}

func citations(block *retriever.ContextBlock) []Citation {
	out := make([]Citation, 0, len(block.Chunks))
	for i, c := range block.Chunks {
		out = append(out, Citation{
			N:        i + 1,
			ChunkID:  c.ID,
			Source:   c.Source(),
			Location: retriever.Location(c.Metadata),
			Score:    c.Score,
		})
	}
	return out
}

const (
	groundedInstruction = "You are a pharmacology assistant. Answer the question using only the numbered context below. " +
		"Cite every statement with the matching [n] marker. If the context does not contain the answer, say that the uploaded documents do not cover it."
	ungroundedInstruction = "You are a pharmacology assistant. No passage from the uploaded documents matched this question. " +
		"Start the answer by stating clearly that it is not based on the uploaded documents, then answer from general pharmacology knowledge. " +
		"Do not use [n] citation markers and do not invent sources."
)

// BuildPrompt renders the generator prompt for query. History is expected
// in chronological order.
func BuildPrompt(query string, block *retriever.ContextBlock, history []model.Message) string {
	var sb strings.Builder
	if block == nil || block.Empty {
		sb.WriteString(ungroundedInstruction)
	} else {
		sb.WriteString(groundedInstruction)
		sb.WriteString("\n\nContext:\n")
		sb.WriteString(block.Text)
	}
	if len(history) > 0 {
		sb.WriteString("\n\nConversation so far:\n")
		for _, m := range history {
			sb.WriteString(m.Role)
			sb.WriteString(": ")
			sb.WriteString(m.Content)
			sb.WriteString("\n")
		}
	}
	sb.WriteString("\n\nQuestion: ")
	sb.WriteString(query)
	sb.WriteString("\nAnswer:")
	return sb.String()
}
