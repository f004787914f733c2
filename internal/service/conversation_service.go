package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"

	"github.com/xxxsen/pharmrag/internal/filestore"
	"github.com/xxxsen/pharmrag/internal/model"
	appErr "github.com/xxxsen/pharmrag/internal/pkg/errors"
	"github.com/xxxsen/pharmrag/internal/vectorstore"
)

const maxTitleRunes = 200

type ConversationService struct {
	convs ConversationRepository
	docs  SourceDocumentRepository
	store vectorstore.Store
	files filestore.Store
	now   func() time.Time
}

func NewConversationService(convs ConversationRepository, docs SourceDocumentRepository, store vectorstore.Store, files filestore.Store) *ConversationService {
	return &ConversationService{convs: convs, docs: docs, store: store, files: files, now: time.Now}
}

func normalizeTitle(title string) string {
	title = strings.TrimSpace(title)
	if title == "" {
		return "New conversation"
	}
	if r := []rune(title); len(r) > maxTitleRunes {
		title = string(r[:maxTitleRunes])
	}
	return title
}

func (s *ConversationService) Create(ctx context.Context, userID, title string) (*model.Conversation, error) {
	return s.create(ctx, userID, newID(), title)
}

func (s *ConversationService) create(ctx context.Context, userID, id, title string) (*model.Conversation, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, fmt.Errorf("%w: user id is required", appErr.ErrInvalid)
	}
	now := s.now().UnixMilli()
	conv := &model.Conversation{
		ID:     id,
		UserID: userID,
		Title:  normalizeTitle(title),
		Ctime:  now,
		Mtime:  now,
	}
	if err := s.convs.Create(ctx, conv); err != nil {
		return nil, err
	}
	return conv, nil
}

// Ensure returns the conversation with the given id, creating it for
// userID when it does not exist yet.
func (s *ConversationService) Ensure(ctx context.Context, userID, id, title string) (*model.Conversation, error) {
	conv, err := s.convs.GetByID(ctx, userID, id)
	if err == nil {
		return conv, nil
	}
	if !errors.Is(err, appErr.ErrNotFound) {
		return nil, err
	}
	conv, err = s.create(ctx, userID, id, title)
	if errors.Is(err, appErr.ErrConflict) {
		// Either a concurrent create won or the id belongs to someone else.
		return s.convs.GetByID(ctx, userID, id)
	}
	return conv, err
}

func (s *ConversationService) Get(ctx context.Context, userID, id string) (*model.Conversation, error) {
	return s.convs.GetByID(ctx, userID, id)
}

func (s *ConversationService) List(ctx context.Context, userID string, limit, offset int) ([]model.Conversation, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	return s.convs.List(ctx, userID, limit, offset)
}

// Delete removes the conversation with its chunks, messages, source
// documents and archived originals.
func (s *ConversationService) Delete(ctx context.Context, userID, id string) error {
	logger := logutil.GetLogger(ctx).With(zap.String("user_id", userID), zap.String("conversation_id", id))
	if _, err := s.convs.GetByID(ctx, userID, id); err != nil {
		return err
	}
	docs, err := s.docs.List(ctx, id)
	if err != nil {
		return err
	}
	removed, err := s.store.DeleteScope(ctx, id)
	if err != nil {
		return fmt.Errorf("delete chunks: %w", err)
	}
	if err := s.convs.Delete(ctx, userID, id); err != nil {
		return err
	}
	if s.files != nil {
		for _, d := range docs {
			if d.FileKey == "" {
				continue
			}
			if err := s.files.Delete(ctx, d.FileKey); err != nil {
				logger.Warn("failed to delete archived document", zap.String("key", d.FileKey), zap.Error(err))
			}
		}
	}
	logger.Info("conversation deleted", zap.Int64("chunks", removed), zap.Int("documents", len(docs)))
	return nil
}
