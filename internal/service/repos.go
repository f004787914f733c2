package service

import (
	"context"

	"github.com/xxxsen/pharmrag/internal/model"
)

type ConversationRepository interface {
	Create(ctx context.Context, conv *model.Conversation) error
	GetByID(ctx context.Context, userID, id string) (*model.Conversation, error)
	List(ctx context.Context, userID string, limit, offset int) ([]model.Conversation, error)
	Touch(ctx context.Context, userID, id string, mtime int64) error
	Delete(ctx context.Context, userID, id string) error
}

type MessageRepository interface {
	CreateBatch(ctx context.Context, msgs []model.Message) error
	ListRecent(ctx context.Context, conversationID string, limit int) ([]model.Message, error)
}

type SourceDocumentRepository interface {
	Upsert(ctx context.Context, doc *model.SourceDocument) error
	List(ctx context.Context, conversationID string) ([]model.SourceDocument, error)
}
