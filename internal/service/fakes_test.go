package service

import (
	"context"
	"sort"
	"sync"

	"github.com/xxxsen/pharmrag/internal/model"
	appErr "github.com/xxxsen/pharmrag/internal/pkg/errors"
)

type memConvRepo struct {
	mu    sync.Mutex
	items map[string]model.Conversation
}

func newMemConvRepo() *memConvRepo {
	return &memConvRepo{items: map[string]model.Conversation{}}
}

func (r *memConvRepo) Create(ctx context.Context, conv *model.Conversation) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.items[conv.ID]; ok {
		return appErr.ErrConflict
	}
	r.items[conv.ID] = *conv
	return nil
}

func (r *memConvRepo) GetByID(ctx context.Context, userID, id string) (*model.Conversation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.items[id]
	if !ok || c.UserID != userID {
		return nil, appErr.ErrNotFound
	}
	return &c, nil
}

func (r *memConvRepo) List(ctx context.Context, userID string, limit, offset int) ([]model.Conversation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := []model.Conversation{}
	for _, c := range r.items {
		if c.UserID == userID {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Mtime > out[j].Mtime })
	return out, nil
}

func (r *memConvRepo) Touch(ctx context.Context, userID, id string, mtime int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.items[id]
	if !ok || c.UserID != userID {
		return appErr.ErrNotFound
	}
	c.Mtime = mtime
	r.items[id] = c
	return nil
}

func (r *memConvRepo) Delete(ctx context.Context, userID, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.items[id]
	if !ok || c.UserID != userID {
		return appErr.ErrNotFound
	}
	delete(r.items, id)
	return nil
}

type memMsgRepo struct {
	mu    sync.Mutex
	items []model.Message
}

func (r *memMsgRepo) CreateBatch(ctx context.Context, msgs []model.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items = append(r.items, msgs...)
	return nil
}

func (r *memMsgRepo) ListRecent(ctx context.Context, conversationID string, limit int) ([]model.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := []model.Message{}
	for _, m := range r.items {
		if m.ConversationID == conversationID {
			out = append(out, m)
		}
	}
	if len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

type memDocRepo struct {
	mu    sync.Mutex
	items map[string]model.SourceDocument
}

func newMemDocRepo() *memDocRepo {
	return &memDocRepo{items: map[string]model.SourceDocument{}}
}

func (r *memDocRepo) Upsert(ctx context.Context, doc *model.SourceDocument) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items[doc.ConversationID+"/"+doc.Filename] = *doc
	return nil
}

func (r *memDocRepo) List(ctx context.Context, conversationID string) ([]model.SourceDocument, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := []model.SourceDocument{}
	for _, d := range r.items {
		if d.ConversationID == conversationID {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Filename < out[j].Filename })
	return out, nil
}

type recordingGenerator struct {
	mu      sync.Mutex
	prompts []string
	answer  string
	err     error
}

func (g *recordingGenerator) Generate(ctx context.Context, prompt string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.prompts = append(g.prompts, prompt)
	return g.answer, g.err
}

type failingDocRepo struct {
	*memDocRepo
	err error
}

func (r *failingDocRepo) Upsert(ctx context.Context, doc *model.SourceDocument) error {
	return r.err
}
