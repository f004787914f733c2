package repo

import (
	"context"
	"database/sql"

	"github.com/didi/gendry/builder"

	"github.com/xxxsen/pharmrag/internal/model"
	"github.com/xxxsen/pharmrag/internal/pkg/dbutil"
	appErr "github.com/xxxsen/pharmrag/internal/pkg/errors"
)

var conversationFields = []string{"id", "user_id", "title", "ctime", "mtime"}

type ConversationRepo struct {
	db *sql.DB
}

func NewConversationRepo(db *sql.DB) *ConversationRepo {
	return &ConversationRepo{db: db}
}

func (r *ConversationRepo) Create(ctx context.Context, conv *model.Conversation) error {
	data := map[string]interface{}{
		"id":      conv.ID,
		"user_id": conv.UserID,
		"title":   conv.Title,
		"ctime":   conv.Ctime,
		"mtime":   conv.Mtime,
	}
	sqlStr, args, err := builder.BuildInsert("conversations", []map[string]interface{}{data})
	if err != nil {
		return err
	}
	sqlStr, args = dbutil.Finalize(sqlStr, args)
	if _, err := r.db.ExecContext(ctx, sqlStr, args...); err != nil {
		if dbutil.IsConflict(err) {
			return appErr.ErrConflict
		}
		return err
	}
	return nil
}

func (r *ConversationRepo) GetByID(ctx context.Context, userID, id string) (*model.Conversation, error) {
	where := map[string]interface{}{"id": id, "user_id": userID}
	sqlStr, args, err := builder.BuildSelect("conversations", where, conversationFields)
	if err != nil {
		return nil, err
	}
	sqlStr, args = dbutil.Finalize(sqlStr, args)
	var conv model.Conversation
	err = r.db.QueryRowContext(ctx, sqlStr, args...).Scan(&conv.ID, &conv.UserID, &conv.Title, &conv.Ctime, &conv.Mtime)
	if err == sql.ErrNoRows {
		return nil, appErr.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &conv, nil
}

func (r *ConversationRepo) List(ctx context.Context, userID string, limit, offset int) ([]model.Conversation, error) {
	where := map[string]interface{}{"user_id": userID, "_orderby": "mtime desc"}
	if limit > 0 {
		if offset < 0 {
			offset = 0
		}
		where["_limit"] = []uint{uint(offset), uint(limit)}
	}
	sqlStr, args, err := builder.BuildSelect("conversations", where, conversationFields)
	if err != nil {
		return nil, err
	}
	sqlStr, args = dbutil.Finalize(sqlStr, args)
	rows, err := r.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	items := make([]model.Conversation, 0)
	for rows.Next() {
		var conv model.Conversation
		if err := rows.Scan(&conv.ID, &conv.UserID, &conv.Title, &conv.Ctime, &conv.Mtime); err != nil {
			return nil, err
		}
		items = append(items, conv)
	}
	return items, rows.Err()
}

func (r *ConversationRepo) Touch(ctx context.Context, userID, id string, mtime int64) error {
	where := map[string]interface{}{"id": id, "user_id": userID}
	sqlStr, args, err := builder.BuildUpdate("conversations", where, map[string]interface{}{"mtime": mtime})
	if err != nil {
		return err
	}
	sqlStr, args = dbutil.Finalize(sqlStr, args)
	return dbutil.MustAffect(r.db.ExecContext(ctx, sqlStr, args...))
}

// Delete removes the conversation; messages, source documents and chunks
// go with it through ON DELETE CASCADE.
func (r *ConversationRepo) Delete(ctx context.Context, userID, id string) error {
	where := map[string]interface{}{"id": id, "user_id": userID}
	sqlStr, args, err := builder.BuildDelete("conversations", where)
	if err != nil {
		return err
	}
	sqlStr, args = dbutil.Finalize(sqlStr, args)
	return dbutil.MustAffect(r.db.ExecContext(ctx, sqlStr, args...))
}
