package repo

import (
	"context"
	"database/sql"

	"github.com/didi/gendry/builder"

	"github.com/xxxsen/pharmrag/internal/model"
	"github.com/xxxsen/pharmrag/internal/pkg/dbutil"
)

type MessageRepo struct {
	db *sql.DB
}

func NewMessageRepo(db *sql.DB) *MessageRepo {
	return &MessageRepo{db: db}
}

func (r *MessageRepo) CreateBatch(ctx context.Context, msgs []model.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	rows := make([]map[string]interface{}, 0, len(msgs))
	for _, m := range msgs {
		rows = append(rows, map[string]interface{}{
			"id":              m.ID,
			"conversation_id": m.ConversationID,
			"role":            m.Role,
			"content":         m.Content,
			"grounded":        m.Grounded,
			"ctime":           m.Ctime,
		})
	}
	sqlStr, args, err := builder.BuildInsert("messages", rows)
	if err != nil {
		return err
	}
	sqlStr, args = dbutil.Finalize(sqlStr, args)
	_, err = r.db.ExecContext(ctx, sqlStr, args...)
	return err
}

// ListRecent returns the newest limit messages in chronological order.
func (r *MessageRepo) ListRecent(ctx context.Context, conversationID string, limit int) ([]model.Message, error) {
	if limit <= 0 {
		limit = 50
	}
	where := map[string]interface{}{
		"conversation_id": conversationID,
		"_orderby":        "ctime desc, id desc",
		"_limit":          []uint{0, uint(limit)},
	}
	sqlStr, args, err := builder.BuildSelect("messages", where, []string{"id", "conversation_id", "role", "content", "grounded", "ctime"})
	if err != nil {
		return nil, err
	}
	sqlStr, args = dbutil.Finalize(sqlStr, args)
	rows, err := r.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	items := make([]model.Message, 0)
	for rows.Next() {
		var m model.Message
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Role, &m.Content, &m.Grounded, &m.Ctime); err != nil {
			return nil, err
		}
		items = append(items, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i, j := 0, len(items)-1; i < j; i, j = i+1, j-1 {
		items[i], items[j] = items[j], items[i]
	}
	return items, nil
}
