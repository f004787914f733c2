package repo

import (
	"context"
	"database/sql"

	"github.com/didi/gendry/builder"

	"github.com/xxxsen/pharmrag/internal/model"
	"github.com/xxxsen/pharmrag/internal/pkg/dbutil"
)

var sourceDocumentFields = []string{"id", "conversation_id", "filename", "file_key", "content_type", "size", "chunk_count", "ctime"}

type SourceDocumentRepo struct {
	db *sql.DB
}

func NewSourceDocumentRepo(db *sql.DB) *SourceDocumentRepo {
	return &SourceDocumentRepo{db: db}
}

// Upsert records an ingested file. Re-ingesting the same filename into a
// conversation replaces the previous record.
func (r *SourceDocumentRepo) Upsert(ctx context.Context, doc *model.SourceDocument) error {
	const query = `
		INSERT INTO source_documents (id, conversation_id, filename, file_key, content_type, size, chunk_count, ctime)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (conversation_id, filename) DO UPDATE SET
			file_key = EXCLUDED.file_key,
			content_type = EXCLUDED.content_type,
			size = EXCLUDED.size,
			chunk_count = EXCLUDED.chunk_count,
			ctime = EXCLUDED.ctime
		RETURNING id
	`
	return r.db.QueryRowContext(ctx, query,
		doc.ID,
		doc.ConversationID,
		doc.Filename,
		doc.FileKey,
		doc.ContentType,
		doc.Size,
		doc.ChunkCount,
		doc.Ctime,
	).Scan(&doc.ID)
}

func (r *SourceDocumentRepo) List(ctx context.Context, conversationID string) ([]model.SourceDocument, error) {
	where := map[string]interface{}{"conversation_id": conversationID, "_orderby": "ctime desc"}
	sqlStr, args, err := builder.BuildSelect("source_documents", where, sourceDocumentFields)
	if err != nil {
		return nil, err
	}
	sqlStr, args = dbutil.Finalize(sqlStr, args)
	rows, err := r.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	items := make([]model.SourceDocument, 0)
	for rows.Next() {
		var d model.SourceDocument
		if err := rows.Scan(&d.ID, &d.ConversationID, &d.Filename, &d.FileKey, &d.ContentType, &d.Size, &d.ChunkCount, &d.Ctime); err != nil {
			return nil, err
		}
		items = append(items, d)
	}
	return items, rows.Err()
}
