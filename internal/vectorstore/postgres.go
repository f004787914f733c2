package vectorstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/lib/pq"
	"github.com/pgvector/pgvector-go"
	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"

	"github.com/xxxsen/pharmrag/internal/model"
)

const (
	lockScopeSQL = `SELECT pg_advisory_xact_lock(hashtext($1))`

	scopeDimSQL = `SELECT vector_dims(embedding) FROM document_chunks WHERE conversation_id = $1 LIMIT 1`

	deleteStaleSQL = `
		DELETE FROM document_chunks
		WHERE conversation_id = $1 AND source = $2 AND NOT (id = ANY($3))
	`

	upsertChunkSQL = `
		INSERT INTO document_chunks (id, conversation_id, source, content, embedding, metadata, ctime)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			source = EXCLUDED.source,
			content = EXCLUDED.content,
			embedding = EXCLUDED.embedding,
			metadata = EXCLUDED.metadata,
			ctime = EXCLUDED.ctime
		WHERE document_chunks.conversation_id = EXCLUDED.conversation_id
	`

	matchChunksSQL = `
		SELECT id, conversation_id, content, metadata, ctime, similarity
		FROM match_document_chunks($1, $2, $3, $4)
	`

	deleteScopeSQL = `DELETE FROM document_chunks WHERE conversation_id = $1`

	deleteSourceSQL = `DELETE FROM document_chunks WHERE conversation_id = $1 AND source = $2`
)

// PostgresStore keeps chunks in the pgvector document_chunks table and
// ranks them with match_document_chunks.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Upsert serialises writers of one scope with a transaction scoped
// advisory lock. Writers of different scopes do not block each other.
func (s *PostgresStore) Upsert(ctx context.Context, scopeID string, chunks []model.Chunk) (err error) {
	if len(chunks) == 0 {
		_, err := validateBatch(scopeID, 0, nil)
		return err
	}
	// Reject a batch that disagrees with itself before touching the db.
	if _, err := validateBatch(scopeID, 0, chunks); err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	if _, err = tx.ExecContext(ctx, lockScopeSQL, scopeID); err != nil {
		return fmt.Errorf("lock scope: %w", err)
	}
	stored, err := scopeDimension(ctx, tx, scopeID)
	if err != nil {
		return err
	}
	if _, err = validateBatch(scopeID, stored, chunks); err != nil {
		return err
	}
	for src, keep := range sources(chunks) {
		if _, err = tx.ExecContext(ctx, deleteStaleSQL, scopeID, src, pq.Array(keep)); err != nil {
			return fmt.Errorf("delete stale chunks of %s: %w", src, err)
		}
	}
	stmt, err := tx.PrepareContext(ctx, upsertChunkSQL)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for i := range chunks {
		c := &chunks[i]
		meta, mErr := json.Marshal(c.Metadata)
		if mErr != nil {
			err = fmt.Errorf("encode metadata of %s: %w", c.ID, mErr)
			return err
		}
		if _, err = stmt.ExecContext(ctx, c.ID, scopeID, c.Source(), c.Content, pgvector.NewVector(c.Embedding), string(meta), c.Ctime); err != nil {
			return fmt.Errorf("upsert chunk %s: %w", c.ID, err)
		}
	}
	if err = tx.Commit(); err != nil {
		return err
	}
	logutil.GetLogger(ctx).Debug("chunks upserted",
		zap.String("scope", scopeID),
		zap.Int("count", len(chunks)),
		zap.Int("stored_dim", stored),
	)
	return nil
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

func scopeDimension(ctx context.Context, q queryRower, scopeID string) (int, error) {
	var dim int
	err := q.QueryRowContext(ctx, scopeDimSQL, scopeID).Scan(&dim)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read scope dimension: %w", err)
	}
	return dim, nil
}

func (s *PostgresStore) Query(ctx context.Context, scopeID string, vector []float32, topK int, threshold float32) ([]model.ScoredChunk, error) {
	stored, err := scopeDimension(ctx, s.db, scopeID)
	if err != nil {
		return nil, err
	}
	if err := checkQuery(scopeID, stored, vector); err != nil {
		return nil, err
	}
	out := make([]model.ScoredChunk, 0)
	if topK <= 0 || stored == 0 {
		return out, nil
	}
	rows, err := s.db.QueryContext(ctx, matchChunksSQL, pgvector.NewVector(vector), float64(threshold), topK, scopeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var item model.ScoredChunk
		var meta []byte
		var score float64
		if err := rows.Scan(&item.ID, &item.ScopeID, &item.Content, &meta, &item.Ctime, &score); err != nil {
			return nil, err
		}
		if len(meta) > 0 {
			if err := json.Unmarshal(meta, &item.Metadata); err != nil {
				return nil, fmt.Errorf("decode metadata of %s: %w", item.ID, err)
			}
		}
		item.Score = float32(score)
		if item.Score < threshold {
			continue
		}
		out = append(out, item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return rank(out, topK), nil
}

func (s *PostgresStore) DeleteScope(ctx context.Context, scopeID string) (int64, error) {
	res, err := s.db.ExecContext(ctx, deleteScopeSQL, scopeID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// DeleteSource takes the scope lock so it never interleaves with an
// Upsert of the same scope.
func (s *PostgresStore) DeleteSource(ctx context.Context, scopeID, source string) (n int64, err error) {
	if err = checkSource(scopeID, source); err != nil {
		return 0, err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	if _, err = tx.ExecContext(ctx, lockScopeSQL, scopeID); err != nil {
		return 0, fmt.Errorf("lock scope: %w", err)
	}
	res, err := tx.ExecContext(ctx, deleteSourceSQL, scopeID, source)
	if err != nil {
		return 0, fmt.Errorf("delete chunks of %s: %w", source, err)
	}
	if n, err = res.RowsAffected(); err != nil {
		return 0, err
	}
	if err = tx.Commit(); err != nil {
		return 0, err
	}
	return n, nil
}

func (s *PostgresStore) Dimension(ctx context.Context, scopeID string) (int, error) {
	return scopeDimension(ctx, s.db, scopeID)
}
