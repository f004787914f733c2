package job

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"

	"github.com/xxxsen/pharmrag/internal/repo"
)

func TestEmbeddingCacheCleanupUsesCutoff(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	now := time.Unix(1_700_000_000, 0)
	job := NewEmbeddingCacheCleanupJob(repo.NewEmbeddingCacheRepo(db), 2)
	job.now = func() time.Time { return now }

	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM embedding_cache WHERE ctime < $1")).
		WithArgs(now.Add(-48 * time.Hour).Unix()).
		WillReturnResult(sqlmock.NewResult(0, 7))

	require.NoError(t, job.Run(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEmbeddingCacheCleanupWithoutRepo(t *testing.T) {
	job := NewEmbeddingCacheCleanupJob(nil, 0)
	require.NoError(t, job.Run(context.Background()))
}
