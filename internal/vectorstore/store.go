package vectorstore

import (
	"context"
	"fmt"
	"math"
	"sort"

	"github.com/xxxsen/pharmrag/internal/model"
	appErr "github.com/xxxsen/pharmrag/internal/pkg/errors"
)

// Store persists embedded chunks per scope and answers cosine similarity
// queries inside one scope.
//
// Upsert writes the whole batch or nothing. Every vector must share the
// dimensionality already stored for the scope, otherwise a
// *DimensionMismatchError is returned. Chunks of a source that appears in
// the batch but are absent from it are removed, so re-ingesting a file
// replaces its previous version.
//
// Query returns at most topK chunks scoring at or above threshold, ordered
// by score desc, ctime desc, id asc.
type Store interface {
	Upsert(ctx context.Context, scopeID string, chunks []model.Chunk) error
	Query(ctx context.Context, scopeID string, vector []float32, topK int, threshold float32) ([]model.ScoredChunk, error)
	DeleteScope(ctx context.Context, scopeID string) (int64, error)
	// DeleteSource removes every chunk of one source inside the scope.
	DeleteSource(ctx context.Context, scopeID, source string) (int64, error)
	// Dimension returns the stored dimensionality of the scope, 0 if empty.
	Dimension(ctx context.Context, scopeID string) (int, error)
}

// validateBatch returns the batch dimensionality.
func validateBatch(scopeID string, stored int, chunks []model.Chunk) (int, error) {
	if scopeID == "" {
		return 0, fmt.Errorf("%w: scope id is required", appErr.ErrInvalid)
	}
	dim := stored
	for i := range chunks {
		c := &chunks[i]
		if c.ID == "" {
			return 0, fmt.Errorf("%w: chunk %d has no id", appErr.ErrInvalid, i)
		}
		n := len(c.Embedding)
		if n == 0 {
			return 0, fmt.Errorf("%w: chunk %s has no embedding", appErr.ErrInvalid, c.ID)
		}
		if dim == 0 {
			dim = n
			continue
		}
		if n != dim {
			return 0, &appErr.DimensionMismatchError{ScopeID: scopeID, Expected: dim, Got: n}
		}
	}
	return dim, nil
}

func checkQuery(scopeID string, stored int, vector []float32) error {
	if scopeID == "" {
		return fmt.Errorf("%w: scope id is required", appErr.ErrInvalid)
	}
	if len(vector) == 0 {
		return fmt.Errorf("%w: query vector is empty", appErr.ErrInvalid)
	}
	if stored > 0 && stored != len(vector) {
		return &appErr.DimensionMismatchError{ScopeID: scopeID, Expected: stored, Got: len(vector)}
	}
	return nil
}

func checkSource(scopeID, source string) error {
	if scopeID == "" {
		return fmt.Errorf("%w: scope id is required", appErr.ErrInvalid)
	}
	if source == "" {
		return fmt.Errorf("%w: source is required", appErr.ErrInvalid)
	}
	return nil
}

// sources lists the distinct non-empty sources of a batch and the ids
// each one keeps.
func sources(chunks []model.Chunk) map[string][]string {
	out := make(map[string][]string)
	for i := range chunks {
		src := chunks[i].Source()
		if src == "" {
			continue
		}
		out[src] = append(out[src], chunks[i].ID)
	}
	return out
}

// Cosine returns the cosine similarity of a and b, 0 when either is a
// zero vector or the lengths differ.
func Cosine(a, b []float32) float32 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return float32(dot / (math.Sqrt(na) * math.Sqrt(nb)))
}

func rank(items []model.ScoredChunk, topK int) []model.ScoredChunk {
	sort.SliceStable(items, func(i, j int) bool {
		if items[i].Score != items[j].Score {
			return items[i].Score > items[j].Score
		}
		if items[i].Ctime != items[j].Ctime {
			return items[i].Ctime > items[j].Ctime
		}
		return items[i].ID < items[j].ID
	})
	if topK >= 0 && len(items) > topK {
		items = items[:topK]
	}
	return items
}
