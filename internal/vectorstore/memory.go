package vectorstore

import (
	"context"
	"sync"

	"github.com/xxxsen/pharmrag/internal/model"
)

type memoryScope struct {
	mu     sync.RWMutex
	dim    int
	chunks map[string]model.Chunk
}

// MemoryStore is a brute-force index. It suits tests, the CLI and small
// deployments without postgres.
type MemoryStore struct {
	mu     sync.RWMutex
	scopes map[string]*memoryScope
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{scopes: make(map[string]*memoryScope)}
}

func (s *MemoryStore) scope(scopeID string, create bool) *memoryScope {
	s.mu.RLock()
	sc := s.scopes[scopeID]
	s.mu.RUnlock()
	if sc != nil || !create {
		return sc
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if sc = s.scopes[scopeID]; sc == nil {
		sc = &memoryScope{chunks: make(map[string]model.Chunk)}
		s.scopes[scopeID] = sc
	}
	return sc
}

func (s *MemoryStore) Upsert(ctx context.Context, scopeID string, chunks []model.Chunk) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(chunks) == 0 {
		_, err := validateBatch(scopeID, 0, nil)
		return err
	}
	sc := s.scope(scopeID, true)
	sc.mu.Lock()
	defer sc.mu.Unlock()
	stored := sc.dim
	if len(sc.chunks) == 0 {
		stored = 0
	}
	dim, err := validateBatch(scopeID, stored, chunks)
	if err != nil {
		return err
	}
	for src, keep := range sources(chunks) {
		keepSet := make(map[string]struct{}, len(keep))
		for _, id := range keep {
			keepSet[id] = struct{}{}
		}
		for id, c := range sc.chunks {
			if _, ok := keepSet[id]; !ok && c.Source() == src {
				delete(sc.chunks, id)
			}
		}
	}
	for _, c := range chunks {
		c.ScopeID = scopeID
		c.Embedding = append([]float32(nil), c.Embedding...)
		c.Metadata = model.CloneMetadata(c.Metadata)
		sc.chunks[c.ID] = c
	}
	sc.dim = dim
	return nil
}

func (s *MemoryStore) Query(ctx context.Context, scopeID string, vector []float32, topK int, threshold float32) ([]model.ScoredChunk, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := make([]model.ScoredChunk, 0)
	sc := s.scope(scopeID, false)
	if sc == nil {
		return out, checkQuery(scopeID, 0, vector)
	}
	sc.mu.RLock()
	defer sc.mu.RUnlock()
	stored := sc.dim
	if len(sc.chunks) == 0 {
		stored = 0
	}
	if err := checkQuery(scopeID, stored, vector); err != nil {
		return nil, err
	}
	if topK <= 0 {
		return out, nil
	}
	for _, c := range sc.chunks {
		score := Cosine(vector, c.Embedding)
		if score < threshold {
			continue
		}
		hit := c
		hit.Metadata = model.CloneMetadata(c.Metadata)
		hit.Embedding = nil
		out = append(out, model.ScoredChunk{Chunk: hit, Score: score})
	}
	return rank(out, topK), nil
}

// DeleteScope empties the scope in place so a concurrent Upsert holding the
// scope never writes into a detached index.
func (s *MemoryStore) DeleteScope(ctx context.Context, scopeID string) (int64, error) {
	sc := s.scope(scopeID, false)
	if sc == nil {
		return 0, nil
	}
	sc.mu.Lock()
	defer sc.mu.Unlock()
	n := int64(len(sc.chunks))
	sc.chunks = make(map[string]model.Chunk)
	sc.dim = 0
	return n, nil
}

func (s *MemoryStore) DeleteSource(ctx context.Context, scopeID, source string) (int64, error) {
	if err := checkSource(scopeID, source); err != nil {
		return 0, err
	}
	sc := s.scope(scopeID, false)
	if sc == nil {
		return 0, nil
	}
	sc.mu.Lock()
	defer sc.mu.Unlock()
	var n int64
	for id, c := range sc.chunks {
		if c.Source() == source {
			delete(sc.chunks, id)
			n++
		}
	}
	// An emptied scope accepts a new dimensionality.
	if len(sc.chunks) == 0 {
		sc.dim = 0
	}
	return n, nil
}

func (s *MemoryStore) Dimension(ctx context.Context, scopeID string) (int, error) {
	sc := s.scope(scopeID, false)
	if sc == nil {
		return 0, nil
	}
	sc.mu.RLock()
	defer sc.mu.RUnlock()
	if len(sc.chunks) == 0 {
		return 0, nil
	}
	return sc.dim, nil
}
