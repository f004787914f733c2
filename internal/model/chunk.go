package model

const (
	MetaSource         = "source"
	MetaChunkIndex     = "chunk_index"
	MetaPage           = "page"
	MetaSlide          = "slide"
	MetaSheet          = "sheet"
	MetaTokenCount     = "token_count"
	MetaEmbeddingModel = "embedding_model"
	MetaDocumentID     = "document_id"
)

// Chunk is one embedded slice of a source document, owned by a conversation
// scope. Ctime is in unix milliseconds and breaks ranking ties.
type Chunk struct {
	ID        string                 `json:"id"`
	ScopeID   string                 `json:"scope_id"`
	Content   string                 `json:"content"`
	Embedding []float32              `json:"-"`
	Metadata  map[string]interface{} `json:"metadata"`
	Ctime     int64                  `json:"ctime"`
}

type ScoredChunk struct {
	Chunk
	Score float32 `json:"score"`
}

func (c *Chunk) Source() string {
	return MetaString(c.Metadata, MetaSource)
}

func MetaString(meta map[string]interface{}, key string) string {
	if meta == nil {
		return ""
	}
	v, _ := meta[key].(string)
	return v
}

// MetaInt tolerates float64 values produced by a JSON round trip.
func MetaInt(meta map[string]interface{}, key string) (int, bool) {
	if meta == nil {
		return 0, false
	}
	switch v := meta[key].(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	case float32:
		return int(v), true
	}
	return 0, false
}

func CloneMetadata(meta map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(meta))
	for k, v := range meta {
		out[k] = v
	}
	return out
}
