package ai

import (
	"context"
	"fmt"
	"math"
	"strings"
	"unicode"

	"github.com/cespare/xxhash/v2"
)

const DefaultHashDimension = 384

const (
	hashWordWeight    = 0.5
	hashTrigramWeight = 1.0
)

var hashStopwords = map[string]struct{}{
	"a": {}, "an": {}, "and": {}, "are": {}, "as": {}, "at": {}, "be": {}, "but": {}, "by": {},
	"for": {}, "if": {}, "in": {}, "into": {}, "is": {}, "it": {}, "no": {}, "not": {}, "of": {},
	"on": {}, "or": {}, "such": {}, "that": {}, "the": {}, "their": {}, "then": {}, "there": {},
	"these": {}, "they": {}, "this": {}, "to": {}, "was": {}, "will": {}, "with": {},
	"what": {}, "does": {}, "do": {}, "which": {}, "how": {}, "who": {},
}

// hashEmbedder is the last-resort strategy. It hashes word tokens and
// padded character trigrams into a fixed number of buckets, so texts that
// share vocabulary or word stems land close together. Output depends only
// on the input text and the dimension.
type hashEmbedder struct {
	dim int
}

func NewHashEmbedder(dim int) IEmbedder {
	if dim <= 0 {
		dim = DefaultHashDimension
	}
	return &hashEmbedder{dim: dim}
}

func (h *hashEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, 0, len(texts))
	for _, text := range texts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		out = append(out, h.vector(text))
	}
	return out, nil
}

func (h *hashEmbedder) Dimension() int {
	return h.dim
}

func (h *hashEmbedder) ModelName() string {
	return fmt.Sprintf("hash:xxh64@%d", h.dim)
}

func (h *hashEmbedder) vector(text string) []float32 {
	counts := hashFeatures(text)
	acc := make([]float64, h.dim)
	for key, c := range counts {
		weight := hashTrigramWeight
		if strings.HasPrefix(key, "w:") {
			weight = hashWordWeight
		}
		idx := xxhash.Sum64String(key) % uint64(h.dim)
		acc[idx] += weight * (1 + math.Log(float64(c)))
	}
	var norm float64
	for _, v := range acc {
		norm += v * v
	}
	norm = math.Sqrt(norm)
	vec := make([]float32, h.dim)
	if norm == 0 {
		return vec
	}
	for i, v := range acc {
		vec[i] = float32(v / norm)
	}
	return vec
}

func hashFeatures(text string) map[string]int {
	counts := make(map[string]int)
	for _, tok := range hashTokens(text) {
		counts["w:"+tok]++
		padded := []rune("^" + tok + "$")
		for i := 0; i+3 <= len(padded); i++ {
			counts["c:"+string(padded[i:i+3])]++
		}
	}
	if len(counts) == 0 {
		counts["raw:"+strings.ToLower(strings.TrimSpace(text))] = 1
	}
	return counts
}

func hashTokens(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	out := fields[:0]
	for _, f := range fields {
		if len([]rune(f)) < 2 {
			continue
		}
		if _, ok := hashStopwords[f]; ok {
			continue
		}
		out = append(out, f)
	}
	return out
}
