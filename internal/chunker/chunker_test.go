package chunker

import (
	"errors"
	"fmt"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/require"

	"github.com/xxxsen/pharmrag/internal/model"
	appErr "github.com/xxxsen/pharmrag/internal/pkg/errors"
)

func TestNew_RejectsInvalidConfig(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
	}{
		{name: "zero size", cfg: Config{ChunkSize: 0}},
		{name: "negative overlap", cfg: Config{ChunkSize: 10, ChunkOverlap: -1}},
		{name: "overlap equals size", cfg: Config{ChunkSize: 10, ChunkOverlap: 10}},
		{name: "overlap exceeds size", cfg: Config{ChunkSize: 10, ChunkOverlap: 20}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.cfg)
			require.Error(t, err)
			require.True(t, errors.Is(err, appErr.ErrConfig))
		})
	}
}

func TestChunk_EmptyInput(t *testing.T) {
	c, err := New(Config{ChunkSize: 50, ChunkOverlap: 10})
	require.NoError(t, err)
	require.Empty(t, c.Chunk("", nil))
	require.Empty(t, c.Chunk(" \n\t\n ", nil))
}

func TestChunk_ShortTextSingleChunk(t *testing.T) {
	c, err := New(Config{ChunkSize: 50, ChunkOverlap: 10})
	require.NoError(t, err)
	text := "Aspirin inhibits COX-1 and COX-2 enzymes."
	pieces := c.Chunk(text, map[string]interface{}{model.MetaSource: "aspirin.txt"})
	require.Len(t, pieces, 1)
	require.Equal(t, text, pieces[0].Content)
	require.Equal(t, 0, pieces[0].Start)
	require.Equal(t, len(text), pieces[0].End)
	require.Equal(t, "aspirin.txt", pieces[0].Metadata[model.MetaSource])
	require.Equal(t, 0, pieces[0].Metadata[model.MetaChunkIndex])
}

func TestChunk_CoverageAndSize(t *testing.T) {
	words := make([]string, 0, 200)
	for i := 0; i < 200; i++ {
		words = append(words, fmt.Sprintf("w%d", i))
	}
	text := strings.Join(words, " ")
	c, err := New(Config{ChunkSize: 50, ChunkOverlap: 15})
	require.NoError(t, err)
	pieces := c.Chunk(text, nil)
	require.Greater(t, len(pieces), 1)
	require.Equal(t, 0, pieces[0].Start)
	require.Equal(t, len(text), pieces[len(pieces)-1].End)
	for i, p := range pieces {
		require.Equal(t, i, p.Index)
		require.LessOrEqual(t, utf8.RuneCountInString(text[p.Start:p.End]), 50)
		require.Equal(t, strings.TrimSpace(text[p.Start:p.End]), p.Content)
		if i > 0 {
			prev := pieces[i-1]
			require.Less(t, p.Start, prev.End, "consecutive chunks should overlap")
			require.Greater(t, p.End, prev.End)
		}
	}
}

func TestChunk_ParagraphsPreferred(t *testing.T) {
	para1 := strings.Repeat("Ibuprofen reduces fever. ", 3)
	para2 := strings.Repeat("Paracetamol is hepatotoxic in overdose. ", 2)
	text := strings.TrimSpace(para1) + "\n\n" + strings.TrimSpace(para2)
	c, err := New(Config{ChunkSize: 90, ChunkOverlap: 0})
	require.NoError(t, err)
	pieces := c.Chunk(text, nil)
	require.Len(t, pieces, 2)
	require.Equal(t, strings.TrimSpace(para1), pieces[0].Content)
	require.Equal(t, strings.TrimSpace(para2), pieces[1].Content)
	require.Equal(t, pieces[0].End, pieces[1].Start)
}

func TestChunk_LongTokenFallsBackToCharacters(t *testing.T) {
	text := strings.Repeat("药", 130)
	c, err := New(Config{ChunkSize: 50, ChunkOverlap: 10})
	require.NoError(t, err)
	pieces := c.Chunk(text, nil)
	require.GreaterOrEqual(t, len(pieces), 3)
	for _, p := range pieces {
		require.LessOrEqual(t, utf8.RuneCountInString(p.Content), 50)
	}
	require.Equal(t, len(text), pieces[len(pieces)-1].End)
}

func TestChunk_Repeatable(t *testing.T) {
	text := strings.Repeat("Warfarin interacts with many drugs; monitor INR closely. ", 10)
	c, err := New(Config{ChunkSize: 80, ChunkOverlap: 20})
	require.NoError(t, err)
	meta := map[string]interface{}{model.MetaSource: "warfarin.txt"}
	first := c.Chunk(text, meta)
	second := c.Chunk(text, meta)
	require.Equal(t, first, second)
	first[0].Metadata["mutated"] = true
	require.NotContains(t, meta, "mutated")
	require.NotContains(t, second[0].Metadata, "mutated")
}

func TestEstimateTokens(t *testing.T) {
	require.Equal(t, 0, EstimateTokens(""))
	require.Equal(t, 3, EstimateTokens("take with food"))
	require.Equal(t, 3, EstimateTokens("药物"))
}
