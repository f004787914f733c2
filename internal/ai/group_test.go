package ai

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestGroupEmbedder_SkipsWrongDimension(t *testing.T) {
	wrong := &fakeEmbedder{dim: 768}
	right := &fakeEmbedder{dim: 1024}
	g := NewGroupEmbedder([]EmbedderEntry{
		{Name: "gemini", Embedder: wrong},
		{Name: "openai", Embedder: right},
	}, 1024)
	require.Equal(t, 1024, g.Dimension())
	vecs, err := g.Embed(context.Background(), []string{"x"})
	require.NoError(t, err)
	require.Len(t, vecs[0], 1024)
	require.EqualValues(t, 1, wrong.calls.Load())
}

func TestGroupEmbedder_JoinsErrors(t *testing.T) {
	g := NewGroupEmbedder([]EmbedderEntry{
		{Name: "a", Embedder: &fakeEmbedder{dim: 4, err: errors.New("a down")}},
		{Name: "b", Embedder: &fakeEmbedder{dim: 4, err: errors.New("b down")}},
	}, 0)
	_, err := g.Embed(context.Background(), []string{"x"})
	require.Error(t, err)
	require.Contains(t, err.Error(), "a down")
	require.Contains(t, err.Error(), "b down")
}

func TestGroupEmbedder_Empty(t *testing.T) {
	require.Nil(t, NewGroupEmbedder(nil, 0))
}

func TestBreakerEmbedder_OpensAfterFailures(t *testing.T) {
	inner := &fakeEmbedder{dim: 4, err: errors.New("upstream 500")}
	e := WrapBreakerToEmbedder("openai", inner, BreakerConfig{MaxFailures: 2, OpenTimeout: time.Minute})
	for i := 0; i < 2; i++ {
		_, err := e.Embed(context.Background(), []string{"x"})
		require.Error(t, err)
		require.False(t, errors.Is(err, ErrUnavailable))
	}
	_, err := e.Embed(context.Background(), []string{"x"})
	require.ErrorIs(t, err, ErrUnavailable)
	require.EqualValues(t, 2, inner.calls.Load())
}

type fakeGenerator struct {
	out string
	err error
}

func (f fakeGenerator) Generate(ctx context.Context, prompt string) (string, error) {
	return f.out, f.err
}

func TestGroupGenerator_FallsThrough(t *testing.T) {
	g := NewGroupGenerator([]GeneratorEntry{
		{Name: "openai", Generator: fakeGenerator{err: errors.New("quota")}},
		{Name: "gemini", Generator: fakeGenerator{out: "answer"}},
	})
	out, err := g.Generate(context.Background(), "prompt")
	require.NoError(t, err)
	require.Equal(t, "answer", out)
}
