package ai

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/require"
)

func cosine(a, b []float32) float64 {
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

func TestHashEmbedder_Deterministic(t *testing.T) {
	e := NewHashEmbedder(0)
	require.Equal(t, DefaultHashDimension, e.Dimension())
	first, err := e.Embed(context.Background(), []string{"Aspirin inhibits COX-1", "warfarin"})
	require.NoError(t, err)
	second, err := NewHashEmbedder(DefaultHashDimension).Embed(context.Background(), []string{"Aspirin inhibits COX-1", "warfarin"})
	require.NoError(t, err)
	require.Equal(t, first, second)
	require.Len(t, first, 2)
	for _, v := range first {
		require.Len(t, v, DefaultHashDimension)
		var norm float64
		for _, x := range v {
			norm += float64(x) * float64(x)
		}
		require.InDelta(t, 1.0, norm, 1e-5)
	}
}

func TestHashEmbedder_RelatedTextsScoreHigher(t *testing.T) {
	e := NewHashEmbedder(DefaultHashDimension)
	vecs, err := e.Embed(context.Background(), []string{
		"Aspirin inhibits COX-1 and COX-2 enzymes.",
		"What does aspirin inhibit?",
		"Metformin lowers hepatic glucose output.",
	})
	require.NoError(t, err)
	related := cosine(vecs[0], vecs[1])
	unrelated := cosine(vecs[2], vecs[1])
	require.Greater(t, related, 0.5)
	require.Less(t, unrelated, related)
}

func TestHashEmbedder_StopwordOnlyTextStillEmbeds(t *testing.T) {
	e := NewHashEmbedder(16)
	vecs, err := e.Embed(context.Background(), []string{"what is the", ""})
	require.NoError(t, err)
	for _, v := range vecs {
		require.Len(t, v, 16)
		require.Greater(t, cosine(v, v), 0.99)
	}
}

func TestHashTokens(t *testing.T) {
	require.Equal(t, []string{"aspirin", "inhibit", "cox"}, hashTokens("What does Aspirin inhibit? COX-1"))
}
