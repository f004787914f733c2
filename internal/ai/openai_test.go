package ai

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
)

func newOpenAIServer(t *testing.T, fail int32, status int) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		require.Equal(t, "/embeddings", r.URL.Path)
		require.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		if n <= fail {
			http.Error(w, "try later", status)
			return
		}
		var req openAIEmbedRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Equal(t, 4, req.Dimensions)
		type item struct {
			Index     int       `json:"index"`
			Embedding []float32 `json:"embedding"`
		}
		var data []item
		for i := len(req.Input) - 1; i >= 0; i-- {
			data = append(data, item{Index: i, Embedding: []float32{float32(i), 0, 0, 1}})
		}
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"data": data})
	}))
	return srv, &calls
}

func newTestOpenAIEmbedder(t *testing.T, url string) IEmbedder {
	t.Helper()
	p, err := NewEmbedProvider("openai", map[string]interface{}{"api_key": "sk-test", "base_url": url})
	require.NoError(t, err)
	return NewProviderEmbedder(p, "text-embedding-3-large", 4)
}

func TestOpenAIEmbed_OrdersByIndex(t *testing.T) {
	srv, _ := newOpenAIServer(t, 0, 0)
	defer srv.Close()
	e := newTestOpenAIEmbedder(t, srv.URL)
	vecs, err := e.Embed(context.Background(), []string{"a", "b", "c"})
	require.NoError(t, err)
	require.Len(t, vecs, 3)
	for i, v := range vecs {
		require.Equal(t, float32(i), v[0])
	}
	require.Equal(t, "openai:text-embedding-3-large@4", e.ModelName())
}

func TestOpenAIEmbed_RetriesServerErrors(t *testing.T) {
	srv, calls := newOpenAIServer(t, 1, http.StatusServiceUnavailable)
	defer srv.Close()
	e := newTestOpenAIEmbedder(t, srv.URL)
	_, err := e.Embed(context.Background(), []string{"a"})
	require.NoError(t, err)
	require.EqualValues(t, 2, calls.Load())
}

func TestOpenAIEmbed_DoesNotRetryClientErrors(t *testing.T) {
	srv, calls := newOpenAIServer(t, 10, http.StatusBadRequest)
	defer srv.Close()
	e := newTestOpenAIEmbedder(t, srv.URL)
	_, err := e.Embed(context.Background(), []string{"a"})
	require.Error(t, err)
	var serr *StatusError
	require.True(t, errors.As(err, &serr))
	require.Equal(t, http.StatusBadRequest, serr.StatusCode)
	require.EqualValues(t, 1, calls.Load())
}

func TestOpenAIEmbed_MissingKey(t *testing.T) {
	p, err := NewEmbedProvider("openai", map[string]interface{}{"api_key": "${PHARMRAG_TEST_MISSING_KEY}"})
	require.NoError(t, err)
	_, err = NewProviderEmbedder(p, "m", 4).Embed(context.Background(), []string{"a"})
	require.ErrorIs(t, err, ErrUnavailable)
}

func TestExpandSecret(t *testing.T) {
	t.Setenv("PHARMRAG_TEST_KEY", " sk-env ")
	require.Equal(t, "sk-env", expandSecret("${PHARMRAG_TEST_KEY}"))
	require.Equal(t, "sk-$literal", expandSecret("sk-$literal"))
}
