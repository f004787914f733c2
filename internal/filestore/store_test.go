package filestore

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/xxxsen/pharmrag/internal/config"
	appErr "github.com/xxxsen/pharmrag/internal/pkg/errors"
)

func TestNewNoneStore(t *testing.T) {
	store, err := New(config.FileStoreConfig{Type: "none"})
	require.NoError(t, err)
	require.Nil(t, store)

	_, err = New(config.FileStoreConfig{Type: "ftp"})
	require.Error(t, err)
}

func TestLocalStoreRoundTrip(t *testing.T) {
	store, err := New(config.FileStoreConfig{Type: "local", Dir: t.TempDir()})
	require.NoError(t, err)
	ctx := context.Background()

	data := []byte("aspirin monograph")
	require.NoError(t, store.Save(ctx, "conv-1/doc.txt", bytes.NewReader(data), int64(len(data))))

	rc, err := store.Open(ctx, "conv-1/doc.txt")
	require.NoError(t, err)
	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())
	require.Equal(t, data, got)

	require.NoError(t, store.Delete(ctx, "conv-1/doc.txt"))
	_, err = store.Open(ctx, "conv-1/doc.txt")
	require.ErrorIs(t, err, appErr.ErrNotFound)
	require.NoError(t, store.Delete(ctx, "conv-1/doc.txt"))
}

func TestLocalStoreRejectsEscapingKeys(t *testing.T) {
	store, err := New(config.FileStoreConfig{Type: "local", Dir: t.TempDir()})
	require.NoError(t, err)
	for _, key := range []string{"", "../x", "/etc/passwd", "a\\b"} {
		err := store.Save(context.Background(), key, bytes.NewReader(nil), 0)
		require.Error(t, err, key)
	}
}

type fakeS3 struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func (f *fakeS3) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch r.Method {
	case http.MethodPut:
		body, _ := io.ReadAll(r.Body)
		f.objects[r.URL.Path] = body
		w.WriteHeader(http.StatusOK)
	case http.MethodGet:
		body, ok := f.objects[r.URL.Path]
		if !ok {
			w.Header().Set("Content-Type", "application/xml")
			w.WriteHeader(http.StatusNotFound)
			_, _ = io.WriteString(w, `<?xml version="1.0" encoding="UTF-8"?><Error><Code>NoSuchKey</Code><Message>missing</Message></Error>`)
			return
		}
		_, _ = w.Write(body)
	case http.MethodDelete:
		delete(f.objects, r.URL.Path)
		w.WriteHeader(http.StatusNoContent)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func TestS3StoreRoundTrip(t *testing.T) {
	fake := &fakeS3{objects: map[string][]byte{}}
	srv := httptest.NewServer(fake)
	defer srv.Close()

	store, err := New(config.FileStoreConfig{Type: "s3", S3: config.S3Config{
		Endpoint:  srv.URL,
		SecretID:  "id",
		SecretKey: "key",
		Bucket:    "docs",
		Prefix:    "/archive/",
	}})
	require.NoError(t, err)
	ctx := context.Background()

	data := []byte("ibuprofen label")
	require.NoError(t, store.Save(ctx, "c1/label.txt", bytes.NewReader(data), int64(len(data))))
	fake.mu.Lock()
	require.Equal(t, data, fake.objects["/docs/archive/c1/label.txt"])
	fake.mu.Unlock()

	rc, err := store.Open(ctx, "c1/label.txt")
	require.NoError(t, err)
	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())
	require.Equal(t, data, got)

	require.NoError(t, store.Delete(ctx, "c1/label.txt"))
	_, err = store.Open(ctx, "c1/label.txt")
	require.ErrorIs(t, err, appErr.ErrNotFound)
}

func TestBuildEndpoint(t *testing.T) {
	require.Equal(t, "", buildEndpoint(" ", false))
	require.Equal(t, "http://minio:9000", buildEndpoint("minio:9000/", false))
	require.Equal(t, "https://minio:9000", buildEndpoint("minio:9000", true))
	require.True(t, strings.HasPrefix(buildEndpoint("https://s3.local", false), "https://"))
}
