package gcs

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"cloud.google.com/go/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
)

func newTestStore(t *testing.T, handler http.Handler) *Store {
	t.Helper()

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client, err := storage.NewClient(context.Background(), option.WithEndpoint(server.URL), option.WithoutAuthentication())
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	store, err := New(client, Config{Bucket: "test-bucket", Object: "ranking.json"})
	require.NoError(t, err)
	return store
}

func TestNewValidation(t *testing.T) {
	t.Parallel()

	_, err := New(nil, Config{Bucket: "b", Object: "o"})
	require.Error(t, err)

	client, err := storage.NewClient(context.Background(), option.WithoutAuthentication())
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	_, err = New(client, Config{Object: "o"})
	require.ErrorContains(t, err, "bucket")
	_, err = New(client, Config{Bucket: "b"})
	require.ErrorContains(t, err, "object")

	store, err := New(client, Config{Bucket: "rank-bucket", Object: "snapshots/ranking.json"})
	require.NoError(t, err)
	require.Equal(t, "gs://rank-bucket/snapshots/ranking.json", store.URI())
}

func TestSave(t *testing.T) {
	payload := []byte(`{"data":{}}`)
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.URL.Path, "/upload/storage/v1/b/test-bucket/o")
		assert.Equal(t, "ranking.json", r.URL.Query().Get("name"))

		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		assert.Contains(t, string(body), string(payload))

		fmt.Fprintln(w, `{ "name": "ranking.json" }`)
	})

	store := newTestStore(t, handler)
	assert.NoError(t, store.Save(context.Background(), payload))
}

func TestSaveError(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})

	store := newTestStore(t, handler)
	assert.Error(t, store.Save(context.Background(), []byte("x")))
}
