package gcs

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"cloud.google.com/go/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
)

func newTestClient(t *testing.T, handler http.Handler) *storage.Client {
	t.Helper()

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client, err := storage.NewClient(context.Background(),
		option.WithEndpoint(server.URL),
		option.WithoutAuthentication(),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestNewValidation(t *testing.T) {
	t.Parallel()

	_, err := New(nil, Config{Bucket: "pages"})
	require.Error(t, err)

	client := newTestClient(t, http.NotFoundHandler())
	_, err = New(client, Config{Bucket: " "})
	require.Error(t, err)
}

func TestPutObjectUploads(t *testing.T) {
	t.Parallel()

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.URL.Path, "/upload/storage/v1/b/pages/o")
		assert.Equal(t, "archive/shop.vn/abc.html", r.URL.Query().Get("name"))

		body, err := io.ReadAll(r.Body)
		assert.NoError(t, err)
		assert.Contains(t, string(body), "<h1>Đèn LED</h1>")

		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintln(w, `{"name":"archive/shop.vn/abc.html","bucket":"pages"}`)
	})

	store, err := New(newTestClient(t, handler), Config{Bucket: "pages", Prefix: "/archive/"})
	require.NoError(t, err)

	uri, err := store.PutObject(context.Background(), "shop.vn/abc.html", "text/html",
		strings.NewReader("<h1>Đèn LED</h1>"))
	require.NoError(t, err)
	assert.Equal(t, "gs://pages/archive/shop.vn/abc.html", uri)
}

func TestPutObjectErrors(t *testing.T) {
	t.Parallel()

	handler := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	})
	store, err := New(newTestClient(t, handler), Config{Bucket: "pages"})
	require.NoError(t, err)

	_, err = store.PutObject(context.Background(), "", "text/html", strings.NewReader("x"))
	require.Error(t, err)

	_, err = store.PutObject(context.Background(), "shop.vn/abc.html", "text/html", strings.NewReader("x"))
	require.Error(t, err)
}
