package fetch

import (
	"bytes"
	"compress/gzip"
	"compress/zlib"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xkilldash9x/wisp/api/schemas"
	"github.com/xkilldash9x/wisp/internal/config"
)

func newTestFetcher(timeout time.Duration) *HTTPFetcher {
	return NewHTTPFetcher(config.FetchConfig{RequestTimeout: timeout}, nil)
}

func TestFetchPlainResource(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/css")
		_, _ = w.Write([]byte("p { color: red; }"))
	}))
	defer srv.Close()

	f := newTestFetcher(time.Second)
	defer f.client.CloseIdleConnections()

	res, err := f.Fetch(context.Background(), srv.URL+"/site.css")
	require.NoError(t, err)
	assert.Equal(t, "p { color: red; }", string(res.Data))
	assert.Equal(t, schemas.ResourceStylesheet, res.Kind)
}

func TestReadBoundedRejectsOversizedBody(t *testing.T) {
	data, err := readBounded(strings.NewReader("under the cap"), 64)
	require.NoError(t, err)
	assert.Equal(t, "under the cap", string(data))

	data, err = readBounded(strings.NewReader(strings.Repeat("x", 65)), 64)
	require.Error(t, err, "a body past the limit fails instead of truncating")
	assert.Nil(t, data)

	data, err = readBounded(strings.NewReader(strings.Repeat("x", 64)), 64)
	require.NoError(t, err, "a body exactly at the limit is fine")
	assert.Len(t, data, 64)
}

func TestFetchDecompressesGzip(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.Header.Get("Accept-Encoding"), "br")

		var buf bytes.Buffer
		zw := gzip.NewWriter(&buf)
		_, _ = zw.Write([]byte("compressed body"))
		_ = zw.Close()

		w.Header().Set("Content-Type", "image/png")
		w.Header().Set("Content-Encoding", "gzip")
		_, _ = w.Write(buf.Bytes())
	}))
	defer srv.Close()

	f := newTestFetcher(time.Second)
	defer f.client.CloseIdleConnections()

	res, err := f.Fetch(context.Background(), srv.URL+"/hero.png")
	require.NoError(t, err)
	assert.Equal(t, "compressed body", string(res.Data))
	assert.Equal(t, schemas.ResourceImage, res.Kind)
}

func TestFetchDecompressesBrotli(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var buf bytes.Buffer
		bw := brotli.NewWriter(&buf)
		_, _ = bw.Write([]byte("brotli body"))
		_ = bw.Close()

		w.Header().Set("Content-Encoding", "br")
		_, _ = w.Write(buf.Bytes())
	}))
	defer srv.Close()

	f := newTestFetcher(time.Second)
	defer f.client.CloseIdleConnections()

	res, err := f.Fetch(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.Equal(t, "brotli body", string(res.Data))
}

func TestFetchErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	f := newTestFetcher(time.Second)
	defer f.client.CloseIdleConnections()

	_, err := f.Fetch(context.Background(), srv.URL+"/missing.png")
	assert.ErrorIs(t, err, schemas.ErrFetchFailed)
}

func TestFetchHonorsContext(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer srv.Close()
	defer close(release)

	f := newTestFetcher(10 * time.Second)
	defer f.client.CloseIdleConnections()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := f.Fetch(ctx, srv.URL)
	require.Error(t, err)
	assert.ErrorIs(t, err, schemas.ErrFetchFailed)
}

func TestDecompressLayeredEncodings(t *testing.T) {
	// deflate applied first, then gzip; decoding must unwrap in reverse.
	var inner bytes.Buffer
	zw := zlib.NewWriter(&inner)
	_, _ = zw.Write([]byte("layered"))
	_ = zw.Close()

	var outer bytes.Buffer
	gw := gzip.NewWriter(&outer)
	_, _ = gw.Write(inner.Bytes())
	_ = gw.Close()

	resp := &http.Response{
		Header: http.Header{"Content-Encoding": []string{"deflate", "gzip"}},
		Body:   io.NopCloser(bytes.NewReader(outer.Bytes())),
	}
	require.NoError(t, decompressResponse(resp))
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "layered", string(data))
	assert.True(t, resp.Uncompressed)
}

func TestDecompressUnknownEncoding(t *testing.T) {
	resp := &http.Response{
		Header: http.Header{"Content-Encoding": []string{"zstd"}},
		Body:   io.NopCloser(bytes.NewReader(nil)),
	}
	assert.Error(t, decompressResponse(resp))
}
