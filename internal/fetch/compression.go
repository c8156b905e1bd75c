package fetch

import (
	"bytes"
	"compress/flate"
	"compress/gzip"
	"compress/zlib"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/andybalholm/brotli"
)

// Pooled decompression readers keep per-resource allocations down; every
// fetched subresource passes through here.
var (
	gzipReaderPool = sync.Pool{
		New: func() interface{} { return new(gzip.Reader) },
	}
	brotliReaderPool = sync.Pool{
		New: func() interface{} { return brotli.NewReader(nil) },
	}
)

var emptyReader = strings.NewReader("")

// decompressTransport is an http.RoundTripper that negotiates compression
// on the way out and transparently unwraps the response body on the way in.
// It handles gzip, brotli, and both zlib-wrapped and raw deflate, including
// layered encodings applied in sequence.
type decompressTransport struct {
	next http.RoundTripper
}

func newDecompressTransport(next http.RoundTripper) *decompressTransport {
	if next == nil {
		next = http.DefaultTransport
	}
	return &decompressTransport{next: next}
}

func (t *decompressTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Header.Get("Accept-Encoding") == "" {
		req.Header.Set("Accept-Encoding", "br, gzip, deflate, identity")
	}
	resp, err := t.next.RoundTrip(req)
	if err != nil {
		return nil, err
	}
	if err := decompressResponse(resp); err != nil {
		_ = resp.Body.Close()
		return nil, fmt.Errorf("response decompression: %w", err)
	}
	return resp, nil
}

// bodyWrapper closes the decoder, returns pooled readers, and closes the
// underlying connection body.
type bodyWrapper struct {
	io.ReadCloser
	original io.ReadCloser
	release  func()
}

func (w *bodyWrapper) Close() error {
	if w.release != nil {
		w.release()
		w.release = nil
	}
	return errors.Join(w.ReadCloser.Close(), w.original.Close())
}

// decompressResponse unwraps Content-Encoding layers in reverse order of
// application. On error the body may be partially consumed and must be
// discarded by the caller.
func decompressResponse(resp *http.Response) error {
	if resp == nil || resp.Body == nil {
		return nil
	}
	encodings := resp.Header.Values("Content-Encoding")
	if len(encodings) == 0 {
		return nil
	}

	for i := len(encodings) - 1; i >= 0; i-- {
		encoding := strings.ToLower(strings.TrimSpace(encodings[i]))

		var reader io.ReadCloser
		var release func()

		switch encoding {
		case "gzip":
			zr := gzipReaderPool.Get().(*gzip.Reader)
			if err := zr.Reset(resp.Body); err != nil {
				gzipReaderPool.Put(zr)
				return fmt.Errorf("gzip init: %w", err)
			}
			reader = zr
			release = func() {
				_ = zr.Reset(emptyReader)
				gzipReaderPool.Put(zr)
			}

		case "br":
			br := brotliReaderPool.Get().(*brotli.Reader)
			if err := br.Reset(resp.Body); err != nil {
				brotliReaderPool.Put(br)
				return fmt.Errorf("brotli init: %w", err)
			}
			reader = io.NopCloser(br)
			release = func() {
				_ = br.Reset(emptyReader)
				brotliReaderPool.Put(br)
			}

		case "deflate":
			r, err := tryDeflate(resp.Body)
			if err != nil {
				return fmt.Errorf("deflate init: %w", err)
			}
			reader = r

		case "identity", "":
			continue

		default:
			return fmt.Errorf("unsupported content-encoding %q", encoding)
		}

		resp.Body = &bodyWrapper{ReadCloser: reader, original: resp.Body, release: release}
	}

	resp.Header.Del("Content-Encoding")
	resp.Header.Del("Content-Length")
	resp.ContentLength = -1
	resp.Uncompressed = true
	return nil
}

// replayReader buffers what has been read so a failed zlib probe can be
// replayed as raw deflate.
type replayReader struct {
	r      io.Reader
	buf    *bytes.Buffer
	source io.Reader
}

func newReplayReader(r io.Reader) *replayReader {
	buf := bytes.NewBuffer(make([]byte, 0, 128))
	return &replayReader{r: io.TeeReader(r, buf), buf: buf, source: r}
}

func (rr *replayReader) Read(p []byte) (int, error) { return rr.r.Read(p) }

func (rr *replayReader) rewind() {
	rr.r = io.MultiReader(bytes.NewReader(rr.buf.Bytes()), rr.source)
}

// tryDeflate decodes zlib-wrapped deflate first, falling back to a raw
// deflate stream when the zlib header is missing.
func tryDeflate(r io.Reader) (io.ReadCloser, error) {
	rr := newReplayReader(r)
	if zr, err := zlib.NewReader(rr); err == nil {
		return zr, nil
	}
	rr.rewind()
	return flate.NewReader(rr), nil
}
