package fetch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/xkilldash9x/wisp/api/schemas"
	"github.com/xkilldash9x/wisp/internal/config"
)

// Transport tuning for a subresource loader. Values mirror common browser
// connection limits.
const (
	defaultMaxIdleConns        = 64
	defaultMaxIdleConnsPerHost = 6
	defaultMaxConnsPerHost     = 8
	defaultIdleConnTimeout     = 90 * time.Second

	// maxResourceBytes bounds a single decoded resource body.
	maxResourceBytes = 32 << 20
)

// Resource is one fetched and decoded subresource.
type Resource struct {
	URL         string
	Data        []byte
	ContentType string
	Kind        schemas.ResourceKind
}

// Fetcher retrieves one resource. Implementations must honor ctx.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (*Resource, error)
}

// HTTPFetcher fetches over HTTP with transparent decompression and an
// optional request rate limit.
type HTTPFetcher struct {
	client  *http.Client
	limiter *rate.Limiter
	log     *zap.Logger
}

// NewHTTPFetcher builds a fetcher from the fetch configuration.
func NewHTTPFetcher(cfg config.FetchConfig, logger *zap.Logger) *HTTPFetcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	transport := &http.Transport{
		MaxIdleConns:        defaultMaxIdleConns,
		MaxIdleConnsPerHost: defaultMaxIdleConnsPerHost,
		MaxConnsPerHost:     defaultMaxConnsPerHost,
		IdleConnTimeout:     defaultIdleConnTimeout,
	}

	var limiter *rate.Limiter
	if cfg.RatePerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), 1)
	}

	return &HTTPFetcher{
		client: &http.Client{
			Transport: newDecompressTransport(transport),
			Timeout:   cfg.RequestTimeout,
		},
		limiter: limiter,
		log:     logger.Named("fetcher"),
	}
}

// Fetch performs a single GET attempt.
func (f *HTTPFetcher) Fetch(ctx context.Context, url string) (*Resource, error) {
	if f.limiter != nil {
		if err := f.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", schemas.ErrFetchFailed, err)
	}

	start := time.Now()
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", schemas.ErrFetchFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("%w: %s returned %d", schemas.ErrFetchFailed, url, resp.StatusCode)
	}

	data, err := readBounded(resp.Body, maxResourceBytes)
	if err != nil {
		return nil, fmt.Errorf("%w: reading %s: %v", schemas.ErrFetchFailed, url, err)
	}

	contentType := resp.Header.Get("Content-Type")
	f.log.Debug("resource fetched",
		zap.String("url", url),
		zap.Int("bytes", len(data)),
		zap.String("content_type", contentType),
		zap.Duration("elapsed", time.Since(start)))

	return &Resource{
		URL:         url,
		Data:        data,
		ContentType: contentType,
		Kind:        schemas.DetectResourceKind(contentType),
	}, nil
}

// readBounded reads at most limit bytes. A source that exceeds the limit is
// an error; a truncated stylesheet or image must never be handed downstream
// as if it were complete.
func readBounded(r io.Reader, limit int64) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > limit {
		return nil, fmt.Errorf("body exceeds %d byte limit", limit)
	}
	return data, nil
}
