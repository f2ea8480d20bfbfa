package artifact

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// Fetcher downloads rendered artifacts from the upstream file endpoint.
type Fetcher struct {
	httpClient *http.Client
	logger     *zap.Logger
}

// NewFetcher creates an artifact fetcher with the given per-request timeout.
func NewFetcher(timeout time.Duration, logger *zap.Logger) *Fetcher {
	return &Fetcher{
		httpClient: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		logger: logger,
	}
}

// Fetch streams the artifact from sourceURL with the caller credential as
// the Authorization header. Any failure here wraps ErrFetch so callers can
// distinguish "source not actually available" from persistence failures.
func (f *Fetcher) Fetch(ctx context.Context, sourceURL, credential string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, sourceURL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: creating request: %v", ErrFetch, err)
	}

	req.Header.Set("Authorization", credential)

	startTime := time.Now().UTC()
	resp, err := f.httpClient.Do(req)
	if err != nil {
		f.logger.Warn("Artifact download failed",
			zap.String("source_url", sourceURL),
			zap.Duration("duration", time.Since(startTime)),
			zap.Error(err))
		return nil, fmt.Errorf("%w: %v", ErrFetch, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		f.logger.Warn("Artifact source returned non-200 status",
			zap.String("source_url", sourceURL),
			zap.Int("status_code", resp.StatusCode))
		return nil, fmt.Errorf("%w: source returned status %d", ErrFetch, resp.StatusCode)
	}

	var buf bytes.Buffer
	if _, err := io.Copy(&buf, resp.Body); err != nil {
		return nil, fmt.Errorf("%w: reading body: %v", ErrFetch, err)
	}

	f.logger.Debug("Artifact downloaded",
		zap.String("source_url", sourceURL),
		zap.Int("size_bytes", buf.Len()),
		zap.Duration("duration", time.Since(startTime)))

	return buf.Bytes(), nil
}
