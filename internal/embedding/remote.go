package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/hyperjump/kao/internal/models"
)

// RemoteExtractor calls an HTTP embedding service: POST {url} with the raw image
// bytes, answered by {"embeddings": [[...], ...]}.
type RemoteExtractor struct {
	url    string
	client *http.Client
	logger *zap.Logger
}

type remoteResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
	Error      string      `json:"error,omitempty"`
}

// RemoteOption configures a RemoteExtractor.
type RemoteOption func(*RemoteExtractor)

// WithHTTPClient sets the HTTP client.
func WithHTTPClient(c *http.Client) RemoteOption {
	return func(r *RemoteExtractor) {
		r.client = c
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) RemoteOption {
	return func(r *RemoteExtractor) {
		r.logger = l
	}
}

// NewRemoteExtractor returns an extractor for the service at url.
func NewRemoteExtractor(url string, timeout time.Duration, opts ...RemoteOption) (*RemoteExtractor, error) {
	if url == "" {
		return nil, fmt.Errorf("embedding service url is required")
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	r := &RemoteExtractor{
		url:    url,
		client: &http.Client{Timeout: timeout},
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.logger == nil {
		r.logger = zap.NewNop()
	}
	return r, nil
}

// Name returns "remote".
func (r *RemoteExtractor) Name() string {
	return "remote"
}

// Extract posts the image and decodes the embeddings.
func (r *RemoteExtractor) Extract(ctx context.Context, image []byte) ([][]float32, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.url, bytes.NewReader(image))
	if err != nil {
		return nil, failed("build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")

	start := time.Now()
	resp, err := r.client.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, err
		}
		var te interface{ Timeout() bool }
		if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &te) && te.Timeout()) {
			return nil, fmt.Errorf("%w: call %s: %v", models.ErrTimeout, r.url, err)
		}
		return nil, failed("call %s: %v", r.url, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<20))
	if err != nil {
		return nil, failed("read response: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, failed("service returned %d: %s", resp.StatusCode, truncate(body, 200))
	}
	var out remoteResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, failed("decode response: %v", err)
	}
	if out.Error != "" {
		return nil, failed("service error: %s", out.Error)
	}
	r.logger.Debug("Extracted embeddings",
		zap.Int("faces", len(out.Embeddings)),
		zap.Int("bytes", len(image)),
		zap.Duration("took", time.Since(start)))
	if out.Embeddings == nil {
		return [][]float32{}, nil
	}
	return out.Embeddings, nil
}

// Close releases idle connections.
func (r *RemoteExtractor) Close() error {
	r.client.CloseIdleConnections()
	return nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
