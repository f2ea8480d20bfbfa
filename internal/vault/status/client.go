package status

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"

	"github.com/fleetgate/reportvault/pkg/types"
)

// Client resolves render status against the remote rendering API.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *zap.Logger
}

// statusResponse is the upstream wire format of a rendering status.
type statusResponse struct {
	ID         json.Number `json:"id"`
	OutputFile string      `json:"outputFile"`
	IsReady    bool        `json:"isReady"`
}

// NewClient creates a render status client for the given upstream origin.
func NewClient(baseURL string, timeout time.Duration, logger *zap.Logger) *Client {
	return &Client{
		baseURL: baseURL,
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

// Resolve performs a single status call for the given render identity and
// normalizes the response. The credential is sent as the Authorization
// header and never stored. No retries happen here.
func (c *Client) Resolve(ctx context.Context, req *types.RenderRequest) (*types.RenderStatus, error) {
	statusURL := fmt.Sprintf("%s/applications/%s/reports/%s/renderings/%s",
		c.baseURL,
		url.PathEscape(req.ApplicationID),
		url.PathEscape(req.ReportID),
		url.PathEscape(req.RequestRenderID))

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, statusURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create status request: %w", err)
	}

	httpReq.Header.Set("Authorization", req.Credential)
	httpReq.Header.Set("Accept", "application/json")

	startTime := time.Now().UTC()
	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		c.logger.Warn("Status request failed",
			zap.String("application_id", req.ApplicationID),
			zap.String("report_id", req.ReportID),
			zap.String("request_render_id", req.RequestRenderID),
			zap.Duration("duration", time.Since(startTime)),
			zap.Error(err))
		return nil, fmt.Errorf("%w: %v", ErrUpstreamTransient, err)
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(httpResp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: reading body: %v", ErrUpstreamTransient, err)
	}

	if err := classifyStatusCode(httpResp.StatusCode); err != nil {
		c.logger.Warn("Status endpoint returned non-success status",
			zap.String("application_id", req.ApplicationID),
			zap.String("report_id", req.ReportID),
			zap.String("request_render_id", req.RequestRenderID),
			zap.Int("status_code", httpResp.StatusCode))
		return nil, fmt.Errorf("%w: status %d", err, httpResp.StatusCode)
	}

	var parsed statusResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		c.logger.Warn("Failed to decode status response",
			zap.String("request_render_id", req.RequestRenderID),
			zap.String("response_preview", preview(respBody)),
			zap.Error(err))
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}

	if parsed.ID.String() == "" || parsed.OutputFile == "" {
		c.logger.Warn("Status response missing id or output file",
			zap.String("request_render_id", req.RequestRenderID),
			zap.String("response_preview", preview(respBody)))
		return nil, fmt.Errorf("%w: missing id or outputFile", ErrMalformedResponse)
	}

	result := &types.RenderStatus{
		CanonicalRenderID: parsed.ID.String(),
		OutputFile:        parsed.OutputFile,
		Ready:             parsed.IsReady,
	}

	c.logger.Debug("Render status resolved",
		zap.String("request_render_id", req.RequestRenderID),
		zap.String("canonical_render_id", result.CanonicalRenderID),
		zap.Bool("ready", result.Ready),
		zap.Duration("duration", time.Since(startTime)))

	return result, nil
}

// SourceURL resolves the status output file against the upstream origin.
func (c *Client) SourceURL(outputFile string) string {
	return c.baseURL + outputFile
}

// classifyStatusCode maps an HTTP status code to the error taxonomy.
// Returns nil for 2xx.
func classifyStatusCode(code int) error {
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return ErrUpstreamAuth
	case code == http.StatusNotFound || code >= 500:
		return ErrUpstreamTransient
	default:
		return ErrUpstreamStatus
	}
}

// preview truncates a response body for logging.
func preview(body []byte) string {
	const maxPreview = 200
	if len(body) > maxPreview {
		return string(body[:maxPreview])
	}
	return string(body)
}
