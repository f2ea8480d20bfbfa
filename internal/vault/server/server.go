package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/fleetgate/reportvault/internal/common/httputil"
	"github.com/fleetgate/reportvault/internal/common/requestid"
	"github.com/fleetgate/reportvault/internal/vault/artifact"
	"github.com/fleetgate/reportvault/internal/vault/coordinator"
	"github.com/fleetgate/reportvault/internal/vault/events"
	"github.com/fleetgate/reportvault/internal/vault/metrics"
	"github.com/fleetgate/reportvault/internal/vault/status"
	"github.com/fleetgate/reportvault/pkg/types"
)

// Path constants for service endpoints.
const (
	PathHealth = "/health"
	PathReady  = "/ready"
)

// Getter runs the get-or-fetch pipeline for one report render request.
type Getter interface {
	GetOrFetch(ctx context.Context, req *types.RenderRequest) (*coordinator.Result, error)
}

// Emitter records one fetch event; may be a nil file emitter.
type Emitter interface {
	Emit(event *events.FetchEvent)
}

// fileResponse is the success payload of the report file endpoint.
type fileResponse struct {
	Outcome           string `json:"outcome"`
	ArtifactLocation  string `json:"artifact_location"`
	CanonicalRenderID string `json:"canonical_render_id,omitempty"`
}

// Server is the public HTTP front end. It exposes
// GET /applications/{applicationId}/reports/{reportId}/renderings/{renderId}/file
// plus health and readiness probes.
type Server struct {
	coordinator Getter
	metrics     *metrics.Collector
	emitter     Emitter
	logger      *zap.Logger
	server      *fasthttp.Server
	listener    net.Listener
	startTime   time.Time
}

// NewServer creates the public server. The emitter may be nil.
func NewServer(coord Getter, collector *metrics.Collector, emitter Emitter, logger *zap.Logger) *Server {
	return &Server{
		coordinator: coord,
		metrics:     collector,
		emitter:     emitter,
		logger:      logger,
		startTime:   time.Now().UTC(),
	}
}

// Start begins accepting HTTP requests on the given address.
func (s *Server) Start(address string, readTimeout time.Duration) error {
	s.server = &fasthttp.Server{
		Handler:     s.Handler(),
		Name:        "ReportVault",
		ReadTimeout: readTimeout,
	}

	listener, err := net.Listen("tcp", address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", address, err)
	}
	s.listener = listener

	s.logger.Info("Server started", zap.String("address", address))

	return s.server.Serve(listener)
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}

	s.logger.Info("Shutting down server")
	return s.server.ShutdownWithContext(ctx)
}

// Handler returns the FastHTTP request handler.
func (s *Server) Handler() fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		requestID := requestid.Generate(string(ctx.Request.Header.Peek("X-Request-ID")))
		ctx.Response.Header.Set("X-Request-ID", requestID)

		path := string(ctx.Path())

		switch path {
		case PathHealth:
			s.handleHealth(ctx)
			return
		case PathReady:
			s.handleReady(ctx)
			return
		}

		if req, ok := parseFilePath(path); ok {
			if !ctx.IsGet() {
				httputil.JSONError(ctx, "method not allowed", fasthttp.StatusMethodNotAllowed)
				return
			}
			s.handleReportFile(ctx, req, requestID)
			return
		}

		httputil.JSONError(ctx, "not found", fasthttp.StatusNotFound)
	}
}

// parseFilePath matches
// /applications/{applicationId}/reports/{reportId}/renderings/{renderId}/file
// and extracts the three identifiers.
func parseFilePath(path string) (*types.RenderRequest, bool) {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) != 7 {
		return nil, false
	}
	if parts[0] != "applications" || parts[2] != "reports" || parts[4] != "renderings" || parts[6] != "file" {
		return nil, false
	}
	return &types.RenderRequest{
		ApplicationID:   parts[1],
		ReportID:        parts[3],
		RequestRenderID: parts[5],
	}, true
}

func (s *Server) handleReportFile(ctx *fasthttp.RequestCtx, req *types.RenderRequest, requestID string) {
	startTime := time.Now().UTC()

	credential := string(ctx.Request.Header.Peek(fasthttp.HeaderAuthorization))
	if credential == "" {
		httputil.JSONError(ctx, "missing Authorization header", fasthttp.StatusUnauthorized)
		return
	}
	req.Credential = credential

	logger := s.logger.With(
		zap.String("request_id", requestID),
		zap.String("application_id", req.ApplicationID),
		zap.String("report_id", req.ReportID),
		zap.String("request_render_id", req.RequestRenderID))

	result, err := s.coordinator.GetOrFetch(ctx, req)
	duration := time.Since(startTime)

	if err != nil {
		outcome := string(types.OutcomeError)
		s.metrics.RecordRequest(outcome, duration)
		s.emitEvent(req, requestID, outcome, "", "", duration)

		message, statusCode := classifyError(err)
		logger.Warn("Report fetch failed",
			zap.Int("status_code", statusCode),
			zap.Duration("duration", duration),
			zap.Error(err))
		httputil.JSONError(ctx, message, statusCode)
		return
	}

	outcome := string(result.Outcome)
	s.metrics.RecordRequest(outcome, duration)
	s.emitEvent(req, requestID, outcome, result.CanonicalRenderID, result.ArtifactLocation, duration)

	if result.Outcome == types.OutcomeNotReady {
		logger.Info("Report not ready", zap.Duration("duration", duration))
		httputil.JSONResponse(ctx, false, "render not ready", &fileResponse{
			Outcome:           outcome,
			CanonicalRenderID: result.CanonicalRenderID,
		}, fasthttp.StatusAccepted)
		return
	}

	logger.Info("Report fetch completed",
		zap.String("outcome", outcome),
		zap.String("artifact_location", result.ArtifactLocation),
		zap.Duration("duration", duration))

	httputil.JSONData(ctx, &fileResponse{
		Outcome:           outcome,
		ArtifactLocation:  result.ArtifactLocation,
		CanonicalRenderID: result.CanonicalRenderID,
	}, fasthttp.StatusOK)
}

// classifyError maps pipeline errors to a response message and status code.
func classifyError(err error) (string, int) {
	switch {
	case errors.Is(err, status.ErrUpstreamAuth):
		return "upstream rejected the provided credential", fasthttp.StatusUnauthorized
	case errors.Is(err, status.ErrUpstreamTransient),
		errors.Is(err, status.ErrUpstreamStatus),
		errors.Is(err, status.ErrMalformedResponse),
		errors.Is(err, artifact.ErrFetch):
		return "upstream report service error", fasthttp.StatusBadGateway
	case errors.Is(err, artifact.ErrPersist):
		return "failed to persist report artifact", fasthttp.StatusInternalServerError
	case errors.Is(err, types.ErrInvalidRequest):
		return err.Error(), fasthttp.StatusBadRequest
	default:
		return "internal error", fasthttp.StatusInternalServerError
	}
}

func (s *Server) emitEvent(req *types.RenderRequest, requestID, outcome, canonicalID, location string, duration time.Duration) {
	if s.emitter == nil {
		return
	}
	s.emitter.Emit(&events.FetchEvent{
		Timestamp:         time.Now().UTC(),
		RequestID:         requestID,
		ApplicationID:     req.ApplicationID,
		ReportID:          req.ReportID,
		RequestRenderID:   req.RequestRenderID,
		CanonicalRenderID: canonicalID,
		Outcome:           outcome,
		ArtifactLocation:  location,
		DurationMS:        duration.Milliseconds(),
	})
}

func (s *Server) handleHealth(ctx *fasthttp.RequestCtx) {
	httputil.JSONData(ctx, map[string]interface{}{
		"status": "ok",
		"uptime": time.Since(s.startTime).String(),
	}, fasthttp.StatusOK)
}

func (s *Server) handleReady(ctx *fasthttp.RequestCtx) {
	httputil.JSONData(ctx, map[string]interface{}{"status": "ready"}, fasthttp.StatusOK)
}
