package events

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/fleetgate/reportvault/internal/common/config"
)

const (
	DefaultMaxSize    = 100 // MB
	DefaultMaxAge     = 30  // days
	DefaultMaxBackups = 10  // files
)

// FetchEvent is one audit record for a completed report fetch request,
// written as a single JSON line.
type FetchEvent struct {
	Timestamp         time.Time `json:"timestamp"`
	RequestID         string    `json:"request_id"`
	ApplicationID     string    `json:"application_id"`
	ReportID          string    `json:"report_id"`
	RequestRenderID   string    `json:"request_render_id"`
	CanonicalRenderID string    `json:"canonical_render_id,omitempty"`
	Outcome           string    `json:"outcome"`
	ArtifactLocation  string    `json:"artifact_location,omitempty"`
	DurationMS        int64     `json:"duration_ms"`
}

// FileEmitter writes fetch events to a JSON-lines file with rotation.
type FileEmitter struct {
	writer *lumberjack.Logger
	logger *zap.Logger
}

// NewFileEmitter creates a file-based event emitter.
// Returns error if directory creation fails.
func NewFileEmitter(cfg config.EventFileConfig, logger *zap.Logger) (*FileEmitter, error) {
	dir := filepath.Dir(cfg.Path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create event log directory %s: %w", dir, err)
	}

	maxSize := cfg.Rotation.MaxSize
	if maxSize == 0 {
		maxSize = DefaultMaxSize
	}

	maxAge := cfg.Rotation.MaxAge
	if maxAge == 0 {
		maxAge = DefaultMaxAge
	}

	maxBackups := cfg.Rotation.MaxBackups
	if maxBackups == 0 {
		maxBackups = DefaultMaxBackups
	}

	writer := &lumberjack.Logger{
		Filename:   cfg.Path,
		MaxSize:    maxSize,
		MaxAge:     maxAge,
		MaxBackups: maxBackups,
		Compress:   cfg.Rotation.Compress,
	}

	return &FileEmitter{
		writer: writer,
		logger: logger,
	}, nil
}

// Emit serializes the event and appends it to the log file.
// Fire-and-forget: errors are logged but not returned, and a nil emitter
// is a no-op so callers can run with event logging disabled.
func (f *FileEmitter) Emit(event *FetchEvent) {
	if f == nil {
		return
	}

	line, err := json.Marshal(event)
	if err != nil {
		f.logger.Warn("failed to serialize fetch event",
			zap.Error(err),
			zap.String("request_id", event.RequestID),
		)
		return
	}

	if _, err := f.writer.Write(append(line, '\n')); err != nil {
		f.logger.Warn("failed to write fetch event to log file",
			zap.Error(err),
			zap.String("request_id", event.RequestID),
		)
	}
}

// Close closes the underlying file handle.
func (f *FileEmitter) Close() error {
	if f == nil {
		return nil
	}
	return f.writer.Close()
}
