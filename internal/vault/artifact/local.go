package artifact

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"
)

// LocalBackend writes artifacts to the local filesystem under a fixed
// storage root using the atomic write pattern: content goes to a temp file
// first and is renamed into place only after the full write succeeds, so a
// reader never observes a partially-written artifact.
type LocalBackend struct {
	basePath string
	logger   *zap.Logger
}

// NewLocalBackend creates a filesystem backend rooted at basePath.
func NewLocalBackend(basePath string, logger *zap.Logger) *LocalBackend {
	return &LocalBackend{
		basePath: basePath,
		logger:   logger,
	}
}

// Name implements Backend.
func (b *LocalBackend) Name() string {
	return "local"
}

// Put implements Backend. Returns the absolute path of the written file.
func (b *LocalBackend) Put(_ context.Context, artifactName string, content []byte) (string, error) {
	if err := os.MkdirAll(b.basePath, 0755); err != nil {
		return "", fmt.Errorf("%w: failed to create storage root: %v", ErrPersist, err)
	}

	finalPath, err := filepath.Abs(filepath.Join(b.basePath, artifactName))
	if err != nil {
		return "", fmt.Errorf("%w: resolving path: %v", ErrPersist, err)
	}

	tmpFile, err := os.CreateTemp(b.basePath, artifactName+".tmp-*")
	if err != nil {
		return "", fmt.Errorf("%w: failed to create temp file: %v", ErrPersist, err)
	}
	tmpPath := tmpFile.Name()

	if _, err := tmpFile.Write(content); err != nil {
		tmpFile.Close()
		os.Remove(tmpPath)
		return "", fmt.Errorf("%w: failed to write temp file: %v", ErrPersist, err)
	}
	if err := tmpFile.Close(); err != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("%w: failed to close temp file: %v", ErrPersist, err)
	}

	if err := os.Rename(tmpPath, finalPath); err != nil {
		os.Remove(tmpPath)
		b.logger.Error("Failed to rename temp file to final path",
			zap.String("temp_path", tmpPath),
			zap.String("file_path", finalPath),
			zap.Error(err))
		return "", fmt.Errorf("%w: failed to rename temp file: %v", ErrPersist, err)
	}

	b.logger.Debug("Artifact written to filesystem",
		zap.String("file_path", finalPath),
		zap.Int("size_bytes", len(content)))

	return finalPath, nil
}
