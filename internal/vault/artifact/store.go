package artifact

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
)

// Error taxonomy for artifact persistence. Fetch-stage failures are kept
// distinct from write-stage failures: a failed fetch means the artifact may
// not actually be ready despite the status claiming so, which the
// coordinator answers with a status re-check instead of a hard failure.
var (
	ErrFetch   = errors.New("artifact fetch failed")
	ErrPersist = errors.New("artifact persist failed")
)

// Backend writes artifact bytes durably and returns a location string.
type Backend interface {
	// Put stores the content under the given artifact name.
	Put(ctx context.Context, artifactName string, content []byte) (string, error)
	// Name identifies the backend in logs and metrics.
	Name() string
}

// PersistMetrics records persist attempt outcomes. Implemented by the
// vault metrics collector; may be left unset.
type PersistMetrics interface {
	RecordArtifactPersist(backend, result string, bytes int)
}

// Store downloads a source artifact and persists it through an ordered
// list of backends. The first backend that succeeds wins; write failures
// fall through to the next backend, fetch failures never do.
type Store struct {
	fetcher  *Fetcher
	backends []Backend
	metrics  PersistMetrics
	logger   *zap.Logger
}

// NewStore creates an artifact store. Backends are tried in the given
// order; at least one is required.
func NewStore(fetcher *Fetcher, backends []Backend, logger *zap.Logger) (*Store, error) {
	if len(backends) == 0 {
		return nil, fmt.Errorf("at least one artifact backend is required")
	}
	return &Store{
		fetcher:  fetcher,
		backends: backends,
		logger:   logger,
	}, nil
}

// SetMetrics attaches a persist metrics recorder.
func (s *Store) SetMetrics(metrics PersistMetrics) {
	s.metrics = metrics
}

// Persist fetches the artifact bytes from sourceURL using the caller
// credential and writes them through the backend chain. Returns the
// location reported by the first successful backend.
func (s *Store) Persist(ctx context.Context, sourceURL, artifactName, credential string) (string, error) {
	content, err := s.fetcher.Fetch(ctx, sourceURL, credential)
	if err != nil {
		return "", err
	}

	var lastErr error
	for _, backend := range s.backends {
		location, err := backend.Put(ctx, artifactName, content)
		if err != nil {
			if s.metrics != nil {
				s.metrics.RecordArtifactPersist(backend.Name(), "failure", 0)
			}
			s.logger.Warn("Artifact backend failed, trying next",
				zap.String("backend", backend.Name()),
				zap.String("artifact_name", artifactName),
				zap.Error(err))
			lastErr = err
			continue
		}

		if s.metrics != nil {
			s.metrics.RecordArtifactPersist(backend.Name(), "success", len(content))
		}
		s.logger.Info("Artifact persisted",
			zap.String("backend", backend.Name()),
			zap.String("artifact_name", artifactName),
			zap.String("location", location),
			zap.Int("size_bytes", len(content)))
		return location, nil
	}

	return "", fmt.Errorf("%w: all backends failed: %v", ErrPersist, lastErr)
}
