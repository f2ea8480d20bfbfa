package coordinator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/fleetgate/reportvault/internal/vault/artifact"
	"github.com/fleetgate/reportvault/internal/vault/ledger"
	"github.com/fleetgate/reportvault/internal/vault/metrics"
	"github.com/fleetgate/reportvault/internal/vault/status"
	"github.com/fleetgate/reportvault/pkg/types"
)

// Ledger is the subset of the render ledger used by the coordinator.
type Ledger interface {
	Lookup(ctx context.Context, key ledger.LookupKey) (*ledger.RenderRecord, bool, error)
	Upsert(ctx context.Context, record *ledger.RenderRecord) error
}

// StatusResolver resolves upstream render status.
type StatusResolver interface {
	Resolve(ctx context.Context, req *types.RenderRequest) (*types.RenderStatus, error)
	SourceURL(outputFile string) string
}

// ArtifactPersister downloads and durably stores an artifact.
type ArtifactPersister interface {
	Persist(ctx context.Context, sourceURL, artifactName, credential string) (string, error)
}

// Config bounds the transient status-check retry loop.
type Config struct {
	// StatusAttempts is the total number of status calls permitted when
	// the upstream answers transiently (must be at least 1).
	StatusAttempts int
	// StatusRetryDelay is the fixed sleep between those attempts.
	StatusRetryDelay time.Duration
}

// Result is the successful (or not-ready) conclusion of a coordinator run.
type Result struct {
	Outcome           types.Outcome
	ArtifactLocation  string
	CanonicalRenderID string
}

// Coordinator runs the idempotent get-or-fetch pipeline: ledger lookup by
// request render id, upstream status resolution with bounded retries,
// ledger lookup by canonical id, then fetch-and-persist with a ledger
// upsert. Each inbound request runs its own coordinator invocation; the
// ledger's atomic upsert is the only cross-request synchronization.
type Coordinator struct {
	ledger   Ledger
	resolver StatusResolver
	store    ArtifactPersister
	config   Config
	metrics  *metrics.Collector
	logger   *zap.Logger

	// now is stubbed in tests for deterministic artifact names.
	now func() time.Time
}

// New creates a coordinator with explicitly injected dependencies.
func New(
	ledgerStore Ledger,
	resolver StatusResolver,
	store ArtifactPersister,
	config Config,
	collector *metrics.Collector,
	logger *zap.Logger,
) *Coordinator {
	if config.StatusAttempts < 1 {
		config.StatusAttempts = 1
	}
	return &Coordinator{
		ledger:   ledgerStore,
		resolver: resolver,
		store:    store,
		config:   config,
		metrics:  collector,
		logger:   logger,
		now:      time.Now,
	}
}

// GetOrFetch resolves the request to an artifact location. Re-invoking it
// from scratch is always safe: every path either returns an existing
// ledger record or converges on the same canonical identity.
func (c *Coordinator) GetOrFetch(ctx context.Context, req *types.RenderRequest) (*Result, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	logger := c.logger.With(
		zap.String("application_id", req.ApplicationID),
		zap.String("report_id", req.ReportID),
		zap.String("request_render_id", req.RequestRenderID))

	// Step 1: lookup by the caller-supplied request render id.
	record, found := c.lookup(ctx, ledger.LookupKey{
		ApplicationID:   req.ApplicationID,
		ReportID:        req.ReportID,
		RequestRenderID: req.RequestRenderID,
	}, logger)
	if found {
		c.metrics.RecordLedgerHit("request")
		logger.Debug("Ledger hit by request render id",
			zap.String("artifact_location", record.ArtifactLocation))
		return &Result{
			Outcome:           types.OutcomeCached,
			ArtifactLocation:  record.ArtifactLocation,
			CanonicalRenderID: record.CanonicalRenderID,
		}, nil
	}

	// Step 2: resolve upstream status with bounded transient retries.
	renderStatus, err := c.resolveWithRetry(ctx, req, logger)
	if err != nil {
		return nil, err
	}
	if renderStatus == nil {
		// Transient failures exhausted: the render may simply not exist
		// yet, so this is not-ready rather than a hard failure.
		return &Result{Outcome: types.OutcomeNotReady}, nil
	}

	rechecked := false
	for {
		// Step 3: lookup by the now-authoritative canonical id. The same
		// request render id can map to different canonical ids across
		// calls, and a canonical-keyed record may exist from an earlier
		// request with a different request render id.
		record, found = c.lookup(ctx, ledger.LookupKey{
			ApplicationID:     req.ApplicationID,
			ReportID:          req.ReportID,
			CanonicalRenderID: renderStatus.CanonicalRenderID,
		}, logger)
		if found {
			c.metrics.RecordLedgerHit("canonical")
			logger.Debug("Ledger hit by canonical render id",
				zap.String("canonical_render_id", renderStatus.CanonicalRenderID),
				zap.String("artifact_location", record.ArtifactLocation))
			return &Result{
				Outcome:           types.OutcomeCached,
				ArtifactLocation:  record.ArtifactLocation,
				CanonicalRenderID: record.CanonicalRenderID,
			}, nil
		}
		c.metrics.RecordLedgerMiss()

		if !renderStatus.Ready {
			logger.Info("Render not ready yet",
				zap.String("canonical_render_id", renderStatus.CanonicalRenderID))
			return &Result{
				Outcome:           types.OutcomeNotReady,
				CanonicalRenderID: renderStatus.CanonicalRenderID,
			}, nil
		}

		// Step 4: fetch and persist.
		result, fetchErr := c.fetchAndPersist(ctx, req, renderStatus, logger)
		if fetchErr == nil {
			return result, nil
		}

		// A failed source fetch means the artifact may not actually be
		// ready despite the status claiming so; one status re-check is
		// warranted before declaring failure.
		if errors.Is(fetchErr, artifact.ErrFetch) && !rechecked {
			rechecked = true
			logger.Warn("Artifact fetch failed despite ready status, re-checking status",
				zap.Error(fetchErr))

			refreshed, statusErr := c.resolver.Resolve(ctx, req)
			if statusErr != nil {
				if errors.Is(statusErr, status.ErrUpstreamTransient) {
					return &Result{Outcome: types.OutcomeNotReady}, nil
				}
				return nil, statusErr
			}
			if !refreshed.Ready {
				return &Result{
					Outcome:           types.OutcomeNotReady,
					CanonicalRenderID: refreshed.CanonicalRenderID,
				}, nil
			}

			renderStatus = refreshed
			continue
		}

		return nil, fetchErr
	}
}

// lookup queries the ledger, degrading storage errors to cache misses: a
// miss only causes a redundant but correct re-fetch, while propagating
// the error would fail a request the pipeline can still satisfy.
func (c *Coordinator) lookup(ctx context.Context, key ledger.LookupKey, logger *zap.Logger) (*ledger.RenderRecord, bool) {
	record, found, err := c.ledger.Lookup(ctx, key)
	if err != nil {
		c.metrics.RecordLedgerError()
		logger.Warn("Ledger lookup degraded to miss",
			zap.String("canonical_render_id", key.CanonicalRenderID),
			zap.Error(err))
		return nil, false
	}
	return record, found
}

// resolveWithRetry calls the status endpoint up to the configured number
// of attempts with a fixed delay, retrying only transient failures.
// Returns (nil, nil) when the attempts are exhausted.
func (c *Coordinator) resolveWithRetry(ctx context.Context, req *types.RenderRequest, logger *zap.Logger) (*types.RenderStatus, error) {
	for attempt := 1; ; attempt++ {
		startTime := c.now().UTC()
		renderStatus, err := c.resolver.Resolve(ctx, req)
		c.metrics.RecordStatusDuration(time.Since(startTime))

		if err == nil {
			return renderStatus, nil
		}

		if !errors.Is(err, status.ErrUpstreamTransient) {
			logger.Warn("Status resolution failed",
				zap.Int("attempt", attempt),
				zap.Error(err))
			return nil, err
		}

		if attempt >= c.config.StatusAttempts {
			logger.Info("Status attempts exhausted, reporting not ready",
				zap.Int("attempts", attempt),
				zap.Error(err))
			return nil, nil
		}

		c.metrics.RecordStatusRetry()
		logger.Debug("Transient status failure, retrying",
			zap.Int("attempt", attempt),
			zap.Duration("retry_delay", c.config.StatusRetryDelay),
			zap.Error(err))

		timer := time.NewTimer(c.config.StatusRetryDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, fmt.Errorf("%w: %v", status.ErrUpstreamTransient, ctx.Err())
		case <-timer.C:
		}
	}
}

// fetchAndPersist downloads the artifact, stores it, and records the
// mapping. The ledger record is written only after the artifact is
// durably persisted; there is no partial-record state.
func (c *Coordinator) fetchAndPersist(
	ctx context.Context,
	req *types.RenderRequest,
	renderStatus *types.RenderStatus,
	logger *zap.Logger,
) (*Result, error) {
	now := c.now().UTC()
	artifactName := fmt.Sprintf("report_%s_%s_%s_%d.csv",
		req.ApplicationID, req.ReportID, renderStatus.CanonicalRenderID, now.Unix())
	sourceURL := c.resolver.SourceURL(renderStatus.OutputFile)

	location, err := c.store.Persist(ctx, sourceURL, artifactName, req.Credential)
	if err != nil {
		return nil, err
	}

	record := &ledger.RenderRecord{
		ApplicationID:     req.ApplicationID,
		ReportID:          req.ReportID,
		RequestRenderID:   req.RequestRenderID,
		CanonicalRenderID: renderStatus.CanonicalRenderID,
		ArtifactName:      artifactName,
		ArtifactLocation:  location,
		CreatedAt:         now,
	}

	if err := c.ledger.Upsert(ctx, record); err != nil {
		// The artifact is already durable; losing the record only costs a
		// redundant re-fetch on the next call, so the request still
		// succeeds.
		logger.Error("Failed to record persisted artifact in ledger",
			zap.String("canonical_render_id", renderStatus.CanonicalRenderID),
			zap.String("artifact_location", location),
			zap.Error(err))
	}

	logger.Info("Artifact fetched and persisted",
		zap.String("canonical_render_id", renderStatus.CanonicalRenderID),
		zap.String("artifact_name", artifactName),
		zap.String("artifact_location", location))

	return &Result{
		Outcome:           types.OutcomeFetched,
		ArtifactLocation:  location,
		CanonicalRenderID: renderStatus.CanonicalRenderID,
	}, nil
}
