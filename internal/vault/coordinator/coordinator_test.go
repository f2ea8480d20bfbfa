package coordinator

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fleetgate/reportvault/internal/vault/artifact"
	"github.com/fleetgate/reportvault/internal/vault/ledger"
	"github.com/fleetgate/reportvault/internal/vault/status"
	"github.com/fleetgate/reportvault/pkg/types"
)

// fakeLedger is an in-memory ledger with controllable failures.
type fakeLedger struct {
	records   []*ledger.RenderRecord
	lookupErr error
	upsertErr error
	lookups   int
	upserts   int
}

func (f *fakeLedger) Lookup(_ context.Context, key ledger.LookupKey) (*ledger.RenderRecord, bool, error) {
	f.lookups++
	if f.lookupErr != nil {
		return nil, false, f.lookupErr
	}

	// Latest record wins, mirroring the real ledger's ordering.
	for i := len(f.records) - 1; i >= 0; i-- {
		r := f.records[i]
		if r.ApplicationID != key.ApplicationID || r.ReportID != key.ReportID {
			continue
		}
		if key.CanonicalRenderID != "" {
			if r.CanonicalRenderID == key.CanonicalRenderID {
				return r, true, nil
			}
			continue
		}
		if key.RequestRenderID != "" && r.RequestRenderID == key.RequestRenderID {
			return r, true, nil
		}
	}
	return nil, false, nil
}

func (f *fakeLedger) Upsert(_ context.Context, record *ledger.RenderRecord) error {
	f.upserts++
	if f.upsertErr != nil {
		return f.upsertErr
	}
	f.records = append(f.records, record)
	return nil
}

// resolveReply is one scripted status-endpoint answer.
type resolveReply struct {
	status *types.RenderStatus
	err    error
}

// fakeResolver replays scripted replies; the last reply repeats forever.
type fakeResolver struct {
	replies []resolveReply
	calls   int
}

func (f *fakeResolver) Resolve(_ context.Context, _ *types.RenderRequest) (*types.RenderStatus, error) {
	idx := f.calls
	if idx >= len(f.replies) {
		idx = len(f.replies) - 1
	}
	f.calls++
	reply := f.replies[idx]
	return reply.status, reply.err
}

func (f *fakeResolver) SourceURL(outputFile string) string {
	return "https://tracking.example.com" + outputFile
}

// fakePersister returns a deterministic location or a scripted error.
type fakePersister struct {
	err   error
	calls int
}

func (f *fakePersister) Persist(_ context.Context, _, artifactName, _ string) (string, error) {
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	return "/artifacts/" + artifactName, nil
}

func readyStatus(canonicalID string) *types.RenderStatus {
	return &types.RenderStatus{
		CanonicalRenderID: canonicalID,
		OutputFile:        "/files/" + canonicalID + ".csv",
		Ready:             true,
	}
}

func testReq() *types.RenderRequest {
	return &types.RenderRequest{
		ApplicationID:   "6",
		ReportID:        "25",
		RequestRenderID: "118545",
		Credential:      "Bearer test-token",
	}
}

func newTestCoordinator(l Ledger, r StatusResolver, p ArtifactPersister, cfg Config) *Coordinator {
	if cfg.StatusAttempts == 0 {
		cfg.StatusAttempts = 3
	}
	if cfg.StatusRetryDelay == 0 {
		cfg.StatusRetryDelay = time.Millisecond
	}
	return New(l, r, p, cfg, nil, zap.NewNop())
}

func TestGetOrFetch_ConcreteScenario(t *testing.T) {
	// applicationId=6, reportId=25, requestRenderId=118545; status maps to
	// canonical id 118545 with a ready CSV; fetch succeeds.
	ledgerFake := &fakeLedger{}
	resolver := &fakeResolver{replies: []resolveReply{{status: readyStatus("118545")}}}
	persister := &fakePersister{}
	c := newTestCoordinator(ledgerFake, resolver, persister, Config{})

	result, err := c.GetOrFetch(context.Background(), testReq())
	require.NoError(t, err)

	assert.Equal(t, types.OutcomeFetched, result.Outcome)
	assert.Equal(t, "118545", result.CanonicalRenderID)
	assert.NotEmpty(t, result.ArtifactLocation)
	require.Len(t, ledgerFake.records, 1)
	assert.Equal(t, "118545", ledgerFake.records[0].CanonicalRenderID)

	// Second identical call: same location, zero additional status or
	// fetch calls.
	statusCalls, persistCalls := resolver.calls, persister.calls
	second, err := c.GetOrFetch(context.Background(), testReq())
	require.NoError(t, err)
	assert.Equal(t, types.OutcomeCached, second.Outcome)
	assert.Equal(t, result.ArtifactLocation, second.ArtifactLocation)
	assert.Equal(t, statusCalls, resolver.calls)
	assert.Equal(t, persistCalls, persister.calls)
}

func TestGetOrFetch_CanonicalIDPrecedence(t *testing.T) {
	// A record keyed by canonical id C exists from an earlier request with
	// a different request render id; the current request render id R is
	// unknown, and status maps R -> C with isReady=true. The existing
	// record must be returned without a re-fetch.
	ledgerFake := &fakeLedger{
		records: []*ledger.RenderRecord{{
			ApplicationID:     "6",
			ReportID:          "25",
			RequestRenderID:   "earlier-request",
			CanonicalRenderID: "118545",
			ArtifactName:      "report_6_25_118545_1600000000.csv",
			ArtifactLocation:  "/artifacts/existing.csv",
			CreatedAt:         time.Now().UTC(),
		}},
	}
	resolver := &fakeResolver{replies: []resolveReply{{status: readyStatus("118545")}}}
	persister := &fakePersister{}
	c := newTestCoordinator(ledgerFake, resolver, persister, Config{})

	result, err := c.GetOrFetch(context.Background(), testReq())
	require.NoError(t, err)

	assert.Equal(t, types.OutcomeCached, result.Outcome)
	assert.Equal(t, "/artifacts/existing.csv", result.ArtifactLocation)
	assert.Equal(t, 0, persister.calls, "existing canonical record must prevent a re-fetch")
}

func TestGetOrFetch_NotReadyStability(t *testing.T) {
	ledgerFake := &fakeLedger{}
	resolver := &fakeResolver{replies: []resolveReply{{
		status: &types.RenderStatus{CanonicalRenderID: "118545", OutputFile: "/files/118545.csv", Ready: false},
	}}}
	persister := &fakePersister{}
	c := newTestCoordinator(ledgerFake, resolver, persister, Config{})

	for i := 0; i < 2; i++ {
		result, err := c.GetOrFetch(context.Background(), testReq())
		require.NoError(t, err)
		assert.Equal(t, types.OutcomeNotReady, result.Outcome, "call %d", i+1)
	}

	assert.Equal(t, 0, ledgerFake.upserts, "not-ready must never create a record")
	assert.Equal(t, 0, persister.calls)
}

func TestGetOrFetch_TransientRetryBound(t *testing.T) {
	ledgerFake := &fakeLedger{}
	resolver := &fakeResolver{replies: []resolveReply{{err: fmt.Errorf("%w: status 404", status.ErrUpstreamTransient)}}}
	c := newTestCoordinator(ledgerFake, resolver, &fakePersister{}, Config{
		StatusAttempts:   4,
		StatusRetryDelay: time.Millisecond,
	})

	result, err := c.GetOrFetch(context.Background(), testReq())
	require.NoError(t, err, "exhausted transient retries are not-ready, not a failure")

	assert.Equal(t, types.OutcomeNotReady, result.Outcome)
	assert.Equal(t, 4, resolver.calls, "must make exactly the configured number of attempts")
}

func TestGetOrFetch_TransientThenSuccess(t *testing.T) {
	ledgerFake := &fakeLedger{}
	resolver := &fakeResolver{replies: []resolveReply{
		{err: fmt.Errorf("%w: status 503", status.ErrUpstreamTransient)},
		{status: readyStatus("118545")},
	}}
	persister := &fakePersister{}
	c := newTestCoordinator(ledgerFake, resolver, persister, Config{})

	result, err := c.GetOrFetch(context.Background(), testReq())
	require.NoError(t, err)
	assert.Equal(t, types.OutcomeFetched, result.Outcome)
	assert.Equal(t, 2, resolver.calls)
}

func TestGetOrFetch_FatalStatusErrors(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		wantErr error
	}{
		{name: "auth", err: fmt.Errorf("%w: status 401", status.ErrUpstreamAuth), wantErr: status.ErrUpstreamAuth},
		{name: "upstream", err: fmt.Errorf("%w: status 400", status.ErrUpstreamStatus), wantErr: status.ErrUpstreamStatus},
		{name: "malformed", err: fmt.Errorf("%w: no id", status.ErrMalformedResponse), wantErr: status.ErrMalformedResponse},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resolver := &fakeResolver{replies: []resolveReply{{err: tt.err}}}
			c := newTestCoordinator(&fakeLedger{}, resolver, &fakePersister{}, Config{})

			_, err := c.GetOrFetch(context.Background(), testReq())
			assert.ErrorIs(t, err, tt.wantErr)
			assert.Equal(t, 1, resolver.calls, "fatal errors must not be retried")
		})
	}
}

func TestGetOrFetch_RequestIDRemapsToNewCanonicalID(t *testing.T) {
	// Re-render: the request render id previously resolved to canonical id
	// 900001, but now resolves to 900002. The older record must not be
	// returned; a fresh fetch happens under the new canonical id.
	ledgerFake := &fakeLedger{
		records: []*ledger.RenderRecord{{
			ApplicationID:     "6",
			ReportID:          "25",
			RequestRenderID:   "older-request",
			CanonicalRenderID: "900001",
			ArtifactLocation:  "/artifacts/old.csv",
			CreatedAt:         time.Now().UTC(),
		}},
	}
	resolver := &fakeResolver{replies: []resolveReply{{status: readyStatus("900002")}}}
	persister := &fakePersister{}
	c := newTestCoordinator(ledgerFake, resolver, persister, Config{})

	result, err := c.GetOrFetch(context.Background(), testReq())
	require.NoError(t, err)
	assert.Equal(t, types.OutcomeFetched, result.Outcome)
	assert.Equal(t, "900002", result.CanonicalRenderID)
	assert.Equal(t, 1, persister.calls)
}

func TestGetOrFetch_LedgerErrorDegradesToMiss(t *testing.T) {
	ledgerFake := &fakeLedger{lookupErr: fmt.Errorf("%w: disk io", ledger.ErrUnavailable)}
	resolver := &fakeResolver{replies: []resolveReply{{status: readyStatus("118545")}}}
	persister := &fakePersister{}
	c := newTestCoordinator(ledgerFake, resolver, persister, Config{})

	result, err := c.GetOrFetch(context.Background(), testReq())
	require.NoError(t, err, "ledger unavailability must not fail the request")
	assert.Equal(t, types.OutcomeFetched, result.Outcome)
	assert.Equal(t, 1, persister.calls)
}

func TestGetOrFetch_UpsertFailureStillSucceeds(t *testing.T) {
	ledgerFake := &fakeLedger{upsertErr: fmt.Errorf("%w: disk full", ledger.ErrUnavailable)}
	resolver := &fakeResolver{replies: []resolveReply{{status: readyStatus("118545")}}}
	c := newTestCoordinator(ledgerFake, resolver, &fakePersister{}, Config{})

	result, err := c.GetOrFetch(context.Background(), testReq())
	require.NoError(t, err)
	assert.Equal(t, types.OutcomeFetched, result.Outcome)
	assert.NotEmpty(t, result.ArtifactLocation)
}

func TestGetOrFetch_FetchFailureTriggersSingleStatusRecheck(t *testing.T) {
	resolver := &fakeResolver{replies: []resolveReply{{status: readyStatus("118545")}}}
	persister := &fakePersister{err: fmt.Errorf("%w: source returned status 404", artifact.ErrFetch)}
	c := newTestCoordinator(&fakeLedger{}, resolver, persister, Config{})

	_, err := c.GetOrFetch(context.Background(), testReq())
	require.Error(t, err)
	assert.ErrorIs(t, err, artifact.ErrFetch)
	assert.Equal(t, 2, resolver.calls, "exactly one status re-check after a failed fetch")
	assert.Equal(t, 2, persister.calls)
}

func TestGetOrFetch_FetchFailureRecheckReportsNotReady(t *testing.T) {
	resolver := &fakeResolver{replies: []resolveReply{
		{status: readyStatus("118545")},
		{status: &types.RenderStatus{CanonicalRenderID: "118545", OutputFile: "/files/118545.csv", Ready: false}},
	}}
	persister := &fakePersister{err: fmt.Errorf("%w: connection reset", artifact.ErrFetch)}
	c := newTestCoordinator(&fakeLedger{}, resolver, persister, Config{})

	result, err := c.GetOrFetch(context.Background(), testReq())
	require.NoError(t, err)
	assert.Equal(t, types.OutcomeNotReady, result.Outcome)
	assert.Equal(t, 1, persister.calls)
}

func TestGetOrFetch_PersistFailureIsFatal(t *testing.T) {
	resolver := &fakeResolver{replies: []resolveReply{{status: readyStatus("118545")}}}
	persister := &fakePersister{err: fmt.Errorf("%w: all backends failed", artifact.ErrPersist)}
	ledgerFake := &fakeLedger{}
	c := newTestCoordinator(ledgerFake, resolver, persister, Config{})

	_, err := c.GetOrFetch(context.Background(), testReq())
	require.Error(t, err)
	assert.ErrorIs(t, err, artifact.ErrPersist)
	assert.Equal(t, 1, resolver.calls, "persist failures do not warrant a status re-check")
	assert.Equal(t, 0, ledgerFake.upserts, "no partial ledger record on failure")
}

func TestGetOrFetch_InvalidRequest(t *testing.T) {
	c := newTestCoordinator(&fakeLedger{}, &fakeResolver{replies: []resolveReply{{}}}, &fakePersister{}, Config{})

	_, err := c.GetOrFetch(context.Background(), &types.RenderRequest{ApplicationID: "6"})
	assert.Error(t, err)
}

func TestGetOrFetch_ContextCancelledDuringRetryDelay(t *testing.T) {
	resolver := &fakeResolver{replies: []resolveReply{{err: fmt.Errorf("%w: status 503", status.ErrUpstreamTransient)}}}
	c := newTestCoordinator(&fakeLedger{}, resolver, &fakePersister{}, Config{
		StatusAttempts:   5,
		StatusRetryDelay: time.Minute,
	})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	_, err := c.GetOrFetch(ctx, testReq())
	require.Error(t, err)
	assert.ErrorIs(t, err, status.ErrUpstreamTransient)
	assert.Equal(t, 1, resolver.calls)
}
