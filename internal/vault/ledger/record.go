package ledger

import "time"

// RenderRecord is a persisted mapping from a render identity to the
// location of its fetched artifact. The canonical render id is the
// server-assigned, authoritative identifier; the request render id is
// whatever the caller supplied and may be absent when a record was
// created through a canonical-id-only path.
type RenderRecord struct {
	ApplicationID     string
	ReportID          string
	RequestRenderID   string // empty means unknown
	CanonicalRenderID string
	ArtifactName      string
	ArtifactLocation  string
	CreatedAt         time.Time
}

// LookupKey identifies the record(s) a lookup may match. CanonicalRenderID
// takes precedence when set: across retries the same request render id can
// resolve to different canonical ids, so once the canonical id is known it
// must win to avoid returning an earlier artifact.
type LookupKey struct {
	ApplicationID     string
	ReportID          string
	RequestRenderID   string
	CanonicalRenderID string
}
