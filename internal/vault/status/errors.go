package status

import "errors"

// Error taxonomy for upstream status resolution. The client only
// classifies; retry policy belongs to the coordinator, which knows how
// many attempts were made and can consult the ledger between them.
var (
	// ErrUpstreamTransient marks 404 and 5xx responses. Some deployments
	// report "render not prepared yet" as 404, so it is a retry candidate
	// rather than a hard miss.
	ErrUpstreamTransient = errors.New("upstream status transiently unavailable")

	// ErrUpstreamAuth marks 401/403 responses; the caller credential was
	// rejected and retrying cannot help.
	ErrUpstreamAuth = errors.New("upstream rejected credential")

	// ErrUpstreamStatus marks other non-success responses.
	ErrUpstreamStatus = errors.New("upstream returned unexpected status")

	// ErrMalformedResponse marks success responses whose body carries no
	// extractable render id or output file.
	ErrMalformedResponse = errors.New("malformed upstream response")
)
