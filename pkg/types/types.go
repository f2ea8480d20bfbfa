package types

import (
	"errors"
	"fmt"
	"time"
)

// ErrInvalidRequest marks a request rejected before any upstream work.
var ErrInvalidRequest = errors.New("invalid render request")

// RenderRequest carries the caller-supplied identity of a single
// "get or fetch report" operation. The credential is request-scoped
// and must never be persisted.
type RenderRequest struct {
	ApplicationID   string
	ReportID        string
	RequestRenderID string
	Credential      string
}

// Validate checks that all identifying fields are present.
func (r *RenderRequest) Validate() error {
	if r.ApplicationID == "" {
		return fmt.Errorf("%w: application id is required", ErrInvalidRequest)
	}
	if r.ReportID == "" {
		return fmt.Errorf("%w: report id is required", ErrInvalidRequest)
	}
	if r.RequestRenderID == "" {
		return fmt.Errorf("%w: request render id is required", ErrInvalidRequest)
	}
	return nil
}

// RenderStatus is the normalized response of the upstream rendering API.
// It is transient: only the artifact it points at is ever persisted.
type RenderStatus struct {
	CanonicalRenderID string
	OutputFile        string
	Ready             bool
}

// Outcome classifies how a coordinator run concluded.
type Outcome string

const (
	// OutcomeCached means an existing ledger record satisfied the request.
	OutcomeCached Outcome = "cached"
	// OutcomeFetched means the artifact was downloaded and persisted.
	OutcomeFetched Outcome = "fetched"
	// OutcomeNotReady means the upstream render has not completed yet.
	OutcomeNotReady Outcome = "not_ready"
	// OutcomeError means the request failed with a classified error.
	OutcomeError Outcome = "error"
)

// Duration wraps time.Duration with YAML string parsing ("500ms", "30s", "2m").
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}

	dur, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(dur)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// ToDuration converts types.Duration to time.Duration.
func (d Duration) ToDuration() time.Duration {
	return time.Duration(d)
}

// String implements fmt.Stringer.
func (d Duration) String() string {
	return time.Duration(d).String()
}
