package models

import (
	"bytes"
	"encoding/json"
	"time"
)

// SourceClass describes where a journey entered the site.
type SourceClass string

const (
	// SourceDistribution marks entries through a distribution link
	// (campaign parameter present).
	SourceDistribution SourceClass = "distribution"
	// SourceOrganic marks entries from organic navigation.
	SourceOrganic SourceClass = "organic"
)

// Valid reports whether c is a known source class.
func (c SourceClass) Valid() bool {
	return c == SourceDistribution || c == SourceOrganic
}

// SignalIdentifier is the token that correlates events into one journey.
// It is never mutated after issuance.
type SignalIdentifier struct {
	ID              string      `json:"id"`
	SourceClass     SourceClass `json:"source_class"`
	DistributionRef string      `json:"distribution_ref,omitempty"`
	IssuedAt        time.Time   `json:"issued_at"`
	ExpiresAt       time.Time   `json:"expires_at"`
}

// LiveAt reports whether the identifier attributes events at t: from
// issuance, inclusive, to expiry, exclusive. A touchpoint dated before the
// identifier existed cannot belong to its journey.
func (s *SignalIdentifier) LiveAt(t time.Time) bool {
	return !t.Before(s.IssuedAt) && t.Before(s.ExpiresAt)
}

// StoredTime normalizes t to what every backend keeps: UTC, whole
// microseconds. Liveness decisions are made on stored values so they read
// back the same from any store.
func StoredTime(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}

// Remaining returns the attribution lifetime left at t, never negative.
func (s *SignalIdentifier) Remaining(t time.Time) time.Duration {
	d := s.ExpiresAt.Sub(t)
	if d < 0 {
		return 0
	}
	return d
}

// SignalRef is an optional reference to a signal identifier. Events from
// legacy or untracked traffic carry no identifier at all.
type SignalRef struct {
	ID    string
	Valid bool
}

// SomeSignal returns a reference to the given identifier. An empty id
// yields NoSignal.
func SomeSignal(id string) SignalRef {
	if id == "" {
		return NoSignal()
	}
	return SignalRef{ID: id, Valid: true}
}

// NoSignal returns the empty reference.
func NoSignal() SignalRef {
	return SignalRef{}
}

// Get returns the identifier and whether it is present.
func (r SignalRef) Get() (string, bool) {
	return r.ID, r.Valid
}

// Ptr returns the identifier as a nullable string for storage drivers.
func (r SignalRef) Ptr() *string {
	if !r.Valid {
		return nil
	}
	id := r.ID
	return &id
}

// SignalRefFromPtr converts a nullable column value back into a SignalRef.
func SignalRefFromPtr(p *string) SignalRef {
	if p == nil {
		return NoSignal()
	}
	return SomeSignal(*p)
}

func (r SignalRef) MarshalJSON() ([]byte, error) {
	if !r.Valid {
		return []byte("null"), nil
	}
	return json.Marshal(r.ID)
}

func (r *SignalRef) UnmarshalJSON(data []byte) error {
	if bytes.Equal(data, []byte("null")) {
		*r = NoSignal()
		return nil
	}
	var id string
	if err := json.Unmarshal(data, &id); err != nil {
		return err
	}
	*r = SomeSignal(id)
	return nil
}
