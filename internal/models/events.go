package models

import (
	"strings"
	"time"
)

// ===========================================
// EVENT TYPES
// ===========================================

// EventType enumerates the recognized touchpoint kinds.
type EventType string

const (
	EventImpression EventType = "impression"
	EventClick      EventType = "click"
	EventSave       EventType = "save"
	EventConvert    EventType = "convert"
)

// EventTypes lists every recognized event type in funnel order.
var EventTypes = []EventType{EventImpression, EventClick, EventSave, EventConvert}

// ParseEventType normalizes s and reports whether it is recognized.
func ParseEventType(s string) (EventType, bool) {
	t := EventType(strings.ToLower(strings.TrimSpace(s)))
	switch t {
	case EventImpression, EventClick, EventSave, EventConvert:
		return t, true
	}
	return "", false
}

// IsTouchpoint reports whether the event type can receive attribution
// credit. Conversions themselves never do.
func (t EventType) IsTouchpoint() bool {
	return t == EventImpression || t == EventClick || t == EventSave
}

// ===========================================
// SIGNAL EVENT
// ===========================================

// SignalEvent is an immutable touchpoint record.
type SignalEvent struct {
	ID              string            `json:"event_id"`
	SignalID        SignalRef         `json:"signal_id"`
	ContentRef      string            `json:"content_ref"`
	TargetRef       string            `json:"target_ref"`
	Type            EventType         `json:"event_type"`
	SourceComponent string            `json:"source_component"`
	Metadata        map[string]string `json:"metadata,omitempty"`

	// Unattributed is set when the supplied signal was unknown or expired
	// at record time. Such events count toward volume only.
	Unattributed bool `json:"unattributed"`

	CreatedAt time.Time `json:"created_at"`
}

// InJourney reports whether the event takes part in journey and
// attribution calculations.
func (e *SignalEvent) InJourney() bool {
	return e.SignalID.Valid && !e.Unattributed
}

// Before orders events by created_at, then event id.
func (e *SignalEvent) Before(o *SignalEvent) bool {
	if !e.CreatedAt.Equal(o.CreatedAt) {
		return e.CreatedAt.Before(o.CreatedAt)
	}
	return e.ID < o.ID
}

// ===========================================
// CONVERSION
// ===========================================

// Conversion is the value side of a convert event (a completed booking).
type Conversion struct {
	ID         string    `json:"conversion_id"`
	EventID    string    `json:"event_id"`
	SignalID   SignalRef `json:"signal_id"`
	ContentRef string    `json:"content_ref"`
	TargetRef  string    `json:"target_ref"`
	Value      float64   `json:"value"`
	OccurredAt time.Time `json:"occurred_at"`
}

// ===========================================
// JOURNEY
// ===========================================

// JourneyStep is one event in a reconstructed journey.
type JourneyStep struct {
	Event          *SignalEvent  `json:"event"`
	TimeSinceFirst time.Duration `json:"time_since_first"`
}

// Journey is the chronologically ordered event sequence of one signal.
type Journey struct {
	SignalID string            `json:"signal_id"`
	Signal   *SignalIdentifier `json:"signal,omitempty"`
	Steps    []JourneyStep     `json:"steps"`
}

// Events returns the journey events in order.
func (j *Journey) Events() []*SignalEvent {
	out := make([]*SignalEvent, len(j.Steps))
	for i, s := range j.Steps {
		out[i] = s.Event
	}
	return out
}
