package signals

import "errors"

var (
	// ErrInvalidEventKind is returned for an unrecognized event_type. Nothing
	// is persisted.
	ErrInvalidEventKind = errors.New("invalid event kind")
	// ErrJourneyNotFound is returned when no attributed events carry the
	// requested signal id.
	ErrJourneyNotFound = errors.New("journey not found")
	// ErrMetricsDrift is returned when a rollup no longer matches a recount
	// of the event log.
	ErrMetricsDrift = errors.New("content metrics drift from event log")
	ErrUnknownModel = errors.New("unknown attribution model")
	ErrInvalidInput = errors.New("invalid input")
)
