package model

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound = errors.New("not found")

	// ErrDuplicateEvent matches any *DuplicateEventError.
	ErrDuplicateEvent = errors.New("duplicate event")

	// ErrLeaseLost means the caller no longer owns the event; it must
	// abandon the attempt without writing.
	ErrLeaseLost = errors.New("lease lost")

	ErrNotDeadLettered = errors.New("event is not dead-lettered")

	ErrInvalidEvent = errors.New("invalid event")
)

// DuplicateEventError is returned by intake when an event with the same
// (tenantId, externalId, type) is still non-terminal. Callers treat it as
// success.
type DuplicateEventError struct {
	TenantID   string
	ExternalID string
	Type       string
	ExistingID string
}

func (e *DuplicateEventError) Error() string {
	return fmt.Sprintf("duplicate event tenant=%s external_id=%s type=%s (existing %s)",
		e.TenantID, e.ExternalID, e.Type, e.ExistingID)
}

func (e *DuplicateEventError) Is(target error) bool {
	return target == ErrDuplicateEvent
}
