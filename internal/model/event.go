package model

import (
	"encoding/json"
	"strings"
	"time"
)

type EventStatus string

const (
	StatusPending    EventStatus = "PENDING"
	StatusLeased     EventStatus = "LEASED"
	StatusProcessing EventStatus = "PROCESSING"
	StatusCompleted  EventStatus = "COMPLETED"
	StatusFailed     EventStatus = "FAILED"
	StatusRetrying   EventStatus = "RETRYING"
	StatusDeadLetter EventStatus = "DEAD_LETTER"
)

var allStatuses = []EventStatus{
	StatusPending,
	StatusLeased,
	StatusProcessing,
	StatusCompleted,
	StatusFailed,
	StatusRetrying,
	StatusDeadLetter,
}

// ParseStatus accepts a status name in any case.
func ParseStatus(s string) (EventStatus, bool) {
	for _, st := range allStatuses {
		if strings.EqualFold(string(st), s) {
			return st, true
		}
	}
	return "", false
}

// Terminal reports whether no automatic transition leaves this status.
func (s EventStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusDeadLetter
}

// Leased reports whether the status implies a worker holds the event.
func (s EventStatus) Leased() bool {
	return s == StatusLeased || s == StatusProcessing
}

type Event struct {
	ID             string          `json:"id"`
	TenantID       string          `json:"tenantId"`
	ExternalID     string          `json:"externalId"`
	Type           string          `json:"type"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	Status         EventStatus     `json:"status"`
	RetryCount     int             `json:"retryCount"`
	LeaseOwner     string          `json:"leaseOwner,omitempty"`
	LeaseExpiresAt *time.Time      `json:"leaseExpiresAt,omitempty"`
	LeaseVersion   int64           `json:"leaseVersion"`
	NextAttemptAt  time.Time       `json:"nextAttemptAt"`
	LastError      *string         `json:"lastError,omitempty"`
	Diagnostic     *string         `json:"diagnostic,omitempty"`
	CreatedAt      time.Time       `json:"createdAt"`
	UpdatedAt      time.Time       `json:"updatedAt"`
	CompletedAt    *time.Time      `json:"completedAt,omitempty"`
}

// Lease returns the fencing token for the lease currently recorded on e.
func (e Event) Lease() Lease {
	l := Lease{
		EventID:  e.ID,
		TenantID: e.TenantID,
		Owner:    e.LeaseOwner,
		Version:  e.LeaseVersion,
	}
	if e.LeaseExpiresAt != nil {
		l.ExpiresAt = *e.LeaseExpiresAt
	}
	return l
}

// EnqueueAttempts bounds how often a store repeats an insert whose
// conflicting event reached a terminal status before it could be named.
const EnqueueAttempts = 2

// NewEvent is what the intake boundary hands to the store.
type NewEvent struct {
	TenantID   string
	ExternalID string
	Type       string
	Payload    json.RawMessage
}
