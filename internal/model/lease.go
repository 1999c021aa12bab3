package model

import "time"

// Lease is the fencing token a worker presents on every lease-conditioned
// write. A write succeeds only while owner and version still match the row
// and the lease has not expired.
type Lease struct {
	EventID   string
	TenantID  string
	Owner     string
	Version   int64
	ExpiresAt time.Time
}

type LeaseRequest struct {
	WorkerID      string
	BatchSize     int
	LeaseDuration time.Duration
	// TenantID restricts the batch to one tenant; empty means any tenant.
	TenantID string
}

type ListFilter struct {
	TenantID string
	Status   EventStatus
	From     *time.Time
	To       *time.Time
	Limit    int
	Offset   int
}

const (
	DefaultListLimit = 50
	MaxListLimit     = 500
)

// Normalize clamps paging values into their allowed range.
func (f ListFilter) Normalize() ListFilter {
	if f.Limit <= 0 {
		f.Limit = DefaultListLimit
	}
	if f.Limit > MaxListLimit {
		f.Limit = MaxListLimit
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	return f
}

// Matches applies the non-paging parts of the filter to e.
func (f ListFilter) Matches(e Event) bool {
	if e.TenantID != f.TenantID {
		return false
	}
	if f.Status != "" && e.Status != f.Status {
		return false
	}
	if f.From != nil && e.CreatedAt.Before(*f.From) {
		return false
	}
	if f.To != nil && !e.CreatedAt.Before(*f.To) {
		return false
	}
	return true
}
