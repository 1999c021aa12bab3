package task

import (
	"fmt"
	"math/rand"
	"sync"
	"time"

	"event-ingestion-service/internal/downstream"
	"event-ingestion-service/internal/model"
)

const DefaultRetryLimit = 3

// Outcome is how one processing attempt ended. Class is ClassNone on
// success.
type Outcome struct {
	Class downstream.Class
	Err   error
}

type Action int

const (
	ActionComplete Action = iota
	ActionRetry
	ActionDeadLetter
)

func (a Action) String() string {
	switch a {
	case ActionComplete:
		return "complete"
	case ActionRetry:
		return "retry"
	case ActionDeadLetter:
		return "dead_letter"
	default:
		return "unknown"
	}
}

type Decision struct {
	Action        Action
	NextAttemptAt time.Time
	// Reason is what gets stored as the event's last error.
	Reason string
}

// RetryPolicy decides what happens to an event after an attempt.
// It is safe for concurrent use.
type RetryPolicy struct {
	limit   int
	backoff BackoffConfig

	mu  sync.Mutex
	rng *rand.Rand
}

func NewRetryPolicy(limit int, backoff BackoffConfig, rng *rand.Rand) *RetryPolicy {
	if limit <= 0 {
		limit = DefaultRetryLimit
	}
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &RetryPolicy{limit: limit, backoff: backoff.withDefaults(), rng: rng}
}

func (p *RetryPolicy) Limit() int { return p.limit }

// Decide maps an attempt outcome to the next state:
//
//	success                                  -> COMPLETED
//	permanent failure                        -> DEAD_LETTER
//	transient failure, retryCount+1 <  limit -> RETRYING after backoff
//	transient failure, retryCount+1 >= limit -> DEAD_LETTER
func (p *RetryPolicy) Decide(e model.Event, out Outcome, now time.Time) Decision {
	if out.Err == nil || out.Class == downstream.ClassNone {
		return Decision{Action: ActionComplete}
	}

	msg := out.Err.Error()
	if out.Class == downstream.ClassPermanent {
		return Decision{Action: ActionDeadLetter, Reason: msg}
	}

	if e.RetryCount+1 >= p.limit {
		return Decision{
			Action: ActionDeadLetter,
			Reason: fmt.Sprintf("retry limit %d reached: %s", p.limit, msg),
		}
	}

	p.mu.Lock()
	next := NextRetryAt(now, e.RetryCount, p.backoff, p.rng)
	p.mu.Unlock()

	return Decision{Action: ActionRetry, NextAttemptAt: next, Reason: msg}
}
