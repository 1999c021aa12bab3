package downstream

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// Class says whether a failed attempt may succeed if repeated.
type Class int

const (
	ClassNone Class = iota
	ClassTransient
	ClassPermanent
)

func (c Class) String() string {
	switch c {
	case ClassNone:
		return "none"
	case ClassTransient:
		return "transient"
	case ClassPermanent:
		return "permanent"
	default:
		return "unknown"
	}
}

var ErrCircuitOpen = errors.New("circuit breaker open")

// TransientError is a failure worth retrying: network trouble, timeouts,
// 408, 429, 5xx, or an open breaker.
type TransientError struct {
	Op         string
	StatusCode int
	Err        error
}

func (e *TransientError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("transient: %s: status %d: %v", e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("transient: %s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// PermanentError is a failure that will repeat on every attempt, such as
// a 4xx other than 408/409/429.
type PermanentError struct {
	Op         string
	StatusCode int
	Err        error
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("permanent: %s: status %d: %v", e.Op, e.StatusCode, e.Err)
}

func (e *PermanentError) Unwrap() error { return e.Err }

// Classify maps an error to its class. Unrecognised errors are transient.
func Classify(err error) Class {
	if err == nil {
		return ClassNone
	}
	var perm *PermanentError
	if errors.As(err, &perm) {
		return ClassPermanent
	}
	return ClassTransient
}

// classifyStatus maps a downstream HTTP status. 409 means the operation
// was already applied, which is success.
func classifyStatus(code int) Class {
	switch {
	case code >= 200 && code < 300, code == http.StatusConflict:
		return ClassNone
	case code == http.StatusRequestTimeout, code == http.StatusTooManyRequests, code >= 500:
		return ClassTransient
	case code >= 400:
		return ClassPermanent
	default:
		// 1xx and 3xx are not expected from a JSON API; retry them.
		return ClassTransient
	}
}

// IsTimeout reports network-level timeouts, including context deadlines.
func IsTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
