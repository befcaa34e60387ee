package transmit

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"cloudpico-beam/internal/influx"
)

// Kind classifies a failed send.
type Kind int

const (
	// KindUnreachable is a connection or DNS failure.
	KindUnreachable Kind = iota + 1
	// KindRejected is a client error from the endpoint, or a batch that
	// cannot be encoded. Never retried.
	KindRejected
	// KindTimeout means the send timeout elapsed.
	KindTimeout
	// KindUnavailable is a 5xx or 429 answer.
	KindUnavailable
)

func (k Kind) String() string {
	switch k {
	case KindUnreachable:
		return "unreachable"
	case KindRejected:
		return "rejected"
	case KindTimeout:
		return "timeout"
	case KindUnavailable:
		return "unavailable"
	default:
		return "unknown"
	}
}

// Error is returned by Send for every failed attempt.
type Error struct {
	Kind   Kind
	Status int // HTTP status, 0 when no response was received
	Err    error
}

func (e *Error) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s (%d): %v", e.Kind, e.Status, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Retryable() bool { return e.Kind != KindRejected }

func classify(err error) *Error {
	var se *influx.StatusError
	if errors.As(err, &se) {
		if se.Code >= 500 || se.Code == http.StatusTooManyRequests || se.Code == http.StatusRequestTimeout {
			return &Error{Kind: KindUnavailable, Status: se.Code, Err: err}
		}
		return &Error{Kind: KindRejected, Status: se.Code, Err: err}
	}
	if errors.Is(err, influx.ErrEncode) {
		return &Error{Kind: KindRejected, Err: err}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Kind: KindTimeout, Err: err}
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return &Error{Kind: KindTimeout, Err: err}
	}
	return &Error{Kind: KindUnreachable, Err: err}
}
