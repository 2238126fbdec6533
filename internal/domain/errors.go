package domain

import (
	"errors"
	"fmt"
)

// Kind classifies failures. Retry and abort decisions are made on the kind only.
type Kind int

const (
	KindUnknown Kind = iota
	KindAuth
	KindNotFound
	KindTransient
	KindRateLimited
	KindProtocol
	KindRejected
	KindConflict
	KindStale
	KindInvalid
)

func (k Kind) String() string {
	switch k {
	case KindAuth:
		return "auth"
	case KindNotFound:
		return "not_found"
	case KindTransient:
		return "transient"
	case KindRateLimited:
		return "rate_limited"
	case KindProtocol:
		return "remote_protocol"
	case KindRejected:
		return "rejected"
	case KindConflict:
		return "conflict"
	case KindStale:
		return "stale"
	case KindInvalid:
		return "invalid"
	default:
		return "unknown"
	}
}

// Error is the typed error carried across the gateway, store and orchestrator.
type Error struct {
	Kind   Kind
	Op     string
	Status int // HTTP status from the remote, if any
	Err    error
}

func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Status != 0 {
		msg = fmt.Sprintf("%s (status %d)", msg, e.Status)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// E builds an *Error.
func E(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Errorf builds an *Error with a formatted cause.
func Errorf(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// KindOf returns the kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// IsKind reports whether err carries kind k.
func IsKind(err error, k Kind) bool { return err != nil && KindOf(err) == k }

// Retryable reports whether a call failing with err may be attempted again.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindTransient, KindRateLimited:
		return true
	}
	return false
}

// Systemic reports whether err means no further remote call can succeed.
func Systemic(err error) bool { return IsKind(err, KindAuth) }
