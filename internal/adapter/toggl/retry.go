package toggl

import (
	"errors"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"

	"toggl-sync/internal/domain"
)

// RetryPolicy bounds how often and how patiently a call is retried.
type RetryPolicy struct {
	MaxAttempts     int           // total attempts including the first
	InitialInterval time.Duration // first backoff delay
	Multiplier      float64
	MaxInterval     time.Duration
	// RateLimitFloor is the shortest wait after a rate-limit refusal, at least
	// one admission window.
	RateLimitFloor time.Duration
}

// DefaultRetryPolicy is 3 attempts with 1s, 2s delays.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:     3,
		InitialInterval: time.Second,
		Multiplier:      2,
		MaxInterval:     4 * time.Second,
		RateLimitFloor:  time.Second,
	}
}

// schedule adapts an exponential backoff so rate-limit refusals never wait
// less than the admission floor.
type schedule struct {
	exp   *backoff.ExponentialBackOff
	floor time.Duration
	last  domain.Kind
}

func (p RetryPolicy) schedule() *schedule {
	exp := &backoff.ExponentialBackOff{
		InitialInterval:     p.InitialInterval,
		RandomizationFactor: 0,
		Multiplier:          p.Multiplier,
		MaxInterval:         p.MaxInterval,
		MaxElapsedTime:      0,
		Stop:                backoff.Stop,
		Clock:               backoff.SystemClock,
	}
	exp.Reset()
	return &schedule{exp: exp, floor: p.RateLimitFloor}
}

func (s *schedule) Reset() { s.exp.Reset() }

func (s *schedule) NextBackOff() time.Duration {
	d := s.exp.NextBackOff()
	if d == backoff.Stop {
		return d
	}
	if s.last == domain.KindRateLimited && d < s.floor {
		d = s.floor
	}
	return d
}

// decodeError marks a 2xx response whose body could not be parsed.
type decodeError struct{ err error }

func (e *decodeError) Error() string { return "malformed response body: " + e.err.Error() }
func (e *decodeError) Unwrap() error { return e.err }

func isDecodeError(err error) bool {
	var de *decodeError
	return errors.As(err, &de)
}

// classify maps a response status onto the error taxonomy. KindUnknown means success.
func classify(status int) domain.Kind {
	switch {
	case status >= 200 && status < 300:
		return domain.KindUnknown
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return domain.KindAuth
	case status == http.StatusNotFound:
		return domain.KindNotFound
	case status == http.StatusTooManyRequests:
		return domain.KindRateLimited
	case status >= 500:
		return domain.KindTransient
	case status >= 400:
		return domain.KindRejected
	default:
		return domain.KindProtocol
	}
}
