package toggl

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"toggl-sync/internal/domain"
)

// Published Toggl ceiling used by the reference integration.
const (
	DefaultRatePerSecond = 50
	DefaultBurst         = 50
	DefaultMaxQueue      = 256
	DefaultMaxWait       = 2 * time.Second
)

var errQueueFull = errors.New("admission queue full")

// Admission is the token-bucket gate every request passes before it is sent.
// Reservations are taken in arrival order, so waiters are served FIFO. At most
// maxQueue callers may be inside Admit at once; a caller whose reservation
// would wait longer than maxWait, or past its own deadline, is refused.
type Admission struct {
	mu      sync.Mutex // orders reservations by arrival
	limiter *rate.Limiter
	slots   chan struct{}
	maxWait time.Duration
	now     func() time.Time
}

// NewAdmission returns a gate admitting perSecond requests with the given burst.
func NewAdmission(perSecond float64, burst, maxQueue int, maxWait time.Duration) *Admission {
	if perSecond <= 0 {
		perSecond = DefaultRatePerSecond
	}
	if burst <= 0 {
		burst = DefaultBurst
	}
	if maxQueue <= 0 {
		maxQueue = DefaultMaxQueue
	}
	if maxWait <= 0 {
		maxWait = DefaultMaxWait
	}
	return &Admission{
		limiter: rate.NewLimiter(rate.Limit(perSecond), burst),
		slots:   make(chan struct{}, maxQueue),
		maxWait: maxWait,
		now:     time.Now,
	}
}

// Window is the interval in which one token is replenished.
func (a *Admission) Window() time.Duration {
	return time.Duration(float64(time.Second) / float64(a.limiter.Limit()))
}

// Waiting returns the number of callers currently holding a queue slot.
func (a *Admission) Waiting() int { return len(a.slots) }

// Admit blocks until the caller may send one request, or fails with
// domain.KindRateLimited.
func (a *Admission) Admit(ctx context.Context) error {
	select {
	case a.slots <- struct{}{}:
	default:
		return domain.E(domain.KindRateLimited, "admit", errQueueFull)
	}
	defer func() { <-a.slots }()

	a.mu.Lock()
	now := a.now()
	r := a.limiter.ReserveN(now, 1)
	a.mu.Unlock()
	if !r.OK() {
		return domain.Errorf(domain.KindRateLimited, "admit", "request exceeds limiter burst")
	}
	delay := r.DelayFrom(now)
	if delay == 0 {
		return nil
	}
	if delay > a.maxWait {
		r.CancelAt(now)
		return domain.Errorf(domain.KindRateLimited, "admit", "admission wait %s exceeds %s", delay, a.maxWait)
	}
	if dl, ok := ctx.Deadline(); ok && now.Add(delay).After(dl) {
		r.CancelAt(now)
		return domain.Errorf(domain.KindRateLimited, "admit", "admission wait %s exceeds call deadline", delay)
	}

	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		r.Cancel()
		return domain.E(domain.KindRateLimited, "admit", ctx.Err())
	}
}
