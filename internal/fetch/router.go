package fetch

import (
	"context"
	"errors"
	"sync"
	"time"
)

// DefaultCooldown is how long an endpoint stays limited after a 429 that
// carried no Retry-After.
const DefaultCooldown = 30 * time.Second

// EndpointState is OPEN or RATE_LIMITED.
type EndpointState string

const (
	StateOpen        EndpointState = "OPEN"
	StateRateLimited EndpointState = "RATE_LIMITED"
)

// Endpoint is one search backend.
type Endpoint struct {
	Name string
	URL  string

	state    EndpointState
	until    time.Time
	failures int
}

// ErrNoEndpoints is returned by a router without endpoints.
var ErrNoEndpoints = errors.New("no search endpoints configured")

// Router picks the endpoint for each call. The first endpoint is primary;
// later ones are used only while earlier ones are rate limited. When every
// endpoint is limited, Acquire blocks until the shortest cooldown expires.
//
// Thread-safety: Router is safe for concurrent use.
type Router struct {
	mu        sync.Mutex
	endpoints []*Endpoint
	clock     Clock
	cooldown  time.Duration
}

// NewRouter creates a router over endpoints in priority order.
func NewRouter(clock Clock, cooldown time.Duration, endpoints ...*Endpoint) *Router {
	if clock == nil {
		clock = SystemClock{}
	}
	if cooldown <= 0 {
		cooldown = DefaultCooldown
	}
	for _, e := range endpoints {
		e.state = StateOpen
	}
	return &Router{endpoints: endpoints, clock: clock, cooldown: cooldown}
}

// Acquire returns the highest-priority open endpoint, waiting if necessary.
func (r *Router) Acquire(ctx context.Context) (*Endpoint, error) {
	for {
		r.mu.Lock()
		if len(r.endpoints) == 0 {
			r.mu.Unlock()
			return nil, ErrNoEndpoints
		}
		now := r.clock.Now()
		var soonest time.Time
		for _, e := range r.endpoints {
			if e.state == StateRateLimited && !now.Before(e.until) {
				e.state = StateOpen
			}
			if e.state == StateOpen {
				r.mu.Unlock()
				return e, nil
			}
			if soonest.IsZero() || e.until.Before(soonest) {
				soonest = e.until
			}
		}
		r.mu.Unlock()

		if err := r.clock.Sleep(ctx, soonest.Sub(now)); err != nil {
			return nil, err
		}
	}
}

// MarkRateLimited moves e to RATE_LIMITED for retryAfter, or the router's
// cooldown when retryAfter is zero.
func (r *Router) MarkRateLimited(e *Endpoint, retryAfter time.Duration) {
	if retryAfter <= 0 {
		retryAfter = r.cooldown
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	e.state = StateRateLimited
	e.until = r.clock.Now().Add(retryAfter)
	e.failures++
}

// MarkSuccess resets e's consecutive failure count.
func (r *Router) MarkSuccess(e *Endpoint) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e.failures = 0
}

// Failures returns e's consecutive rate-limit count.
func (r *Router) Failures(e *Endpoint) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return e.failures
}

// State returns e's state as of the last Acquire or Mark call.
func (r *Router) State(e *Endpoint) EndpointState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return e.state
}
