package ratelimit

import (
	"time"
)

// Policy configures the two buckets of a Controller.
//
// InitialRequests and InitialTokens are optional; when nil the controller
// starts with one request slot and an empty token budget, so token capacity
// ramps up from zero on the first refill. Use Full to start at the ceilings.
type Policy struct {
	RequestsPerMinute int
	TokensPerMinute   int
	InitialRequests   *float64
	InitialTokens     *float64
}

const (
	DefaultInitialRequests = 1.0
	DefaultInitialTokens   = 0.0
)

// Full returns a copy of p seeded with both capacities at their ceilings.
func (p Policy) Full() Policy {
	r := float64(p.RequestsPerMinute)
	t := float64(p.TokensPerMinute)
	p.InitialRequests = &r
	p.InitialTokens = &t
	return p
}

func (p Policy) initial() (float64, float64) {
	r, t := DefaultInitialRequests, DefaultInitialTokens
	if p.InitialRequests != nil {
		r = *p.InitialRequests
	}
	if p.InitialTokens != nil {
		t = *p.InitialTokens
	}
	return r, t
}

// Decision is the result of an atomic admission attempt.
type Decision struct {
	Allowed           bool
	AvailableRequests float64 // after consumption when Allowed
	AvailableTokens   float64
	// RetryAfter is how long until both resources would cover the estimate,
	// assuming no other consumption. Zero when Allowed.
	RetryAfter time.Duration
	// Satisfiable is false when the estimate can never fit under the
	// configured ceilings, no matter how long the caller waits.
	Satisfiable bool
}

// Limiter hands out one Controller per rate-limited target (model).
type Limiter interface {
	For(model string) *Controller
	Snapshots() []Snapshot
	Close() error
}
