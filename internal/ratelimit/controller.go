package ratelimit

import (
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/jwjohns/curator/internal/pricing"
)

// ErrNegativeEstimate is returned when a caller passes a negative token estimate.
var ErrNegativeEstimate = errors.New("ratelimit: negative token estimate")

// Controller gates calls to one rate-limited target using a requests-per-minute
// and a tokens-per-minute bucket, and accumulates statistics about the calls it
// admitted.
//
// # Admission
//
// TryAcquire refills, checks and consumes under a single lock, so concurrent
// callers can never oversubscribe the bucket. HasCapacity and Consume expose
// the same steps separately for callers that need bookkeeping in between;
// that pair is only race free when the caller serializes it.
//
// Consumption debits the estimated token count. Actual usage is reported
// later through RecordOutcome and only feeds the statistics.
//
// # Thread Safety
//
// All methods are safe for concurrent use.
type Controller struct {
	mu    sync.Mutex
	state CapacityState
	stats Stats

	model  string
	price  pricing.Price
	priced bool

	now    func() time.Time
	logger zerolog.Logger
}

type Option func(*Controller)

// WithClock replaces time.Now. The clock must be monotonic for refill to be
// meaningful; time.Now readings carry a monotonic component.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) {
		if now != nil {
			c.now = now
		}
	}
}

func WithLogger(l zerolog.Logger) Option {
	return func(c *Controller) { c.logger = l }
}

func WithModel(model string) Option {
	return func(c *Controller) { c.model = model }
}

// WithPrice stores the per-token price used by Cost.
func WithPrice(p pricing.Price) Option {
	return func(c *Controller) {
		c.price = p
		c.priced = true
	}
}

// WithTotalExpected sets the number of units the batch is expected to run.
func WithTotalExpected(n int) Option {
	return func(c *Controller) { c.stats.TotalExpected = int64(max(n, 0)) }
}

// New builds a controller for p. Negative ceilings are treated as zero.
func New(p Policy, opts ...Option) *Controller {
	c := &Controller{
		now:    time.Now,
		logger: zerolog.Nop(),
	}
	for _, o := range opts {
		o(c)
	}
	now := c.now()
	c.state = NewCapacityState(p, now)
	c.stats.StartedAt = now
	c.logger = c.logger.With().Str("component", "capacity").Str("model", c.model).Logger()
	return c
}

func (c *Controller) Model() string { return c.model }

// Refill recomputes available capacity from the time elapsed since the last refill.
func (c *Controller) Refill() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state.Refill(c.now())
}

// HasCapacity refills and reports whether one request with estimatedTokens
// tokens fits. It does not consume anything. A negative estimate never fits.
func (c *Controller) HasCapacity(estimatedTokens int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if estimatedTokens < 0 {
		return false
	}
	c.state.Refill(c.now())
	ok := c.state.Fits(estimatedTokens)
	if !ok {
		c.logNoCapacity(estimatedTokens)
	}
	return ok
}

// Consume unconditionally debits one request and estimatedTokens tokens.
// Call it only right after HasCapacity returned true for the same estimate.
func (c *Controller) Consume(estimatedTokens int) error {
	if estimatedTokens < 0 {
		return ErrNegativeEstimate
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state.Consume(estimatedTokens)
	return nil
}

// MarkInProgress counts an admitted unit as started and in progress.
// TryAcquire does this itself; it is for callers using HasCapacity/Consume.
func (c *Controller) MarkInProgress() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stats.begin()
}

// TryAcquire atomically refills, checks and, when capacity suffices, consumes
// one request and estimatedTokens tokens and marks the unit in progress.
func (c *Controller) TryAcquire(estimatedTokens int) (Decision, error) {
	if estimatedTokens < 0 {
		return Decision{}, ErrNegativeEstimate
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.state.Refill(c.now())
	if c.state.Fits(estimatedTokens) {
		c.state.Consume(estimatedTokens)
		c.stats.begin()
		return Decision{
			Allowed:           true,
			AvailableRequests: c.state.AvailableRequests,
			AvailableTokens:   c.state.AvailableTokens,
			Satisfiable:       true,
		}, nil
	}

	c.logNoCapacity(estimatedTokens)
	wait, ok := c.state.TimeUntil(estimatedTokens)
	return Decision{
		AvailableRequests: c.state.AvailableRequests,
		AvailableTokens:   c.state.AvailableTokens,
		RetryAfter:        wait,
		Satisfiable:       ok,
	}, nil
}

// RecordOutcome folds a finished unit into the statistics. It never touches
// capacity and does not deduplicate: reporting a unit twice counts it twice.
func (c *Controller) RecordOutcome(r Result) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stats.record(r, c.now())
}

// RecordRejected counts a unit that failed before admission, for example one
// whose estimate can never fit under the ceilings. In-progress units are not
// affected.
func (c *Controller) RecordRejected(class ErrorClass) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stats.reject(class, c.now())
}

// MarkAlreadyCompleted counts n units that were done before admission, such
// as results recovered from a previous run.
func (c *Controller) MarkAlreadyCompleted(n int) {
	if n <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stats.alreadyCompleted(int64(n))
}

// AddExpected grows the number of units the batch is expected to run.
func (c *Controller) AddExpected(n int) {
	if n <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stats.TotalExpected += int64(n)
}

// Cost prices a call with the stored per-token price; zero when no price is known.
func (c *Controller) Cost(promptTokens, completionTokens int64) float64 {
	if !c.priced {
		return 0
	}
	return c.price.Cost(promptTokens, completionTokens)
}

// CooldownRemaining returns how much of the pause after the last rate-limit
// error is left, or zero. The pause is the longer of pause and the wait the
// target asked for with that error.
func (c *Controller) CooldownRemaining(pause time.Duration) time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()

	last := c.stats.LastRateLimitError
	pause = max(pause, c.stats.RateLimitRetryAfter)
	if pause <= 0 || last.IsZero() {
		return 0
	}
	left := pause - c.now().Sub(last)
	if left < 0 {
		return 0
	}
	return left
}

// Snapshot returns a copy of all counters, capacity and derived metrics.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return newSnapshot(c.model, c.state, c.stats, c.price, c.priced, c.now())
}

// caller must hold c.mu
func (c *Controller) logNoCapacity(estimatedTokens int) {
	c.logger.Debug().
		Int("estimated_tokens", estimatedTokens).
		Int("available_tokens", int(c.state.AvailableTokens)).
		Int("available_requests", int(c.state.AvailableRequests)).
		Msg("no capacity for request")
}
