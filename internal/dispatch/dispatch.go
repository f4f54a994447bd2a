// Package dispatch runs a batch of requests against an upstream API under the
// per-model capacity controllers.
//
// Each pending item is handled by one worker from a bounded pool. A worker
// estimates the request's tokens, waits until the model's controller admits
// it, calls the upstream, and reports the outcome. Failed calls that may
// succeed later are retried as requeued units; after a rate-limit error every
// worker of that model pauses for the configured cooldown, or longer when the
// API asked for a longer wait.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc/pool"

	"github.com/jwjohns/curator/internal/batch"
	"github.com/jwjohns/curator/internal/ratelimit"
	"github.com/jwjohns/curator/internal/tokens"
	"github.com/jwjohns/curator/internal/upstream"
)

// ErrExceedsCeiling is returned for a request whose estimate can never fit
// under its model's per-minute ceilings.
var ErrExceedsCeiling = errors.New("dispatch: request exceeds capacity ceiling")

const (
	defaultMinBackoff = 10 * time.Millisecond
	defaultMaxBackoff = 5 * time.Second
)

type Caller interface {
	Call(ctx context.Context, req upstream.Request) (*upstream.Response, error)
}

type Estimator interface {
	EstimateRequest(req upstream.Request) tokens.Estimate
}

// Sink receives one record per finished item.
type Sink interface {
	Write(rec batch.Record) error
}

// Observer is notified of admission decisions and finished calls.
type Observer interface {
	ObserveAdmission(model string, allowed bool)
	ObserveCall(model string, outcome ratelimit.Outcome, d time.Duration)
}

type Config struct {
	Workers    int
	MaxRetries int
	// RateLimitCooldown pauses admission for a model after it returned 429.
	RateLimitCooldown time.Duration
	MinBackoff        time.Duration
	MaxBackoff        time.Duration
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 1
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.MinBackoff <= 0 {
		c.MinBackoff = defaultMinBackoff
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = defaultMaxBackoff
	}
	if c.MaxBackoff < c.MinBackoff {
		c.MaxBackoff = c.MinBackoff
	}
	return c
}

type Dispatcher struct {
	limiter ratelimit.Limiter
	caller  Caller
	sink    Sink
	cfg     Config

	est    Estimator
	obs    Observer
	logger zerolog.Logger
	now    func() time.Time
	sleep  func(ctx context.Context, d time.Duration) error
}

type Option func(*Dispatcher)

func WithEstimator(e Estimator) Option {
	return func(d *Dispatcher) { d.est = e }
}

func WithObserver(o Observer) Option {
	return func(d *Dispatcher) { d.obs = o }
}

func WithLogger(l zerolog.Logger) Option {
	return func(d *Dispatcher) { d.logger = l }
}

func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) { d.now = now }
}

// WithSleep replaces the context-aware timer used while waiting for capacity.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(d *Dispatcher) { d.sleep = sleep }
}

func New(limiter ratelimit.Limiter, caller Caller, sink Sink, cfg Config, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		limiter: limiter,
		caller:  caller,
		sink:    sink,
		cfg:     cfg.withDefaults(),
		est:     tokens.New(0),
		obs:     nopObserver{},
		logger:  zerolog.Nop(),
		now:     time.Now,
		sleep:   sleepCtx,
	}
	for _, o := range opts {
		o(d)
	}
	d.logger = d.logger.With().Str("component", "dispatch").Logger()
	return d
}

// Run processes items. Indexes present in done are counted as already
// completed and not sent. Run returns when every item has finished or ctx is
// done; the error joins per-item errors that stopped an item early.
func (d *Dispatcher) Run(ctx context.Context, items []batch.Item, done map[int]struct{}) error {
	pending := make([]batch.Item, 0, len(items))
	for _, it := range items {
		ctrl := d.limiter.For(it.Request.Model)
		ctrl.AddExpected(1)
		if _, ok := done[it.Index]; ok {
			ctrl.MarkAlreadyCompleted(1)
			continue
		}
		pending = append(pending, it)
	}

	d.logger.Info().
		Int("items", len(items)).
		Int("pending", len(pending)).
		Int("already_completed", len(items)-len(pending)).
		Int("workers", d.cfg.Workers).
		Msg("dispatch start")

	p := pool.New().WithMaxGoroutines(d.cfg.Workers).WithContext(ctx)
	for _, it := range pending {
		p.Go(func(ctx context.Context) error {
			return d.process(ctx, it)
		})
	}
	err := p.Wait()

	d.logger.Info().Err(err).Msg("dispatch finished")
	return err
}

func (d *Dispatcher) process(ctx context.Context, it batch.Item) error {
	model := it.Request.Model
	ctrl := d.limiter.For(model)
	est := d.est.EstimateRequest(it.Request)
	log := d.logger.With().Int("index", it.Index).Str("model", model).Logger()

	for attempt := 1; ; attempt++ {
		if err := d.admit(ctx, ctrl, est.Total); err != nil {
			if errors.Is(err, ErrExceedsCeiling) {
				ctrl.RecordRejected(ratelimit.ErrorOther)
				d.write(log, batch.Record{Index: it.Index, Model: model, Attempts: attempt - 1, Error: err.Error()})
			}
			return fmt.Errorf("item %d: %w", it.Index, err)
		}

		rid := uuid.NewString()
		start := d.now()
		resp, err := d.caller.Call(upstream.WithRequestID(ctx, rid), it.Request)
		elapsed := d.now().Sub(start)

		if err == nil {
			cost := ctrl.Cost(resp.Usage.PromptTokens, resp.Usage.CompletionTokens)
			ctrl.RecordOutcome(ratelimit.Result{
				Outcome:          ratelimit.OutcomeSucceeded,
				PromptTokens:     resp.Usage.PromptTokens,
				CompletionTokens: resp.Usage.CompletionTokens,
				Cost:             cost,
			})
			d.obs.ObserveCall(model, ratelimit.OutcomeSucceeded, elapsed)
			usage := resp.Usage
			d.write(log, batch.Record{
				Index:    it.Index,
				ID:       rid,
				Model:    model,
				Content:  resp.Content,
				Usage:    &usage,
				Cost:     cost,
				Attempts: attempt,
			})
			return nil
		}

		class := upstream.Classify(err)
		if ctx.Err() != nil {
			ctrl.RecordOutcome(ratelimit.Result{Outcome: ratelimit.OutcomeFailed, ErrorClass: class})
			d.obs.ObserveCall(model, ratelimit.OutcomeFailed, elapsed)
			return fmt.Errorf("item %d: %w", it.Index, ctx.Err())
		}

		if attempt <= d.cfg.MaxRetries && retryable(err) {
			ctrl.RecordOutcome(ratelimit.Result{
				Outcome:    ratelimit.OutcomeRequeued,
				ErrorClass: class,
				RetryAfter: upstream.RetryAfter(err),
			})
			d.obs.ObserveCall(model, ratelimit.OutcomeRequeued, elapsed)
			log.Warn().Err(err).Str("req_id", rid).Int("attempt", attempt).Stringer("class", class).Msg("call failed, requeueing")
			continue
		}

		ctrl.RecordOutcome(ratelimit.Result{
			Outcome:    ratelimit.OutcomeFailed,
			ErrorClass: class,
			RetryAfter: upstream.RetryAfter(err),
		})
		d.obs.ObserveCall(model, ratelimit.OutcomeFailed, elapsed)
		log.Error().Err(err).Str("req_id", rid).Int("attempt", attempt).Stringer("class", class).Msg("call failed")
		d.write(log, batch.Record{Index: it.Index, ID: rid, Model: model, Attempts: attempt, Error: err.Error()})
		return nil
	}
}

// admit blocks until ctrl admits one request of estimate tokens. Once ctx is
// done nothing more is admitted.
func (d *Dispatcher) admit(ctx context.Context, ctrl *ratelimit.Controller, estimate int) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if pause := ctrl.CooldownRemaining(d.cfg.RateLimitCooldown); pause > 0 {
			if err := d.sleep(ctx, pause); err != nil {
				return err
			}
			continue
		}

		dec, err := ctrl.TryAcquire(estimate)
		if err != nil {
			return err
		}
		d.obs.ObserveAdmission(ctrl.Model(), dec.Allowed)
		if dec.Allowed {
			return nil
		}
		if !dec.Satisfiable {
			return fmt.Errorf("%s: %d tokens: %w", ctrl.Model(), estimate, ErrExceedsCeiling)
		}
		if err := d.sleep(ctx, d.backoff(dec.RetryAfter)); err != nil {
			return err
		}
	}
}

func (d *Dispatcher) backoff(wait time.Duration) time.Duration {
	return min(max(wait, d.cfg.MinBackoff), d.cfg.MaxBackoff)
}

func (d *Dispatcher) write(log zerolog.Logger, rec batch.Record) {
	if d.sink == nil {
		return
	}
	if err := d.sink.Write(rec); err != nil {
		log.Error().Err(err).Msg("write result")
	}
}

// retryable reports whether a failed call may succeed if sent again.
// Client errors other than 408 and 429 are final.
func retryable(err error) bool {
	var se *upstream.StatusError
	if !errors.As(err, &se) {
		return true
	}
	switch {
	case se.StatusCode == http.StatusTooManyRequests, se.StatusCode == http.StatusRequestTimeout:
		return true
	case se.StatusCode >= 400 && se.StatusCode < 500:
		return false
	default:
		return true
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

type nopObserver struct{}

func (nopObserver) ObserveAdmission(string, bool) {}
func (nopObserver) ObserveCall(string, ratelimit.Outcome, time.Duration) {}
