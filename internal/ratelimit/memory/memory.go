package memory

import (
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/jwjohns/curator/internal/pricing"
	"github.com/jwjohns/curator/internal/ratelimit"
)

// Registry keeps one in-process controller per model. Controllers are created
// on first use and live as long as the registry.
type Registry struct {
	now       func() time.Time
	logger    zerolog.Logger
	prices    pricing.Lookuper
	policyFor func(model string) ratelimit.Policy

	controllers sync.Map // model -> *ratelimit.Controller
}

type Option func(*Registry)

func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

func WithLogger(l zerolog.Logger) Option {
	return func(r *Registry) { r.logger = l }
}

// WithPrices sets the table consulted once for each new controller.
func WithPrices(p pricing.Lookuper) Option {
	return func(r *Registry) { r.prices = p }
}

func New(policyFor func(model string) ratelimit.Policy, opts ...Option) *Registry {
	r := &Registry{
		now:       time.Now,
		logger:    zerolog.Nop(),
		policyFor: policyFor,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

var _ ratelimit.Limiter = (*Registry)(nil)

func (r *Registry) Close() error { return nil }

// For returns the controller for model, creating it from the policy on first use.
func (r *Registry) For(model string) *ratelimit.Controller {
	if v, ok := r.controllers.Load(model); ok {
		return v.(*ratelimit.Controller)
	}

	opts := []ratelimit.Option{
		ratelimit.WithClock(r.now),
		ratelimit.WithLogger(r.logger),
		ratelimit.WithModel(model),
	}
	if r.prices != nil {
		if p, ok := r.prices.Lookup(model); ok {
			opts = append(opts, ratelimit.WithPrice(p))
		} else {
			r.logger.Warn().Str("model", model).Msg("no pricing for model, costs will be reported as zero")
		}
	}

	var p ratelimit.Policy
	if r.policyFor != nil {
		p = r.policyFor(model)
	}

	v, loaded := r.controllers.LoadOrStore(model, ratelimit.New(p, opts...))
	if !loaded {
		r.logger.Debug().
			Str("model", model).
			Int("rpm", p.RequestsPerMinute).
			Int("tpm", p.TokensPerMinute).
			Msg("created capacity controller")
	}
	return v.(*ratelimit.Controller)
}

// Snapshots returns a snapshot of every controller, ordered by model.
func (r *Registry) Snapshots() []ratelimit.Snapshot {
	var out []ratelimit.Snapshot
	r.controllers.Range(func(_, v any) bool {
		out = append(out, v.(*ratelimit.Controller).Snapshot())
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Model < out[j].Model })
	return out
}
