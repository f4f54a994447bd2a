package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/jwjohns/curator/internal/pricing"
)

func TestSnapshot_DerivedMetrics(t *testing.T) {
	clock := newFakeClock()
	c := New(Policy{RequestsPerMinute: 60, TokensPerMinute: 1000},
		WithClock(clock.Now),
		WithModel("gpt-4o-mini"),
		WithTotalExpected(10),
		WithPrice(pricing.Price{InputCostPerToken: 0.1, OutputCostPerToken: 0.2}),
	)

	for i := 0; i < 4; i++ {
		_, _ = c.TryAcquire(0)
	}
	c.RecordOutcome(Result{Outcome: OutcomeSucceeded, PromptTokens: 100, CompletionTokens: 20, Cost: 0.5})
	c.RecordOutcome(Result{Outcome: OutcomeSucceeded, PromptTokens: 300, CompletionTokens: 60, Cost: 1.5})

	clock.Advance(2 * time.Minute)
	s := c.Snapshot()

	assert.Equal(t, "gpt-4o-mini", s.Model)
	assert.True(t, s.Priced)
	assert.Equal(t, 0.1, s.Price.InputCostPerToken)
	assert.Equal(t, 2*time.Minute, s.Elapsed)
	assert.Equal(t, 200.0, s.AvgPromptTokens)
	assert.Equal(t, 40.0, s.AvgCompletionTokens)
	assert.Equal(t, 240.0, s.AvgTokens)
	assert.Equal(t, 1.0, s.AvgCost)
	assert.Equal(t, 10.0, s.ProjectedCost)
	assert.Equal(t, 1.0, s.RequestsPerMinute)
	assert.Equal(t, int64(2), s.Processed())
}

func TestSnapshot_ZeroValues(t *testing.T) {
	clock := newFakeClock()
	c := New(Policy{}, WithClock(clock.Now))
	s := c.Snapshot()

	assert.Zero(t, s.Elapsed)
	assert.Zero(t, s.RequestsPerMinute, "no elapsed time means no observed rate")
	assert.Zero(t, s.AvgCost)
	assert.Zero(t, s.ProjectedCost)
	assert.False(t, s.Priced)
}

func TestSnapshot_IsACopy(t *testing.T) {
	c := New(Policy{RequestsPerMinute: 60, TokensPerMinute: 1000}.Full())
	s := c.Snapshot()

	c.RecordOutcome(Result{Outcome: OutcomeSucceeded, PromptTokens: 10})
	assert.Zero(t, s.Succeeded)
	assert.Equal(t, int64(1), c.Snapshot().Succeeded)
}

func TestSnapshot_String(t *testing.T) {
	c := New(Policy{RequestsPerMinute: 60, TokensPerMinute: 1000}.Full())
	_, _ = c.TryAcquire(1)
	c.MarkAlreadyCompleted(2)
	c.RecordOutcome(Result{Outcome: OutcomeFailed, ErrorClass: ErrorRateLimit})

	want := "Tasks - Started: 3, In Progress: 0, Succeeded: 0, Failed: 1, Already Completed: 2\n" +
		"Errors - API: 0, Rate Limit: 1, Other: 0, Total: 1"
	assert.Equal(t, want, c.Snapshot().String())
}
