package ratelimit

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

func ptr(f float64) *float64 { return &f }

func TestCapacityState_Defaults(t *testing.T) {
	s := NewCapacityState(Policy{RequestsPerMinute: 60, TokensPerMinute: 1000}, epoch)

	assert.Equal(t, 60.0, s.MaxRequestsPerMinute)
	assert.Equal(t, 1000.0, s.MaxTokensPerMinute)
	assert.Equal(t, 1.0, s.AvailableRequests)
	assert.Equal(t, 0.0, s.AvailableTokens)
	assert.Equal(t, epoch, s.LastRefill)
}

func TestCapacityState_Full(t *testing.T) {
	s := NewCapacityState(Policy{RequestsPerMinute: 60, TokensPerMinute: 1000}.Full(), epoch)
	assert.Equal(t, 60.0, s.AvailableRequests)
	assert.Equal(t, 1000.0, s.AvailableTokens)
}

func TestCapacityState_LinearReplenishment(t *testing.T) {
	tests := []struct {
		name    string
		elapsed time.Duration
		wantReq float64
		wantTok float64
	}{
		{"no time", 0, 0, 0},
		{"one second", time.Second, 1, 100},
		{"fifteen seconds", 15 * time.Second, 15, 1500},
		{"one minute", time.Minute, 60, 6000},
		{"capped after a minute", 10 * time.Minute, 60, 6000},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewCapacityState(Policy{
				RequestsPerMinute: 60,
				TokensPerMinute:   6000,
				InitialRequests:   ptr(0),
				InitialTokens:     ptr(0),
			}, epoch)

			s.Refill(epoch.Add(tt.elapsed))

			assert.InDelta(t, tt.wantReq, s.AvailableRequests, 1e-9)
			assert.InDelta(t, tt.wantTok, s.AvailableTokens, 1e-9)
			assert.Equal(t, epoch.Add(tt.elapsed), s.LastRefill)
		})
	}
}

func TestCapacityState_BucketBound(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	s := NewCapacityState(Policy{RequestsPerMinute: 500, TokensPerMinute: 200000}, epoch)
	now := epoch

	for i := 0; i < 10000; i++ {
		now = now.Add(time.Duration(rng.Int63n(int64(3 * time.Minute))))
		s.Refill(now)

		require.GreaterOrEqual(t, s.AvailableRequests, 0.0)
		require.LessOrEqual(t, s.AvailableRequests, s.MaxRequestsPerMinute)
		require.GreaterOrEqual(t, s.AvailableTokens, 0.0)
		require.LessOrEqual(t, s.AvailableTokens, s.MaxTokensPerMinute)
	}
}

func TestCapacityState_ClockGoingBackwardsIsIgnored(t *testing.T) {
	s := NewCapacityState(Policy{RequestsPerMinute: 60, TokensPerMinute: 60}, epoch)
	s.Refill(epoch.Add(10 * time.Second))
	before := s

	s.Refill(epoch.Add(5 * time.Second))
	assert.Equal(t, before, s)
}

func TestCapacityState_DebtIsRepaidNotForgiven(t *testing.T) {
	s := NewCapacityState(Policy{
		RequestsPerMinute: 60,
		TokensPerMinute:   600,
		InitialRequests:   ptr(1),
		InitialTokens:     ptr(100),
	}, epoch)

	s.Consume(150)
	assert.Equal(t, 0.0, s.AvailableRequests)
	assert.Equal(t, -50.0, s.AvailableTokens)
	assert.False(t, s.Fits(0))

	// 600 tpm = 10 tokens per second
	s.Refill(epoch.Add(2 * time.Second))
	assert.InDelta(t, -30.0, s.AvailableTokens, 1e-9)
	assert.False(t, s.Fits(0))

	s.Refill(epoch.Add(5 * time.Second))
	assert.InDelta(t, 0.0, s.AvailableTokens, 1e-9)
	assert.True(t, s.Fits(0))
}

func TestCapacityState_TimeUntil(t *testing.T) {
	s := NewCapacityState(Policy{
		RequestsPerMinute: 60,
		TokensPerMinute:   6000,
		InitialRequests:   ptr(0),
		InitialTokens:     ptr(0),
	}, epoch)

	// tokens need 5s (500 at 100/s), requests need 1s
	d, ok := s.TimeUntil(500)
	require.True(t, ok)
	assert.Equal(t, 5*time.Second, d)

	s.Refill(epoch.Add(5 * time.Second))
	d, ok = s.TimeUntil(500)
	require.True(t, ok)
	assert.Zero(t, d)

	_, ok = s.TimeUntil(6001)
	assert.False(t, ok, "estimate above the token ceiling can never fit")

	zero := NewCapacityState(Policy{TokensPerMinute: 100}, epoch)
	_, ok = zero.TimeUntil(1)
	assert.False(t, ok, "zero request ceiling can never admit")
}
