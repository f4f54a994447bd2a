package ratelimit

import (
	"math"
	"time"
)

// CapacityState is the dual leaky bucket: request slots and token budget, both
// replenished continuously at ceiling/60 units per second.
//
// It is a plain value with no locking; Controller serializes access to it.
type CapacityState struct {
	MaxRequestsPerMinute float64
	MaxTokensPerMinute   float64
	AvailableRequests    float64
	AvailableTokens      float64
	LastRefill           time.Time
}

// NewCapacityState builds a state from p with LastRefill set to now.
func NewCapacityState(p Policy, now time.Time) CapacityState {
	r, t := p.initial()
	return CapacityState{
		MaxRequestsPerMinute: float64(max(p.RequestsPerMinute, 0)),
		MaxTokensPerMinute:   float64(max(p.TokensPerMinute, 0)),
		AvailableRequests:    r,
		AvailableTokens:      t,
		LastRefill:           now,
	}
}

// Refill accrues capacity for the time elapsed since LastRefill, capped at the
// ceilings. A clock reading earlier than LastRefill is ignored.
//
// Refill never pushes a value below zero, but it does not forgive debt either:
// a balance driven negative by Consume climbs back at the normal rate.
func (s *CapacityState) Refill(now time.Time) {
	if now.Before(s.LastRefill) {
		return
	}
	dt := now.Sub(s.LastRefill).Seconds()

	s.AvailableRequests = math.Min(s.MaxRequestsPerMinute, s.AvailableRequests+s.MaxRequestsPerMinute*dt/60)
	s.AvailableTokens = math.Min(s.MaxTokensPerMinute, s.AvailableTokens+s.MaxTokensPerMinute*dt/60)
	s.LastRefill = now
}

// Fits reports whether one request carrying tokens tokens can be admitted now.
func (s *CapacityState) Fits(tokens int) bool {
	return s.AvailableRequests >= 1 && s.AvailableTokens >= float64(tokens)
}

// Consume debits one request slot and tokens tokens without any check.
func (s *CapacityState) Consume(tokens int) {
	s.AvailableRequests--
	s.AvailableTokens -= float64(tokens)
}

// TimeUntil estimates how long until Fits(tokens) becomes true given no other
// consumption. ok is false when the ceilings can never cover the request.
func (s *CapacityState) TimeUntil(tokens int) (d time.Duration, ok bool) {
	if s.MaxRequestsPerMinute < 1 || s.MaxTokensPerMinute < float64(tokens) {
		return 0, false
	}
	wait := math.Max(
		deficitSeconds(1-s.AvailableRequests, s.MaxRequestsPerMinute),
		deficitSeconds(float64(tokens)-s.AvailableTokens, s.MaxTokensPerMinute),
	)
	return time.Duration(math.Ceil(wait * float64(time.Second))), true
}

func deficitSeconds(deficit, perMinute float64) float64 {
	if deficit <= 0 {
		return 0
	}
	return deficit / (perMinute / 60)
}
