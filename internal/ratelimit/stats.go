package ratelimit

import "time"

// Outcome is the terminal (or requeue) state reported for an admitted unit.
type Outcome int

const (
	OutcomeSucceeded Outcome = iota
	OutcomeFailed
	// OutcomeRequeued ends an attempt without ending the unit: the caller will
	// submit it again as a new pending unit, which counts as started again.
	OutcomeRequeued
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSucceeded:
		return "succeeded"
	case OutcomeFailed:
		return "failed"
	case OutcomeRequeued:
		return "requeued"
	default:
		return "unknown"
	}
}

// ErrorClass is the caller's classification of why a call did not succeed.
type ErrorClass int

const (
	ErrorNone ErrorClass = iota
	ErrorAPI
	ErrorRateLimit
	ErrorOther
)

func (c ErrorClass) String() string {
	switch c {
	case ErrorNone:
		return "none"
	case ErrorAPI:
		return "api"
	case ErrorRateLimit:
		return "rate_limit"
	case ErrorOther:
		return "other"
	default:
		return "unknown"
	}
}

// Result is what a caller reports once a unit of work finishes.
type Result struct {
	Outcome          Outcome
	ErrorClass       ErrorClass
	PromptTokens     int64
	CompletionTokens int64
	Cost             float64
	// RetryAfter is the wait the target asked for with a rate-limit error.
	RetryAfter       time.Duration
}

// Stats accumulates counters for one controller. It has no locking of its own.
type Stats struct {
	Started          int64 `json:"started"`
	InProgress       int64 `json:"in_progress"`
	Succeeded        int64 `json:"succeeded"`
	Failed           int64 `json:"failed"`
	AlreadyCompleted int64 `json:"already_completed"`

	APIErrors       int64 `json:"api_errors"`
	RateLimitErrors int64 `json:"rate_limit_errors"`
	OtherErrors     int64 `json:"other_errors"`

	PromptTokens     int64   `json:"prompt_tokens"`
	CompletionTokens int64   `json:"completion_tokens"`
	TotalTokens      int64   `json:"total_tokens"`
	TotalCost        float64 `json:"total_cost"`
	TotalExpected    int64   `json:"total_expected"`

	StartedAt           time.Time     `json:"started_at"`
	LastRateLimitError  time.Time     `json:"last_rate_limit_error,omitzero"`
	RateLimitRetryAfter time.Duration `json:"rate_limit_retry_after_ns,omitzero"`
}

func (s *Stats) begin() {
	s.Started++
	s.InProgress++
}

func (s *Stats) alreadyCompleted(n int64) {
	s.Started += n
	s.AlreadyCompleted += n
}

func (s *Stats) record(r Result, now time.Time) {
	// Only reachable when a unit is reported twice; counting it as started
	// again keeps Succeeded+Failed+InProgress+AlreadyCompleted <= Started.
	if s.InProgress > 0 {
		s.InProgress--
	} else {
		s.Started++
	}

	s.countError(r, now)

	switch r.Outcome {
	case OutcomeSucceeded:
		s.Succeeded++
		s.PromptTokens += max(r.PromptTokens, 0)
		s.CompletionTokens += max(r.CompletionTokens, 0)
		s.TotalTokens += max(r.PromptTokens, 0) + max(r.CompletionTokens, 0)
		s.TotalCost += max(r.Cost, 0)
	case OutcomeFailed:
		s.Failed++
	}
}

// reject counts a unit that failed before it was ever admitted.
func (s *Stats) reject(class ErrorClass, now time.Time) {
	s.Started++
	s.Failed++
	s.countError(Result{Outcome: OutcomeFailed, ErrorClass: class}, now)
}

func (s *Stats) countError(r Result, now time.Time) {
	switch r.ErrorClass {
	case ErrorAPI:
		s.APIErrors++
	case ErrorRateLimit:
		s.RateLimitErrors++
		s.LastRateLimitError = now
		s.RateLimitRetryAfter = max(r.RetryAfter, 0)
	case ErrorOther:
		s.OtherErrors++
	}
}

func (s Stats) ErrorsTotal() int64 {
	return s.APIErrors + s.RateLimitErrors + s.OtherErrors
}
