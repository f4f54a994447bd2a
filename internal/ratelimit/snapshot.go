package ratelimit

import (
	"fmt"
	"time"

	"github.com/jwjohns/curator/internal/pricing"
)

// Snapshot is a point-in-time copy of a controller. It shares no memory with
// the controller and is safe to hand to display or metrics code.
type Snapshot struct {
	Model string `json:"model"`

	MaxRequestsPerMinute float64 `json:"max_requests_per_minute"`
	MaxTokensPerMinute   float64 `json:"max_tokens_per_minute"`
	AvailableRequests    float64 `json:"available_requests"`
	AvailableTokens      float64 `json:"available_tokens"`

	Price  pricing.Price `json:"price"`
	Priced bool          `json:"priced"`

	Stats

	TakenAt time.Time     `json:"taken_at"`
	Elapsed time.Duration `json:"elapsed_ns"`

	AvgPromptTokens     float64 `json:"avg_prompt_tokens"`
	AvgCompletionTokens float64 `json:"avg_completion_tokens"`
	AvgTokens           float64 `json:"avg_tokens"`
	AvgCost             float64 `json:"avg_cost"`
	RequestsPerMinute   float64 `json:"requests_per_minute"`
	ProjectedCost       float64 `json:"projected_cost"`
}

func newSnapshot(model string, st CapacityState, stats Stats, price pricing.Price, priced bool, now time.Time) Snapshot {
	s := Snapshot{
		Model:                model,
		MaxRequestsPerMinute: st.MaxRequestsPerMinute,
		MaxTokensPerMinute:   st.MaxTokensPerMinute,
		AvailableRequests:    st.AvailableRequests,
		AvailableTokens:      st.AvailableTokens,
		Price:                price,
		Priced:               priced,
		Stats:                stats,
		TakenAt:              now,
		Elapsed:              max(now.Sub(stats.StartedAt), 0),
	}

	n := float64(max(stats.Succeeded, 1))
	s.AvgPromptTokens = float64(stats.PromptTokens) / n
	s.AvgCompletionTokens = float64(stats.CompletionTokens) / n
	s.AvgTokens = float64(stats.TotalTokens) / n
	s.AvgCost = stats.TotalCost / n
	s.ProjectedCost = s.AvgCost * float64(stats.TotalExpected)
	if minutes := s.Elapsed.Minutes(); minutes > 0 {
		s.RequestsPerMinute = float64(stats.Succeeded) / minutes
	}
	return s
}

// Processed is the number of admitted units that reached a terminal state.
func (s Snapshot) Processed() int64 {
	return s.Succeeded + s.Failed
}

// Done is the number of units no longer pending, including resumed ones.
func (s Snapshot) Done() int64 {
	return s.Succeeded + s.Failed + s.AlreadyCompleted
}

func (s Snapshot) String() string {
	return fmt.Sprintf(
		"Tasks - Started: %d, In Progress: %d, Succeeded: %d, Failed: %d, Already Completed: %d\n"+
			"Errors - API: %d, Rate Limit: %d, Other: %d, Total: %d",
		s.Started, s.InProgress, s.Succeeded, s.Failed, s.AlreadyCompleted,
		s.APIErrors, s.RateLimitErrors, s.OtherErrors, s.ErrorsTotal(),
	)
}
