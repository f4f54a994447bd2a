// Package tokens estimates how many tokens a request will use before it is sent.
//
// Admission needs an estimate up front; the real usage reported by the API only
// arrives after the call. The estimator is character based: each model family
// gets a characters-per-token ratio, with fixed overhead per message and per
// conversation. Completion tokens are taken from max_tokens when the request
// sets it, otherwise from a configured default.
package tokens

import (
	"strings"

	"github.com/jwjohns/curator/internal/upstream"
)

const (
	defaultCharsPerToken    = 4.0
	defaultCompletionTokens = 1024
	perMessageOverhead      = 3
	perConversationOverhead = 3
	rolePerMessage          = 1
)

// Estimator is safe for concurrent use; it holds no mutable state.
type Estimator struct {
	// CharsPerToken maps a model prefix to its ratio. Longest prefix wins.
	CharsPerToken map[string]float64
	// DefaultCompletionTokens is assumed when a request has no max_tokens.
	DefaultCompletionTokens int
}

func New(defaultCompletion int) *Estimator {
	if defaultCompletion <= 0 {
		defaultCompletion = defaultCompletionTokens
	}
	return &Estimator{
		CharsPerToken: map[string]float64{
			"gpt-":    4.0,
			"o1":      4.0,
			"claude-": 3.5,
			"gemini-": 4.0,
		},
		DefaultCompletionTokens: defaultCompletion,
	}
}

// Estimate is the breakdown returned by EstimateRequest.
type Estimate struct {
	PromptTokens     int
	CompletionTokens int
	Total            int
}

// EstimateText returns the rounded token count for text, at least 1 when
// text is non-empty.
func (e *Estimator) EstimateText(text, model string) int {
	if text == "" {
		return 0
	}
	n := float64(len(text)) / e.ratio(model)
	if n < 1 {
		return 1
	}
	return int(n + 0.5)
}

// EstimateRequest estimates prompt and completion tokens for req.
func (e *Estimator) EstimateRequest(req upstream.Request) Estimate {
	prompt := 0
	if len(req.Messages) > 0 {
		for _, m := range req.Messages {
			prompt += rolePerMessage + perMessageOverhead
			prompt += e.EstimateText(m.Content, req.Model)
			prompt += e.EstimateText(m.Name, req.Model)
		}
		prompt += perConversationOverhead
	}

	completion := req.MaxTokens
	if completion <= 0 {
		completion = e.DefaultCompletionTokens
	}
	return Estimate{
		PromptTokens:     prompt,
		CompletionTokens: completion,
		Total:            prompt + completion,
	}
}

func (e *Estimator) ratio(model string) float64 {
	best, ratio := "", defaultCharsPerToken
	for prefix, r := range e.CharsPerToken {
		if strings.HasPrefix(model, prefix) && len(prefix) > len(best) && r > 0 {
			best, ratio = prefix, r
		}
	}
	return ratio
}
