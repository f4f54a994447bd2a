package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jwjohns/curator/internal/ratelimit"
)

func TestClient_Call(t *testing.T) {
	var got Request
	var gotHeaders http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeaders = r.Header.Clone()
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"id": "chatcmpl-1",
			"model": "gpt-4o-mini",
			"choices": [{"message": {"role": "assistant", "content": "hello"}}],
			"usage": {"prompt_tokens": 12, "completion_tokens": 3}
		}`))
	}))
	defer srv.Close()

	c := New(Config{URL: srv.URL, APIKey: "sk-test", Timeout: time.Second}, zerolog.Nop())
	ctx := WithRequestID(context.Background(), "unit-7")

	resp, err := c.Call(ctx, Request{
		Model:     "gpt-4o-mini",
		Messages:  []Message{{Role: "user", Content: "hi"}},
		MaxTokens: 16,
	})
	require.NoError(t, err)

	assert.Equal(t, "hello", resp.Content)
	assert.Equal(t, "chatcmpl-1", resp.ID)
	assert.Equal(t, int64(12), resp.Usage.PromptTokens)
	assert.Equal(t, int64(3), resp.Usage.CompletionTokens)
	assert.Equal(t, int64(15), resp.Usage.TotalTokens)

	assert.Equal(t, "gpt-4o-mini", got.Model)
	assert.Equal(t, 16, got.MaxTokens)
	assert.Equal(t, "Bearer sk-test", gotHeaders.Get("Authorization"))
	assert.Equal(t, "unit-7", gotHeaders.Get("X-Request-ID"))
}

func TestClient_GeneratesRequestID(t *testing.T) {
	var rid string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rid = r.Header.Get("X-Request-ID")
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"x"}}]}`))
	}))
	defer srv.Close()

	_, err := New(Config{URL: srv.URL}, zerolog.Nop()).Call(context.Background(), Request{Model: "m"})
	require.NoError(t, err)
	assert.Len(t, rid, 36)
}

func TestClient_StatusErrors(t *testing.T) {
	tests := []struct {
		name       string
		status     int
		retryAfter string
		wantClass  ratelimit.ErrorClass
		wantRetry  time.Duration
	}{
		{"rate limited", http.StatusTooManyRequests, "7", ratelimit.ErrorRateLimit, 7 * time.Second},
		{"bad request", http.StatusBadRequest, "", ratelimit.ErrorAPI, 0},
		{"server error", http.StatusBadGateway, "", ratelimit.ErrorAPI, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if tt.retryAfter != "" {
					w.Header().Set("Retry-After", tt.retryAfter)
				}
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(`{"error":{"message":"nope"}}`))
			}))
			defer srv.Close()

			_, err := New(Config{URL: srv.URL}, zerolog.Nop()).Call(context.Background(), Request{Model: "m"})
			require.Error(t, err)

			var se *StatusError
			require.True(t, errors.As(err, &se))
			assert.Equal(t, tt.status, se.StatusCode)
			assert.Equal(t, tt.wantRetry, se.RetryAfter)
			assert.Contains(t, se.Error(), "nope")
			assert.Equal(t, tt.wantClass, Classify(err))
		})
	}
}

func TestClient_DecodeFailureIsOther(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`not json`))
	}))
	defer srv.Close()

	_, err := New(Config{URL: srv.URL}, zerolog.Nop()).Call(context.Background(), Request{Model: "m"})
	require.Error(t, err)
	assert.Equal(t, ratelimit.ErrorOther, Classify(err))
}

func TestClassify(t *testing.T) {
	assert.Equal(t, ratelimit.ErrorNone, Classify(nil))
	assert.Equal(t, ratelimit.ErrorOther, Classify(context.DeadlineExceeded))
	wrapped := errors.Join(errors.New("outer"), &StatusError{StatusCode: 429})
	assert.Equal(t, ratelimit.ErrorRateLimit, Classify(wrapped))
}

func TestParseRetryAfter(t *testing.T) {
	assert.Zero(t, parseRetryAfter(""))
	assert.Zero(t, parseRetryAfter("soon"))
	assert.Equal(t, 3*time.Second, parseRetryAfter(" 3 "))

	future := time.Now().Add(time.Hour).UTC().Format(http.TimeFormat)
	assert.Greater(t, parseRetryAfter(future), 50*time.Minute)
}

func TestStatusError_TruncatesOnRuneBoundary(t *testing.T) {
	// 199 ASCII bytes put the 200th byte inside a two-byte rune.
	err := &StatusError{StatusCode: 500, Body: strings.Repeat("a", 199) + strings.Repeat("é", 50)}
	msg := err.Error()

	assert.True(t, utf8.ValidString(msg))
	assert.True(t, strings.HasSuffix(msg, strings.Repeat("a", 10)+"..."))

	short := &StatusError{StatusCode: 500, Body: "  héllo  "}
	assert.Equal(t, "upstream: status 500: héllo", short.Error())
}

func TestRetryAfter(t *testing.T) {
	assert.Equal(t, 7*time.Second, RetryAfter(fmt.Errorf("call: %w", &StatusError{StatusCode: 429, RetryAfter: 7 * time.Second})))
	assert.Zero(t, RetryAfter(&StatusError{StatusCode: 503, RetryAfter: 7 * time.Second}))
	assert.Zero(t, RetryAfter(errors.New("eof")))
}
