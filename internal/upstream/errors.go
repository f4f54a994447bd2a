package upstream

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/jwjohns/curator/internal/ratelimit"
)

const maxErrorText = 200

// StatusError is returned for any non-2xx response.
type StatusError struct {
	StatusCode int
	Body       string
	RetryAfter time.Duration
}

func (e *StatusError) Error() string {
	body := strings.TrimSpace(e.Body)
	if len(body) > maxErrorText {
		cut := maxErrorText
		for cut > 0 && !utf8.RuneStart(body[cut]) {
			cut--
		}
		body = body[:cut] + "..."
	}
	return fmt.Sprintf("upstream: status %d: %s", e.StatusCode, body)
}

func (e *StatusError) RateLimited() bool {
	return e.StatusCode == http.StatusTooManyRequests
}

// Classify maps a call error onto the controller's error classes: 429 is a
// rate-limit error, any other status is an API error, everything else
// (transport failures, timeouts, decode errors) is other.
func Classify(err error) ratelimit.ErrorClass {
	if err == nil {
		return ratelimit.ErrorNone
	}
	var se *StatusError
	if errors.As(err, &se) {
		if se.RateLimited() {
			return ratelimit.ErrorRateLimit
		}
		return ratelimit.ErrorAPI
	}
	return ratelimit.ErrorOther
}

// RetryAfter returns the wait a rate-limited response asked for, or zero.
func RetryAfter(err error) time.Duration {
	var se *StatusError
	if errors.As(err, &se) && se.RateLimited() {
		return se.RetryAfter
	}
	return 0
}

func parseRetryAfter(v string) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}
