package obs

import (
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
)

// SetupLogger builds the process logger on stdout. format is "json" (default)
// or "console".
func SetupLogger(level, format string) zerolog.Logger {
	return NewLogger(os.Stdout, level, format)
}

func NewLogger(w io.Writer, level, format string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}

	zerolog.TimeFieldFormat = time.RFC3339Nano

	if strings.EqualFold(format, "console") {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.TimeOnly}
	}

	return zerolog.New(w).With().Timestamp().Logger().Level(lvl)
}

// Logger returns an access-log middleware. The status server is polled, so
// successful requests log at debug and failures at warn.
func Logger(logger zerolog.Logger) func(http.Handler) http.Handler {
	access := hlog.AccessHandler(func(r *http.Request, status, size int, duration time.Duration) {
		ev := hlog.FromRequest(r).Debug()
		if status >= http.StatusBadRequest {
			ev = hlog.FromRequest(r).Warn()
		}
		ev.Str("method", r.Method).
			Str("path", r.URL.Path).
			Str("remote", r.RemoteAddr).
			Int("status", status).
			Int("size", size).
			Dur("dur", duration).
			Msg("status request")
	})
	return func(next http.Handler) http.Handler {
		return hlog.NewHandler(logger)(
			access(hlog.UserAgentHandler("ua")(
				hlog.RequestIDHandler("req_id", "X-Request-ID")(next),
			)),
		)
	}
}
