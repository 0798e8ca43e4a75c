package httpapi

import (
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
)

// zlog is set by the daemon; without it control requests are not logged.
var zlog *zerolog.Logger

// SetLogger installs the logger for control requests.
func SetLogger(l zerolog.Logger) { zlog = &l }

// verbosity selects which control requests reach the log.
type verbosity int

const (
	logNone verbosity = iota
	logFailures
	// logChanges adds every request that is not a GET.
	logChanges
	logAll
)

func parseVerbosity(s string) verbosity {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "off", "none":
		return logNone
	case "error", "failures":
		return logFailures
	case "1", "debug", "all":
		return logAll
	default:
		return logChanges
	}
}

// defaultVerbosity comes from UDEVD_CONTROL_LOG.
var defaultVerbosity = parseVerbosity(os.Getenv("UDEVD_CONTROL_LOG"))

// requestVerbosity lets one request raise or lower its own logging with
// ?log= or X-Log-Level, which helps when debugging `udevd control`.
func requestVerbosity(r *http.Request) verbosity {
	if v := r.URL.Query().Get("log"); v != "" {
		return parseVerbosity(v)
	}
	if v := r.Header.Get("X-Log-Level"); v != "" {
		return parseVerbosity(v)
	}
	return defaultVerbosity
}

// requestLogger writes one line per logged control request. Failures are
// logged at warn.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		v := requestVerbosity(r)
		if v == logNone || zlog == nil {
			next.ServeHTTP(w, r)
			return
		}
		sr := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(sr, r)

		failed := sr.status >= http.StatusBadRequest
		switch {
		case failed, v == logAll:
		case v == logChanges && r.Method != http.MethodGet:
		default:
			return
		}
		z := zlog.Info()
		if failed {
			z = zlog.Warn()
		}
		if rid := middleware.GetReqID(r.Context()); rid != "" {
			z = z.Str("request_id", rid)
		}
		z.Str("method", r.Method).Str("path", r.URL.Path).Int("status", sr.status).
			Dur("dur", time.Since(start)).Msg("control request")
	})
}
