package httpapi

import (
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
)

// zlog is an optional structured logger. Nothing is logged when unset.
var zlog *zerolog.Logger

// SetLogger installs a structured logger used by the HTTP layer.
func SetLogger(l zerolog.Logger) { zlog = &l }

// LogLevel controls per-request logging behavior.
type LogLevel int

const (
	LevelOff LogLevel = iota
	LevelError
	LevelInfo
	LevelDebug
)

func parseLevel(s string) LogLevel {
	switch s {
	case "off", "":
		return LevelOff
	case "error":
		return LevelError
	case "info":
		return LevelInfo
	case "debug":
		return LevelDebug
	default:
		return LevelInfo
	}
}

// global default, read once
var defaultLogLevel = parseLevel(os.Getenv("LOGINUS_LOG_LEVEL"))

func requestLogLevel(r *http.Request) LogLevel {
	if v := r.URL.Query().Get("log"); v != "" {
		if v == "1" {
			return LevelDebug
		}
		return parseLevel(v)
	}
	if v := r.Header.Get("X-Log-Level"); v != "" {
		return parseLevel(v)
	}
	return defaultLogLevel
}

// logOutcome records the end of an admin operation. Failures are logged at
// LevelError and above, successes at LevelInfo and above.
func logOutcome(r *http.Request, op string, status int, start time.Time, err error) {
	if zlog == nil {
		return
	}
	lvl := requestLogLevel(r)
	if (err == nil && lvl < LevelInfo) || (err != nil && lvl < LevelError) {
		return
	}
	var ev *zerolog.Event
	switch {
	case err == nil:
		ev = zlog.Info()
	case status >= http.StatusInternalServerError:
		ev = zlog.Error().Err(err)
	default:
		ev = zlog.Warn().Err(err)
	}
	ev = ev.Str("op", op).Str("path", r.URL.Path).Int("status", status).Dur("dur", time.Since(start))
	if rid := middleware.GetReqID(r.Context()); rid != "" {
		ev = ev.Str("request_id", rid)
	}
	ev.Msg("request end")
}
