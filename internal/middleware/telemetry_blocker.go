package middleware

import (
	"log/slog"
	"net/http"
	"strings"
)

// telemetryPaths are client analytics endpoints that must never reach an
// upstream provider.
var telemetryPaths = []string{
	"/api/claude_code/metrics",
	"/claude_code/metrics",
	"/v1/initialize",
	"/v1/log_event",
	"/v1/rgstr",
	"/statsig",
	"/telemetry",
	"/analytics",
}

type TelemetryBlockerMiddleware struct {
	logger  *slog.Logger
	enabled func() bool
}

// NewTelemetryBlockerMiddleware answers client telemetry calls locally.
// enabled is consulted per request so a reload can toggle it.
func NewTelemetryBlockerMiddleware(logger *slog.Logger, enabled func() bool) func(http.Handler) http.Handler {
	tbm := &TelemetryBlockerMiddleware{
		logger:  logger,
		enabled: enabled,
	}
	return tbm.middleware
}

func (tbm *TelemetryBlockerMiddleware) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !tbm.enabled() {
			next.ServeHTTP(w, r)
			return
		}

		host := r.Host
		if host == "" {
			host = r.Header.Get("Host")
		}

		switch {
		case strings.Contains(host, "statsig.anthropic.com"):
			tbm.sendStatsigResponse(w)
		case isTelemetryPath(r.URL.Path) && strings.Contains(r.URL.Path, "claude_code/metrics"):
			tbm.sendMetricsResponse(w)
		case isTelemetryPath(r.URL.Path):
			tbm.sendStatsigResponse(w)
		default:
			next.ServeHTTP(w, r)
			return
		}

		tbm.logger.Debug("Blocked telemetry request", "host", host, "path", r.URL.Path)
	})
}

func isTelemetryPath(path string) bool {
	for _, p := range telemetryPaths {
		if strings.HasPrefix(path, p) {
			return true
		}
	}
	return false
}

func (tbm *TelemetryBlockerMiddleware) sendMetricsResponse(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"accepted_count":0,"rejected_count":0}`))
}

func (tbm *TelemetryBlockerMiddleware) sendStatsigResponse(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(http.StatusAccepted)
	w.Write([]byte(`{"success":true}`))
}
