package middleware

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/Davincible/claude-code-mux/internal/config"
	"github.com/Davincible/claude-code-mux/internal/format"
	"github.com/Davincible/claude-code-mux/internal/providers"
)

// KindUnauthorized is the error code of rejected proxy credentials.
const KindUnauthorized format.ErrorKind = "unauthorized"

type AuthMiddleware struct {
	config *config.Manager
	logger *slog.Logger
}

func NewAuthMiddleware(config *config.Manager, logger *slog.Logger) func(http.Handler) http.Handler {
	am := &AuthMiddleware{
		config: config,
		logger: logger,
	}

	return am.middleware
}

func (am *AuthMiddleware) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := am.authenticate(r); err != nil {
			am.logger.Warn("Authentication failed",
				"request_id", RequestID(r.Context()),
				"error", err,
				"remote_addr", r.RemoteAddr,
			)
			writeUnauthorized(w, r)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (am *AuthMiddleware) authenticate(r *http.Request) error {
	cfg := am.config.Get()

	// No key configured means an open local proxy.
	if r.URL.Path == "/health" || cfg.APIKey == "" {
		return nil
	}

	var token string

	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		token = strings.TrimPrefix(auth, "Bearer ")
	} else if apiKey := r.Header.Get("X-API-Key"); apiKey != "" {
		token = apiKey
	}

	if token == "" {
		return errors.New("no authentication token provided")
	}

	if subtle.ConstantTimeCompare([]byte(token), []byte(cfg.APIKey)) != 1 {
		return errors.New("invalid API key")
	}

	return nil
}

// writeUnauthorized answers in the error shape of the client protocol the
// path belongs to.
func writeUnauthorized(w http.ResponseWriter, r *http.Request) {
	f := format.ClientAnthropic
	if d, err := format.Detect(r.URL.Path, nil); err == nil {
		f = d.Format
	}

	ce := format.ClientError{
		Status:  http.StatusUnauthorized,
		Kind:    KindUnauthorized,
		Type:    providers.ErrorTypeAuthentication,
		Message: "proxy API key not authorized",
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(ce.Status)
	json.NewEncoder(w).Encode(format.ErrorEnvelope(f, ce))
}
