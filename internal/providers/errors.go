package providers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/Davincible/claude-code-mux/internal/routing"
	"github.com/Davincible/claude-code-mux/internal/wire"
)

// Error types, in Anthropic vocabulary, shared by every format.
const (
	ErrorTypeInvalidRequest = "invalid_request_error"
	ErrorTypeAuthentication = "authentication_error"
	ErrorTypePermission     = "permission_error"
	ErrorTypeNotFound       = "not_found_error"
	ErrorTypeTooLarge       = "request_too_large"
	ErrorTypeRateLimit      = "rate_limit_error"
	ErrorTypeOverloaded     = "overloaded_error"
	ErrorTypeTimeout        = "timeout_error"
	ErrorTypeAPI            = "api_error"
)

// UpstreamError is a failure reported by a provider, either as a non-2xx
// response or as an error event inside a stream (Status 0).
type UpstreamError struct {
	Status     int
	Type       string
	Message    string
	RetryAfter time.Duration
}

func (e *UpstreamError) Error() string {
	if e.Status == 0 {
		return fmt.Sprintf("upstream stream error (%s): %s", e.Type, e.Message)
	}
	return fmt.Sprintf("upstream returned %d (%s): %s", e.Status, e.Type, e.Message)
}

// EncodeError reports a canonical request that could not be rendered for a
// provider. It is never worth retrying on another attempt of the same kind.
type EncodeError struct {
	Format routing.WireFormat
	Err    error
}

func (e *EncodeError) Error() string {
	return fmt.Sprintf("encode %s request: %v", e.Format, e.Err)
}

func (e *EncodeError) Unwrap() error { return e.Err }

// ErrMalformedUpstream marks a provider body that could not be decoded.
var ErrMalformedUpstream = errors.New("malformed upstream response")

// ParseError builds an UpstreamError from a non-2xx response. It understands
// the Anthropic, OpenAI and Google error envelopes and falls back to the raw
// body.
func ParseError(status int, header http.Header, body []byte) *UpstreamError {
	e := &UpstreamError{Status: status}

	var anthropic wire.AnthropicErrorResponse
	var openai wire.ChatErrorResponse
	var gemini wire.GeminiErrorResponse

	switch {
	case json.Unmarshal(body, &anthropic) == nil && anthropic.Type == "error" && anthropic.Error.Message != "":
		e.Type, e.Message = anthropic.Error.Type, anthropic.Error.Message
	case json.Unmarshal(body, &gemini) == nil && gemini.Error.Status != "":
		e.Type, e.Message = mapGoogleStatus(gemini.Error.Status), gemini.Error.Message
	case json.Unmarshal(body, &openai) == nil && openai.Error.Message != "":
		e.Type, e.Message = mapOpenAIErrorType(openai.Error.Type, openai.Error.Code), openai.Error.Message
	default:
		e.Message = strings.TrimSpace(string(body))
		if len(e.Message) > 512 {
			e.Message = e.Message[:512]
		}
	}

	if e.Type == "" {
		e.Type = errorTypeForStatus(status)
	}
	if e.Message == "" {
		e.Message = http.StatusText(status)
	}

	if header != nil {
		e.RetryAfter = parseRetryAfter(header.Get("Retry-After"))
	}

	return e
}

func errorTypeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		return ErrorTypeInvalidRequest
	case http.StatusUnauthorized:
		return ErrorTypeAuthentication
	case http.StatusForbidden:
		return ErrorTypePermission
	case http.StatusNotFound:
		return ErrorTypeNotFound
	case http.StatusRequestTimeout, http.StatusGatewayTimeout:
		return ErrorTypeTimeout
	case http.StatusRequestEntityTooLarge:
		return ErrorTypeTooLarge
	case http.StatusTooManyRequests:
		return ErrorTypeRateLimit
	case 529, http.StatusServiceUnavailable:
		return ErrorTypeOverloaded
	}
	return ErrorTypeAPI
}

func mapOpenAIErrorType(errType string, code json.RawMessage) string {
	mapping := map[string]string{
		"invalid_request_error":    ErrorTypeInvalidRequest,
		"authentication_error":     ErrorTypeAuthentication,
		"permission_error":         ErrorTypePermission,
		"not_found_error":          ErrorTypeNotFound,
		"rate_limit_error":         ErrorTypeRateLimit,
		"rate_limit_exceeded":      ErrorTypeRateLimit,
		"insufficient_quota":       ErrorTypeRateLimit,
		"server_error":             ErrorTypeAPI,
		"api_error":                ErrorTypeAPI,
		"overloaded_error":         ErrorTypeOverloaded,
		"insufficient_quota_error": "billing_error",
	}

	if mapped, ok := mapping[errType]; ok {
		return mapped
	}

	var codeStr string
	if json.Unmarshal(code, &codeStr) == nil {
		if mapped, ok := mapping[codeStr]; ok {
			return mapped
		}
	}

	return ""
}

func mapGoogleStatus(status string) string {
	mapping := map[string]string{
		"INVALID_ARGUMENT":    ErrorTypeInvalidRequest,
		"FAILED_PRECONDITION": ErrorTypeInvalidRequest,
		"UNAUTHENTICATED":     ErrorTypeAuthentication,
		"PERMISSION_DENIED":   ErrorTypePermission,
		"NOT_FOUND":           ErrorTypeNotFound,
		"RESOURCE_EXHAUSTED":  ErrorTypeRateLimit,
		"INTERNAL":            ErrorTypeAPI,
		"UNAVAILABLE":         ErrorTypeOverloaded,
		"DEADLINE_EXCEEDED":   ErrorTypeTimeout,
	}

	if mapped, exists := mapping[status]; exists {
		return mapped
	}

	return ErrorTypeAPI
}

func parseRetryAfter(v string) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}
