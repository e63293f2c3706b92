package failover

import (
	"context"
	"errors"
	"net/http"
	"slices"
	"time"

	"github.com/Davincible/claude-code-mux/internal/providers"
)

// Outcome of one attempt.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeRetryable
	OutcomeFatal
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeRetryable:
		return "retryable"
	case OutcomeFatal:
		return "fatal"
	}
	return "unknown"
}

// Kind names the failure class of an attempt.
type Kind string

const (
	KindNone           Kind = ""
	KindTransport      Kind = "transport"
	KindTimeout        Kind = "timeout"
	KindServer         Kind = "server_error"
	KindOverloaded     Kind = "overloaded"
	KindRateLimited    Kind = "rate_limited"
	KindAuth           Kind = "auth"
	KindNotFound       Kind = "not_found"
	KindMalformed      Kind = "malformed_response"
	KindCircuitOpen    Kind = "circuit_open"
	KindInvalidRequest Kind = "invalid_request"
	KindEncode         Kind = "encode"
	KindStream         Kind = "stream_error"
)

// Policy decides which failures move on to the next candidate.
type Policy struct {
	// FatalStatus lists extra statuses that abort failover.
	FatalStatus []int

	// SameProviderRetries retries a provider this many times before advancing.
	SameProviderRetries int

	// AttemptTimeout bounds one attempt up to its first stream event. A
	// provider's own timeout overrides it.
	AttemptTimeout time.Duration
}

func DefaultPolicy() Policy {
	return Policy{AttemptTimeout: 2 * time.Minute}
}

// Classify maps an attempt error to its outcome, failure kind and HTTP status.
func (p Policy) Classify(err error) (Outcome, Kind, int) {
	if err == nil {
		return OutcomeSuccess, KindNone, 0
	}

	var encErr *providers.EncodeError
	if errors.As(err, &encErr) {
		return OutcomeFatal, KindEncode, 0
	}

	var upstream *providers.UpstreamError
	if errors.As(err, &upstream) {
		outcome, kind := p.classifyUpstream(upstream)
		return outcome, kind, upstream.Status
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return OutcomeRetryable, KindTimeout, 0
	case errors.Is(err, providers.ErrMalformedUpstream), errors.Is(err, ErrEmptyStream):
		return OutcomeRetryable, KindMalformed, 0
	}

	return OutcomeRetryable, KindTransport, 0
}

func (p Policy) classifyUpstream(e *providers.UpstreamError) (Outcome, Kind) {
	if e.Status != 0 && slices.Contains(p.FatalStatus, e.Status) {
		return OutcomeFatal, KindInvalidRequest
	}

	switch e.Type {
	case providers.ErrorTypeOverloaded:
		return OutcomeRetryable, KindOverloaded
	case providers.ErrorTypeRateLimit:
		return OutcomeRetryable, KindRateLimited
	}

	// Error events inside a stream carry no status.
	if e.Status == 0 {
		switch e.Type {
		case providers.ErrorTypeInvalidRequest, providers.ErrorTypeTooLarge:
			return OutcomeFatal, KindInvalidRequest
		}
		return OutcomeRetryable, KindStream
	}

	switch {
	case e.Status == http.StatusTooManyRequests:
		return OutcomeRetryable, KindRateLimited
	case e.Status == 529:
		return OutcomeRetryable, KindOverloaded
	case e.Status >= 500:
		return OutcomeRetryable, KindServer
	case e.Status == http.StatusRequestTimeout:
		return OutcomeRetryable, KindTimeout
	case e.Status == http.StatusUnauthorized, e.Status == http.StatusForbidden:
		return OutcomeRetryable, KindAuth
	case e.Status == http.StatusNotFound:
		return OutcomeRetryable, KindNotFound
	case e.Status >= 400:
		return OutcomeFatal, KindInvalidRequest
	}

	return OutcomeRetryable, KindServer
}
