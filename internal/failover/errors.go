package failover

import (
	"errors"
	"fmt"
	"strings"

	"github.com/Davincible/claude-code-mux/internal/providers"
)

var (
	ErrAllProvidersExhausted        = errors.New("all providers exhausted")
	ErrFatalProvider                = errors.New("fatal provider error")
	ErrStreamingCommitmentViolation = errors.New("attempt after response bytes reached the client")
	ErrNoCandidates                 = errors.New("no candidate providers")
	ErrEmptyStream                  = errors.New("upstream stream ended before the first event")
)

// AllProvidersExhaustedError is returned when every candidate failed with a
// retryable outcome.
type AllProvidersExhaustedError struct {
	Attempts []Attempt
}

func (e *AllProvidersExhaustedError) Error() string {
	parts := make([]string, 0, len(e.Attempts))
	for _, a := range e.Attempts {
		parts = append(parts, fmt.Sprintf("%s(%s)", a.Provider, a.Kind))
	}
	return fmt.Sprintf("%v after %d attempts: %s", ErrAllProvidersExhausted, len(e.Attempts), strings.Join(parts, ", "))
}

func (e *AllProvidersExhaustedError) Is(target error) bool {
	return target == ErrAllProvidersExhausted
}

// TimedOut reports whether every attempt that reached a provider timed out.
// Circuit-open skips are ignored.
func (e *AllProvidersExhaustedError) TimedOut() bool {
	seen := false
	for _, a := range e.Attempts {
		if a.Kind == KindCircuitOpen {
			continue
		}
		if a.Kind != KindTimeout {
			return false
		}
		seen = true
	}
	return seen
}

// LastError is the error of the final attempt.
func (e *AllProvidersExhaustedError) LastError() error {
	if len(e.Attempts) == 0 {
		return nil
	}
	return e.Attempts[len(e.Attempts)-1].Err
}

// FatalProviderError aborts failover on an error no other provider would fix.
type FatalProviderError struct {
	Attempt  Attempt
	Attempts []Attempt
}

func (e *FatalProviderError) Error() string {
	return fmt.Sprintf("%v from %s: %v", ErrFatalProvider, e.Attempt.Provider, e.Attempt.Err)
}

func (e *FatalProviderError) Is(target error) bool {
	return target == ErrFatalProvider
}

func (e *FatalProviderError) Unwrap() error { return e.Attempt.Err }

// Status is the upstream HTTP status, or 0 for local failures.
func (e *FatalProviderError) Status() int { return e.Attempt.Status }

// UpstreamType is the upstream error type when the provider sent one.
func (e *FatalProviderError) UpstreamType() string {
	var upstream *providers.UpstreamError
	if errors.As(e.Attempt.Err, &upstream) {
		return upstream.Type
	}
	return ""
}
