package format

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/Davincible/claude-code-mux/internal/canonical"
	"github.com/Davincible/claude-code-mux/internal/failover"
	"github.com/Davincible/claude-code-mux/internal/providers"
	"github.com/Davincible/claude-code-mux/internal/routing"
)

// ErrorKind is the stable code carried by every client-facing error.
type ErrorKind string

const (
	KindUnrecognizedFormat    ErrorKind = "unrecognized_format"
	KindMalformedRequest      ErrorKind = "malformed_request"
	KindNoRouteForModel       ErrorKind = "no_route_for_model"
	KindProviderRetryable     ErrorKind = "provider_retryable"
	KindProviderFatal         ErrorKind = "provider_fatal"
	KindAllProvidersExhausted ErrorKind = "all_providers_exhausted"
	KindCommitmentViolation   ErrorKind = "streaming_commitment_violation"
	KindInvalidConfiguration  ErrorKind = "invalid_configuration"
	KindStreamInterrupted     ErrorKind = "stream_interrupted"
	KindCanceled              ErrorKind = "request_canceled"
	KindInternal              ErrorKind = "internal_error"
)

// StatusClientClosedRequest is used for requests the client abandoned.
const StatusClientClosedRequest = 499

var (
	ErrUnrecognizedFormat = errors.New("unrecognized request format")
	ErrMalformedRequest   = errors.New("malformed request")
)

// UnrecognizedFormatError reports a request that matches no client protocol.
type UnrecognizedFormatError struct {
	Path string
}

func (e *UnrecognizedFormatError) Error() string {
	return fmt.Sprintf("%v: no client protocol served at %q", ErrUnrecognizedFormat, e.Path)
}

func (e *UnrecognizedFormatError) Is(target error) bool { return target == ErrUnrecognizedFormat }

// MalformedRequestError reports a body that violates the client protocol.
type MalformedRequestError struct {
	Detail string
}

func (e *MalformedRequestError) Error() string {
	return fmt.Sprintf("%v: %s", ErrMalformedRequest, e.Detail)
}

func (e *MalformedRequestError) Is(target error) bool { return target == ErrMalformedRequest }

func malformed(format string, args ...any) error {
	return &MalformedRequestError{Detail: fmt.Sprintf(format, args...)}
}

// ClientError is an error as presented to the client.
type ClientError struct {
	Status  int
	Kind    ErrorKind
	Type    string // Anthropic-style error type
	Message string
}

// Classify maps any error of the request pipeline to its client
// presentation.
func Classify(err error) ClientError {
	var (
		fatal     *failover.FatalProviderError
		exhausted *failover.AllProvidersExhaustedError
		upstream  *providers.UpstreamError
	)

	switch {
	case errors.Is(err, ErrUnrecognizedFormat):
		return ClientError{http.StatusNotFound, KindUnrecognizedFormat, providers.ErrorTypeNotFound, err.Error()}

	case errors.Is(err, ErrMalformedRequest):
		return ClientError{http.StatusBadRequest, KindMalformedRequest, providers.ErrorTypeInvalidRequest, err.Error()}

	case errors.Is(err, routing.ErrNoRouteForModel):
		return ClientError{http.StatusNotFound, KindNoRouteForModel, providers.ErrorTypeNotFound, err.Error()}

	case errors.Is(err, routing.ErrInvalidConfiguration):
		return ClientError{http.StatusInternalServerError, KindInvalidConfiguration, providers.ErrorTypeAPI, err.Error()}

	case errors.As(err, &fatal):
		ce := ClientError{Status: fatal.Status(), Kind: KindProviderFatal, Type: fatal.UpstreamType(), Message: err.Error()}
		if errors.As(err, &upstream) && upstream.Message != "" {
			ce.Message = upstream.Message
		}
		if ce.Status < 400 || ce.Status > 499 {
			// Local encode failures mean the request cannot be expressed upstream.
			ce.Status = http.StatusBadRequest
		}
		if ce.Type == "" {
			ce.Type = providers.ErrorTypeInvalidRequest
		}
		return ce

	case errors.As(err, &exhausted):
		ce := ClientError{http.StatusBadGateway, KindAllProvidersExhausted, providers.ErrorTypeAPI, err.Error()}
		if exhausted.TimedOut() {
			ce.Status, ce.Type = http.StatusGatewayTimeout, providers.ErrorTypeTimeout
		}
		return ce

	case errors.Is(err, failover.ErrStreamingCommitmentViolation):
		return ClientError{http.StatusInternalServerError, KindCommitmentViolation, providers.ErrorTypeAPI, err.Error()}

	case errors.Is(err, context.Canceled):
		return ClientError{StatusClientClosedRequest, KindCanceled, providers.ErrorTypeAPI, err.Error()}

	case errors.As(err, &upstream):
		return ClientError{http.StatusBadGateway, KindStreamInterrupted, upstream.Type, upstream.Message}

	case errors.Is(err, io.ErrUnexpectedEOF), errors.Is(err, canonical.ErrIncompleteStream):
		return ClientError{http.StatusBadGateway, KindStreamInterrupted, providers.ErrorTypeAPI, err.Error()}
	}

	return ClientError{http.StatusInternalServerError, KindInternal, providers.ErrorTypeAPI, err.Error()}
}

type anthropicErrorBody struct {
	Type    string    `json:"type"`
	Message string    `json:"message"`
	Code    ErrorKind `json:"code"`
}

type anthropicErrorEnvelope struct {
	Type  string             `json:"type"`
	Error anthropicErrorBody `json:"error"`
}

type chatErrorBody struct {
	Message string    `json:"message"`
	Type    string    `json:"type"`
	Code    ErrorKind `json:"code"`
}

type chatErrorEnvelope struct {
	Error chatErrorBody `json:"error"`
}

// ErrorEnvelope returns the JSON error object in the client's shape.
func ErrorEnvelope(f ClientFormat, ce ClientError) any {
	if f == ClientOpenAIChat {
		return chatErrorEnvelope{Error: chatErrorBody{Message: ce.Message, Type: ce.Type, Code: ce.Kind}}
	}
	return anthropicErrorEnvelope{
		Type:  "error",
		Error: anthropicErrorBody{Type: ce.Type, Message: ce.Message, Code: ce.Kind},
	}
}

// WriteError writes err as an HTTP error response in the client's shape.
// Unknown formats get the Anthropic envelope, the proxy's primary protocol.
func WriteError(w http.ResponseWriter, f ClientFormat, err error) ClientError {
	ce := Classify(err)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(ce.Status)
	json.NewEncoder(w).Encode(ErrorEnvelope(f, ce))

	return ce
}
