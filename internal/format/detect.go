// Package format handles the client-facing side of the proxy: it detects the
// protocol a client speaks, parses requests into the canonical model, and
// renders responses, streams and errors back in that same protocol.
package format

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/Davincible/claude-code-mux/internal/canonical"
)

// ClientFormat is a client-facing protocol.
type ClientFormat string

const (
	ClientAnthropic  ClientFormat = "anthropic"
	ClientOpenAIChat ClientFormat = "openai-chat"
)

// Endpoint is the operation a client request asks for.
type Endpoint int

const (
	EndpointGenerate Endpoint = iota
	EndpointCountTokens
)

// Detection is the result of classifying a request.
type Detection struct {
	Format   ClientFormat
	Endpoint Endpoint
}

var pathFormats = map[string]Detection{
	"/v1/messages":              {Format: ClientAnthropic},
	"/messages":                 {Format: ClientAnthropic},
	"/v1/messages/count_tokens": {Format: ClientAnthropic, Endpoint: EndpointCountTokens},
	"/messages/count_tokens":    {Format: ClientAnthropic, Endpoint: EndpointCountTokens},
	"/v1/chat/completions":      {Format: ClientOpenAIChat},
	"/chat/completions":         {Format: ClientOpenAIChat},
}

// ambiguousPaths are accepted by some clients configured with a bare base
// URL; the body decides.
var ambiguousPaths = map[string]bool{
	"":     true,
	"/":    true,
	"/v1":  true,
	"/v1/": true,
}

// Detect classifies a request by path, falling back to the body shape when
// the path is ambiguous.
func Detect(path string, body []byte) (Detection, error) {
	path = strings.TrimSpace(path)
	if d, ok := pathFormats[strings.TrimSuffix(path, "/")]; ok {
		return d, nil
	}

	if !ambiguousPaths[path] {
		return Detection{}, &UnrecognizedFormatError{Path: path}
	}

	if f, ok := detectBody(body); ok {
		return Detection{Format: f}, nil
	}
	return Detection{}, &UnrecognizedFormatError{Path: path}
}

// bodyShape holds the fields that tell the two client protocols apart.
type bodyShape struct {
	System              json.RawMessage `json:"system"`
	MaxCompletionTokens json.RawMessage `json:"max_completion_tokens"`
	StreamOptions       json.RawMessage `json:"stream_options"`
	ResponseFormat      json.RawMessage `json:"response_format"`
	N                   json.RawMessage `json:"n"`
	Thinking            json.RawMessage `json:"thinking"`
	StopSequences       json.RawMessage `json:"stop_sequences"`
	AnthropicVersion    json.RawMessage `json:"anthropic_version"`
	Messages            []struct {
		Role    string          `json:"role"`
		Content json.RawMessage `json:"content"`
	} `json:"messages"`
}

func detectBody(body []byte) (ClientFormat, bool) {
	var shape bodyShape
	if err := json.Unmarshal(body, &shape); err != nil || shape.Messages == nil {
		return "", false
	}

	if shape.System != nil || shape.Thinking != nil || shape.StopSequences != nil || shape.AnthropicVersion != nil {
		return ClientAnthropic, true
	}
	if shape.MaxCompletionTokens != nil || shape.StreamOptions != nil || shape.ResponseFormat != nil || shape.N != nil {
		return ClientOpenAIChat, true
	}

	for _, m := range shape.Messages {
		switch m.Role {
		case "system", "developer", "tool":
			return ClientOpenAIChat, true
		}

		var blocks []struct {
			Type string `json:"type"`
		}
		if json.Unmarshal(m.Content, &blocks) != nil {
			continue
		}
		for _, b := range blocks {
			switch b.Type {
			case "tool_use", "tool_result", "thinking", "image":
				return ClientAnthropic, true
			case "image_url":
				return ClientOpenAIChat, true
			}
		}
	}

	return "", false
}

type clientFormatKey struct{}

// WithClientFormat binds the detected client format to a request context.
// The first binding wins; later calls keep the original value.
func WithClientFormat(ctx context.Context, f ClientFormat) context.Context {
	if _, ok := ClientFormatFrom(ctx); ok {
		return ctx
	}
	return context.WithValue(ctx, clientFormatKey{}, f)
}

// ClientFormatFrom returns the bound client format.
func ClientFormatFrom(ctx context.Context) (ClientFormat, bool) {
	f, ok := ctx.Value(clientFormatKey{}).(ClientFormat)
	return f, ok
}

// Parse decodes body according to the detected protocol and endpoint.
func Parse(d Detection, body []byte) (*canonical.Request, error) {
	switch {
	case d.Format == ClientAnthropic && d.Endpoint == EndpointCountTokens:
		return ParseAnthropicCountTokens(body)
	case d.Format == ClientAnthropic:
		return ParseAnthropic(body)
	case d.Format == ClientOpenAIChat:
		return ParseChat(body)
	}
	return nil, &UnrecognizedFormatError{}
}
