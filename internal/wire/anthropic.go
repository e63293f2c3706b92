// Package wire holds the JSON shapes of every protocol the proxy speaks,
// on both the client and the provider side.
package wire

import (
	"bytes"
	"encoding/json"
)

// AnthropicRequest is a Messages API request body.
type AnthropicRequest struct {
	Model         string               `json:"model" validate:"required"`
	Messages      []AnthropicMessage   `json:"messages" validate:"required,min=1,dive"`
	System        AnthropicContent     `json:"system,omitempty"`
	MaxTokens     int                  `json:"max_tokens" validate:"gte=0"`
	Temperature   *float64             `json:"temperature,omitempty" validate:"omitempty,gte=0,lte=2"`
	TopP          *float64             `json:"top_p,omitempty" validate:"omitempty,gte=0,lte=1"`
	TopK          *int                 `json:"top_k,omitempty" validate:"omitempty,gte=0"`
	StopSequences []string             `json:"stop_sequences,omitempty"`
	Stream        bool                 `json:"stream,omitempty"`
	Tools         []AnthropicTool      `json:"tools,omitempty" validate:"dive"`
	ToolChoice    *AnthropicToolChoice `json:"tool_choice,omitempty"`
	Thinking      *AnthropicThinking   `json:"thinking,omitempty"`
	Metadata      *AnthropicMetadata   `json:"metadata,omitempty"`
}

type AnthropicMessage struct {
	Role    string           `json:"role" validate:"required,oneof=user assistant"`
	Content AnthropicContent `json:"content"`
}

// AnthropicContent is a list of content blocks. It also accepts the plain
// string shorthand on decode.
type AnthropicContent []AnthropicBlock

func (c *AnthropicContent) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*c = AnthropicContent{{Type: "text", Text: s}}
		return nil
	}
	if bytes.Equal(data, []byte("null")) {
		*c = nil
		return nil
	}
	var blocks []AnthropicBlock
	if err := json.Unmarshal(data, &blocks); err != nil {
		return err
	}
	*c = blocks
	return nil
}

// AnthropicBlock is any content block. Only the fields relevant to Type are
// populated.
type AnthropicBlock struct {
	Type string `json:"type"`

	Text string `json:"text,omitempty"`

	Thinking  string `json:"thinking,omitempty"`
	Signature string `json:"signature,omitempty"`

	Source *AnthropicSource `json:"source,omitempty"`

	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`

	ToolUseID string           `json:"tool_use_id,omitempty"`
	Content   AnthropicContent `json:"content,omitempty"`
	IsError   bool             `json:"is_error,omitempty"`

	CacheControl json.RawMessage `json:"cache_control,omitempty"`
}

type AnthropicSource struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type,omitempty"`
	Data      string `json:"data,omitempty"`
	URL       string `json:"url,omitempty"`
}

type AnthropicTool struct {
	Type        string          `json:"type,omitempty"`
	Name        string          `json:"name" validate:"required"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
	MaxUses     int             `json:"max_uses,omitempty"`
}

// Builtin reports whether the tool is hosted by the provider rather than
// executed by the client.
func (t AnthropicTool) Builtin() bool {
	return t.Type != "" && t.Type != "custom"
}

type AnthropicToolChoice struct {
	Type string `json:"type"`
	Name string `json:"name,omitempty"`
}

type AnthropicThinking struct {
	Type         string `json:"type"`
	BudgetTokens int    `json:"budget_tokens,omitempty"`
}

type AnthropicMetadata struct {
	UserID string `json:"user_id,omitempty"`
}

// AnthropicResponse is a non-streaming Messages API response, and the
// message object carried by message_start.
type AnthropicResponse struct {
	ID           string           `json:"id"`
	Type         string           `json:"type"`
	Role         string           `json:"role"`
	Model        string           `json:"model"`
	Content      []AnthropicBlock `json:"content"`
	StopReason   *string          `json:"stop_reason"`
	StopSequence *string          `json:"stop_sequence"`
	Usage        AnthropicUsage   `json:"usage"`
}

type AnthropicUsage struct {
	InputTokens              int `json:"input_tokens"`
	OutputTokens             int `json:"output_tokens"`
	CacheCreationInputTokens int `json:"cache_creation_input_tokens,omitempty"`
	CacheReadInputTokens     int `json:"cache_read_input_tokens,omitempty"`
}

// AnthropicStreamEvent is the union of all Messages API stream events, used
// for decoding.
type AnthropicStreamEvent struct {
	Type         string             `json:"type"`
	Message      *AnthropicResponse `json:"message,omitempty"`
	Index        int                `json:"index"`
	ContentBlock *AnthropicBlock    `json:"content_block,omitempty"`
	Delta        *AnthropicDelta    `json:"delta,omitempty"`
	Usage        *AnthropicUsage    `json:"usage,omitempty"`
	Error        *AnthropicError    `json:"error,omitempty"`
}

type AnthropicDelta struct {
	Type         string  `json:"type,omitempty"`
	Text         string  `json:"text,omitempty"`
	Thinking     string  `json:"thinking,omitempty"`
	Signature    string  `json:"signature,omitempty"`
	PartialJSON  string  `json:"partial_json,omitempty"`
	StopReason   string  `json:"stop_reason,omitempty"`
	StopSequence *string `json:"stop_sequence,omitempty"`
}

type AnthropicError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// AnthropicErrorResponse is the Messages API error envelope.
type AnthropicErrorResponse struct {
	Type  string         `json:"type"`
	Error AnthropicError `json:"error"`
}

// AnthropicCountTokensRequest is the body of /v1/messages/count_tokens.
type AnthropicCountTokensRequest struct {
	Model    string             `json:"model" validate:"required"`
	Messages []AnthropicMessage `json:"messages" validate:"required,min=1,dive"`
	System   AnthropicContent   `json:"system,omitempty"`
	Tools    []AnthropicTool    `json:"tools,omitempty"`
	Thinking *AnthropicThinking `json:"thinking,omitempty"`
}
