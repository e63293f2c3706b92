package wire

import (
	"bytes"
	"encoding/json"
)

// ChatRequest is an OpenAI Chat Completions request. The reasoning and usage
// objects are OpenRouter extensions.
type ChatRequest struct {
	Model               string             `json:"model" validate:"required"`
	Messages            []ChatMessage      `json:"messages" validate:"required,min=1,dive"`
	MaxTokens           *int               `json:"max_tokens,omitempty" validate:"omitempty,gte=0"`
	MaxCompletionTokens *int               `json:"max_completion_tokens,omitempty" validate:"omitempty,gte=0"`
	Temperature         *float64           `json:"temperature,omitempty" validate:"omitempty,gte=0,lte=2"`
	TopP                *float64           `json:"top_p,omitempty" validate:"omitempty,gte=0,lte=1"`
	Stop                StringList         `json:"stop,omitempty"`
	Stream              bool               `json:"stream,omitempty"`
	StreamOptions       *ChatStreamOptions `json:"stream_options,omitempty"`
	Tools               []ChatTool         `json:"tools,omitempty" validate:"dive"`
	ToolChoice          json.RawMessage    `json:"tool_choice,omitempty"`
	ReasoningEffort     string             `json:"reasoning_effort,omitempty" validate:"omitempty,oneof=minimal low medium high"`
	User                string             `json:"user,omitempty"`

	Reasoning *ChatReasoning `json:"reasoning,omitempty"`
	Usage     *ChatUsageOpts `json:"usage,omitempty"`
}

type ChatStreamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type ChatReasoning struct {
	Effort    string `json:"effort,omitempty"`
	MaxTokens int    `json:"max_tokens,omitempty"`
}

type ChatUsageOpts struct {
	Include bool `json:"include"`
}

type ChatMessage struct {
	Role       string         `json:"role" validate:"required,oneof=system developer user assistant tool"`
	Content    ChatContent    `json:"content"`
	Name       string         `json:"name,omitempty"`
	ToolCalls  []ChatToolCall `json:"tool_calls,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`

	// Reasoning text returned by DeepSeek-style and OpenRouter upstreams.
	ReasoningContent string `json:"reasoning_content,omitempty"`
	Reasoning        string `json:"reasoning,omitempty"`
}

// ChatContent is either a plain string or a list of typed parts.
type ChatContent struct {
	Text  string
	Parts []ChatContentPart
}

func (c ChatContent) MarshalJSON() ([]byte, error) {
	if c.Parts != nil {
		return json.Marshal(c.Parts)
	}
	return json.Marshal(c.Text)
}

func (c *ChatContent) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	switch {
	case bytes.Equal(data, []byte("null")):
		*c = ChatContent{}
		return nil
	case len(data) > 0 && data[0] == '"':
		return json.Unmarshal(data, &c.Text)
	}
	return json.Unmarshal(data, &c.Parts)
}

// String flattens the text parts.
func (c ChatContent) String() string {
	if c.Parts == nil {
		return c.Text
	}
	var buf bytes.Buffer
	for _, p := range c.Parts {
		if p.Type == "text" {
			buf.WriteString(p.Text)
		}
	}
	return buf.String()
}

type ChatContentPart struct {
	Type     string        `json:"type"`
	Text     string        `json:"text,omitempty"`
	ImageURL *ChatImageURL `json:"image_url,omitempty"`
}

type ChatImageURL struct {
	URL    string `json:"url"`
	Detail string `json:"detail,omitempty"`
}

type ChatToolCall struct {
	Index    *int             `json:"index,omitempty"`
	ID       string           `json:"id,omitempty"`
	Type     string           `json:"type,omitempty"`
	Function ChatFunctionCall `json:"function"`
}

type ChatFunctionCall struct {
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments"`
}

type ChatTool struct {
	Type     string       `json:"type" validate:"required"`
	Function ChatFunction `json:"function"`
}

type ChatFunction struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

// ChatToolChoiceObject is the object form of tool_choice.
type ChatToolChoiceObject struct {
	Type     string `json:"type"`
	Function struct {
		Name string `json:"name"`
	} `json:"function"`
}

// ChatResponse is both a completion and a streamed chunk.
type ChatResponse struct {
	ID      string       `json:"id"`
	Object  string       `json:"object"`
	Created int64        `json:"created"`
	Model   string       `json:"model"`
	Choices []ChatChoice `json:"choices"`
	Usage   *ChatUsage   `json:"usage,omitempty"`
	Error   *ChatError   `json:"error,omitempty"`
}

type ChatChoice struct {
	Index        int          `json:"index"`
	Message      *ChatMessage `json:"message,omitempty"`
	Delta        *ChatDelta   `json:"delta,omitempty"`
	FinishReason *string      `json:"finish_reason"`
}

// ChatDelta is the incremental message of a stream chunk.
type ChatDelta struct {
	Role             string         `json:"role,omitempty"`
	Content          *string        `json:"content,omitempty"`
	ReasoningContent string         `json:"reasoning_content,omitempty"`
	Reasoning        string         `json:"reasoning,omitempty"`
	ToolCalls        []ChatToolCall `json:"tool_calls,omitempty"`
}

type ChatUsage struct {
	PromptTokens            int                   `json:"prompt_tokens"`
	CompletionTokens        int                   `json:"completion_tokens"`
	TotalTokens             int                   `json:"total_tokens"`
	PromptTokensDetails     *ChatPromptDetails    `json:"prompt_tokens_details,omitempty"`
	CompletionTokensDetails *ChatCompletionDetail `json:"completion_tokens_details,omitempty"`
}

type ChatPromptDetails struct {
	CachedTokens int `json:"cached_tokens"`
}

type ChatCompletionDetail struct {
	ReasoningTokens int `json:"reasoning_tokens"`
}

type ChatError struct {
	Message string          `json:"message"`
	Type    string          `json:"type,omitempty"`
	Param   *string         `json:"param,omitempty"`
	Code    json.RawMessage `json:"code,omitempty"`
}

// ChatErrorResponse is the OpenAI error envelope.
type ChatErrorResponse struct {
	Error ChatError `json:"error"`
}

// StringList accepts a string or an array of strings.
type StringList []string

func (s *StringList) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var one string
		if err := json.Unmarshal(data, &one); err != nil {
			return err
		}
		*s = StringList{one}
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return err
	}
	*s = many
	return nil
}
