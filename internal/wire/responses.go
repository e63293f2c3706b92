package wire

import "encoding/json"

// ResponsesRequest is an OpenAI Responses API request.
type ResponsesRequest struct {
	Model             string              `json:"model"`
	Instructions      string              `json:"instructions,omitempty"`
	Input             []ResponsesItem     `json:"input"`
	Tools             []ResponsesTool     `json:"tools,omitempty"`
	ToolChoice        any                 `json:"tool_choice,omitempty"`
	ParallelToolCalls *bool               `json:"parallel_tool_calls,omitempty"`
	MaxOutputTokens   *int                `json:"max_output_tokens,omitempty"`
	Temperature       *float64            `json:"temperature,omitempty"`
	TopP              *float64            `json:"top_p,omitempty"`
	Stream            bool                `json:"stream,omitempty"`
	Store             *bool               `json:"store,omitempty"`
	Reasoning         *ResponsesReasoning `json:"reasoning,omitempty"`
	Include           []string            `json:"include,omitempty"`
	User              string              `json:"user,omitempty"`
}

type ResponsesReasoning struct {
	Effort  string `json:"effort,omitempty"`
	Summary string `json:"summary,omitempty"`
}

// ResponsesItem is an input or output item: message, function_call,
// function_call_output or reasoning.
type ResponsesItem struct {
	Type      string             `json:"type"`
	ID        string             `json:"id,omitempty"`
	Role      string             `json:"role,omitempty"`
	Status    string             `json:"status,omitempty"`
	Content   []ResponsesContent `json:"content,omitempty"`
	CallID    string             `json:"call_id,omitempty"`
	Name      string             `json:"name,omitempty"`
	Arguments string             `json:"arguments,omitempty"`
	Output    *string            `json:"output,omitempty"`
	Summary   []ResponsesContent `json:"summary,omitempty"`
}

type ResponsesContent struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	ImageURL string `json:"image_url,omitempty"`
}

type ResponsesTool struct {
	Type        string          `json:"type"`
	Name        string          `json:"name,omitempty"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

type ResponsesToolChoice struct {
	Type string `json:"type"`
	Name string `json:"name,omitempty"`
}

type ResponsesResponse struct {
	ID                string               `json:"id"`
	Object            string               `json:"object"`
	Model             string               `json:"model"`
	Status            string               `json:"status"`
	Output            []ResponsesItem      `json:"output"`
	Usage             *ResponsesUsage      `json:"usage,omitempty"`
	Error             *ResponsesError      `json:"error,omitempty"`
	IncompleteDetails *ResponsesIncomplete `json:"incomplete_details,omitempty"`
}

type ResponsesUsage struct {
	InputTokens         int                     `json:"input_tokens"`
	OutputTokens        int                     `json:"output_tokens"`
	InputTokensDetails  *ResponsesInputDetails  `json:"input_tokens_details,omitempty"`
	OutputTokensDetails *ResponsesOutputDetails `json:"output_tokens_details,omitempty"`
}

type ResponsesInputDetails struct {
	CachedTokens int `json:"cached_tokens"`
}

type ResponsesOutputDetails struct {
	ReasoningTokens int `json:"reasoning_tokens"`
}

type ResponsesIncomplete struct {
	Reason string `json:"reason"`
}

type ResponsesError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ResponsesStreamEvent is the union of Responses API stream events.
type ResponsesStreamEvent struct {
	Type         string             `json:"type"`
	OutputIndex  int                `json:"output_index"`
	ContentIndex int                `json:"content_index"`
	ItemID       string             `json:"item_id,omitempty"`
	Delta        string             `json:"delta,omitempty"`
	Item         *ResponsesItem     `json:"item,omitempty"`
	Response     *ResponsesResponse `json:"response,omitempty"`
	Code         string             `json:"code,omitempty"`
	Message      string             `json:"message,omitempty"`
}
