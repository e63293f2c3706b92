// Package canonical holds the format-neutral request, response and stream
// event types every client and provider format is translated through.
package canonical

import "strings"

// Mode is the routing intent declared by (or derived from) a client request.
type Mode string

const (
	ModeDefault     Mode = "default"
	ModeThink       Mode = "think"
	ModeBackground  Mode = "background"
	ModeWebSearch   Mode = "websearch"
	ModeLongContext Mode = "longcontext"
)

// ParseMode maps a loosely spelled mode name to a Mode. Unknown names yield
// false.
func ParseMode(s string) (Mode, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "default", "":
		return ModeDefault, true
	case "think", "thinking", "reasoning":
		return ModeThink, true
	case "background", "bg":
		return ModeBackground, true
	case "websearch", "web_search", "web-search":
		return ModeWebSearch, true
	case "longcontext", "long_context", "long-context":
		return ModeLongContext, true
	}
	return "", false
}

// Role of a message author.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// PartType discriminates content parts.
type PartType string

const (
	PartText       PartType = "text"
	PartImage      PartType = "image"
	PartThinking   PartType = "thinking"
	PartToolUse    PartType = "tool_use"
	PartToolResult PartType = "tool_result"
)

// Part is one ordered piece of message content. Only the fields relevant to
// Type are set.
type Part struct {
	Type PartType

	// text / thinking
	Text      string
	Signature string

	// image
	MediaType string
	Data      string // base64 payload
	URL       string

	// tool_use
	ToolCallID string
	ToolName   string
	Input      []byte // raw JSON object

	// tool_result (ToolCallID is shared with tool_use)
	Result  []Part
	IsError bool
}

// Message is a single conversation turn.
type Message struct {
	Role  Role
	Parts []Part
}

// Text concatenates the text parts of the message.
func (m Message) Text() string {
	var sb strings.Builder
	for _, p := range m.Parts {
		if p.Type == PartText {
			sb.WriteString(p.Text)
		}
	}
	return sb.String()
}

// Tool is a function the model may call.
type Tool struct {
	Name        string
	Description string
	Schema      []byte // raw JSON schema

	// Builtin is set for provider-hosted tools such as web search; the value is
	// the client's tool type string (e.g. "web_search_20250305").
	Builtin string
}

// ToolChoiceType is how the model is allowed to use tools.
type ToolChoiceType string

const (
	ToolChoiceAuto ToolChoiceType = "auto"
	ToolChoiceAny  ToolChoiceType = "any"
	ToolChoiceNone ToolChoiceType = "none"
	ToolChoiceTool ToolChoiceType = "tool"
)

// ToolChoice constrains tool usage. Name is set for ToolChoiceTool.
type ToolChoice struct {
	Type ToolChoiceType
	Name string
}

// Sampling carries generation parameters. Nil pointers mean "unset".
type Sampling struct {
	MaxTokens     int
	Temperature   *float64
	TopP          *float64
	TopK          *int
	StopSequences []string
}

// Thinking describes an extended reasoning request.
type Thinking struct {
	Enabled      bool
	BudgetTokens int
	Effort       string // low | medium | high, when the client expressed effort instead of a budget
}

// Request is the canonical form of one client request. It is built once by
// the ingress adapter and treated as read-only afterwards; adapters render
// provider requests from it without modifying it.
type Request struct {
	Model      string
	Mode       Mode
	System     string
	Messages   []Message
	Tools      []Tool
	ToolChoice *ToolChoice
	Sampling   Sampling
	Thinking   *Thinking
	Stream     bool
	User       string
}

// HasTools reports whether any function (non builtin) tools are declared.
func (r *Request) HasTools() bool {
	for _, t := range r.Tools {
		if t.Builtin == "" {
			return true
		}
	}
	return false
}

// WantsWebSearch reports whether a hosted web search tool is declared.
func (r *Request) WantsWebSearch() bool {
	for _, t := range r.Tools {
		if strings.HasPrefix(t.Builtin, "web_search") {
			return true
		}
	}
	return false
}
