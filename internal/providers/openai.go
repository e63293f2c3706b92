package providers

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/Davincible/claude-code-mux/internal/canonical"
	"github.com/Davincible/claude-code-mux/internal/routing"
	"github.com/Davincible/claude-code-mux/internal/sse"
	"github.com/Davincible/claude-code-mux/internal/wire"
)

const (
	DialectOpenAI     = "openai"
	DialectOpenRouter = "openrouter"
	DialectNvidia     = "nvidia"
	DialectGeneric    = "generic"
)

// Dialect adjusts an encoded chat request for one OpenAI-compatible vendor.
type Dialect interface {
	Prepare(out *wire.ChatRequest, req *canonical.Request, h http.Header)
}

// ChatAdapter speaks Chat Completions, with per-vendor dialects.
type ChatAdapter struct {
	dialects map[string]Dialect
}

func NewChatAdapter() *ChatAdapter {
	return &ChatAdapter{
		dialects: map[string]Dialect{
			DialectOpenAI:     openAIDialect{},
			DialectOpenRouter: NewOpenRouterDialect(),
			DialectNvidia:     nvidiaDialect{},
		},
	}
}

func (a *ChatAdapter) Format() routing.WireFormat {
	return routing.FormatOpenAI
}

func (a *ChatAdapter) Authorize(h http.Header, credential string) {
	if credential != "" {
		h.Set("Authorization", "Bearer "+credential)
	}
}

func (a *ChatAdapter) Encode(req *canonical.Request, target routing.Target) (*NativeRequest, error) {
	body, err := EncodeChatRequest(req)
	if err != nil {
		return nil, &EncodeError{Format: routing.FormatOpenAI, Err: err}
	}
	body.Model = target.Model

	h := jsonHeader(req.Stream)
	if d, ok := a.dialects[target.Provider.Dialect]; ok {
		d.Prepare(body, req, h)
	}
	applyHeaders(h, target.Provider.Headers)

	raw, err := json.Marshal(body)
	if err != nil {
		return nil, &EncodeError{Format: routing.FormatOpenAI, Err: err}
	}

	return &NativeRequest{
		Method: http.MethodPost,
		URL:    joinEndpoint(target.Provider.BaseURL, "", "/chat/completions"),
		Header: h,
		Body:   raw,
		Stream: req.Stream,
	}, nil
}

// maxChatStopSequences is the most stop sequences Chat Completions accepts.
const maxChatStopSequences = 4

func capStops(stops []string) []string {
	if len(stops) > maxChatStopSequences {
		return stops[:maxChatStopSequences]
	}
	return stops
}

// EncodeChatRequest renders the canonical request as a Chat Completions body.
func EncodeChatRequest(req *canonical.Request) (*wire.ChatRequest, error) {
	out := &wire.ChatRequest{
		Model:       req.Model,
		Temperature: req.Sampling.Temperature,
		TopP:        req.Sampling.TopP,
		Stop:        capStops(req.Sampling.StopSequences),
		Stream:      req.Stream,
		User:        req.User,
	}

	if req.Sampling.MaxTokens > 0 {
		n := req.Sampling.MaxTokens
		out.MaxTokens = &n
	}

	if req.Stream {
		out.StreamOptions = &wire.ChatStreamOptions{IncludeUsage: true}
	}

	if req.System != "" {
		out.Messages = append(out.Messages, wire.ChatMessage{
			Role:    RoleSystem,
			Content: wire.ChatContent{Text: req.System},
		})
	}

	for _, m := range req.Messages {
		msgs, err := chatMessages(m)
		if err != nil {
			return nil, err
		}
		out.Messages = append(out.Messages, msgs...)
	}

	for _, t := range req.Tools {
		if t.Builtin != "" {
			continue
		}
		out.Tools = append(out.Tools, wire.ChatTool{
			Type: "function",
			Function: wire.ChatFunction{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  schemaOrEmpty(t.Schema),
			},
		})
	}

	if req.ToolChoice != nil && len(out.Tools) > 0 {
		choice, err := chatToolChoice(req.ToolChoice)
		if err != nil {
			return nil, err
		}
		out.ToolChoice = choice
	}

	out.ReasoningEffort = effortForBudget(req.Thinking)

	return out, nil
}

func chatToolChoice(tc *canonical.ToolChoice) (json.RawMessage, error) {
	switch tc.Type {
	case canonical.ToolChoiceAny:
		return json.RawMessage(`"required"`), nil
	case canonical.ToolChoiceNone:
		return json.RawMessage(`"none"`), nil
	case canonical.ToolChoiceTool:
		obj := wire.ChatToolChoiceObject{Type: "function"}
		obj.Function.Name = tc.Name
		return json.Marshal(obj)
	}
	return json.RawMessage(`"auto"`), nil
}

// chatMessages converts one canonical message. Tool results become separate
// "tool" messages placed before any remaining user content.
func chatMessages(m canonical.Message) ([]wire.ChatMessage, error) {
	if m.Role == canonical.RoleAssistant {
		msg := wire.ChatMessage{Role: RoleAssistant}
		var text strings.Builder
		for _, p := range m.Parts {
			switch p.Type {
			case canonical.PartText:
				text.WriteString(p.Text)
			case canonical.PartToolUse:
				msg.ToolCalls = append(msg.ToolCalls, wire.ChatToolCall{
					ID:   p.ToolCallID,
					Type: "function",
					Function: wire.ChatFunctionCall{
						Name:      p.ToolName,
						Arguments: inputOrEmpty(p.Input),
					},
				})
			}
		}
		msg.Content = wire.ChatContent{Text: text.String()}
		return []wire.ChatMessage{msg}, nil
	}

	var (
		out   []wire.ChatMessage
		parts []wire.ChatContentPart
		image bool
	)

	for _, p := range m.Parts {
		switch p.Type {
		case canonical.PartToolResult:
			out = append(out, wire.ChatMessage{
				Role:       RoleTool,
				ToolCallID: p.ToolCallID,
				Content:    wire.ChatContent{Text: toolResultText(p)},
			})
		case canonical.PartText:
			parts = append(parts, wire.ChatContentPart{Type: "text", Text: p.Text})
		case canonical.PartImage:
			image = true
			parts = append(parts, wire.ChatContentPart{
				Type:     "image_url",
				ImageURL: &wire.ChatImageURL{URL: dataURL(p)},
			})
		case canonical.PartToolUse, canonical.PartThinking:
			return nil, fmt.Errorf("%s part is not valid in a %s message", p.Type, m.Role)
		}
	}

	switch {
	case len(parts) == 0:
	case image:
		out = append(out, wire.ChatMessage{Role: RoleUser, Content: wire.ChatContent{Parts: parts}})
	default:
		var text strings.Builder
		for _, p := range parts {
			text.WriteString(p.Text)
		}
		out = append(out, wire.ChatMessage{Role: RoleUser, Content: wire.ChatContent{Text: text.String()}})
	}

	return out, nil
}

func (a *ChatAdapter) Decode(body []byte) (*canonical.Response, error) {
	var resp wire.ChatResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedUpstream, err)
	}
	if resp.Error != nil {
		return nil, &UpstreamError{
			Status:  http.StatusBadGateway,
			Type:    firstNonEmpty(mapOpenAIErrorType(resp.Error.Type, resp.Error.Code), ErrorTypeAPI),
			Message: resp.Error.Message,
		}
	}
	return DecodeChatResponse(&resp)
}

// DecodeChatResponse converts the first choice of a completion.
func DecodeChatResponse(resp *wire.ChatResponse) (*canonical.Response, error) {
	if len(resp.Choices) == 0 || resp.Choices[0].Message == nil {
		return nil, fmt.Errorf("%w: no choices in response", ErrMalformedUpstream)
	}

	choice := resp.Choices[0]
	msg := choice.Message
	out := &canonical.Response{ID: resp.ID, Model: resp.Model}

	if reasoning := firstNonEmpty(msg.ReasoningContent, msg.Reasoning); reasoning != "" {
		out.Parts = append(out.Parts, canonical.Part{Type: canonical.PartThinking, Text: reasoning})
	}

	if text := msg.Content.String(); text != "" {
		out.Parts = append(out.Parts, canonical.Part{Type: canonical.PartText, Text: text})
	}

	for _, tc := range msg.ToolCalls {
		input, err := toolInput(tc.Function.Arguments)
		if err != nil {
			return nil, err
		}
		out.Parts = append(out.Parts, canonical.Part{
			Type:       canonical.PartToolUse,
			ToolCallID: tc.ID,
			ToolName:   tc.Function.Name,
			Input:      input,
		})
	}

	reason := ""
	if choice.FinishReason != nil {
		reason = *choice.FinishReason
	}
	out.StopReason = ConvertStopReason(reason)
	if len(msg.ToolCalls) > 0 && out.StopReason == canonical.StopEndTurn {
		out.StopReason = canonical.StopToolUse
	}

	if resp.Usage != nil {
		out.Usage = chatUsage(resp.Usage)
	}

	return out, nil
}

// ConvertStopReason converts an OpenAI finish reason to a canonical stop
// reason.
func ConvertStopReason(reason string) canonical.StopReason {
	mapping := map[string]canonical.StopReason{
		"stop":           canonical.StopEndTurn,
		"length":         canonical.StopMaxTokens,
		"tool_calls":     canonical.StopToolUse,
		"function_call":  canonical.StopToolUse,
		"content_filter": canonical.StopContentFilter,
	}

	if mapped, exists := mapping[reason]; exists {
		return mapped
	}

	return canonical.StopEndTurn
}

func chatUsage(u *wire.ChatUsage) canonical.Usage {
	out := canonical.Usage{
		InputTokens:  u.PromptTokens,
		OutputTokens: u.CompletionTokens,
	}
	if u.PromptTokensDetails != nil {
		out.CacheReadTokens = u.PromptTokensDetails.CachedTokens
	}
	if u.CompletionTokensDetails != nil {
		out.ReasoningTokens = u.CompletionTokensDetails.ReasoningTokens
	}
	return out
}

func (a *ChatAdapter) DecodeStream(body io.ReadCloser) canonical.EventStream {
	return newSSEStream(body, &chatDecoder{})
}

// chatDecoder defers the terminal event until [DONE] or EOF, because usage
// arrives in a trailing chunk after finish_reason.
type chatDecoder struct {
	blocks       blockIndex
	usage        canonical.Usage
	finishReason string
	sawToolCall  bool
	finished     bool
}

func (d *chatDecoder) decode(ev sse.Event) ([]canonical.StreamEvent, error) {
	if ev.Done() {
		return []canonical.StreamEvent{d.stop()}, nil
	}

	var chunk wire.ChatResponse
	if err := json.Unmarshal(ev.Data, &chunk); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedUpstream, err)
	}

	if chunk.Error != nil {
		return []canonical.StreamEvent{{
			Type: canonical.EventError,
			Err: &UpstreamError{
				Type:    firstNonEmpty(mapOpenAIErrorType(chunk.Error.Type, chunk.Error.Code), ErrorTypeAPI),
				Message: chunk.Error.Message,
			},
		}}, nil
	}

	if chunk.Usage != nil {
		d.usage = d.usage.Merge(chatUsage(chunk.Usage))
	}

	if len(chunk.Choices) == 0 {
		return nil, nil
	}

	choice := chunk.Choices[0]
	var events []canonical.StreamEvent

	if delta := choice.Delta; delta != nil {
		if reasoning := firstNonEmpty(delta.ReasoningContent, delta.Reasoning); reasoning != "" {
			events = append(events, canonical.StreamEvent{
				Type:  canonical.EventThinkingDelta,
				Index: d.blocks.open(canonical.PartThinking),
				Text:  reasoning,
			})
		}

		if delta.Content != nil && *delta.Content != "" {
			events = append(events, canonical.StreamEvent{
				Type:  canonical.EventTextDelta,
				Index: d.blocks.open(canonical.PartText),
				Text:  *delta.Content,
			})
		}

		for i, tc := range delta.ToolCalls {
			key := i
			if tc.Index != nil {
				key = *tc.Index
			}
			idx, isNew := d.blocks.tool(key)
			d.sawToolCall = true

			ev := canonical.StreamEvent{Type: canonical.EventToolCallDelta, Index: idx, Arguments: tc.Function.Arguments}
			if isNew {
				ev.ToolCallID = tc.ID
				ev.ToolName = tc.Function.Name
				if ev.ToolCallID == "" {
					ev.ToolCallID = NewID("call_")
				}
			}
			events = append(events, ev)
		}
	}

	if choice.FinishReason != nil && *choice.FinishReason != "" {
		d.finishReason = *choice.FinishReason
	}

	return events, nil
}

func (d *chatDecoder) stop() canonical.StreamEvent {
	d.finished = true
	reason := ConvertStopReason(d.finishReason)
	if d.sawToolCall && reason == canonical.StopEndTurn {
		reason = canonical.StopToolUse
	}
	return canonical.StreamEvent{Type: canonical.EventStop, StopReason: reason, Usage: d.usage}
}

func (d *chatDecoder) finish() ([]canonical.StreamEvent, error) {
	if d.finishReason != "" {
		return []canonical.StreamEvent{d.stop()}, nil
	}
	return nil, errTruncatedStream
}

type openAIDialect struct{}

// Prepare moves max_tokens to max_completion_tokens, which reasoning models
// require.
func (openAIDialect) Prepare(out *wire.ChatRequest, _ *canonical.Request, _ http.Header) {
	if out.MaxTokens != nil {
		out.MaxCompletionTokens = out.MaxTokens
		out.MaxTokens = nil
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
