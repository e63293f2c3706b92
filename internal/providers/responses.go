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

// ResponsesAdapter speaks the OpenAI Responses API, used by the codex model
// family.
type ResponsesAdapter struct{}

func NewResponsesAdapter() *ResponsesAdapter {
	return &ResponsesAdapter{}
}

func (a *ResponsesAdapter) Format() routing.WireFormat {
	return routing.FormatOpenAIResponses
}

func (a *ResponsesAdapter) Authorize(h http.Header, credential string) {
	if credential != "" {
		h.Set("Authorization", "Bearer "+credential)
	}
}

func (a *ResponsesAdapter) Encode(req *canonical.Request, target routing.Target) (*NativeRequest, error) {
	body, err := EncodeResponsesRequest(req)
	if err != nil {
		return nil, &EncodeError{Format: routing.FormatOpenAIResponses, Err: err}
	}
	body.Model = target.Model

	raw, err := json.Marshal(body)
	if err != nil {
		return nil, &EncodeError{Format: routing.FormatOpenAIResponses, Err: err}
	}

	h := jsonHeader(req.Stream)
	applyHeaders(h, target.Provider.Headers)

	return &NativeRequest{
		Method: http.MethodPost,
		URL:    joinEndpoint(target.Provider.BaseURL, "", "/responses"),
		Header: h,
		Body:   raw,
		Stream: req.Stream,
	}, nil
}

// EncodeResponsesRequest renders the canonical request for the Responses
// API. Sampling temperature is not forwarded because reasoning models
// reject it.
func EncodeResponsesRequest(req *canonical.Request) (*wire.ResponsesRequest, error) {
	store := false
	out := &wire.ResponsesRequest{
		Model:        req.Model,
		Instructions: req.System,
		Input:        []wire.ResponsesItem{},
		Stream:       req.Stream,
		Store:        &store,
		User:         req.User,
	}

	if req.Sampling.MaxTokens > 0 {
		n := req.Sampling.MaxTokens
		out.MaxOutputTokens = &n
	}

	for _, m := range req.Messages {
		items, err := responsesItems(m)
		if err != nil {
			return nil, err
		}
		out.Input = append(out.Input, items...)
	}

	for _, t := range req.Tools {
		if t.Builtin != "" {
			if strings.HasPrefix(t.Builtin, "web_search") {
				out.Tools = append(out.Tools, wire.ResponsesTool{Type: "web_search"})
			}
			continue
		}
		out.Tools = append(out.Tools, wire.ResponsesTool{
			Type:        "function",
			Name:        t.Name,
			Description: t.Description,
			Parameters:  schemaOrEmpty(t.Schema),
		})
	}

	if len(out.Tools) > 0 {
		out.ToolChoice = "auto"
		if tc := req.ToolChoice; tc != nil {
			switch tc.Type {
			case canonical.ToolChoiceAny:
				out.ToolChoice = "required"
			case canonical.ToolChoiceNone:
				out.ToolChoice = "none"
			case canonical.ToolChoiceTool:
				out.ToolChoice = wire.ResponsesToolChoice{Type: "function", Name: tc.Name}
			}
		}
	}

	if effort := effortForBudget(req.Thinking); effort != "" {
		out.Reasoning = &wire.ResponsesReasoning{Effort: effort, Summary: "auto"}
	}

	return out, nil
}

func responsesItems(m canonical.Message) ([]wire.ResponsesItem, error) {
	var (
		items   []wire.ResponsesItem
		message *wire.ResponsesItem
	)

	textType := "input_text"
	if m.Role == canonical.RoleAssistant {
		textType = "output_text"
	}

	flush := func() {
		if message != nil && len(message.Content) > 0 {
			items = append(items, *message)
		}
		message = nil
	}
	appendContent := func(c wire.ResponsesContent) {
		if message == nil {
			message = &wire.ResponsesItem{Type: "message", Role: string(m.Role)}
		}
		message.Content = append(message.Content, c)
	}

	for _, p := range m.Parts {
		switch p.Type {
		case canonical.PartText:
			if strings.TrimSpace(p.Text) == "" {
				continue
			}
			appendContent(wire.ResponsesContent{Type: textType, Text: p.Text})
		case canonical.PartImage:
			if m.Role == canonical.RoleAssistant {
				return nil, fmt.Errorf("image part is not valid in an assistant message")
			}
			appendContent(wire.ResponsesContent{Type: "input_image", ImageURL: dataURL(p)})
		case canonical.PartToolUse:
			flush()
			items = append(items, wire.ResponsesItem{
				Type:      "function_call",
				CallID:    p.ToolCallID,
				Name:      p.ToolName,
				Arguments: inputOrEmpty(p.Input),
			})
		case canonical.PartThinking:
			// Reasoning items can only be replayed with upstream-issued ids and
			// encrypted content, which other formats never carry.
			continue
		case canonical.PartToolResult:
			flush()
			output := toolResultText(p)
			items = append(items, wire.ResponsesItem{
				Type:   "function_call_output",
				CallID: p.ToolCallID,
				Output: &output,
			})
		}
	}
	flush()

	return items, nil
}

func (a *ResponsesAdapter) Decode(body []byte) (*canonical.Response, error) {
	var resp wire.ResponsesResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedUpstream, err)
	}
	if resp.Error != nil {
		return nil, &UpstreamError{Status: http.StatusBadGateway, Type: ErrorTypeAPI, Message: resp.Error.Message}
	}
	return DecodeResponsesResponse(&resp)
}

// DecodeResponsesResponse converts the output items of a response.
func DecodeResponsesResponse(resp *wire.ResponsesResponse) (*canonical.Response, error) {
	out := &canonical.Response{ID: resp.ID, Model: resp.Model}
	toolCall := false

	for _, item := range resp.Output {
		switch item.Type {
		case "reasoning":
			var text strings.Builder
			for _, s := range item.Summary {
				text.WriteString(s.Text)
			}
			if text.Len() > 0 {
				out.Parts = append(out.Parts, canonical.Part{Type: canonical.PartThinking, Text: text.String()})
			}
		case "message":
			for _, c := range item.Content {
				if c.Type == "output_text" && c.Text != "" {
					out.Parts = append(out.Parts, canonical.Part{Type: canonical.PartText, Text: c.Text})
				}
			}
		case "function_call":
			input, err := toolInput(item.Arguments)
			if err != nil {
				return nil, err
			}
			toolCall = true
			out.Parts = append(out.Parts, canonical.Part{
				Type:       canonical.PartToolUse,
				ToolCallID: item.CallID,
				ToolName:   item.Name,
				Input:      input,
			})
		}
	}

	out.StopReason = responsesStopReason(resp, toolCall)
	if resp.Usage != nil {
		out.Usage = responsesUsage(resp.Usage)
	}

	return out, nil
}

func responsesStopReason(resp *wire.ResponsesResponse, toolCall bool) canonical.StopReason {
	if resp.Status == "incomplete" && resp.IncompleteDetails != nil {
		switch resp.IncompleteDetails.Reason {
		case "max_output_tokens":
			return canonical.StopMaxTokens
		case "content_filter":
			return canonical.StopContentFilter
		}
	}
	if toolCall {
		return canonical.StopToolUse
	}
	return canonical.StopEndTurn
}

func responsesUsage(u *wire.ResponsesUsage) canonical.Usage {
	out := canonical.Usage{InputTokens: u.InputTokens, OutputTokens: u.OutputTokens}
	if u.InputTokensDetails != nil {
		out.CacheReadTokens = u.InputTokensDetails.CachedTokens
	}
	if u.OutputTokensDetails != nil {
		out.ReasoningTokens = u.OutputTokensDetails.ReasoningTokens
	}
	return out
}

func (a *ResponsesAdapter) DecodeStream(body io.ReadCloser) canonical.EventStream {
	return newSSEStream(body, &responsesDecoder{})
}

type responsesDecoder struct {
	toolCall bool
}

func (d *responsesDecoder) decode(ev sse.Event) ([]canonical.StreamEvent, error) {
	if ev.Done() {
		return nil, nil
	}

	var msg wire.ResponsesStreamEvent
	if err := json.Unmarshal(ev.Data, &msg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedUpstream, err)
	}

	switch msg.Type {
	case "response.output_item.added":
		if msg.Item == nil || msg.Item.Type != "function_call" {
			return nil, nil
		}
		d.toolCall = true
		return []canonical.StreamEvent{{
			Type:       canonical.EventToolCallDelta,
			Index:      msg.OutputIndex,
			ToolCallID: msg.Item.CallID,
			ToolName:   msg.Item.Name,
			Arguments:  msg.Item.Arguments,
		}}, nil

	case "response.output_text.delta":
		if msg.Delta == "" {
			return nil, nil
		}
		return []canonical.StreamEvent{{Type: canonical.EventTextDelta, Index: msg.OutputIndex, Text: msg.Delta}}, nil

	case "response.reasoning_summary_text.delta", "response.reasoning_text.delta":
		if msg.Delta == "" {
			return nil, nil
		}
		return []canonical.StreamEvent{{Type: canonical.EventThinkingDelta, Index: msg.OutputIndex, Text: msg.Delta}}, nil

	case "response.function_call_arguments.delta":
		if msg.Delta == "" {
			return nil, nil
		}
		return []canonical.StreamEvent{{Type: canonical.EventToolCallDelta, Index: msg.OutputIndex, Arguments: msg.Delta}}, nil

	case "response.completed", "response.incomplete":
		stop := canonical.StreamEvent{Type: canonical.EventStop, StopReason: canonical.StopEndTurn}
		if d.toolCall {
			stop.StopReason = canonical.StopToolUse
		}
		if msg.Response != nil {
			stop.StopReason = responsesStopReason(msg.Response, d.toolCall)
			if msg.Response.Usage != nil {
				stop.Usage = responsesUsage(msg.Response.Usage)
			}
		}
		return []canonical.StreamEvent{stop}, nil

	case "response.failed", "error":
		e := &UpstreamError{Type: ErrorTypeAPI, Message: firstNonEmpty(msg.Message, "response failed")}
		if msg.Response != nil && msg.Response.Error != nil {
			e.Message = msg.Response.Error.Message
			e.Type = firstNonEmpty(mapOpenAIErrorType(msg.Response.Error.Code, nil), ErrorTypeAPI)
		} else if msg.Code != "" {
			e.Type = firstNonEmpty(mapOpenAIErrorType(msg.Code, nil), ErrorTypeAPI)
		}
		return []canonical.StreamEvent{{Type: canonical.EventError, Err: e}}, nil
	}

	return nil, nil
}

func (d *responsesDecoder) finish() ([]canonical.StreamEvent, error) {
	return nil, errTruncatedStream
}
