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
	AnthropicVersion = "2023-06-01"

	// anthropicOAuthPrefix marks Claude subscription tokens, which are sent
	// as bearer tokens together with the OAuth beta header.
	anthropicOAuthPrefix = "sk-ant-oat"
	anthropicOAuthBeta   = "oauth-2025-04-20"

	defaultMaxTokens = 4096
)

// AnthropicAdapter speaks the Messages API.
type AnthropicAdapter struct{}

func NewAnthropicAdapter() *AnthropicAdapter {
	return &AnthropicAdapter{}
}

func (a *AnthropicAdapter) Format() routing.WireFormat {
	return routing.FormatAnthropic
}

func (a *AnthropicAdapter) Authorize(h http.Header, credential string) {
	if credential == "" {
		return
	}
	if strings.HasPrefix(credential, anthropicOAuthPrefix) {
		h.Set("Authorization", "Bearer "+credential)
		h.Add("anthropic-beta", anthropicOAuthBeta)
		return
	}
	h.Set("x-api-key", credential)
}

func (a *AnthropicAdapter) Encode(req *canonical.Request, target routing.Target) (*NativeRequest, error) {
	body := EncodeAnthropicRequest(req)
	body.Model = target.Model
	body.Stream = req.Stream

	raw, err := json.Marshal(body)
	if err != nil {
		return nil, &EncodeError{Format: routing.FormatAnthropic, Err: err}
	}

	h := jsonHeader(req.Stream)
	h.Set("anthropic-version", AnthropicVersion)
	applyHeaders(h, target.Provider.Headers)

	return &NativeRequest{
		Method: http.MethodPost,
		URL:    joinEndpoint(target.Provider.BaseURL, "/v1", "/messages"),
		Header: h,
		Body:   raw,
		Stream: req.Stream,
	}, nil
}

// EncodeAnthropicRequest renders the canonical request as a Messages API
// body. Model and Stream are copied from req.
func EncodeAnthropicRequest(req *canonical.Request) *wire.AnthropicRequest {
	out := &wire.AnthropicRequest{
		Model:         req.Model,
		MaxTokens:     req.Sampling.MaxTokens,
		Temperature:   req.Sampling.Temperature,
		TopP:          req.Sampling.TopP,
		TopK:          req.Sampling.TopK,
		StopSequences: req.Sampling.StopSequences,
		Stream:        req.Stream,
	}

	if out.MaxTokens <= 0 {
		out.MaxTokens = defaultMaxTokens
	}

	if req.System != "" {
		out.System = wire.AnthropicContent{{Type: "text", Text: req.System}}
	}

	for _, m := range req.Messages {
		out.Messages = append(out.Messages, wire.AnthropicMessage{
			Role:    string(m.Role),
			Content: anthropicBlocks(m.Parts),
		})
	}

	for _, t := range req.Tools {
		if t.Builtin != "" {
			out.Tools = append(out.Tools, wire.AnthropicTool{Type: t.Builtin, Name: t.Name})
			continue
		}
		out.Tools = append(out.Tools, wire.AnthropicTool{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: schemaOrEmpty(t.Schema),
		})
	}

	if req.ToolChoice != nil && len(out.Tools) > 0 {
		out.ToolChoice = &wire.AnthropicToolChoice{Type: string(req.ToolChoice.Type), Name: req.ToolChoice.Name}
	}

	if req.Thinking != nil && req.Thinking.Enabled {
		budget := budgetForEffort(req.Thinking)
		if budget < 1024 {
			budget = 1024
		}
		out.Thinking = &wire.AnthropicThinking{Type: "enabled", BudgetTokens: budget}
		if out.MaxTokens <= budget {
			out.MaxTokens = budget + defaultMaxTokens
		}
		// Extended thinking only accepts the default sampling temperature.
		out.Temperature = nil
		out.TopK = nil
	}

	if req.User != "" {
		out.Metadata = &wire.AnthropicMetadata{UserID: req.User}
	}

	return out
}

func anthropicBlocks(parts []canonical.Part) wire.AnthropicContent {
	blocks := make(wire.AnthropicContent, 0, len(parts))
	for _, p := range parts {
		switch p.Type {
		case canonical.PartText:
			if p.Text == "" {
				continue
			}
			blocks = append(blocks, wire.AnthropicBlock{Type: "text", Text: p.Text})
		case canonical.PartThinking:
			blocks = append(blocks, wire.AnthropicBlock{Type: "thinking", Thinking: p.Text, Signature: p.Signature})
		case canonical.PartImage:
			src := &wire.AnthropicSource{Type: "base64", MediaType: p.MediaType, Data: p.Data}
			if p.URL != "" {
				src = &wire.AnthropicSource{Type: "url", URL: p.URL}
			}
			blocks = append(blocks, wire.AnthropicBlock{Type: "image", Source: src})
		case canonical.PartToolUse:
			blocks = append(blocks, wire.AnthropicBlock{
				Type:  "tool_use",
				ID:    p.ToolCallID,
				Name:  p.ToolName,
				Input: json.RawMessage(inputOrEmpty(p.Input)),
			})
		case canonical.PartToolResult:
			blocks = append(blocks, wire.AnthropicBlock{
				Type:      "tool_result",
				ToolUseID: p.ToolCallID,
				Content:   anthropicBlocks(p.Result),
				IsError:   p.IsError,
			})
		}
	}
	return blocks
}

func (a *AnthropicAdapter) Decode(body []byte) (*canonical.Response, error) {
	var resp wire.AnthropicResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedUpstream, err)
	}
	return DecodeAnthropicResponse(&resp), nil
}

// DecodeAnthropicResponse converts a Messages API response. Block types the
// canonical model has no place for are dropped.
func DecodeAnthropicResponse(resp *wire.AnthropicResponse) *canonical.Response {
	out := &canonical.Response{
		ID:    resp.ID,
		Model: resp.Model,
		Usage: anthropicUsage(resp.Usage),
	}

	for _, b := range resp.Content {
		switch b.Type {
		case "text":
			out.Parts = append(out.Parts, canonical.Part{Type: canonical.PartText, Text: b.Text})
		case "thinking":
			out.Parts = append(out.Parts, canonical.Part{Type: canonical.PartThinking, Text: b.Thinking, Signature: b.Signature})
		case "tool_use":
			out.Parts = append(out.Parts, canonical.Part{
				Type:       canonical.PartToolUse,
				ToolCallID: b.ID,
				ToolName:   b.Name,
				Input:      []byte(inputOrEmpty(b.Input)),
			})
		}
	}

	out.StopReason = canonical.StopEndTurn
	if resp.StopReason != nil && *resp.StopReason != "" {
		out.StopReason = canonical.StopReason(*resp.StopReason)
	}
	if resp.StopSequence != nil {
		out.StopSeq = *resp.StopSequence
	}

	return out
}

func anthropicUsage(u wire.AnthropicUsage) canonical.Usage {
	return canonical.Usage{
		InputTokens:         u.InputTokens,
		OutputTokens:        u.OutputTokens,
		CacheReadTokens:     u.CacheReadInputTokens,
		CacheCreationTokens: u.CacheCreationInputTokens,
	}
}

func (a *AnthropicAdapter) DecodeStream(body io.ReadCloser) canonical.EventStream {
	return newSSEStream(body, &anthropicDecoder{})
}

type anthropicDecoder struct {
	usage      canonical.Usage
	stopReason canonical.StopReason
	stopSeq    string
	blockTypes map[int]string
}

func (d *anthropicDecoder) decode(ev sse.Event) ([]canonical.StreamEvent, error) {
	var msg wire.AnthropicStreamEvent
	if err := json.Unmarshal(ev.Data, &msg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedUpstream, err)
	}

	switch msg.Type {
	case "message_start":
		if msg.Message == nil {
			return nil, nil
		}
		d.usage = d.usage.Merge(anthropicUsage(msg.Message.Usage))
		return []canonical.StreamEvent{{Type: canonical.EventUsage, Usage: d.usage}}, nil

	case "content_block_start":
		if msg.ContentBlock == nil {
			return nil, nil
		}
		if d.blockTypes == nil {
			d.blockTypes = make(map[int]string)
		}
		d.blockTypes[msg.Index] = msg.ContentBlock.Type

		switch msg.ContentBlock.Type {
		case "tool_use":
			return []canonical.StreamEvent{{
				Type:       canonical.EventToolCallDelta,
				Index:      msg.Index,
				ToolCallID: msg.ContentBlock.ID,
				ToolName:   msg.ContentBlock.Name,
			}}, nil
		case "text":
			if msg.ContentBlock.Text != "" {
				return []canonical.StreamEvent{{Type: canonical.EventTextDelta, Index: msg.Index, Text: msg.ContentBlock.Text}}, nil
			}
		}
		return nil, nil

	case "content_block_delta":
		if msg.Delta == nil {
			return nil, nil
		}
		switch msg.Delta.Type {
		case "text_delta":
			return []canonical.StreamEvent{{Type: canonical.EventTextDelta, Index: msg.Index, Text: msg.Delta.Text}}, nil
		case "thinking_delta":
			return []canonical.StreamEvent{{Type: canonical.EventThinkingDelta, Index: msg.Index, Text: msg.Delta.Thinking}}, nil
		case "signature_delta":
			return []canonical.StreamEvent{{Type: canonical.EventThinkingDelta, Index: msg.Index, Signature: msg.Delta.Signature}}, nil
		case "input_json_delta":
			if d.blockTypes[msg.Index] != "tool_use" {
				return nil, nil
			}
			return []canonical.StreamEvent{{Type: canonical.EventToolCallDelta, Index: msg.Index, Arguments: msg.Delta.PartialJSON}}, nil
		}
		return nil, nil

	case "message_delta":
		if msg.Delta != nil {
			if msg.Delta.StopReason != "" {
				d.stopReason = canonical.StopReason(msg.Delta.StopReason)
			}
			if msg.Delta.StopSequence != nil {
				d.stopSeq = *msg.Delta.StopSequence
			}
		}
		if msg.Usage != nil {
			d.usage = d.usage.Merge(anthropicUsage(*msg.Usage))
		}
		return nil, nil

	case "message_stop":
		return []canonical.StreamEvent{d.stop()}, nil

	case "error":
		e := &UpstreamError{Type: ErrorTypeAPI, Message: "stream error"}
		if msg.Error != nil {
			e.Type, e.Message = msg.Error.Type, msg.Error.Message
		}
		return []canonical.StreamEvent{{Type: canonical.EventError, Err: e}}, nil
	}

	// ping, content_block_stop
	return nil, nil
}

func (d *anthropicDecoder) stop() canonical.StreamEvent {
	reason := d.stopReason
	if reason == "" {
		reason = canonical.StopEndTurn
	}
	return canonical.StreamEvent{Type: canonical.EventStop, StopReason: reason, StopSeq: d.stopSeq, Usage: d.usage}
}

func (d *anthropicDecoder) finish() ([]canonical.StreamEvent, error) {
	// Some compatible servers close after message_delta without message_stop.
	if d.stopReason != "" {
		return []canonical.StreamEvent{d.stop()}, nil
	}
	return nil, errTruncatedStream
}
