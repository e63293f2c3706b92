package format

import (
	"io"
	"net/http"
	"time"

	"github.com/Davincible/claude-code-mux/internal/canonical"
	"github.com/Davincible/claude-code-mux/internal/providers"
	"github.com/Davincible/claude-code-mux/internal/sse"
	"github.com/Davincible/claude-code-mux/internal/wire"
)

type chatRenderer struct {
	model string
}

func (r *chatRenderer) Format() ClientFormat { return ClientOpenAIChat }

func (r *chatRenderer) WriteResponse(w http.ResponseWriter, resp *canonical.Response) error {
	msg := &wire.ChatMessage{Role: "assistant"}

	var text string
	for _, p := range resp.Parts {
		switch p.Type {
		case canonical.PartText:
			text += p.Text
		case canonical.PartThinking:
			msg.ReasoningContent += p.Text
		case canonical.PartToolUse:
			args := string(p.Input)
			if args == "" {
				args = "{}"
			}
			msg.ToolCalls = append(msg.ToolCalls, wire.ChatToolCall{
				ID:       p.ToolCallID,
				Type:     "function",
				Function: wire.ChatFunctionCall{Name: p.ToolName, Arguments: args},
			})
		}
	}
	msg.Content = wire.ChatContent{Text: text}

	id := resp.ID
	if id == "" {
		id = providers.NewID("chatcmpl-")
	}

	return writeJSON(w, http.StatusOK, wire.ChatResponse{
		ID:      id,
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   r.model,
		Choices: []wire.ChatChoice{{
			Index:        0,
			Message:      msg,
			FinishReason: strPtr(chatFinishReason(resp.StopReason)),
		}},
		Usage: chatUsage(resp.Usage),
	})
}

func (r *chatRenderer) NewStream(w io.Writer) StreamRenderer {
	return &chatStream{
		w:       sse.NewWriter(w),
		model:   r.model,
		id:      providers.NewID("chatcmpl-"),
		created: time.Now().Unix(),
		calls:   make(map[int]int),
	}
}

func chatFinishReason(r canonical.StopReason) string {
	switch r {
	case canonical.StopMaxTokens:
		return "length"
	case canonical.StopToolUse:
		return "tool_calls"
	case canonical.StopRefusal, canonical.StopContentFilter:
		return "content_filter"
	}
	return "stop"
}

func chatUsage(u canonical.Usage) *wire.ChatUsage {
	out := &wire.ChatUsage{
		PromptTokens:     u.InputTokens + u.CacheReadTokens + u.CacheCreationTokens,
		CompletionTokens: u.OutputTokens,
	}
	out.TotalTokens = out.PromptTokens + out.CompletionTokens
	if u.CacheReadTokens > 0 {
		out.PromptTokensDetails = &wire.ChatPromptDetails{CachedTokens: u.CacheReadTokens}
	}
	if u.ReasoningTokens > 0 {
		out.CompletionTokensDetails = &wire.ChatCompletionDetail{ReasoningTokens: u.ReasoningTokens}
	}
	return out
}

// chatStream renders chat.completion.chunk frames. The final chunk carries
// both the finish reason and the usage, followed by [DONE].
type chatStream struct {
	w       *sse.Writer
	model   string
	id      string
	created int64

	roleSent bool
	usage    canonical.Usage
	calls    map[int]int // canonical Index -> tool call index
}

func (s *chatStream) chunk(delta *wire.ChatDelta, finish *string, usage *wire.ChatUsage) wire.ChatResponse {
	if !s.roleSent {
		delta.Role = "assistant"
		s.roleSent = true
	}
	return wire.ChatResponse{
		ID:      s.id,
		Object:  "chat.completion.chunk",
		Created: s.created,
		Model:   s.model,
		Choices: []wire.ChatChoice{{Index: 0, Delta: delta, FinishReason: finish}},
		Usage:   usage,
	}
}

func (s *chatStream) write(delta *wire.ChatDelta) error {
	return s.w.WriteEvent("", s.chunk(delta, nil, nil))
}

func (s *chatStream) Event(ev canonical.StreamEvent) error {
	switch ev.Type {
	case canonical.EventTextDelta:
		if ev.Text == "" {
			return nil
		}
		return s.write(&wire.ChatDelta{Content: strPtr(ev.Text)})

	case canonical.EventThinkingDelta:
		if ev.Text == "" {
			return nil
		}
		return s.write(&wire.ChatDelta{ReasoningContent: ev.Text})

	case canonical.EventToolCallDelta:
		idx, seen := s.calls[ev.Index]
		if !seen {
			idx = len(s.calls)
			s.calls[ev.Index] = idx
		}
		call := wire.ChatToolCall{Index: &idx, Function: wire.ChatFunctionCall{Arguments: ev.Arguments}}
		if !seen {
			call.ID, call.Type, call.Function.Name = ev.ToolCallID, "function", ev.ToolName
		}
		return s.write(&wire.ChatDelta{ToolCalls: []wire.ChatToolCall{call}})

	case canonical.EventUsage:
		s.usage = s.usage.Merge(ev.Usage)
		return nil

	case canonical.EventStop:
		s.usage = s.usage.Merge(ev.Usage)
		finish := chatFinishReason(ev.StopReason)
		if err := s.w.WriteEvent("", s.chunk(&wire.ChatDelta{}, &finish, chatUsage(s.usage))); err != nil {
			return err
		}
		return s.w.WriteDone()

	case canonical.EventError:
		return s.Fail(Classify(ev.Err))
	}

	return nil
}

func (s *chatStream) Fail(ce ClientError) error {
	return s.w.WriteEvent("", ErrorEnvelope(ClientOpenAIChat, ce))
}
