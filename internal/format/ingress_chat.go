package format

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/Davincible/claude-code-mux/internal/canonical"
	"github.com/Davincible/claude-code-mux/internal/providers"
	"github.com/Davincible/claude-code-mux/internal/wire"
)

// ParseChat decodes and validates a Chat Completions request. Consecutive
// tool and user turns are merged into one canonical user message so the
// conversation alternates the way every upstream expects.
func ParseChat(body []byte) (*canonical.Request, error) {
	var in wire.ChatRequest
	if err := json.Unmarshal(body, &in); err != nil {
		return nil, malformed("invalid JSON body: %v", err)
	}
	if err := validateBody(&in); err != nil {
		return nil, err
	}

	req := &canonical.Request{
		Model:  in.Model,
		Stream: in.Stream,
		User:   in.User,
		Sampling: canonical.Sampling{
			Temperature:   in.Temperature,
			TopP:          in.TopP,
			StopSequences: in.Stop,
		},
	}

	switch {
	case in.MaxCompletionTokens != nil:
		req.Sampling.MaxTokens = *in.MaxCompletionTokens
	case in.MaxTokens != nil:
		req.Sampling.MaxTokens = *in.MaxTokens
	}

	var system []string
	for i, m := range in.Messages {
		switch m.Role {
		case "system", "developer":
			if text := m.Content.String(); text != "" {
				system = append(system, text)
			}
			continue
		}

		msg, err := chatMessage(m)
		if err != nil {
			return nil, malformed("messages[%d]: %v", i, err)
		}
		if len(msg.Parts) == 0 {
			continue
		}

		if n := len(req.Messages); n > 0 && req.Messages[n-1].Role == msg.Role {
			req.Messages[n-1].Parts = append(req.Messages[n-1].Parts, msg.Parts...)
			continue
		}
		req.Messages = append(req.Messages, msg)
	}
	req.System = strings.Join(system, "\n")

	if len(req.Messages) == 0 {
		return nil, malformed("messages must contain at least one user or assistant turn")
	}

	for _, t := range in.Tools {
		if t.Type != "function" {
			req.Tools = append(req.Tools, canonical.Tool{Name: t.Type, Builtin: t.Type})
			continue
		}
		if t.Function.Name == "" {
			return nil, malformed("tools: function name is required")
		}
		req.Tools = append(req.Tools, canonical.Tool{
			Name:        t.Function.Name,
			Description: t.Function.Description,
			Schema:      t.Function.Parameters,
		})
	}

	if len(in.ToolChoice) > 0 {
		choice, err := chatToolChoice(in.ToolChoice)
		if err != nil {
			return nil, err
		}
		req.ToolChoice = choice
	}

	switch {
	case in.ReasoningEffort != "":
		req.Thinking = &canonical.Thinking{Enabled: true, Effort: in.ReasoningEffort}
	case in.Reasoning != nil && (in.Reasoning.Effort != "" || in.Reasoning.MaxTokens > 0):
		req.Thinking = &canonical.Thinking{Enabled: true, Effort: in.Reasoning.Effort, BudgetTokens: in.Reasoning.MaxTokens}
	}

	return req, nil
}

func chatMessage(m wire.ChatMessage) (canonical.Message, error) {
	switch m.Role {
	case "tool":
		if m.ToolCallID == "" {
			return canonical.Message{}, errors.New("tool message requires tool_call_id")
		}
		return canonical.Message{Role: canonical.RoleUser, Parts: []canonical.Part{{
			Type:       canonical.PartToolResult,
			ToolCallID: m.ToolCallID,
			Result:     []canonical.Part{{Type: canonical.PartText, Text: m.Content.String()}},
		}}}, nil

	case "assistant":
		msg := canonical.Message{Role: canonical.RoleAssistant}
		if r := firstNonEmpty(m.ReasoningContent, m.Reasoning); r != "" {
			msg.Parts = append(msg.Parts, canonical.Part{Type: canonical.PartThinking, Text: r})
		}
		if text := m.Content.String(); text != "" {
			msg.Parts = append(msg.Parts, canonical.Part{Type: canonical.PartText, Text: text})
		}
		for _, call := range m.ToolCalls {
			if call.ID == "" || call.Function.Name == "" {
				return canonical.Message{}, errors.New("tool_calls entries require id and function.name")
			}
			args := bytes.TrimSpace([]byte(call.Function.Arguments))
			if len(args) > 0 && !json.Valid(args) {
				return canonical.Message{}, fmt.Errorf("tool call %s has invalid arguments", call.ID)
			}
			msg.Parts = append(msg.Parts, canonical.Part{
				Type:       canonical.PartToolUse,
				ToolCallID: call.ID,
				ToolName:   call.Function.Name,
				Input:      args,
			})
		}
		return msg, nil
	}

	msg := canonical.Message{Role: canonical.RoleUser}
	if m.Content.Parts == nil {
		if m.Content.Text != "" {
			msg.Parts = append(msg.Parts, canonical.Part{Type: canonical.PartText, Text: m.Content.Text})
		}
		return msg, nil
	}

	for _, p := range m.Content.Parts {
		switch p.Type {
		case "text":
			msg.Parts = append(msg.Parts, canonical.Part{Type: canonical.PartText, Text: p.Text})
		case "image_url":
			if p.ImageURL == nil || p.ImageURL.URL == "" {
				return canonical.Message{}, errors.New("image_url part without url")
			}
			if mediaType, data, ok := providers.SplitDataURL(p.ImageURL.URL); ok {
				msg.Parts = append(msg.Parts, canonical.Part{Type: canonical.PartImage, MediaType: mediaType, Data: data})
				continue
			}
			msg.Parts = append(msg.Parts, canonical.Part{Type: canonical.PartImage, URL: p.ImageURL.URL})
		default:
			return canonical.Message{}, fmt.Errorf("unsupported content part type %q", p.Type)
		}
	}
	return msg, nil
}

func chatToolChoice(raw json.RawMessage) (*canonical.ToolChoice, error) {
	var s string
	if json.Unmarshal(raw, &s) == nil {
		switch s {
		case "auto":
			return &canonical.ToolChoice{Type: canonical.ToolChoiceAuto}, nil
		case "required":
			return &canonical.ToolChoice{Type: canonical.ToolChoiceAny}, nil
		case "none":
			return &canonical.ToolChoice{Type: canonical.ToolChoiceNone}, nil
		}
		return nil, malformed("unknown tool_choice %q", s)
	}

	var obj wire.ChatToolChoiceObject
	if err := json.Unmarshal(raw, &obj); err != nil || obj.Function.Name == "" {
		return nil, malformed("tool_choice must be a string or a function object")
	}
	return &canonical.ToolChoice{Type: canonical.ToolChoiceTool, Name: obj.Function.Name}, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
