package format

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/Davincible/claude-code-mux/internal/canonical"
	"github.com/Davincible/claude-code-mux/internal/wire"
)

// ParseAnthropic decodes and validates a Messages API request.
func ParseAnthropic(body []byte) (*canonical.Request, error) {
	var in wire.AnthropicRequest
	if err := json.Unmarshal(body, &in); err != nil {
		return nil, malformed("invalid JSON body: %v", err)
	}
	if err := validateBody(&in); err != nil {
		return nil, err
	}

	req := &canonical.Request{
		Model:  in.Model,
		System: anthropicText(in.System),
		Stream: in.Stream,
		Sampling: canonical.Sampling{
			MaxTokens:     in.MaxTokens,
			Temperature:   in.Temperature,
			TopP:          in.TopP,
			TopK:          in.TopK,
			StopSequences: in.StopSequences,
		},
	}

	if in.Metadata != nil {
		req.User = in.Metadata.UserID
	}

	for i, m := range in.Messages {
		parts, err := anthropicParts(m.Content)
		if err != nil {
			return nil, malformed("messages[%d]: %v", i, err)
		}
		req.Messages = append(req.Messages, canonical.Message{Role: canonical.Role(m.Role), Parts: parts})
	}

	for _, t := range in.Tools {
		if t.Builtin() {
			req.Tools = append(req.Tools, canonical.Tool{Name: t.Name, Builtin: t.Type})
			continue
		}
		req.Tools = append(req.Tools, canonical.Tool{Name: t.Name, Description: t.Description, Schema: t.InputSchema})
	}

	if tc := in.ToolChoice; tc != nil {
		choice, err := anthropicToolChoice(tc)
		if err != nil {
			return nil, err
		}
		req.ToolChoice = choice
	}

	if th := in.Thinking; th != nil && th.Type == "enabled" {
		req.Thinking = &canonical.Thinking{Enabled: true, BudgetTokens: th.BudgetTokens}
	}

	return req, nil
}

// ParseAnthropicCountTokens decodes a count_tokens body. Only the fields
// that contribute tokens are kept.
func ParseAnthropicCountTokens(body []byte) (*canonical.Request, error) {
	var in wire.AnthropicCountTokensRequest
	if err := json.Unmarshal(body, &in); err != nil {
		return nil, malformed("invalid JSON body: %v", err)
	}
	if err := validateBody(&in); err != nil {
		return nil, err
	}

	req := &canonical.Request{Model: in.Model, System: anthropicText(in.System)}
	for i, m := range in.Messages {
		parts, err := anthropicParts(m.Content)
		if err != nil {
			return nil, malformed("messages[%d]: %v", i, err)
		}
		req.Messages = append(req.Messages, canonical.Message{Role: canonical.Role(m.Role), Parts: parts})
	}
	for _, t := range in.Tools {
		req.Tools = append(req.Tools, canonical.Tool{Name: t.Name, Description: t.Description, Schema: t.InputSchema})
	}
	return req, nil
}

func anthropicText(content wire.AnthropicContent) string {
	texts := make([]string, 0, len(content))
	for _, b := range content {
		if b.Type == "text" && b.Text != "" {
			texts = append(texts, b.Text)
		}
	}
	return strings.Join(texts, "\n")
}

func anthropicParts(content wire.AnthropicContent) ([]canonical.Part, error) {
	parts := make([]canonical.Part, 0, len(content))

	for _, b := range content {
		switch b.Type {
		case "text":
			parts = append(parts, canonical.Part{Type: canonical.PartText, Text: b.Text})

		case "image":
			if b.Source == nil {
				return nil, errors.New("image block without source")
			}
			parts = append(parts, canonical.Part{
				Type:      canonical.PartImage,
				MediaType: b.Source.MediaType,
				Data:      b.Source.Data,
				URL:       b.Source.URL,
			})

		case "thinking":
			parts = append(parts, canonical.Part{Type: canonical.PartThinking, Text: b.Thinking, Signature: b.Signature})

		case "tool_use":
			if b.ID == "" || b.Name == "" {
				return nil, errors.New("tool_use block requires id and name")
			}
			input := bytes.TrimSpace(b.Input)
			if len(input) > 0 && !json.Valid(input) {
				return nil, fmt.Errorf("tool_use %s has invalid input", b.ID)
			}
			parts = append(parts, canonical.Part{Type: canonical.PartToolUse, ToolCallID: b.ID, ToolName: b.Name, Input: input})

		case "tool_result":
			if b.ToolUseID == "" {
				return nil, errors.New("tool_result block requires tool_use_id")
			}
			result, err := anthropicParts(b.Content)
			if err != nil {
				return nil, err
			}
			parts = append(parts, canonical.Part{
				Type:       canonical.PartToolResult,
				ToolCallID: b.ToolUseID,
				Result:     result,
				IsError:    b.IsError,
			})

		case "":
			return nil, errors.New("content block without type")

		default:
			// redacted_thinking, documents and server tool results have no
			// canonical counterpart and are not replayed upstream.
		}
	}

	return parts, nil
}

func anthropicToolChoice(tc *wire.AnthropicToolChoice) (*canonical.ToolChoice, error) {
	switch tc.Type {
	case "auto", "":
		return &canonical.ToolChoice{Type: canonical.ToolChoiceAuto}, nil
	case "any":
		return &canonical.ToolChoice{Type: canonical.ToolChoiceAny}, nil
	case "none":
		return &canonical.ToolChoice{Type: canonical.ToolChoiceNone}, nil
	case "tool":
		if tc.Name == "" {
			return nil, malformed("tool_choice of type tool requires a name")
		}
		return &canonical.ToolChoice{Type: canonical.ToolChoiceTool, Name: tc.Name}, nil
	}
	return nil, malformed("unknown tool_choice type %q", tc.Type)
}
