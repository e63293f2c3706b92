package providers

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/Davincible/claude-code-mux/internal/canonical"
	"github.com/Davincible/claude-code-mux/internal/routing"
	"github.com/Davincible/claude-code-mux/internal/sse"
	"github.com/Davincible/claude-code-mux/internal/wire"
)

const geminiRoleModel = "model"

// geminiSchemaDenylist holds JSON schema keywords generateContent rejects.
var geminiSchemaDenylist = []string{
	"$schema",
	"additionalProperties",
	"exclusiveMinimum",
	"exclusiveMaximum",
	"propertyNames",
	"const",
}

// GeminiAdapter speaks the Google generateContent API.
type GeminiAdapter struct{}

func NewGeminiAdapter() *GeminiAdapter {
	return &GeminiAdapter{}
}

func (a *GeminiAdapter) Format() routing.WireFormat {
	return routing.FormatGemini
}

func (a *GeminiAdapter) Authorize(h http.Header, credential string) {
	if credential != "" {
		h.Set("x-goog-api-key", credential)
	}
}

func (a *GeminiAdapter) Encode(req *canonical.Request, target routing.Target) (*NativeRequest, error) {
	body, err := EncodeGeminiRequest(req)
	if err != nil {
		return nil, &EncodeError{Format: routing.FormatGemini, Err: err}
	}

	raw, err := json.Marshal(body)
	if err != nil {
		return nil, &EncodeError{Format: routing.FormatGemini, Err: err}
	}

	method := ":generateContent"
	if req.Stream {
		method = ":streamGenerateContent?alt=sse"
	}

	h := jsonHeader(req.Stream)
	applyHeaders(h, target.Provider.Headers)

	return &NativeRequest{
		Method: http.MethodPost,
		URL:    joinEndpoint(target.Provider.BaseURL, "/v1beta", "/models/"+url.PathEscape(target.Model)+method),
		Header: h,
		Body:   raw,
		Stream: req.Stream,
	}, nil
}

// EncodeGeminiRequest renders the canonical request for generateContent.
func EncodeGeminiRequest(req *canonical.Request) (*wire.GeminiRequest, error) {
	out := &wire.GeminiRequest{}

	if req.System != "" {
		out.SystemInstruction = &wire.GeminiContent{Parts: []wire.GeminiPart{{Text: req.System}}}
	}

	// functionResponse must carry the function name, which the canonical
	// tool result only references by call id.
	names := make(map[string]string)

	for _, m := range req.Messages {
		content := wire.GeminiContent{Role: RoleUser}
		if m.Role == canonical.RoleAssistant {
			content.Role = geminiRoleModel
		}

		for _, p := range m.Parts {
			switch p.Type {
			case canonical.PartText:
				if p.Text != "" {
					content.Parts = append(content.Parts, wire.GeminiPart{Text: p.Text})
				}
			case canonical.PartImage:
				if p.URL != "" {
					content.Parts = append(content.Parts, wire.GeminiPart{FileData: &wire.GeminiFileData{MimeType: p.MediaType, FileURI: p.URL}})
					continue
				}
				content.Parts = append(content.Parts, wire.GeminiPart{InlineData: &wire.GeminiBlob{MimeType: p.MediaType, Data: p.Data}})
			case canonical.PartToolUse:
				names[p.ToolCallID] = p.ToolName
				content.Parts = append(content.Parts, wire.GeminiPart{
					FunctionCall: &wire.GeminiFunctionCall{Name: p.ToolName, Args: json.RawMessage(inputOrEmpty(p.Input))},
				})
			case canonical.PartToolResult:
				name, ok := names[p.ToolCallID]
				if !ok {
					return nil, fmt.Errorf("tool result %q has no matching tool call", p.ToolCallID)
				}
				response, err := json.Marshal(map[string]any{"content": toolResultText(p), "is_error": p.IsError})
				if err != nil {
					return nil, err
				}
				content.Parts = append(content.Parts, wire.GeminiPart{
					FunctionResponse: &wire.GeminiFunctionResponse{Name: name, Response: response},
				})
			}
		}

		if len(content.Parts) > 0 {
			out.Contents = append(out.Contents, content)
		}
	}

	var decls []wire.GeminiFunctionDeclaration
	for _, t := range req.Tools {
		if t.Builtin != "" {
			out.Tools = append(out.Tools, wire.GeminiTool{GoogleSearch: &struct{}{}})
			continue
		}
		decls = append(decls, wire.GeminiFunctionDeclaration{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  cleanSchema(t.Schema, geminiSchemaDenylist),
		})
	}
	if len(decls) > 0 {
		out.Tools = append(out.Tools, wire.GeminiTool{FunctionDeclarations: decls})

		if tc := req.ToolChoice; tc != nil {
			cfg := wire.GeminiFunctionCallingConfig{Mode: "AUTO"}
			switch tc.Type {
			case canonical.ToolChoiceAny:
				cfg.Mode = "ANY"
			case canonical.ToolChoiceNone:
				cfg.Mode = "NONE"
			case canonical.ToolChoiceTool:
				cfg.Mode = "ANY"
				cfg.AllowedFunctionNames = []string{tc.Name}
			}
			out.ToolConfig = &wire.GeminiToolConfig{FunctionCallingConfig: cfg}
		}
	}

	gen := &wire.GeminiGenerationConfig{
		MaxOutputTokens: req.Sampling.MaxTokens,
		Temperature:     req.Sampling.Temperature,
		TopP:            req.Sampling.TopP,
		TopK:            req.Sampling.TopK,
		StopSequences:   req.Sampling.StopSequences,
	}
	if req.Thinking != nil && req.Thinking.Enabled {
		budget := budgetForEffort(req.Thinking)
		gen.ThinkingConfig = &wire.GeminiThinkingConfig{ThinkingBudget: &budget, IncludeThoughts: true}
	}
	out.GenerationConfig = gen

	out.SafetySettings = []wire.GeminiSafetySetting{
		{Category: "HARM_CATEGORY_HARASSMENT", Threshold: "BLOCK_NONE"},
		{Category: "HARM_CATEGORY_HATE_SPEECH", Threshold: "BLOCK_NONE"},
		{Category: "HARM_CATEGORY_SEXUALLY_EXPLICIT", Threshold: "BLOCK_NONE"},
		{Category: "HARM_CATEGORY_DANGEROUS_CONTENT", Threshold: "BLOCK_NONE"},
	}

	return out, nil
}

func (a *GeminiAdapter) Decode(body []byte) (*canonical.Response, error) {
	var resp wire.GeminiResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedUpstream, err)
	}
	if resp.Error != nil {
		return nil, &UpstreamError{Status: resp.Error.Code, Type: mapGoogleStatus(resp.Error.Status), Message: resp.Error.Message}
	}
	return DecodeGeminiResponse(&resp)
}

// DecodeGeminiResponse converts the first candidate.
func DecodeGeminiResponse(resp *wire.GeminiResponse) (*canonical.Response, error) {
	out := &canonical.Response{ID: resp.ResponseID, Model: resp.ModelVersion}
	if out.ID == "" {
		out.ID = NewID("msg_")
	}

	if len(resp.Candidates) == 0 {
		if resp.PromptFeedback != nil && resp.PromptFeedback.BlockReason != "" {
			out.StopReason = canonical.StopContentFilter
			return out, nil
		}
		return nil, fmt.Errorf("%w: no candidates in response", ErrMalformedUpstream)
	}

	cand := resp.Candidates[0]
	toolCall := false

	if cand.Content != nil {
		for _, part := range cand.Content.Parts {
			switch {
			case part.FunctionCall != nil:
				toolCall = true
				out.Parts = append(out.Parts, canonical.Part{
					Type:       canonical.PartToolUse,
					ToolCallID: firstNonEmpty(part.FunctionCall.ID, NewID("toolu_")),
					ToolName:   part.FunctionCall.Name,
					Input:      []byte(inputOrEmpty(part.FunctionCall.Args)),
				})
			case part.Thought:
				out.Parts = append(out.Parts, canonical.Part{Type: canonical.PartThinking, Text: part.Text, Signature: part.ThoughtSignature})
			case part.Text != "":
				out.Parts = append(out.Parts, canonical.Part{Type: canonical.PartText, Text: part.Text})
			}
		}
	}

	out.StopReason = convertGeminiStopReason(cand.FinishReason, toolCall)
	if resp.UsageMetadata != nil {
		out.Usage = geminiUsage(resp.UsageMetadata)
	}

	return out, nil
}

func convertGeminiStopReason(reason string, toolCall bool) canonical.StopReason {
	mapping := map[string]canonical.StopReason{
		"STOP":                    canonical.StopEndTurn,
		"MAX_TOKENS":              canonical.StopMaxTokens,
		"SAFETY":                  canonical.StopContentFilter,
		"RECITATION":              canonical.StopContentFilter,
		"LANGUAGE":                canonical.StopContentFilter,
		"BLOCKLIST":               canonical.StopContentFilter,
		"PROHIBITED_CONTENT":      canonical.StopContentFilter,
		"SPII":                    canonical.StopContentFilter,
		"MALFORMED_FUNCTION_CALL": canonical.StopToolUse,
	}

	if toolCall {
		return canonical.StopToolUse
	}

	if mapped, exists := mapping[reason]; exists {
		return mapped
	}

	return canonical.StopEndTurn
}

func geminiUsage(u *wire.GeminiUsageMetadata) canonical.Usage {
	return canonical.Usage{
		InputTokens:     u.PromptTokenCount,
		OutputTokens:    u.CandidatesTokenCount + u.ThoughtsTokenCount,
		CacheReadTokens: u.CachedContentTokenCount,
		ReasoningTokens: u.ThoughtsTokenCount,
	}
}

func (a *GeminiAdapter) DecodeStream(body io.ReadCloser) canonical.EventStream {
	return newSSEStream(body, &geminiDecoder{})
}

// geminiDecoder handles chunks that each carry complete parts. The stream has
// no terminator, so the stop event is emitted at EOF.
type geminiDecoder struct {
	blocks       blockIndex
	calls        int
	usage        canonical.Usage
	finishReason string
	toolCall     bool
}

func (d *geminiDecoder) decode(ev sse.Event) ([]canonical.StreamEvent, error) {
	var chunk wire.GeminiResponse
	if err := json.Unmarshal(ev.Data, &chunk); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedUpstream, err)
	}

	if chunk.Error != nil {
		return []canonical.StreamEvent{{
			Type: canonical.EventError,
			Err:  &UpstreamError{Type: mapGoogleStatus(chunk.Error.Status), Message: chunk.Error.Message},
		}}, nil
	}

	if chunk.UsageMetadata != nil {
		d.usage = d.usage.Merge(geminiUsage(chunk.UsageMetadata))
	}

	if len(chunk.Candidates) == 0 {
		return nil, nil
	}

	cand := chunk.Candidates[0]
	var events []canonical.StreamEvent

	if cand.Content != nil {
		for _, part := range cand.Content.Parts {
			switch {
			case part.FunctionCall != nil:
				idx, _ := d.blocks.tool(d.calls)
				d.calls++
				d.toolCall = true
				events = append(events, canonical.StreamEvent{
					Type:       canonical.EventToolCallDelta,
					Index:      idx,
					ToolCallID: firstNonEmpty(part.FunctionCall.ID, NewID("toolu_")),
					ToolName:   part.FunctionCall.Name,
					Arguments:  inputOrEmpty(part.FunctionCall.Args),
				})
			case part.Thought:
				events = append(events, canonical.StreamEvent{
					Type:      canonical.EventThinkingDelta,
					Index:     d.blocks.open(canonical.PartThinking),
					Text:      part.Text,
					Signature: part.ThoughtSignature,
				})
			case part.Text != "":
				events = append(events, canonical.StreamEvent{
					Type:  canonical.EventTextDelta,
					Index: d.blocks.open(canonical.PartText),
					Text:  part.Text,
				})
			}
		}
	}

	if cand.FinishReason != "" {
		d.finishReason = cand.FinishReason
	}

	return events, nil
}

func (d *geminiDecoder) finish() ([]canonical.StreamEvent, error) {
	if d.finishReason == "" {
		return nil, errTruncatedStream
	}
	return []canonical.StreamEvent{{
		Type:       canonical.EventStop,
		StopReason: convertGeminiStopReason(d.finishReason, d.toolCall),
		Usage:      d.usage,
	}}, nil
}
