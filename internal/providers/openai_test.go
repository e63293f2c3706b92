package providers

import (
	"encoding/json"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Davincible/claude-code-mux/internal/canonical"
	"github.com/Davincible/claude-code-mux/internal/routing"
	"github.com/Davincible/claude-code-mux/internal/wire"
)

func TestChatAdapter_Encode(t *testing.T) {
	adapter := NewChatAdapter()
	req := sampleRequest()
	req.Stream = true
	req.ToolChoice = &canonical.ToolChoice{Type: canonical.ToolChoiceAny}

	native, err := adapter.Encode(req, target(routing.FormatOpenAI, DialectGeneric, "https://api.groq.com/openai/v1", "llama-3.3-70b"))
	require.NoError(t, err)

	assert.Equal(t, "https://api.groq.com/openai/v1/chat/completions", native.URL)
	assert.Equal(t, "text/event-stream", native.Header.Get("Accept"))
	assert.True(t, native.Stream)

	var out map[string]any
	require.NoError(t, json.Unmarshal(native.Body, &out))

	assert.Equal(t, "llama-3.3-70b", out["model"])
	assert.Equal(t, float64(256), out["max_tokens"])
	assert.Equal(t, "required", out["tool_choice"])
	assert.Equal(t, map[string]any{"include_usage": true}, out["stream_options"])

	messages := out["messages"].([]any)
	require.Len(t, messages, 5)

	// system, user, assistant with tool call, tool result, trailing user text
	assert.Equal(t, map[string]any{"role": "system", "content": "You are terse."}, messages[0])
	assistant := messages[2].(map[string]any)
	assert.Equal(t, "Sure.", assistant["content"])
	call := assistant["tool_calls"].([]any)[0].(map[string]any)
	assert.Equal(t, "toolu_1", call["id"])
	assert.Equal(t, `{"dir":"."}`, call["function"].(map[string]any)["arguments"])
	assert.Equal(t, map[string]any{"role": "tool", "tool_call_id": "toolu_1", "content": "main.go"}, messages[3])
	assert.Equal(t, map[string]any{"role": "user", "content": "Thanks"}, messages[4])

	tool := out["tools"].([]any)[0].(map[string]any)
	assert.Equal(t, "function", tool["type"])
	assert.Equal(t, "ls", tool["function"].(map[string]any)["name"])
}

func TestChatAdapter_EncodeDropsUnsupported(t *testing.T) {
	req := sampleRequest()
	req.Sampling.StopSequences = []string{"a", "b", "c", "d", "e"}
	req.Messages[1].Parts = append([]canonical.Part{{Type: canonical.PartThinking, Text: "plan", Signature: "sig"}}, req.Messages[1].Parts...)

	out, err := EncodeChatRequest(req)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c", "d"}, []string(out.Stop))
	assert.Len(t, req.Sampling.StopSequences, 5)

	body, err := json.Marshal(out)
	require.NoError(t, err)
	assert.NotContains(t, string(body), "plan")
}

func TestChatAdapter_EncodeImage(t *testing.T) {
	req := &canonical.Request{
		Model: "gpt-4o",
		Messages: []canonical.Message{{Role: canonical.RoleUser, Parts: []canonical.Part{
			{Type: canonical.PartText, Text: "What is this?"},
			{Type: canonical.PartImage, MediaType: "image/png", Data: "iVBOR"},
		}}},
	}

	out, err := EncodeChatRequest(req)
	require.NoError(t, err)

	require.Len(t, out.Messages, 1)
	parts := out.Messages[0].Content.Parts
	require.Len(t, parts, 2)
	assert.Equal(t, "data:image/png;base64,iVBOR", parts[1].ImageURL.URL)
}

func TestChatAdapter_Dialects(t *testing.T) {
	adapter := NewChatAdapter()

	t.Run("openai uses max_completion_tokens", func(t *testing.T) {
		native, err := adapter.Encode(sampleRequest(), target(routing.FormatOpenAI, DialectOpenAI, "https://api.openai.com/v1", "gpt-4o"))
		require.NoError(t, err)

		var out wire.ChatRequest
		require.NoError(t, json.Unmarshal(native.Body, &out))
		assert.Nil(t, out.MaxTokens)
		require.NotNil(t, out.MaxCompletionTokens)
		assert.Equal(t, 256, *out.MaxCompletionTokens)
	})

	t.Run("openrouter web search and reasoning", func(t *testing.T) {
		req := sampleRequest()
		req.Mode = canonical.ModeWebSearch
		req.Thinking = &canonical.Thinking{Enabled: true, BudgetTokens: 4000}

		native, err := adapter.Encode(req, target(routing.FormatOpenAI, DialectOpenRouter, "https://openrouter.ai/api/v1", "anthropic/claude-sonnet-4"))
		require.NoError(t, err)

		var out wire.ChatRequest
		require.NoError(t, json.Unmarshal(native.Body, &out))
		assert.Equal(t, "anthropic/claude-sonnet-4:online", out.Model)
		require.NotNil(t, out.Reasoning)
		assert.Equal(t, 4000, out.Reasoning.MaxTokens)
		assert.Empty(t, out.ReasoningEffort)
		assert.Equal(t, openRouterTitle, native.Header.Get("X-Title"))
	})

	t.Run("nvidia strips unsupported fields", func(t *testing.T) {
		req := sampleRequest()
		req.Stream = true
		req.ToolChoice = &canonical.ToolChoice{Type: canonical.ToolChoiceAny}

		native, err := adapter.Encode(req, target(routing.FormatOpenAI, DialectNvidia, "https://integrate.api.nvidia.com/v1", "meta/llama"))
		require.NoError(t, err)

		var out map[string]any
		require.NoError(t, json.Unmarshal(native.Body, &out))
		assert.NotContains(t, out, "stream_options")
		assert.NotContains(t, out, "tool_choice")
	})
}

func TestOnlineModel(t *testing.T) {
	assert.Equal(t, "x/y:online", OnlineModel("x/y"))
	assert.Equal(t, "x/y:online", OnlineModel("x/y:online"))
}

func TestChatAdapter_Decode(t *testing.T) {
	adapter := NewChatAdapter()

	resp, err := adapter.Decode([]byte(`{
		"id": "chatcmpl-1", "object": "chat.completion", "model": "gpt-4o",
		"choices": [{"index": 0, "finish_reason": "tool_calls", "message": {
			"role": "assistant", "content": "Checking",
			"tool_calls": [{"id": "call_1", "type": "function", "function": {"name": "ls", "arguments": "{\"dir\":\".\"}"}}]
		}}],
		"usage": {"prompt_tokens": 9, "completion_tokens": 4, "total_tokens": 13, "prompt_tokens_details": {"cached_tokens": 2}}
	}`))
	require.NoError(t, err)

	require.Len(t, resp.Parts, 2)
	assert.Equal(t, "Checking", resp.Text())
	assert.Equal(t, "call_1", resp.Parts[1].ToolCallID)
	assert.Equal(t, canonical.StopToolUse, resp.StopReason)
	assert.Equal(t, canonical.Usage{InputTokens: 9, OutputTokens: 4, CacheReadTokens: 2}, resp.Usage)
}

func TestChatAdapter_Decode_InvalidToolArguments(t *testing.T) {
	_, err := NewChatAdapter().Decode([]byte(`{"choices":[{"message":{"role":"assistant","content":null,
		"tool_calls":[{"id":"c","type":"function","function":{"name":"x","arguments":"{oops"}}]}}]}`))
	assert.ErrorIs(t, err, ErrMalformedUpstream)
}

func TestConvertStopReason(t *testing.T) {
	tests := map[string]canonical.StopReason{
		"stop":           canonical.StopEndTurn,
		"length":         canonical.StopMaxTokens,
		"tool_calls":     canonical.StopToolUse,
		"function_call":  canonical.StopToolUse,
		"content_filter": canonical.StopContentFilter,
		"":               canonical.StopEndTurn,
		"mystery":        canonical.StopEndTurn,
	}
	for in, want := range tests {
		assert.Equal(t, want, ConvertStopReason(in), in)
	}
}

func TestChatAdapter_DecodeStream(t *testing.T) {
	stream := NewChatAdapter().DecodeStream(body(strings.Join([]string{
		`data: {"id":"c1","choices":[{"index":0,"delta":{"role":"assistant","reasoning_content":"think"},"finish_reason":null}]}`,
		``,
		`data: {"id":"c1","choices":[{"index":0,"delta":{"content":"Hel"},"finish_reason":null}]}`,
		``,
		`data: {"id":"c1","choices":[{"index":0,"delta":{"content":"lo"},"finish_reason":null}]}`,
		``,
		`data: {"id":"c1","choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"id":"call_a","type":"function","function":{"name":"ls","arguments":""}}]},"finish_reason":null}]}`,
		``,
		`data: {"id":"c1","choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"function":{"arguments":"{}"}}]},"finish_reason":null}]}`,
		``,
		`data: {"id":"c1","choices":[{"index":0,"delta":{},"finish_reason":"tool_calls"}]}`,
		``,
		`data: {"id":"c1","choices":[],"usage":{"prompt_tokens":20,"completion_tokens":7,"total_tokens":27}}`,
		``,
		`data: [DONE]`,
		``,
	}, "\n")))

	events, err := drain(t, stream)
	require.NoError(t, err)
	require.Len(t, events, 6)

	assert.Equal(t, canonical.StreamEvent{Type: canonical.EventThinkingDelta, Index: 0, Text: "think"}, events[0])
	assert.Equal(t, canonical.StreamEvent{Type: canonical.EventTextDelta, Index: 1, Text: "Hel"}, events[1])
	assert.Equal(t, canonical.StreamEvent{Type: canonical.EventTextDelta, Index: 1, Text: "lo"}, events[2])
	assert.Equal(t, canonical.StreamEvent{Type: canonical.EventToolCallDelta, Index: 2, ToolCallID: "call_a", ToolName: "ls"}, events[3])
	assert.Equal(t, canonical.StreamEvent{Type: canonical.EventToolCallDelta, Index: 2, Arguments: "{}"}, events[4])

	stop := events[5]
	assert.True(t, stop.Terminal())
	assert.Equal(t, canonical.StopToolUse, stop.StopReason)
	assert.Equal(t, canonical.Usage{InputTokens: 20, OutputTokens: 7}, stop.Usage, "usage from the trailing chunk is merged into the stop event")
}

func TestChatAdapter_DecodeStream_EOFAfterFinish(t *testing.T) {
	stream := NewChatAdapter().DecodeStream(body(
		`data: {"choices":[{"index":0,"delta":{"content":"ok"},"finish_reason":"stop"}]}` + "\n\n",
	))

	events, err := drain(t, stream)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, canonical.StopEndTurn, events[1].StopReason)
}

func TestChatAdapter_DecodeStream_Truncated(t *testing.T) {
	stream := NewChatAdapter().DecodeStream(body(
		`data: {"choices":[{"index":0,"delta":{"content":"par"},"finish_reason":null}]}` + "\n\n",
	))

	_, err := drain(t, stream)
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}
