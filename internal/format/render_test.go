package format

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Davincible/claude-code-mux/internal/canonical"
	"github.com/Davincible/claude-code-mux/internal/providers"
	"github.com/Davincible/claude-code-mux/internal/sse"
	"github.com/Davincible/claude-code-mux/internal/wire"
)

func sampleResponse() *canonical.Response {
	return &canonical.Response{
		ID: "resp_1",
		Parts: []canonical.Part{
			{Type: canonical.PartThinking, Text: "hmm", Signature: "sig"},
			{Type: canonical.PartText, Text: "Listing."},
			{Type: canonical.PartToolUse, ToolCallID: "toolu_1", ToolName: "ls", Input: []byte(`{"dir":"."}`)},
		},
		StopReason: canonical.StopToolUse,
		Usage:      canonical.Usage{InputTokens: 12, OutputTokens: 7, CacheReadTokens: 3},
	}
}

func readEvents(t *testing.T, body string) []sse.Event {
	t.Helper()
	r := sse.NewReader(strings.NewReader(body))
	var events []sse.Event
	for {
		ev, err := r.Next()
		if err != nil {
			break
		}
		events = append(events, ev)
	}
	return events
}

func TestAnthropicRenderer_WriteResponse(t *testing.T) {
	rec := httptest.NewRecorder()
	require.NoError(t, NewRenderer(ClientAnthropic, "claude-sonnet-4").WriteResponse(rec, sampleResponse()))

	assert.Equal(t, 200, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var out wire.AnthropicResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.Equal(t, "resp_1", out.ID)
	assert.Equal(t, "claude-sonnet-4", out.Model)
	require.Len(t, out.Content, 3)
	assert.Equal(t, "thinking", out.Content[0].Type)
	assert.Equal(t, "sig", out.Content[0].Signature)
	assert.Equal(t, "tool_use", out.Content[2].Type)
	assert.JSONEq(t, `{"dir":"."}`, string(out.Content[2].Input))
	require.NotNil(t, out.StopReason)
	assert.Equal(t, "tool_use", *out.StopReason)
	assert.Equal(t, 3, out.Usage.CacheReadInputTokens)
}

func TestAnthropicStream_EventGrammar(t *testing.T) {
	rec := httptest.NewRecorder()
	stream := NewRenderer(ClientAnthropic, "claude-sonnet-4").NewStream(rec)

	for _, ev := range []canonical.StreamEvent{
		{Type: canonical.EventUsage, Usage: canonical.Usage{InputTokens: 20}},
		{Type: canonical.EventThinkingDelta, Index: 0, Text: "plan"},
		{Type: canonical.EventThinkingDelta, Index: 0, Signature: "sig"},
		{Type: canonical.EventTextDelta, Index: 1, Text: "Hel"},
		{Type: canonical.EventTextDelta, Index: 1, Text: "lo"},
		{Type: canonical.EventToolCallDelta, Index: 2, ToolCallID: "toolu_1", ToolName: "ls", Arguments: `{"dir"`},
		{Type: canonical.EventToolCallDelta, Index: 2, Arguments: `:"."}`},
		{Type: canonical.EventStop, StopReason: canonical.StopToolUse, Usage: canonical.Usage{OutputTokens: 9}},
	} {
		require.NoError(t, stream.Event(ev))
	}

	events := readEvents(t, rec.Body.String())
	names := make([]string, 0, len(events))
	for _, ev := range events {
		names = append(names, ev.Name)
	}

	assert.Equal(t, []string{
		"message_start",
		"content_block_start", "content_block_delta", "content_block_delta", "content_block_stop",
		"content_block_start", "content_block_delta", "content_block_delta", "content_block_stop",
		"content_block_start", "content_block_delta", "content_block_delta", "content_block_stop",
		"message_delta", "message_stop",
	}, names)

	var start struct {
		Message wire.AnthropicResponse `json:"message"`
	}
	require.NoError(t, json.Unmarshal(events[0].Data, &start))
	assert.Equal(t, 20, start.Message.Usage.InputTokens)

	assert.JSONEq(t, `{"type":"content_block_start","index":1,"content_block":{"type":"text","text":""}}`, string(events[5].Data))
	assert.JSONEq(t, `{"type":"content_block_delta","index":2,"delta":{"type":"input_json_delta","partial_json":":\".\"}"}}`, string(events[11].Data))

	var delta struct {
		Delta struct {
			StopReason string `json:"stop_reason"`
		} `json:"delta"`
		Usage wire.AnthropicUsage `json:"usage"`
	}
	require.NoError(t, json.Unmarshal(events[13].Data, &delta))
	assert.Equal(t, "tool_use", delta.Delta.StopReason)
	assert.Equal(t, 20, delta.Usage.InputTokens)
	assert.Equal(t, 9, delta.Usage.OutputTokens)
}

func TestAnthropicStream_InterleavedToolCalls(t *testing.T) {
	rec := httptest.NewRecorder()
	stream := NewRenderer(ClientAnthropic, "claude-sonnet-4").NewStream(rec)

	for _, ev := range []canonical.StreamEvent{
		{Type: canonical.EventTextDelta, Index: 0, Text: "Checking."},
		{Type: canonical.EventToolCallDelta, Index: 1, ToolCallID: "call_a", ToolName: "ls", Arguments: `{"dir"`},
		{Type: canonical.EventToolCallDelta, Index: 2, ToolCallID: "call_b", ToolName: "cat", Arguments: `{"file"`},
		{Type: canonical.EventToolCallDelta, Index: 1, Arguments: `:"."}`},
		{Type: canonical.EventToolCallDelta, Index: 2, Arguments: `:"go.mod"}`},
		{Type: canonical.EventStop, StopReason: canonical.StopToolUse},
	} {
		require.NoError(t, stream.Event(ev))
	}

	type blockEvent struct {
		Type         string               `json:"type"`
		Index        int                  `json:"index"`
		ContentBlock *wire.AnthropicBlock `json:"content_block"`
		Delta        *wire.AnthropicDelta `json:"delta"`
	}

	starts := map[int]*wire.AnthropicBlock{}
	args := map[int]string{}
	stops := 0
	for _, ev := range readEvents(t, rec.Body.String()) {
		var be blockEvent
		require.NoError(t, json.Unmarshal(ev.Data, &be))
		switch ev.Name {
		case "content_block_start":
			_, dup := starts[be.Index]
			require.False(t, dup, "block %d started twice", be.Index)
			starts[be.Index] = be.ContentBlock
		case "content_block_delta":
			require.Contains(t, starts, be.Index)
			args[be.Index] += be.Delta.PartialJSON
		case "content_block_stop":
			stops++
		}
	}

	require.Len(t, starts, 3)
	assert.Equal(t, 3, stops)
	assert.Equal(t, "call_a", starts[1].ID)
	assert.Equal(t, "ls", starts[1].Name)
	assert.Equal(t, "call_b", starts[2].ID)
	assert.Equal(t, "cat", starts[2].Name)
	assert.JSONEq(t, `{"dir":"."}`, args[1])
	assert.JSONEq(t, `{"file":"go.mod"}`, args[2])
}

func TestAnthropicStream_Fail(t *testing.T) {
	rec := httptest.NewRecorder()
	stream := NewRenderer(ClientAnthropic, "m").NewStream(rec)

	require.NoError(t, stream.Event(canonical.StreamEvent{Type: canonical.EventTextDelta, Text: "partial"}))
	require.NoError(t, stream.Event(canonical.StreamEvent{
		Type: canonical.EventError,
		Err:  &providers.UpstreamError{Status: 529, Type: providers.ErrorTypeOverloaded, Message: "busy"},
	}))

	events := readEvents(t, rec.Body.String())
	last := events[len(events)-1]
	assert.Equal(t, "error", last.Name)
	assert.JSONEq(t, `{"type":"error","error":{"type":"overloaded_error","message":"busy","code":"stream_interrupted"}}`, string(last.Data))
}

func TestChatRenderer_WriteResponse(t *testing.T) {
	rec := httptest.NewRecorder()
	require.NoError(t, NewRenderer(ClientOpenAIChat, "gpt-4o").WriteResponse(rec, sampleResponse()))

	var out wire.ChatResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.Equal(t, "chat.completion", out.Object)
	assert.Equal(t, "gpt-4o", out.Model)
	require.Len(t, out.Choices, 1)

	msg := out.Choices[0].Message
	assert.Equal(t, "Listing.", msg.Content.String())
	assert.Equal(t, "hmm", msg.ReasoningContent)
	require.Len(t, msg.ToolCalls, 1)
	assert.Equal(t, "toolu_1", msg.ToolCalls[0].ID)
	assert.Equal(t, "tool_calls", *out.Choices[0].FinishReason)

	require.NotNil(t, out.Usage)
	assert.Equal(t, 15, out.Usage.PromptTokens)
	assert.Equal(t, 22, out.Usage.TotalTokens)
	assert.Equal(t, 3, out.Usage.PromptTokensDetails.CachedTokens)
}

func TestChatStream_Chunks(t *testing.T) {
	rec := httptest.NewRecorder()
	stream := NewRenderer(ClientOpenAIChat, "gpt-4o").NewStream(rec)

	for _, ev := range []canonical.StreamEvent{
		{Type: canonical.EventTextDelta, Index: 0, Text: "Hi"},
		{Type: canonical.EventToolCallDelta, Index: 1, ToolCallID: "call_1", ToolName: "ls", Arguments: `{"dir"`},
		{Type: canonical.EventToolCallDelta, Index: 1, Arguments: `:"."}`},
		{Type: canonical.EventStop, StopReason: canonical.StopMaxTokens, Usage: canonical.Usage{InputTokens: 4, OutputTokens: 2}},
	} {
		require.NoError(t, stream.Event(ev))
	}

	events := readEvents(t, rec.Body.String())
	require.Len(t, events, 5)
	assert.True(t, events[4].Done())

	var chunks []wire.ChatResponse
	for _, ev := range events[:4] {
		var c wire.ChatResponse
		require.NoError(t, json.Unmarshal(ev.Data, &c))
		assert.Equal(t, "chat.completion.chunk", c.Object)
		chunks = append(chunks, c)
	}

	assert.Equal(t, "assistant", chunks[0].Choices[0].Delta.Role)
	assert.Equal(t, "Hi", *chunks[0].Choices[0].Delta.Content)
	assert.Empty(t, chunks[1].Choices[0].Delta.Role)

	first := chunks[1].Choices[0].Delta.ToolCalls[0]
	assert.Equal(t, 0, *first.Index)
	assert.Equal(t, "call_1", first.ID)
	assert.Equal(t, "ls", first.Function.Name)
	next := chunks[2].Choices[0].Delta.ToolCalls[0]
	assert.Empty(t, next.ID)
	assert.Equal(t, `:"."}`, next.Function.Arguments)

	assert.Equal(t, "length", *chunks[3].Choices[0].FinishReason)
	require.NotNil(t, chunks[3].Usage)
	assert.Equal(t, 6, chunks[3].Usage.TotalTokens)

	for _, c := range chunks {
		assert.Equal(t, chunks[0].ID, c.ID)
	}
}

func TestChatStream_Fail(t *testing.T) {
	rec := httptest.NewRecorder()
	stream := NewRenderer(ClientOpenAIChat, "gpt-4o").NewStream(rec)

	require.NoError(t, stream.Fail(ClientError{Status: 502, Kind: KindStreamInterrupted, Type: "api_error", Message: "upstream reset"}))

	events := readEvents(t, rec.Body.String())
	require.Len(t, events, 1)
	assert.JSONEq(t, `{"error":{"message":"upstream reset","type":"api_error","code":"stream_interrupted"}}`, string(events[0].Data))
}
