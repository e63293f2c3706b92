package canonical

import (
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollect_AssemblesBlocks(t *testing.T) {
	stream := NewSliceStream([]StreamEvent{
		{Type: EventUsage, Usage: Usage{InputTokens: 12}},
		{Type: EventThinkingDelta, Index: 0, Text: "let me "},
		{Type: EventThinkingDelta, Index: 0, Text: "think", Signature: "sig"},
		{Type: EventTextDelta, Index: 1, Text: "Hel"},
		{Type: EventTextDelta, Index: 1, Text: "lo"},
		{Type: EventToolCallDelta, Index: 2, ToolCallID: "call_1", ToolName: "read_file"},
		{Type: EventToolCallDelta, Index: 2, Arguments: `{"path":`},
		{Type: EventToolCallDelta, Index: 2, Arguments: `"a.go"}`},
		{Type: EventToolCallDelta, Index: 3, ToolCallID: "call_2", ToolName: "ls"},
		{Type: EventStop, StopReason: StopToolUse, Usage: Usage{OutputTokens: 40}},
	}, nil)

	resp, err := Collect(stream)
	require.NoError(t, err)
	assert.True(t, stream.Closed())

	require.Len(t, resp.Parts, 4)
	assert.Equal(t, Part{Type: PartThinking, Text: "let me think", Signature: "sig"}, resp.Parts[0])
	assert.Equal(t, "Hello", resp.Text())
	assert.Equal(t, "read_file", resp.Parts[2].ToolName)
	assert.JSONEq(t, `{"path":"a.go"}`, string(resp.Parts[2].Input))
	assert.JSONEq(t, `{}`, string(resp.Parts[3].Input))
	assert.Equal(t, StopToolUse, resp.StopReason)
	assert.Equal(t, Usage{InputTokens: 12, OutputTokens: 40}, resp.Usage)
}

func TestCollect_ErrorEvent(t *testing.T) {
	boom := errors.New("upstream reset")
	stream := NewSliceStream([]StreamEvent{
		{Type: EventTextDelta, Text: "partial"},
		{Type: EventError, Err: boom},
	}, nil)

	_, err := Collect(stream)
	assert.ErrorIs(t, err, boom)
}

func TestSliceStream(t *testing.T) {
	s := NewSliceStream([]StreamEvent{{Type: EventTextDelta, Text: "x"}}, io.ErrUnexpectedEOF)

	ev, err := s.Next()
	require.NoError(t, err)
	assert.Equal(t, "x", ev.Text)

	_, err = s.Next()
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)

	require.NoError(t, s.Close())
	_, err = s.Next()
	assert.ErrorIs(t, err, io.ErrClosedPipe)
}

func TestResponseEvents_RoundTrip(t *testing.T) {
	resp := &Response{
		Parts: []Part{
			{Type: PartText, Text: "hi"},
			{Type: PartToolUse, ToolCallID: "t1", ToolName: "grep", Input: []byte(`{"q":"x"}`)},
		},
		StopReason: StopToolUse,
		Usage:      Usage{InputTokens: 3, OutputTokens: 5},
	}

	events := ResponseEvents(resp)
	require.Len(t, events, 3)
	assert.True(t, events[2].Terminal())

	back, err := Collect(NewSliceStream(events, nil))
	require.NoError(t, err)
	assert.Equal(t, resp.Parts, back.Parts)
	assert.Equal(t, resp.StopReason, back.StopReason)
	assert.Equal(t, resp.Usage, back.Usage)
}

func TestParseMode(t *testing.T) {
	tests := []struct {
		in   string
		want Mode
		ok   bool
	}{
		{"", ModeDefault, true},
		{"Think", ModeThink, true},
		{"reasoning", ModeThink, true},
		{"web-search", ModeWebSearch, true},
		{"long_context", ModeLongContext, true},
		{"bg", ModeBackground, true},
		{"turbo", "", false},
	}

	for _, tt := range tests {
		got, ok := ParseMode(tt.in)
		assert.Equal(t, tt.ok, ok, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
}

func TestUsage_Merge(t *testing.T) {
	u := Usage{InputTokens: 10, OutputTokens: 1}
	got := u.Merge(Usage{OutputTokens: 20, CacheReadTokens: 4})
	assert.Equal(t, Usage{InputTokens: 10, OutputTokens: 20, CacheReadTokens: 4}, got)
}
