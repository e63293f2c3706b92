package format

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/Davincible/claude-code-mux/internal/canonical"
	"github.com/Davincible/claude-code-mux/internal/providers"
	"github.com/Davincible/claude-code-mux/internal/sse"
	"github.com/Davincible/claude-code-mux/internal/wire"
)

type anthropicRenderer struct {
	model string
}

func (r *anthropicRenderer) Format() ClientFormat { return ClientAnthropic }

func (r *anthropicRenderer) WriteResponse(w http.ResponseWriter, resp *canonical.Response) error {
	out := wire.AnthropicResponse{
		ID:      resp.ID,
		Type:    "message",
		Role:    "assistant",
		Model:   r.model,
		Content: make([]wire.AnthropicBlock, 0, len(resp.Parts)),
		Usage:   anthropicUsage(resp.Usage),
	}
	if out.ID == "" {
		out.ID = providers.NewID("msg_")
	}

	for _, p := range resp.Parts {
		switch p.Type {
		case canonical.PartText:
			out.Content = append(out.Content, wire.AnthropicBlock{Type: "text", Text: p.Text})
		case canonical.PartThinking:
			out.Content = append(out.Content, wire.AnthropicBlock{Type: "thinking", Thinking: p.Text, Signature: p.Signature})
		case canonical.PartToolUse:
			input := json.RawMessage(p.Input)
			if len(input) == 0 {
				input = json.RawMessage("{}")
			}
			out.Content = append(out.Content, wire.AnthropicBlock{Type: "tool_use", ID: p.ToolCallID, Name: p.ToolName, Input: input})
		}
	}

	stop := resp.StopReason
	if stop == "" {
		stop = canonical.StopEndTurn
	}
	out.StopReason = strPtr(string(stop))
	if resp.StopSeq != "" {
		out.StopSequence = strPtr(resp.StopSeq)
	}

	return writeJSON(w, http.StatusOK, out)
}

func (r *anthropicRenderer) NewStream(w io.Writer) StreamRenderer {
	return &anthropicStream{
		w:     sse.NewWriter(w),
		model: r.model,
		id:    providers.NewID("msg_"),
		open:  make(map[blockKey]int),
	}
}

func anthropicUsage(u canonical.Usage) wire.AnthropicUsage {
	return wire.AnthropicUsage{
		InputTokens:              u.InputTokens,
		OutputTokens:             u.OutputTokens,
		CacheCreationInputTokens: u.CacheCreationTokens,
		CacheReadInputTokens:     u.CacheReadTokens,
	}
}

// anthropicStream synthesizes the Messages API event grammar from canonical
// deltas: message_start, then start/delta/stop triples per content block,
// then message_delta and message_stop.
type anthropicStream struct {
	w     *sse.Writer
	model string
	id    string

	started bool
	usage   canonical.Usage

	open  map[blockKey]int // client block index of every open block
	order []blockKey       // open blocks in start order
	next  int
}

// blockKey identifies a content block by its canonical index and kind.
type blockKey struct {
	src  int
	kind canonical.EventType
}

type anthropicBlockEvent struct {
	Type         string               `json:"type"`
	Index        int                  `json:"index"`
	ContentBlock any                  `json:"content_block,omitempty"`
	Delta        *wire.AnthropicDelta `json:"delta,omitempty"`
}

type anthropicMessageStart struct {
	Type    string                 `json:"type"`
	Message wire.AnthropicResponse `json:"message"`
}

type anthropicMessageDelta struct {
	Type  string              `json:"type"`
	Delta anthropicStopDelta  `json:"delta"`
	Usage wire.AnthropicUsage `json:"usage"`
}

type anthropicStopDelta struct {
	StopReason   string  `json:"stop_reason"`
	StopSequence *string `json:"stop_sequence"`
}

// Block starts carry their empty fields; clients append deltas to them.
type textStart struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type thinkingStart struct {
	Type      string `json:"type"`
	Thinking  string `json:"thinking"`
	Signature string `json:"signature"`
}

type typeOnly struct {
	Type string `json:"type"`
}

func (s *anthropicStream) Event(ev canonical.StreamEvent) error {
	if err := s.start(ev); err != nil {
		return err
	}

	switch ev.Type {
	case canonical.EventTextDelta:
		idx, err := s.block(ev, textStart{Type: "text"})
		if err != nil || ev.Text == "" {
			return err
		}
		return s.delta(idx, &wire.AnthropicDelta{Type: "text_delta", Text: ev.Text})

	case canonical.EventThinkingDelta:
		idx, err := s.block(ev, thinkingStart{Type: "thinking"})
		if err != nil {
			return err
		}
		if ev.Text != "" {
			if err := s.delta(idx, &wire.AnthropicDelta{Type: "thinking_delta", Thinking: ev.Text}); err != nil {
				return err
			}
		}
		if ev.Signature != "" {
			return s.delta(idx, &wire.AnthropicDelta{Type: "signature_delta", Signature: ev.Signature})
		}
		return nil

	case canonical.EventToolCallDelta:
		start := &wire.AnthropicBlock{Type: "tool_use", ID: ev.ToolCallID, Name: ev.ToolName, Input: json.RawMessage("{}")}
		idx, err := s.block(ev, start)
		if err != nil || ev.Arguments == "" {
			return err
		}
		return s.delta(idx, &wire.AnthropicDelta{Type: "input_json_delta", PartialJSON: ev.Arguments})

	case canonical.EventUsage:
		s.usage = s.usage.Merge(ev.Usage)
		return nil

	case canonical.EventStop:
		return s.stop(ev)

	case canonical.EventError:
		return s.Fail(Classify(ev.Err))
	}

	return nil
}

// start writes message_start before the first frame. Usage events that
// arrive first contribute their input token count.
func (s *anthropicStream) start(ev canonical.StreamEvent) error {
	if s.started {
		return nil
	}
	s.started = true
	if ev.Type == canonical.EventUsage {
		s.usage = s.usage.Merge(ev.Usage)
	}

	return s.w.WriteEvent("message_start", anthropicMessageStart{
		Type: "message_start",
		Message: wire.AnthropicResponse{
			ID:      s.id,
			Type:    "message",
			Role:    "assistant",
			Model:   s.model,
			Content: []wire.AnthropicBlock{},
			Usage:   wire.AnthropicUsage{InputTokens: s.usage.InputTokens, CacheReadInputTokens: s.usage.CacheReadTokens},
		},
	})
}

// block returns the client index of ev's block, starting it if needed.
// Starting a block ends any open text or thinking block. Tool call blocks
// stay open until the message ends, since upstreams interleave the argument
// fragments of parallel calls.
func (s *anthropicStream) block(ev canonical.StreamEvent, start any) (int, error) {
	key := blockKey{src: ev.Index, kind: ev.Type}
	if idx, ok := s.open[key]; ok {
		return idx, nil
	}
	if err := s.closeBlocks(func(k blockKey) bool { return k.kind != canonical.EventToolCallDelta }); err != nil {
		return 0, err
	}

	idx := s.next
	s.next++
	s.open[key] = idx
	s.order = append(s.order, key)

	return idx, s.w.WriteEvent("content_block_start", anthropicBlockEvent{
		Type:         "content_block_start",
		Index:        idx,
		ContentBlock: start,
	})
}

func (s *anthropicStream) delta(idx int, d *wire.AnthropicDelta) error {
	return s.w.WriteEvent("content_block_delta", anthropicBlockEvent{
		Type:  "content_block_delta",
		Index: idx,
		Delta: d,
	})
}

// closeBlocks ends the open blocks matching fn, in start order.
func (s *anthropicStream) closeBlocks(fn func(blockKey) bool) error {
	kept := s.order[:0]
	for i, k := range s.order {
		if !fn(k) {
			kept = append(kept, k)
			continue
		}
		idx := s.open[k]
		delete(s.open, k)
		if err := s.w.WriteEvent("content_block_stop", anthropicBlockEvent{Type: "content_block_stop", Index: idx}); err != nil {
			s.order = append(kept, s.order[i+1:]...)
			return err
		}
	}
	s.order = kept
	return nil
}

func (s *anthropicStream) stop(ev canonical.StreamEvent) error {
	if err := s.closeBlocks(func(blockKey) bool { return true }); err != nil {
		return err
	}
	s.usage = s.usage.Merge(ev.Usage)

	reason := ev.StopReason
	if reason == "" {
		reason = canonical.StopEndTurn
	}
	delta := anthropicStopDelta{StopReason: string(reason)}
	if ev.StopSeq != "" {
		delta.StopSequence = strPtr(ev.StopSeq)
	}

	if err := s.w.WriteEvent("message_delta", anthropicMessageDelta{
		Type:  "message_delta",
		Delta: delta,
		Usage: anthropicUsage(s.usage),
	}); err != nil {
		return err
	}
	return s.w.WriteEvent("message_stop", typeOnly{Type: "message_stop"})
}

func (s *anthropicStream) Fail(ce ClientError) error {
	return s.w.WriteEvent("error", ErrorEnvelope(ClientAnthropic, ce))
}
