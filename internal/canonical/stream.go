package canonical

import (
	"errors"
	"io"
	"strings"
)

// ErrIncompleteStream reports an upstream stream that closed without a stop
// event.
var ErrIncompleteStream = errors.New("upstream stream ended without a stop event")

// EventType discriminates stream events.
type EventType string

const (
	EventTextDelta     EventType = "text_delta"
	EventThinkingDelta EventType = "thinking_delta"
	EventToolCallDelta EventType = "tool_call_delta"
	EventUsage         EventType = "usage"
	EventStop          EventType = "stop"
	EventError         EventType = "error"
)

// StreamEvent is one incremental piece of a streamed response.
//
// Index identifies the content block the delta belongs to, in upstream
// emission order. Tool call deltas carry ToolCallID and ToolName on the
// first fragment of a call only.
type StreamEvent struct {
	Seq  int
	Type EventType

	Index int
	Text  string

	ToolCallID string
	ToolName   string
	Arguments  string

	Signature string

	Usage      Usage
	StopReason StopReason
	StopSeq    string

	Err error
}

// Terminal reports whether no events may follow e.
func (e StreamEvent) Terminal() bool {
	return e.Type == EventStop || e.Type == EventError
}

// EventStream is a finite, non-restartable, pull-based sequence of events.
// Next returns io.EOF once the upstream finished cleanly; Close releases the
// underlying connection and may be called at any time.
type EventStream interface {
	Next() (StreamEvent, error)
	Close() error
}

// SliceStream replays a fixed list of events, mostly for tests and for
// turning a non-streaming response into a stream.
type SliceStream struct {
	events []StreamEvent
	err    error
	pos    int
	closed bool
}

// NewSliceStream returns a stream yielding events, then err (io.EOF when nil).
func NewSliceStream(events []StreamEvent, err error) *SliceStream {
	return &SliceStream{events: events, err: err}
}

func (s *SliceStream) Next() (StreamEvent, error) {
	if s.closed {
		return StreamEvent{}, io.ErrClosedPipe
	}
	if s.pos < len(s.events) {
		ev := s.events[s.pos]
		s.pos++
		return ev, nil
	}
	if s.err != nil {
		return StreamEvent{}, s.err
	}
	return StreamEvent{}, io.EOF
}

func (s *SliceStream) Close() error {
	s.closed = true
	return nil
}

// Closed reports whether Close was called.
func (s *SliceStream) Closed() bool { return s.closed }

// Collect drains a stream into a Response. It is used when a provider can
// only stream but the client asked for a single JSON body.
func Collect(stream EventStream) (*Response, error) {
	defer stream.Close()

	resp := &Response{StopReason: StopEndTurn}
	blocks := map[int]*Part{}
	var order []int
	var args = map[int]*strings.Builder{}

	block := func(idx int, t PartType) *Part {
		if p, ok := blocks[idx]; ok {
			return p
		}
		p := &Part{Type: t}
		blocks[idx] = p
		order = append(order, idx)
		return p
	}

	for {
		ev, err := stream.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}

		switch ev.Type {
		case EventTextDelta:
			p := block(ev.Index, PartText)
			p.Text += ev.Text
		case EventThinkingDelta:
			p := block(ev.Index, PartThinking)
			p.Text += ev.Text
			if ev.Signature != "" {
				p.Signature = ev.Signature
			}
		case EventToolCallDelta:
			p := block(ev.Index, PartToolUse)
			if ev.ToolCallID != "" {
				p.ToolCallID = ev.ToolCallID
			}
			if ev.ToolName != "" {
				p.ToolName = ev.ToolName
			}
			if args[ev.Index] == nil {
				args[ev.Index] = &strings.Builder{}
			}
			args[ev.Index].WriteString(ev.Arguments)
		case EventUsage:
			resp.Usage = resp.Usage.Merge(ev.Usage)
		case EventStop:
			resp.Usage = resp.Usage.Merge(ev.Usage)
			if ev.StopReason != "" {
				resp.StopReason = ev.StopReason
			}
			resp.StopSeq = ev.StopSeq
		case EventError:
			return nil, ev.Err
		}
	}

	for _, idx := range order {
		p := blocks[idx]
		if p.Type == PartToolUse {
			raw := "{}"
			if b := args[idx]; b != nil && strings.TrimSpace(b.String()) != "" {
				raw = b.String()
			}
			p.Input = []byte(raw)
		}
		resp.Parts = append(resp.Parts, *p)
	}
	return resp, nil
}

// ResponseEvents expands a complete response into the events a stream would
// have produced, ending with a stop event.
func ResponseEvents(resp *Response) []StreamEvent {
	events := make([]StreamEvent, 0, len(resp.Parts)+1)
	for i, p := range resp.Parts {
		switch p.Type {
		case PartText:
			events = append(events, StreamEvent{Type: EventTextDelta, Index: i, Text: p.Text})
		case PartThinking:
			events = append(events, StreamEvent{Type: EventThinkingDelta, Index: i, Text: p.Text, Signature: p.Signature})
		case PartToolUse:
			args := string(p.Input)
			if args == "" {
				args = "{}"
			}
			events = append(events, StreamEvent{
				Type:       EventToolCallDelta,
				Index:      i,
				ToolCallID: p.ToolCallID,
				ToolName:   p.ToolName,
				Arguments:  args,
			})
		}
	}
	stop := resp.StopReason
	if stop == "" {
		stop = StopEndTurn
	}
	return append(events, StreamEvent{Type: EventStop, StopReason: stop, StopSeq: resp.StopSeq, Usage: resp.Usage})
}
