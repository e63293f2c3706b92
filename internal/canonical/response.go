package canonical

// StopReason is why generation ended, in canonical (Anthropic-like) terms.
type StopReason string

const (
	StopEndTurn       StopReason = "end_turn"
	StopMaxTokens     StopReason = "max_tokens"
	StopToolUse       StopReason = "tool_use"
	StopSequence      StopReason = "stop_sequence"
	StopRefusal       StopReason = "refusal"
	StopPauseTurn     StopReason = "pause_turn"
	StopContentFilter StopReason = "content_filter"
)

// Usage counts tokens for one response.
type Usage struct {
	InputTokens         int
	OutputTokens        int
	CacheReadTokens     int
	CacheCreationTokens int
	ReasoningTokens     int
}

// Merge overlays the non-zero fields of o onto u.
func (u Usage) Merge(o Usage) Usage {
	if o.InputTokens > 0 {
		u.InputTokens = o.InputTokens
	}
	if o.OutputTokens > 0 {
		u.OutputTokens = o.OutputTokens
	}
	if o.CacheReadTokens > 0 {
		u.CacheReadTokens = o.CacheReadTokens
	}
	if o.CacheCreationTokens > 0 {
		u.CacheCreationTokens = o.CacheCreationTokens
	}
	if o.ReasoningTokens > 0 {
		u.ReasoningTokens = o.ReasoningTokens
	}
	return u
}

// Response is a complete, non-streaming model response.
type Response struct {
	ID         string
	Model      string
	Parts      []Part
	StopReason StopReason
	StopSeq    string
	Usage      Usage
}

// Text concatenates the text parts of the response.
func (r *Response) Text() string {
	return Message{Role: RoleAssistant, Parts: r.Parts}.Text()
}
