// Package tokens estimates prompt sizes for routing and the count_tokens
// endpoint.
package tokens

import (
	"log/slog"
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"github.com/Davincible/claude-code-mux/internal/canonical"
)

const (
	EncodingCL100k = "cl100k_base"
	EncodingO200k  = "o200k_base"

	// charsPerToken is the fallback ratio when no encoding can be loaded.
	charsPerToken = 4

	messageOverhead = 3
	toolOverhead    = 10
	imageTokens     = 1600
)

// EncodingFor picks the BPE encoding closest to the model family.
func EncodingFor(model string) string {
	m := strings.ToLower(model)
	if _, rest, ok := strings.Cut(m, "/"); ok {
		m = rest
	}
	switch {
	case strings.HasPrefix(m, "gpt-4o"), strings.HasPrefix(m, "gpt-4.1"), strings.HasPrefix(m, "gpt-5"),
		strings.HasPrefix(m, "o1"), strings.HasPrefix(m, "o3"), strings.HasPrefix(m, "o4"),
		strings.Contains(m, "codex"):
		return EncodingO200k
	}
	return EncodingCL100k
}

type encoder interface {
	Encode(text string, allowedSpecial []string, disallowedSpecial []string) []int
}

// Counter counts tokens with tiktoken. Encodings load lazily; an encoding
// that fails to load (the BPE files are fetched on first use) degrades to a
// characters/4 estimate instead of failing the request.
type Counter struct {
	logger *slog.Logger
	load   func(name string) (encoder, error)

	mu       sync.Mutex
	encoders map[string]encoder
	failed   map[string]bool
}

func NewCounter(logger *slog.Logger) *Counter {
	return &Counter{
		logger: logger,
		load: func(name string) (encoder, error) {
			return tiktoken.GetEncoding(name)
		},
		encoders: make(map[string]encoder),
		failed:   make(map[string]bool),
	}
}

// Heuristic returns a Counter that never loads an encoding.
func Heuristic() *Counter {
	c := NewCounter(slog.Default())
	c.load = nil
	return c
}

func (c *Counter) encoder(name string) encoder {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.encoders[name]; ok {
		return e
	}
	if c.load == nil || c.failed[name] {
		return nil
	}

	e, err := c.load(name)
	if err != nil {
		c.failed[name] = true
		c.logger.Warn("Failed to load tiktoken encoding, using estimate", "encoding", name, "error", err)
		return nil
	}
	c.encoders[name] = e
	return e
}

// Text counts the tokens of text for model.
func (c *Counter) Text(model, text string) int {
	if text == "" {
		return 0
	}
	if e := c.encoder(EncodingFor(model)); e != nil {
		return len(e.Encode(text, nil, nil))
	}
	return estimate(text)
}

func estimate(text string) int {
	n := (len(text) + charsPerToken - 1) / charsPerToken
	if n < 1 {
		n = 1
	}
	return n
}

// Request counts the prompt tokens of a canonical request: system prompt,
// every message part and the tool definitions, plus formatting overhead.
func (c *Counter) Request(req *canonical.Request) int {
	model := req.Model
	total := c.Text(model, req.System)

	for _, m := range req.Messages {
		total += messageOverhead + c.parts(model, m.Parts)
	}

	for _, t := range req.Tools {
		total += toolOverhead + c.Text(model, t.Name) + c.Text(model, t.Description) + c.Text(model, string(t.Schema))
	}

	return total
}

func (c *Counter) parts(model string, parts []canonical.Part) int {
	n := 0
	for _, p := range parts {
		switch p.Type {
		case canonical.PartText, canonical.PartThinking:
			n += c.Text(model, p.Text)
		case canonical.PartImage:
			n += imageTokens
		case canonical.PartToolUse:
			n += c.Text(model, p.ToolName) + c.Text(model, string(p.Input))
		case canonical.PartToolResult:
			n += c.parts(model, p.Result)
		}
	}
	return n
}
