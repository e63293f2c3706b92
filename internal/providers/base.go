package providers

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/Davincible/claude-code-mux/internal/canonical"
	"github.com/Davincible/claude-code-mux/internal/sse"
)

const (
	RoleAssistant = "assistant"
	RoleUser      = "user"
	RoleSystem    = "system"
	RoleTool      = "tool"

	ContentTypeJSON = "application/json"
)

var emptySchema = json.RawMessage(`{"type":"object","properties":{}}`)

// joinEndpoint appends path to base unless base already ends with it. A base
// without a version segment gets versionPrefix inserted first.
func joinEndpoint(base, versionPrefix, path string) string {
	base = strings.TrimRight(base, "/")
	if strings.HasSuffix(base, path) {
		return base
	}
	if versionPrefix != "" && !strings.HasSuffix(base, versionPrefix) && !strings.Contains(base, versionPrefix+"/") {
		base += versionPrefix
	}
	return base + path
}

func jsonHeader(stream bool) http.Header {
	h := make(http.Header)
	h.Set("Content-Type", ContentTypeJSON)
	if stream {
		h.Set("Accept", sse.ContentType)
	} else {
		h.Set("Accept", ContentTypeJSON)
	}
	return h
}

func applyHeaders(h http.Header, extra map[string]string) {
	for k, v := range extra {
		h.Set(k, v)
	}
}

// RemoveFieldsRecursively removes specified fields from nested JSON structures
func RemoveFieldsRecursively(data any, fieldsToRemove []string) any {
	switch v := data.(type) {
	case map[string]any:
		result := make(map[string]any, len(v))

		for key, value := range v {
			shouldRemove := false

			for _, field := range fieldsToRemove {
				if key == field {
					shouldRemove = true
					break
				}
			}

			if !shouldRemove {
				result[key] = RemoveFieldsRecursively(value, fieldsToRemove)
			}
		}

		return result
	case []any:
		result := make([]any, len(v))
		for i, item := range v {
			result[i] = RemoveFieldsRecursively(item, fieldsToRemove)
		}

		return result
	default:
		return v
	}
}

// cleanSchema strips keywords a provider rejects from a JSON schema.
func cleanSchema(schema json.RawMessage, fields []string) json.RawMessage {
	if len(bytes.TrimSpace(schema)) == 0 {
		return emptySchema
	}

	var decoded any
	if err := json.Unmarshal(schema, &decoded); err != nil {
		return schema
	}

	out, err := json.Marshal(RemoveFieldsRecursively(decoded, fields))
	if err != nil {
		return schema
	}
	return out
}

func schemaOrEmpty(schema []byte) json.RawMessage {
	if len(bytes.TrimSpace(schema)) == 0 {
		return emptySchema
	}
	return schema
}

// toolInput returns tool call arguments as a JSON object, "{}" when empty.
func toolInput(args string) (json.RawMessage, error) {
	args = strings.TrimSpace(args)
	if args == "" {
		return json.RawMessage("{}"), nil
	}
	if !json.Valid([]byte(args)) {
		return nil, fmt.Errorf("%w: tool arguments are not valid JSON", ErrMalformedUpstream)
	}
	return json.RawMessage(args), nil
}

func inputOrEmpty(input []byte) string {
	if len(bytes.TrimSpace(input)) == 0 {
		return "{}"
	}
	return string(input)
}

// toolResultText flattens the text of a tool result.
func toolResultText(p canonical.Part) string {
	var sb strings.Builder
	for _, r := range p.Result {
		if r.Type == canonical.PartText {
			if sb.Len() > 0 {
				sb.WriteString("\n")
			}
			sb.WriteString(r.Text)
		}
	}
	return sb.String()
}

func dataURL(p canonical.Part) string {
	if p.URL != "" {
		return p.URL
	}
	return "data:" + p.MediaType + ";base64," + p.Data
}

// SplitDataURL parses a base64 data URL into its media type and payload.
func SplitDataURL(u string) (mediaType, data string, ok bool) {
	rest, found := strings.CutPrefix(u, "data:")
	if !found {
		return "", "", false
	}
	meta, payload, found := strings.Cut(rest, ",")
	if !found {
		return "", "", false
	}
	mediaType, _, _ = strings.Cut(meta, ";")
	return mediaType, payload, true
}

// effortForBudget maps a thinking budget to a reasoning effort level.
func effortForBudget(t *canonical.Thinking) string {
	if t == nil || !t.Enabled {
		return ""
	}
	if t.Effort != "" {
		return t.Effort
	}
	switch {
	case t.BudgetTokens == 0:
		return "medium"
	case t.BudgetTokens <= 4096:
		return "low"
	case t.BudgetTokens <= 16384:
		return "medium"
	}
	return "high"
}

// budgetForEffort maps a reasoning effort level to a thinking budget.
func budgetForEffort(t *canonical.Thinking) int {
	if t == nil || !t.Enabled {
		return 0
	}
	if t.BudgetTokens > 0 {
		return t.BudgetTokens
	}
	switch t.Effort {
	case "minimal", "low":
		return 2048
	case "high":
		return 24576
	}
	return 8192
}

// NewID returns a random id with the given prefix, in the style of the
// Anthropic and OpenAI ids.
func NewID(prefix string) string {
	return prefix + strings.ReplaceAll(uuid.NewString(), "-", "")[:24]
}

// eventDecoder turns one upstream SSE event into canonical events. finish is
// called once at upstream EOF and must either return a terminal event or an
// error.
type eventDecoder interface {
	decode(ev sse.Event) ([]canonical.StreamEvent, error)
	finish() ([]canonical.StreamEvent, error)
}

// sseStream adapts an upstream SSE body to canonical.EventStream.
type sseStream struct {
	body    io.ReadCloser
	reader  *sse.Reader
	dec     eventDecoder
	pending []canonical.StreamEvent
	ended   bool
	once    sync.Once
}

func newSSEStream(body io.ReadCloser, dec eventDecoder) *sseStream {
	return &sseStream{body: body, reader: sse.NewReader(body), dec: dec}
}

func (s *sseStream) Next() (canonical.StreamEvent, error) {
	for len(s.pending) == 0 {
		if s.ended {
			return canonical.StreamEvent{}, io.EOF
		}

		ev, err := s.reader.Next()
		switch {
		case errors.Is(err, io.EOF):
			s.ended = true
			events, ferr := s.dec.finish()
			if ferr != nil {
				return canonical.StreamEvent{}, ferr
			}
			s.pending = events
		case err != nil:
			return canonical.StreamEvent{}, err
		default:
			events, derr := s.dec.decode(ev)
			if derr != nil {
				return canonical.StreamEvent{}, derr
			}
			s.pending = events
		}
	}

	ev := s.pending[0]
	s.pending = s.pending[1:]
	if ev.Terminal() {
		s.ended = true
		s.pending = nil
	}
	return ev, nil
}

func (s *sseStream) Close() error {
	var err error
	s.once.Do(func() { err = s.body.Close() })
	return err
}

var errTruncatedStream = fmt.Errorf("%w: stream ended before completion", io.ErrUnexpectedEOF)

// blockIndex assigns canonical block indices for formats that interleave
// text, reasoning and tool calls without explicit block boundaries.
type blockIndex struct {
	next  int
	kind  canonical.PartType
	cur   int
	tools map[int]int
}

// open returns the index of the current text or thinking block, starting a
// new block when the kind changes.
func (b *blockIndex) open(kind canonical.PartType) int {
	if b.kind != kind {
		b.kind = kind
		b.cur = b.next
		b.next++
	}
	return b.cur
}

// tool returns the block index for the upstream tool call key and whether
// the call is new.
func (b *blockIndex) tool(key int) (int, bool) {
	if b.tools == nil {
		b.tools = make(map[int]int)
	}
	if idx, ok := b.tools[key]; ok {
		return idx, false
	}
	idx := b.next
	b.next++
	b.tools[key] = idx
	b.kind = canonical.PartToolUse
	return idx, true
}
