package format

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/Davincible/claude-code-mux/internal/canonical"
)

// Renderer writes responses in one client protocol.
type Renderer interface {
	Format() ClientFormat

	// WriteResponse writes a complete JSON response.
	WriteResponse(w http.ResponseWriter, resp *canonical.Response) error

	// NewStream starts rendering a stream onto w.
	NewStream(w io.Writer) StreamRenderer
}

// StreamRenderer turns canonical events into client stream frames. Frames
// are flushed as soon as they are written.
type StreamRenderer interface {
	// Event renders one event. A stop event also writes the protocol's
	// closing frames.
	Event(ev canonical.StreamEvent) error

	// Fail writes a terminal error frame after the stream has started.
	Fail(ce ClientError) error
}

// NewRenderer returns the renderer for f. Responses report model, the name
// the client asked for.
func NewRenderer(f ClientFormat, model string) Renderer {
	if f == ClientOpenAIChat {
		return &chatRenderer{model: model}
	}
	return &anthropicRenderer{model: model}
}

func writeJSON(w http.ResponseWriter, status int, v any) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	return json.NewEncoder(w).Encode(v)
}

func strPtr(s string) *string { return &s }
