package providers

import (
	"net/http"

	"github.com/Davincible/claude-code-mux/internal/canonical"
	"github.com/Davincible/claude-code-mux/internal/wire"
)

// nvidiaDialect adapts chat requests for NVIDIA NIM, which rejects
// stream_options and the reasoning_effort field, and has no tool_choice
// "required".
type nvidiaDialect struct{}

func (nvidiaDialect) Prepare(out *wire.ChatRequest, _ *canonical.Request, _ http.Header) {
	out.StreamOptions = nil
	out.ReasoningEffort = ""

	if len(out.Tools) == 0 || string(out.ToolChoice) == `"required"` {
		out.ToolChoice = nil
	}
}
