package format

import (
	"net/http"
	"strings"

	"github.com/Davincible/claude-code-mux/internal/canonical"
)

// ModeHeader lets a client pin the routing mode explicitly.
const ModeHeader = "X-Route-Mode"

// ModeOptions tunes DetectMode.
type ModeOptions struct {
	// LongContextThreshold switches to ModeLongContext once the estimated
	// prompt size exceeds it. Zero disables the check.
	LongContextThreshold int

	// BackgroundModels are model name fragments treated as background work.
	BackgroundModels []string

	// Estimate returns the prompt token count. Nil disables the long
	// context check.
	Estimate func(*canonical.Request) int
}

// DefaultBackgroundModels match the small models clients use for titles and
// summaries.
var DefaultBackgroundModels = []string{"haiku"}

// DetectMode derives the routing mode of a request. An explicit, valid
// header wins; otherwise long context, background, thinking and web search
// are checked in that order.
func DetectMode(h http.Header, req *canonical.Request, opts ModeOptions) canonical.Mode {
	if v := h.Get(ModeHeader); v != "" {
		if m, ok := canonical.ParseMode(v); ok {
			return m
		}
	}

	if opts.LongContextThreshold > 0 && opts.Estimate != nil {
		if opts.Estimate(req) > opts.LongContextThreshold {
			return canonical.ModeLongContext
		}
	}

	model := strings.ToLower(req.Model)
	for _, frag := range opts.BackgroundModels {
		if frag != "" && strings.Contains(model, strings.ToLower(frag)) {
			return canonical.ModeBackground
		}
	}

	if req.Thinking != nil && req.Thinking.Enabled {
		return canonical.ModeThink
	}

	if req.WantsWebSearch() {
		return canonical.ModeWebSearch
	}

	return canonical.ModeDefault
}
