package providers

import (
	"net/http"
	"strings"

	"github.com/Davincible/claude-code-mux/internal/canonical"
	"github.com/Davincible/claude-code-mux/internal/wire"
)

const (
	openRouterOnlineSuffix = ":online"
	openRouterReferer      = "https://github.com/Davincible/claude-code-mux"
	openRouterTitle        = "claude-code-mux"
)

// OpenRouterDialect applies OpenRouter's extensions to chat requests: the
// :online model suffix for web search, the unified reasoning object, usage
// accounting and attribution headers.
type OpenRouterDialect struct{}

func NewOpenRouterDialect() *OpenRouterDialect {
	return &OpenRouterDialect{}
}

func (OpenRouterDialect) Prepare(out *wire.ChatRequest, req *canonical.Request, h http.Header) {
	if req.Mode == canonical.ModeWebSearch || req.WantsWebSearch() {
		out.Model = OnlineModel(out.Model)
	}

	if req.Thinking != nil && req.Thinking.Enabled {
		out.ReasoningEffort = ""
		if req.Thinking.BudgetTokens > 0 {
			out.Reasoning = &wire.ChatReasoning{MaxTokens: req.Thinking.BudgetTokens}
		} else {
			out.Reasoning = &wire.ChatReasoning{Effort: effortForBudget(req.Thinking)}
		}
	}

	out.Usage = &wire.ChatUsageOpts{Include: true}

	h.Set("HTTP-Referer", openRouterReferer)
	h.Set("X-Title", openRouterTitle)
}

// OnlineModel appends OpenRouter's web search suffix once.
func OnlineModel(model string) string {
	if strings.HasSuffix(model, openRouterOnlineSuffix) {
		return model
	}
	return model + openRouterOnlineSuffix
}
