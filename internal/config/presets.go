package config

import (
	"strings"

	"github.com/Davincible/claude-code-mux/internal/providers"
	"github.com/Davincible/claude-code-mux/internal/routing"
)

// Preset is what a provider type implies when the config leaves it out.
type Preset struct {
	URL     string
	Format  routing.WireFormat
	Dialect string
	Models  []string
}

var Presets = map[string]Preset{
	"openai": {
		URL: "https://api.openai.com/v1", Format: routing.FormatOpenAI, Dialect: providers.DialectOpenAI,
		Models: []string{"gpt-5", "gpt-5-codex", "gpt-4.1", "gpt-4o", "gpt-4o-mini", "o3", "o4-mini"},
	},
	"anthropic": {
		URL: "https://api.anthropic.com", Format: routing.FormatAnthropic,
		Models: []string{"claude-sonnet-4-20250514", "claude-opus-4-1-20250805", "claude-3-5-haiku-20241022"},
	},
	"openrouter": {
		URL: "https://openrouter.ai/api/v1", Format: routing.FormatOpenAI, Dialect: providers.DialectOpenRouter,
		Models: []string{
			"anthropic/claude-sonnet-4",
			"anthropic/claude-opus-4.1",
			"openai/gpt-5",
			"google/gemini-2.5-pro",
			"deepseek/deepseek-chat-v3.1",
		},
	},
	"nvidia": {
		URL: "https://integrate.api.nvidia.com/v1", Format: routing.FormatOpenAI, Dialect: providers.DialectNvidia,
		Models: []string{"nvidia/llama-3.3-nemotron-super-49b-v1.5", "qwen/qwen3-coder-480b-a35b-instruct"},
	},
	"gemini": {
		URL: "https://generativelanguage.googleapis.com", Format: routing.FormatGemini,
		Models: []string{"gemini-2.5-pro", "gemini-2.5-flash", "gemini-2.5-flash-lite"},
	},
	"groq": {
		URL: "https://api.groq.com/openai/v1", Format: routing.FormatOpenAI, Dialect: providers.DialectGeneric,
		Models: []string{"moonshotai/kimi-k2-instruct", "openai/gpt-oss-120b"},
	},
	"together": {
		URL: "https://api.together.xyz/v1", Format: routing.FormatOpenAI, Dialect: providers.DialectGeneric,
		Models: []string{"Qwen/Qwen3-Coder-480B-A35B-Instruct-FP8", "deepseek-ai/DeepSeek-V3.1"},
	},
	"deepinfra": {
		URL: "https://api.deepinfra.com/v1/openai", Format: routing.FormatOpenAI, Dialect: providers.DialectGeneric,
		Models: []string{"Qwen/Qwen3-Coder-480B-A35B-Instruct", "zai-org/GLM-4.5"},
	},
	"fireworks": {
		URL: "https://api.fireworks.ai/inference/v1", Format: routing.FormatOpenAI, Dialect: providers.DialectGeneric,
		Models: []string{"accounts/fireworks/models/kimi-k2-instruct"},
	},
	"cerebras": {
		URL: "https://api.cerebras.ai/v1", Format: routing.FormatOpenAI, Dialect: providers.DialectGeneric,
		Models: []string{"qwen-3-coder-480b", "gpt-oss-120b"},
	},
	"moonshot": {
		URL: "https://api.moonshot.ai/v1", Format: routing.FormatOpenAI, Dialect: providers.DialectGeneric,
		Models: []string{"kimi-k2-0905-preview"},
	},
	"zai": {
		URL: "https://api.z.ai/api/anthropic", Format: routing.FormatAnthropic,
		Models: []string{"glm-4.6", "glm-4.5-air"},
	},
	"minimax": {
		URL: "https://api.minimax.io/anthropic", Format: routing.FormatAnthropic,
		Models: []string{"MiniMax-M2"},
	},
	"ollama": {
		URL: "http://localhost:11434/v1", Format: routing.FormatOpenAI, Dialect: providers.DialectGeneric,
		Models: []string{"qwen3-coder:30b"},
	},
	"lmstudio": {
		URL: "http://localhost:1234/v1", Format: routing.FormatOpenAI, Dialect: providers.DialectGeneric,
		Models: []string{"qwen/qwen3-coder-30b"},
	},
}

// DefaultProviderURLs and DefaultProviderModels are flat views of Presets.
var (
	DefaultProviderURLs   = make(map[string]string, len(Presets))
	DefaultProviderModels = make(map[string][]string, len(Presets))
)

func init() {
	for name, p := range Presets {
		DefaultProviderURLs[name] = p.URL
		DefaultProviderModels[name] = p.Models
	}
}

// preset returns the preset for a provider: by type first, then by name.
func (p *Provider) preset() (Preset, bool) {
	for _, key := range []string{p.Type, p.Name} {
		key = strings.ToLower(strings.TrimSpace(key))
		if key == "z.ai" {
			key = "zai"
		}
		if pr, ok := Presets[key]; ok && key != "" {
			return pr, true
		}
	}
	return Preset{}, false
}

// IsModelAllowed reports whether a model passes the whitelist. An empty
// whitelist allows everything; entries match as substrings.
func (p *Provider) IsModelAllowed(model string) bool {
	if len(p.ModelWhitelist) == 0 {
		return true
	}
	for _, w := range p.ModelWhitelist {
		if strings.Contains(model, w) {
			return true
		}
	}
	return false
}

// GetAllowedModels filters DefaultModels through the whitelist.
func (p *Provider) GetAllowedModels() []string {
	if len(p.ModelWhitelist) == 0 {
		return p.DefaultModels
	}
	var allowed []string
	for _, m := range p.DefaultModels {
		if p.IsModelAllowed(m) {
			allowed = append(allowed, m)
		}
	}
	return allowed
}
