package providers

import (
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"

	"github.com/Davincible/claude-code-mux/internal/canonical"
	"github.com/Davincible/claude-code-mux/internal/routing"
)

// Adapter translates between the canonical model and one provider wire
// format. Adapters are stateless and safe for concurrent use; per-stream
// state lives in the EventStream returned by DecodeStream.
type Adapter interface {
	Format() routing.WireFormat
	Encode(req *canonical.Request, target routing.Target) (*NativeRequest, error)
	Authorize(h http.Header, credential string)
	Decode(body []byte) (*canonical.Response, error)
	DecodeStream(body io.ReadCloser) canonical.EventStream
}

// NativeRequest is a provider-ready HTTP request.
type NativeRequest struct {
	Method string
	URL    string
	Header http.Header
	Body   []byte
	Stream bool
}

// defaultResponsesModels selects the Responses endpoint for OpenAI providers
// that do not configure their own patterns.
var defaultResponsesModels = regexp.MustCompile(`(?i)codex`)

// Registry maps wire formats to adapters.
type Registry struct {
	adapters map[routing.WireFormat]Adapter
}

func NewRegistry() *Registry {
	return &Registry{
		adapters: make(map[routing.WireFormat]Adapter),
	}
}

// Register adds an adapter, replacing any adapter for the same format.
func (r *Registry) Register(adapter Adapter) {
	r.adapters[adapter.Format()] = adapter
}

// Get retrieves the adapter for a format.
func (r *Registry) Get(format routing.WireFormat) (Adapter, bool) {
	adapter, exists := r.adapters[format]
	return adapter, exists
}

// ForTarget returns the adapter that must serve target. OpenAI providers
// switch to the Responses adapter for models of the Responses family.
func (r *Registry) ForTarget(target routing.Target) (Adapter, error) {
	p := target.Provider
	if p == nil {
		return nil, fmt.Errorf("target has no provider")
	}

	format := p.Format
	if format == routing.FormatOpenAI && r.usesResponses(p, target.Model) {
		format = routing.FormatOpenAIResponses
	}

	adapter, ok := r.Get(format)
	if !ok {
		return nil, fmt.Errorf("no adapter registered for format %q", format)
	}
	return adapter, nil
}

func (r *Registry) usesResponses(p *routing.ProviderDefinition, model string) bool {
	if len(p.ResponsesModels) > 0 {
		return p.UsesResponses(model)
	}
	return defaultResponsesModels.MatchString(model)
}

// Initialize registers all built-in adapters.
func (r *Registry) Initialize() {
	r.Register(NewAnthropicAdapter())
	r.Register(NewChatAdapter())
	r.Register(NewResponsesAdapter())
	r.Register(NewGeminiAdapter())
}

// DomainDefaults is the wire format and dialect implied by a well-known
// API host.
type DomainDefaults struct {
	Format  routing.WireFormat
	Dialect string
}

var domainDefaults = map[string]DomainDefaults{
	"openrouter.ai":                     {routing.FormatOpenAI, DialectOpenRouter},
	"api.openrouter.ai":                 {routing.FormatOpenAI, DialectOpenRouter},
	"api.openai.com":                    {routing.FormatOpenAI, DialectOpenAI},
	"openai.com":                        {routing.FormatOpenAI, DialectOpenAI},
	"api.anthropic.com":                 {routing.FormatAnthropic, ""},
	"anthropic.com":                     {routing.FormatAnthropic, ""},
	"integrate.api.nvidia.com":          {routing.FormatOpenAI, DialectNvidia},
	"api.nvidia.com":                    {routing.FormatOpenAI, DialectNvidia},
	"generativelanguage.googleapis.com": {routing.FormatGemini, ""},
	"googleapis.com":                    {routing.FormatGemini, ""},
}

// DetectByDomain infers format and dialect from an API base URL.
func DetectByDomain(apiBase string) (DomainDefaults, error) {
	u, err := url.Parse(apiBase)
	if err != nil {
		return DomainDefaults{}, fmt.Errorf("invalid API base URL: %w", err)
	}

	domain := strings.ToLower(u.Hostname())
	if d, exists := domainDefaults[domain]; exists {
		return d, nil
	}

	return DomainDefaults{}, fmt.Errorf("no provider found for domain: %s", domain)
}
