// Package routing decides which upstream providers may serve a request.
//
// Routing state lives in an immutable Snapshot. Request handlers borrow one
// snapshot for their whole lifetime; reloads build a new snapshot and swap it
// into a Store atomically.
package routing

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/Davincible/claude-code-mux/internal/canonical"
)

// WireFormat is the closed set of upstream protocols the proxy speaks.
type WireFormat string

const (
	FormatAnthropic       WireFormat = "anthropic"
	FormatOpenAI          WireFormat = "openai"
	FormatOpenAIResponses WireFormat = "openai-responses"
	FormatGemini          WireFormat = "gemini"
)

// Valid reports whether f is one of the supported formats.
func (f WireFormat) Valid() bool {
	switch f {
	case FormatAnthropic, FormatOpenAI, FormatOpenAIResponses, FormatGemini:
		return true
	}
	return false
}

// AutoMapRule maps client model names matching Pattern to Target on one
// provider. An empty Target forwards the client model name unchanged.
type AutoMapRule struct {
	Pattern string
	Target  string
}

// ProviderDefinition describes one upstream provider. Values are never
// modified after being handed to NewSnapshot.
type ProviderDefinition struct {
	ID            string
	BaseURL       string
	Format        WireFormat
	Dialect       string
	CredentialRef string
	Priority      int
	ModelMap      map[string]string
	AutoMap       []AutoMapRule
	Headers       map[string]string
	Timeout       time.Duration
	Disabled      bool

	// ResponsesModels lists patterns of model names served by the Responses
	// endpoint of an OpenAI-format provider.
	ResponsesModels []string

	order      int
	autoMap    []compiledRule
	responsesR []*regexp.Regexp
}

type compiledRule struct {
	re     *regexp.Regexp
	target string
}

// UsesResponses reports whether model must be sent to the Responses endpoint
// according to this provider's configured patterns.
func (p *ProviderDefinition) UsesResponses(model string) bool {
	for _, re := range p.responsesR {
		if re.MatchString(model) {
			return true
		}
	}
	return false
}

// RoutingRule binds a mode to an ordered list of provider ids.
type RoutingRule struct {
	Mode      canonical.Mode
	Providers []string
}

// Snapshot is an immutable, internally consistent routing configuration.
type Snapshot struct {
	providers []*ProviderDefinition
	byID      map[string]*ProviderDefinition
	rules     map[canonical.Mode]RoutingRule
	createdAt time.Time
}

// NewSnapshot validates referential integrity and compiles patterns. Any
// problem yields an error wrapping ErrInvalidConfiguration.
func NewSnapshot(providers []ProviderDefinition, rules []RoutingRule) (*Snapshot, error) {
	s := &Snapshot{
		byID:      make(map[string]*ProviderDefinition, len(providers)),
		rules:     make(map[canonical.Mode]RoutingRule, len(rules)),
		createdAt: time.Now(),
	}

	var problems []string

	for i := range providers {
		p := providers[i]
		p.ModelMap = copyMap(p.ModelMap)
		p.Headers = copyMap(p.Headers)
		p.AutoMap = append([]AutoMapRule(nil), p.AutoMap...)
		p.ResponsesModels = append([]string(nil), p.ResponsesModels...)
		p.order = i

		id := strings.TrimSpace(p.ID)
		switch {
		case id == "":
			problems = append(problems, fmt.Sprintf("provider #%d: empty id", i))
			continue
		case s.byID[id] != nil:
			problems = append(problems, fmt.Sprintf("provider %q: duplicate id", id))
			continue
		}

		if !p.Format.Valid() {
			problems = append(problems, fmt.Sprintf("provider %q: unknown wire format %q", id, p.Format))
		}

		if p.BaseURL == "" {
			problems = append(problems, fmt.Sprintf("provider %q: empty base url", id))
		}

		for _, rule := range p.AutoMap {
			re, err := regexp.Compile(rule.Pattern)
			if err != nil {
				problems = append(problems, fmt.Sprintf("provider %q: auto-map pattern %q: %v", id, rule.Pattern, err))
				continue
			}
			p.autoMap = append(p.autoMap, compiledRule{re: re, target: rule.Target})
		}

		for _, pattern := range p.ResponsesModels {
			re, err := regexp.Compile(pattern)
			if err != nil {
				problems = append(problems, fmt.Sprintf("provider %q: responses pattern %q: %v", id, pattern, err))
				continue
			}
			p.responsesR = append(p.responsesR, re)
		}

		p.ID = id
		s.providers = append(s.providers, &p)
		s.byID[id] = &p
	}

	for _, rule := range rules {
		if _, dup := s.rules[rule.Mode]; dup {
			problems = append(problems, fmt.Sprintf("rule %q: declared twice", rule.Mode))
			continue
		}
		for _, ref := range rule.Providers {
			if s.byID[ref] == nil {
				problems = append(problems, fmt.Sprintf("rule %q: unknown provider %q", rule.Mode, ref))
			}
		}
		s.rules[rule.Mode] = RoutingRule{
			Mode:      rule.Mode,
			Providers: append([]string(nil), rule.Providers...),
		}
	}

	if len(problems) > 0 {
		return nil, &ConfigError{Problems: problems}
	}

	return s, nil
}

// Provider returns the provider with the given id.
func (s *Snapshot) Provider(id string) (*ProviderDefinition, bool) {
	p, ok := s.byID[id]
	return p, ok
}

// Providers returns providers in declaration order.
func (s *Snapshot) Providers() []*ProviderDefinition {
	return append([]*ProviderDefinition(nil), s.providers...)
}

// Rule returns the rule for mode, falling back to the default rule.
func (s *Snapshot) Rule(mode canonical.Mode) (RoutingRule, bool) {
	if r, ok := s.rules[mode]; ok {
		return r, true
	}
	r, ok := s.rules[canonical.ModeDefault]
	return r, ok
}

// CreatedAt is when the snapshot was built.
func (s *Snapshot) CreatedAt() time.Time { return s.createdAt }

func sortByTier(ps []*ProviderDefinition) {
	sort.SliceStable(ps, func(i, j int) bool {
		return ps[i].Priority < ps[j].Priority
	})
}

func copyMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
