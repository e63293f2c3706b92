package config

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/Davincible/claude-code-mux/internal/canonical"
	"github.com/Davincible/claude-code-mux/internal/credentials"
	"github.com/Davincible/claude-code-mux/internal/failover"
	"github.com/Davincible/claude-code-mux/internal/providers"
	"github.com/Davincible/claude-code-mux/internal/routing"
)

// endpointSuffixes are stripped from configured base URLs; adapters append
// their own endpoint paths. The version segment stays: OpenAI-compatible
// bases like https://openrouter.ai/api/v1 need it.
var endpointSuffixes = []string{
	"/chat/completions",
	"/messages",
	"/responses",
}

// BuildSnapshot turns a loaded configuration into an immutable routing
// snapshot. Every problem found is reported in one routing.ConfigError.
func BuildSnapshot(cfg *Config) (*routing.Snapshot, error) {
	var (
		defs     = make([]routing.ProviderDefinition, 0, len(cfg.Providers))
		problems []string
	)

	for _, p := range cfg.Providers {
		def, err := p.definition()
		if err != nil {
			problems = append(problems, fmt.Sprintf("provider %q: %v", p.Name, err))
			continue
		}
		defs = append(defs, def)
	}

	if len(problems) > 0 {
		return nil, &routing.ConfigError{Problems: problems}
	}

	return routing.NewSnapshot(defs, cfg.Router.rules())
}

func (p Provider) definition() (routing.ProviderDefinition, error) {
	base := normalizeBase(p.APIBase)

	format := routing.WireFormat(p.Format)
	dialect := p.Dialect
	if format == "" && base != "" {
		if d, err := providers.DetectByDomain(base); err == nil {
			format = d.Format
			if dialect == "" {
				dialect = d.Dialect
			}
		}
	}
	if format == "" {
		return routing.ProviderDefinition{}, fmt.Errorf("cannot infer wire format from type %q or url %q", p.Type, p.APIBase)
	}
	if format == routing.FormatOpenAI && dialect == "" {
		dialect = providers.DialectGeneric
	}

	ref := p.APIKey
	if p.APIKeyPath != "" {
		ref = credentials.FileRef(p.APIKeyPath)
	}

	autoMap := make([]routing.AutoMapRule, 0, len(p.AutoMap)+len(p.ModelWhitelist))
	for _, r := range p.AutoMap {
		autoMap = append(autoMap, routing.AutoMapRule{Pattern: r.Pattern, Target: r.Target})
	}
	// Whitelisted substrings route matching models here unchanged.
	for _, w := range p.ModelWhitelist {
		autoMap = append(autoMap, routing.AutoMapRule{Pattern: regexp.QuoteMeta(w)})
	}

	return routing.ProviderDefinition{
		ID:              p.Name,
		BaseURL:         base,
		Format:          format,
		Dialect:         dialect,
		CredentialRef:   ref,
		Priority:        p.Priority,
		ModelMap:        p.ModelMap,
		AutoMap:         autoMap,
		Headers:         p.Headers,
		Timeout:         p.Timeout.Std(),
		Disabled:        p.Disabled,
		ResponsesModels: p.ResponsesModels,
	}, nil
}

func normalizeBase(u string) string {
	u = strings.TrimRight(strings.TrimSpace(u), "/")
	for _, suffix := range endpointSuffixes {
		if strings.HasSuffix(u, suffix) {
			return strings.TrimSuffix(u, suffix)
		}
	}
	return u
}

func (r RouterConfig) rules() []routing.RoutingRule {
	lists := []struct {
		mode canonical.Mode
		ids  ProviderList
	}{
		{canonical.ModeDefault, r.Default},
		{canonical.ModeThink, r.Think},
		{canonical.ModeBackground, r.Background},
		{canonical.ModeLongContext, r.LongContext},
		{canonical.ModeWebSearch, r.WebSearch},
	}

	var rules []routing.RoutingRule
	for _, l := range lists {
		if len(l.ids) == 0 {
			continue
		}
		rules = append(rules, routing.RoutingRule{Mode: l.mode, Providers: append([]string(nil), l.ids...)})
	}
	return rules
}

// Policy returns the failover policy the configuration describes.
func (c *Config) Policy() failover.Policy {
	p := failover.DefaultPolicy()
	if c.Failover.AttemptTimeout > 0 {
		p.AttemptTimeout = c.Failover.AttemptTimeout.Std()
	}
	p.SameProviderRetries = c.Failover.SameProviderRetries
	p.FatalStatus = append([]int(nil), c.Failover.FatalStatus...)
	return p
}

// Breaker returns the configured circuit breaker, or nil when disabled.
func (c *Config) Breaker() *failover.CircuitBreaker {
	b := c.Failover.CircuitBreaker
	if b == nil || b.Threshold <= 0 {
		return nil
	}
	return failover.NewCircuitBreaker(b.Threshold, b.Cooldown.Std())
}
