package routing

import (
	"strings"

	"github.com/Davincible/claude-code-mux/internal/canonical"
)

// Target is one candidate: a provider and the model name to send it.
type Target struct {
	Provider *ProviderDefinition
	Model    string
}

// ID is the provider id of the target.
func (t Target) ID() string {
	if t.Provider == nil {
		return ""
	}
	return t.Provider.ID
}

// Resolve returns the ordered, duplicate-free candidate list for a model and
// mode. It depends on nothing but its arguments.
//
// Order:
//  1. a provider named with the "provider,model" syntax, alone;
//  2. providers with an explicit mapping for the model, by priority tier;
//  3. auto-mapped providers listed by the mode rule, in rule order within tier;
//  4. remaining auto-mapped providers, by tier then declaration order.
func Resolve(s *Snapshot, model string, mode canonical.Mode) ([]Target, error) {
	if s == nil {
		return nil, &NoRouteError{Model: model, Mode: mode}
	}

	model = strings.TrimSpace(model)

	if name, upstream, ok := strings.Cut(model, ","); ok {
		if p, found := s.byID[strings.TrimSpace(name)]; found && !p.Disabled {
			return []Target{{Provider: p, Model: strings.TrimSpace(upstream)}}, nil
		}
	}

	upstream := make(map[string]string)

	var explicit []*ProviderDefinition
	for _, p := range s.providers {
		if p.Disabled {
			continue
		}
		if target, ok := p.ModelMap[model]; ok {
			if target == "" {
				target = model
			}
			upstream[p.ID] = target
			explicit = append(explicit, p)
		}
	}

	var mapped []*ProviderDefinition
	for _, p := range s.providers {
		if p.Disabled || upstream[p.ID] != "" {
			continue
		}
		for _, rule := range p.autoMap {
			if rule.re.MatchString(model) {
				target := rule.target
				if target == "" {
					target = model
				}
				upstream[p.ID] = target
				mapped = append(mapped, p)
				break
			}
		}
	}

	if len(explicit) == 0 && len(mapped) == 0 {
		return nil, &NoRouteError{Model: model, Mode: mode}
	}

	var (
		out  = make([]Target, 0, len(explicit)+len(mapped))
		seen = make(map[string]bool, len(upstream))
	)
	add := func(ps []*ProviderDefinition) {
		for _, p := range ps {
			if seen[p.ID] {
				continue
			}
			seen[p.ID] = true
			out = append(out, Target{Provider: p, Model: upstream[p.ID]})
		}
	}

	sortByTier(explicit)
	add(explicit)

	if rule, ok := s.Rule(mode); ok {
		var members []*ProviderDefinition
		for _, id := range rule.Providers {
			p := s.byID[id]
			if p == nil || p.Disabled || upstream[p.ID] == "" {
				continue
			}
			members = append(members, p)
		}
		sortByTier(members)
		add(members)
	}

	sortByTier(mapped)
	add(mapped)

	return out, nil
}
