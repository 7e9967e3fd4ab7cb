// Package plan maps a manifest onto the fixed handoff stage sequence.
package plan

import (
	"kse/internal/domain"
)

// Build returns the stage plan for a manifest. Every stage is present even
// when it concerns nothing, so reports stay positionally stable. tiers may
// be nil when batching has not happened yet; the execution stage then keeps
// declaration order.
func Build(m *domain.Manifest, tiers []domain.Tier) domain.Plan {
	p := domain.Plan{Stages: make([]domain.Stage, 0, len(domain.StageOrder))}
	for _, name := range domain.StageOrder {
		p.Stages = append(p.Stages, domain.Stage{Name: name, Specs: []string{}, Templates: []string{}})
	}
	if m == nil {
		return p
	}

	all := make([]string, 0, len(m.Specs))
	for _, s := range m.Specs {
		all = append(all, s.ID)
	}
	templates := append([]string{}, m.Templates...)

	precheck := &p.Stages[0]
	precheck.Specs = append(precheck.Specs, all...)
	precheck.Templates = append(precheck.Templates, templates...)

	validation := &p.Stages[1]
	seenTemplate := map[string]bool{}
	for _, s := range m.Specs {
		if s.Command == "" && len(s.Templates) == 0 {
			continue
		}
		validation.Specs = append(validation.Specs, s.ID)
		for _, t := range s.Templates {
			if !seenTemplate[t] {
				seenTemplate[t] = true
				validation.Templates = append(validation.Templates, t)
			}
		}
	}

	execution := &p.Stages[2]
	if len(tiers) > 0 {
		for _, t := range tiers {
			execution.Specs = append(execution.Specs, t.Specs...)
		}
		p.Tiers = tiers
	} else {
		execution.Specs = append(execution.Specs, all...)
	}

	observability := &p.Stages[3]
	for _, s := range m.Specs {
		if domain.AnnotatedRisk(s.Risk) != "" && domain.RiskRank(s.Risk) >= domain.RiskRank(domain.RiskHigh) {
			observability.Specs = append(observability.Specs, s.ID)
		}
	}
	observability.Templates = append(observability.Templates, templates...)
	return p
}

// Goals flattens the execution stage into one integration goal per spec,
// in tier order, for the handoff queue.
func Goals(m *domain.Manifest, tiers []domain.Tier) []Goal {
	byID := make(map[string]domain.Spec, len(m.Specs))
	for _, s := range m.Specs {
		byID[s.ID] = s
	}
	var goals []Goal
	for _, t := range tiers {
		for _, id := range t.Specs {
			s := byID[id]
			text := s.Goal
			if text == "" {
				text = "integrate spec " + id
			}
			goals = append(goals, Goal{Tier: t.Index, SpecID: id, Goal: text, DependsOn: s.DependsOn})
		}
	}
	return goals
}

type Goal struct {
	Tier      int      `json:"tier"`
	SpecID    string   `json:"spec_id"`
	Goal      string   `json:"goal"`
	DependsOn []string `json:"depends_on,omitempty"`
}
