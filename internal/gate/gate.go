// Package gate evaluates a run's spec results against the release policy.
package gate

import (
	"fmt"
	"strconv"
	"strings"

	"kse/internal/config"
	"kse/internal/domain"
)

// Condition names reported in gate output.
const (
	ConditionSuccessRate = "min_spec_success_rate"
	ConditionRiskLevel   = "max_risk_level"
	ConditionOntology    = "require_ontology_validation"
)

// Input is everything the gate looks at. It is built from a run report but
// kept separate so the evaluation can be replayed from archived data.
type Input struct {
	Specs                     []domain.SpecResult
	OntologyValidationPresent bool
}

// Metrics are the aggregated figures a gate decision is made on.
type Metrics struct {
	SuccessRate               float64
	TotalSpecs                int
	SuccessfulSpecs           int
	RiskLevel                 string
	OntologyValidationPresent bool
}

// Aggregate computes gate metrics from spec results. Specs still in planned
// state (dry run) count as not successful.
func Aggregate(in Input, ignoreUnknownRisk bool) Metrics {
	m := Metrics{
		TotalSpecs:                len(in.Specs),
		RiskLevel:                 RiskLevel(in.Specs, ignoreUnknownRisk),
		OntologyValidationPresent: in.OntologyValidationPresent,
	}
	for _, s := range in.Specs {
		if s.Status == domain.StatusSuccess {
			m.SuccessfulSpecs++
		}
	}
	if m.TotalSpecs > 0 {
		m.SuccessRate = float64(m.SuccessfulSpecs*100) / float64(m.TotalSpecs)
	}
	return m
}

// Evaluate applies the policy. It is pure: identical inputs give identical
// output.
func Evaluate(in Input, policy config.GatePolicy) domain.GateReport {
	return Decide(Aggregate(in, policy.IgnoreUnknownRisk), policy)
}

// Decide reports every condition and collects the violated ones.
func Decide(m Metrics, policy config.GatePolicy) domain.GateReport {
	risk := domain.NormalizeRisk(m.RiskLevel)
	maxRisk := domain.NormalizeRisk(policy.MaxRiskLevel)
	conditions := []domain.GateCondition{
		{
			Condition: ConditionSuccessRate,
			Passed:    m.SuccessRate >= policy.MinSpecSuccessRate,
			Actual:    formatPercent(m.SuccessRate),
			Expected:  ">= " + formatPercent(policy.MinSpecSuccessRate),
		},
		{
			Condition: ConditionRiskLevel,
			Passed:    domain.RiskRank(risk) <= domain.RiskRank(maxRisk),
			Actual:    risk,
			Expected:  "<= " + maxRisk,
		},
		{
			Condition: ConditionOntology,
			Passed:    !policy.RequireOntologyValidation || m.OntologyValidationPresent,
			Actual:    strconv.FormatBool(m.OntologyValidationPresent),
			Expected:  expectedOntology(policy.RequireOntologyValidation),
		},
	}
	report := domain.GateReport{
		Passed:                    true,
		Enforced:                  policy.Enforce,
		SuccessRate:               m.SuccessRate,
		TotalSpecs:                m.TotalSpecs,
		SuccessfulSpecs:           m.SuccessfulSpecs,
		RiskLevel:                 risk,
		OntologyValidationPresent: m.OntologyValidationPresent,
		Conditions:                conditions,
	}
	for _, c := range conditions {
		if !c.Passed {
			report.Passed = false
			report.Violations = append(report.Violations, c)
		}
	}
	return report
}

// RiskLevel is the worst annotated spec risk. Specs without an annotation
// are ignored. Unknown annotations count as worst case unless ignoreUnknown
// is set; with no known risk left the result is low.
func RiskLevel(specs []domain.SpecResult, ignoreUnknown bool) string {
	worst := domain.RiskLow
	for _, s := range specs {
		if strings.TrimSpace(s.Risk) == "" {
			continue
		}
		level := domain.NormalizeRisk(s.Risk)
		if level == domain.RiskUnknown && ignoreUnknown {
			continue
		}
		if domain.RiskRank(level) > domain.RiskRank(worst) {
			worst = level
		}
	}
	return worst
}

// Check turns a failed, enforced gate into a blocking error.
func Check(r domain.GateReport) error {
	if r.Passed || !r.Enforced {
		return nil
	}
	return &domain.GateViolation{Violations: r.Violations}
}

func expectedOntology(required bool) string {
	if required {
		return "true"
	}
	return "any"
}

func formatPercent(v float64) string {
	return fmt.Sprintf("%s%%", strconv.FormatFloat(v, 'f', -1, 64))
}
