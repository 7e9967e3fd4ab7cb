package domain

import (
	"fmt"
	"strings"
)

// Risk levels, ordered low < medium < high < unknown.
const (
	RiskLow     = "low"
	RiskMedium  = "medium"
	RiskHigh    = "high"
	RiskUnknown = "unknown"
)

var riskRank = map[string]int{
	RiskLow:     0,
	RiskMedium:  1,
	RiskHigh:    2,
	RiskUnknown: 3,
}

// NormalizeRisk maps an annotation onto a known level; blank and
// unrecognised values become unknown.
func NormalizeRisk(level string) string {
	l := strings.ToLower(strings.TrimSpace(level))
	if _, ok := riskRank[l]; ok {
		return l
	}
	return RiskUnknown
}

// AnnotatedRisk normalises a spec annotation but keeps a missing one blank.
// Blank risk does not contribute to a run's risk level.
func AnnotatedRisk(level string) string {
	if strings.TrimSpace(level) == "" {
		return ""
	}
	return NormalizeRisk(level)
}

// RiskRank returns the position of a level in the risk order.
func RiskRank(level string) int {
	return riskRank[NormalizeRisk(level)]
}

// ParseRisk is the strict form used for configuration values.
func ParseRisk(level string) (string, error) {
	l := strings.ToLower(strings.TrimSpace(level))
	if _, ok := riskRank[l]; !ok {
		return "", fmt.Errorf("unknown risk level %q (want low|medium|high|unknown)", level)
	}
	return l, nil
}
