// Package drift detects degrading release gate trends across runs.
package drift

import (
	"fmt"
	"strconv"
	"strings"

	"kse/internal/config"
	"kse/internal/domain"
)

const (
	DefaultWindow                       = 5
	DefaultLongWindow                   = 20
	DefaultFailStreakMin                = 2
	DefaultHighRiskShareMinPercent      = 60.0
	DefaultHighRiskShareDeltaMinPercent = 25.0
)

// Point is the slice of a gate outcome the analyzer needs.
type Point struct {
	Passed    bool
	RiskLevel string
}

// FromGate converts a gate report into a point.
func FromGate(g domain.GateReport) Point {
	return Point{Passed: g.Passed, RiskLevel: g.RiskLevel}
}

// FromEvidence converts archived entries, oldest first, into points.
// Entries without a gate (dry runs) are skipped.
func FromEvidence(entries []domain.EvidenceEntry) []Point {
	points := make([]Point, 0, len(entries))
	for _, e := range entries {
		if e.Gate == nil {
			continue
		}
		points = append(points, FromGate(*e.Gate))
	}
	return points
}

// Analyze computes drift metrics over history (oldest to newest) followed by
// current. History is always passed explicitly; the analyzer keeps no state.
func Analyze(history []Point, current Point, policy config.DriftPolicy) domain.DriftReport {
	policy = withDefaults(policy)
	series := make([]Point, 0, len(history)+1)
	series = append(series, history...)
	series = append(series, current)

	streak := 0
	for i := len(series) - 1; i >= 0 && !series[i].Passed; i-- {
		streak++
	}
	short := highRiskShare(series, policy.Window)
	long := highRiskShare(series, policy.LongWindow)

	r := domain.DriftReport{
		Enforced:             policy.Enforce,
		Entries:              len(series),
		FailStreak:           streak,
		HighRiskSharePercent: short,
		LongHighRiskShare:    long,
		HighRiskDeltaPercent: short - long,
		Window:               policy.Window,
		LongWindow:           policy.LongWindow,
	}
	if streak >= policy.FailStreakMin {
		r.Triggers = append(r.Triggers, fmt.Sprintf("fail streak %d >= %d", streak, policy.FailStreakMin))
	}
	if short >= policy.HighRiskShareMinPercent {
		r.Triggers = append(r.Triggers, fmt.Sprintf("high-risk share %s%% >= %s%% over last %d", pct(short), pct(policy.HighRiskShareMinPercent), min(policy.Window, len(series))))
	}
	if r.HighRiskDeltaPercent >= policy.HighRiskShareDeltaMinPercent {
		r.Triggers = append(r.Triggers, fmt.Sprintf("high-risk share delta %s%% >= %s%%", pct(r.HighRiskDeltaPercent), pct(policy.HighRiskShareDeltaMinPercent)))
	}
	r.Alert = len(r.Triggers) > 0
	return r
}

// Check turns an enforced alert into a blocking error.
func Check(r domain.DriftReport) error {
	if !r.Alert || !r.Enforced {
		return nil
	}
	return &domain.DriftAlert{Triggers: r.Triggers}
}

// IsHighRisk treats unknown risk as high, matching the gate's worst case.
// A blank level carries no risk.
func IsHighRisk(level string) bool {
	if strings.TrimSpace(level) == "" {
		return false
	}
	return domain.RiskRank(level) >= domain.RiskRank(domain.RiskHigh)
}

func highRiskShare(series []Point, window int) float64 {
	if window <= 0 || len(series) == 0 {
		return 0
	}
	start := len(series) - window
	if start < 0 {
		start = 0
	}
	tail := series[start:]
	high := 0
	for _, p := range tail {
		if IsHighRisk(p.RiskLevel) {
			high++
		}
	}
	return float64(high*100) / float64(len(tail))
}

func withDefaults(p config.DriftPolicy) config.DriftPolicy {
	if p.Window <= 0 {
		p.Window = DefaultWindow
	}
	if p.LongWindow < p.Window {
		p.LongWindow = max(DefaultLongWindow, p.Window)
	}
	if p.FailStreakMin <= 0 {
		p.FailStreakMin = DefaultFailStreakMin
	}
	if p.HighRiskShareMinPercent <= 0 {
		p.HighRiskShareMinPercent = DefaultHighRiskShareMinPercent
	}
	if p.HighRiskShareDeltaMinPercent <= 0 {
		p.HighRiskShareDeltaMinPercent = DefaultHighRiskShareDeltaMinPercent
	}
	return p
}

func pct(v float64) string {
	return strconv.FormatFloat(v, 'f', 1, 64)
}
