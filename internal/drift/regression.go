package drift

import (
	"kse/internal/domain"
)

// Regression compares one run against an earlier baseline run.
type Regression struct {
	BaselineSession    string   `json:"baseline_session"`
	CurrentSession     string   `json:"current_session"`
	Regressed          []string `json:"regressed"`
	Recovered          []string `json:"recovered"`
	Added              []string `json:"added"`
	Removed            []string `json:"removed"`
	BaselineRate       float64  `json:"baseline_success_rate"`
	CurrentRate        float64  `json:"current_success_rate"`
	SuccessRateDelta   float64  `json:"success_rate_delta"`
	GateTurnedFailing  bool     `json:"gate_turned_failing"`
	RiskLevelEscalated bool     `json:"risk_level_escalated"`
}

// Degraded reports whether anything got worse.
func (r Regression) Degraded() bool {
	return len(r.Regressed) > 0 || r.SuccessRateDelta < 0 || r.GateTurnedFailing || r.RiskLevelEscalated
}

// Compare lists spec-level changes between two runs. Spec order follows the
// current run, then specs only present in the baseline.
func Compare(baseline, current domain.RunReport) Regression {
	r := Regression{
		BaselineSession: baseline.SessionID,
		CurrentSession:  current.SessionID,
		Regressed:       []string{},
		Recovered:       []string{},
		Added:           []string{},
		Removed:         []string{},
		BaselineRate:    successRate(baseline.Specs),
		CurrentRate:     successRate(current.Specs),
	}
	r.SuccessRateDelta = r.CurrentRate - r.BaselineRate

	for _, cur := range current.Specs {
		base, ok := baseline.Result(cur.SpecID)
		if !ok {
			r.Added = append(r.Added, cur.SpecID)
			continue
		}
		wasOK := base.Status == domain.StatusSuccess
		isOK := cur.Status == domain.StatusSuccess
		switch {
		case wasOK && !isOK:
			r.Regressed = append(r.Regressed, cur.SpecID)
		case !wasOK && isOK:
			r.Recovered = append(r.Recovered, cur.SpecID)
		}
	}
	for _, base := range baseline.Specs {
		if _, ok := current.Result(base.SpecID); !ok {
			r.Removed = append(r.Removed, base.SpecID)
		}
	}
	if baseline.Gate != nil && current.Gate != nil {
		r.GateTurnedFailing = baseline.Gate.Passed && !current.Gate.Passed
		r.RiskLevelEscalated = domain.RiskRank(current.Gate.RiskLevel) > domain.RiskRank(baseline.Gate.RiskLevel)
	}
	return r
}

func successRate(specs []domain.SpecResult) float64 {
	if len(specs) == 0 {
		return 0
	}
	ok := 0
	for _, s := range specs {
		if s.Status == domain.StatusSuccess {
			ok++
		}
	}
	return float64(ok*100) / float64(len(specs))
}
