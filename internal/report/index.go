// Package report renders run results and gate history for humans.
package report

import (
	"kse/internal/config"
	"kse/internal/domain"
	"kse/internal/drift"
)

// IndexRow is one archived session in the gate trend series.
type IndexRow struct {
	SessionID   string  `json:"session_id"`
	ArchivedAt  string  `json:"archived_at"`
	Status      string  `json:"status"`
	GatePassed  bool    `json:"gate_passed"`
	SuccessRate float64 `json:"success_rate"`
	RiskLevel   string  `json:"risk_level"`
	DriftAlert  bool    `json:"drift_alert"`
}

// RiskLayer counts sessions whose gate landed on one risk level.
type RiskLayer struct {
	Level    string  `json:"level"`
	Sessions int     `json:"sessions"`
	Percent  float64 `json:"percent"`
}

// Index summarises the most recent gated sessions of the evidence store.
type Index struct {
	Window          int                 `json:"window"`
	Sessions        int                 `json:"sessions"`
	Passed          int                 `json:"passed"`
	Failed          int                 `json:"failed"`
	PassRatePercent float64             `json:"pass_rate_percent"`
	Rows            []IndexRow          `json:"rows"`
	RiskLayers      []RiskLayer         `json:"risk_layers"`
	Drift           *domain.DriftReport `json:"drift,omitempty"`
}

var riskLevels = []string{domain.RiskLow, domain.RiskMedium, domain.RiskHigh, domain.RiskUnknown}

// BuildIndex takes entries oldest first. Sessions without a gate (dry
// runs) are left out. Drift is recomputed for the newest session against
// everything before it.
func BuildIndex(entries []domain.EvidenceEntry, window int, policy config.DriftPolicy) Index {
	gated := make([]domain.EvidenceEntry, 0, len(entries))
	for _, e := range entries {
		if e.Gate != nil {
			gated = append(gated, e)
		}
	}
	if window > 0 && len(gated) > window {
		gated = gated[len(gated)-window:]
	}
	idx := Index{Window: window, Sessions: len(gated), Rows: []IndexRow{}}
	counts := map[string]int{}
	for _, e := range gated {
		g := e.Gate
		row := IndexRow{
			SessionID:   e.SessionID,
			ArchivedAt:  e.ArchivedAt,
			Status:      e.Status,
			GatePassed:  g.Passed,
			SuccessRate: g.SuccessRate,
			RiskLevel:   domain.NormalizeRisk(g.RiskLevel),
			DriftAlert:  g.Drift != nil && g.Drift.Alert,
		}
		if g.Passed {
			idx.Passed++
		} else {
			idx.Failed++
		}
		counts[row.RiskLevel]++
		idx.Rows = append(idx.Rows, row)
	}
	for _, level := range riskLevels {
		layer := RiskLayer{Level: level, Sessions: counts[level]}
		if idx.Sessions > 0 {
			layer.Percent = float64(layer.Sessions*100) / float64(idx.Sessions)
		}
		idx.RiskLayers = append(idx.RiskLayers, layer)
	}
	if idx.Sessions > 0 {
		idx.PassRatePercent = float64(idx.Passed*100) / float64(idx.Sessions)
		points := drift.FromEvidence(entries)
		d := drift.Analyze(points[:len(points)-1], points[len(points)-1], policy)
		idx.Drift = &d
	}
	return idx
}
