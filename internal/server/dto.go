package server

import (
	"encoding/json"

	"kse/internal/config"
	"kse/internal/domain"
	"kse/internal/report"
)

// Request payloads

// GatePolicyRequest overrides individual fields of the configured gate
// policy; unset fields keep the workspace value.
type GatePolicyRequest struct {
	MinSpecSuccessRate        *float64 `json:"min_spec_success_rate,omitempty" minimum:"0" maximum:"100"`
	MaxRiskLevel              *string  `json:"max_risk_level,omitempty" enum:"low,medium,high,unknown"`
	RequireOntologyValidation *bool    `json:"require_ontology_validation,omitempty"`
	IgnoreUnknownRisk         *bool    `json:"ignore_unknown_risk,omitempty"`
}

func (r *GatePolicyRequest) apply(base config.GatePolicy) config.GatePolicy {
	if r == nil {
		return base
	}
	if r.MinSpecSuccessRate != nil {
		base.MinSpecSuccessRate = *r.MinSpecSuccessRate
	}
	if r.MaxRiskLevel != nil {
		base.MaxRiskLevel = domain.NormalizeRisk(*r.MaxRiskLevel)
	}
	if r.RequireOntologyValidation != nil {
		base.RequireOntologyValidation = *r.RequireOntologyValidation
	}
	if r.IgnoreUnknownRisk != nil {
		base.IgnoreUnknownRisk = *r.IgnoreUnknownRisk
	}
	return base
}

// EvaluateGateRequest evaluates either a stored session or raw results.
type EvaluateGateRequest struct {
	SessionID                 string              `json:"session_id,omitempty"`
	Specs                     []domain.SpecResult `json:"specs,omitempty"`
	OntologyValidationPresent bool                `json:"ontology_validation_present,omitempty"`
	Policy                    *GatePolicyRequest  `json:"policy,omitempty"`
}

// Responses

type SessionSummary struct {
	SessionID   string  `json:"session_id"`
	Manifest    string  `json:"manifest,omitempty"`
	Status      string  `json:"status"`
	StartedAt   string  `json:"started_at"`
	ArchivedAt  string  `json:"archived_at"`
	TotalSpecs  int     `json:"total_specs"`
	Succeeded   int     `json:"succeeded"`
	Failed      int     `json:"failed"`
	ResumedFrom string  `json:"resumed_from,omitempty"`
	GatePassed  *bool   `json:"gate_passed,omitempty"`
	SuccessRate float64 `json:"success_rate"`
	RiskLevel   string  `json:"risk_level,omitempty"`
	DriftAlert  bool    `json:"drift_alert"`
}

type SessionListResponse struct {
	Items []SessionSummary `json:"items"`
	Total int              `json:"total"`
}

type GateIndexResponse = report.Index

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	SessionID  string         `json:"session_id,omitempty"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload,omitempty"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

func sessionSummary(e domain.EvidenceEntry) SessionSummary {
	s := SessionSummary{
		SessionID:   e.SessionID,
		Manifest:    e.Manifest,
		Status:      e.Status,
		StartedAt:   e.StartedAt,
		ArchivedAt:  e.ArchivedAt,
		TotalSpecs:  e.TotalSpecs,
		Succeeded:   e.Succeeded,
		Failed:      e.Failed,
		ResumedFrom: e.ResumedFrom,
	}
	if e.Gate != nil {
		passed := e.Gate.Passed
		s.GatePassed = &passed
		s.SuccessRate = e.Gate.SuccessRate
		s.RiskLevel = e.Gate.RiskLevel
		s.DriftAlert = e.Gate.Drift != nil && e.Gate.Drift.Alert
	}
	return s
}

func eventResponse(evt domain.Event) EventResponse {
	var payload map[string]any
	if evt.Payload != "" {
		_ = json.Unmarshal([]byte(evt.Payload), &payload)
	}
	return EventResponse{
		ID:         evt.ID,
		TS:         evt.TS,
		Type:       evt.Type,
		SessionID:  evt.SessionID,
		EntityKind: evt.EntityKind,
		EntityID:   evt.EntityID,
		ActorID:    evt.ActorID,
		Payload:    payload,
	}
}
