package domain

// Manifest describes one integration batch handed off to the pipeline.
type Manifest struct {
	Name               string              `json:"name,omitempty" yaml:"name,omitempty"`
	Specs              []Spec              `json:"specs" yaml:"specs" validate:"required,min=1,dive"`
	Templates          []string            `json:"templates" yaml:"templates" validate:"required,min=1,dive,required"`
	OntologyValidation *OntologyValidation `json:"ontology_validation,omitempty" yaml:"ontology_validation,omitempty"`
}

type Spec struct {
	ID        string   `json:"id" yaml:"id" validate:"required"`
	Goal      string   `json:"goal,omitempty" yaml:"goal,omitempty"`
	DependsOn []string `json:"depends_on,omitempty" yaml:"depends_on,omitempty" validate:"dive,required"`
	Risk      string   `json:"risk,omitempty" yaml:"risk,omitempty" validate:"omitempty,oneof=low medium high unknown"`
	Command   string   `json:"command,omitempty" yaml:"command,omitempty"`
	Templates []string `json:"templates,omitempty" yaml:"templates,omitempty"`
}

type OntologyValidation struct {
	Timestamp string `json:"timestamp" yaml:"timestamp"`
	Result    string `json:"result,omitempty" yaml:"result,omitempty"`
	Status    string `json:"status,omitempty" yaml:"status,omitempty"`
}

// Stage names, in plan order.
const (
	StagePrecheck       = "precheck"
	StageSpecValidation = "spec-validation"
	StageExecution      = "execution"
	StageObservability  = "observability"
)

var StageOrder = []string{StagePrecheck, StageSpecValidation, StageExecution, StageObservability}

type Plan struct {
	Manifest string  `json:"manifest,omitempty"`
	Stages   []Stage `json:"stages"`
	Tiers    []Tier  `json:"tiers,omitempty"`
}

type Stage struct {
	Name      string   `json:"name"`
	Specs     []string `json:"specs"`
	Templates []string `json:"templates"`
}

// Tier is a set of specs with no dependency among them.
type Tier struct {
	Index int      `json:"index"`
	Specs []string `json:"specs"`
}

// Spec execution statuses.
const (
	StatusSuccess = "success"
	StatusFailed  = "failed"
	StatusSkipped = "skipped"
	StatusPlanned = "planned"
)

type SpecResult struct {
	SpecID     string `json:"spec_id"`
	Tier       int    `json:"tier"`
	Status     string `json:"status" enum:"success,failed,skipped,planned"`
	Risk       string `json:"risk,omitempty"`
	Attempts   int    `json:"attempts"`
	DurationMs int64  `json:"duration_ms"`
	Error      string `json:"error,omitempty"`
	Output     string `json:"output,omitempty"`
	Carried    bool   `json:"carried,omitempty"`
	StartedAt  string `json:"started_at,omitempty" format:"date-time"`
}

type TierResult struct {
	Index     int    `json:"index"`
	Total     int    `json:"total"`
	Succeeded int    `json:"succeeded"`
	Failed    int    `json:"failed"`
	Skipped   int    `json:"skipped"`
	Status    string `json:"status" enum:"success,failed,skipped,planned"`
}

// Run statuses.
const (
	RunCompleted = "completed"
	RunHalted    = "halted"
	RunDryRun    = "dry-run"
)

type RunReport struct {
	SessionID        string       `json:"session_id"`
	Manifest         string       `json:"manifest,omitempty"`
	Status           string       `json:"status" enum:"completed,halted,dry-run"`
	DryRun           bool         `json:"dry_run"`
	ResumedFrom      string       `json:"resumed_from,omitempty"`
	ContinueStrategy string       `json:"continue_strategy,omitempty"`
	StartedAt        string       `json:"started_at" format:"date-time"`
	FinishedAt       string       `json:"finished_at" format:"date-time"`
	Plan             Plan         `json:"plan"`
	Specs            []SpecResult `json:"specs"`
	Tiers            []TierResult `json:"tiers"`
	Gate             *GateReport  `json:"gate,omitempty"`
	Warnings         []string     `json:"warnings,omitempty"`
}

// Result looks up the result for a spec id.
func (r RunReport) Result(specID string) (SpecResult, bool) {
	for _, s := range r.Specs {
		if s.SpecID == specID {
			return s, true
		}
	}
	return SpecResult{}, false
}

type GateCondition struct {
	Condition string `json:"condition"`
	Passed    bool   `json:"passed"`
	Actual    string `json:"actual"`
	Expected  string `json:"expected"`
}

type GateReport struct {
	Passed                    bool            `json:"passed"`
	Enforced                  bool            `json:"enforced"`
	SuccessRate               float64         `json:"success_rate"`
	TotalSpecs                int             `json:"total_specs"`
	SuccessfulSpecs           int             `json:"successful_specs"`
	RiskLevel                 string          `json:"risk_level"`
	OntologyValidationPresent bool            `json:"ontology_validation_present"`
	Conditions                []GateCondition `json:"conditions"`
	Violations                []GateCondition `json:"violations,omitempty"`
	Drift                     *DriftReport    `json:"drift,omitempty"`
}

type DriftReport struct {
	Alert                bool     `json:"alert"`
	Enforced             bool     `json:"enforced"`
	Entries              int      `json:"entries"`
	FailStreak           int      `json:"fail_streak"`
	HighRiskSharePercent float64  `json:"high_risk_share_percent"`
	LongHighRiskShare    float64  `json:"long_high_risk_share_percent"`
	HighRiskDeltaPercent float64  `json:"high_risk_share_delta_percent"`
	Window               int      `json:"window"`
	LongWindow           int      `json:"long_window"`
	Triggers             []string `json:"triggers,omitempty"`
}

// EvidenceEntry is one archived run outcome.
type EvidenceEntry struct {
	SessionID   string      `json:"session_id"`
	Manifest    string      `json:"manifest,omitempty"`
	Status      string      `json:"status"`
	ArchivedAt  string      `json:"archived_at" format:"date-time"`
	StartedAt   string      `json:"started_at" format:"date-time"`
	TotalSpecs  int         `json:"total_specs"`
	Succeeded   int         `json:"succeeded"`
	Failed      int         `json:"failed"`
	ResumedFrom string      `json:"resumed_from,omitempty"`
	Gate        *GateReport `json:"gate,omitempty"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	SessionID  string `json:"session_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}
