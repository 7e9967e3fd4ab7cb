package report

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"

	"kse/internal/domain"
	"kse/internal/drift"
	"kse/internal/plan"
)

// Output formats.
const (
	FormatTable    = "table"
	FormatMarkdown = "markdown"
	FormatJSON     = "json"
)

func ParseFormat(s string) (string, error) {
	switch f := strings.ToLower(strings.TrimSpace(s)); f {
	case "", FormatTable:
		return FormatTable, nil
	case FormatMarkdown, "md":
		return FormatMarkdown, nil
	case FormatJSON:
		return FormatJSON, nil
	default:
		return "", fmt.Errorf("unknown format %q (want table|markdown|json)", s)
	}
}

func newTable(w io.Writer, title string) table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	if title != "" {
		tw.SetTitle(title)
	}
	return tw
}

func render(tw table.Writer, format string) {
	if format == FormatMarkdown {
		tw.RenderMarkdown()
		return
	}
	tw.Render()
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func pct(v float64) string {
	return strconv.FormatFloat(v, 'f', 1, 64) + "%"
}

func mark(ok bool) string {
	if ok {
		return "pass"
	}
	return "FAIL"
}

// Run renders a run report: tier summary, spec results, gate conditions and
// drift detail.
func Run(w io.Writer, r domain.RunReport, format string) error {
	if format == FormatJSON {
		return writeJSON(w, r)
	}
	fmt.Fprintf(w, "session %s: %s\n", r.SessionID, r.Status)
	if r.ResumedFrom != "" {
		fmt.Fprintf(w, "resumed from %s (%s)\n", r.ResumedFrom, r.ContinueStrategy)
	}

	tiers := newTable(w, "Tiers")
	tiers.AppendHeader(table.Row{"Tier", "Total", "Succeeded", "Failed", "Skipped", "Status"})
	for _, t := range r.Tiers {
		tiers.AppendRow(table.Row{t.Index, t.Total, t.Succeeded, t.Failed, t.Skipped, t.Status})
	}
	render(tiers, format)

	specs := newTable(w, "Specs")
	specs.AppendHeader(table.Row{"Spec", "Tier", "Status", "Risk", "Attempts", "Duration", "Note"})
	for _, s := range r.Specs {
		note := s.Error
		if s.Carried {
			note = "carried from previous run"
		}
		specs.AppendRow(table.Row{s.SpecID, s.Tier, s.Status, s.Risk, s.Attempts, fmt.Sprintf("%dms", s.DurationMs), note})
	}
	specs.SetColumnConfigs([]table.ColumnConfig{{Number: 7, WidthMax: 60}})
	render(specs, format)

	if r.Gate != nil {
		Gate(w, *r.Gate, format)
	}
	for _, warn := range r.Warnings {
		fmt.Fprintf(w, "warning: %s\n", warn)
	}
	return nil
}

// Gate renders the gate conditions and, if present, the drift triggers.
func Gate(w io.Writer, g domain.GateReport, format string) {
	verdict := "PASSED"
	if !g.Passed {
		verdict = "FAILED"
	}
	if g.Enforced {
		verdict += " (enforced)"
	}
	tw := newTable(w, "Release gate "+verdict)
	tw.AppendHeader(table.Row{"Condition", "Actual", "Expected", "Result"})
	for _, c := range g.Conditions {
		tw.AppendRow(table.Row{c.Condition, c.Actual, c.Expected, mark(c.Passed)})
	}
	render(tw, format)

	if g.Drift == nil {
		return
	}
	d := g.Drift
	dt := newTable(w, "Drift")
	dt.AppendHeader(table.Row{"Metric", "Value"})
	dt.AppendRow(table.Row{"entries", d.Entries})
	dt.AppendRow(table.Row{"fail streak", d.FailStreak})
	dt.AppendRow(table.Row{fmt.Sprintf("high-risk share (last %d)", d.Window), pct(d.HighRiskSharePercent)})
	dt.AppendRow(table.Row{fmt.Sprintf("high-risk share (last %d)", d.LongWindow), pct(d.LongHighRiskShare)})
	dt.AppendRow(table.Row{"delta", pct(d.HighRiskDeltaPercent)})
	for _, t := range d.Triggers {
		dt.AppendRow(table.Row{"alert", t})
	}
	render(dt, format)
}

// GateIndex renders the trend series and risk-layer breakdown.
func GateIndex(w io.Writer, idx Index, format string) error {
	if format == FormatJSON {
		return writeJSON(w, idx)
	}
	series := newTable(w, fmt.Sprintf("Gate trend (%d sessions, %s passed)", idx.Sessions, pct(idx.PassRatePercent)))
	series.AppendHeader(table.Row{"#", "Session", "Archived", "Status", "Gate", "Success", "Risk", "Drift"})
	for i, row := range idx.Rows {
		alert := ""
		if row.DriftAlert {
			alert = "alert"
		}
		series.AppendRow(table.Row{i + 1, row.SessionID, row.ArchivedAt, row.Status, mark(row.GatePassed), pct(row.SuccessRate), row.RiskLevel, alert})
	}
	render(series, format)

	layers := newTable(w, "Risk layers")
	layers.AppendHeader(table.Row{"Level", "Sessions", "Share", ""})
	for _, l := range idx.RiskLayers {
		layers.AppendRow(table.Row{l.Level, l.Sessions, pct(l.Percent), bar(l.Percent)})
	}
	if format != FormatMarkdown {
		layers.SetColumnConfigs([]table.ColumnConfig{{Number: 4, Colors: text.Colors{text.FgYellow}}})
	}
	render(layers, format)

	if idx.Drift != nil && idx.Drift.Alert {
		fmt.Fprintf(w, "drift alert: %s\n", strings.Join(idx.Drift.Triggers, "; "))
	}
	return nil
}

func bar(percent float64) string {
	return strings.Repeat("#", int(percent/5))
}

// Regression renders a session comparison.
func Regression(w io.Writer, reg drift.Regression, format string) error {
	if format == FormatJSON {
		return writeJSON(w, reg)
	}
	tw := newTable(w, fmt.Sprintf("Regression %s -> %s", reg.BaselineSession, reg.CurrentSession))
	tw.AppendHeader(table.Row{"Change", "Specs"})
	tw.AppendRow(table.Row{"regressed", strings.Join(reg.Regressed, ", ")})
	tw.AppendRow(table.Row{"recovered", strings.Join(reg.Recovered, ", ")})
	tw.AppendRow(table.Row{"added", strings.Join(reg.Added, ", ")})
	tw.AppendRow(table.Row{"removed", strings.Join(reg.Removed, ", ")})
	tw.AppendRow(table.Row{"success rate", fmt.Sprintf("%s -> %s (%+.1f)", pct(reg.BaselineRate), pct(reg.CurrentRate), reg.SuccessRateDelta)})
	if reg.GateTurnedFailing {
		tw.AppendRow(table.Row{"gate", "turned failing"})
	}
	if reg.RiskLevelEscalated {
		tw.AppendRow(table.Row{"risk", "escalated"})
	}
	render(tw, format)
	return nil
}

// Evidence renders archived entries as a table.
func Evidence(w io.Writer, entries []domain.EvidenceEntry, format string) error {
	if format == FormatJSON {
		return writeJSON(w, entries)
	}
	tw := newTable(w, "")
	tw.AppendHeader(table.Row{"Session", "Status", "Archived", "Specs", "OK", "Failed", "Gate", "Resumed from"})
	for _, e := range entries {
		gate := "-"
		if e.Gate != nil {
			gate = mark(e.Gate.Passed)
		}
		tw.AppendRow(table.Row{e.SessionID, e.Status, e.ArchivedAt, e.TotalSpecs, e.Succeeded, e.Failed, gate, e.ResumedFrom})
	}
	render(tw, format)
	return nil
}

// Plan renders the stage view followed by the dependency tiers.
func Plan(w io.Writer, p domain.Plan, format string) error {
	if format == FormatJSON {
		return writeJSON(w, p)
	}
	stages := newTable(w, "Stages")
	stages.AppendHeader(table.Row{"Stage", "Specs", "Templates"})
	for _, s := range p.Stages {
		stages.AppendRow(table.Row{s.Name, strings.Join(s.Specs, ", "), strings.Join(s.Templates, ", ")})
	}
	render(stages, format)

	tiers := newTable(w, "Tiers")
	tiers.AppendHeader(table.Row{"Tier", "Specs"})
	for _, t := range p.Tiers {
		tiers.AppendRow(table.Row{t.Index, strings.Join(t.Specs, ", ")})
	}
	render(tiers, format)
	return nil
}

// Queue renders the goal queue in execution order.
func Queue(w io.Writer, goals []plan.Goal, format string) error {
	if format == FormatJSON {
		return writeJSON(w, goals)
	}
	tw := newTable(w, "")
	tw.AppendHeader(table.Row{"Tier", "Spec", "Goal", "Depends on"})
	for _, g := range goals {
		tw.AppendRow(table.Row{g.Tier, g.SpecID, g.Goal, strings.Join(g.DependsOn, ", ")})
	}
	render(tw, format)
	return nil
}

func Events(w io.Writer, items []domain.Event, format string) error {
	if format == FormatJSON {
		return writeJSON(w, items)
	}
	tw := newTable(w, "")
	tw.AppendHeader(table.Row{"ID", "TS", "Type", "Session", "Entity", "Actor"})
	for _, e := range items {
		entity := e.EntityKind
		if e.EntityID != "" {
			entity += ":" + e.EntityID
		}
		tw.AppendRow(table.Row{e.ID, e.TS, e.Type, e.SessionID, entity, e.ActorID})
	}
	render(tw, format)
	return nil
}
