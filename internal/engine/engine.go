package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"kse/internal/batch"
	"kse/internal/config"
	"kse/internal/domain"
	"kse/internal/drift"
	"kse/internal/events"
	"kse/internal/evidence"
	"kse/internal/executor"
	"kse/internal/gate"
	"kse/internal/manifest"
	"kse/internal/metrics"
	"kse/internal/notify"
	"kse/internal/plan"
	"kse/internal/report"
	"kse/internal/repo"
)

type Engine struct {
	DB        *sql.DB
	Repo      repo.Repo
	Events    events.Writer
	Config    *config.Config
	Workspace string
	Store     evidence.Store
	Runner    executor.Runner
	Logger    *zap.Logger
	Metrics   *metrics.Metrics
	Notifier  *notify.Dispatcher
	Now       func() time.Time
	NewID     func() string
	// Sleep replaces the wait between retries; nil uses a real timer.
	Sleep func(ctx context.Context, d time.Duration) error
}

// New wires an engine for a workspace. The evidence backend follows
// config.evidence.backend.
func New(db *sql.DB, cfg *config.Config, workspace string, logger *zap.Logger) Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := repo.Repo{DB: db}
	var store evidence.Store
	switch cfg.Evidence.Backend {
	case "sqlite":
		store = evidence.SQLStore{Repo: r}
	default:
		store = evidence.NewFileStore(cfg.EvidencePath(workspace), logger)
	}
	return Engine{
		DB:        db,
		Repo:      r,
		Events:    events.Writer{DB: db},
		Config:    cfg,
		Workspace: workspace,
		Store:     store,
		Runner: executor.ShellRunner{
			Shell:   cfg.Executor.Shell,
			Dir:     workspace,
			Timeout: cfg.Executor.SpecTimeout,
		},
		Logger:   logger,
		Metrics:  metrics.New(),
		Notifier: notify.NewDispatcher(r, cfg.Project.ID, cfg.Webhooks, logger),
		Now:      time.Now,
		NewID:    uuid.NewString,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now().UTC()
	}
	return time.Now().UTC()
}

func (e Engine) log() *zap.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return zap.NewNop()
}

func (e Engine) loader(policy config.GatePolicy) manifest.Loader {
	return manifest.Loader{
		Now:              e.now,
		OntologyMaxAge:   e.Config.Manifest.OntologyMaxAge,
		OntologyOptional: !policy.RequireOntologyValidation,
	}
}

// Prepared is a validated manifest with its tiers and stage plan.
type Prepared struct {
	Manifest *domain.Manifest
	Tiers    []domain.Tier
	Plan     domain.Plan
	// OntologyPresent is the gate input for the ontology condition.
	OntologyPresent bool
}

// Prepare loads and validates a manifest and resolves its tiers. It fails
// with *domain.ValidationError or *domain.CycleError before anything runs.
func (e Engine) Prepare(path string, policy config.GatePolicy) (Prepared, error) {
	l := e.loader(policy)
	m, err := l.Load(path)
	if err != nil {
		return Prepared{}, err
	}
	tiers, err := batch.Build(m)
	if err != nil {
		return Prepared{}, err
	}
	p := plan.Build(m, tiers)
	p.Manifest = path
	return Prepared{Manifest: m, Tiers: tiers, Plan: p, OntologyPresent: l.OntologyPresent(m)}, nil
}

// Plan returns the staged plan for a manifest.
func (e Engine) Plan(path string) (domain.Plan, error) {
	p, err := e.Prepare(path, e.Config.Gate)
	if err != nil {
		return domain.Plan{}, err
	}
	return p.Plan, nil
}

// Queue returns one integration goal per spec in execution order.
func (e Engine) Queue(path string) ([]plan.Goal, error) {
	p, err := e.Prepare(path, e.Config.Gate)
	if err != nil {
		return nil, err
	}
	return plan.Goals(p.Manifest, p.Tiers), nil
}

// RunOptions are the per-invocation knobs of a handoff run. Gate and Drift
// start from the config and are overridden by flags.
type RunOptions struct {
	Manifest         string
	DryRun           bool
	ContinueOnError  bool
	ContinueFrom     string
	ContinueStrategy string
	Parallelism      int
	Gate             config.GatePolicy
	Drift            config.DriftPolicy
}

// DefaultRunOptions seeds run options from the config.
func (e Engine) DefaultRunOptions(path string) RunOptions {
	return RunOptions{
		Manifest:        path,
		ContinueOnError: e.Config.Executor.ContinueOnError,
		Parallelism:     e.Config.Executor.Parallelism,
		Gate:            e.Config.Gate,
		Drift:           e.Config.Drift,
	}
}

// Run executes a handoff manifest end to end. The returned report is
// persisted even when an error is returned. Errors are
// *domain.ValidationError and *domain.CycleError before execution, a
// context error when cancelled, and *domain.GateViolation and/or
// *domain.DriftAlert in enforce mode. Spec failures are never errors here.
func (e Engine) Run(ctx context.Context, opts RunOptions) (domain.RunReport, error) {
	strategy, err := executor.ParseStrategy(opts.ContinueStrategy)
	if err != nil {
		return domain.RunReport{}, err
	}
	prep, err := e.Prepare(opts.Manifest, opts.Gate)
	if err != nil {
		return domain.RunReport{}, err
	}
	var prior *domain.RunReport
	if opts.ContinueFrom != "" {
		p, err := e.LoadSession(ctx, opts.ContinueFrom)
		if err != nil {
			return domain.RunReport{}, fmt.Errorf("continue from %s: %w", opts.ContinueFrom, err)
		}
		prior = &p
	}

	newID := e.NewID
	if newID == nil {
		newID = uuid.NewString
	}
	rep := domain.RunReport{
		SessionID: newID(),
		Manifest:  opts.Manifest,
		DryRun:    opts.DryRun,
		StartedAt: e.now().Format(time.RFC3339),
		Plan:      prep.Plan,
		Specs:     []domain.SpecResult{},
		Tiers:     []domain.TierResult{},
	}
	if prior != nil {
		rep.ResumedFrom = prior.SessionID
	}
	log := e.log().With(zap.String("session", rep.SessionID))
	if err := e.Notifier.Prime(ctx); err != nil {
		log.Warn("webhook cursor init failed", zap.Error(err))
	}
	e.emit(ctx, events.RunStarted, rep.SessionID, events.KindSession, rep.SessionID, events.EventPayload{
		"manifest":     opts.Manifest,
		"specs":        len(prep.Manifest.Specs),
		"tiers":        len(prep.Tiers),
		"dry_run":      opts.DryRun,
		"resumed_from": rep.ResumedFrom,
	})
	log.Info("handoff run started",
		zap.String("manifest", opts.Manifest),
		zap.Int("specs", len(prep.Manifest.Specs)),
		zap.Int("tiers", len(prep.Tiers)),
		zap.Bool("dry_run", opts.DryRun))

	retry := executor.PolicyFromConfig(e.Config.Executor.Retry)
	retry.Sleep = e.Sleep
	ex := executor.Executor{
		Runner: e.Runner,
		Logger: log,
		Now:    e.now,
		OnResult: func(r domain.SpecResult) {
			e.Metrics.ObserveSpec(r)
			e.emit(ctx, events.SpecFinished, rep.SessionID, events.KindSpec, r.SpecID, events.EventPayload{
				"status":   r.Status,
				"tier":     r.Tier,
				"attempts": r.Attempts,
				"carried":  r.Carried,
				"error":    r.Error,
			})
		},
	}
	parallelism := opts.Parallelism
	if parallelism <= 0 {
		parallelism = e.Config.Executor.Parallelism
	}
	res, execErr := ex.Execute(ctx, *prep.Manifest, prep.Tiers, executor.Options{
		DryRun:          opts.DryRun,
		ContinueOnError: opts.ContinueOnError,
		Parallelism:     parallelism,
		Retry:           retry,
		Prior:           prior,
		Strategy:        strategy,
	})
	rep.Specs = res.Specs
	rep.Tiers = res.Tiers
	rep.ContinueStrategy = res.Strategy
	switch {
	case opts.DryRun:
		rep.Status = domain.RunDryRun
	case res.Halted:
		rep.Status = domain.RunHalted
	default:
		rep.Status = domain.RunCompleted
	}

	if !opts.DryRun {
		g := gate.Evaluate(gate.Input{Specs: rep.Specs, OntologyValidationPresent: prep.OntologyPresent}, opts.Gate)
		history, herr := e.Store.List(ctx, 0)
		if herr != nil {
			rep.Warnings = append(rep.Warnings, fmt.Sprintf("read evidence history: %v", herr))
			log.Warn("evidence history unavailable; drift computed without it", zap.Error(herr))
		}
		d := drift.Analyze(drift.FromEvidence(history), drift.FromGate(g), opts.Drift)
		g.Drift = &d
		rep.Gate = &g
	}
	rep.FinishedAt = e.now().Format(time.RFC3339)

	if !opts.DryRun {
		archiver := evidence.Archiver{Store: e.Store, Logger: log, Now: e.now}
		if _, aerr := archiver.Archive(ctx, rep); aerr != nil {
			e.Metrics.ArchiveFailed()
			rep.Warnings = append(rep.Warnings, aerr.Error())
			e.emit(ctx, events.ArchiveFailed, rep.SessionID, events.KindSession, rep.SessionID, events.EventPayload{"error": aerr.Error()})
		} else {
			e.emit(ctx, events.SessionArchived, rep.SessionID, events.KindSession, rep.SessionID, nil)
		}
	}
	if serr := e.writeSession(rep); serr != nil {
		warn := &domain.ArchiveWarning{SessionID: rep.SessionID, Err: serr}
		rep.Warnings = append(rep.Warnings, warn.Error())
		log.Warn("session report not written", zap.Error(serr))
	}

	e.finish(ctx, rep)
	if execErr != nil {
		return rep, execErr
	}
	if rep.Gate == nil {
		return rep, nil
	}
	return rep, errors.Join(gate.Check(*rep.Gate), drift.Check(*rep.Gate.Drift))
}

// finish records the run outcome in the ledger, metrics and webhooks.
func (e Engine) finish(ctx context.Context, rep domain.RunReport) {
	e.Metrics.ObserveRun(rep)
	e.emit(ctx, events.RunFinished, rep.SessionID, events.KindSession, rep.SessionID, events.EventPayload{
		"status":   rep.Status,
		"specs":    len(rep.Specs),
		"warnings": len(rep.Warnings),
	})
	fields := []zap.Field{zap.String("session", rep.SessionID), zap.String("status", rep.Status)}
	if g := rep.Gate; g != nil {
		payload := events.EventPayload{
			"passed":       g.Passed,
			"enforced":     g.Enforced,
			"success_rate": g.SuccessRate,
			"risk_level":   g.RiskLevel,
		}
		e.emit(ctx, events.GateEvaluated, rep.SessionID, events.KindGate, rep.SessionID, payload)
		if !g.Passed {
			payload["violations"] = g.Violations
			e.emit(ctx, events.GateFailed, rep.SessionID, events.KindGate, rep.SessionID, payload)
		}
		if g.Drift != nil && g.Drift.Alert {
			e.emit(ctx, events.DriftAlert, rep.SessionID, events.KindGate, rep.SessionID, events.EventPayload{
				"triggers": g.Drift.Triggers,
				"enforced": g.Drift.Enforced,
			})
		}
		fields = append(fields, zap.Bool("gate_passed", g.Passed), zap.Float64("success_rate", g.SuccessRate))
	}
	e.log().Info("handoff run finished", fields...)
	if err := e.writeMetrics(); err != nil {
		e.log().Warn("metrics textfile not written", zap.Error(err))
	}
	if e.Notifier.Enabled() {
		e.Notifier.DispatchOnce(ctx)
	}
}

func (e Engine) emit(ctx context.Context, typ, sessionID, kind, entityID string, payload events.EventPayload) {
	if e.DB == nil {
		return
	}
	if err := e.Events.Append(ctx, nil, typ, sessionID, kind, entityID, payload); err != nil {
		e.log().Warn("event not recorded", zap.String("type", typ), zap.Error(err))
	}
}

// Regression compares a session with a baseline. An empty against uses the
// session it resumed from, or else the session archived just before it.
func (e Engine) Regression(ctx context.Context, sessionID, against string) (drift.Regression, error) {
	current, err := e.LoadSession(ctx, sessionID)
	if err != nil {
		return drift.Regression{}, err
	}
	if against == "" {
		against = current.ResumedFrom
	}
	if against == "" {
		against, err = e.previousSession(ctx, current.SessionID)
		if err != nil {
			return drift.Regression{}, err
		}
	}
	baseline, err := e.LoadSession(ctx, against)
	if err != nil {
		return drift.Regression{}, err
	}
	return drift.Compare(baseline, current), nil
}

func (e Engine) previousSession(ctx context.Context, sessionID string) (string, error) {
	entries, err := e.Store.List(ctx, 0)
	if err != nil {
		return "", err
	}
	for i, en := range entries {
		if en.SessionID == sessionID {
			if i == 0 {
				break
			}
			return entries[i-1].SessionID, nil
		}
	}
	return "", fmt.Errorf("no baseline session before %s; pass --against", sessionID)
}

// GateIndex summarises the last window gated sessions.
func (e Engine) GateIndex(ctx context.Context, window int) (report.Index, error) {
	entries, err := e.Store.List(ctx, 0)
	if err != nil {
		return report.Index{}, err
	}
	if window <= 0 {
		window = e.Config.Drift.LongWindow
	}
	return report.BuildIndex(entries, window, e.Config.Drift), nil
}

// EvaluateSession re-evaluates a stored run under another gate policy. The
// stored report is not modified.
func (e Engine) EvaluateSession(ctx context.Context, sessionID string, policy config.GatePolicy) (domain.GateReport, error) {
	rep, err := e.LoadSession(ctx, sessionID)
	if err != nil {
		return domain.GateReport{}, err
	}
	present := false
	if rep.Gate != nil {
		present = rep.Gate.OntologyValidationPresent
	}
	g := gate.Evaluate(gate.Input{Specs: rep.Specs, OntologyValidationPresent: present}, policy)
	e.Metrics.ObserveGate(g)
	return g, nil
}
