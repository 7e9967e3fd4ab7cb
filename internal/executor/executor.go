package executor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"kse/internal/domain"
)

// Resume strategies for continue_from.
const (
	StrategyAuto       = "auto"
	StrategyPending    = "pending"
	StrategyFailedOnly = "failed-only"
)

// ParseStrategy validates a continue strategy; blank means auto.
func ParseStrategy(s string) (string, error) {
	switch v := strings.ToLower(strings.TrimSpace(s)); v {
	case "":
		return StrategyAuto, nil
	case StrategyAuto, StrategyPending, StrategyFailedOnly:
		return v, nil
	default:
		return "", fmt.Errorf("unknown continue strategy %q (want auto|pending|failed-only)", s)
	}
}

// ResolveStrategy turns auto into a concrete strategy. A prior run that
// halted, or that never attempted some spec of the manifest, resumes as
// pending; otherwise only its failures are retried.
func ResolveStrategy(strategy string, prior domain.RunReport, m domain.Manifest) string {
	if strategy != StrategyAuto && strategy != "" {
		return strategy
	}
	if prior.Status == domain.RunHalted || prior.DryRun {
		return StrategyPending
	}
	for _, s := range m.Specs {
		r, ok := prior.Result(s.ID)
		if !ok || r.Status == domain.StatusPlanned || r.Status == domain.StatusSkipped {
			return StrategyPending
		}
	}
	return StrategyFailedOnly
}

type Options struct {
	DryRun          bool
	ContinueOnError bool
	Parallelism     int
	Retry           RetryPolicy
	// Prior, when set, is the run being resumed.
	Prior    *domain.RunReport
	Strategy string
}

// Result is the outcome of executing every tier.
type Result struct {
	Specs    []domain.SpecResult
	Tiers    []domain.TierResult
	Halted   bool
	Strategy string
}

// Executor runs tiers in order and the specs of a tier concurrently.
type Executor struct {
	Runner Runner
	Logger *zap.Logger
	Now    func() time.Time
	// OnResult observes every final spec result, in plan order, from the
	// calling goroutine.
	OnResult func(domain.SpecResult)
}

func (e Executor) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now().UTC()
}

func (e Executor) logger() *zap.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return zap.NewNop()
}

// Execute runs the manifest's specs tier by tier. It returns an error only
// when ctx ends; the partial result is still returned.
func (e Executor) Execute(ctx context.Context, m domain.Manifest, tiers []domain.Tier, opts Options) (Result, error) {
	if e.Runner == nil && !opts.DryRun {
		return Result{}, errors.New("executor: no runner configured")
	}
	log := e.logger()
	specs := make(map[string]domain.Spec, len(m.Specs))
	for _, s := range m.Specs {
		specs[s.ID] = s
	}

	var res Result
	var carried map[string]domain.SpecResult
	if opts.Prior != nil {
		strategy, err := ParseStrategy(opts.Strategy)
		if err != nil {
			return Result{}, err
		}
		res.Strategy = ResolveStrategy(strategy, *opts.Prior, m)
		carried = carryOver(*opts.Prior, m, res.Strategy)
		log.Info("resuming run",
			zap.String("from", opts.Prior.SessionID),
			zap.String("strategy", res.Strategy),
			zap.Int("carried", len(carried)))
	}

	par := opts.Parallelism
	if par <= 0 {
		par = 1
	}
	throttle := NewThrottle(par)
	status := make(map[string]string, len(m.Specs))
	var ctxErr error
	haltedAt := -1

	for _, tier := range tiers {
		results := make([]domain.SpecResult, len(tier.Specs))
		switch {
		case ctxErr != nil:
			for i, id := range tier.Specs {
				results[i] = skipped(specs[id], tier.Index, "run cancelled")
			}
		case res.Halted:
			for i, id := range tier.Specs {
				results[i] = skipped(specs[id], tier.Index, fmt.Sprintf("not run: tier %d failed", haltedAt))
			}
		default:
			e.runTier(ctx, tier, specs, status, carried, opts, throttle, results)
		}

		tr := summarize(tier.Index, results)
		for _, r := range results {
			status[r.SpecID] = r.Status
			res.Specs = append(res.Specs, r)
			if e.OnResult != nil {
				e.OnResult(r)
			}
		}
		res.Tiers = append(res.Tiers, tr)
		log.Debug("tier finished",
			zap.Int("tier", tier.Index),
			zap.String("status", tr.Status),
			zap.Int("failed", tr.Failed))

		if ctxErr == nil && ctx.Err() != nil {
			ctxErr = ctx.Err()
			res.Halted = true
		}
		if tr.Failed > 0 && !opts.ContinueOnError && !res.Halted {
			res.Halted = true
			haltedAt = tier.Index
			log.Warn("halting run after failed tier", zap.Int("tier", tier.Index))
		}
	}
	return res, ctxErr
}

func (e Executor) runTier(ctx context.Context, tier domain.Tier, specs map[string]domain.Spec, status map[string]string,
	carried map[string]domain.SpecResult, opts Options, throttle *Throttle, results []domain.SpecResult) {
	var stop atomic.Bool
	var g errgroup.Group
	g.SetLimit(max(opts.Parallelism, 1))
	for i, id := range tier.Specs {
		spec := specs[id]
		if prev, ok := carried[id]; ok {
			prev.Tier = tier.Index
			results[i] = prev
			continue
		}
		if opts.DryRun {
			results[i] = domain.SpecResult{
				SpecID: id,
				Tier:   tier.Index,
				Status: domain.StatusPlanned,
				Risk:   domain.AnnotatedRisk(spec.Risk),
			}
			continue
		}
		if dep := unmetDependency(spec, status); dep != "" {
			results[i] = skipped(spec, tier.Index, fmt.Sprintf("dependency %s did not succeed", dep))
			continue
		}
		i := i
		g.Go(func() error {
			if stop.Load() {
				results[i] = skipped(spec, tier.Index, fmt.Sprintf("not started: tier %d failed", tier.Index))
				return nil
			}
			results[i] = e.runSpec(ctx, spec, tier.Index, opts.Retry, throttle)
			if results[i].Status == domain.StatusFailed && !opts.ContinueOnError {
				stop.Store(true)
			}
			return nil
		})
	}
	_ = g.Wait()
}

func (e Executor) runSpec(ctx context.Context, spec domain.Spec, tier int, retry RetryPolicy, throttle *Throttle) domain.SpecResult {
	log := e.logger().With(zap.String("spec", spec.ID), zap.Int("tier", tier))
	start := e.now()
	res := domain.SpecResult{
		SpecID:    spec.ID,
		Tier:      tier,
		Risk:      domain.AnnotatedRisk(spec.Risk),
		StartedAt: start.Format(time.RFC3339),
	}
	var err error
	for attempt := 1; ; attempt++ {
		if aerr := throttle.Acquire(ctx); aerr != nil {
			err = aerr
			break
		}
		out, rerr := e.Runner.Run(ctx, spec)
		throttle.Release()
		res.Attempts = attempt
		res.Output = out.Output
		if out.Risk != "" {
			res.Risk = domain.NormalizeRisk(out.Risk)
		}
		err = rerr
		if rerr == nil {
			break
		}
		var rl *domain.RateLimitError
		if errors.As(rerr, &rl) {
			throttle.Backoff(rl.RetryAfter)
			log.Warn("rate limited", zap.Duration("retry_after", rl.RetryAfter), zap.Int("width", throttle.Width()))
		}
		if !retry.ShouldRetry(attempt, rerr) {
			break
		}
		d := retry.Delay(attempt, rerr)
		log.Info("retrying spec", zap.Int("attempt", attempt), zap.Duration("delay", d), zap.Error(rerr))
		if serr := retry.sleep(ctx, d); serr != nil {
			err = serr
			break
		}
	}
	res.DurationMs = e.now().Sub(start).Milliseconds()
	if err != nil {
		res.Status = domain.StatusFailed
		res.Error = (&domain.ExecutionError{SpecID: spec.ID, Attempts: res.Attempts, Err: err}).Error()
		log.Warn("spec failed", zap.Int("attempts", res.Attempts), zap.Error(err))
		return res
	}
	res.Status = domain.StatusSuccess
	log.Debug("spec succeeded", zap.Int("attempts", res.Attempts))
	return res
}

// carryOver picks the prior results a resumed run keeps instead of
// re-running. Successes are always kept; failed-only also keeps every spec
// that did not fail, as skipped.
func carryOver(prior domain.RunReport, m domain.Manifest, strategy string) map[string]domain.SpecResult {
	out := map[string]domain.SpecResult{}
	for _, s := range m.Specs {
		r, ok := prior.Result(s.ID)
		switch {
		case ok && r.Status == domain.StatusSuccess:
			r.Carried = true
			out[s.ID] = r
		case strategy == StrategyFailedOnly && (!ok || r.Status != domain.StatusFailed):
			out[s.ID] = skipped(s, 0, "not selected by failed-only resume")
		}
	}
	return out
}

func unmetDependency(spec domain.Spec, status map[string]string) string {
	for _, dep := range spec.DependsOn {
		if status[dep] != domain.StatusSuccess {
			return dep
		}
	}
	return ""
}

func skipped(spec domain.Spec, tier int, reason string) domain.SpecResult {
	return domain.SpecResult{
		SpecID: spec.ID,
		Tier:   tier,
		Status: domain.StatusSkipped,
		Risk:   domain.AnnotatedRisk(spec.Risk),
		Error:  reason,
	}
}

func summarize(index int, results []domain.SpecResult) domain.TierResult {
	tr := domain.TierResult{Index: index, Total: len(results)}
	planned := 0
	for _, r := range results {
		switch r.Status {
		case domain.StatusSuccess:
			tr.Succeeded++
		case domain.StatusFailed:
			tr.Failed++
		case domain.StatusSkipped:
			tr.Skipped++
		case domain.StatusPlanned:
			planned++
		}
	}
	switch {
	case tr.Failed > 0:
		tr.Status = domain.StatusFailed
	case planned > 0:
		tr.Status = domain.StatusPlanned
	case tr.Total > 0 && tr.Skipped == tr.Total:
		tr.Status = domain.StatusSkipped
	default:
		tr.Status = domain.StatusSuccess
	}
	return tr
}
