package executor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"kse/internal/domain"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type scriptedRunner struct {
	mu    sync.Mutex
	calls map[string]int
	fn    func(spec domain.Spec, call int) (Outcome, error)
}

func newScripted(fn func(spec domain.Spec, call int) (Outcome, error)) *scriptedRunner {
	return &scriptedRunner{calls: map[string]int{}, fn: fn}
}

func (r *scriptedRunner) Run(_ context.Context, spec domain.Spec) (Outcome, error) {
	r.mu.Lock()
	r.calls[spec.ID]++
	n := r.calls[spec.ID]
	r.mu.Unlock()
	return r.fn(spec, n)
}

func (r *scriptedRunner) count(id string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[id]
}

func failing(ids ...string) func(domain.Spec, int) (Outcome, error) {
	return func(spec domain.Spec, _ int) (Outcome, error) {
		for _, id := range ids {
			if spec.ID == id {
				return Outcome{Output: "boom"}, errors.New("exit status 1")
			}
		}
		return Outcome{Output: "ok"}, nil
	}
}

func threeSpecManifest() (domain.Manifest, []domain.Tier) {
	m := domain.Manifest{
		Templates: []string{"base"},
		Specs: []domain.Spec{
			{ID: "a", Risk: "low"},
			{ID: "b", Risk: "medium"},
			{ID: "c", DependsOn: []string{"a"}, Risk: "high"},
		},
	}
	tiers := []domain.Tier{{Index: 0, Specs: []string{"a", "b"}}, {Index: 1, Specs: []string{"c"}}}
	return m, tiers
}

func noSleep(context.Context, time.Duration) error { return nil }

func TestExecuteAllSucceed(t *testing.T) {
	m, tiers := threeSpecManifest()
	r := newScripted(failing())
	var observed []string
	ex := Executor{Runner: r, OnResult: func(res domain.SpecResult) { observed = append(observed, res.SpecID) }}

	res, err := ex.Execute(context.Background(), m, tiers, Options{Parallelism: 2, Retry: RetryPolicy{MaxAttempts: 1}})
	require.NoError(t, err)
	assert.False(t, res.Halted)
	require.Len(t, res.Specs, 3)
	for _, s := range res.Specs {
		assert.Equal(t, domain.StatusSuccess, s.Status, s.SpecID)
		assert.Equal(t, 1, s.Attempts)
	}
	assert.Equal(t, []string{"a", "b", "c"}, observed)
	assert.Equal(t, domain.StatusSuccess, res.Tiers[1].Status)
	assert.Equal(t, 1, res.Specs[2].Tier)
}

func TestExecuteHaltsAfterFailedTier(t *testing.T) {
	m, tiers := threeSpecManifest()
	r := newScripted(failing("a"))
	ex := Executor{Runner: r}

	res, err := ex.Execute(context.Background(), m, tiers, Options{Parallelism: 1, Retry: RetryPolicy{MaxAttempts: 1}})
	require.NoError(t, err)
	assert.True(t, res.Halted)

	a, _ := resultOf(res, "a")
	b, _ := resultOf(res, "b")
	c, _ := resultOf(res, "c")
	assert.Equal(t, domain.StatusFailed, a.Status)
	assert.Contains(t, a.Error, "spec a failed after 1 attempt(s)")
	assert.Equal(t, domain.StatusSkipped, b.Status)
	assert.Equal(t, domain.StatusSkipped, c.Status)
	assert.Equal(t, 0, r.count("b"))
	assert.Equal(t, 0, r.count("c"))
	assert.Equal(t, domain.StatusFailed, res.Tiers[0].Status)
	assert.Equal(t, domain.StatusSkipped, res.Tiers[1].Status)
}

func TestExecuteContinueOnErrorSkipsDependents(t *testing.T) {
	m, tiers := threeSpecManifest()
	m.Specs = append(m.Specs, domain.Spec{ID: "d", DependsOn: []string{"b"}})
	tiers[1].Specs = append(tiers[1].Specs, "d")
	r := newScripted(failing("a"))
	ex := Executor{Runner: r}

	res, err := ex.Execute(context.Background(), m, tiers, Options{
		Parallelism:     4,
		ContinueOnError: true,
		Retry:           RetryPolicy{MaxAttempts: 1},
	})
	require.NoError(t, err)
	assert.False(t, res.Halted)

	c, _ := resultOf(res, "c")
	d, _ := resultOf(res, "d")
	assert.Equal(t, domain.StatusSkipped, c.Status)
	assert.Equal(t, "dependency a did not succeed", c.Error)
	assert.Equal(t, domain.StatusSuccess, d.Status)
	assert.Equal(t, 0, r.count("c"))
}

func TestExecuteDryRunNeverCallsRunner(t *testing.T) {
	m, tiers := threeSpecManifest()
	r := newScripted(failing("a", "b", "c"))
	ex := Executor{Runner: r}

	res, err := ex.Execute(context.Background(), m, tiers, Options{DryRun: true, Parallelism: 2})
	require.NoError(t, err)
	for _, s := range res.Specs {
		assert.Equal(t, domain.StatusPlanned, s.Status)
		assert.Zero(t, r.count(s.SpecID))
	}
	assert.Equal(t, domain.StatusPlanned, res.Tiers[0].Status)
}

func TestExecuteRetriesRateLimitWithHint(t *testing.T) {
	m := domain.Manifest{Templates: []string{"base"}, Specs: []domain.Spec{{ID: "a"}}}
	tiers := []domain.Tier{{Index: 0, Specs: []string{"a"}}}
	r := newScripted(func(_ domain.Spec, call int) (Outcome, error) {
		if call == 1 {
			return Outcome{}, &domain.RateLimitError{RetryAfter: 5 * time.Second, Err: errors.New("exit status 75")}
		}
		return Outcome{Output: "done", Risk: "medium"}, nil
	})
	var slept []time.Duration
	policy := RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   time.Second,
		Sleep: func(_ context.Context, d time.Duration) error {
			slept = append(slept, d)
			return nil
		},
	}
	res, err := Executor{Runner: r}.Execute(context.Background(), m, tiers, Options{Parallelism: 1, Retry: policy})
	require.NoError(t, err)
	require.Len(t, res.Specs, 1)
	assert.Equal(t, domain.StatusSuccess, res.Specs[0].Status)
	assert.Equal(t, 2, res.Specs[0].Attempts)
	assert.Equal(t, domain.RiskMedium, res.Specs[0].Risk)
	assert.Equal(t, []time.Duration{5 * time.Second}, slept)
}

func TestExecuteOrdinaryFailureNotRetriedByDefault(t *testing.T) {
	m := domain.Manifest{Templates: []string{"base"}, Specs: []domain.Spec{{ID: "a"}}}
	tiers := []domain.Tier{{Index: 0, Specs: []string{"a"}}}
	r := newScripted(failing("a"))
	res, err := Executor{Runner: r}.Execute(context.Background(), m, tiers, Options{
		Retry: RetryPolicy{MaxAttempts: 3, Sleep: noSleep},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, r.count("a"))
	assert.Equal(t, domain.StatusFailed, res.Specs[0].Status)

	r = newScripted(failing("a"))
	res, err = Executor{Runner: r}.Execute(context.Background(), m, tiers, Options{
		Retry: RetryPolicy{MaxAttempts: 3, RetryFailures: true, Sleep: noSleep},
	})
	require.NoError(t, err)
	assert.Equal(t, 3, r.count("a"))
	assert.Equal(t, 3, res.Specs[0].Attempts)
}

func TestExecuteResumePendingCarriesSuccesses(t *testing.T) {
	m, tiers := threeSpecManifest()
	first, err := Executor{Runner: newScripted(failing("b"))}.Execute(context.Background(), m, tiers, Options{
		ContinueOnError: true,
		Retry:           RetryPolicy{MaxAttempts: 1},
	})
	require.NoError(t, err)
	prior := domain.RunReport{SessionID: "s1", Status: domain.RunCompleted, Specs: first.Specs}

	r := newScripted(failing())
	second, err := Executor{Runner: r}.Execute(context.Background(), m, tiers, Options{
		Retry:    RetryPolicy{MaxAttempts: 1},
		Prior:    &prior,
		Strategy: StrategyPending,
	})
	require.NoError(t, err)
	assert.Equal(t, StrategyPending, second.Strategy)
	assert.Equal(t, 0, r.count("a"))
	assert.Equal(t, 1, r.count("b"))
	assert.Equal(t, 0, r.count("c"))
	a, _ := resultOf(second, "a")
	assert.True(t, a.Carried)
	for _, s := range second.Specs {
		assert.Equal(t, domain.StatusSuccess, s.Status, s.SpecID)
	}

	// Resuming a fully successful run changes nothing.
	again := domain.RunReport{SessionID: "s2", Status: domain.RunCompleted, Specs: second.Specs}
	r2 := newScripted(failing())
	third, err := Executor{Runner: r2}.Execute(context.Background(), m, tiers, Options{
		Retry:    RetryPolicy{MaxAttempts: 1},
		Prior:    &again,
		Strategy: StrategyPending,
	})
	require.NoError(t, err)
	for _, id := range []string{"a", "b", "c"} {
		assert.Zero(t, r2.count(id))
	}
	assert.Equal(t, statuses(second), statuses(third))
}

func TestExecuteResumeFailedOnly(t *testing.T) {
	m, tiers := threeSpecManifest()
	prior := domain.RunReport{SessionID: "s1", Status: domain.RunCompleted, Specs: []domain.SpecResult{
		{SpecID: "a", Status: domain.StatusSuccess},
		{SpecID: "b", Status: domain.StatusFailed},
		{SpecID: "c", Status: domain.StatusSkipped},
	}}
	r := newScripted(failing())
	res, err := Executor{Runner: r}.Execute(context.Background(), m, tiers, Options{
		Retry:    RetryPolicy{MaxAttempts: 1},
		Prior:    &prior,
		Strategy: StrategyFailedOnly,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, r.count("b"))
	assert.Equal(t, 0, r.count("c"))
	c, _ := resultOf(res, "c")
	assert.Equal(t, domain.StatusSkipped, c.Status)
	assert.Equal(t, 1, c.Tier)
}

func TestExecuteDryRunResumePlansOnlySelectedSpecs(t *testing.T) {
	m, tiers := threeSpecManifest()
	prior := domain.RunReport{SessionID: "s1", Status: domain.RunCompleted, Specs: []domain.SpecResult{
		{SpecID: "a", Status: domain.StatusSuccess},
		{SpecID: "b", Status: domain.StatusFailed},
		{SpecID: "c", Status: domain.StatusSuccess},
	}}
	res, err := Executor{}.Execute(context.Background(), m, tiers, Options{
		DryRun:   true,
		Prior:    &prior,
		Strategy: StrategyFailedOnly,
	})
	require.NoError(t, err)
	assert.Equal(t, StrategyFailedOnly, res.Strategy)
	assert.Equal(t, map[string]string{
		"a": domain.StatusSuccess,
		"b": domain.StatusPlanned,
		"c": domain.StatusSuccess,
	}, statuses(res))
	a, _ := resultOf(res, "a")
	assert.True(t, a.Carried)

	prior.Specs[2].Status = domain.StatusSkipped
	res, err = Executor{}.Execute(context.Background(), m, tiers, Options{DryRun: true, Prior: &prior})
	require.NoError(t, err)
	assert.Equal(t, StrategyPending, res.Strategy)
	assert.Equal(t, domain.StatusPlanned, statuses(res)["c"])
}

func TestResolveStrategy(t *testing.T) {
	m, _ := threeSpecManifest()
	done := domain.RunReport{Status: domain.RunCompleted, Specs: []domain.SpecResult{
		{SpecID: "a", Status: domain.StatusSuccess},
		{SpecID: "b", Status: domain.StatusFailed},
		{SpecID: "c", Status: domain.StatusSuccess},
	}}
	assert.Equal(t, StrategyFailedOnly, ResolveStrategy(StrategyAuto, done, m))

	halted := done
	halted.Status = domain.RunHalted
	assert.Equal(t, StrategyPending, ResolveStrategy(StrategyAuto, halted, m))

	partial := domain.RunReport{Status: domain.RunCompleted, Specs: done.Specs[:2]}
	assert.Equal(t, StrategyPending, ResolveStrategy(StrategyAuto, partial, m))

	assert.Equal(t, StrategyPending, ResolveStrategy(StrategyPending, done, m))
}

func TestParseStrategy(t *testing.T) {
	s, err := ParseStrategy("")
	require.NoError(t, err)
	assert.Equal(t, StrategyAuto, s)
	s, err = ParseStrategy("Failed-Only")
	require.NoError(t, err)
	assert.Equal(t, StrategyFailedOnly, s)
	_, err = ParseStrategy("everything")
	assert.Error(t, err)
}

func TestExecuteCancelledContext(t *testing.T) {
	m, tiers := threeSpecManifest()
	ctx, cancel := context.WithCancel(context.Background())
	r := newScripted(func(spec domain.Spec, _ int) (Outcome, error) {
		cancel()
		return Outcome{}, context.Canceled
	})
	res, err := Executor{Runner: r}.Execute(ctx, m, tiers, Options{Parallelism: 1, Retry: RetryPolicy{MaxAttempts: 3}})
	require.ErrorIs(t, err, context.Canceled)
	assert.True(t, res.Halted)
	assert.Len(t, res.Specs, 3)
	c, _ := resultOf(res, "c")
	assert.Equal(t, domain.StatusSkipped, c.Status)
}

func resultOf(res Result, id string) (domain.SpecResult, bool) {
	for _, s := range res.Specs {
		if s.SpecID == id {
			return s, true
		}
	}
	return domain.SpecResult{}, false
}

func statuses(res Result) map[string]string {
	out := map[string]string{}
	for _, s := range res.Specs {
		out[s.SpecID] = s.Status
	}
	return out
}
