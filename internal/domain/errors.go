package domain

import (
	"fmt"
	"strings"
	"time"
)

// ValidationError reports every problem found in a manifest.
type ValidationError struct {
	Issues []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid manifest: %s", strings.Join(e.Issues, "; "))
}

// CycleError names the specs that sit on a dependency cycle.
type CycleError struct {
	Members []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("dependency cycle among specs: %s", strings.Join(e.Members, ", "))
}

// ExecutionError is recorded when a spec action fails.
type ExecutionError struct {
	SpecID   string
	Attempts int
	Err      error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("spec %s failed after %d attempt(s): %v", e.SpecID, e.Attempts, e.Err)
}

func (e *ExecutionError) Unwrap() error { return e.Err }

// RateLimitError marks a failure the runner believes is throttling.
// RetryAfter is the external hint, zero when none was given.
type RateLimitError struct {
	RetryAfter time.Duration
	Err        error
}

func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("rate limited (retry after %s): %v", e.RetryAfter, e.Err)
	}
	return fmt.Sprintf("rate limited: %v", e.Err)
}

func (e *RateLimitError) Unwrap() error { return e.Err }

// GateViolation carries the unmet release gate conditions.
type GateViolation struct {
	Violations []GateCondition
}

func (e *GateViolation) Error() string {
	parts := make([]string, 0, len(e.Violations))
	for _, v := range e.Violations {
		parts = append(parts, fmt.Sprintf("%s (actual %s, expected %s)", v.Condition, v.Actual, v.Expected))
	}
	return "release gate failed: " + strings.Join(parts, "; ")
}

// DriftAlert carries the drift thresholds that were exceeded.
type DriftAlert struct {
	Triggers []string
}

func (e *DriftAlert) Error() string {
	return "release gate drift alert: " + strings.Join(e.Triggers, "; ")
}

// ArchiveWarning is a failed evidence write. It never changes a verdict.
type ArchiveWarning struct {
	SessionID string
	Err       error
}

func (e *ArchiveWarning) Error() string {
	return fmt.Sprintf("archive session %s: %v", e.SessionID, e.Err)
}

func (e *ArchiveWarning) Unwrap() error { return e.Err }
