package executor

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"kse/internal/domain"
)

// ExitTempFail is the sysexits code a validation command uses to say it was
// throttled and should be retried later.
const ExitTempFail = 75

const maxOutputBytes = 4096

// Runner executes the integration action of one spec.
type Runner interface {
	Run(ctx context.Context, spec domain.Spec) (Outcome, error)
}

// Outcome is what a successful or failed action reports back.
// Risk, when set, overrides the manifest annotation.
type Outcome struct {
	Output string
	Risk   string
}

// RunnerFunc adapts a function to Runner.
type RunnerFunc func(ctx context.Context, spec domain.Spec) (Outcome, error)

func (f RunnerFunc) Run(ctx context.Context, spec domain.Spec) (Outcome, error) {
	return f(ctx, spec)
}

// ShellRunner runs a spec's command through a shell. Specs without a
// command succeed with nothing to validate.
type ShellRunner struct {
	Shell   string
	Dir     string
	Timeout time.Duration
	Env     []string
}

func (r ShellRunner) Run(ctx context.Context, spec domain.Spec) (Outcome, error) {
	if strings.TrimSpace(spec.Command) == "" {
		return Outcome{Output: "no validation command"}, nil
	}
	timeout := r.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	tctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	shell := r.Shell
	if shell == "" {
		shell = "sh"
	}
	cmd := exec.CommandContext(tctx, shell, "-c", spec.Command)
	cmd.WaitDelay = time.Second
	if r.Dir != "" {
		cmd.Dir = r.Dir
	}
	cmd.Env = append(os.Environ(), r.Env...)
	cmd.Env = append(cmd.Env, "KSE_SPEC_ID="+spec.ID)
	out, err := cmd.CombinedOutput()
	text := string(out)
	outcome := Outcome{Output: tail(text, maxOutputBytes), Risk: scanRisk(text)}
	if err == nil {
		return outcome, nil
	}
	if errors.Is(tctx.Err(), context.DeadlineExceeded) {
		return outcome, fmt.Errorf("timed out after %s", timeout)
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		hint := scanRetryAfter(text)
		if exitErr.ExitCode() == ExitTempFail || hint > 0 {
			return outcome, &domain.RateLimitError{RetryAfter: hint, Err: err}
		}
	}
	return outcome, err
}

// scanRetryAfter finds a "retry-after: <seconds>" line in command output.
func scanRetryAfter(out string) time.Duration {
	v := scanField(out, "retry-after")
	if v == "" {
		return 0
	}
	if secs, err := strconv.ParseFloat(v, 64); err == nil && secs > 0 {
		return time.Duration(secs * float64(time.Second))
	}
	if d, err := time.ParseDuration(v); err == nil && d > 0 {
		return d
	}
	return 0
}

// scanRisk finds a "kse-risk: <level>" line in command output.
func scanRisk(out string) string {
	v := scanField(out, "kse-risk")
	if v == "" {
		return ""
	}
	return domain.NormalizeRisk(v)
}

func scanField(out, key string) string {
	sc := bufio.NewScanner(strings.NewReader(out))
	found := ""
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		name, value, ok := strings.Cut(line, ":")
		if !ok || !strings.EqualFold(strings.TrimSpace(name), key) {
			continue
		}
		found = strings.TrimSpace(value)
	}
	return found
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
