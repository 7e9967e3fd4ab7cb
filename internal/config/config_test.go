package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default("proj")
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Gate.MinSpecSuccessRate != 100 || cfg.Gate.MaxRiskLevel != "high" {
		t.Fatalf("unexpected gate defaults: %+v", cfg.Gate)
	}
	if cfg.Drift.Window != 5 || cfg.Drift.LongWindow != 20 || cfg.Drift.FailStreakMin != 2 {
		t.Fatalf("unexpected drift defaults: %+v", cfg.Drift)
	}
	if cfg.Drift.HighRiskShareMinPercent != 60 || cfg.Drift.HighRiskShareDeltaMinPercent != 25 {
		t.Fatalf("unexpected drift share defaults: %+v", cfg.Drift)
	}
	if cfg.Executor.SpecTimeout != 10*time.Minute || cfg.Executor.Retry.BaseDelay != 2*time.Second {
		t.Fatalf("unexpected executor defaults: %+v", cfg.Executor)
	}
	if cfg.Evidence.Backend != "file" {
		t.Fatalf("expected file evidence backend, got %q", cfg.Evidence.Backend)
	}
}

func TestFromYAMLKeepsDefaultsForMissingKeys(t *testing.T) {
	cfg, err := FromYAML([]byte("project:\n  id: checkout\ngate:\n  min_spec_success_rate: 90\n  enforce: true\n"))
	if err != nil {
		t.Fatalf("from yaml: %v", err)
	}
	if cfg.Project.ID != "checkout" || cfg.Gate.MinSpecSuccessRate != 90 || !cfg.Gate.Enforce {
		t.Fatalf("overrides not applied: %+v", cfg.Gate)
	}
	if cfg.Gate.MaxRiskLevel != "high" || cfg.Drift.Window != 5 || cfg.Executor.Parallelism != 4 {
		t.Fatalf("defaults lost: %+v", cfg)
	}
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]string{
		"gate:\n  min_spec_success_rate: 101\n":       "min_spec_success_rate",
		"gate:\n  max_risk_level: severe\n":           "max_risk_level",
		"drift:\n  window: 10\n  long_window: 5\n":    "long_window",
		"executor:\n  parallelism: 0\n":               "parallelism",
		"executor:\n  retry:\n    jitter: 2\n":        "jitter",
		"evidence:\n  backend: s3\n":                  "backend",
		"webhooks:\n  - url: \"\"\n":                  "webhooks[0].url",
		"project:\n  id: p\nexecutor: [not, a, map]\n": "invalid config yaml",
	}
	for doc, want := range cases {
		if !strings.Contains(doc, "project:") {
			doc = "project:\n  id: p\n" + doc
		}
		_, err := FromYAML([]byte(doc))
		if err == nil || !strings.Contains(err.Error(), want) {
			t.Fatalf("expected error containing %q for:\n%s\ngot %v", want, doc, err)
		}
	}
}

func TestLoadOptionalFallsBackToDefault(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "payments")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	cfg, err := LoadOptional(dir)
	if err != nil {
		t.Fatalf("load optional: %v", err)
	}
	if cfg.Project.ID != "payments" {
		t.Fatalf("expected project id from directory name, got %q", cfg.Project.ID)
	}
	if _, err := Load(dir); err == nil || !strings.Contains(err.Error(), "kse config init") {
		t.Fatalf("expected missing config error, got %v", err)
	}

	if err := os.WriteFile(Path(dir), []byte(GenerateDefault("payments-api")), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err = Load(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Project.ID != "payments-api" {
		t.Fatalf("expected project id from file, got %q", cfg.Project.ID)
	}
}

func TestPathsResolveAgainstWorkspace(t *testing.T) {
	cfg := Default("p")
	ws := filepath.Join(string(filepath.Separator), "work", "repo")
	if got, want := cfg.EvidencePath(ws), filepath.Join(ws, ".kse", "handoff", "release-evidence.json"); got != want {
		t.Fatalf("evidence path %q, want %q", got, want)
	}
	if got, want := cfg.SessionsPath(ws), filepath.Join(ws, ".kse", "handoff", "sessions"); got != want {
		t.Fatalf("sessions path %q, want %q", got, want)
	}
	abs := filepath.Join(string(filepath.Separator), "var", "evidence.json")
	cfg.Evidence.Path = abs
	if got := cfg.EvidencePath(ws); got != abs {
		t.Fatalf("absolute path rewritten to %q", got)
	}
}

func TestFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "staging.yml")
	if err := os.WriteFile(path, []byte("project:\n  id: staging\nevidence:\n  backend: sqlite\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := FromFile(path)
	if err != nil {
		t.Fatalf("from file: %v", err)
	}
	if cfg.Project.ID != "staging" || cfg.Evidence.Backend != "sqlite" {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	if _, err := FromFile(filepath.Join(t.TempDir(), "missing.yml")); !os.IsNotExist(err) {
		t.Fatalf("expected not-exist error, got %v", err)
	}
}
