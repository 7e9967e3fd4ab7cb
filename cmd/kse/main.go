package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"kse/internal/app"
	"kse/internal/config"
	"kse/internal/engine"
	"kse/internal/report"
	"kse/internal/repo"
	"kse/internal/server"
)

const defaultManifest = "handoff-manifest.yaml"

var rootCmd = &cobra.Command{
	Use:   "kse",
	Short: "kse handoff orchestration",
	Long: `kse executes handoff manifests: a set of specs with dependencies, run in
dependency tiers, checked against a release gate and archived as evidence.
- Manifest: specs, their depends_on edges, risk levels and templates.
- Tiers: specs whose dependencies are all done run together, tier after tier.
- Release gate: success rate, maximum risk level and ontology validation.
- Drift: failing-gate streaks and rising high-risk share across sessions.
- Evidence: one entry per session, used as the history for drift.
- Event log: what happened during runs, view with 'kse log tail'.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// settings holds flag and KSE_* environment overrides.
var settings = app.NewEnvViper()

func main() {
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON (same as --format json)")
	rootCmd.PersistentFlags().String("format", "table", "output format: table|markdown|json")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "debug logging on stderr")
	_ = settings.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = settings.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = settings.BindPFlag("format", rootCmd.PersistentFlags().Lookup("format"))
	_ = settings.BindPFlag("verbose", rootCmd.PersistentFlags().Lookup("verbose"))
}

func registerCommands() {
	rootCmd.AddCommand(autoCmd())
	rootCmd.AddCommand(evidenceCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(serveCmd())
}

func autoCmd() *cobra.Command {
	auto := &cobra.Command{Use: "auto", Short: "Automated pipelines"}
	handoff := &cobra.Command{
		Use:   "handoff",
		Short: "Plan, run and gate handoff manifests",
	}
	handoff.AddCommand(handoffPlanCmd())
	handoff.AddCommand(handoffQueueCmd())
	handoff.AddCommand(handoffRunCmd())
	handoff.AddCommand(handoffRegressionCmd())
	handoff.AddCommand(handoffGateIndexCmd())
	auto.AddCommand(handoff)
	return auto
}

func handoffPlanCmd() *cobra.Command {
	var manifest string
	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Show stages and dependency tiers without running anything",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.Plan(manifestPath(e, manifest))
				if err != nil {
					return err
				}
				format, err := outputFormat()
				if err != nil {
					return err
				}
				return report.Plan(os.Stdout, p, format)
			})
		},
	}
	cmd.Flags().StringVar(&manifest, "manifest", defaultManifest, "handoff manifest path")
	return cmd
}

func handoffQueueCmd() *cobra.Command {
	var manifest, out string
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Emit the goal queue in execution order",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				goals, err := e.Queue(manifestPath(e, manifest))
				if err != nil {
					return err
				}
				if out != "" {
					data, err := json.MarshalIndent(goals, "", "  ")
					if err != nil {
						return err
					}
					if err := os.WriteFile(out, append(data, '\n'), 0o644); err != nil {
						return err
					}
					fmt.Printf("wrote %d goals to %s\n", len(goals), out)
					return nil
				}
				format, err := outputFormat()
				if err != nil {
					return err
				}
				return report.Queue(os.Stdout, goals, format)
			})
		},
	}
	cmd.Flags().StringVar(&manifest, "manifest", defaultManifest, "handoff manifest path")
	cmd.Flags().StringVar(&out, "out", "", "write the queue as JSON to this file")
	return cmd
}

func handoffRunCmd() *cobra.Command {
	var manifest, continueFrom, strategy string
	var dryRun bool
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Execute a manifest, evaluate the release gate and archive evidence",
		Long: `Run executes specs tier by tier. Exit status is 1 when the manifest is
invalid or cyclic, or when an enforced gate or drift check fails.
--continue-from resumes a previous session; successes are carried over.
Strategies: pending re-runs everything not yet successful, failed-only
re-runs only failures, auto picks pending when the previous run stopped
early and failed-only otherwise.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				format, err := outputFormat()
				if err != nil {
					return err
				}
				opts := e.DefaultRunOptions(manifestPath(e, manifest))
				opts.DryRun = dryRun
				opts.ContinueFrom = continueFrom
				opts.ContinueStrategy = strategy
				rep, runErr := e.Run(ctx, opts)
				if rep.SessionID != "" {
					if err := report.Run(os.Stdout, rep, format); err != nil {
						return err
					}
					if format != report.FormatJSON {
						fmt.Printf("session report: %s\n", e.SessionPath(rep.SessionID))
					}
				}
				return runErr
			})
		},
	}
	f := cmd.Flags()
	f.StringVar(&manifest, "manifest", defaultManifest, "handoff manifest path")
	f.BoolVar(&dryRun, "dry-run", false, "plan only; no spec is executed and nothing is archived")
	f.StringVar(&continueFrom, "continue-from", "", "resume a previous session id, or latest")
	f.StringVar(&strategy, "continue-strategy", "auto", "resume strategy: auto|pending|failed-only")
	f.Bool("continue-on-error", false, "keep running later tiers after a failure")
	f.Int("parallel", 0, "maximum specs running at once within a tier")
	f.Float64("min-spec-success-rate", 0, "gate: minimum spec success rate in percent")
	f.String("max-risk-level", "", "gate: highest accepted risk level (low|medium|high|unknown)")
	f.Bool("require-ontology-validation", false, "gate: require ontology validation evidence")
	f.Bool("release-gate-enforce", false, "exit non-zero when the release gate fails")
	f.Int("drift-fail-streak-min", 0, "drift: consecutive failing gates that raise an alert")
	f.Float64("drift-high-risk-share-min-percent", 0, "drift: short-window high-risk share that raises an alert")
	f.Float64("drift-high-risk-share-delta-min-percent", 0, "drift: short minus long high-risk share that raises an alert")
	f.Bool("drift-enforce", false, "exit non-zero on a drift alert")
	bindFlags(cmd, map[string]string{
		"continue-on-error":                       "executor.continue_on_error",
		"parallel":                                "executor.parallelism",
		"min-spec-success-rate":                   "gate.min_spec_success_rate",
		"max-risk-level":                          "gate.max_risk_level",
		"require-ontology-validation":             "gate.require_ontology_validation",
		"release-gate-enforce":                    "gate.enforce",
		"drift-fail-streak-min":                   "drift.fail_streak_min",
		"drift-high-risk-share-min-percent":       "drift.high_risk_share_min_percent",
		"drift-high-risk-share-delta-min-percent": "drift.high_risk_share_delta_min_percent",
		"drift-enforce":                           "drift.enforce",
	})
	return cmd
}

func handoffRegressionCmd() *cobra.Command {
	var session, against string
	cmd := &cobra.Command{
		Use:   "regression",
		Short: "Compare a session with its baseline",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				format, err := outputFormat()
				if err != nil {
					return err
				}
				reg, err := e.Regression(ctx, session, against)
				if err != nil {
					return err
				}
				return report.Regression(os.Stdout, reg, format)
			})
		},
	}
	cmd.Flags().StringVar(&session, "session", engine.LatestSession, "session id, or latest")
	cmd.Flags().StringVar(&against, "against", "", "baseline session (default: resumed-from or previous session)")
	return cmd
}

func handoffGateIndexCmd() *cobra.Command {
	var window int
	cmd := &cobra.Command{
		Use:   "gate-index",
		Short: "Gate trend and risk layers over recent sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				format, err := outputFormat()
				if err != nil {
					return err
				}
				idx, err := e.GateIndex(ctx, window)
				if err != nil {
					return err
				}
				return report.GateIndex(os.Stdout, idx, format)
			})
		},
	}
	cmd.Flags().IntVar(&window, "window", 0, "sessions to include (default: drift long_window)")
	return cmd
}

func evidenceCmd() *cobra.Command {
	ev := &cobra.Command{Use: "evidence", Short: "Inspect archived release evidence"}
	ev.AddCommand(evidenceListCmd())
	ev.AddCommand(evidenceShowCmd())
	return ev
}

func evidenceListCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List archived sessions, oldest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				format, err := outputFormat()
				if err != nil {
					return err
				}
				entries, err := e.Store.List(ctx, limit)
				if err != nil {
					return err
				}
				return report.Evidence(os.Stdout, entries, format)
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 0, "only the newest N entries")
	return cmd
}

func evidenceShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <session-id>",
		Short: "Show the full report of a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				format, err := outputFormat()
				if err != nil {
					return err
				}
				rep, err := e.LoadSession(ctx, args[0])
				if err != nil {
					return err
				}
				return report.Run(os.Stdout, rep, format)
			})
		},
	}
	return cmd
}

func logCmd() *cobra.Command {
	lg := &cobra.Command{Use: "log", Short: "Event log"}
	lg.AddCommand(logTailCmd())
	return lg
}

func logTailCmd() *cobra.Command {
	var n int
	var follow bool
	var filter repo.EventFilter
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				format, err := outputFormat()
				if err != nil {
					return err
				}
				items, err := e.Repo.LatestEvents(ctx, n, filter)
				if err != nil {
					return err
				}
				// newest first from the ledger; print oldest first
				for i, j := 0, len(items)-1; i < j; i, j = i+1, j-1 {
					items[i], items[j] = items[j], items[i]
				}
				if err := report.Events(os.Stdout, items, format); err != nil {
					return err
				}
				if !follow {
					return nil
				}
				var cursor int64
				if len(items) > 0 {
					cursor = items[len(items)-1].ID
				} else if cursor, err = e.Repo.LatestEventID(ctx); err != nil {
					return err
				}
				ticker := time.NewTicker(time.Second)
				defer ticker.Stop()
				for {
					select {
					case <-ctx.Done():
						return nil
					case <-ticker.C:
					}
					next, err := e.Repo.EventsAfter(ctx, 100, cursor, filter)
					if err != nil {
						return err
					}
					if len(next) == 0 {
						continue
					}
					cursor = next[len(next)-1].ID
					if err := report.Events(os.Stdout, next, format); err != nil {
						return err
					}
				}
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "keep printing new events")
	cmd.Flags().StringVar(&filter.SessionID, "session", "", "session id filter")
	cmd.Flags().StringVar(&filter.Type, "type", "", "event type filter")
	cmd.Flags().StringVar(&filter.EntityKind, "entity-kind", "", "entity kind (session|spec|gate)")
	cmd.Flags().StringVar(&filter.EntityID, "entity-id", "", "entity id")
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect workspace config",
		Long:  "Config is kse.yml in the workspace: gate and drift thresholds, executor limits, evidence backend, API server and webhooks. KSE_* environment variables and run flags override it.",
	}
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	cfg.AddCommand(configInitCmd())
	return cfg
}

func configShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show the effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := app.ResolveConfig(settings.GetString("workspace"), settings)
			if err != nil {
				return err
			}
			return printJSON(cfg)
		},
	}
	return cmd
}

func configValidateCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate kse.yml and overrides",
		RunE: func(cmd *cobra.Command, args []string) error {
			var err error
			if file != "" {
				_, err = config.FromFile(file)
			} else {
				_, err = app.ResolveConfig(settings.GetString("workspace"), settings)
			}
			if jsonOutput() {
				msg := ""
				if err != nil {
					msg = err.Error()
				}
				if perr := printJSON(map[string]any{"ok": err == nil, "error": msg}); perr != nil {
					return perr
				}
				return err
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "validate this config file instead of the workspace kse.yml")
	return cmd
}

func configInitCmd() *cobra.Command {
	var projectID string
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default kse.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := settings.GetString("workspace")
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if projectID == "" {
				abs, err := filepath.Abs(workspace)
				if err != nil {
					return err
				}
				projectID = filepath.Base(abs)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault(projectID)), 0o644); err != nil {
				return err
			}
			fmt.Printf("wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().StringVar(&projectID, "project", "", "project id (default: workspace directory name)")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing kse.yml")
	return cmd
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the read-only HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer c.Close()
			e := c.Engine
			handler, err := server.New(server.Config{
				Engine:   e,
				BasePath: c.Config.Server.BasePath,
				Auth:     server.AuthConfig{JWTSecret: c.Config.Server.JWTSecret, Logger: c.Logger},
			})
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			go e.Notifier.Run(ctx, 0)

			addr := c.Config.Server.Addr
			srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
			go func() {
				<-ctx.Done()
				sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(sctx)
			}()
			if c.Config.Server.JWTSecret == "" {
				c.Logger.Warn("serving without authentication; set server.jwt_secret or KSE_SERVER_JWT_SECRET")
			}
			fmt.Printf("Serving kse API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n",
				addr, c.Config.Server.BasePath, c.Config.Server.BasePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().String("addr", "", "listen address (default from config)")
	cmd.Flags().String("base-path", "", "API base path (default from config)")
	bindFlags(cmd, map[string]string{
		"addr":      "server.addr",
		"base-path": "server.base_path",
	})
	return cmd
}

// --- helpers ---

// bindFlags maps command flags onto config keys. Only flags the user set
// override kse.yml.
func bindFlags(cmd *cobra.Command, keys map[string]string) {
	for flag, key := range keys {
		_ = settings.BindPFlag(key, cmd.Flags().Lookup(flag))
	}
}

func openApp(ctx context.Context) (*app.Context, error) {
	return app.Open(ctx, app.Options{
		Workspace: settings.GetString("workspace"),
		Verbose:   settings.GetBool("verbose"),
		Viper:     settings,
	})
}

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	c, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer c.Close()
	return fn(ctx, c.Engine)
}

func manifestPath(e engine.Engine, p string) string {
	if p == "" {
		p = defaultManifest
	}
	if filepath.IsAbs(p) || e.Workspace == "" || e.Workspace == "." {
		return p
	}
	if _, err := os.Stat(p); err == nil {
		return p
	}
	return filepath.Join(e.Workspace, p)
}

func jsonOutput() bool {
	return settings.GetBool("json") || strings.EqualFold(settings.GetString("format"), report.FormatJSON)
}

func outputFormat() (string, error) {
	if settings.GetBool("json") {
		return report.FormatJSON, nil
	}
	return report.ParseFormat(settings.GetString("format"))
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
