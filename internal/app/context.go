// Package app wires a workspace into a ready-to-use engine for the CLI and
// the API server.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"kse/internal/config"
	"kse/internal/db"
	"kse/internal/engine"
	"kse/internal/migrate"
)

// EnvPrefix is the prefix of environment overrides, e.g.
// KSE_GATE_MIN_SPEC_SUCCESS_RATE.
const EnvPrefix = "KSE"

// Options select the workspace and how loudly to log.
type Options struct {
	Workspace string
	Verbose   bool
	// Viper carries flag and environment overrides. Nil means none.
	Viper *viper.Viper
}

// Context is an opened workspace.
type Context struct {
	Workspace string
	Config    *config.Config
	DB        *sql.DB
	Engine    engine.Engine
	Logger    *zap.Logger
}

// Open loads kse.yml (defaults when absent), applies overrides, opens and
// migrates the workspace database and builds the engine.
func Open(ctx context.Context, opts Options) (*Context, error) {
	workspace := opts.Workspace
	if workspace == "" {
		workspace = "."
	}
	cfg, err := ResolveConfig(workspace, opts.Viper)
	if err != nil {
		return nil, err
	}
	logger, err := NewLogger(opts.Verbose)
	if err != nil {
		return nil, err
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, err
	}
	version, err := migrate.Migrate(ctx, conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate workspace db: %w", err)
	}
	logger.Debug("workspace opened",
		zap.String("workspace", workspace),
		zap.String("project", cfg.Project.ID),
		zap.Int("schema_version", version),
		zap.String("evidence_backend", cfg.Evidence.Backend))
	return &Context{
		Workspace: workspace,
		Config:    cfg,
		DB:        conn,
		Engine:    engine.New(conn, cfg, workspace, logger),
		Logger:    logger,
	}, nil
}

// Close flushes the logger and closes the database.
func (c *Context) Close() error {
	if c == nil {
		return nil
	}
	_ = c.Logger.Sync()
	return c.DB.Close()
}

// ResolveConfig reads the workspace config and layers overrides on top.
func ResolveConfig(workspace string, v *viper.Viper) (*config.Config, error) {
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return nil, err
	}
	ApplyOverrides(cfg, v)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// NewEnvViper returns a viper instance reading KSE_* variables, with dots
// and dashes in keys mapped to underscores.
func NewEnvViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	return v
}

// ApplyOverrides copies every set key onto cfg. Keys mirror kse.yml paths.
func ApplyOverrides(cfg *config.Config, v *viper.Viper) {
	if cfg == nil || v == nil {
		return
	}
	setString := func(key string, dst *string) {
		if v.IsSet(key) {
			*dst = v.GetString(key)
		}
	}
	setFloat := func(key string, dst *float64) {
		if v.IsSet(key) {
			*dst = v.GetFloat64(key)
		}
	}
	setInt := func(key string, dst *int) {
		if v.IsSet(key) {
			*dst = v.GetInt(key)
		}
	}
	setBool := func(key string, dst *bool) {
		if v.IsSet(key) {
			*dst = v.GetBool(key)
		}
	}

	setString("project.id", &cfg.Project.ID)
	setFloat("gate.min_spec_success_rate", &cfg.Gate.MinSpecSuccessRate)
	setString("gate.max_risk_level", &cfg.Gate.MaxRiskLevel)
	setBool("gate.require_ontology_validation", &cfg.Gate.RequireOntologyValidation)
	setBool("gate.ignore_unknown_risk", &cfg.Gate.IgnoreUnknownRisk)
	setBool("gate.enforce", &cfg.Gate.Enforce)

	setInt("drift.window", &cfg.Drift.Window)
	setInt("drift.long_window", &cfg.Drift.LongWindow)
	setInt("drift.fail_streak_min", &cfg.Drift.FailStreakMin)
	setFloat("drift.high_risk_share_min_percent", &cfg.Drift.HighRiskShareMinPercent)
	setFloat("drift.high_risk_share_delta_min_percent", &cfg.Drift.HighRiskShareDeltaMinPercent)
	setBool("drift.enforce", &cfg.Drift.Enforce)

	setInt("executor.parallelism", &cfg.Executor.Parallelism)
	setBool("executor.continue_on_error", &cfg.Executor.ContinueOnError)
	setString("executor.shell", &cfg.Executor.Shell)
	if v.IsSet("executor.spec_timeout") {
		cfg.Executor.SpecTimeout = v.GetDuration("executor.spec_timeout")
	}
	setInt("executor.retry.max_attempts", &cfg.Executor.Retry.MaxAttempts)
	setBool("executor.retry.retry_failures", &cfg.Executor.Retry.RetryFailures)

	setString("evidence.backend", &cfg.Evidence.Backend)
	setString("evidence.path", &cfg.Evidence.Path)
	setString("evidence.sessions_dir", &cfg.Evidence.SessionsDir)

	setString("server.addr", &cfg.Server.Addr)
	setString("server.base_path", &cfg.Server.BasePath)
	setString("server.jwt_secret", &cfg.Server.JWTSecret)
}

// NewLogger builds the process logger: production JSON by default, a
// debug-level console logger when verbose.
func NewLogger(verbose bool) (*zap.Logger, error) {
	if verbose {
		cfg := zap.NewDevelopmentConfig()
		cfg.OutputPaths = []string{"stderr"}
		return cfg.Build()
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(zapcore.WarnLevel)
	cfg.OutputPaths = []string{"stderr"}
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	return cfg.Build()
}
