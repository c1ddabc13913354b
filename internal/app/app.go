// Package app assembles a runnable service from a workspace and its config.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"spycat/internal/breeds"
	"spycat/internal/config"
	"spycat/internal/db"
	"spycat/internal/engine"
	"spycat/internal/metrics"
	"spycat/internal/migrate"
	"spycat/internal/telemetry"
)

// Overrides are flag or environment values that win over spycat.yml.
type Overrides struct {
	DBDriver     string
	DBDSN        string
	LogLevel     string
	LogFormat    string
	BreedsSource string
}

// ResolveConfig loads the config file (explicit path, else the workspace's
// optional spycat.yml), applies overrides and validates the result.
func ResolveConfig(workspace, path string, o Overrides) (*config.Config, error) {
	var cfg *config.Config
	var err error
	if path != "" {
		cfg, err = config.FromFile(path)
	} else {
		cfg, err = config.LoadOptional(workspace)
	}
	if err != nil {
		return nil, err
	}
	if o.DBDriver != "" {
		cfg.Database.Driver = o.DBDriver
	}
	if o.DBDSN != "" {
		cfg.Database.DSN = o.DBDSN
	}
	if o.LogLevel != "" {
		cfg.Log.Level = o.LogLevel
	}
	if o.LogFormat != "" {
		cfg.Log.Format = o.LogFormat
	}
	if o.BreedsSource != "" {
		cfg.Breeds.Source = o.BreedsSource
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// NewLogger builds the process logger from the log section.
func NewLogger(cfg config.LogConfig, w io.Writer) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// NewValidator returns the configured breed validator, cached when cache_ttl is set.
func NewValidator(cfg config.BreedsConfig) (breeds.Validator, error) {
	var v breeds.Validator
	switch cfg.Source {
	case config.BreedSourceCatAPI:
		v = breeds.CatAPI{URL: cfg.URL, APIKey: cfg.APIKey, Client: &http.Client{Timeout: cfg.Timeout}}
	case config.BreedSourceStatic:
		v = breeds.Static{Names: cfg.Allow}
	default:
		return nil, fmt.Errorf("unknown breeds source %q", cfg.Source)
	}
	if cfg.CacheTTL > 0 {
		v = breeds.NewCached(v, 512, cfg.CacheTTL)
	}
	return v, nil
}

// Runtime is an opened store plus the engine built on it.
type Runtime struct {
	Config  *config.Config
	DB      *sql.DB
	Dialect db.Dialect
	Engine  engine.Engine
	Metrics *metrics.Recorder
	Logger  *slog.Logger

	shutdownTracing func(context.Context) error
}

// Open connects to the store, migrates it and wires the engine.
func Open(ctx context.Context, workspace string, cfg *config.Config, logger *slog.Logger) (*Runtime, error) {
	if logger == nil {
		logger = slog.Default()
	}
	conn, dialect, err := db.Open(db.Config{Workspace: workspace, Driver: cfg.Database.Driver, DSN: cfg.Database.DSN})
	if err != nil {
		return nil, err
	}
	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("connect %s: %w", dialect, err)
	}
	if err := migrate.Migrate(conn, dialect); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	validator, err := NewValidator(cfg.Breeds)
	if err != nil {
		conn.Close()
		return nil, err
	}
	shutdown, err := telemetry.Setup(ctx, cfg.Telemetry.OTLPEndpoint, cfg.Telemetry.ServiceName)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("telemetry: %w", err)
	}
	rec := metrics.New()
	eng := engine.New(conn, dialect, validator)
	eng.BreedTimeout = cfg.Breeds.Timeout
	eng.Metrics = rec
	eng.Logger = logger
	logger.Debug("store ready", "driver", dialect, "breeds", cfg.Breeds.Source)
	return &Runtime{
		Config:          cfg,
		DB:              conn,
		Dialect:         dialect,
		Engine:          eng,
		Metrics:         rec,
		Logger:          logger,
		shutdownTracing: shutdown,
	}, nil
}

// Close flushes traces and closes the store.
func (rt *Runtime) Close(ctx context.Context) error {
	var errs []error
	if rt.shutdownTracing != nil {
		errs = append(errs, rt.shutdownTracing(ctx))
	}
	errs = append(errs, rt.DB.Close())
	return errors.Join(errs...)
}
