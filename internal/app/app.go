// Package app wires a workspace: database, config, logger, engine and the
// analysis orchestrator.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"reportflow/internal/analysis"
	"reportflow/internal/config"
	"reportflow/internal/db"
	"reportflow/internal/engine"
	"reportflow/internal/migrate"
)

type Options struct {
	Workspace string
	// Config overrides the workspace reportflow.yml.
	Config *config.Config
	Logger *zap.Logger
	// Provider overrides the provider named in config.
	Provider analysis.Provider
	// Recover fails analyses left in flight by a previous process. Only the
	// long-running server should set it.
	Recover bool
}

type App struct {
	DB       *sql.DB
	Config   *config.Config
	Engine   engine.Engine
	Analysis *analysis.Orchestrator
	Log      *zap.Logger
}

func Open(ctx context.Context, opts Options) (*App, error) {
	cfg := opts.Config
	if cfg == nil {
		var err error
		cfg, err = config.LoadOptional(opts.Workspace)
		if err != nil {
			return nil, err
		}
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	conn, err := db.Open(db.Config{Workspace: opts.Workspace})
	if err != nil {
		return nil, err
	}
	if err := migrate.MigrateContext(ctx, conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	provider := opts.Provider
	if provider == nil {
		provider, err = NewProvider(cfg)
		if err != nil {
			conn.Close()
			return nil, err
		}
	}
	eng := engine.New(conn, cfg)
	eng.Log = log.Named("engine")
	orch := analysis.New(eng, analysis.Options{
		Provider:  provider,
		Workers:   cfg.Analysis.Workers,
		QueueSize: cfg.Analysis.QueueSize,
		Timeout:   cfg.Analysis.Timeout,
		Logger:    log,
	})
	eng.Analyzer = orch
	a := &App{DB: conn, Config: cfg, Engine: eng, Analysis: orch, Log: log}
	if opts.Recover {
		if _, err := orch.Recover(ctx); err != nil {
			a.Close()
			return nil, fmt.Errorf("recover analyses: %w", err)
		}
	}
	return a, nil
}

// Close drains the analysis queue and closes the database.
func (a *App) Close() error {
	err := a.Analysis.Close()
	if cerr := a.DB.Close(); err == nil {
		err = cerr
	}
	return err
}

// NewProvider builds the provider named by cfg.Analysis.Provider.
func NewProvider(cfg *config.Config) (analysis.Provider, error) {
	switch cfg.Analysis.Provider {
	case config.ProviderStub, "":
		return analysis.StubProvider{}, nil
	case config.ProviderHTTP:
		return analysis.HTTPProvider{Endpoint: cfg.Analysis.Endpoint, Client: &http.Client{}}, nil
	}
	return nil, fmt.Errorf("unknown analysis provider %q", cfg.Analysis.Provider)
}

// NewLogger builds a zap logger from level and format ("json" or "console").
func NewLogger(level, format string) (*zap.Logger, error) {
	var zapCfg zap.Config
	if format == "json" {
		zapCfg = zap.NewProductionConfig()
	} else {
		zapCfg = zap.NewDevelopmentConfig()
	}
	switch level {
	case "debug":
		zapCfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "info":
		zapCfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	case "warn":
		zapCfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		zapCfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	}
	return zapCfg.Build()
}
