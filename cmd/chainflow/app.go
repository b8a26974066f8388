package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rendis/chainflow/internal/engine"
	"github.com/rendis/chainflow/internal/executors"
	"github.com/rendis/chainflow/internal/expressions"
	"github.com/rendis/chainflow/internal/llm"
	"github.com/rendis/chainflow/internal/logging"
	"github.com/rendis/chainflow/internal/query"
	"github.com/rendis/chainflow/internal/scheduler"
	"github.com/rendis/chainflow/internal/secrets"
	"github.com/rendis/chainflow/internal/store"
	"github.com/rendis/chainflow/internal/tracing"
	"github.com/rendis/chainflow/internal/validation"
)

// app is the wired object graph shared by the subcommands.
type app struct {
	cfg       Config
	logger    *slog.Logger
	store     *store.LibSQLStore
	vault     secrets.Vault // nil without a vault passphrase
	queries   *query.Service
	validator *validation.ChainValidator
	engine    *engine.Engine
	scheduler *scheduler.Scheduler

	stopTracing tracing.ShutdownFunc
}

// newApp opens and migrates the store and builds the engine. Logs go to w.
func newApp(ctx context.Context, cfg Config, w io.Writer) (*app, error) {
	logger := logging.New(w, cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)

	stopTracing, err := tracing.Init(ctx, "chainflow", cfg.Tracing)
	if err != nil {
		return nil, fmt.Errorf("init tracing: %w", err)
	}

	if !strings.Contains(cfg.DBPath, ":") {
		dir := filepath.Dir(cfg.DBPath)
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}
	st, err := store.NewLibSQLStore(dbURI(cfg.DBPath))
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	a := &app{cfg: cfg, logger: logger, store: st, stopTracing: stopTracing}
	if cfg.VaultPassphrase != "" {
		v, err := secrets.NewAESVault(st, secrets.VaultConfig{
			Passphrase: cfg.VaultPassphrase,
			Salt:       []byte(cfg.VaultSalt),
		})
		if err != nil {
			_ = st.Close()
			return nil, err
		}
		a.vault = v
	}

	qcfg := query.Config{Catalog: st, Logger: logger}
	if a.vault != nil {
		qcfg.Secrets = a.vault
	}
	if cfg.QueryDSN != "" {
		driver := cfg.QueryDriver
		if driver == "" {
			driver = query.DriverPostgres
		}
		qcfg.Default = &store.Connection{Name: "default", Driver: driver, DSN: cfg.QueryDSN}
	}
	a.queries = query.New(qcfg)

	cel, err := expressions.NewCELEngine()
	if err != nil {
		return nil, a.closeWith(err)
	}
	a.validator, err = validation.New(cel)
	if err != nil {
		return nil, a.closeWith(err)
	}

	registry := executors.NewDefaultRegistry(executors.Dependencies{
		Prompts:     st,
		Credentials: secrets.NewCredentials(a.vault),
		Completer: llm.New(llm.Config{
			OpenAIBaseURL:    cfg.OpenAIBaseURL,
			AnthropicBaseURL: cfg.AnthropicBaseURL,
			Logger:           logger,
		}),
		Queries: a.queries,
		Logger:  logger,
	})

	a.engine, err = engine.New(engine.Config{
		Registry:   registry,
		Recorder:   st,
		Validator:  a.validator,
		CEL:        cel,
		Logger:     logger,
		RunTimeout: time.Duration(cfg.RunTimeout),
	})
	if err != nil {
		return nil, a.closeWith(err)
	}

	a.scheduler = scheduler.New(scheduler.Config{
		Store:    st,
		Executor: a.engine,
		Logger:   logger,
		Interval: time.Duration(cfg.SchedulerInterval),
	})
	return a, nil
}

func (a *app) closeWith(err error) error {
	a.Close(context.Background())
	return err
}

// Close releases pools, the store and the tracer provider.
func (a *app) Close(ctx context.Context) {
	if a.queries != nil {
		_ = a.queries.Close()
	}
	if err := a.store.Close(); err != nil {
		a.logger.Warn("close store", "error", err)
	}
	if a.stopTracing != nil {
		flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		_ = a.stopTracing(flushCtx)
	}
}

func (a *app) requireVault() (secrets.Vault, error) {
	if a.vault == nil {
		return nil, fmt.Errorf("vault is locked: set CHAINFLOW_VAULT_PASSPHRASE")
	}
	return a.vault, nil
}
