package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/conveyorhq/conveyor/internal/credits"
	"github.com/conveyorhq/conveyor/internal/engine"
	"github.com/conveyorhq/conveyor/internal/expressions"
	"github.com/conveyorhq/conveyor/internal/integration"
	"github.com/conveyorhq/conveyor/internal/logging"
	"github.com/conveyorhq/conveyor/internal/scheduler"
	"github.com/conveyorhq/conveyor/internal/store"
	"github.com/conveyorhq/conveyor/internal/validation"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "conveyor:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg := loadConfig()
	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	s, err := store.NewLibSQLStore("file:" + cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer s.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := s.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}

	queries := expressions.NewPathQueryEngine()
	resolver := expressions.NewResolver(queries, logger)
	cel, err := expressions.NewCELEngine()
	if err != nil {
		return fmt.Errorf("init cel engine: %w", err)
	}
	validator, err := validation.NewTemplateValidator(queries)
	if err != nil {
		return fmt.Errorf("init validator: %w", err)
	}

	// Integration operations are registered by deployment-specific code;
	// the registry starts empty here.
	registry := integration.NewRegistry()

	fsm := engine.NewFlowFSM(s)
	async := engine.NewAsyncExecutor(registry, queries, s, logger)

	eng := engine.New(engine.Config{
		Store:        s,
		Validator:    validator,
		Resolver:     resolver,
		CEL:          cel,
		Integrations: registry,
		Async:        async,
		Flow:         engine.NewFlowControl(s, fsm, resolver, logger),
		Transformer:  engine.NewTransformer(queries, expressions.NewExprEngine()),
		FSM:          fsm,
		Credits:      credits.NewGate(s, logger),
		Logger:       logger,
		Concurrency:  cfg.PoolSize,
	})
	defer eng.Shutdown()

	queue := engine.NewStepQueue(s, eng, cfg.queueInterval(), logger)
	if err := queue.Start(ctx); err != nil {
		return fmt.Errorf("start step queue: %w", err)
	}
	defer queue.Stop()

	if cfg.EnableCron {
		sched := scheduler.New(s, eng, logger)
		if cfg.RecoverMissed {
			if err := sched.RecoverMissed(ctx); err != nil {
				logger.Warn("missed-job recovery failed", "error", err)
			}
		}
		if err := sched.Start(ctx); err != nil {
			return fmt.Errorf("start scheduler: %w", err)
		}
		defer sched.Stop()
	}

	logger.Info("conveyor engine started",
		"db_path", cfg.DBPath,
		"pool_size", cfg.PoolSize,
		"cron", cfg.EnableCron,
	)

	<-ctx.Done()
	logger.Info("shutting down")
	return nil
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	inner := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	return slog.New(logging.NewCorrelationHandler(inner))
}
