package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/aromcp/workflow-mcp/internal/engine"
	"github.com/aromcp/workflow-mcp/internal/expr"
	"github.com/aromcp/workflow-mcp/internal/logging"
	"github.com/aromcp/workflow-mcp/internal/scheduler"
	"github.com/aromcp/workflow-mcp/internal/state"
	"github.com/aromcp/workflow-mcp/internal/store"
	"github.com/aromcp/workflow-mcp/pkg/loader"
	"github.com/aromcp/workflow-mcp/pkg/mcp"
)

// version is set at build time via ldflags:
//
//	go build -ldflags "-X main.version=v1.0.0" ./cmd/workflow-mcp/
var version = "dev"

func main() {
	if len(os.Args) > 1 && os.Args[1] == "version" {
		fmt.Println(version)
		return
	}

	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "workflow-mcp:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg := loadConfig()
	logger := newLogger(cfg.LogLevel)

	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
		return fmt.Errorf("create data directory: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := store.NewLibSQLStore(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()
	if err := st.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate store: %w", err)
	}

	evaluator := expr.NewEvaluator()
	executor := engine.NewExecutor(
		evaluator,
		state.NewManager(evaluator),
		store.NewRecorder(st, logger),
		engine.DebugSerialFromEnv(),
		logger,
	)
	executor.SubAgents().SetMaxParallel(cfg.MaxParallel)

	l, err := loader.New()
	if err != nil {
		return fmt.Errorf("init loader: %w", err)
	}

	srv := mcp.NewWorkflowServer(mcp.WorkflowServerDeps{
		Executor: executor,
		Store:    st,
		Loader:   l,
		Logger:   logger,
	})

	if cfg.Scheduler {
		sched := scheduler.New(st, srv, logger)
		if err := sched.RecoverMissed(ctx); err != nil {
			logger.Warn("missed job recovery failed", slog.Any("error", err))
		}
		if err := sched.Start(ctx); err != nil {
			return fmt.Errorf("start scheduler: %w", err)
		}
		defer sched.Stop()
	}

	logger.Info("workflow-mcp serving on stdio",
		slog.String("version", version),
		slog.String("db", cfg.DBPath),
		slog.Bool("debug_serial", engine.DebugSerialFromEnv()),
	)
	return srv.Serve(ctx)
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
	// Stdout carries the MCP transport; logs go to stderr.
	inner := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	return slog.New(logging.NewCorrelationHandler(inner))
}
