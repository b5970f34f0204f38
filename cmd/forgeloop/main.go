// Forgeloop CLI
//
// Drives the autonomous generate/validate/analyze loop from the command
// line, with the checkpoint store on local disk and approval requests
// answered on the console.
//
// Usage:
//
//	forgeloop submit "write a prime sieve" --budget 10
//	forgeloop resume <task-id>
//	forgeloop status <task-id>
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/autoforge-systems/forgeloop/commbus"
	"github.com/autoforge-systems/forgeloop/coreengine/checkpoint"
	"github.com/autoforge-systems/forgeloop/coreengine/config"
	"github.com/autoforge-systems/forgeloop/coreengine/observability"
	"github.com/autoforge-systems/forgeloop/coreengine/orchestrator"
	"github.com/autoforge-systems/forgeloop/coreengine/safety"
	"github.com/autoforge-systems/forgeloop/coreengine/sandbox"
	"github.com/autoforge-systems/forgeloop/coreengine/workspace"
)

// Exit codes for the resume command.
const (
	exitTerminal = 0
	exitPending  = 1
	exitUnknown  = 2
)

// slogLogger adapts slog to the structural Logger interface the
// coreengine packages declare.
type slogLogger struct {
	l *slog.Logger
}

func (s *slogLogger) Debug(msg string, keysAndValues ...any) { s.l.Debug(msg, keysAndValues...) }
func (s *slogLogger) Info(msg string, keysAndValues ...any)  { s.l.Info(msg, keysAndValues...) }
func (s *slogLogger) Warn(msg string, keysAndValues ...any)  { s.l.Warn(msg, keysAndValues...) }
func (s *slogLogger) Error(msg string, keysAndValues ...any) { s.l.Error(msg, keysAndValues...) }

func newLogger(level string) *slogLogger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	return &slogLogger{l: slog.New(handler)}
}

// app bundles the wired subsystems for the command handlers.
type app struct {
	cfg    *config.Config
	store  *checkpoint.BadgerStore
	orch   *orchestrator.Orchestrator
	bus    commbus.CommBus
	logger *slogLogger
}

// buildApp wires the store, safety pipeline, bus, stub collaborators,
// and orchestrator from configuration.
func buildApp(configPath string) (*app, func(), error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}
	logger := newLogger(cfg.Core.LogLevel)

	store, err := checkpoint.Open(checkpoint.DefaultOptions(cfg.Core.DataDir))
	if err != nil {
		return nil, nil, fmt.Errorf("open checkpoint store: %w", err)
	}

	// The bus query timeout sits above the gate timeout so the gate's own
	// deadline is the one that fires.
	bus := commbus.NewInMemoryCommBus(cfg.Safety.ApprovalTimeout() + 5*time.Second)
	if err := bus.RegisterHandler("RequestApproval", newConsoleApprovalHandler(os.Stdin, os.Stdout, logger)); err != nil {
		store.Close()
		return nil, nil, err
	}

	static := safety.NewStaticScanner(cfg.Safety, logger)
	vuln, err := safety.NewVulnScanner(cfg.Safety.PatternFile, logger)
	if err != nil {
		store.Close()
		return nil, nil, fmt.Errorf("load vulnerability patterns: %w", err)
	}
	gate := safety.NewApprovalGate(commbus.NewBusNotifier(bus), store, cfg.Safety.ApprovalTimeout(), logger)
	executor := sandbox.NewLocalExecutor(logger, !cfg.Sandbox.LenientIsolation)
	pipeline := safety.NewPipeline(static, vuln, gate, executor, logger)

	orch, err := orchestrator.New(orchestrator.Deps{
		Config:    cfg,
		Store:     store,
		Pipeline:  pipeline,
		Generator: newStubGenerator(),
		Validator: newStubValidator(),
		Analyzer:  newStubAnalyzer(),
		Bus:       bus,
		Logger:    logger,
	})
	if err != nil {
		store.Close()
		return nil, nil, err
	}

	janitor := workspace.NewJanitor(cfg.Core.WorkspaceRoot, store, workspace.DefaultJanitorConfig(), logger)
	stopJanitor := janitor.Start()

	cleanup := func() {
		stopJanitor()
		if err := store.Close(); err != nil {
			logger.Error("store_close_failed", "error", err.Error())
		}
	}
	return &app{cfg: cfg, store: store, orch: orch, bus: bus, logger: logger}, cleanup, nil
}

// signalContext cancels on SIGINT/SIGTERM so an in-flight run pauses with
// a checkpoint instead of dying mid-phase.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "forgeloop",
		Short:         "Autonomous generate/validate/analyze loop",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to YAML config file")

	var budget int
	submit := &cobra.Command{
		Use:   "submit <goal>",
		Short: "Submit a goal and run it to completion or pause",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, cleanup, err := buildApp(configPath)
			if err != nil {
				return err
			}
			defer cleanup()

			ctx, stop := signalContext()
			defer stop()

			taskID, err := a.orch.Submit(ctx, args[0], budget)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), taskID)

			status, err := a.orch.Run(ctx, taskID)
			if err != nil {
				return err
			}
			a.logger.Info("run_exited", "task_id", taskID, "status", status)
			return nil
		},
	}
	submit.Flags().IntVar(&budget, "budget", 0, "iteration budget (0 uses the configured default)")

	resume := &cobra.Command{
		Use:   "resume <task-id>",
		Short: "Resume a paused task from its checkpoint",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, cleanup, err := buildApp(configPath)
			if err != nil {
				return err
			}
			defer cleanup()

			ctx, stop := signalContext()
			defer stop()

			status, err := a.orch.Resume(ctx, args[0])
			if err != nil {
				if errors.Is(err, orchestrator.ErrUnknownTask) {
					fmt.Fprintf(cmd.ErrOrStderr(), "unknown task %s\n", args[0])
					return &exitError{code: exitUnknown}
				}
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), status)
			if !status.IsTerminal() {
				return &exitError{code: exitPending}
			}
			return nil
		},
	}

	status := &cobra.Command{
		Use:   "status <task-id>",
		Short: "Print a task's status and iteration count",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, cleanup, err := buildApp(configPath)
			if err != nil {
				return err
			}
			defer cleanup()

			t, err := a.store.GetTask(cmd.Context(), args[0])
			if err != nil {
				if errors.Is(err, checkpoint.ErrNotFound) {
					fmt.Fprintf(cmd.ErrOrStderr(), "unknown task %s\n", args[0])
					return &exitError{code: exitUnknown}
				}
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s  status=%s  iteration=%d/%d", t.ID, t.Status, t.Iteration, t.Budget)
			if t.TerminalReason != "" {
				fmt.Fprintf(cmd.OutOrStdout(), "  reason=%s", t.TerminalReason)
			}
			fmt.Fprintln(cmd.OutOrStdout())
			return nil
		},
	}

	root.AddCommand(submit, resume, status)
	return root
}

// exitError carries a specific process exit code out of a command.
type exitError struct {
	code int
}

func (e *exitError) Error() string {
	return fmt.Sprintf("exit code %d", e.code)
}

func main() {
	// Must run before anything else: when this process was re-invoked as
	// the sandbox trampoline, ChildMain confines it and execs the
	// validation command instead of starting the CLI.
	sandbox.ChildMain()

	if endpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); endpoint != "" {
		shutdown, err := observability.InitTracer("forgeloop", endpoint)
		if err != nil {
			fmt.Fprintf(os.Stderr, "tracer init failed: %v\n", err)
		} else {
			defer shutdown(context.Background())
		}
	}

	if err := newRootCmd().Execute(); err != nil {
		if ee, ok := err.(*exitError); ok {
			os.Exit(ee.code)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
