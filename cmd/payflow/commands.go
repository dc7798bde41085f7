package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/petrijr/payflow"
	"github.com/petrijr/payflow/internal/config"
)

// app carries what PersistentPreRunE resolves for every subcommand.
type app struct {
	out     io.Writer
	environ map[string]string

	backend  string
	workers  int
	logLevel string

	cfg    config.Config
	logger *slog.Logger
}

func newRootCmd(out io.Writer, environ map[string]string) *cobra.Command {
	a := &app{out: out, environ: environ}

	root := &cobra.Command{
		Use:   "payflow",
		Short: "Durable salary calculation pipeline",
		Long: `payflow computes net salaries as durable orchestrations.

Every run walks contribution, tax base, income tax and net salary steps,
accumulates deductions in a per-run entity and is cleaned up after it
finishes. State lives in the backend chosen with PAYFLOW_BACKEND or
--backend (memory, sqlite, postgres, redis, mongo).`,
		SilenceUsage:      true,
		PersistentPreRunE: a.load,
	}
	root.SetOut(out)

	root.PersistentFlags().StringVar(&a.backend, "backend", "", "storage backend (overrides PAYFLOW_BACKEND)")
	root.PersistentFlags().IntVar(&a.workers, "workers", 0, "worker goroutines (overrides PAYFLOW_WORKERS)")
	root.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "debug, info, warn or error (overrides PAYFLOW_LOG_LEVEL)")

	root.AddCommand(
		a.serveCmd(),
		a.runCmd(),
		a.startCmd(),
		a.statusCmd(),
		a.terminateCmd(),
		a.sweepCmd(),
	)
	return root
}

func (a *app) load(cmd *cobra.Command, _ []string) error {
	environ := make(map[string]string, len(a.environ)+3)
	for k, v := range a.environ {
		environ[k] = v
	}
	if a.backend != "" {
		environ["PAYFLOW_BACKEND"] = a.backend
	}
	if a.workers > 0 {
		environ["PAYFLOW_WORKERS"] = fmt.Sprint(a.workers)
	}
	if a.logLevel != "" {
		environ["PAYFLOW_LOG_LEVEL"] = a.logLevel
	}

	cfg, err := config.LoadFrom(environ)
	if err != nil {
		return err
	}
	logger, err := cfg.Logger(cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	a.cfg, a.logger = cfg, logger
	return nil
}

func (a *app) open(ctx context.Context) (*payflow.Runtime, error) {
	return payflow.Open(ctx, a.cfg, payflow.WithLogger(a.logger))
}

func (a *app) serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run workers and the purge sweep until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			rt, err := a.open(ctx)
			if err != nil {
				return err
			}
			defer a.close(rt)

			if err := rt.Start(ctx, a.cfg.Workers); err != nil {
				return err
			}
			a.logger.InfoContext(ctx, "payflow_serving",
				slog.String("backend", a.cfg.Backend),
				slog.Int("workers", a.cfg.Workers),
			)
			<-ctx.Done()
			a.logger.Info("payflow_stopping")
			return nil
		},
	}
}

// runCmd starts a salary run and processes it in-process until it finishes.
func (a *app) runCmd() *cobra.Command {
	var (
		salary  string
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Calculate one salary in-process and print the result",
		Example: `  payflow run --salary 1000
  PAYFLOW_BACKEND=sqlite payflow run --salary 2500.50`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			gross, err := decimal.NewFromString(salary)
			if err != nil {
				return fmt.Errorf("invalid salary %q: %w", salary, err)
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			rt, err := a.open(ctx)
			if err != nil {
				return err
			}
			defer a.close(rt)

			if err := rt.Start(ctx, a.cfg.Workers); err != nil {
				return err
			}
			id, err := rt.StartSalary(ctx, gross)
			if err != nil {
				return err
			}
			st, err := rt.WaitFor(ctx, id, 20*time.Millisecond)
			if err != nil {
				return fmt.Errorf("wait for %s: %w", id, err)
			}
			a.printStatus(id, st)
			if st.Status != payflow.StatusCompleted {
				return fmt.Errorf("instance %s ended %s", id, st.Status)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&salary, "salary", "", "gross salary")
	cmd.Flags().DurationVar(&timeout, "timeout", time.Minute, "how long to wait for the result")
	_ = cmd.MarkFlagRequired("salary")
	return cmd
}

func (a *app) startCmd() *cobra.Command {
	var salary string
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Submit a salary run for the workers of a shared backend",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			gross, err := decimal.NewFromString(salary)
			if err != nil {
				return fmt.Errorf("invalid salary %q: %w", salary, err)
			}
			if a.cfg.Backend == config.BackendMemory {
				return fmt.Errorf("start needs a shared backend; use run for the memory backend")
			}
			rt, err := a.open(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close(rt)

			id, err := rt.StartSalary(cmd.Context(), gross)
			if err != nil {
				return err
			}
			fmt.Fprintln(a.out, id)
			return nil
		},
	}
	cmd.Flags().StringVar(&salary, "salary", "", "gross salary")
	_ = cmd.MarkFlagRequired("salary")
	return cmd
}

func (a *app) statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <instance-id>",
		Short: "Print the status of a salary run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := a.open(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close(rt)

			st, err := rt.Status(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			a.printStatus(args[0], st)
			return nil
		},
	}
}

func (a *app) terminateCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "terminate <instance-id>",
		Short: "Stop a salary run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := a.open(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close(rt)

			if err := rt.Terminate(cmd.Context(), args[0], reason); err != nil {
				return err
			}
			fmt.Fprintf(a.out, "%s terminated\n", args[0])
			return nil
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "terminated by operator", "recorded as the instance output")
	return cmd
}

func (a *app) sweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Purge finished instances older than the retention window once",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := a.open(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close(rt)

			n, err := rt.Purger.Sweep(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(a.out, "purged %d instance(s)\n", n)
			return nil
		},
	}
}

func (a *app) printStatus(id string, st *payflow.StatusSnapshot) {
	fmt.Fprintf(a.out, "instance: %s\nstatus:   %s\n", id, st.Status)
	if st.CustomStatus != "" {
		fmt.Fprintf(a.out, "step:     %s\n", st.CustomStatus)
	}
	if st.Output != "" {
		fmt.Fprintf(a.out, "output:   %s\n", st.Output)
	}
}

func (a *app) close(rt *payflow.Runtime) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rt.Close(ctx); err != nil {
		a.logger.Warn("runtime_close_failed", slog.Any("error", err))
	}
}
