// Command xqwatcher runs a pool of grading workers against one or more
// xqueue queues, as described by a single configuration document.
//
// Exit codes: 0 on a clean shutdown, 9 when a worker would not stop in
// time, and 1 for configuration errors or a worker lost at runtime.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/fairyhunter13/xqueue-grader/internal/app"
	"github.com/fairyhunter13/xqueue-grader/internal/config"
	"github.com/fairyhunter13/xqueue-grader/internal/observability"
	"github.com/fairyhunter13/xqueue-grader/internal/usecase"
)

func main() {
	root := newRootCmd()
	root.AddCommand(newGradeItemCmd())
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		configPath  string
		quitIfEmpty bool
	)
	cmd := &cobra.Command{
		Use:           "xqwatcher",
		Short:         "Pull-based grading worker pool for xqueue",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			code := runWatcher(cmd.Context(), configPath, quitIfEmpty)
			if code != 0 {
				os.Exit(code)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "f", "", "path to the configuration document")
	cmd.Flags().BoolVarP(&quitIfEmpty, "quit-if-empty", "e", false, "exit immediately when no clients are configured")
	_ = cmd.MarkFlagRequired("config")
	return cmd
}

func runWatcher(ctx context.Context, configPath string, quitIfEmpty bool) int {
	amb, err := config.LoadAmbient()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	slog.SetDefault(observability.SetupLogger(amb, cfg.Logging))
	observability.InitMetrics()
	shutdownTracing, err := observability.SetupTracing(amb)
	if err != nil {
		slog.Error("could not set up tracing", slog.Any("error", err))
		return 1
	}
	if shutdownTracing != nil {
		defer func() { _ = shutdownTracing(context.Background()) }()
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	s := app.NewSupervisor(cfg, app.DefaultRegistry())
	if err := s.Start(ctx); err != nil {
		slog.Error("could not start workers", slog.Any("error", err))
		return 1
	}
	go func() {
		if err := app.ServeStatus(ctx, amb.StatusAddr, app.StatusRouter(s)); err != nil {
			slog.Error("status server failed", slog.Any("error", err))
		}
	}()

	return s.Wait(ctx, quitIfEmpty)
}

// newGradeItemCmd is the hidden child mode ForkHandler spawns: one
// submission in on stdin, one framed outcome out on stdout.
func newGradeItemCmd() *cobra.Command {
	var (
		configPath   string
		queueName    string
		handlerIndex string
	)
	cmd := &cobra.Command{
		Use:           app.GradeItemCommand,
		Hidden:        true,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			amb, err := config.LoadAmbient()
			if err != nil {
				return err
			}
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			slog.SetDefault(observability.SetupLoggerTo(os.Stderr, amb, cfg.Logging))

			idx, err := strconv.Atoi(handlerIndex)
			if err != nil {
				return fmt.Errorf("invalid --handler index %q: %w", handlerIndex, err)
			}
			h, err := app.BuildQueueHandler(app.DefaultRegistry(), cfg, queueName, idx, true)
			if err != nil {
				return err
			}
			return usecase.ServeChild(cmd.Context(), h, os.Stdin, os.Stdout)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "path to the configuration document")
	cmd.Flags().StringVar(&queueName, "queue", "", "queue name the handler belongs to")
	cmd.Flags().StringVar(&handlerIndex, "handler", "0", "handler index within the queue")
	_ = cmd.MarkFlagRequired("config")
	_ = cmd.MarkFlagRequired("queue")
	return cmd
}
