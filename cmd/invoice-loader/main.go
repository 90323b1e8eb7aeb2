package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/joho/godotenv"
	loader "github.com/kiltia/invoiceloader"
	"github.com/kiltia/invoiceloader/config"
	"github.com/kiltia/invoiceloader/internal/logging"
	"github.com/kiltia/invoiceloader/internal/tui"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func init() {
	_ = godotenv.Load() // load the user-defined `.env` file
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:          "invoice-loader",
		Short:        "Load a directory of XML invoices into MongoDB",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if configPath == "" {
				configPath = os.Getenv("CONFIG_PATH")
			}
			cfg, err := config.Load(cmd.Context(), configPath, nil)
			if err != nil {
				return err
			}
			if err := config.ApplyFlags(cmd.Flags(), cfg); err != nil {
				return fmt.Errorf("reading flags: %w", err)
			}
			cfg.Resolve()
			if err := cfg.Validate(); err != nil {
				return err
			}
			return run(cmd.Context(), cfg)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "path to YAML configuration file (default $CONFIG_PATH)")
	config.BindFlags(cmd.Flags())
	return cmd
}

func run(parent context.Context, cfg *config.Config) error {
	// application will run using this context
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var outputs []string
	if cfg.TUI {
		// the terminal belongs to the progress view
		if err := os.MkdirAll(cfg.FailedDir, 0o755); err != nil {
			return fmt.Errorf("creating log dir: %w", err)
		}
		outputs = []string{filepath.Join(cfg.FailedDir, "loader.log")}
	}
	logger, err := logging.Init(cfg.Log, outputs...)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	store, err := loader.NewMongoStore(ctx, cfg.Mongo, cfg.UnacknowledgedWrites)
	if err != nil {
		return fmt.Errorf("initializing store: %w", err)
	}
	defer func() {
		if err := store.Close(context.WithoutCancel(ctx)); err != nil {
			zap.S().Warnw("closing store", "error", err)
		}
	}()

	sinks, err := loader.InitSummarySinks(ctx, cfg)
	if err != nil {
		return fmt.Errorf("initializing summary sinks: %w", err)
	}
	defer loader.CloseSinks(sinks)

	pipeline, err := loader.New(cfg, store, loader.WithSummarySinks(sinks...))
	if err != nil {
		return err
	}

	if !cfg.TUI {
		_, err := pipeline.Run(ctx)
		return err
	}
	return runWithTUI(ctx, cfg, pipeline)
}

func runWithTUI(ctx context.Context, cfg *config.Config, pipeline *loader.Pipeline) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	prog := tea.NewProgram(tui.NewProgressModel(pipeline, cfg))
	var runErr error

	var g errgroup.Group
	g.Go(func() error {
		summary, err := pipeline.Run(ctx)
		runErr = err
		prog.Send(tui.DoneMsg{Summary: summary, Err: err})
		return nil
	})
	g.Go(func() error {
		final, err := prog.Run()
		if m, ok := final.(tui.ProgressModel); ok && m.Quitting() {
			zap.S().Warnw("stop requested from the progress view")
			cancel()
		}
		if err != nil && !errors.Is(err, tea.ErrProgramKilled) {
			cancel()
			return fmt.Errorf("running progress view: %w", err)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return errors.Join(err, runErr)
	}
	return runErr
}
