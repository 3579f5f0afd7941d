package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/jalmeida85/vector-pmda/internal/config"
	"github.com/jalmeida85/vector-pmda/internal/flamegraph"
	"github.com/jalmeida85/vector-pmda/internal/logging"
	"github.com/jalmeida85/vector-pmda/internal/namespace"
	"github.com/jalmeida85/vector-pmda/internal/privilege"
	"github.com/jalmeida85/vector-pmda/internal/server"
	"github.com/jalmeida85/vector-pmda/internal/status"
	"github.com/jalmeida85/vector-pmda/internal/symbolmap"
	"github.com/jalmeida85/vector-pmda/internal/task"
	"github.com/jalmeida85/vector-pmda/internal/task/worker"
)

func newServeCmd() *cobra.Command {
	var (
		configFile string
		listen     string
		workingDir string
		logLevel   string
		pretty     bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the task agent daemon",
		Long: `Run the task agent as a long-running daemon.

The agent serves the store/fetch task protocol over HTTP and runs
profiling sessions against the local host or a named container.
Sampling and symbol-map attachment need root; without it the agent
starts but most sessions will end in ERROR.

Configuration sources (in order of precedence):
1. Command-line flags
2. Config file (--config flag)
3. Defaults

Examples:
  # Defaults (listen on 127.0.0.1:9854)
  vector-taskd serve

  # With config file
  vector-taskd serve --config /etc/vector-taskd.yaml

  # Development mode
  vector-taskd serve --working-dir ./work --log-level debug --pretty`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configFile)
			if err != nil {
				return fmt.Errorf("failed to load configuration: %w", err)
			}
			if listen != "" {
				cfg.Listen = listen
			}
			if workingDir != "" {
				cfg.Working.Dir = workingDir
			}
			if logLevel != "" {
				cfg.Logging.Level = logLevel
			}
			if pretty {
				cfg.Logging.Pretty = true
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}
			return runServe(cfg)
		},
	}

	cmd.Flags().StringVarP(&configFile, "config", "c", "", "Path to config file")
	cmd.Flags().StringVar(&listen, "listen", "", "Listen address (host:port)")
	cmd.Flags().StringVar(&workingDir, "working-dir", "", "Working directory for status records and artifacts")
	cmd.Flags().StringVar(&logLevel, "log-level", "", "Logging level (debug, info, warn, error)")
	cmd.Flags().BoolVar(&pretty, "pretty", false, "Human-readable log output")

	return cmd
}

func runServe(cfg *config.Config) error {
	logger := logging.New(logging.Config{
		Level:  cfg.Logging.Level,
		Pretty: cfg.Logging.Pretty,
	})

	if !privilege.IsRoot() {
		logger.Warn().Msg("not running as root; profiling sessions will likely fail")
	}

	if err := os.MkdirAll(cfg.Working.Dir, 0o755); err != nil {
		return fmt.Errorf("failed to create working directory: %w", err)
	}

	store := status.NewStore(cfg.Working.Dir, logger)
	if swept, err := store.Sweep(); err != nil {
		logger.Warn().Err(err).Msg("stale status sweep failed")
	} else if swept > 0 {
		logger.Info().Int("records", swept).Msg("swept stale status records")
	}

	resolver := namespace.NewResolver(logger)

	symbolCfg := symbolmap.DefaultConfig(cfg.Tools.AgentDir)
	symbolCfg.MapDir = cfg.Working.MapDir
	symbols := symbolmap.NewReconciler(symbolCfg, logger)

	renderer := flamegraph.NewPipeline(flamegraph.Config{
		Perf:           cfg.Tools.Perf,
		Collapse:       cfg.Tools.Collapse,
		CollapseJstack: cfg.Tools.CollapseJstack,
		Flamegraph:     cfg.Tools.Flamegraph,
		Heatmap:        cfg.Tools.Heatmap,
		Timeout:        cfg.Session.RenderTimeout,
	}, logger)

	w := worker.New(worker.Config{
		WorkingDir:       cfg.Working.Dir,
		Perf:             cfg.Tools.Perf,
		Jstack:           cfg.Tools.Jstack,
		TracingDir:       cfg.Tools.TracingDir,
		PollInterval:     cfg.Session.PollInterval,
		ProgressInterval: cfg.Session.ProgressInterval,
	}, store, resolver, symbols, renderer, logger)

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := task.NewMetrics(registry)

	dispatcher := task.NewDispatcher(store, w.Launch, task.Options{
		DefaultSeconds: cfg.Session.DefaultSeconds,
		MaxSeconds:     cfg.Session.MaxSeconds,
		MaxConcurrent:  cfg.Session.MaxConcurrent,
	}, metrics, logger)

	srv := server.New(cfg.Listen, dispatcher, registry, logger)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	logger.Info().
		Str("listen", cfg.Listen).
		Str("working_dir", cfg.Working.Dir).
		Strs("metrics", task.MetricNames()).
		Msg("task agent ready")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		logger.Info().Str("signal", sig.String()).Msg("shutting down")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	logger.Info().Msg("stopped")
	return nil
}
