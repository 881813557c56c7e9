package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/syntor/taskmesh/pkg/blackboard"
	"github.com/syntor/taskmesh/pkg/kafka"
	"github.com/syntor/taskmesh/pkg/logging"
	"github.com/syntor/taskmesh/pkg/metrics"
	"github.com/syntor/taskmesh/pkg/orchestrator"
)

var (
	runMode             string
	runTimeout          float64
	runMaxRetries       int
	runCircuitThreshold int
	runTeam             string
)

// ErrRunFailed is returned when a run finishes with status failed
var ErrRunFailed = errors.New("run failed")

var runCmd = &cobra.Command{
	Use:   "run <goal>",
	Short: "Run a goal through the agent team",
	Long: `Run a goal through the built-in team and print the result and trace.

Modes:
  hierarchical  - a manager decomposes the goal and dispatches sub-tasks to workers
  peer          - every peer answers and consults its neighbors
  blackboard    - agents contribute to a shared board until it stops changing

Examples:
  taskmesh run "search the archive then write a summary"
  taskmesh run --mode peer --timeout 5 "pick a database"
  taskmesh run --max-retries 4 --circuit-threshold 2 "validate the report"
  taskmesh run --team desk.yaml "find the report then summarize it"`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runGoal(cmd, strings.Join(args, " "))
	},
}

func init() {
	runCmd.Flags().StringVarP(&runMode, "mode", "m", "", "coordination mode (hierarchical, peer, blackboard)")
	runCmd.Flags().Float64VarP(&runTimeout, "timeout", "t", 0, "run timeout in seconds, fractions allowed")
	runCmd.Flags().IntVar(&runMaxRetries, "max-retries", 0, "retries per tool call after the first attempt")
	runCmd.Flags().IntVar(&runCircuitThreshold, "circuit-threshold", 0, "consecutive failures that open a circuit")
	runCmd.Flags().StringVar(&runTeam, "team", "", "team manifest file (default: built-in team)")
}

func runGoal(cmd *cobra.Command, goal string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	collector, err := metrics.NewEngineCollector()
	if err != nil {
		return fmt.Errorf("failed to register metrics: %w", err)
	}
	if meshConfig.Metrics.Enabled {
		shutdown := serveMetrics(meshConfig.Metrics.Addr, collector)
		defer shutdown()
	}

	m, err := loadTeam(runTeam)
	if err != nil {
		return err
	}
	team, err := BuildTeam(meshConfig, m, logger, collector)
	if err != nil {
		return fmt.Errorf("failed to build team: %w", err)
	}

	opts := []orchestrator.Option{
		orchestrator.WithLogger(logger),
		orchestrator.WithMetrics(collector),
		orchestrator.WithInvokerConfig(meshConfig.InvokerConfig()),
	}
	if verbose {
		opts = append(opts, orchestrator.WithHopSink(orchestrator.LogSink{Logger: logger}))
	}
	if meshConfig.Kafka.Enabled {
		sink, err := openKafka(ctx, meshConfig.Kafka)
		if err != nil {
			return err
		}
		defer sink.Close()
		opts = append(opts, orchestrator.WithHopSink(sink))
	}
	if meshConfig.Redis.Enabled {
		exporter, err := blackboard.NewRedisExporter(meshConfig.Redis.RedisConfig)
		if err != nil {
			return err
		}
		defer exporter.Close()
		opts = append(opts, orchestrator.WithBoardExporter(exporter))
	}

	name := runMode
	if name == "" {
		name = meshConfig.Orchestrator.Mode
	}
	var mode orchestrator.Mode
	if name != "" {
		if mode, err = orchestrator.ParseMode(name); err != nil {
			return err
		}
	}

	o := orchestrator.New(team.Registry, meshConfig.OrchestratorConfig(), opts...)
	defer flushHops(o)
	res, runErr := o.Run(ctx, orchestrator.RunRequest{
		Goal:             goal,
		Mode:             mode,
		TimeoutSeconds:   runTimeout,
		MaxRetries:       runMaxRetries,
		CircuitThreshold: runCircuitThreshold,
	})
	if res == nil {
		return runErr
	}

	out := cmd.OutOrStdout()
	if jsonOutput {
		if err := WriteJSON(out, res); err != nil {
			return err
		}
	} else {
		RenderResult(out, res, DefaultStyles())
		if verbose {
			stats := team.Tracer.Stats()
			health := team.Tracer.Health()
			fmt.Fprintf(out, "\ntool calls: %d (%.0f%% ok)\n", stats.TotalCalls, stats.SuccessRate)
			fmt.Fprintf(out, "tool health: %s (%.1f%% errors)\n", health.Status, health.ErrorRate)
		}
	}

	if runErr != nil {
		return runErr
	}
	if res.Status == orchestrator.StatusFailed {
		return fmt.Errorf("%w: %v", ErrRunFailed, res.Err)
	}
	return nil
}

// flushHops gives queued hops a bounded time to reach the sinks before
// they are closed
func flushHops(o *orchestrator.Orchestrator) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := o.Router().Flush(ctx); err != nil {
		logger.Warn("Hops still queued at exit", logging.Err(err))
	}
}

func openKafka(ctx context.Context, cfg kafka.Config) (*kafka.HopSink, error) {
	topicCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := kafka.EnsureTopic(topicCtx, cfg); err != nil {
		logger.Warn("Could not ensure hop topic", logging.String("topic", cfg.Topic), logging.Err(err))
	}

	sink, err := kafka.Open(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open kafka sink: %w", err)
	}
	return sink, nil
}

// serveMetrics exposes collector on addr until the returned function runs
func serveMetrics(addr string, collector *metrics.PrometheusCollector) func() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", collector.HTTPHandler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("Metrics server stopped", logging.String("addr", addr), logging.Err(err))
		}
	}()
	logger.Info("Serving metrics", logging.String("addr", addr))

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
}
