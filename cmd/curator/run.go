package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/jwjohns/curator/internal/auth"
	"github.com/jwjohns/curator/internal/batch"
	"github.com/jwjohns/curator/internal/config"
	"github.com/jwjohns/curator/internal/dispatch"
	"github.com/jwjohns/curator/internal/display"
	"github.com/jwjohns/curator/internal/obs"
	"github.com/jwjohns/curator/internal/ratelimit/memory"
	"github.com/jwjohns/curator/internal/server"
	"github.com/jwjohns/curator/internal/tokens"
	"github.com/jwjohns/curator/internal/upstream"
)

var runFlags struct {
	input       string
	output      string
	model       string
	workers     int
	maxRetries  int
	logLevel    string
	metricsAddr string
	quiet       bool
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a batch of requests",
	Long: `Run every request in the input file and append one result per line to the
output file. Requests whose index already has a successful result in the output
file are counted as already completed and not sent again.

Examples:
  # Run with default config
  curator run --input requests.jsonl

  # Override model and concurrency
  curator run -i requests.jsonl -o out.jsonl --model gpt-4o-mini --workers 32

  # Expose /metrics and /v1/status while running
  curator run -i requests.jsonl --metrics-addr :9090`,
	RunE: runBatch,
}

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().StringVarP(&runFlags.input, "input", "i", "", "JSONL request file (required)")
	runCmd.Flags().StringVarP(&runFlags.output, "output", "o", "results.jsonl", "JSONL result file, appended to")
	runCmd.Flags().StringVarP(&runFlags.model, "model", "m", "", "override default model")
	runCmd.Flags().IntVarP(&runFlags.workers, "workers", "w", 0, "override concurrent workers")
	runCmd.Flags().IntVar(&runFlags.maxRetries, "max-retries", 0, "override retries per request")
	runCmd.Flags().StringVar(&runFlags.logLevel, "log-level", "", "override log level (debug, info, warn, error)")
	runCmd.Flags().StringVar(&runFlags.metricsAddr, "metrics-addr", "", "serve status endpoints on this address")
	runCmd.Flags().BoolVarP(&runFlags.quiet, "quiet", "q", false, "disable the progress line")
	_ = runCmd.MarkFlagRequired("input")
}

func applyRunFlags(cmd *cobra.Command, cfg *config.Root) {
	if runFlags.model != "" {
		cfg.Model = runFlags.model
	}
	if runFlags.workers > 0 {
		cfg.Dispatch.Workers = runFlags.workers
	}
	if cmd.Flags().Changed("max-retries") {
		n := runFlags.maxRetries
		cfg.Dispatch.MaxRetries = &n
	}
	if runFlags.logLevel != "" {
		cfg.Observability.LogLevel = runFlags.logLevel
	}
	if runFlags.metricsAddr != "" {
		cfg.Observability.MetricsAddr = runFlags.metricsAddr
	}
}

func runBatch(cmd *cobra.Command, _ []string) (err error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	applyRunFlags(cmd, cfg)
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	logger := obs.SetupLogger(cfg.Observability.LogLevel, cfg.Observability.LogFormat)

	prices, err := cfg.Prices()
	if err != nil {
		return err
	}
	items, err := batch.ReadFile(runFlags.input, cfg.Model)
	if err != nil {
		return err
	}
	done, err := batch.Completed(runFlags.output)
	if err != nil {
		return fmt.Errorf("read previous results: %w", err)
	}
	out, err := batch.OpenAppend(runFlags.output)
	if err != nil {
		return err
	}
	defer closeInto(&err, out, runFlags.output)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := memory.New(cfg.PolicyFor, memory.WithLogger(logger), memory.WithPrices(prices))
	defer reg.Close()

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		obs.NewSnapshotCollector(reg),
	)
	metrics := obs.NewMetrics(promReg)

	if cfg.Observability.MetricsAddr != "" {
		srvCtx, cancelSrv := context.WithCancel(ctx)
		defer cancelSrv()
		go serveStatus(srvCtx, cfg, reg, promReg, metrics, logger)
	}

	client := upstream.New(upstream.Config{
		URL:      cfg.Upstream.URL,
		APIKey:   cfg.Upstream.APIKey(),
		Timeout:  cfg.Upstream.Timeout(),
		MaxConns: max(cfg.Upstream.MaxConns, cfg.Dispatch.Workers),
	}, logger)

	d := dispatch.New(reg, client, out, dispatch.Config{
		Workers:           cfg.Dispatch.Workers,
		MaxRetries:        cfg.Dispatch.Retries(),
		RateLimitCooldown: cfg.Dispatch.RateLimitCooldown(),
		MinBackoff:        cfg.Dispatch.MinBackoff(),
		MaxBackoff:        cfg.Dispatch.MaxBackoff(),
	},
		dispatch.WithEstimator(tokens.New(cfg.Dispatch.DefaultCompletionTokens)),
		dispatch.WithObserver(metrics),
		dispatch.WithLogger(logger),
	)

	var ticker *display.Ticker
	if !runFlags.quiet {
		ticker = display.NewTicker(reg, display.NewLineSink(cmd.ErrOrStderr()), cfg.Dispatch.ProgressInterval())
		ticker.Start(ctx)
	}

	runErr := d.Run(ctx, items, done)
	if ticker != nil {
		ticker.Stop()
	}

	for _, s := range reg.Snapshots() {
		if err := display.Summary(cmd.OutOrStdout(), s); err != nil {
			return err
		}
		logger.Info().
			Str("model", s.Model).
			Int64("succeeded", s.Succeeded).
			Int64("failed", s.Failed).
			Int64("already_completed", s.AlreadyCompleted).
			Int64("errors", s.ErrorsTotal()).
			Float64("cost", s.TotalCost).
			Msg("batch finished")
	}

	if errors.Is(runErr, context.Canceled) {
		return fmt.Errorf("interrupted, rerun to resume: %w", runErr)
	}
	return runErr
}

func serveStatus(ctx context.Context, cfg *config.Root, src obs.Source, gatherer prometheus.Gatherer, metrics *obs.Metrics, logger zerolog.Logger) {
	keys := make(map[string]string, len(cfg.Auth.Keys))
	for _, k := range cfg.Auth.Keys {
		keys[k.Secret] = k.ID
	}
	store := auth.NewStatic(cfg.Auth.Header, keys)
	skip := map[string]struct{}{"/health": {}, "/version": {}}

	srv := server.New(server.Config{
		Addr:        cfg.Observability.MetricsAddr,
		MetricsPath: cfg.Observability.PrometheusPath,
		Version:     Version,
	}, server.Deps{
		Source:   src,
		Gatherer: gatherer,
		Logger:   logger,
		// auth sits outside metrics so the metrics middleware sees the
		// request the mux annotates with its pattern.
		Middleware: []server.Middleware{store.Middleware(skip), metrics.Middleware(skip)},
	})
	if err := srv.Run(ctx); err != nil {
		logger.Error().Err(err).Msg("status server")
	}
}

// closeInto closes c and joins a close error into *errp.
func closeInto(errp *error, c io.Closer, name string) {
	if cerr := c.Close(); cerr != nil {
		*errp = errors.Join(*errp, fmt.Errorf("close %s: %w", name, cerr))
	}
}
