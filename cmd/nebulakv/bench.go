package main

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"net/http"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ajitpratap0/nebulakv/pkg/batch"
	"github.com/ajitpratap0/nebulakv/pkg/engine"
	"github.com/ajitpratap0/nebulakv/pkg/json"
	"github.com/ajitpratap0/nebulakv/pkg/logger"
	"github.com/ajitpratap0/nebulakv/pkg/observability"
)

type benchOptions struct {
	Duration    time.Duration `json:"duration"`
	Concurrency int           `json:"concurrency"`
	Keys        int           `json:"keys"`
	ReadRatio   float64       `json:"read_ratio"`
	MetricsAddr string        `json:"-"`
	Trace       bool          `json:"-"`
}

// BenchResult is printed as JSON when the workload finishes.
type BenchResult struct {
	Options    benchOptions  `json:"options"`
	Operations int64         `json:"operations"`
	Errors     int64         `json:"errors"`
	Elapsed    time.Duration `json:"elapsed"`
	OpsPerSec  float64       `json:"ops_per_sec"`
	Report     engine.Report `json:"report"`
}

func newBenchCmd() *cobra.Command {
	opts := benchOptions{}

	cmd := &cobra.Command{
		Use:   "bench",
		Short: "Run a synthetic read/write workload through the acceleration layer",
		Long: `Run a synthetic workload of GET, SET and INCR requests against the
configured Redis server and print throughput plus component metrics.

Example:
  nebulakv bench --redis-addr localhost:6379 --duration 30s --concurrency 64`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBench(cmd, opts)
		},
	}

	cmd.Flags().DurationVar(&opts.Duration, "duration", 10*time.Second, "How long to run the workload")
	cmd.Flags().IntVar(&opts.Concurrency, "concurrency", 32, "Number of concurrent clients")
	cmd.Flags().IntVar(&opts.Keys, "keys", 1000, "Size of the key space")
	cmd.Flags().Float64Var(&opts.ReadRatio, "read-ratio", 0.8, "Fraction of operations that are reads")
	cmd.Flags().StringVar(&opts.MetricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address while running")
	cmd.Flags().BoolVar(&opts.Trace, "trace", false, "Export OpenTelemetry spans to stderr")
	return cmd
}

func runBench(cmd *cobra.Command, opts benchOptions) error {
	if opts.Concurrency <= 0 || opts.Keys <= 0 {
		return errors.New("concurrency and keys must be positive")
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log := logger.Get().With(zap.String("component", "nebulakv-bench"))

	if opts.Trace {
		cfg.Tracing.Enabled = true
	}
	shutdownTracing, err := observability.InitTracing(cfg.Tracing, cmd.ErrOrStderr())
	if err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			log.Warn("failed to flush traces", zap.Error(err))
		}
	}()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if opts.MetricsAddr != "" {
		srv := &http.Server{Addr: opts.MetricsAddr, Handler: promhttp.Handler(), ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("metrics server failed", zap.Error(err))
			}
		}()
		defer srv.Close()
	}

	eng, err := engine.Open(ctx, cfg, log)
	if err != nil {
		return fmt.Errorf("failed to start engine: %w", err)
	}
	defer eng.Close(context.Background())

	log.Info("starting workload",
		zap.String("redis", cfg.Redis.Addr),
		zap.Duration("duration", opts.Duration),
		zap.Int("concurrency", opts.Concurrency),
		zap.Int("keys", opts.Keys))

	runCtx, cancel := context.WithTimeout(ctx, opts.Duration)
	defer cancel()

	var ops, failures atomic.Int64
	start := time.Now()

	g, gctx := errgroup.WithContext(runCtx)
	for w := 0; w < opts.Concurrency; w++ {
		g.Go(func() error {
			for gctx.Err() == nil {
				if err := benchStep(gctx, eng, opts); err != nil {
					if gctx.Err() != nil {
						break
					}
					failures.Add(1)
					log.Debug("operation failed", zap.Error(err))
					continue
				}
				ops.Add(1)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	elapsed := time.Since(start)

	result := BenchResult{
		Options:    opts,
		Operations: ops.Load(),
		Errors:     failures.Load(),
		Elapsed:    elapsed,
		OpsPerSec:  float64(ops.Load()) / elapsed.Seconds(),
		Report:     eng.ReportMetrics(),
	}

	return json.WriteIndent(cmd.OutOrStdout(), result)
}

func benchStep(ctx context.Context, eng *engine.Engine, opts benchOptions) error {
	key := fmt.Sprintf("bench:%d", rand.IntN(opts.Keys)) // #nosec G404 -- workload key choice
	r := rand.Float64()                                   // #nosec G404

	switch {
	case r < opts.ReadRatio:
		_, _, err := eng.Get(ctx, key)
		return err
	case r < opts.ReadRatio+(1-opts.ReadRatio)/2:
		return eng.Set(ctx, key, time.Now().Format(time.RFC3339Nano), 0)
	default:
		resp, err := eng.Submit(ctx, batch.Request{Op: batch.OpIncr, Key: key + ":hits"})
		if err != nil {
			return err
		}
		return resp.Err
	}
}
