// Command allreduce-worker runs one all-reduce participant: it listens
// for the master's InitWorkers and then drains its mailbox through the
// scatter/reduce/broadcast/complete state machine until terminated. It
// sends nothing to the master at startup; the master admits workers
// from its own membership events.
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"

	"github.com/quantarax/allreduce/internal/config"
	"github.com/quantarax/allreduce/internal/observability"
	"github.com/quantarax/allreduce/internal/protocol"
	"github.com/quantarax/allreduce/internal/transport"
	"github.com/quantarax/allreduce/internal/worker"
)

func main() {
	listen := flag.String("listen", "", "QUIC listen address (overrides config)")
	metricsAddr := flag.String("metrics", "", "Prometheus metrics listen address (overrides config)")
	masterAddr := flag.String("master", "", "Master QUIC address (overrides config)")
	workerID := flag.Int("id", -1, "Worker id used for logging and until InitWorkers assigns one (required)")
	configPath := flag.String("config", "", "Path to a YAML config file")
	flag.Parse()

	if *workerID < 0 {
		os.Stderr.WriteString("allreduce-worker: -id is required\n")
		os.Exit(1)
	}

	cfg, err := config.LoadWorkerConfig(*configPath)
	if err != nil {
		os.Stderr.WriteString("allreduce-worker: " + err.Error() + "\n")
		os.Exit(1)
	}
	if *listen != "" {
		cfg.ListenAddress = *listen
	}
	if *metricsAddr != "" {
		cfg.MetricsAddress = *metricsAddr
	}
	if *masterAddr != "" {
		cfg.MasterAddress = *masterAddr
	}

	runID := uuid.New().String()
	logger := observability.NewLogger("allreduce-worker", "dev", os.Stdout).
		WithRun(runID).WithWorker(*workerID)
	metrics := observability.NewMetrics()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownTracing, err := observability.InitTracing(ctx, "allreduce-worker")
	if err != nil {
		logger.Fatal(err, "failed to initialize tracing")
	}
	defer shutdownTracing(context.Background())

	tr, err := transport.ListenQUIC(ctx, transport.Address(cfg.ListenAddress), metrics)
	if err != nil {
		logger.Fatal(err, "failed to start QUIC listener")
	}
	defer tr.Close()

	logger.Info("worker listening at " + string(tr.LocalAddress()))

	w := worker.New(*workerID, tr, transport.Address(cfg.MasterAddress), logger, metrics)

	// No registration message is sent: the master's "member up" path is
	// driven by its own membership events, and this worker only waits
	// for InitWorkers. The only message it sends the master unprompted is
	// Terminated on shutdown.
	go serveHealthMetrics(cfg.MetricsAddress, logger, metrics, w)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	done := make(chan error, 1)
	go func() { done <- worker.Run(ctx, w, tr) }()

	select {
	case <-sigCh:
		logger.Info("shutting down gracefully")
		_ = tr.Send(ctx, transport.Address(cfg.MasterAddress), protocol.MessageTypeTerminated, &protocol.Terminated{WorkerID: *workerID})
		cancel()
	case err := <-done:
		if err != nil {
			logger.Error(err, "worker run loop exited")
		}
	}
}

func serveHealthMetrics(addr string, logger *observability.Logger, metrics *observability.Metrics, w *worker.Worker) {
	checker := observability.NewHealthChecker("dev")
	checker.RegisterCheck("round_progress", func(ctx context.Context) observability.ComponentHealth {
		return observability.RoundProgressCheck(w.Round(), w.MaxRound(), w.MaxLag())(ctx)
	})

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", checker.Handler())
	mux.Handle("/metrics", metrics.Handler())

	if err := http.ListenAndServe(addr, mux); err != nil && err != http.ErrServerClosed {
		logger.Error(err, "health/metrics server exited")
	}
}
