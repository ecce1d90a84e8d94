// Command allreduce-master runs the all-reduce coordinator: it admits
// workers as they register, broadcasts InitWorkers and the opening
// StartAllreduce once a quorum has joined, and advances the round as
// CompleteAllreduce reports arrive.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"golang.org/x/term"

	"github.com/quantarax/allreduce/internal/config"
	"github.com/quantarax/allreduce/internal/master"
	"github.com/quantarax/allreduce/internal/membership"
	"github.com/quantarax/allreduce/internal/observability"
	"github.com/quantarax/allreduce/internal/transport"
)

func main() {
	listen := flag.String("listen", "", "QUIC listen address (overrides config)")
	metricsAddr := flag.String("metrics", "", "Prometheus metrics listen address (overrides config)")
	totalWorkers := flag.Int("workers", 0, "Total workers to wait for (overrides config)")
	configPath := flag.String("config", "", "Path to a YAML config file")
	forceStartAfter := flag.Duration("force-start-after", 0, "force the run to start with whatever workers are registered after this long (0 disables)")
	yes := flag.Bool("yes", false, "skip the force-start confirmation prompt (required when stdin is not a terminal)")
	flag.Parse()

	cfg, err := config.LoadMasterConfig(*configPath)
	if err != nil {
		os.Stderr.WriteString("allreduce-master: " + err.Error() + "\n")
		os.Exit(1)
	}
	if *listen != "" {
		cfg.ListenAddress = *listen
	}
	if *metricsAddr != "" {
		cfg.MetricsAddress = *metricsAddr
	}
	if *totalWorkers != 0 {
		cfg.TotalWorkers = *totalWorkers
	}

	runID := uuid.New().String()
	logger := observability.NewLogger("allreduce-master", "dev", os.Stdout).WithRun(runID)
	metrics := observability.NewMetrics()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownTracing, err := observability.InitTracing(ctx, "allreduce-master")
	if err != nil {
		logger.Fatal(err, "failed to initialize tracing")
	}
	defer shutdownTracing(context.Background())

	tr, err := transport.ListenQUIC(ctx, transport.Address(cfg.ListenAddress), metrics)
	if err != nil {
		logger.Fatal(err, "failed to start QUIC listener")
	}
	defer tr.Close()

	logger.Info("master listening at " + string(tr.LocalAddress()))

	watcher := membership.NewWatcher(32)
	defer watcher.Close()

	m := master.New(master.Config{
		TotalWorkers: cfg.TotalWorkers,
		ThAllreduce:  cfg.ThAllreduce,
		ThReduce:     cfg.ThReduce,
		ThComplete:   cfg.ThComplete,
		MaxLag:       cfg.MaxLag,
		MaxRound:     cfg.MaxRound,
		DataSize:     cfg.DataSize,
		MaxChunkSize: cfg.MaxChunkSize,
	}, tr, logger, metrics)

	go serveHealthAndMetrics(cfg.MetricsAddress, logger, metrics, m, cfg.TotalWorkers, cfg.ThAllreduce)
	go runMembership(ctx, watcher, m, logger)
	if *forceStartAfter > 0 {
		go forceStartAfterDelay(ctx, m, logger, *forceStartAfter, *yes)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	done := make(chan error, 1)
	go func() { done <- master.Run(ctx, m, tr) }()

	select {
	case <-sigCh:
		logger.Info("shutting down gracefully")
		cancel()
	case err := <-done:
		if err != nil {
			logger.Error(err, "master run loop exited")
		}
	}
}

// forceStartAfterDelay waits for delay and, if the run hasn't already
// started by quorum, force-starts it with whatever workers have
// registered so far. On a terminal it asks for interactive confirmation
// first; off a terminal it requires -yes, since there is no one to ask.
func forceStartAfterDelay(ctx context.Context, m *master.Master, logger *observability.Logger, delay time.Duration, skipConfirm bool) {
	select {
	case <-ctx.Done():
		return
	case <-time.After(delay):
	}

	if m.Round() > 0 {
		return // quorum already advanced the run past round 0
	}

	if !skipConfirm {
		ok, err := confirmForceStart()
		if err != nil {
			logger.Error(err, "force-start confirmation failed, skipping")
			return
		}
		if !ok {
			logger.Warn("force-start declined")
			return
		}
	}

	if err := m.ForceStart(ctx); err != nil {
		logger.Error(err, "force-start failed")
	}
}

// confirmForceStart prompts on a real terminal, otherwise refuses —
// force-start off a TTY must be explicitly authorized with -yes.
func confirmForceStart() (bool, error) {
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return false, fmt.Errorf("stdin is not a terminal: pass -yes to force-start non-interactively")
	}
	fmt.Fprint(os.Stderr, "Force-start allreduce with the currently registered workers? [y/N]: ")
	reader := bufio.NewReader(os.Stdin)
	line, err := reader.ReadString('\n')
	if err != nil {
		return false, fmt.Errorf("read confirmation: %w", err)
	}
	answer := strings.ToLower(strings.TrimSpace(line))
	return answer == "y" || answer == "yes", nil
}

func runMembership(ctx context.Context, watcher *membership.Watcher, m *master.Master, logger *observability.Logger) {
	for ev := range watcher.Feed() {
		switch ev.Type {
		case membership.EventMemberUp:
			if _, err := m.AdmitAddress(ctx, transport.Address(ev.Address)); err != nil {
				logger.Error(err, "failed to admit worker")
			}
		case membership.EventMemberDown:
			// Terminated messages (not membership events) drive removal
			// from the master's registered set; membership-down here only
			// logs, since the address resolver has no further role.
			logger.Warn("membership reported worker down")
		}
	}
}

func serveHealthAndMetrics(addr string, logger *observability.Logger, metrics *observability.Metrics, m *master.Master, totalWorkers int, thAllreduce float64) {
	checker := observability.NewHealthChecker("dev")
	checker.RegisterCheck("quorum", func(ctx context.Context) observability.ComponentHealth {
		return observability.QuorumHealthCheck(m.RegisteredCount(), totalWorkers, thAllreduce)(ctx)
	})

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", checker.Handler())
	mux.Handle("/metrics", metrics.Handler())

	if err := http.ListenAndServe(addr, mux); err != nil && err != http.ErrServerClosed {
		logger.Error(err, "health/metrics server exited")
	}
}
