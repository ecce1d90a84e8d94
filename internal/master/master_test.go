package master

import (
	"context"
	"io"
	"testing"

	"github.com/quantarax/allreduce/internal/observability"
	"github.com/quantarax/allreduce/internal/protocol"
	"github.com/quantarax/allreduce/internal/transport"
)

func newTestMaster(cfg Config, tr transport.Sender) *Master {
	logger := observability.NewLogger("test", "test", io.Discard)
	metrics := observability.NewMetrics()
	return New(cfg, tr, logger, metrics)
}

// TestMaster_BroadcastsOnQuorum checks that once admitted workers reach
// ThAllreduce quorum (ceil(0.67*3) = 3), every worker receives
// InitWorkers followed by the opening StartAllreduce(0).
func TestMaster_BroadcastsOnQuorum(t *testing.T) {
	registry := transport.NewLocalRegistry()
	masterTr := registry.NewLocalTransport("master", 64)
	w0 := registry.NewLocalTransport("worker-0", 64)
	w1 := registry.NewLocalTransport("worker-1", 64)
	w2 := registry.NewLocalTransport("worker-2", 64)

	cfg := Config{
		TotalWorkers: 3,
		ThAllreduce:  0.67,
		ThReduce:     1.0,
		ThComplete:   1.0,
		MaxLag:       2,
		DataSize:     10,
		MaxChunkSize: 4,
	}
	m := newTestMaster(cfg, masterTr)

	ctx := context.Background()
	if _, err := m.AdmitAddress(ctx, w0.LocalAddress()); err != nil {
		t.Fatalf("admit worker 0: %v", err)
	}
	if m.RegisteredCount() != 1 {
		t.Fatalf("expected 1 registered worker, got %d", m.RegisteredCount())
	}

	if _, err := m.AdmitAddress(ctx, w1.LocalAddress()); err != nil {
		t.Fatalf("admit worker 1: %v", err)
	}
	if m.RegisteredCount() != 2 {
		t.Fatalf("expected 2 registered workers, got %d", m.RegisteredCount())
	}

	if _, err := m.AdmitAddress(ctx, w2.LocalAddress()); err != nil {
		t.Fatalf("admit worker 2: %v", err)
	}

	for _, tr := range []*transport.LocalTransport{w0, w1, w2} {
		env, err := tr.Receive(ctx)
		if err != nil {
			t.Fatalf("expected InitWorkers at %s: %v", tr.LocalAddress(), err)
		}
		if _, ok := env.Payload.(*protocol.InitWorkers); !ok {
			t.Fatalf("expected InitWorkers at %s, got %T", tr.LocalAddress(), env.Payload)
		}
		env, err = tr.Receive(ctx)
		if err != nil {
			t.Fatalf("expected StartAllreduce at %s: %v", tr.LocalAddress(), err)
		}
		start, ok := env.Payload.(*protocol.StartAllreduce)
		if !ok {
			t.Fatalf("expected StartAllreduce at %s, got %T", tr.LocalAddress(), env.Payload)
		}
		if start.Round != 0 {
			t.Errorf("expected opening round 0, got %d", start.Round)
		}
	}
}

// TestMaster_AdvancesRoundOnCompleteQuorum checks that the round advances
// and a fresh StartAllreduce is broadcast once every registered worker
// has reported CompleteAllreduce for the current round.
func TestMaster_AdvancesRoundOnCompleteQuorum(t *testing.T) {
	registry := transport.NewLocalRegistry()
	masterTr := registry.NewLocalTransport("master", 64)
	w0 := registry.NewLocalTransport("worker-0", 64)
	w1 := registry.NewLocalTransport("worker-1", 64)

	cfg := Config{
		TotalWorkers: 2,
		ThAllreduce:  1.0,
		ThReduce:     1.0,
		ThComplete:   1.0,
		MaxLag:       1,
		DataSize:     8,
		MaxChunkSize: 4,
	}
	m := newTestMaster(cfg, masterTr)
	ctx := context.Background()

	if _, err := m.AdmitAddress(ctx, w0.LocalAddress()); err != nil {
		t.Fatalf("admit worker 0: %v", err)
	}
	if _, err := m.AdmitAddress(ctx, w1.LocalAddress()); err != nil {
		t.Fatalf("admit worker 1: %v", err)
	}
	drainInitAndStart(t, ctx, w0)
	drainInitAndStart(t, ctx, w1)

	if err := m.HandleCompleteAllreduce(ctx, &protocol.CompleteAllreduce{WorkerID: 0, Round: 0}); err != nil {
		t.Fatalf("complete worker 0: %v", err)
	}
	if m.Round() != 0 {
		t.Fatalf("round should not advance on partial quorum, got %d", m.Round())
	}

	if err := m.HandleCompleteAllreduce(ctx, &protocol.CompleteAllreduce{WorkerID: 1, Round: 0}); err != nil {
		t.Fatalf("complete worker 1: %v", err)
	}
	if m.Round() != 1 {
		t.Fatalf("expected round 1 after full quorum, got %d", m.Round())
	}

	for _, tr := range []*transport.LocalTransport{w0, w1} {
		env, err := tr.Receive(ctx)
		if err != nil {
			t.Fatalf("expected next StartAllreduce at %s: %v", tr.LocalAddress(), err)
		}
		start, ok := env.Payload.(*protocol.StartAllreduce)
		if !ok || start.Round != 1 {
			t.Fatalf("expected StartAllreduce(round=1) at %s, got %#v", tr.LocalAddress(), env.Payload)
		}
	}
}

// TestMaster_TerminatedDropsWorker checks that a Terminated message
// removes a worker from the registered set.
func TestMaster_TerminatedDropsWorker(t *testing.T) {
	registry := transport.NewLocalRegistry()
	masterTr := registry.NewLocalTransport("master", 64)
	w0 := registry.NewLocalTransport("worker-0", 64)

	cfg := Config{TotalWorkers: 3, ThAllreduce: 1.0, ThReduce: 1.0, ThComplete: 1.0, MaxLag: 1, DataSize: 4, MaxChunkSize: 4}
	m := newTestMaster(cfg, masterTr)
	ctx := context.Background()

	if _, err := m.AdmitAddress(ctx, w0.LocalAddress()); err != nil {
		t.Fatalf("admit: %v", err)
	}
	if m.RegisteredCount() != 1 {
		t.Fatalf("expected 1 registered worker, got %d", m.RegisteredCount())
	}

	m.HandleTerminated(&protocol.Terminated{WorkerID: 0})
	if m.RegisteredCount() != 0 {
		t.Fatalf("expected 0 registered workers after Terminated, got %d", m.RegisteredCount())
	}
}

func drainInitAndStart(t *testing.T, ctx context.Context, tr *transport.LocalTransport) {
	t.Helper()
	env, err := tr.Receive(ctx)
	if err != nil {
		t.Fatalf("expected InitWorkers at %s: %v", tr.LocalAddress(), err)
	}
	if _, ok := env.Payload.(*protocol.InitWorkers); !ok {
		t.Fatalf("expected InitWorkers at %s, got %T", tr.LocalAddress(), env.Payload)
	}
	env, err = tr.Receive(ctx)
	if err != nil {
		t.Fatalf("expected StartAllreduce at %s: %v", tr.LocalAddress(), err)
	}
	if _, ok := env.Payload.(*protocol.StartAllreduce); !ok {
		t.Fatalf("expected StartAllreduce at %s, got %T", tr.LocalAddress(), env.Payload)
	}
}
