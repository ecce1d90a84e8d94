package worker

import (
	"context"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/quantarax/allreduce/internal/observability"
	"github.com/quantarax/allreduce/internal/protocol"
	"github.com/quantarax/allreduce/internal/transport"
)

func newTestWorker(id int, tr Transport, masterAddr transport.Address) *Worker {
	logger := observability.NewLogger("test", "test", io.Discard)
	metrics := observability.NewMetrics()
	return New(id, tr, masterAddr, logger, metrics)
}

// TestWorker_FullRoundAllreduce wires three in-memory workers and a fake
// master inbox, drives one full round, and checks that every worker
// produces the elementwise sum of the three inputs.
func TestWorker_FullRoundAllreduce(t *testing.T) {
	const n = 3
	const dataSize = 10
	const maxChunkSize = 3

	registry := transport.NewLocalRegistry()
	masterTr := registry.NewLocalTransport("master", 64)

	peerAddrs := map[int]string{}
	for i := 0; i < n; i++ {
		peerAddrs[i] = fmt.Sprintf("worker-%d", i)
	}

	trs := make([]*transport.LocalTransport, n)
	workers := make([]*Worker, n)
	for i := 0; i < n; i++ {
		trs[i] = registry.NewLocalTransport(transport.Address(peerAddrs[i]), 64)
		workers[i] = newTestWorker(i, trs[i], "master")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make([]chan error, n)
	for i := 0; i < n; i++ {
		done[i] = make(chan error, 1)
		go func(i int) { done[i] <- Run(ctx, workers[i], trs[i]) }(i)
	}

	inputs := make([][]float64, n)
	want := make([]float64, dataSize)
	for i := 0; i < n; i++ {
		inputs[i] = make([]float64, dataSize)
		for j := 0; j < dataSize; j++ {
			inputs[i][j] = float64(i*100 + j)
			want[j] += inputs[i][j]
		}
	}

	for i := 0; i < n; i++ {
		workers[i].SubmitRoundData(0, inputs[i])
		workers[i].HandleInitWorkers(&protocol.InitWorkers{
			WorkerID: i, Peers: peerAddrs, DataSize: dataSize,
			MaxChunkSize: maxChunkSize, MaxLag: 2, ThReduce: 1.0, ThComplete: 1.0,
		})
	}
	for i := 0; i < n; i++ {
		if err := trs[i].SelfSend(ctx, protocol.MessageTypeStartAllreduce, &protocol.StartAllreduce{Round: 0}); err != nil {
			t.Fatalf("worker %d: self-send StartAllreduce: %v", i, err)
		}
	}

	deadline := time.After(2 * time.Second)
	for i := 0; i < n; i++ {
		for {
			if _, ok := workers[i].Result(0); ok {
				break
			}
			select {
			case <-deadline:
				t.Fatalf("worker %d never completed round 0", i)
			case <-time.After(time.Millisecond):
			}
		}
	}

	for i := 0; i < n; i++ {
		got, ok := workers[i].Result(0)
		if !ok {
			t.Fatalf("worker %d: expected a result for round 0", i)
		}
		if len(got) != dataSize {
			t.Fatalf("worker %d: result length = %d, want %d", i, len(got), dataSize)
		}
		for j := range want {
			if got[j] != want[j] {
				t.Errorf("worker %d: result[%d] = %v, want %v", i, j, got[j], want[j])
			}
		}
	}

	_ = masterTr
	cancel()
	for i := 0; i < n; i++ {
		<-done[i]
	}
}

func TestWorker_SelfRedeliversBeforeInit(t *testing.T) {
	registry := transport.NewLocalRegistry()
	tr := registry.NewLocalTransport("worker-0", 8)
	w := newTestWorker(0, tr, "master")

	ctx := context.Background()
	if err := w.HandleStartAllreduce(ctx, &protocol.StartAllreduce{Round: 0}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	env, err := tr.Receive(ctx)
	if err != nil {
		t.Fatalf("expected a self-redelivered message, got error: %v", err)
	}
	if _, ok := env.Payload.(*protocol.StartAllreduce); !ok {
		t.Fatalf("expected redelivered StartAllreduce, got %T", env.Payload)
	}
}

func TestWorker_OutdatedMessageDropped(t *testing.T) {
	registry := transport.NewLocalRegistry()
	tr := registry.NewLocalTransport("worker-0", 8)
	w := newTestWorker(0, tr, "master")

	w.HandleInitWorkers(&protocol.InitWorkers{
		WorkerID: 0,
		Peers:    map[int]string{0: "worker-0", 1: "worker-1"},
		DataSize: 4, MaxChunkSize: 4, MaxLag: 0, ThReduce: 1.0, ThComplete: 1.0,
	})

	// Slide the window forward so round 0 falls out before evaluating it.
	w.scatterBuf.Up()

	ctx := context.Background()
	if err := w.HandleScatterBlock(ctx, &protocol.ScatterBlock{
		Round: 0, SrcID: 1, DestID: 0, ChunkID: 0, Values: []float64{1, 2, 3, 4},
	}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if w.scatterBuf.Count(0, 0) != 0 {
		t.Fatalf("outdated scatter should not have been stored")
	}
}
