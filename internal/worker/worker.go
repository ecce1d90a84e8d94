// Package worker implements the all-reduce worker state machine: a
// single-threaded event loop draining one mailbox, grounded on the
// teacher's daemon/service/dtn_worker.go queue-drain loop and
// daemon/manager/session.go explicit state handling.
package worker

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/quantarax/allreduce/internal/observability"
	"github.com/quantarax/allreduce/internal/protocol"
	"github.com/quantarax/allreduce/internal/reduceop"
	"github.com/quantarax/allreduce/internal/roundbuffer"
	"github.com/quantarax/allreduce/internal/transport"
)

var tracer = otel.Tracer("github.com/quantarax/allreduce/internal/worker")

// ErrNotInitialized marks a message handled before InitWorkers arrived.
var ErrNotInitialized = errors.New("worker: not initialized")

// Transport is the subset of transport.Transport a worker needs: it must
// be able to address itself, since self-redelivery re-enqueues a
// message into this worker's own mailbox.
type Transport interface {
	transport.Sender
	LocalAddress() transport.Address
}

// Worker runs the scatter/reduce/broadcast/complete state machine for a
// single participant in the all-reduce ring.
type Worker struct {
	mu sync.Mutex

	id    int
	peers map[int]transport.Address
	down  map[int]bool // peers marked terminated; scatter/broadcast skip them
	n     int

	dataSize     int
	maxChunkSize int
	maxLag       int
	thReduce     float64
	thComplete   float64

	stepSize     int
	maxBlockSize int

	scatterBuf *roundbuffer.Buffer
	reduceBuf  *roundbuffer.Buffer
	// reduceRequired[k] is the number of distinct block owners that must
	// report chunk k of reduceBuf before that position is considered
	// complete: owners whose block is too small to have a chunk k can
	// never contribute it, so quorum there is computed against however
	// many owners actually have it, not the full peer count.
	reduceRequired []int

	round        int // oldest round not yet completed
	maxRound     int // highest round the master has announced
	maxScattered int // highest round this worker has scattered
	completed    map[int]bool
	results      map[int][]float64
	pending      map[int][]float64 // input data staged for a future round

	initialized bool

	tr         Transport
	masterAddr transport.Address
	op         reduceop.Operator

	logger  *observability.Logger
	metrics *observability.Metrics
}

// New creates an uninitialized Worker. It becomes live once
// HandleInitWorkers processes the master's InitWorkers message.
func New(id int, tr Transport, masterAddr transport.Address, logger *observability.Logger, metrics *observability.Metrics) *Worker {
	return &Worker{
		id:         id,
		down:       make(map[int]bool),
		completed:  make(map[int]bool),
		results:    make(map[int][]float64),
		pending:    make(map[int][]float64),
		tr:         tr,
		masterAddr: masterAddr,
		op:         reduceop.Sum,
		logger:     logger,
		metrics:    metrics,
		maxRound:   -1,
	}
}

// SubmitRoundData stages the input vector a future round will scatter.
// The protocol messages carry only the round number; the vector a round
// reduces over is supplied out of band by whatever produces it (e.g. a
// training loop's gradient buffer for that step).
func (w *Worker) SubmitRoundData(round int, data []float64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.initialized && len(data) != w.dataSize {
		w.logger.Fatal(fmt.Errorf("worker %d: round %d data length %d != configured dataSize %d", w.id, round, len(data), w.dataSize), "configuration error: submitted round data length mismatch")
		return
	}
	cp := make([]float64, len(data))
	copy(cp, data)
	w.pending[round] = cp
}

// Result returns the reduced output for round, if it has completed.
func (w *Worker) Result(round int) ([]float64, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	v, ok := w.results[round]
	return v, ok
}

// Round returns the oldest round this worker has not yet completed.
func (w *Worker) Round() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.round
}

// MaxRound returns the highest round the master has announced so far.
func (w *Worker) MaxRound() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.maxRound
}

// MaxLag returns the configured lag window size.
func (w *Worker) MaxLag() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.maxLag
}

func (w *Worker) blockRange(idx int) (int, int) {
	start := idx * w.stepSize
	end := start + w.stepSize
	if end > w.dataSize {
		end = w.dataSize
	}
	if start > end {
		start = end
	}
	return start, end
}

func (w *Worker) blockSize(idx int) int {
	s, e := w.blockRange(idx)
	return e - s
}

func numChunksOf(blockSize, maxChunkSize int) int {
	if blockSize <= 0 || maxChunkSize <= 0 {
		return 0
	}
	return int(math.Ceil(float64(blockSize) / float64(maxChunkSize)))
}

// chunkRange returns the canonical half-open boundary
// [k*maxChunkSize, min((k+1)*maxChunkSize, blockSize)) for chunk k of a
// block of the given size. This rejects the clamp-the-last-chunk-to-zero
// behavior the original off-by-one produced.
func (w *Worker) chunkRange(blockSize, chunkID int) (int, int) {
	start := chunkID * w.maxChunkSize
	end := start + w.maxChunkSize
	if end > blockSize {
		end = blockSize
	}
	if start > end {
		start = end
	}
	return start, end
}

// HandleInitWorkers brings the worker from uninitialized to ready,
// allocating scatterBuf (row block size = this worker's own block) and
// reduceBuf (row block size = the largest block in the partition) at
// depth maxLag+1, per spec.
func (w *Worker) HandleInitWorkers(msg *protocol.InitWorkers) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.id = msg.WorkerID
	w.peers = make(map[int]transport.Address, len(msg.Peers))
	for id, addr := range msg.Peers {
		w.peers[id] = transport.Address(addr)
	}
	w.n = len(w.peers)
	w.dataSize = msg.DataSize
	w.maxChunkSize = msg.MaxChunkSize
	w.maxLag = msg.MaxLag
	w.thReduce = msg.ThReduce
	w.thComplete = msg.ThComplete

	w.stepSize = int(math.Ceil(float64(w.dataSize) / float64(w.n)))
	w.maxBlockSize = w.stepSize
	myBlockSize := w.blockSize(w.id)

	w.scatterBuf = roundbuffer.New(myBlockSize, w.n, w.maxLag, w.thReduce, w.maxChunkSize)
	w.reduceBuf = roundbuffer.New(w.maxBlockSize, w.n, w.maxLag, w.thComplete, w.maxChunkSize)
	w.reduceRequired = w.computeReduceRequiredLocked()

	w.round = 0
	w.maxRound = -1
	w.maxScattered = -1
	w.initialized = true

	w.logger.Info(fmt.Sprintf("worker %d initialized: n=%d stepSize=%d myBlockSize=%d", w.id, w.n, w.stepSize, myBlockSize))
}

// computeReduceRequiredLocked returns, for each reduceBuf chunk position,
// the quorum count of block owners required to consider it complete:
// ceil(thComplete * ownersWithChunk(k)), where ownersWithChunk(k) counts
// only the owners whose own block is large enough to have a chunk k.
// Must be called with w.mu held.
func (w *Worker) computeReduceRequiredLocked() []int {
	numChunks := w.reduceBuf.NumChunks()
	required := make([]int, numChunks)
	for k := 0; k < numChunks; k++ {
		owners := 0
		for owner := 0; owner < w.n; owner++ {
			if numChunksOf(w.blockSize(owner), w.maxChunkSize) > k {
				owners++
			}
		}
		need := int(math.Ceil(w.thComplete * float64(owners)))
		if need < 1 {
			need = 1
		}
		required[k] = need
	}
	return required
}

func (w *Worker) selfRedeliver(ctx context.Context, msgType protocol.MessageType, payload any) error {
	return w.tr.Send(ctx, w.tr.LocalAddress(), msgType, payload)
}

// HandleStartAllreduce advances maxRound and scatters every round between
// the previous maxScattered and the new maxRound, preserving
// round <= maxScattered+1 <= maxRound+1.
func (w *Worker) HandleStartAllreduce(ctx context.Context, msg *protocol.StartAllreduce) error {
	w.mu.Lock()
	if !w.initialized {
		w.mu.Unlock()
		w.metrics.RecordFutureDeferred("start_allreduce")
		return w.selfRedeliver(ctx, protocol.MessageTypeStartAllreduce, msg)
	}
	if msg.Round > w.maxRound {
		w.maxRound = msg.Round
	}
	toScatter := make([]int, 0)
	for w.maxScattered+1 <= w.maxRound {
		r := w.maxScattered + 1
		toScatter = append(toScatter, r)
		w.maxScattered = r
	}
	w.mu.Unlock()

	for _, r := range toScatter {
		w.metrics.RecordRoundStart()
		if err := w.scatter(ctx, r); err != nil {
			return err
		}
	}
	return nil
}

// scatter splits this worker's contribution to every destination block
// into that destination's own chunk count (not myNumChunks uniformly,
// the required correction over the off-by-one source behavior) and
// sends each chunk via ScatterBlock.
func (w *Worker) scatter(ctx context.Context, round int) error {
	w.mu.Lock()
	data, ok := w.pending[round]
	if !ok {
		data = make([]float64, w.dataSize)
	}
	delete(w.pending, round)
	if len(data) != w.dataSize {
		dataSize := w.dataSize
		w.mu.Unlock()
		w.logger.Fatal(fmt.Errorf("worker %d: round %d data length %d != configured dataSize %d", w.id, round, len(data), dataSize), "configuration error: round data length mismatch")
		return nil
	}
	id := w.id
	n := w.n
	peers := w.peers
	down := w.down
	w.mu.Unlock()

	for i := 0; i < n; i++ {
		destIdx := (i + id) % n
		if down[destIdx] {
			continue
		}
		start, end := w.blockRange(destIdx)
		block := data[start:end]
		destNumChunks := numChunksOf(len(block), w.maxChunkSize)

		for k := 0; k < destNumChunks; k++ {
			cs, ce := w.chunkRange(len(block), k)
			if cs >= ce {
				continue
			}
			values := append([]float64(nil), block[cs:ce]...)
			msg := &protocol.ScatterBlock{
				Round: round, SrcID: id, DestID: destIdx, ChunkID: k, Values: values,
			}
			if err := w.tr.Send(ctx, peers[destIdx], protocol.MessageTypeScatterBlock, msg); err != nil {
				return fmt.Errorf("worker %d: scatter to %d: %w", id, destIdx, err)
			}
			w.metrics.RecordScatterSent()
			w.logger.ChunkScattered(id, destIdx, k, round, len(values))
		}
	}
	return nil
}

// HandleScatterBlock stores an incoming scatter chunk and, the instant
// its contributor count crosses quorum, reduces and broadcasts it.
func (w *Worker) HandleScatterBlock(ctx context.Context, msg *protocol.ScatterBlock) error {
	w.mu.Lock()
	if !w.initialized {
		w.mu.Unlock()
		return w.selfRedeliver(ctx, protocol.MessageTypeScatterBlock, msg)
	}
	if msg.DestID != w.id {
		w.mu.Unlock()
		panic(fmt.Errorf("worker %d: protocol misaddress: scatter block from %d addressed to %d", w.id, msg.SrcID, msg.DestID))
	}
	if msg.Round < w.scatterBuf.BaseRound() {
		w.mu.Unlock()
		w.metrics.RecordOutdatedDropped("scatter_block")
		w.logger.OutdatedMessageDropped(w.id, msg.Round, w.round)
		return nil
	}
	if msg.Round > w.maxRound {
		w.mu.Unlock()
		w.metrics.RecordFutureDeferred("scatter_block")
		return w.selfRedeliver(ctx, protocol.MessageTypeScatterBlock, msg)
	}

	stored := w.scatterBuf.Store(msg.Round, msg.SrcID, msg.ChunkID, msg.Values)
	if stored {
		w.metrics.RecordScatterReceived()
	} else {
		w.metrics.RecordDuplicateStore()
	}

	var reduced []float64
	var count int
	readyToReduce := stored && w.scatterBuf.Count(msg.Round, msg.ChunkID) == w.scatterBuf.QuorumCount()
	if readyToReduce {
		reduced, count = w.scatterBuf.Reduce(msg.Round, msg.ChunkID, w.op)
	}
	round := msg.Round
	chunkID := msg.ChunkID
	id := w.id
	n := w.n
	peers := w.peers
	down := w.down
	w.mu.Unlock()

	if !readyToReduce {
		return nil
	}

	w.metrics.RecordQuorumReached("reduce_chunk")
	w.logger.ChunkReduced(id, chunkID, round, count)

	for destIdx := 0; destIdx < n; destIdx++ {
		if down[destIdx] {
			continue
		}
		rmsg := &protocol.ReduceBlock{
			Round: round, SrcID: id, DestID: destIdx, ChunkID: chunkID, Values: reduced,
		}
		if err := w.tr.Send(ctx, peers[destIdx], protocol.MessageTypeReduceBlock, rmsg); err != nil {
			return fmt.Errorf("worker %d: broadcast reduce to %d: %w", id, destIdx, err)
		}
		w.metrics.RecordReduceSent()
	}
	return nil
}

// HandleReduceBlock stores an incoming reduced chunk (keyed by the
// broadcasting peer's own block and local chunk id) and, once every
// chunk position in the round has quorum, completes the round.
func (w *Worker) HandleReduceBlock(ctx context.Context, msg *protocol.ReduceBlock) error {
	w.mu.Lock()
	if !w.initialized {
		w.mu.Unlock()
		return w.selfRedeliver(ctx, protocol.MessageTypeReduceBlock, msg)
	}
	if msg.DestID != w.id {
		w.mu.Unlock()
		panic(fmt.Errorf("worker %d: protocol misaddress: reduce block from %d addressed to %d", w.id, msg.SrcID, msg.DestID))
	}
	if len(msg.Values) > w.maxChunkSize {
		w.mu.Unlock()
		panic(fmt.Errorf("worker %d: oversize chunk: reduce block chunk %d from %d carries %d values (max %d)", w.id, msg.ChunkID, msg.SrcID, len(msg.Values), w.maxChunkSize))
	}
	if msg.Round < w.reduceBuf.BaseRound() {
		w.mu.Unlock()
		w.metrics.RecordOutdatedDropped("reduce_block")
		w.logger.OutdatedMessageDropped(w.id, msg.Round, w.round)
		return nil
	}
	if msg.Round > w.maxRound {
		w.mu.Unlock()
		w.metrics.RecordFutureDeferred("reduce_block")
		return w.selfRedeliver(ctx, protocol.MessageTypeReduceBlock, msg)
	}

	stored := w.reduceBuf.Store(msg.Round, msg.SrcID, msg.ChunkID, msg.Values)
	if stored {
		w.metrics.RecordReduceReceived()
	} else {
		w.metrics.RecordDuplicateStore()
	}

	shouldComplete := stored && !w.completed[msg.Round] && w.reduceBuf.ReachRoundThresholdWithCounts(msg.Round, w.reduceRequired)
	round := msg.Round
	w.mu.Unlock()

	if shouldComplete {
		w.metrics.RecordQuorumReached("complete_round")
		return w.completeRound(ctx, round, "quorum")
	}
	return nil
}

// assemble rebuilds the dataSize output vector for round by, for each
// block owner in id order, concatenating that owner's reduced chunks.
func (w *Worker) assemble(round int) []float64 {
	out := make([]float64, 0, w.dataSize)
	for owner := 0; owner < w.n; owner++ {
		bs := w.blockSize(owner)
		nc := numChunksOf(bs, w.maxChunkSize)
		for k := 0; k < nc; k++ {
			perPeer, _ := w.reduceBuf.Get(round, k)
			out = append(out, perPeer[owner]...)
		}
	}
	return out
}

// completeRound finalizes round (idempotent), slides the buffer window
// forward through every already-completed prefix of rounds, and notifies
// the master.
func (w *Worker) completeRound(ctx context.Context, round int, path string) error {
	ctx, span := tracer.Start(ctx, "allreduce.round.complete",
		trace.WithAttributes(
			attribute.Int("worker_id", w.id),
			attribute.Int("round", round),
			attribute.String("path", path),
		))
	defer span.End()

	w.mu.Lock()
	if w.completed[round] {
		w.mu.Unlock()
		return nil
	}
	w.completed[round] = true
	w.results[round] = w.assemble(round)

	for w.completed[w.round] {
		w.scatterBuf.Up()
		w.reduceBuf.Up()
		delete(w.completed, w.round)
		w.round++
	}
	id := w.id
	masterAddr := w.masterAddr
	w.mu.Unlock()

	w.metrics.RecordRoundComplete(path, 0)
	w.logger.RoundCompleted(id, round)

	msg := &protocol.CompleteAllreduce{WorkerID: id, Round: round}
	return w.tr.Send(ctx, masterAddr, protocol.MessageTypeCompleteAllreduce, msg)
}

// CatchUp force-completes the oldest outstanding round if it is about to
// fall out of the lag window, guaranteeing liveness even when some peers
// never reach quorum for that round. Before forcing completion it first
// reduces and broadcasts whatever scatters have arrived for each chunk of
// this worker's own block that never reached scatterBuf's natural quorum:
// otherwise this worker's contribution to that chunk position never
// reaches any peer, and every worker relying on it can never complete it
// either.
func (w *Worker) CatchUp(ctx context.Context) error {
	w.mu.Lock()
	if !w.initialized || w.completed[w.round] {
		w.mu.Unlock()
		return nil
	}
	atRisk := w.maxScattered-w.round >= w.maxLag
	round := w.round
	w.mu.Unlock()

	if !atRisk {
		return nil
	}

	if err := w.forceReduceOwnBlock(ctx, round); err != nil {
		return err
	}

	return w.completeRound(ctx, round, "catch_up")
}

// forceReduceOwnBlock reduces and broadcasts every chunk of this worker's
// own scattered block that has not yet crossed scatterBuf's natural
// quorum, using whatever contributions arrived before the lag window
// forced the round. Chunks that already triggered HandleScatterBlock's
// own broadcast are skipped.
func (w *Worker) forceReduceOwnBlock(ctx context.Context, round int) error {
	w.mu.Lock()
	numChunks := w.scatterBuf.NumChunks()
	quorum := w.scatterBuf.QuorumCount()
	type forcedChunk struct {
		chunkID int
		values  []float64
		count   int
	}
	var toSend []forcedChunk
	for k := 0; k < numChunks; k++ {
		if w.scatterBuf.Count(round, k) >= quorum {
			continue
		}
		values, count := w.scatterBuf.Reduce(round, k, w.op)
		toSend = append(toSend, forcedChunk{chunkID: k, values: values, count: count})
	}
	id := w.id
	n := w.n
	peers := w.peers
	down := w.down
	w.mu.Unlock()

	for _, fc := range toSend {
		w.metrics.RecordQuorumReached("reduce_chunk_catch_up")
		w.logger.ChunkReduced(id, fc.chunkID, round, fc.count)
		for destIdx := 0; destIdx < n; destIdx++ {
			if down[destIdx] {
				continue
			}
			rmsg := &protocol.ReduceBlock{
				Round: round, SrcID: id, DestID: destIdx, ChunkID: fc.chunkID, Values: fc.values,
			}
			if err := w.tr.Send(ctx, peers[destIdx], protocol.MessageTypeReduceBlock, rmsg); err != nil {
				return fmt.Errorf("worker %d: catch-up broadcast reduce to %d: %w", id, destIdx, err)
			}
			w.metrics.RecordReduceSent()
		}
	}
	return nil
}

// HandleTerminated removes a peer from future scatter/broadcast targets.
// Buffer peer-axis sizing stays frozen at the InitWorkers partition
// (see the frozen-peerSize design choice), so a terminated peer's slots
// simply never fill again.
func (w *Worker) HandleTerminated(msg *protocol.Terminated) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.down[msg.WorkerID] = true
	w.logger.WorkerLost(msg.WorkerID)
}

// Dispatch routes one decoded envelope to its handler.
func (w *Worker) Dispatch(ctx context.Context, env protocol.Envelope) error {
	switch msg := env.Payload.(type) {
	case *protocol.InitWorkers:
		w.HandleInitWorkers(msg)
		return nil
	case *protocol.StartAllreduce:
		return w.HandleStartAllreduce(ctx, msg)
	case *protocol.ScatterBlock:
		return w.HandleScatterBlock(ctx, msg)
	case *protocol.ReduceBlock:
		return w.HandleReduceBlock(ctx, msg)
	case *protocol.Terminated:
		w.HandleTerminated(msg)
		return nil
	default:
		return fmt.Errorf("worker: unhandled message type %T", msg)
	}
}

// Run drains the worker's mailbox until ctx is cancelled or the
// transport's receive loop returns ErrClosed.
func Run(ctx context.Context, w *Worker, recv transport.Receiver) error {
	for {
		env, err := recv.Receive(ctx)
		if err != nil {
			if errors.Is(err, transport.ErrClosed) || errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}
		if err := w.Dispatch(ctx, env); err != nil {
			return err
		}
		if err := w.CatchUp(ctx); err != nil {
			return err
		}
	}
}
