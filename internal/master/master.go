// Package master implements the all-reduce coordinator: it registers
// workers as they join, broadcasts InitWorkers and the opening
// StartAllreduce once a quorum has registered, and advances the global
// round as CompleteAllreduce reports reach quorum. Grounded on the
// teacher's bootstrap/main.go registration service: admission is
// throttled per address by a rate limiter, and RegisterWorker resolves
// a worker's address with a bounded timeout before admitting it.
package master

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/quantarax/allreduce/internal/membership"
	"github.com/quantarax/allreduce/internal/observability"
	"github.com/quantarax/allreduce/internal/protocol"
	"github.com/quantarax/allreduce/internal/transport"
)

var tracer = otel.Tracer("github.com/quantarax/allreduce/internal/master")

// registrationRateLimit and registrationBurst bound how often a single
// address may retry registration, the same per-source throttle the
// teacher applies to its HTTP registration routes.
const (
	registrationRateLimit = rate.Limit(5.0 / 60.0) // 5 per minute
	registrationBurst     = 5
)

// ResolveTimeout bounds how long membership address resolution may take
// before a joining worker is rejected.
const ResolveTimeout = 5 * time.Second

// Config carries the all-reduce hyperparameters the master broadcasts to
// every worker in InitWorkers.
type Config struct {
	TotalWorkers int
	ThAllreduce  float64
	ThReduce     float64
	ThComplete   float64
	MaxLag       int
	MaxRound     int // 0 means unbounded
	DataSize     int
	MaxChunkSize int
}

// Master coordinates one all-reduce run across Config.TotalWorkers peers.
type Master struct {
	mu sync.Mutex

	cfg Config

	registered map[int]transport.Address
	nextID     int

	round          int
	completedThis  map[int]bool
	started        bool

	limiterMu sync.Mutex
	limiters  map[transport.Address]*rate.Limiter

	tr      transport.Sender
	logger  *observability.Logger
	metrics *observability.Metrics
}

// ErrRateLimited is returned by admit when addr has retried registration
// faster than registrationRateLimit allows.
var ErrRateLimited = errors.New("master: registration rate limit exceeded")

// New creates a Master awaiting worker registrations.
func New(cfg Config, tr transport.Sender, logger *observability.Logger, metrics *observability.Metrics) *Master {
	return &Master{
		cfg:           cfg,
		registered:    make(map[int]transport.Address),
		completedThis: make(map[int]bool),
		limiters:      make(map[transport.Address]*rate.Limiter),
		tr:            tr,
		logger:        logger,
		metrics:       metrics,
	}
}

func (m *Master) getLimiter(addr transport.Address) *rate.Limiter {
	m.limiterMu.Lock()
	defer m.limiterMu.Unlock()
	l, ok := m.limiters[addr]
	if !ok {
		l = rate.NewLimiter(registrationRateLimit, registrationBurst)
		m.limiters[addr] = l
	}
	return l
}

// quorumCount returns ceil(frac*total), never less than 1.
func quorumCount(frac float64, total int) int {
	n := int(math.Ceil(frac * float64(total)))
	if n < 1 {
		n = 1
	}
	return n
}

// RegisterWorker admits a newly observed "member up" event: it resolves
// the address with a bounded timeout, assigns the next sequential worker
// id, and — once thAllreduce quorum is reached for the first time —
// broadcasts InitWorkers followed by StartAllreduce(0).
func (m *Master) RegisterWorker(ctx context.Context, resolver membership.Resolver, addrHint int) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, ResolveTimeout)
	defer cancel()

	addr, err := membership.ResolveWithTimeout(ctx, resolver, addrHint, ResolveTimeout)
	if err != nil {
		return 0, fmt.Errorf("master: resolve worker: %w", err)
	}
	return m.admit(ctx, transport.Address(addr))
}

// AdmitAddress registers a worker whose address is already known (the
// path used by the in-memory test harness, bypassing resolver lookup).
func (m *Master) AdmitAddress(ctx context.Context, addr transport.Address) (int, error) {
	return m.admit(ctx, addr)
}

// ErrAlreadyStarted is returned by ForceStart once the opening round has
// already been broadcast, by quorum or by a prior ForceStart.
var ErrAlreadyStarted = errors.New("master: allreduce already started")

// ForceStart broadcasts InitWorkers and the opening StartAllreduce to
// whichever workers are currently registered, bypassing the ThAllreduce
// quorum check — an operator escape hatch for a run that is short a few
// workers and cannot wait for them. Irreversible for the run (there is
// no way to add late joiners back into InitWorkers' peer set afterward),
// so callers driving this from a CLI should gate it on an explicit
// confirmation.
func (m *Master) ForceStart(ctx context.Context) error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return ErrAlreadyStarted
	}
	m.started = true
	peers := m.snapshotPeersLocked()
	m.mu.Unlock()

	if len(peers) == 0 {
		return fmt.Errorf("master: force-start: no workers registered yet")
	}
	if err := m.broadcastInit(ctx, peers); err != nil {
		return err
	}
	if err := m.broadcastStart(ctx, peers, 0); err != nil {
		return err
	}
	m.metrics.RecordRoundStart()
	m.logger.Warn(fmt.Sprintf("force-started allreduce with %d/%d workers registered", len(peers), m.cfg.TotalWorkers))
	return nil
}

func (m *Master) admit(ctx context.Context, addr transport.Address) (int, error) {
	if !m.getLimiter(addr).Allow() {
		m.logger.Warn(fmt.Sprintf("registration rate limit exceeded for %s", addr))
		return 0, ErrRateLimited
	}

	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.registered[id] = addr
	registeredCount := len(m.registered)
	m.metrics.SetWorkersRegistered(registeredCount)
	m.logger.WorkerRegistered(id, string(addr))

	shouldStart := !m.started && registeredCount >= quorumCount(m.cfg.ThAllreduce, m.cfg.TotalWorkers)
	if shouldStart {
		m.started = true
	}
	peers := m.snapshotPeersLocked()
	m.mu.Unlock()

	if shouldStart {
		if err := m.broadcastInit(ctx, peers); err != nil {
			return id, err
		}
		if err := m.broadcastStart(ctx, peers, 0); err != nil {
			return id, err
		}
		m.metrics.RecordRoundStart()
	}
	return id, nil
}

func (m *Master) snapshotPeersLocked() map[int]transport.Address {
	cp := make(map[int]transport.Address, len(m.registered))
	for id, addr := range m.registered {
		cp[id] = addr
	}
	return cp
}

func (m *Master) broadcastInit(ctx context.Context, peers map[int]transport.Address) error {
	peerStrings := make(map[int]string, len(peers))
	for id, addr := range peers {
		peerStrings[id] = string(addr)
	}
	for id, addr := range peers {
		msg := &protocol.InitWorkers{
			WorkerID:     id,
			Peers:        peerStrings,
			DataSize:     m.cfg.DataSize,
			MaxChunkSize: m.cfg.MaxChunkSize,
			MaxLag:       m.cfg.MaxLag,
			ThReduce:     m.cfg.ThReduce,
			ThComplete:   m.cfg.ThComplete,
		}
		if err := m.tr.Send(ctx, addr, protocol.MessageTypeInitWorkers, msg); err != nil {
			return fmt.Errorf("master: init worker %d: %w", id, err)
		}
	}
	return nil
}

func (m *Master) broadcastStart(ctx context.Context, peers map[int]transport.Address, round int) error {
	for id, addr := range peers {
		msg := &protocol.StartAllreduce{Round: round}
		if err := m.tr.Send(ctx, addr, protocol.MessageTypeStartAllreduce, msg); err != nil {
			return fmt.Errorf("master: start worker %d: %w", id, err)
		}
	}
	return nil
}

// HandleCompleteAllreduce records a worker's completion of the current
// round and, once thAllreduce quorum of registered workers have
// completed it, advances the global round and broadcasts the next
// StartAllreduce. No retry or stall tolerance: a worker that never
// reports leaves the round pending. A Terminated notice shrinks the
// quorum denominator but does not re-check the quorum itself; the round
// advances only when a later CompleteAllreduce for it arrives.
func (m *Master) HandleCompleteAllreduce(ctx context.Context, msg *protocol.CompleteAllreduce) error {
	ctx, span := tracer.Start(ctx, "allreduce.master.complete_allreduce",
		trace.WithAttributes(
			attribute.Int("worker_id", msg.WorkerID),
			attribute.Int("round", msg.Round),
		))
	defer span.End()

	m.mu.Lock()
	if msg.Round != m.round {
		m.mu.Unlock()
		m.metrics.RecordOutdatedDropped("complete_allreduce")
		return nil
	}
	m.completedThis[msg.WorkerID] = true
	need := quorumCount(m.cfg.ThAllreduce, len(m.registered))
	advance := len(m.completedThis) >= need
	numComplete := len(m.completedThis)
	var peers map[int]transport.Address
	nextRound := m.round
	if advance {
		m.metrics.RecordQuorumReached("complete_round")
		nextRound = m.round + 1
		m.round = nextRound
		m.completedThis = make(map[int]bool)
		peers = m.snapshotPeersLocked()
	}
	total := len(m.registered)
	m.mu.Unlock()

	if !advance {
		return nil
	}

	m.logger.RoundAdvanced(nextRound, numComplete, total)
	m.metrics.SetMasterRound(nextRound)

	if m.cfg.MaxRound > 0 && nextRound > m.cfg.MaxRound {
		return nil
	}
	return m.broadcastStart(ctx, peers, nextRound)
}

// HandleTerminated drops a worker from the peer set.
func (m *Master) HandleTerminated(msg *protocol.Terminated) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.registered, msg.WorkerID)
	delete(m.completedThis, msg.WorkerID)
	m.metrics.SetWorkersRegistered(len(m.registered))
	m.logger.WorkerLost(msg.WorkerID)
}

// Round returns the master's current global round.
func (m *Master) Round() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.round
}

// RegisteredCount returns the number of currently registered workers.
func (m *Master) RegisteredCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.registered)
}

// Dispatch routes one decoded envelope to its handler.
func (m *Master) Dispatch(ctx context.Context, env protocol.Envelope) error {
	switch msg := env.Payload.(type) {
	case *protocol.CompleteAllreduce:
		return m.HandleCompleteAllreduce(ctx, msg)
	case *protocol.Terminated:
		m.HandleTerminated(msg)
		return nil
	default:
		return fmt.Errorf("master: unhandled message type %T", msg)
	}
}

// Run drains the master's mailbox until ctx is cancelled or the
// transport's receive loop returns ErrClosed.
func Run(ctx context.Context, m *Master, recv transport.Receiver) error {
	for {
		env, err := recv.Receive(ctx)
		if err != nil {
			if errors.Is(err, transport.ErrClosed) || errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}
		if err := m.Dispatch(ctx, env); err != nil {
			return err
		}
	}
}
