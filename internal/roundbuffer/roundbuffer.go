// Package roundbuffer implements the chunked ring buffer that both the
// scatter and reduce phases of a round use to accumulate peer
// contributions. A buffer holds a sliding window of maxLag+1 rounds; each
// round holds one slot per (chunk, source peer), keyed by the peer that
// produced it. Storage is idempotent: re-delivering the same
// (round, srcID, chunkID) is a no-op past the first store, which is what
// lets a worker self-redeliver a message without double-counting it.
package roundbuffer

import (
	"math"

	"github.com/quantarax/allreduce/internal/reduceop"
)

type chunkSlot struct {
	present []bool
	values  [][]float64
	count   int
}

func newChunkSlot(peerSize int) *chunkSlot {
	return &chunkSlot{
		present: make([]bool, peerSize),
		values:  make([][]float64, peerSize),
	}
}

func (s *chunkSlot) reset() {
	for i := range s.present {
		s.present[i] = false
		s.values[i] = nil
	}
	s.count = 0
}

type round struct {
	chunks []*chunkSlot
}

func newRound(peerSize, numChunks int) *round {
	r := &round{chunks: make([]*chunkSlot, numChunks)}
	for i := range r.chunks {
		r.chunks[i] = newChunkSlot(peerSize)
	}
	return r
}

func (r *round) reset() {
	for _, c := range r.chunks {
		c.reset()
	}
}

// Buffer is a ChunkedRoundBuffer: a ring of per-round, per-peer, per-chunk
// float slices together with fill counts and quorum predicates over them.
// blockSize is the size of the logical vector this buffer chunks; for
// scatterBuf that is the worker's own block, for reduceBuf it is the
// largest block in the partition (every peer's reduced contribution is
// indexed by the same chunk numbering).
type Buffer struct {
	blockSize    int
	peerSize     int
	maxLag       int
	threshold    float64
	maxChunkSize int
	numChunks    int
	baseRound    int
	rounds       []*round
}

// New allocates a buffer with depth maxLag+1 rounds.
func New(blockSize, peerSize, maxLag int, threshold float64, maxChunkSize int) *Buffer {
	numChunks := 0
	if blockSize > 0 && maxChunkSize > 0 {
		numChunks = int(math.Ceil(float64(blockSize) / float64(maxChunkSize)))
	}
	depth := maxLag + 1
	rounds := make([]*round, depth)
	for i := range rounds {
		rounds[i] = newRound(peerSize, numChunks)
	}
	return &Buffer{
		blockSize:    blockSize,
		peerSize:     peerSize,
		maxLag:       maxLag,
		threshold:    threshold,
		maxChunkSize: maxChunkSize,
		numChunks:    numChunks,
		rounds:       rounds,
	}
}

// NumChunks returns the number of chunks a row of this buffer holds.
func (b *Buffer) NumChunks() int { return b.numChunks }

// PeerSize returns the number of peers this buffer tracks per chunk.
func (b *Buffer) PeerSize() int { return b.peerSize }

// BaseRound returns the oldest round still resident in the window.
func (b *Buffer) BaseRound() int { return b.baseRound }

// ChunkLength returns the nominal length of chunkID against this buffer's
// blockSize, using the canonical half-open boundary
// [chunkID*maxChunkSize, min((chunkID+1)*maxChunkSize, blockSize)). It is
// used to zero-fill peers that have not (yet, or ever) contributed.
func (b *Buffer) ChunkLength(chunkID int) int {
	start := chunkID * b.maxChunkSize
	end := start + b.maxChunkSize
	if end > b.blockSize {
		end = b.blockSize
	}
	if start >= end {
		return 0
	}
	return end - start
}

func (b *Buffer) rowIndex(r int) (int, bool) {
	idx := r - b.baseRound
	if idx < 0 || idx >= len(b.rounds) {
		return 0, false
	}
	return idx, true
}

// Store records a peer's contribution for (round, srcID, chunkID). It
// returns true the first time this (round, srcID, chunkID) triple is
// stored, and false both for an out-of-window round and for a repeat
// delivery of a triple already present (the idempotent case).
func (b *Buffer) Store(r, srcID, chunkID int, values []float64) bool {
	idx, ok := b.rowIndex(r)
	if !ok {
		return false
	}
	slot := b.rounds[idx].chunks[chunkID]
	if slot.present[srcID] {
		return false
	}
	cp := make([]float64, len(values))
	copy(cp, values)
	slot.values[srcID] = cp
	slot.present[srcID] = true
	slot.count++
	return true
}

// Count returns how many distinct peers have stored a contribution for
// (round, chunkID).
func (b *Buffer) Count(r, chunkID int) int {
	idx, ok := b.rowIndex(r)
	if !ok {
		return 0
	}
	return b.rounds[idx].chunks[chunkID].count
}

func (b *Buffer) quorumCount() int {
	n := int(math.Ceil(b.threshold * float64(b.peerSize)))
	if n < 1 {
		n = 1
	}
	return n
}

// QuorumCount returns the distinct-peer count a chunk needs to satisfy
// this buffer's quorum fraction. Exposed so a caller can detect the
// single store that pushes a chunk's count through quorum, rather than
// re-triggering on every later store.
func (b *Buffer) QuorumCount() int { return b.quorumCount() }

// ReachThreshold reports whether chunkID has accumulated enough peer
// contributions in round to satisfy this buffer's quorum fraction.
func (b *Buffer) ReachThreshold(r, chunkID int) bool {
	return b.Count(r, chunkID) >= b.quorumCount()
}

// ReachRoundThreshold reports whether every chunk in round has
// independently satisfied the quorum fraction, applied uniformly across
// the full peerSize. This is correct for scatterBuf, where every peer
// contributes every chunk of a destination's block.
func (b *Buffer) ReachRoundThreshold(r int) bool {
	idx, ok := b.rowIndex(r)
	if !ok {
		return false
	}
	need := b.quorumCount()
	for _, c := range b.rounds[idx].chunks {
		if c.count < need {
			return false
		}
	}
	return true
}

// ReachRoundThresholdWithCounts is ReachRoundThreshold generalized to a
// per-chunk required count: reduceBuf's chunk positions beyond a
// partition's smallest block have fewer possible contributors than
// peerSize, so their quorum must be computed against that smaller
// denominator rather than peerSize.
func (b *Buffer) ReachRoundThresholdWithCounts(r int, required []int) bool {
	idx, ok := b.rowIndex(r)
	if !ok {
		return false
	}
	for i, c := range b.rounds[idx].chunks {
		if c.count < required[i] {
			return false
		}
	}
	return true
}

// Get returns the per-peer slot array for (round, chunkID): present
// peers return their stored slice, absent peers return a zero-filled
// slice of the chunk's nominal length. The returned length is that
// nominal length.
func (b *Buffer) Get(r, chunkID int) ([][]float64, int) {
	length := b.ChunkLength(chunkID)
	out := make([][]float64, b.peerSize)
	idx, ok := b.rowIndex(r)
	if !ok {
		for i := range out {
			out[i] = make([]float64, length)
		}
		return out, length
	}
	slot := b.rounds[idx].chunks[chunkID]
	for i := 0; i < b.peerSize; i++ {
		if slot.present[i] {
			out[i] = slot.values[i]
		} else {
			out[i] = make([]float64, length)
		}
	}
	return out, length
}

// Reduce combines every peer's contribution to (round, chunkID) with op,
// returning the combined vector and the number of distinct contributors.
func (b *Buffer) Reduce(r, chunkID int, op reduceop.Operator) ([]float64, int) {
	perPeer, length := b.Get(r, chunkID)
	out := make([]float64, length)
	for i := range out {
		out[i] = op.Zero()
	}
	for _, peerValues := range perPeer {
		for i, v := range peerValues {
			out[i] = op.Combine(out[i], v)
		}
	}
	return out, b.Count(r, chunkID)
}

// OccupiedRows reports how many rows in the current window hold at least
// one stored chunk, for occupancy metrics.
func (b *Buffer) OccupiedRows() int {
	n := 0
	for _, row := range b.rounds {
		for _, c := range row.chunks {
			if c.count > 0 {
				n++
				break
			}
		}
	}
	return n
}

// Up advances the window by one round, evicting the oldest row and
// recycling its storage for the newly admitted round baseRound+len(rounds).
func (b *Buffer) Up() {
	evicted := b.rounds[0]
	copy(b.rounds, b.rounds[1:])
	evicted.reset()
	b.rounds[len(b.rounds)-1] = evicted
	b.baseRound++
}
