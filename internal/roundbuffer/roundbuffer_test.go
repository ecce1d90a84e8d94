package roundbuffer

import (
	"testing"

	"github.com/quantarax/allreduce/internal/reduceop"
)

func TestBuffer_StoreIsIdempotent(t *testing.T) {
	b := New(10, 3, 2, 0.5, 4)

	if !b.Store(0, 0, 0, []float64{1, 2, 3, 4}) {
		t.Fatalf("first store should report newly stored")
	}
	if b.Store(0, 0, 0, []float64{9, 9, 9, 9}) {
		t.Fatalf("re-delivering the same (round,src,chunk) should be a no-op")
	}
	if b.Count(0, 0) != 1 {
		t.Fatalf("expected count 1 after idempotent re-delivery, got %d", b.Count(0, 0))
	}

	got, length := b.Get(0, 0)
	if length != 4 {
		t.Fatalf("expected chunk length 4, got %d", length)
	}
	if got[0][0] != 1 {
		t.Errorf("expected first stored value preserved, got %v", got[0])
	}
}

func TestBuffer_ChunkLengthSkipsTrailingZero(t *testing.T) {
	// blockSize=8, maxChunkSize=4: chunks [0,4) and [4,8); no zero-length third chunk.
	b := New(8, 2, 1, 1.0, 4)
	if b.NumChunks() != 2 {
		t.Fatalf("expected 2 chunks, got %d", b.NumChunks())
	}
	if got := b.ChunkLength(1); got != 4 {
		t.Errorf("expected last chunk length 4, got %d", got)
	}

	// blockSize=9, maxChunkSize=4: chunks [0,4), [4,8), [8,9) -- last is short, not zero.
	b2 := New(9, 2, 1, 1.0, 4)
	if b2.NumChunks() != 3 {
		t.Fatalf("expected 3 chunks for blockSize=9, got %d", b2.NumChunks())
	}
	if got := b2.ChunkLength(2); got != 1 {
		t.Errorf("expected trailing chunk length 1, got %d", got)
	}
}

func TestBuffer_ReachThresholdAndReduce(t *testing.T) {
	b := New(4, 4, 1, 0.5, 4) // 1 chunk, quorum = ceil(0.5*4) = 2

	if b.ReachThreshold(0, 0) {
		t.Fatalf("threshold should not be reached with no stores")
	}
	b.Store(0, 0, 0, []float64{1, 1, 1, 1})
	if b.ReachThreshold(0, 0) {
		t.Fatalf("threshold should not be reached with 1/2 contributors")
	}
	b.Store(0, 1, 0, []float64{2, 2, 2, 2})
	if !b.ReachThreshold(0, 0) {
		t.Fatalf("threshold should be reached with 2/2 contributors")
	}

	sum, count := b.Reduce(0, 0, reduceop.Sum)
	if count != 2 {
		t.Fatalf("expected count 2, got %d", count)
	}
	want := []float64{3, 3, 3, 3}
	for i := range want {
		if sum[i] != want[i] {
			t.Errorf("sum[%d] = %v, want %v", i, sum[i], want[i])
		}
	}
}

func TestBuffer_ReachRoundThreshold(t *testing.T) {
	b := New(8, 2, 1, 1.0, 4) // 2 chunks, peerSize 2, quorum = 2

	b.Store(0, 0, 0, []float64{1, 2, 3, 4})
	b.Store(0, 1, 0, []float64{1, 2, 3, 4})
	if b.ReachRoundThreshold(0) {
		t.Fatalf("round should not be complete: chunk 1 has no contributors")
	}
	b.Store(0, 0, 1, []float64{5, 6, 7, 8})
	b.Store(0, 1, 1, []float64{5, 6, 7, 8})
	if !b.ReachRoundThreshold(0) {
		t.Fatalf("round should be complete once every chunk reaches quorum")
	}
}

func TestBuffer_OutOfWindowStoreIsDropped(t *testing.T) {
	b := New(4, 2, 0, 1.0, 4) // depth = maxLag+1 = 1

	if !b.Store(0, 0, 0, []float64{1, 2, 3, 4}) {
		t.Fatalf("round 0 should be in window")
	}
	if b.Store(5, 0, 0, []float64{1, 2, 3, 4}) {
		t.Fatalf("round 5 is outside the window and should not store")
	}
}

func TestBuffer_UpSlidesWindow(t *testing.T) {
	b := New(4, 2, 1, 1.0, 4) // depth 2: rounds 0 and 1

	b.Store(0, 0, 0, []float64{1, 2, 3, 4})
	b.Up()
	if b.BaseRound() != 1 {
		t.Fatalf("expected baseRound 1 after Up, got %d", b.BaseRound())
	}
	if b.Store(0, 1, 0, []float64{9, 9, 9, 9}) {
		t.Fatalf("round 0 should have been evicted by Up")
	}
	if b.Count(1, 0) != 0 {
		t.Fatalf("newly admitted round should start empty, got count %d", b.Count(1, 0))
	}
}
