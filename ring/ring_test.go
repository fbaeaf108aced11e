package ring

import (
	"runtime"
	"testing"

	"github.com/companyzero/netaudio/internal/assert"
)

// rampFrames returns n frames starting at absolute frame index start, with
// every sample value encoding its frame index and channel so reorderings
// and torn interleaving are detectable.
func rampFrames(ch, start, n int) []float32 {
	s := make([]float32, n*ch)
	for i := 0; i < n; i++ {
		for c := 0; c < ch; c++ {
			s[i*ch+c] = float32((start+i)*8 + c)
		}
	}
	return s
}

func TestNew(t *testing.T) {
	_, err := New(0, 1)
	assert.NonNilErr(t, err)
	_, err = New(3, 1)
	assert.NonNilErr(t, err)
	_, err = New(8, 0)
	assert.NonNilErr(t, err)

	b, err := New(8, 2)
	assert.NilErr(t, err)
	assert.DeepEqual(t, b.Cap(), 8)
	assert.DeepEqual(t, b.Channels(), 2)
	assert.DeepEqual(t, b.Occupied(), 0)
	assert.DeepEqual(t, b.Free(), 8)
}

func TestCeilPow2(t *testing.T) {
	tests := []struct{ n, want int }{
		{0, 1}, {1, 1}, {2, 2}, {3, 4}, {8, 8}, {9, 16}, {8191, 8192},
	}
	for _, tc := range tests {
		assert.DeepEqual(t, CeilPow2(tc.n), tc.want)
	}
}

// TestAppendReadRoundTrip checks that any sequence of writes and reads that
// never exceeds the capacity between reads returns exactly the frames
// written, in order, across many wrap boundaries.
func TestAppendReadRoundTrip(t *testing.T) {
	const ch = 2
	b, err := New(8, ch)
	assert.NilErr(t, err)

	next := 0
	for _, k := range []int{5, 6, 7, 8, 3, 8, 1, 8, 2} {
		src := rampFrames(ch, next, k)
		assert.DeepEqual(t, b.AppendTruncate(src), k)

		dst := make([]float32, k*ch)
		assert.DeepEqual(t, b.Read(dst), k)
		assert.DeepEqual(t, dst, src)
		next += k
	}
	assert.DeepEqual(t, b.Occupied(), 0)
}

func TestAppendTruncate(t *testing.T) {
	b, err := New(8, 1)
	assert.NilErr(t, err)

	assert.DeepEqual(t, b.AppendTruncate(rampFrames(1, 0, 5)), 5)
	assert.DeepEqual(t, b.Occupied(), 5)

	// Only 3 of these 5 frames fit. The rest is dropped, preserving the
	// already queued data.
	assert.DeepEqual(t, b.AppendTruncate(rampFrames(1, 5, 5)), 3)
	assert.DeepEqual(t, b.Occupied(), 8)
	assert.DeepEqual(t, b.AppendTruncate(rampFrames(1, 8, 1)), 0)

	dst := make([]float32, 8)
	assert.DeepEqual(t, b.Read(dst), 8)
	assert.DeepEqual(t, dst, rampFrames(1, 0, 8))
}

// TestAppendOverwriteRetainsNewest checks the drop-oldest policy: writing
// C+k frames without an intervening read retains exactly the last C frames.
func TestAppendOverwriteRetainsNewest(t *testing.T) {
	b, err := New(8, 1)
	assert.NilErr(t, err)

	assert.DeepEqual(t, b.AppendOverwrite(rampFrames(1, 0, 6)), 0)
	assert.DeepEqual(t, b.AppendOverwrite(rampFrames(1, 6, 6)), 4)
	assert.DeepEqual(t, b.Occupied(), 8)

	dst := make([]float32, 8)
	assert.DeepEqual(t, b.Read(dst), 8)
	assert.DeepEqual(t, dst, rampFrames(1, 4, 8))

	// A single write larger than the whole buffer keeps its final Cap()
	// frames.
	assert.DeepEqual(t, b.AppendOverwrite(rampFrames(1, 0, 13)), 5)
	assert.DeepEqual(t, b.Occupied(), 8)
	assert.DeepEqual(t, b.Read(dst), 8)
	assert.DeepEqual(t, dst, rampFrames(1, 5, 8))
}

// TestReadIndexedPositions checks the positions reported by ReadIndexed
// advance with consumption and jump when eviction skips the cursor ahead.
func TestReadIndexedPositions(t *testing.T) {
	b, err := New(8, 1)
	assert.NilErr(t, err)

	assert.DeepEqual(t, b.AppendTruncate(rampFrames(1, 0, 6)), 6)
	dst := make([]float32, 4)

	n, pos := b.ReadIndexed(dst)
	assert.DeepEqual(t, n, 4)
	assert.DeepEqual(t, pos, uint64(0))
	assert.DeepEqual(t, dst, rampFrames(1, 0, 4))

	// Fill up, then overfill so the 4 unconsumed frames are evicted. The
	// next read reports the position jump.
	assert.DeepEqual(t, b.AppendOverwrite(rampFrames(1, 6, 6)), 0)
	assert.DeepEqual(t, b.AppendOverwrite(rampFrames(1, 12, 4)), 4)

	n, pos = b.ReadIndexed(dst)
	assert.DeepEqual(t, n, 4)
	assert.DeepEqual(t, pos, uint64(8))
	assert.DeepEqual(t, dst, rampFrames(1, 8, 4))
}

func TestPatch(t *testing.T) {
	b, err := New(8, 1)
	assert.NilErr(t, err)

	assert.DeepEqual(t, b.AppendTruncate(rampFrames(1, 0, 6)), 6)
	assert.BoolIs(t, b.Patch(2, []float32{20, 21}), true)

	dst := make([]float32, 6)
	assert.DeepEqual(t, b.Read(dst), 6)
	assert.DeepEqual(t, dst, []float32{0, 8, 20, 21, 32, 40})

	// Everything has been consumed; neither a patch behind the read
	// cursor nor one past the write cursor may land.
	assert.BoolIs(t, b.Patch(5, []float32{99}), false)
	assert.BoolIs(t, b.Patch(6, []float32{99}), false)
	assert.BoolIs(t, b.Patch(6, nil), true)
}

func TestReadPartial(t *testing.T) {
	b, err := New(8, 1)
	assert.NilErr(t, err)

	assert.DeepEqual(t, b.AppendTruncate(rampFrames(1, 0, 3)), 3)
	dst := make([]float32, 8)
	assert.DeepEqual(t, b.Read(dst), 3)
	assert.DeepEqual(t, b.Read(dst), 0)
}

func TestDropAll(t *testing.T) {
	b, err := New(8, 1)
	assert.NilErr(t, err)

	assert.DeepEqual(t, b.AppendTruncate(rampFrames(1, 0, 5)), 5)
	assert.DeepEqual(t, b.DropAll(), 5)
	assert.DeepEqual(t, b.Occupied(), 0)
	assert.DeepEqual(t, b.DropAll(), 0)

	dst := make([]float32, 8)
	assert.DeepEqual(t, b.Read(dst), 0)
}

// TestConcurrentProducerConsumer streams a long ramp through a small buffer
// with a producer and a consumer goroutine and checks that the consumer
// observes every frame exactly once, in order.
func TestConcurrentProducerConsumer(t *testing.T) {
	const total = 1 << 16
	b, err := New(1024, 1)
	assert.NilErr(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		next := 0
		for next < total {
			chunk := 137
			if total-next < chunk {
				chunk = total - next
			}
			wrote := b.AppendTruncate(rampFrames(1, next, chunk))
			next += wrote
			if wrote == 0 {
				runtime.Gosched()
			}
		}
	}()

	dst := make([]float32, 256)
	seen := 0
	for seen < total {
		n := b.Read(dst)
		if n == 0 {
			runtime.Gosched()
			continue
		}
		for i := 0; i < n; i++ {
			if want := float32((seen + i) * 8); dst[i] != want {
				t.Fatalf("frame %d: got %v, want %v",
					seen+i, dst[i], want)
			}
		}
		seen += n
	}
	<-done
	assert.DeepEqual(t, b.Occupied(), 0)
}
