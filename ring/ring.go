// Package ring implements the fixed-capacity single-producer
// single-consumer buffer of audio sample frames that sits between the
// audio device callback and the network loop.
package ring

import (
	"fmt"
	"sync/atomic"
)

// Buffer holds interleaved float32 samples for a fixed number of frames.
// One frame is one sample per channel. Exactly one goroutine may produce
// (append/patch) and exactly one may consume (read/drop); neither side
// ever blocks.
//
// Cursors are absolute frame counts; the backing slice index is pos&mask.
// Only the producer advances wpos. rpos is advanced by the consumer and,
// when AppendOverwrite must evict the oldest frames, by the producer, so
// both sides move it with CAS.
type Buffer struct {
	samples  []float32
	mask     uint64
	channels int

	// Padding to prevent false sharing between the cursors.
	_    [8]uint64
	wpos atomic.Uint64
	_    [8]uint64
	rpos atomic.Uint64
	_    [8]uint64
}

// New returns a buffer holding capacityFrames frames of channels samples
// each. The capacity must be a power of two.
func New(capacityFrames, channels int) (*Buffer, error) {
	if channels < 1 {
		return nil, fmt.Errorf("ring channels %d < 1", channels)
	}
	if capacityFrames < 1 || capacityFrames&(capacityFrames-1) != 0 {
		return nil, fmt.Errorf("ring capacity %d frames is not a "+
			"power of two", capacityFrames)
	}
	return &Buffer{
		samples:  make([]float32, capacityFrames*channels),
		mask:     uint64(capacityFrames - 1),
		channels: channels,
	}, nil
}

// CeilPow2 returns the smallest power of two >= n.
func CeilPow2(n int) int {
	size := 1
	for size < n {
		size <<= 1
		if size <= 0 {
			panic("ring capacity overflow")
		}
	}
	return size
}

// Cap returns the capacity in frames.
func (b *Buffer) Cap() int {
	return len(b.samples) / b.channels
}

// Channels returns the number of samples per frame.
func (b *Buffer) Channels() int {
	return b.channels
}

// Occupied returns the number of frames currently buffered.
func (b *Buffer) Occupied() int {
	w := b.wpos.Load()
	r := b.rpos.Load()
	if r >= w {
		return 0
	}
	return int(w - r)
}

// Free returns the number of frames that can be appended without
// truncation or eviction.
func (b *Buffer) Free() int {
	return b.Cap() - b.Occupied()
}

// WritePos returns the absolute frame position of the write cursor.
func (b *Buffer) WritePos() uint64 {
	return b.wpos.Load()
}

// ReadPos returns the absolute frame position of the read cursor.
func (b *Buffer) ReadPos() uint64 {
	return b.rpos.Load()
}

func (b *Buffer) copyIn(pos uint64, src []float32) {
	start := int(pos&b.mask) * b.channels
	n := copy(b.samples[start:], src)
	if n < len(src) {
		copy(b.samples, src[n:])
	}
}

func (b *Buffer) copyOut(pos uint64, dst []float32) {
	start := int(pos&b.mask) * b.channels
	n := copy(dst, b.samples[start:])
	if n < len(dst) {
		copy(dst[n:], b.samples[:len(dst)-n])
	}
}

// AppendTruncate writes as many whole frames from src as fit without
// overwriting unread data and returns the number of frames written.
// Producer side only.
func (b *Buffer) AppendTruncate(src []float32) int {
	n := len(src) / b.channels
	if n == 0 {
		return 0
	}
	w := b.wpos.Load()
	r := b.rpos.Load()
	free := b.Cap() - int(w-r)
	if free <= 0 {
		return 0
	}
	if n > free {
		n = free
	}
	b.copyIn(w, src[:n*b.channels])
	b.wpos.Store(w + uint64(n))
	return n
}

// AppendOverwrite writes all whole frames from src, evicting the oldest
// unread frames when the buffer is full, and returns the number of frames
// evicted. If src itself exceeds the capacity only its final Cap() frames
// are kept and the skipped prefix counts as evicted. Producer side only.
func (b *Buffer) AppendOverwrite(src []float32) int {
	n := len(src) / b.channels
	if n == 0 {
		return 0
	}
	var evicted int
	if c := b.Cap(); n > c {
		evicted = n - c
		src = src[evicted*b.channels:]
		n = c
	}
	w := b.wpos.Load()
	for {
		r := b.rpos.Load()
		need := int(w-r) + n - b.Cap()
		if need <= 0 {
			break
		}
		// Evict the oldest frames. CAS because the consumer may be
		// advancing rpos concurrently; its read of the evicted
		// region fails its own CAS and is retried.
		if b.rpos.CompareAndSwap(r, r+uint64(need)) {
			evicted += need
			break
		}
	}
	b.copyIn(w, src[:n*b.channels])
	b.wpos.Store(w + uint64(n))
	return evicted
}

// Patch writes src at the absolute frame position pos, which must lie
// entirely within the currently unconsumed region. Returns false without
// writing when it does not. The write cursor is unchanged. Producer side
// only.
//
// The consumer may pass the region while it is being patched; the worst
// case is that it plays a mix of the old fill and the patched samples.
func (b *Buffer) Patch(pos uint64, src []float32) bool {
	n := len(src) / b.channels
	if n == 0 {
		return true
	}
	w := b.wpos.Load()
	r := b.rpos.Load()
	if pos < r || pos+uint64(n) > w {
		return false
	}
	b.copyIn(pos, src[:n*b.channels])
	return true
}

// Read copies up to len(dst)/channels frames into dst and returns the
// number of frames copied, possibly zero. Callers substitute silence for
// the shortfall. Consumer side only.
func (b *Buffer) Read(dst []float32) int {
	n, _ := b.ReadIndexed(dst)
	return n
}

// ReadIndexed is Read returning additionally the absolute position of
// the first frame copied, so consumers that stamp frames with their
// position in the produced timeline can tell when eviction skipped the
// cursor ahead between reads. Consumer side only.
func (b *Buffer) ReadIndexed(dst []float32) (int, uint64) {
	want := len(dst) / b.channels
	if want == 0 {
		return 0, b.rpos.Load()
	}
	for {
		r := b.rpos.Load()
		w := b.wpos.Load()
		avail := int(w - r)
		if avail <= 0 {
			return 0, r
		}
		n := want
		if n > avail {
			n = avail
		}
		b.copyOut(r, dst[:n*b.channels])
		if b.rpos.CompareAndSwap(r, r+uint64(n)) {
			return n, r
		}
		// The producer evicted past us mid copy. Go again from the
		// new read position.
	}
}

// DropAll discards everything currently buffered and returns the number
// of frames dropped. Consumer side only.
func (b *Buffer) DropAll() int {
	for {
		r := b.rpos.Load()
		w := b.wpos.Load()
		if r >= w {
			return 0
		}
		if b.rpos.CompareAndSwap(r, w) {
			return int(w - r)
		}
	}
}
