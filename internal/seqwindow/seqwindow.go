// Package seqwindow classifies received sequence numbers against a
// bounded acceptance window so the depacketizer can tell in-order,
// early, recoverable-late, duplicate and stale arrivals apart.
package seqwindow

import "fmt"

// Verdict is the classification of one received sequence number.
type Verdict uint8

const (
	// Expected is the next in-order sequence.
	Expected Verdict = iota

	// Early is ahead of the next expected sequence but within the
	// window; the skipped range was marked forgiven.
	Early

	// Late is a previously skipped sequence that had not been seen yet;
	// its payload may still be placed if its position was not consumed.
	Late

	// Duplicate was already seen or already given up on.
	Duplicate

	// Stale is older than the window.
	Stale

	// Resync is so far ahead of the window that tracking restarted at
	// it.
	Resync
)

func (v Verdict) String() string {
	switch v {
	case Expected:
		return "expected"
	case Early:
		return "early"
	case Late:
		return "late"
	case Duplicate:
		return "duplicate"
	case Stale:
		return "stale"
	case Resync:
		return "resync"
	default:
		return fmt.Sprintf("verdict(%d)", uint8(v))
	}
}

// MaxSize is the widest supported window. The forgiven bitmap is 64 bits
// and bit 0 always refers to the most recently consumed sequence, leaving
// 63 usable skip slots.
const MaxSize = 63

// Window tracks uint32 sequence numbers against a fixed-size acceptance
// window. Tracking starts at whatever sequence is classified first.
// Distances are computed with int32 two's-complement difference, so
// traffic crossing the 2^32 boundary keeps working and anything half the
// sequence space away is treated as stale.
//
// A Window is not safe for concurrent use; the receiver drives it from a
// single goroutine.
type Window struct {
	// next is the next expected sequence number.
	next uint32

	// forgiven is the bitmap of recently skipped sequences: bit i set
	// means sequence next-1-i was skipped over and never seen.
	forgiven uint64

	size    int
	started bool
}

// New returns a window accepting sequences up to size ahead of or behind
// the next expected one.
func New(size int) (*Window, error) {
	if size < 1 || size > MaxSize {
		return nil, fmt.Errorf("window size %d outside [1, %d]",
			size, MaxSize)
	}
	return &Window{size: size}, nil
}

// Next returns the next expected sequence number.
func (w *Window) Next() uint32 {
	return w.next
}

// Classify advances the window state for sequence seq and returns its
// verdict plus the signed distance from the next expected sequence. For
// Early the distance is the number of sequences skipped over.
func (w *Window) Classify(seq uint32) (Verdict, int) {
	if !w.started {
		w.started = true
		w.next = seq + 1
		w.forgiven = 0
		return Expected, 0
	}

	d := int(int32(seq - w.next))
	switch {
	case d == 0:
		w.next = seq + 1
		w.forgiven <<= 1
		return Expected, 0

	case d > 0 && d <= w.size:
		// Sequences next..seq-1 are skipped over. Mark them forgiven
		// and consume seq itself (bit 0 clear).
		w.forgiven = w.forgiven<<uint(d+1) | (uint64(1)<<uint(d)-1)<<1
		w.next = seq + 1
		return Early, d

	case d > w.size:
		w.next = seq + 1
		w.forgiven = 0
		return Resync, d

	case d >= -w.size:
		idx := uint(-d - 1)
		mask := uint64(1) << idx
		if w.forgiven&mask != 0 {
			w.forgiven &^= mask
			return Late, d
		}
		return Duplicate, d

	default:
		return Stale, d
	}
}
