// Package netsim relays UDP datagrams through a simulated network
// path. Each datagram is held for a sampled delay before being
// forwarded, so uneven delays reorder packets the way a jittery path
// would, and independent coin flips drop or duplicate them.
package netsim

import (
	"context"
	"math/rand"
	"net"
	"sync/atomic"
	"time"

	"github.com/decred/slog"
)

// Link relays datagrams arriving on its listen socket to a fixed
// destination. The simulation knobs may be adjusted while running.
type Link struct {
	log slog.Logger
	in  *net.UDPConn
	out *net.UDPConn

	minDelay    atomic.Int64
	meanDelay   atomic.Int64
	stdDevDelay atomic.Int64
	lossMilli   atomic.Int32
	dupMilli    atomic.Int32

	relayed atomic.Uint64
	dropped atomic.Uint64

	bufChan chan []byte // ring of buffers
}

// New creates a link forwarding to dst. Senders stream to Addr().
func New(dst *net.UDPAddr, log slog.Logger) (*Link, error) {
	in, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		return nil, err
	}
	out, err := net.DialUDP("udp", nil, dst)
	if err != nil {
		in.Close()
		return nil, err
	}

	l := &Link{
		log:     log,
		in:      in,
		out:     out,
		bufChan: make(chan []byte, 500),
	}

	// Create a few buffers.
	for i := 0; i < 10; i++ {
		l.bufChan <- make([]byte, 0, 2048)
	}

	return l, nil
}

// Addr returns the address senders should stream to.
func (l *Link) Addr() *net.UDPAddr {
	return l.in.LocalAddr().(*net.UDPAddr)
}

// SetDelay sets the forwarding delay distribution: min plus the
// positive part of a normal sample with the given mean and deviation.
func (l *Link) SetDelay(min, mean, stdDev time.Duration) {
	l.minDelay.Store(int64(min))
	l.meanDelay.Store(int64(mean))
	l.stdDevDelay.Store(int64(stdDev))
}

// SetLossMilli sets the packet loss rate in thousandths.
func (l *Link) SetLossMilli(m int32) {
	l.lossMilli.Store(m)
}

// SetDupMilli sets the packet duplication rate in thousandths.
func (l *Link) SetDupMilli(m int32) {
	l.dupMilli.Store(m)
}

// Relayed returns the count of datagrams forwarded, duplicates
// included.
func (l *Link) Relayed() uint64 {
	return l.relayed.Load()
}

// Dropped returns the count of datagrams dropped by the loss knob.
func (l *Link) Dropped() uint64 {
	return l.dropped.Load()
}

func (l *Link) sampleDelay() time.Duration {
	mean, stdDev := l.meanDelay.Load(), l.stdDevDelay.Load()
	extra := time.Duration(rand.NormFloat64()*float64(stdDev) + float64(mean))
	extra = max(extra, 0)
	return time.Duration(l.minDelay.Load()) + extra
}

func (l *Link) copyBuf(data []byte) []byte {
	var buf []byte
	select {
	case buf = <-l.bufChan:
	default:
		buf = make([]byte, 0, max(2048, len(data)))
	}

	// Copy (so the read loop can reuse).
	return append(buf, data...)
}

// forward holds buf for its sampled delay, then writes it out.
func (l *Link) forward(ctx context.Context, buf []byte) {
	delay := l.sampleDelay()
	go func() {
		select {
		case <-time.After(delay):
			// Packet arrived in destination.
			if _, err := l.out.Write(buf); err != nil {
				l.log.Debugf("Unable to forward datagram: %v", err)
			} else {
				l.relayed.Add(1)
			}

			// Return buffer for reuse.
			select {
			case l.bufChan <- buf[:0]:
			default:
				// Ok if bufchan is full.
			}
		case <-ctx.Done():
		}
	}()
}

// handle applies the loss and duplication knobs to one received
// datagram.
func (l *Link) handle(ctx context.Context, data []byte) {
	if rand.Int31n(1000) < l.lossMilli.Load() {
		l.dropped.Add(1)
		return
	}

	l.forward(ctx, l.copyBuf(data))

	if rand.Int31n(1000) < l.dupMilli.Load() {
		l.forward(ctx, l.copyBuf(data))
	}
}

// Run relays datagrams until the context is done.
func (l *Link) Run(ctx context.Context) error {
	defer l.out.Close()

	// Close the socket once the link is done to unblock the read loop.
	go func() {
		<-ctx.Done()
		l.in.Close()
	}()

	l.log.Infof("Relaying %s to %s", l.Addr(), l.out.RemoteAddr())

	tempBuf := make([]byte, 65535)
	for {
		n, _, err := l.in.ReadFromUDPAddrPort(tempBuf)
		if err != nil {
			// Assumed to be caused by the socket closing on shutdown.
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}

		l.handle(ctx, tempBuf[:n])
	}
}
