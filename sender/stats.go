package sender

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// stats holds sender statistics.
type stats struct {
	// promEnabled is true if prometheus has been enabled.
	//
	// Note: currently, not every call site checks for this before trying
	// to access prometheus metrics.
	promEnabled bool

	reg *prometheus.Registry

	bytesSent  prometheus.Counter
	pktsSent   prometheus.Counter
	pktsShort  prometheus.Counter
	sendErrors prometheus.Counter

	framesCaptured prometheus.Counter
	framesEvicted  prometheus.Counter

	ringOccupied prometheus.Gauge

	bytesSentAtomic      atomic.Uint64
	pktsSentAtomic       atomic.Uint64
	framesCapturedAtomic atomic.Uint64
	framesEvictedAtomic  atomic.Uint64
}

func newStats(promEnabled bool) *stats {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	reg.MustRegister(collectors.NewGoCollector())
	return &stats{
		promEnabled: promEnabled,
		reg:         reg,

		bytesSent: f.NewCounter(prometheus.CounterOpts{
			Name: "netaudio_send_bytes_sent",
			Help: "Total bytes sent",
		}),
		pktsSent: f.NewCounter(prometheus.CounterOpts{
			Name: "netaudio_send_packets_sent",
			Help: "Total number of packets sent",
		}),
		pktsShort: f.NewCounter(prometheus.CounterOpts{
			Name: "netaudio_send_packets_short",
			Help: "Count of partial packets flushed before filling",
		}),
		sendErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "netaudio_send_errors",
			Help: "Count of datagram writes that failed",
		}),

		framesCaptured: f.NewCounter(prometheus.CounterOpts{
			Name: "netaudio_send_frames_captured",
			Help: "Total frames delivered by the capture device",
		}),
		framesEvicted: f.NewCounter(prometheus.CounterOpts{
			Name: "netaudio_send_frames_evicted",
			Help: "Total captured frames dropped because sending fell behind",
		}),

		ringOccupied: f.NewGauge(prometheus.GaugeOpts{
			Name: "netaudio_send_ring_occupied",
			Help: "Frames currently buffered for sending",
		}),
	}
}

// runReportStatsLoop runs a loop to report basic stats.
func (s *Sender) runReportStatsLoop(ctx context.Context, reportInterval time.Duration) error {
	if reportInterval <= 0 {
		s.log.Infof("Logging of stats is disabled")
		return nil
	}

	ticker := time.NewTicker(reportInterval)
	var tickTime, lastTick time.Time
	tickTime = time.Now()

	s.log.Infof("Running report stats loop with interval %s", reportInterval)

	var bytesSent, pktsSent, framesCaptured, framesEvicted uint64
	for {
		lastTick = tickTime

		select {
		case <-ctx.Done():
			return ctx.Err()
		case tickTime = <-ticker.C:
		}

		bytesSent = s.stats.bytesSentAtomic.Swap(0)
		pktsSent = s.stats.pktsSentAtomic.Swap(0)
		framesCaptured = s.stats.framesCapturedAtomic.Swap(0)
		framesEvicted = s.stats.framesEvictedAtomic.Swap(0)

		if bytesSent|pktsSent|framesCaptured|framesEvicted == 0 {
			// Skip if there are no stats.
			continue
		}

		dt := tickTime.Sub(lastTick)
		if dt == 0 {
			continue // Should not happen.
		}

		dts := float64(dt.Milliseconds()) / 1000

		rfc := float64(framesCaptured) / dts
		rbs := float64(bytesSent) / dts
		rps := float64(pktsSent) / dts

		s.log.Infof("Stats for the last %s - "+
			"CAP: %8s Frm (%7s/sec) ; "+
			"OUT: %8s (%7sB/sec) %8s Pkt (%7s/sec) ; DROP: %8s Frm",
			dt.Round(time.Millisecond),
			hcount(framesCaptured), hrate(rfc),
			hbytes(bytesSent), hrate(rbs), hcount(pktsSent), hrate(rps),
			hcount(framesEvicted),
		)
	}
}
