package receiver

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// stats holds receiver statistics.
type stats struct {
	// promEnabled is true if prometheus has been enabled.
	//
	// Note: currently, not every call site checks for this before trying
	// to access prometheus metrics.
	promEnabled bool

	reg *prometheus.Registry

	bytesRead prometheus.Counter
	pktsRead  prometheus.Counter

	bytesReadAtomic    atomic.Uint64
	pktsReadAtomic     atomic.Uint64
	framesPlayedAtomic atomic.Uint64
	framesFilledAtomic atomic.Uint64

	pktsMalformed     prometheus.Counter
	pktsDuplicate     prometheus.Counter
	pktsStale         prometheus.Counter
	pktsBye           prometheus.Counter
	pktsLateRecovered prometheus.Counter
	pktsLateDropped   prometheus.Counter
	pktsIgnored       *prometheus.CounterVec

	resyncs         prometheus.Counter
	stalls          prometheus.Counter
	decodeFails     prometheus.Counter
	gapFrames       prometheus.Counter
	fecFrames       prometheus.Counter
	framesTruncated prometheus.Counter
	framesUnderrun  prometheus.Counter
	framesPlayed    prometheus.Counter

	sessions        prometheus.Gauge
	sessionsStarted prometheus.Counter
	sessionsRemoved prometheus.Counter
	ringOccupied    prometheus.Gauge
	prefillTarget   prometheus.Gauge
	sessionState    prometheus.Gauge

	handleDelay prometheus.Histogram
}

func newStats(promEnabled bool) *stats {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	reg.MustRegister(collectors.NewGoCollector())
	return &stats{
		promEnabled: promEnabled,
		reg:         reg,

		bytesRead: f.NewCounter(prometheus.CounterOpts{
			Name: "netaudio_recv_bytes_read",
			Help: "Total bytes read",
		}),
		pktsRead: f.NewCounter(prometheus.CounterOpts{
			Name: "netaudio_recv_packets_read",
			Help: "Total number of packets read",
		}),
		pktsMalformed: f.NewCounter(prometheus.CounterOpts{
			Name: "netaudio_recv_packets_malformed",
			Help: "Count of packets dropped due to failing header sanity checks",
		}),
		pktsDuplicate: f.NewCounter(prometheus.CounterOpts{
			Name: "netaudio_recv_packets_duplicate",
			Help: "Count of packets discarded as duplicates of already handled sequences",
		}),
		pktsStale: f.NewCounter(prometheus.CounterOpts{
			Name: "netaudio_recv_packets_stale",
			Help: "Count of packets discarded because their sequence is older than the window",
		}),
		pktsBye: f.NewCounter(prometheus.CounterOpts{
			Name: "netaudio_recv_packets_bye",
			Help: "Count of bye packets received",
		}),
		pktsLateRecovered: f.NewCounter(prometheus.CounterOpts{
			Name: "netaudio_recv_packets_late_recovered",
			Help: "Count of late packets patched into their gap fill before playback",
		}),
		pktsLateDropped: f.NewCounter(prometheus.CounterOpts{
			Name: "netaudio_recv_packets_late_dropped",
			Help: "Count of late packets that arrived after their slot played out",
		}),
		pktsIgnored: f.NewCounterVec(prometheus.CounterOpts{
			Name: "netaudio_recv_packets_ignored",
			Help: "Count of valid packets ignored without being placed",
		}, []string{"reason"}),

		resyncs: f.NewCounter(prometheus.CounterOpts{
			Name: "netaudio_recv_resyncs",
			Help: "Count of sequence or frame index discontinuities too large to bridge",
		}),
		stalls: f.NewCounter(prometheus.CounterOpts{
			Name: "netaudio_recv_stalls",
			Help: "Count of playback stalls that forced a new prefill",
		}),
		decodeFails: f.NewCounter(prometheus.CounterOpts{
			Name: "netaudio_recv_decode_failures",
			Help: "Count of opus packets that failed to decode",
		}),
		gapFrames: f.NewCounter(prometheus.CounterOpts{
			Name: "netaudio_recv_gap_frames_filled",
			Help: "Total frames written by the gap fill policy in place of lost packets",
		}),
		fecFrames: f.NewCounter(prometheus.CounterOpts{
			Name: "netaudio_recv_fec_frames",
			Help: "Total lost frames concealed by the opus decoder",
		}),
		framesTruncated: f.NewCounter(prometheus.CounterOpts{
			Name: "netaudio_recv_frames_truncated",
			Help: "Total frames dropped because the ring was full",
		}),
		framesUnderrun: f.NewCounter(prometheus.CounterOpts{
			Name: "netaudio_recv_frames_underrun",
			Help: "Total silence frames substituted when playback outran the ring",
		}),
		framesPlayed: f.NewCounter(prometheus.CounterOpts{
			Name: "netaudio_recv_frames_played",
			Help: "Total frames handed to the playback device",
		}),

		sessions: f.NewGauge(prometheus.GaugeOpts{
			Name: "netaudio_recv_sessions",
			Help: "Active session count",
		}),
		sessionsStarted: f.NewCounter(prometheus.CounterOpts{
			Name: "netaudio_recv_sessions_started",
			Help: "Count of streams started",
		}),
		sessionsRemoved: f.NewCounter(prometheus.CounterOpts{
			Name: "netaudio_recv_sessions_removed",
			Help: "Count of sessions removed after a bye or timeout",
		}),
		ringOccupied: f.NewGauge(prometheus.GaugeOpts{
			Name: "netaudio_recv_ring_occupied",
			Help: "Frames currently buffered for playback",
		}),
		prefillTarget: f.NewGauge(prometheus.GaugeOpts{
			Name: "netaudio_recv_prefill_target",
			Help: "Frames to buffer before playback (re)starts",
		}),
		sessionState: f.NewGauge(prometheus.GaugeOpts{
			Name: "netaudio_recv_session_state",
			Help: "State of the last session to transition (1 prefilling, 2 steady, 3 stalled, 4 draining)",
		}),

		handleDelay: f.NewHistogram(prometheus.HistogramOpts{
			Name: "netaudio_recv_handle_delay_microseconds",
			Help: "Histogram of per-packet depacketizing delay (receipt to ring placement)",
			Buckets: []float64{
				1, 5, 50, 100, 250, 500, 750, 1_000, 2_500, 5_000, 10_000, 20_000,
			},
		}),
	}
}

// runReportStatsLoop runs a loop to report basic stats.
func (r *Receiver) runReportStatsLoop(ctx context.Context, reportInterval time.Duration) error {
	if reportInterval <= 0 {
		r.log.Infof("Logging of stats is disabled")
		return nil
	}

	ticker := time.NewTicker(reportInterval)
	var tickTime, lastTick time.Time
	tickTime = time.Now()

	r.log.Infof("Running report stats loop with interval %s", reportInterval)

	var bytesRead, pktsRead, framesPlayed, framesFilled uint64
	for {
		lastTick = tickTime

		select {
		case <-ctx.Done():
			return ctx.Err()
		case tickTime = <-ticker.C:
		}

		bytesRead = r.stats.bytesReadAtomic.Swap(0)
		pktsRead = r.stats.pktsReadAtomic.Swap(0)
		framesPlayed = r.stats.framesPlayedAtomic.Swap(0)
		framesFilled = r.stats.framesFilledAtomic.Swap(0)

		if bytesRead|pktsRead|framesPlayed|framesFilled == 0 {
			// Skip if there are no stats.
			continue
		}

		dt := tickTime.Sub(lastTick)
		if dt == 0 {
			continue // Should not happen.
		}

		dts := float64(dt.Milliseconds()) / 1000

		rbr := float64(bytesRead) / dts
		rpr := float64(pktsRead) / dts
		fpr := float64(framesPlayed) / dts

		r.log.Infof("Stats for the last %s - "+
			"IN: %8s (%7sB/sec) %8s Pkt (%7s/sec) ; "+
			"OUT: %8s Frm (%7s/sec) ; FILL: %8s Frm",
			dt.Round(time.Millisecond),
			hbytes(bytesRead), hrate(rbr), hcount(pktsRead), hrate(rpr),
			hcount(framesPlayed), hrate(fpr), hcount(framesFilled),
		)
	}
}
