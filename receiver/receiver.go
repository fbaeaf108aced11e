// Package receiver reassembles a live audio stream from UDP datagrams
// and plays it with minimal added latency. Datagrams from one sender at
// a time feed a lock-free ring buffer read by the playback device
// callback; reordering, loss, duplication and sender restarts are
// absorbed by a per-session depacketizer.
package receiver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"sync/atomic"
	"time"

	"github.com/companyzero/netaudio/internal/audio"
	"github.com/companyzero/netaudio/internal/seqwindow"
	"github.com/companyzero/netaudio/ring"
	"github.com/companyzero/netaudio/wire"
	"github.com/decred/slog"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/puzpuzpuz/xsync/v3"
	"golang.org/x/sync/errgroup"
)

// Defaults for the tunable knobs.
const (
	DefaultRingCapacity   = 8192
	DefaultPrefill        = 1920
	DefaultWindowSize     = 32
	DefaultStallTolerance = 50 * time.Millisecond
	DefaultSessionTimeout = 5 * time.Second
)

// maxDatagramSize is the read buffer size. Larger than any datagram the
// sender emits so reads are never truncated.
const maxDatagramSize = 65535

// config determines a receiver config.
type config struct {
	listenAddr *net.UDPAddr
	conn       *net.UDPConn
	audioCtx   audio.Context
	deviceID   audio.DeviceID
	log        slog.Logger
	promAddr   string

	ringCap        int
	prefillFrames  int
	fillPolicy     FillPolicy
	windowSize     int
	stallTolerance time.Duration
	sessionTimeout time.Duration

	// timeoutLoopTickerInterval is the interval between iterations of
	// the timeoutStaleSessions loop.
	timeoutLoopTickerInterval time.Duration

	// statsReportInterval is the interval to log stats. If zero, stats
	// are not logged.
	statsReportInterval time.Duration
}

// fillConfig fills a new config with the default config values, then
// applies all specified options.
func fillConfig(opts ...Option) config {
	cfg := config{
		log:                       slog.Disabled,
		ringCap:                   DefaultRingCapacity,
		prefillFrames:             DefaultPrefill,
		fillPolicy:                FillSilence,
		windowSize:                DefaultWindowSize,
		stallTolerance:            DefaultStallTolerance,
		sessionTimeout:            DefaultSessionTimeout,
		timeoutLoopTickerInterval: time.Second,
		statsReportInterval:       10 * time.Second,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

// Option is a functional receiver config option.
type Option func(c *config)

// WithListenAddr establishes the listening address of the receiver.
// Either a listen address or a raw conn must be configured.
func WithListenAddr(addr *net.UDPAddr) Option {
	return func(c *config) {
		c.listenAddr = addr
	}
}

// WithConn sets a raw UDP conn to receive on instead of binding a new
// one.
func WithConn(conn *net.UDPConn) Option {
	return func(c *config) {
		c.conn = conn
	}
}

// WithAudioContext sets the audio context used to open the playback
// device and build decoders. When unset, Run creates (and frees) the
// process default context.
func WithAudioContext(actx audio.Context) Option {
	return func(c *config) {
		c.audioCtx = actx
	}
}

// WithPlaybackDevice selects the playback device. Empty means the system
// default.
func WithPlaybackDevice(id audio.DeviceID) Option {
	return func(c *config) {
		c.deviceID = id
	}
}

// WithLogger sets up the receiver to use the logger. Logger MUST NOT be
// nil.
func WithLogger(l slog.Logger) Option {
	return func(c *config) {
		c.log = l
	}
}

// WithPrometheusListenAddr sets the address to offer Prometheus metrics
// endpoint collection.
func WithPrometheusListenAddr(addr string) Option {
	return func(c *config) {
		c.promAddr = addr
	}
}

// WithRingCapacity sets the playback ring capacity in frames, rounded up
// to a power of two.
func WithRingCapacity(frames int) Option {
	return func(c *config) {
		c.ringCap = frames
	}
}

// WithPrefill sets how many frames to buffer before playback starts.
func WithPrefill(frames int) Option {
	return func(c *config) {
		c.prefillFrames = frames
	}
}

// WithFillPolicy sets what is played in place of lost frames.
func WithFillPolicy(p FillPolicy) Option {
	return func(c *config) {
		c.fillPolicy = p
	}
}

// WithSequenceWindow sets how many sequence numbers ahead of the next
// expected one are still accepted.
func WithSequenceWindow(size int) Option {
	return func(c *config) {
		c.windowSize = size
	}
}

// WithStallTolerance sets how long playback may run dry before the
// session is considered stalled and prefills again.
func WithStallTolerance(d time.Duration) Option {
	return func(c *config) {
		c.stallTolerance = d
	}
}

// WithSessionTimeout sets how long a session survives without receiving
// any packet.
func WithSessionTimeout(d time.Duration) Option {
	return func(c *config) {
		c.sessionTimeout = d
	}
}

// WithReportStatsInterval sets the interval to log stats. If set to
// zero, reporting is disabled.
func WithReportStatsInterval(interval time.Duration) Option {
	return func(c *config) {
		c.statsReportInterval = interval
	}
}

// WithTimeoutTickerInterval sets the stale session sweep interval. Only
// useful for testing.
func WithTimeoutTickerInterval(interval time.Duration) Option {
	return func(c *config) {
		c.timeoutLoopTickerInterval = interval
	}
}

// Receiver is the receiving role of a netaudio link.
type Receiver struct {
	cfg   config
	log   slog.Logger
	stats *stats

	audioCtx audio.Context

	sessions      *xsync.MapOf[netip.AddrPort, *session]
	sessionsCount atomic.Int64

	// active is the session that currently owns playback. Written by
	// the read loop (promotion) and the sweep loop (removal), read by
	// the playback callback.
	active atomic.Pointer[session]

	// playBuf is the playback callback's scratch buffer. Sized beyond
	// any device period so the callback never allocates.
	playBuf []float32

	// stallFrames is the stall tolerance in frames.
	stallFrames int
}

// New creates a new receiver.
func New(opts ...Option) (*Receiver, error) {
	cfg := fillConfig(opts...)

	if cfg.listenAddr == nil && cfg.conn == nil {
		return nil, fmt.Errorf("no listen address configured")
	}
	if _, err := seqwindow.New(cfg.windowSize); err != nil {
		return nil, err
	}
	cfg.ringCap = ring.CeilPow2(cfg.ringCap)
	if cfg.prefillFrames < audio.PeriodFrames {
		return nil, fmt.Errorf("prefill %d is less than one period (%d frames)",
			cfg.prefillFrames, audio.PeriodFrames)
	}
	if cfg.prefillFrames > cfg.ringCap {
		return nil, fmt.Errorf("prefill %d exceeds ring capacity %d",
			cfg.prefillFrames, cfg.ringCap)
	}
	if cfg.stallTolerance <= 0 {
		return nil, fmt.Errorf("stall tolerance must be positive")
	}
	if cfg.sessionTimeout <= 0 {
		return nil, fmt.Errorf("session timeout must be positive")
	}

	stallFrames := int(cfg.stallTolerance * audio.SampleRate / time.Second)
	if stallFrames < audio.PeriodFrames {
		stallFrames = audio.PeriodFrames
	}

	return &Receiver{
		cfg:         cfg,
		log:         cfg.log,
		stats:       newStats(cfg.promAddr != ""),
		audioCtx:    cfg.audioCtx,
		sessions:    xsync.NewMapOf[netip.AddrPort, *session](),
		playBuf:     make([]float32, wire.MaxFrameCount*audio.Channels),
		stallFrames: stallFrames,
	}, nil
}

// Buffered returns the frames currently buffered for playback, or 0
// when no session owns playback.
func (r *Receiver) Buffered() int {
	s := r.active.Load()
	if s == nil || s.curState() == StateUninitialized || s.initFailed {
		return 0
	}
	return s.ring.Occupied()
}

// getSession returns the session of the given remote address, creating
// it if needed.
func (r *Receiver) getSession(addr netip.AddrPort, recvTime time.Time) *session {
	s, _ := r.sessions.LoadOrCompute(addr, func() *session {
		r.sessionsCount.Add(1)
		r.stats.sessions.Inc()
		ns := newSession(addr, recvTime, r)
		r.log.Debugf("New session from %s", ns)
		return ns
	})
	return s
}

// teardownSession removes session s. Both the sweep loop and the read
// loop's restart path call this, and the read loop may store a
// replacement session under the same address right after, so the delete
// must not clobber an entry that no longer holds s.
func (r *Receiver) teardownSession(k netip.AddrPort, s *session, reason string) {
	var removed bool
	r.sessions.Compute(k, func(cur *session, loaded bool) (*session, bool) {
		if loaded && cur == s {
			removed = true
			return nil, true
		}
		return cur, !loaded
	})
	if !removed {
		return
	}
	r.active.CompareAndSwap(s, nil)
	r.sessionsCount.Add(-1)
	r.stats.sessions.Dec()
	r.stats.sessionsRemoved.Inc()
	r.log.Infof("Removing session %s (reason: %s)", s, reason)
}

// handleBye marks the source session, if any, as draining.
func (r *Receiver) handleBye(addr netip.AddrPort, recvTime time.Time) {
	s, _ := r.sessions.Load(addr)
	if s == nil {
		return
	}
	s.lastRead.Store(recvTime)
	r.stats.pktsBye.Inc()
	if s.curState() != StateDraining {
		r.log.Infof("Session %s sent bye, draining", s)
		s.setState(StateDraining)
	}
}

// readLoop is the main reading loop of the receiver. It receives
// datagrams, routes them to their session by source address and lets the
// session's depacketizer place them.
func (r *Receiver) readLoop(ctx context.Context, conn *net.UDPConn) error {
	tempBuf := make([]byte, maxDatagramSize)
	inPkt := wire.NewPktBuffer(maxDatagramSize)

	statForeignPkts := r.stats.pktsIgnored.WithLabelValues("foreign")
	statDeadPkts := r.stats.pktsIgnored.WithLabelValues("dead")

	for {
		n, addr, err := conn.ReadFromUDPAddrPort(tempBuf)
		recvTime := time.Now()
		if err != nil {
			// Assumed to be caused by the socket closing on shutdown.
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}

		if r.stats.promEnabled {
			r.stats.bytesRead.Add(float64(n))
			r.stats.pktsRead.Inc()
		}
		r.stats.bytesReadAtomic.Add(uint64(n))
		r.stats.pktsReadAtomic.Add(1)

		// Sanity checks.
		inPkt.SetFullData(tempBuf[:n])
		if !inPkt.HasValidSize() {
			r.stats.pktsMalformed.Inc()
			continue
		}
		if err := inPkt.SanityCheck(audio.Channels); err != nil {
			r.stats.pktsMalformed.Inc()
			r.log.Debugf("Discarding malformed packet from %s: %v", addr, err)
			continue
		}

		if inPkt.Flags()&wire.FlagBye != 0 {
			r.handleBye(addr, recvTime)
			continue
		}

		s := r.getSession(addr, recvTime)
		s.lastRead.Store(recvTime)

		if s.curState() == StateDraining {
			if s.initFailed {
				statDeadPkts.Inc()
				continue
			}
			// The sender restarted after a bye. The stream fields of a
			// session are written only before its state first leaves
			// StateUninitialized, so the restarted stream gets a fresh
			// session instead of reinitializing one the playback
			// callback may still be draining.
			r.log.Infof("Restarting stream from %s", s)
			r.teardownSession(addr, s, "restarted by sender")
			s = r.getSession(addr, recvTime)
			s.lastRead.Store(recvTime)
		}

		// One session owns playback at a time.
		if act := r.active.Load(); act != s {
			if act != nil || !r.active.CompareAndSwap(nil, s) {
				if !s.warnedInactive {
					s.warnedInactive = true
					r.log.Warnf("Ignoring stream from %s while another "+
						"session owns playback", s)
				}
				statForeignPkts.Inc()
				continue
			}
			r.log.Infof("Session %s now owns playback", s)
		}

		s.handleData(inPkt)

		handleDelay := time.Since(recvTime)
		r.stats.handleDelay.Observe(float64(handleDelay / time.Microsecond))
	}
}

// playbackData services the playback device callback. It runs on the
// device's real time thread: no blocking, no allocation.
func (r *Receiver) playbackData(out, in []byte, frameCount uint32) {
	_ = in

	s := r.active.Load()
	if s == nil || !s.playing() {
		clear(out)
		return
	}

	want := int(frameCount)
	if m := len(r.playBuf) / audio.Channels; want > m {
		want = m
	}
	pcm := r.playBuf[:want*audio.Channels]
	n := s.ring.Read(pcm)
	audio.F32SliceToBytes(pcm[:n*audio.Channels], out[:0])

	if n < want {
		// Underrun: the missing tail plays as silence.
		clear(out[n*audio.FrameBytes:])
		if r.stats.promEnabled {
			r.stats.framesUnderrun.Add(float64(want - n))
		}
		r.stats.framesFilledAtomic.Add(uint64(want - n))

		if s.curState() == StateSteady {
			s.underrunFrames += want - n
			if s.underrunFrames >= r.stallFrames &&
				s.state.CompareAndSwap(uint32(StateSteady), uint32(StateStalled)) {
				r.stats.sessionState.Set(float64(StateStalled))
			}
		}
	} else {
		s.underrunFrames = 0
	}

	if r.stats.promEnabled {
		r.stats.framesPlayed.Add(float64(n))
	}
	r.stats.framesPlayedAtomic.Add(uint64(n))
}

// sweepStaleSessions removes sessions which have not had traffic within
// the session timeout, and draining sessions that played out.
func (r *Receiver) sweepStaleSessions(now time.Time) {
	type removedSession struct {
		k      netip.AddrPort
		s      *session
		reason string
	}

	var removed []removedSession
	r.sessions.Range(func(k netip.AddrPort, v *session) bool {
		if d := now.Sub(v.LastReadTime()); d > r.cfg.sessionTimeout {
			removed = append(removed,
				removedSession{k: k, s: v, reason: "timed out"})
		} else if v.drained() {
			removed = append(removed,
				removedSession{k: k, s: v, reason: "drained after bye"})
		}
		return true
	})

	for _, rm := range removed {
		r.teardownSession(rm.k, rm.s, rm.reason)
	}
}

// timeoutStaleSessions times out sessions which have not had traffic
// within the session timeout.
func (r *Receiver) timeoutStaleSessions(ctx context.Context) error {
	tickerInterval := r.cfg.timeoutLoopTickerInterval
	if r.cfg.sessionTimeout < tickerInterval {
		tickerInterval = r.cfg.sessionTimeout
	}
	ticker := time.NewTicker(tickerInterval)
	defer ticker.Stop()

	for {
		select {
		case now := <-ticker.C:
			r.sweepStaleSessions(now)

		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// runPrometheusListener runs the Prometheus metrics endpoint in the
// given address.
func (r *Receiver) runPrometheusListener(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	promHandler := promhttp.InstrumentMetricHandler(
		r.stats.reg, promhttp.HandlerFor(r.stats.reg, promhttp.HandlerOpts{}),
	)
	mux.Handle("/metrics", promHandler)
	hs := http.Server{
		Addr:        addr,
		BaseContext: func(net.Listener) context.Context { return ctx },
		Handler:     mux,
	}
	r.log.Infof("Exposing prometheus metrics on %s", addr)
	go func() {
		<-ctx.Done()
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		hs.Shutdown(ctx)
	}()
	err := hs.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		// Shut down by the context watcher above.
		return ctx.Err()
	}
	return err
}

// Run the receiver. The playback device runs for as long as the context
// lives; the read loop is unblocked on shutdown by closing the socket.
func (r *Receiver) Run(ctx context.Context) error {
	conn := r.cfg.conn
	if conn == nil {
		var err error
		conn, err = net.ListenUDP("udp", r.cfg.listenAddr)
		if err != nil {
			return fmt.Errorf("unable to listen on '%s': %v",
				r.cfg.listenAddr, err)
		}
	}
	r.log.Infof("Listening for audio on %s", conn.LocalAddr())

	if r.audioCtx == nil {
		actx, err := audio.NewContext()
		if err != nil {
			conn.Close()
			return fmt.Errorf("unable to init audio context: %v", err)
		}
		defer actx.Free()
		r.audioCtx = actx
	}

	dev, err := r.audioCtx.InitPlayback(r.cfg.deviceID, r.playbackData)
	if err != nil {
		conn.Close()
		return fmt.Errorf("unable to init playback device: %v", err)
	}
	defer dev.Uninit()

	if err := dev.Start(); err != nil {
		conn.Close()
		return fmt.Errorf("unable to start playback device: %v", err)
	}
	defer dev.Stop()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return r.readLoop(gctx, conn) })
	g.Go(func() error { return r.timeoutStaleSessions(gctx) })
	g.Go(func() error { return r.runReportStatsLoop(gctx, r.cfg.statsReportInterval) })
	if r.cfg.promAddr != "" {
		g.Go(func() error { return r.runPrometheusListener(gctx, r.cfg.promAddr) })
	}

	// Close the socket once the receiver is done to unblock the read
	// loop.
	g.Go(func() error {
		<-gctx.Done()
		r.log.Debugf("Group context done. Closing socket %s", conn.LocalAddr())
		return conn.Close()
	})

	return g.Wait()
}
