// Package sender captures live audio and streams it to a receiver as
// UDP datagrams. The capture device callback appends frames to a
// lock-free ring buffer drained by the network send loop; the two
// cadences drift freely and the ring absorbs the difference, dropping
// the oldest audio when the network falls behind.
package sender

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/companyzero/netaudio/internal/audio"
	"github.com/companyzero/netaudio/ring"
	"github.com/companyzero/netaudio/wire"
	"github.com/decred/slog"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
)

// Defaults for the tunable knobs.
const (
	DefaultRingCapacity = 8192
	DefaultPacketSize   = 972
	DefaultFlushTimeout = 20 * time.Millisecond
)

// maxPacketSize bounds the configured packet size to what fits one UDP
// datagram.
const maxPacketSize = 65535

// opusFrameSizes are the packet frame counts the opus codec accepts at
// 48 kHz.
var opusFrameSizes = []int{120, 240, 480, 960}

func validOpusFrameCount(frames int) bool {
	for _, n := range opusFrameSizes {
		if frames == n {
			return true
		}
	}
	return false
}

// config determines a sender config.
type config struct {
	sendAddr *net.UDPAddr
	conn     *net.UDPConn
	audioCtx audio.Context
	deviceID audio.DeviceID
	log      slog.Logger
	promAddr string

	ringCap      int
	packetSize   int
	opus         bool
	flushTimeout time.Duration

	// statsReportInterval is the interval to log stats. If zero, stats
	// are not logged.
	statsReportInterval time.Duration
}

// fillConfig fills a new config with the default config values, then
// applies all specified options.
func fillConfig(opts ...Option) config {
	cfg := config{
		log:                 slog.Disabled,
		ringCap:             DefaultRingCapacity,
		packetSize:          DefaultPacketSize,
		flushTimeout:        DefaultFlushTimeout,
		statsReportInterval: 10 * time.Second,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

// Option is a functional sender config option.
type Option func(c *config)

// WithSendAddr establishes the receiver address to stream to. Either a
// send address or a raw conn must be configured.
func WithSendAddr(addr *net.UDPAddr) Option {
	return func(c *config) {
		c.sendAddr = addr
	}
}

// WithConn sets a raw connected UDP conn to send on instead of dialing
// a new one.
func WithConn(conn *net.UDPConn) Option {
	return func(c *config) {
		c.conn = conn
	}
}

// WithAudioContext sets the audio context used to open the capture
// device and build encoders. When unset, Run creates (and frees) the
// process default context.
func WithAudioContext(actx audio.Context) Option {
	return func(c *config) {
		c.audioCtx = actx
	}
}

// WithCaptureDevice selects the capture device. Empty means the system
// default.
func WithCaptureDevice(id audio.DeviceID) Option {
	return func(c *config) {
		c.deviceID = id
	}
}

// WithLogger sets up the sender to use the logger. Logger MUST NOT be
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

// WithRingCapacity sets the capture ring capacity in frames, rounded up
// to a power of two.
func WithRingCapacity(frames int) Option {
	return func(c *config) {
		c.ringCap = frames
	}
}

// WithPacketSize sets the max datagram size in bytes. The frames per
// packet follow from it after the header is accounted for.
func WithPacketSize(bytes int) Option {
	return func(c *config) {
		c.packetSize = bytes
	}
}

// WithOpus compresses the stream with the opus codec instead of sending
// raw samples.
func WithOpus(opus bool) Option {
	return func(c *config) {
		c.opus = opus
	}
}

// WithFlushTimeout sets how long a partial packet may wait for more
// frames before being sent short.
func WithFlushTimeout(d time.Duration) Option {
	return func(c *config) {
		c.flushTimeout = d
	}
}

// WithReportStatsInterval sets the interval to log stats. If set to
// zero, reporting is disabled.
func WithReportStatsInterval(interval time.Duration) Option {
	return func(c *config) {
		c.statsReportInterval = interval
	}
}

// Sender is the capturing role of a netaudio link.
type Sender struct {
	cfg   config
	log   slog.Logger
	stats *stats

	audioCtx audio.Context

	ring *ring.Buffer

	// notify nudges the send loop after the capture callback appends,
	// without ever blocking the callback.
	notify chan struct{}

	framesPerPacket int

	// captureBuf is the capture callback's scratch buffer. Sized beyond
	// any device period so the callback never allocates.
	captureBuf []float32

	// warnedOverrun limits eviction warnings to one per episode. Only
	// the capture callback touches it.
	warnedOverrun bool
}

// New creates a new sender.
func New(opts ...Option) (*Sender, error) {
	cfg := fillConfig(opts...)

	if cfg.sendAddr == nil && cfg.conn == nil {
		return nil, fmt.Errorf("no send address configured")
	}
	if cfg.packetSize > maxPacketSize {
		return nil, fmt.Errorf("packet size %d exceeds one datagram (%d)",
			cfg.packetSize, maxPacketSize)
	}
	framesPerPacket := (cfg.packetSize - wire.HeaderSize) / audio.FrameBytes
	if framesPerPacket < 1 {
		return nil, fmt.Errorf("packet size %d holds no frames (%d header "+
			"+ %d per frame)", cfg.packetSize, wire.HeaderSize,
			audio.FrameBytes)
	}
	if framesPerPacket > wire.MaxFrameCount {
		// The header's frame count field caps what one packet can carry.
		framesPerPacket = wire.MaxFrameCount
	}
	if cfg.opus && !validOpusFrameCount(framesPerPacket) {
		return nil, fmt.Errorf("opus needs a packet size holding %v "+
			"frames, packet size %d holds %d", opusFrameSizes,
			cfg.packetSize, framesPerPacket)
	}
	cfg.ringCap = ring.CeilPow2(cfg.ringCap)
	if framesPerPacket > cfg.ringCap {
		return nil, fmt.Errorf("packet of %d frames exceeds ring "+
			"capacity %d", framesPerPacket, cfg.ringCap)
	}
	if cfg.flushTimeout <= 0 {
		return nil, fmt.Errorf("flush timeout must be positive")
	}

	rb, err := ring.New(cfg.ringCap, audio.Channels)
	if err != nil {
		return nil, err
	}

	return &Sender{
		cfg:             cfg,
		log:             cfg.log,
		stats:           newStats(cfg.promAddr != ""),
		audioCtx:        cfg.audioCtx,
		ring:            rb,
		notify:          make(chan struct{}, 1),
		framesPerPacket: framesPerPacket,
		captureBuf:      make([]float32, 0, wire.MaxFrameCount*audio.Channels),
	}, nil
}

// captureData services the capture device callback. It runs on the
// device's real time thread: no blocking, no allocation.
func (s *Sender) captureData(out, in []byte, frameCount uint32) {
	_ = out

	want := int(frameCount) * audio.FrameBytes
	if len(in) < want {
		s.log.Warnf("Capture buffer has len %d when expected %d",
			len(in), want)
		want = len(in) - len(in)%audio.FrameBytes
	}
	pcm := audio.BytesToF32Slice(in[:want], s.captureBuf[:0])
	frames := len(pcm) / audio.Channels

	if evicted := s.ring.AppendOverwrite(pcm); evicted > 0 {
		if s.stats.promEnabled {
			s.stats.framesEvicted.Add(float64(evicted))
		}
		s.stats.framesEvictedAtomic.Add(uint64(evicted))
		if !s.warnedOverrun {
			s.warnedOverrun = true
			s.log.Warnf("Sending fell behind capture, dropped %d "+
				"oldest frames", evicted)
		}
	} else {
		s.warnedOverrun = false
	}

	if s.stats.promEnabled {
		s.stats.framesCaptured.Add(float64(frames))
	}
	s.stats.framesCapturedAtomic.Add(uint64(frames))

	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// sendLoop drains the capture ring into datagrams. Full chunks go out
// as soon as they accumulate; in raw mode a partial chunk goes out once
// the flush timeout passes without a send, so a quiet device cannot sit
// on frames indefinitely. The opus codec accepts nothing but whole
// chunks, so opus mode never flushes short.
func (s *Sender) sendLoop(ctx context.Context, conn *net.UDPConn, enc audio.StreamEncoder) error {
	pkt := wire.NewPktBuffer(s.cfg.packetSize)
	chunk := make([]float32, s.framesPerPacket*audio.Channels)
	var encodeBuf []int16
	if enc != nil {
		encodeBuf = make([]int16, s.framesPerPacket*audio.Channels)
	}

	flush := time.NewTicker(s.cfg.flushTimeout)
	defer flush.Stop()

	var seq uint32
	lastSend := time.Now()

	for {
		select {
		case <-ctx.Done():
			s.sendBye(conn, seq)
			return ctx.Err()

		case <-s.notify:
		case <-flush.C:
		}

		for s.ring.Occupied() >= s.framesPerPacket {
			n, pos := s.ring.ReadIndexed(chunk)
			err := s.sendPacket(conn, pkt, enc, encodeBuf, seq, pos,
				chunk[:n*audio.Channels])
			if err != nil {
				return err
			}
			seq++
			lastSend = time.Now()
		}

		if enc == nil && time.Since(lastSend) >= s.cfg.flushTimeout &&
			s.ring.Occupied() > 0 {
			n, pos := s.ring.ReadIndexed(chunk)
			if n > 0 {
				err := s.sendPacket(conn, pkt, nil, nil, seq, pos,
					chunk[:n*audio.Channels])
				if err != nil {
					return err
				}
				seq++
				lastSend = time.Now()
				if n < s.framesPerPacket {
					s.stats.pktsShort.Inc()
				}
			}
		}

		s.stats.ringOccupied.Set(float64(s.ring.Occupied()))
	}
}

// sendPacket stamps and transmits one chunk of frames starting at
// absolute capture position pos. Send failures are counted and the
// packet forgotten; the receiver treats it like any other loss.
func (s *Sender) sendPacket(conn *net.UDPConn, pkt *wire.PktBuffer,
	enc audio.StreamEncoder, encodeBuf []int16, seq uint32, pos uint64,
	pcm []float32) error {

	frames := len(pcm) / audio.Channels
	var flags byte
	if enc != nil {
		flags = wire.FlagOpus
	}
	pkt.SetHeader(seq, uint32(pos), frames, flags)

	if enc != nil {
		s16 := audio.F32ToS16Slice(pcm, encodeBuf[:0])
		encoded, err := enc.Encode(s16, frames, pkt.PayloadBuf())
		if err != nil {
			return fmt.Errorf("opus encode: %w", err)
		}
		pkt.SetPayloadLen(len(encoded))
	} else {
		payload := audio.F32SliceToBytes(pcm, pkt.PayloadBuf()[:0])
		pkt.SetPayloadLen(len(payload))
	}

	n, err := conn.Write(pkt.OutBuffer())
	if err != nil {
		s.stats.sendErrors.Inc()
		s.log.Debugf("Unable to send packet seq %d: %v", seq, err)
		return nil
	}

	if s.stats.promEnabled {
		s.stats.bytesSent.Add(float64(n))
		s.stats.pktsSent.Inc()
	}
	s.stats.bytesSentAtomic.Add(uint64(n))
	s.stats.pktsSentAtomic.Add(1)
	return nil
}

// sendBye tells the receiver the stream is over. Best effort, the
// session timeout covers the packet getting lost.
func (s *Sender) sendBye(conn *net.UDPConn, seq uint32) {
	pkt := wire.NewPktBuffer(wire.HeaderSize)
	pkt.SetHeader(seq, uint32(s.ring.ReadPos()), 0, wire.FlagBye)
	if _, err := conn.Write(pkt.OutBuffer()); err != nil {
		s.log.Debugf("Unable to send bye: %v", err)
		return
	}
	s.log.Debugf("Sent bye as seq %d", seq)
}

// runPrometheusListener runs the Prometheus metrics endpoint in the
// given address.
func (s *Sender) runPrometheusListener(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	promHandler := promhttp.InstrumentMetricHandler(
		s.stats.reg, promhttp.HandlerFor(s.stats.reg, promhttp.HandlerOpts{}),
	)
	mux.Handle("/metrics", promHandler)
	hs := http.Server{
		Addr:        addr,
		BaseContext: func(net.Listener) context.Context { return ctx },
		Handler:     mux,
	}
	s.log.Infof("Exposing prometheus metrics on %s", addr)
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

// Run the sender. The capture device runs for as long as the context
// lives; the send loop then says bye to the receiver and stops.
func (s *Sender) Run(ctx context.Context) error {
	conn := s.cfg.conn
	if conn == nil {
		var err error
		conn, err = net.DialUDP("udp", nil, s.cfg.sendAddr)
		if err != nil {
			return fmt.Errorf("unable to dial '%s': %v",
				s.cfg.sendAddr, err)
		}
	}

	codec := "raw"
	if s.cfg.opus {
		codec = "opus"
	}
	s.log.Infof("Sending %s audio to %s in %d frame packets",
		codec, conn.RemoteAddr(), s.framesPerPacket)

	if s.audioCtx == nil {
		actx, err := audio.NewContext()
		if err != nil {
			conn.Close()
			return fmt.Errorf("unable to init audio context: %v", err)
		}
		defer actx.Free()
		s.audioCtx = actx
	}

	var enc audio.StreamEncoder
	if s.cfg.opus {
		var err error
		enc, err = s.audioCtx.NewEncoder(audio.SampleRate, audio.Channels)
		if err != nil {
			conn.Close()
			return fmt.Errorf("opus encoder: %v", err)
		}
		enc.SetBitrate(audio.EncodeBitRate)
	}

	dev, err := s.audioCtx.InitCapture(s.cfg.deviceID, s.captureData)
	if err != nil {
		conn.Close()
		return fmt.Errorf("unable to init capture device: %v", err)
	}
	defer dev.Uninit()

	if err := dev.Start(); err != nil {
		conn.Close()
		return fmt.Errorf("unable to start capture device: %v", err)
	}
	defer dev.Stop()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return s.sendLoop(gctx, conn, enc) })
	g.Go(func() error { return s.runReportStatsLoop(gctx, s.cfg.statsReportInterval) })
	if s.cfg.promAddr != "" {
		g.Go(func() error { return s.runPrometheusListener(gctx, s.cfg.promAddr) })
	}

	// The socket outlives the group so the bye can go out on the way
	// down.
	err = g.Wait()
	conn.Close()
	return err
}
