package sender

import (
	"context"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/companyzero/netaudio/internal/assert"
	"github.com/companyzero/netaudio/internal/audio"
	"github.com/companyzero/netaudio/internal/testutils"
	"github.com/companyzero/netaudio/wire"
)

// ramp produces frames of a deterministic sample ramp starting at
// absolute frame fi, so any packet payload identifies the frames it
// carries.
func ramp(fi uint32, frames int) []float32 {
	out := make([]float32, frames*audio.Channels)
	for i := 0; i < frames; i++ {
		for c := 0; c < audio.Channels; c++ {
			out[i*audio.Channels+c] = float32((int(fi)+i)*audio.Channels + c)
		}
	}
	return out
}

// testPair returns a connected UDP socket pair: the conn the sender
// transmits on and the socket the test receives on.
func testPair(t *testing.T) (*net.UDPConn, *net.UDPConn) {
	t.Helper()
	rconn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	assert.NilErr(t, err)
	t.Cleanup(func() { rconn.Close() })
	sconn, err := net.DialUDP("udp", nil, rconn.LocalAddr().(*net.UDPAddr))
	assert.NilErr(t, err)
	t.Cleanup(func() { sconn.Close() })
	return sconn, rconn
}

// capture feeds frames into the sender the way a device period
// callback would.
func capture(s *Sender, pcm []float32) {
	in := audio.F32SliceToBytes(pcm, nil)
	s.captureData(nil, in, uint32(len(pcm)/audio.Channels))
}

// recvPkt reads and decodes the next datagram.
func recvPkt(t *testing.T, conn *net.UDPConn) *wire.PktBuffer {
	t.Helper()
	pkt := wire.NewPktBuffer(maxPacketSize)
	conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	n, err := conn.Read(pkt.Buf())
	assert.NilErr(t, err)
	pkt.SetLen(n)
	return pkt
}

// fakeEncoder records encode calls and produces a recognizable two
// byte payload per packet.
type fakeEncoder struct {
	calls      int
	frameSizes []int
	bitrate    int
}

func (f *fakeEncoder) Encode(pcm []int16, frameSize int, out []byte) ([]byte, error) {
	if len(pcm) != frameSize*audio.Channels {
		return nil, fmt.Errorf("pcm len %d does not match frame size %d",
			len(pcm), frameSize)
	}
	f.calls++
	f.frameSizes = append(f.frameSizes, frameSize)
	return append(out[:0], 0xa5, byte(f.calls)), nil
}

func (f *fakeEncoder) SetBitrate(rate int) { f.bitrate = rate }

// fakeCaptureCtx hands the test the capture callback so it can push
// frames like a device period would.
type fakeCaptureCtx struct {
	mtx     sync.Mutex
	cb      audio.DataProc
	enc     *fakeEncoder
	started chan struct{}
}

func newFakeCaptureCtx() *fakeCaptureCtx {
	return &fakeCaptureCtx{started: make(chan struct{}, 4)}
}

func (f *fakeCaptureCtx) Name() string { return "fake" }

func (f *fakeCaptureCtx) InitCapture(id audio.DeviceID, cb audio.DataProc) (audio.CaptureDevice, error) {
	f.mtx.Lock()
	f.cb = cb
	f.mtx.Unlock()
	return &fakeCaptureDevice{ctx: f}, nil
}

func (f *fakeCaptureCtx) InitPlayback(id audio.DeviceID, cb audio.DataProc) (audio.PlaybackDevice, error) {
	return nil, fmt.Errorf("no playback on the capture side")
}

func (f *fakeCaptureCtx) NewEncoder(sampleRate, channels int) (audio.StreamEncoder, error) {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	f.enc = &fakeEncoder{}
	return f.enc, nil
}

func (f *fakeCaptureCtx) NewDecoder(sampleRate, channels int) (audio.StreamDecoder, error) {
	return nil, fmt.Errorf("no decoder on the capture side")
}

func (f *fakeCaptureCtx) Free() error { return nil }

func (f *fakeCaptureCtx) capture(pcm []float32) {
	f.mtx.Lock()
	cb := f.cb
	f.mtx.Unlock()
	cb(nil, audio.F32SliceToBytes(pcm, nil), uint32(len(pcm)/audio.Channels))
}

type fakeCaptureDevice struct {
	ctx *fakeCaptureCtx
}

func (d *fakeCaptureDevice) Start() error {
	select {
	case d.ctx.started <- struct{}{}:
	default:
	}
	return nil
}

func (d *fakeCaptureDevice) Stop() error { return nil }
func (d *fakeCaptureDevice) Uninit()     {}

// TestSenderStreamsCaptureToPackets checks that captured frames leave
// as full packets with contiguous sequences and frame indices, that a
// leftover partial chunk flushes short after the flush timeout, and
// that shutdown says bye.
func TestSenderStreamsCaptureToPackets(t *testing.T) {
	t.Parallel()

	sconn, rconn := testPair(t)
	s, err := New(
		WithConn(sconn),
		WithPacketSize(wire.HeaderSize+8*audio.FrameBytes),
		WithLogger(testutils.TestLoggerSys(t, "SEND")),
	)
	assert.NilErr(t, err)
	assert.DeepEqual(t, s.framesPerPacket, 8)

	capture(s, ramp(0, 24))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runErr := make(chan error, 1)
	go func() { runErr <- s.sendLoop(ctx, sconn, nil) }()

	for i := 0; i < 3; i++ {
		pkt := recvPkt(t, rconn)
		assert.DeepEqual(t, pkt.Sequence(), uint32(i))
		assert.DeepEqual(t, pkt.FrameIndex(), uint32(i*8))
		assert.DeepEqual(t, pkt.FrameCount(), 8)
		assert.DeepEqual(t, pkt.Flags(), byte(0))
		assert.NilErr(t, pkt.SanityCheck(audio.Channels))
		want := audio.F32SliceToBytes(ramp(uint32(i*8), 8), nil)
		assert.DeepEqual(t, pkt.Payload(), want)
	}

	// A partial chunk goes out once the flush timeout passes without a
	// send.
	capture(s, ramp(24, 5))
	pkt := recvPkt(t, rconn)
	assert.DeepEqual(t, pkt.Sequence(), uint32(3))
	assert.DeepEqual(t, pkt.FrameIndex(), uint32(24))
	assert.DeepEqual(t, pkt.FrameCount(), 5)
	assert.NilErr(t, pkt.SanityCheck(audio.Channels))
	want := audio.F32SliceToBytes(ramp(24, 5), nil)
	assert.DeepEqual(t, pkt.Payload(), want)

	cancel()
	pkt = recvPkt(t, rconn)
	assert.DeepEqual(t, pkt.Flags(), wire.FlagBye)
	assert.DeepEqual(t, pkt.FrameCount(), 0)
	assert.DeepEqual(t, pkt.Len(), wire.HeaderSize)
	assert.DeepEqual(t, pkt.Sequence(), uint32(4))
	assert.DeepEqual(t, pkt.FrameIndex(), uint32(29))
	assert.ErrorIs(t, assert.ChanWritten(t, runErr), context.Canceled)
}

// TestSenderEvictionSkipsOldest checks that when capture outpaces
// sending the oldest frames are dropped and the drop surfaces on the
// wire as a frame index jump, not a sequence gap.
func TestSenderEvictionSkipsOldest(t *testing.T) {
	t.Parallel()

	sconn, rconn := testPair(t)
	s, err := New(
		WithConn(sconn),
		WithPacketSize(wire.HeaderSize+8*audio.FrameBytes),
		WithRingCapacity(16),
		WithLogger(testutils.TestLoggerSys(t, "SEND")),
	)
	assert.NilErr(t, err)

	// Fill the ring, then keep capturing with nothing draining it.
	capture(s, ramp(0, 16))
	capture(s, ramp(16, 8))
	assert.DeepEqual(t, s.stats.framesEvictedAtomic.Load(), uint64(8))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runErr := make(chan error, 1)
	go func() { runErr <- s.sendLoop(ctx, sconn, nil) }()

	// The oldest 8 frames are gone: the stream resumes at frame 8 with
	// contiguous sequences.
	for i := 0; i < 2; i++ {
		pkt := recvPkt(t, rconn)
		assert.DeepEqual(t, pkt.Sequence(), uint32(i))
		assert.DeepEqual(t, pkt.FrameIndex(), uint32(8+i*8))
		want := audio.F32SliceToBytes(ramp(uint32(8+i*8), 8), nil)
		assert.DeepEqual(t, pkt.Payload(), want)
	}

	cancel()
	assert.ErrorIs(t, assert.ChanWritten(t, runErr), context.Canceled)
}

// TestSenderOpusPacketization checks that opus packets carry the
// encoder output with the opus flag set, and that leftover frames
// never flush short because the codec only takes whole chunks.
func TestSenderOpusPacketization(t *testing.T) {
	t.Parallel()

	sconn, rconn := testPair(t)
	s, err := New(
		WithConn(sconn),
		WithOpus(true),
		WithLogger(testutils.TestLoggerSys(t, "SEND")),
	)
	assert.NilErr(t, err)
	assert.DeepEqual(t, s.framesPerPacket, 120)

	enc := &fakeEncoder{}
	capture(s, ramp(0, 300))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runErr := make(chan error, 1)
	go func() { runErr <- s.sendLoop(ctx, sconn, enc) }()

	for i := 0; i < 2; i++ {
		pkt := recvPkt(t, rconn)
		assert.DeepEqual(t, pkt.Sequence(), uint32(i))
		assert.DeepEqual(t, pkt.FrameIndex(), uint32(i*120))
		assert.DeepEqual(t, pkt.FrameCount(), 120)
		assert.DeepEqual(t, pkt.Flags(), wire.FlagOpus)
		assert.NilErr(t, pkt.SanityCheck(audio.Channels))
		assert.DeepEqual(t, pkt.Payload(), []byte{0xa5, byte(i + 1)})
	}

	// 60 frames remain buffered. They must not flush short.
	time.Sleep(3 * DefaultFlushTimeout)
	rconn.SetReadDeadline(time.Now().Add(50 * time.Millisecond))
	var buf [16]byte
	_, err = rconn.Read(buf[:])
	assert.NonNilErr(t, err)

	cancel()
	pkt := recvPkt(t, rconn)
	assert.DeepEqual(t, pkt.Flags(), wire.FlagBye)
	assert.DeepEqual(t, pkt.FrameIndex(), uint32(240))
	assert.ErrorIs(t, assert.ChanWritten(t, runErr), context.Canceled)
	assert.DeepEqual(t, enc.frameSizes, []int{120, 120})
}

// TestSenderRunLifecycle runs the full sender against a fake capture
// device and checks the capture to wire path end to end, including the
// bye on shutdown.
func TestSenderRunLifecycle(t *testing.T) {
	t.Parallel()

	sconn, rconn := testPair(t)
	fctx := newFakeCaptureCtx()
	s, err := New(
		WithConn(sconn),
		WithAudioContext(fctx),
		WithPacketSize(wire.HeaderSize+8*audio.FrameBytes),
		WithLogger(testutils.TestLoggerSys(t, "SEND")),
	)
	assert.NilErr(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runErr := make(chan error, 1)
	go func() { runErr <- s.Run(ctx) }()
	assert.ChanWritten(t, fctx.started)

	fctx.capture(ramp(0, 16))

	for i := 0; i < 2; i++ {
		pkt := recvPkt(t, rconn)
		assert.DeepEqual(t, pkt.Sequence(), uint32(i))
		assert.DeepEqual(t, pkt.FrameIndex(), uint32(i*8))
		want := audio.F32SliceToBytes(ramp(uint32(i*8), 8), nil)
		assert.DeepEqual(t, pkt.Payload(), want)
	}

	cancel()
	pkt := recvPkt(t, rconn)
	assert.DeepEqual(t, pkt.Flags(), wire.FlagBye)
	assert.DeepEqual(t, pkt.Sequence(), uint32(2))
	assert.ErrorIs(t, assert.ChanWritten(t, runErr), context.Canceled)
}

// TestSenderConfigErrors checks New rejects configs that cannot
// stream.
func TestSenderConfigErrors(t *testing.T) {
	t.Parallel()

	addr := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 9}

	_, err := New()
	assert.NonNilErr(t, err)

	_, err = New(WithSendAddr(addr), WithPacketSize(maxPacketSize+1))
	assert.NonNilErr(t, err)

	_, err = New(WithSendAddr(addr),
		WithPacketSize(wire.HeaderSize+audio.FrameBytes-1))
	assert.NonNilErr(t, err)

	// 100 frames is not an opus chunk size.
	_, err = New(WithSendAddr(addr), WithOpus(true),
		WithPacketSize(wire.HeaderSize+100*audio.FrameBytes))
	assert.NonNilErr(t, err)

	// The default packet holds 120 frames, more than the ring.
	_, err = New(WithSendAddr(addr), WithRingCapacity(64))
	assert.NonNilErr(t, err)

	_, err = New(WithSendAddr(addr), WithFlushTimeout(0))
	assert.NonNilErr(t, err)

	_, err = New(WithSendAddr(addr), WithOpus(true))
	assert.NilErr(t, err)
}
