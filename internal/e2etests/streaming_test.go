package e2etests

import (
	"context"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/companyzero/netaudio/internal/assert"
	"github.com/companyzero/netaudio/internal/audio"
	"github.com/companyzero/netaudio/internal/netsim"
	"github.com/companyzero/netaudio/internal/testutils"
	"github.com/companyzero/netaudio/receiver"
	"github.com/companyzero/netaudio/sender"
)

// fakeAudioCtx records the device callbacks so the test can act as both
// the capture and the playback hardware.
type fakeAudioCtx struct {
	mtx     sync.Mutex
	capCB   audio.DataProc
	playCB  audio.DataProc
	started chan struct{}
}

func newFakeAudioCtx() *fakeAudioCtx {
	return &fakeAudioCtx{started: make(chan struct{}, 4)}
}

func (f *fakeAudioCtx) Name() string { return "fake" }

func (f *fakeAudioCtx) InitCapture(id audio.DeviceID, cb audio.DataProc) (audio.CaptureDevice, error) {
	f.mtx.Lock()
	f.capCB = cb
	f.mtx.Unlock()
	return &fakeDevice{ctx: f}, nil
}

func (f *fakeAudioCtx) InitPlayback(id audio.DeviceID, cb audio.DataProc) (audio.PlaybackDevice, error) {
	f.mtx.Lock()
	f.playCB = cb
	f.mtx.Unlock()
	return &fakeDevice{ctx: f}, nil
}

func (f *fakeAudioCtx) NewEncoder(sampleRate, channels int) (audio.StreamEncoder, error) {
	return nil, fmt.Errorf("raw streams only")
}

func (f *fakeAudioCtx) NewDecoder(sampleRate, channels int) (audio.StreamDecoder, error) {
	return nil, fmt.Errorf("raw streams only")
}

func (f *fakeAudioCtx) Free() error { return nil }

// capture pushes one period of frames like the capture device would.
func (f *fakeAudioCtx) capture(pcm []float32) {
	f.mtx.Lock()
	cb := f.capCB
	f.mtx.Unlock()
	cb(nil, audio.F32SliceToBytes(pcm, nil), uint32(len(pcm)/audio.Channels))
}

// play pulls frames like the playback device would.
func (f *fakeAudioCtx) play(frames int) []float32 {
	f.mtx.Lock()
	cb := f.playCB
	f.mtx.Unlock()
	out := make([]byte, frames*audio.FrameBytes)
	cb(out, nil, uint32(frames))
	return audio.BytesToF32Slice(out, nil)
}

type fakeDevice struct {
	ctx *fakeAudioCtx
}

func (d *fakeDevice) Start() error {
	select {
	case d.ctx.started <- struct{}{}:
	default:
	}
	return nil
}

func (d *fakeDevice) Stop() error { return nil }
func (d *fakeDevice) Uninit()     {}

// ramp produces frames of a deterministic sample ramp starting at
// absolute frame fi.
func ramp(fi uint32, frames int) []float32 {
	out := make([]float32, frames*audio.Channels)
	for i := 0; i < frames; i++ {
		for c := 0; c < audio.Channels; c++ {
			out[i*audio.Channels+c] = float32((int(fi)+i)*audio.Channels + c)
		}
	}
	return out
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	for start := time.Now(); time.Since(start) < 10*time.Second; {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("timeout waiting for condition")
}

// TestStreamSurvivesJitteryLink runs a sender and a receiver joined by a
// simulated link that jitters and duplicates datagrams, and checks the
// receiver plays back exactly the captured samples. The test withholds
// playback until everything arrived, so reordering is repaired by the
// late packet patching and the outcome is exact.
func TestStreamSurvivesJitteryLink(t *testing.T) {
	t.Parallel()

	logB := testutils.TestLoggerBackend(t, "e2e")

	rconn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	assert.NilErr(t, err)

	playCtx := newFakeAudioCtx()
	recv, err := receiver.New(
		receiver.WithConn(rconn),
		receiver.WithAudioContext(playCtx),
		receiver.WithPrefill(audio.PeriodFrames),
		receiver.WithLogger(logB("RECV")),
	)
	assert.NilErr(t, err)

	link, err := netsim.New(rconn.LocalAddr().(*net.UDPAddr), logB("NSIM"))
	assert.NilErr(t, err)
	link.SetDelay(time.Millisecond, 2*time.Millisecond, time.Millisecond)
	link.SetDupMilli(200)

	capCtx := newFakeAudioCtx()
	send, err := sender.New(
		sender.WithSendAddr(link.Addr()),
		sender.WithAudioContext(capCtx),
		sender.WithLogger(logB("SEND")),
	)
	assert.NilErr(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sendCtx, cancelSend := context.WithCancel(ctx)
	defer cancelSend()

	recvErr := make(chan error, 1)
	linkErr := make(chan error, 1)
	sendErr := make(chan error, 1)
	go func() { recvErr <- recv.Run(ctx) }()
	go func() { linkErr <- link.Run(ctx) }()
	go func() { sendErr <- send.Run(sendCtx) }()
	assert.ChanWritten(t, capCtx.started)

	// Four periods of a recognizable ramp. 1920 frames make 16 full
	// packets, so nothing is left waiting for a flush.
	const totalFrames = 4 * audio.PeriodFrames
	for p := 0; p < 4; p++ {
		capCtx.capture(ramp(uint32(1000+p*audio.PeriodFrames), audio.PeriodFrames))
	}

	// Let the link deliver everything before playing, so late packets
	// always land before their slot is consumed. The occupancy counts
	// gap fills too, so give stragglers time to be patched in; link
	// delays are a few milliseconds at most.
	waitFor(t, func() bool { return recv.Buffered() == totalFrames })
	time.Sleep(250 * time.Millisecond)

	var played []float32
	for len(played) < totalFrames*audio.Channels {
		played = append(played, playCtx.play(audio.PeriodFrames)...)
	}
	assert.DeepEqual(t, played, ramp(1000, totalFrames))

	// The sender says bye on its way out; everything else follows.
	cancelSend()
	assert.ErrorIs(t, assert.ChanWritten(t, sendErr), context.Canceled)
	cancel()
	assert.ErrorIs(t, assert.ChanWritten(t, recvErr), context.Canceled)
	assert.ErrorIs(t, assert.ChanWritten(t, linkErr), context.Canceled)
}
