package audio

import (
	"testing"
	"time"

	"github.com/companyzero/netaudio/internal/assert"
)

// TestNullDeviceDrivesCallbacks checks that the null context invokes the
// capture callback at the device period with full periods of silence.
func TestNullDeviceDrivesCallbacks(t *testing.T) {
	ctx, err := NewNullContext()
	assert.NilErr(t, err)
	defer ctx.Free()

	type call struct {
		frames uint32
		inLen  int
		outLen int
	}
	calls := make(chan call, 16)
	dev, err := ctx.InitCapture("", func(out, in []byte, fc uint32) {
		select {
		case calls <- call{frames: fc, inLen: len(in), outLen: len(out)}:
		default:
		}
	})
	assert.NilErr(t, err)

	assert.NilErr(t, dev.Start())
	got := assert.ChanWritten(t, calls)
	assert.DeepEqual(t, got, call{frames: PeriodFrames, inLen: PeriodFrames * FrameBytes})
	assert.ChanWritten(t, calls)

	// A second start of a running device fails.
	assert.NonNilErr(t, dev.Start())

	assert.NilErr(t, dev.Stop())
	for len(calls) > 0 {
		<-calls
	}
	assert.ChanNotWritten(t, calls, 3*PeriodSizeMS*time.Millisecond)

	// Stop is idempotent and Uninit after Stop is fine.
	assert.NilErr(t, dev.Stop())
	dev.Uninit()
}

// TestNullPlaybackRequestsFrames checks the playback direction fills the
// out buffer.
func TestNullPlaybackRequestsFrames(t *testing.T) {
	ctx, err := NewNullContext()
	assert.NilErr(t, err)
	defer ctx.Free()

	outLens := make(chan int, 16)
	dev, err := ctx.InitPlayback("", func(out, in []byte, fc uint32) {
		select {
		case outLens <- len(out):
		default:
		}
	})
	assert.NilErr(t, err)

	assert.NilErr(t, dev.Start())
	assert.DeepEqual(t, assert.ChanWritten(t, outLens), PeriodFrames*FrameBytes)
	dev.Uninit()
}

func TestNullContextHasNoCodec(t *testing.T) {
	ctx, err := NewNullContext()
	assert.NilErr(t, err)
	defer ctx.Free()

	_, err = ctx.NewEncoder(SampleRate, Channels)
	assert.NonNilErr(t, err)
	_, err = ctx.NewDecoder(SampleRate, Channels)
	assert.NonNilErr(t, err)
}
