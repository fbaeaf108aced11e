package audio

import (
	"errors"
	"sync"
	"time"
)

// errOpusUnavailable is returned by contexts that cannot provide an opus
// codec.
var errOpusUnavailable = errors.New("opus codec unavailable in this audio context")

// NullContext is an audio context without any real device behind it.
// Capture devices deliver silence and playback devices discard their
// frames, with the period callbacks driven off a wall clock ticker so
// the rest of the pipeline runs at the usual cadence. It backs cgo-less
// and noaudio builds and is also useful in tests.
type NullContext struct{}

// NewNullContext returns a device-less audio context.
func NewNullContext() (Context, error) {
	return NullContext{}, nil
}

func (NullContext) Name() string { return "nullaudio" }

func (NullContext) InitCapture(id DeviceID, cb DataProc) (CaptureDevice, error) {
	return newNullDevice(cb, false), nil
}

func (NullContext) InitPlayback(id DeviceID, cb DataProc) (PlaybackDevice, error) {
	return newNullDevice(cb, true), nil
}

func (NullContext) NewEncoder(sampleRate, channels int) (StreamEncoder, error) {
	return nil, errOpusUnavailable
}

func (NullContext) NewDecoder(sampleRate, channels int) (StreamDecoder, error) {
	return nil, errOpusUnavailable
}

func (NullContext) Free() error { return nil }

// nullDevice drives a DataProc off a ticker.
type nullDevice struct {
	cb       DataProc
	playback bool
	buf      []byte

	mtx  sync.Mutex
	quit chan struct{}
	done chan struct{}
}

func newNullDevice(cb DataProc, playback bool) *nullDevice {
	return &nullDevice{
		cb:       cb,
		playback: playback,
		buf:      make([]byte, PeriodFrames*FrameBytes),
	}
}

func (d *nullDevice) run(quit chan struct{}, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(PeriodSizeMS * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if d.playback {
				d.cb(d.buf, nil, PeriodFrames)
			} else {
				d.cb(nil, d.buf, PeriodFrames)
			}
		case <-quit:
			return
		}
	}
}

func (d *nullDevice) Start() error {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	if d.quit != nil {
		return errors.New("null device already started")
	}
	d.quit = make(chan struct{})
	d.done = make(chan struct{})
	go d.run(d.quit, d.done)
	return nil
}

func (d *nullDevice) Stop() error {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	if d.quit == nil {
		return nil
	}
	close(d.quit)
	<-d.done
	d.quit = nil
	d.done = nil
	return nil
}

func (d *nullDevice) Uninit() {
	_ = d.Stop()
}
