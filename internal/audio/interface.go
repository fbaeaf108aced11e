package audio

// DeviceType identifies one direction of audio flow.
type DeviceType string

const (
	DeviceTypeCapture  DeviceType = "capture"
	DeviceTypePlayback DeviceType = "playback"
)

// DeviceID identifies one specific audio device of a context.
type DeviceID string

// Device describes one enumerated audio device.
type Device struct {
	ID        DeviceID `json:"id"`
	Name      string   `json:"name"`
	IsDefault bool     `json:"is_default"`
}

// Devices holds the enumerated devices of both directions.
type Devices struct {
	Playback []Device `json:"playback"`
	Capture  []Device `json:"capture"`
}

// DataProc is the device period callback. For capture devices in holds one
// period of raw frames; for playback devices out must be filled with one
// period of raw frames. It runs on the device's real time thread and must
// never block.
type DataProc func(out, in []byte, frameCount uint32)

// CaptureDevice is a running or stopped capture stream.
type CaptureDevice interface {
	Start() error
	Stop() error
	Uninit()
}

// PlaybackDevice is a running or stopped playback stream.
type PlaybackDevice interface {
	Start() error
	Stop() error
	Uninit()
}

// StreamEncoder compresses raw pcm frames into opus packets.
type StreamEncoder interface {
	Encode(pcm []int16, frameSize int, out []byte) ([]byte, error)
	SetBitrate(rate int)
}

// StreamDecoder decompresses opus packets into raw pcm frames. Passing
// fec decodes the recovery data of the packet instead of its primary
// data, reconstructing the previous (lost) packet.
type StreamDecoder interface {
	Decode(data []byte, frameSize int, fec bool, out []int16) ([]int16, error)
}

// Context creates devices and codecs for one audio backend.
type Context interface {
	Name() string
	InitCapture(id DeviceID, cb DataProc) (CaptureDevice, error)
	InitPlayback(id DeviceID, cb DataProc) (PlaybackDevice, error)
	NewEncoder(sampleRate, channels int) (StreamEncoder, error)
	NewDecoder(sampleRate, channels int) (StreamDecoder, error)
	Free() error
}
