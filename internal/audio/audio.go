// Package audio abstracts the audio device backend. Real builds drive
// miniaudio through malgo; cgo-less and noaudio builds fall back to a
// null backend that runs the period callbacks off a wall clock timer so
// the rest of the pipeline still works.
package audio

// SampleRate must be agreed on both ends of a stream.
const SampleRate = 48000

// Channels must be agreed on both ends of a stream. Samples are
// interleaved left/right.
const Channels = 2

// PeriodSizeMS is the device period in milliseconds.
const PeriodSizeMS = 10

// SampleSize is the size in bytes of one raw float32 sample.
const SampleSize = 4

// FrameBytes is the size in bytes of one raw frame.
const FrameBytes = Channels * SampleSize

// PeriodFrames is the number of frames delivered or requested per device
// period.
const PeriodFrames = SampleRate / 1000 * PeriodSizeMS

// EncodeBitRate is the bitrate (in bps) to use as opus encoder output.
const EncodeBitRate = 128000

// NewContext creates the audio context for this build: malgo on cgo
// builds, the null context otherwise.
var NewContext func() (Context, error)
