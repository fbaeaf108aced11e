//go:build !cgo || noaudio

package audio

import (
	"errors"

	"github.com/decred/slog"
)

func init() {
	NewContext = NewNullContext
}

var errAudioDisabledCompilation = errors.New("audio was disabled during compilation")

// ListAudioDevices lists available audio devices.
func ListAudioDevices(log slog.Logger) (Devices, error) {
	return Devices{}, errAudioDisabledCompilation
}

// FindDevice finds the device with the given ID or returns nil.
func FindDevice(typ DeviceType, id DeviceID) *Device { return nil }
