//go:build cgo && !noaudio

package audio

import (
	"fmt"

	"github.com/companyzero/gopus"
	"github.com/decred/slog"

	"github.com/gen2brain/malgo"
)

// rawFormat needs to be agreed upon between capture and playback.
var rawFormat = malgo.FormatF32

func init() {
	NewContext = newMalgoContext
}

// toMalgoDeviceID converts a device id to a malgo device id.
func (id DeviceID) toMalgoDeviceID() malgo.DeviceID {
	var res malgo.DeviceID
	copy(res[:], id)
	return res
}

func listMalgoDevices(typ malgo.DeviceType, malgoCtx *malgo.AllocatedContext, log slog.Logger) ([]Device, error) {
	devices, err := malgoCtx.Devices(typ)
	if err != nil {
		return nil, err
	}

	res := make([]Device, 0, len(devices))
	setIds := make(map[DeviceID]struct{}, len(devices))
	for _, dev := range devices {
		full, err := malgoCtx.DeviceInfo(typ, dev.ID, malgo.Shared)
		if err != nil {
			log.Warnf("Unable to get audio device info: %v", err)
			continue
		}

		// Avoid duplicate device IDs.
		id := DeviceID(string(append([]byte(nil), full.ID[:]...)))
		if _, ok := setIds[id]; ok {
			continue
		}
		setIds[id] = struct{}{}

		res = append(res, Device{
			ID:        id,
			Name:      full.Name(),
			IsDefault: full.IsDefault == 1,
		})
	}

	return res, nil
}

// ListAudioDevices lists available audio devices.
func ListAudioDevices(log slog.Logger) (Devices, error) {
	malgoCtx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return Devices{}, err
	}
	defer func() {
		_ = malgoCtx.Uninit()
		malgoCtx.Free()
	}()

	playbackDevs, err := listMalgoDevices(malgo.Playback, malgoCtx, log)
	if err != nil {
		return Devices{}, err
	}
	captureDevs, err := listMalgoDevices(malgo.Capture, malgoCtx, log)
	if err != nil {
		return Devices{}, err
	}

	return Devices{
		Playback: playbackDevs,
		Capture:  captureDevs,
	}, nil
}

// FindDevice finds the device with the given ID or returns nil.
func FindDevice(typ DeviceType, id DeviceID) *Device {
	malgoCtx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return nil
	}
	defer func() {
		_ = malgoCtx.Uninit()
		malgoCtx.Free()
	}()

	malgoDt := malgo.Capture
	if typ == DeviceTypePlayback {
		malgoDt = malgo.Playback
	}
	devices, err := listMalgoDevices(malgoDt, malgoCtx, slog.Disabled)
	if err != nil {
		return nil
	}

	for i := range devices {
		if devices[i].ID == id {
			out := new(Device)
			*out = devices[i]
			return out
		}
	}

	return nil
}

// malgoContext is an implementation of Context which offloads the work to
// the malgo library.
type malgoContext struct {
	malgoCtx *malgo.AllocatedContext
}

// emptyDeviceID is an empty malgo device id.
var emptyDeviceID malgo.DeviceID

// newMalgoContext creates a new audio context using malgo.
func newMalgoContext() (Context, error) {
	malgoCtx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return nil, err
	}

	return &malgoContext{malgoCtx: malgoCtx}, nil
}

func (mpc *malgoContext) Name() string {
	return "malgo"
}

func (mpc *malgoContext) Free() error {
	if err := mpc.malgoCtx.Uninit(); err != nil {
		return err
	}
	mpc.malgoCtx.Free()
	return nil
}

// InitPlayback is part of the Context interface.
func (mpc *malgoContext) InitPlayback(deviceID DeviceID, cb DataProc) (PlaybackDevice, error) {
	// Sanity check.
	sampleSizeInBytes := malgo.SampleSizeInBytes(rawFormat)
	if sampleSizeInBytes != SampleSize {
		return nil, fmt.Errorf("malgo raw format has wrong sample size "+
			"(got %d, want %d)", sampleSizeInBytes, SampleSize)
	}

	deviceConfig := malgo.DefaultDeviceConfig(malgo.Playback)
	malgoDeviceID := deviceID.toMalgoDeviceID()
	if malgoDeviceID != emptyDeviceID {
		deviceConfig.Playback.DeviceID = malgoDeviceID.Pointer()
	}
	deviceConfig.PeriodSizeInMilliseconds = PeriodSizeMS
	deviceConfig.SampleRate = SampleRate
	deviceConfig.Playback.Format = rawFormat
	deviceConfig.Playback.Channels = Channels
	deviceConfig.Alsa.NoMMap = 1

	playbackCallbacks := malgo.DeviceCallbacks{
		Data: malgo.DataProc(cb),
	}

	device, err := malgo.InitDevice(mpc.malgoCtx.Context, deviceConfig, playbackCallbacks)
	if err != nil {
		return nil, err
	}
	return device, nil
}

// InitCapture is part of the Context interface.
func (mpc *malgoContext) InitCapture(deviceID DeviceID, cb DataProc) (CaptureDevice, error) {
	// Sanity check.
	sampleSizeInBytes := malgo.SampleSizeInBytes(rawFormat)
	if sampleSizeInBytes != SampleSize {
		return nil, fmt.Errorf("malgo raw format has wrong sample size "+
			"(got %d, want %d)", sampleSizeInBytes, SampleSize)
	}

	malgoDeviceID := deviceID.toMalgoDeviceID()
	deviceConfig := malgo.DefaultDeviceConfig(malgo.Capture)
	deviceConfig.SampleRate = SampleRate
	deviceConfig.PeriodSizeInMilliseconds = PeriodSizeMS
	if malgoDeviceID != emptyDeviceID {
		deviceConfig.Capture.DeviceID = malgoDeviceID.Pointer()
	}
	deviceConfig.Capture.Format = rawFormat
	deviceConfig.Capture.Channels = Channels
	deviceConfig.Alsa.NoMMap = 1

	captureCallbacks := malgo.DeviceCallbacks{
		Data: malgo.DataProc(cb),
	}

	device, err := malgo.InitDevice(mpc.malgoCtx.Context, deviceConfig, captureCallbacks)
	if err != nil {
		return nil, err
	}
	return device, nil
}

func (mpc *malgoContext) NewEncoder(sampleRate, channels int) (StreamEncoder, error) {
	return gopus.NewEncoder(sampleRate, channels, gopus.Audio)
}

func (mpc *malgoContext) NewDecoder(sampleRate, channels int) (StreamDecoder, error) {
	return gopus.NewDecoder(sampleRate, channels)
}
