package app

import (
	"github.com/MrWong99/supportvoice/internal/config"
	"github.com/MrWong99/supportvoice/pkg/audio"
	"github.com/MrWong99/supportvoice/pkg/audio/ffmpeg"
)

// RegisterBuiltinDevices registers the device backends that ship with
// supportvoice: "ffmpeg" for real hardware through ffmpeg and ffplay, and
// "silent" for headless runs.
func RegisterBuiltinDevices(reg *config.Registry) {
	reg.RegisterMicrophone(config.BackendFFmpeg, func(e config.DeviceEntry) (audio.Microphone, error) {
		return &ffmpeg.Microphone{Path: e.Path, Device: e.Device}, nil
	})
	reg.RegisterSpeaker(config.BackendFFmpeg, func(e config.DeviceEntry, pc config.PlaybackConfig) (audio.Speaker, error) {
		return &ffmpeg.Speaker{Path: e.Path, Tick: pc.Tick}, nil
	})

	reg.RegisterMicrophone(config.BackendSilent, func(config.DeviceEntry) (audio.Microphone, error) {
		return ffmpeg.SilentMicrophone{}, nil
	})
	reg.RegisterSpeaker(config.BackendSilent, func(_ config.DeviceEntry, pc config.PlaybackConfig) (audio.Speaker, error) {
		return &ffmpeg.SilentSpeaker{Tick: pc.Tick}, nil
	})
}
