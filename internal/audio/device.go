// SPDX-License-Identifier: MIT
package audio

import "github.com/gordonklaus/portaudio"

// Device represents an audio device
type Device struct {
	ID                int
	Name              string
	HostAPI           string
	MaxInputChannels  int
	MaxOutputChannels int
	DefaultSampleRate float64
}

// Kind describes the direction of the device.
func (d Device) Kind() string {
	switch {
	case d.MaxInputChannels > 0 && d.MaxOutputChannels > 0:
		return "Input/Output"
	case d.MaxInputChannels > 0:
		return "Input"
	case d.MaxOutputChannels > 0:
		return "Output"
	default:
		return "None"
	}
}

// SupportsArray reports whether the device can capture channels input
// channels at once.
func (d Device) SupportsArray(channels int) bool {
	return channels > 0 && d.MaxInputChannels >= channels
}

// GetDevices returns all available audio devices. PortAudio must be
// initialised.
func GetDevices() ([]Device, error) {
	infos, err := paDevices()
	if err != nil {
		return nil, err
	}
	return toDevices(infos), nil
}

func toDevices(infos []*portaudio.DeviceInfo) []Device {
	devices := make([]Device, len(infos))
	for i, info := range infos {
		d := Device{
			ID:                i,
			Name:              info.Name,
			MaxInputChannels:  info.MaxInputChannels,
			MaxOutputChannels: info.MaxOutputChannels,
			DefaultSampleRate: info.DefaultSampleRate,
		}
		if info.HostApi != nil {
			d.HostAPI = info.HostApi.Name
		}
		devices[i] = d
	}
	return devices
}
