// SPDX-License-Identifier: MIT
package audio

import (
	"fmt"
	"io"

	"github.com/gordonklaus/portaudio"

	"apm/internal/config"
)

// Initialize sets up the PortAudio subsystem.
// This must be called before any audio operations and paired with a Terminate() call.
func Initialize() error {
	if err := portaudio.Initialize(); err != nil {
		return fmt.Errorf("failed to initialize PortAudio: %w", err)
	}
	return nil
}

// Terminate cleanly shuts down the PortAudio subsystem.
func Terminate() error {
	if err := portaudio.Terminate(); err != nil {
		return fmt.Errorf("failed to terminate PortAudio: %w", err)
	}
	return nil
}

// InputDevice retrieves the audio input device for the given device ID.
// config.MinDeviceID (-1) selects the system default input device.
func InputDevice(deviceID int) (*portaudio.DeviceInfo, error) {
	if deviceID == config.MinDeviceID {
		return portaudio.DefaultInputDevice()
	}
	devices, err := paDevices()
	if err != nil {
		return nil, err
	}
	if deviceID < 0 || deviceID >= len(devices) {
		return nil, fmt.Errorf("invalid device ID: %d", deviceID)
	}
	return devices[deviceID], nil
}

// ListDevices writes a table of the available devices to w, marking the
// ones able to capture an array of arrayChannels channels.
func ListDevices(w io.Writer, arrayChannels int) error {
	devices, err := GetDevices()
	if err != nil {
		return err
	}
	writeDevices(w, devices, arrayChannels)
	return nil
}

func writeDevices(w io.Writer, devices []Device, arrayChannels int) {
	fmt.Fprintf(w, "\nAvailable Audio Devices\n\n")
	for _, d := range devices {
		mark := ""
		if d.SupportsArray(arrayChannels) {
			mark = " *"
		}
		fmt.Fprintf(w, "[%d] %s (%s)%s\n", d.ID, d.Name, d.Kind(), mark)
		if d.HostAPI != "" {
			fmt.Fprintf(w, "    Host API: %s\n", d.HostAPI)
		}
		fmt.Fprintf(w, "    Input channels: %d, Output channels: %d\n", d.MaxInputChannels, d.MaxOutputChannels)
		fmt.Fprintf(w, "    Default sample rate: %.0f Hz\n\n", d.DefaultSampleRate)
	}
	fmt.Fprintf(w, "* can capture %d channels\n", arrayChannels)
}

// paDevices returns all available PortAudio devices.
func paDevices() ([]*portaudio.DeviceInfo, error) {
	return portaudio.Devices()
}
