//go:build portaudio

package capture

import (
	"fmt"
	"strings"

	"github.com/gordonklaus/portaudio"
)

// PortAudioSource opens the system microphone via PortAudio.
type PortAudioSource struct {
	DeviceName string
}

type portAudioStream struct {
	stream *portaudio.Stream
	buf    []int16
}

// Open initializes PortAudio and starts an input stream on the preferred
// device, falling back to the default input device.
func (s *PortAudioSource) Open(sampleRate, channels, frameSamples int) (Stream, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("portaudio init: %w", err)
	}
	dev, err := selectDevice(s.DeviceName)
	if err != nil {
		portaudio.Terminate()
		return nil, err
	}
	ps := &portAudioStream{buf: make([]int16, frameSamples)}
	stream, err := portaudio.OpenStream(portaudio.StreamParameters{
		Input: portaudio.StreamDeviceParameters{
			Device:   dev,
			Channels: channels,
			Latency:  dev.DefaultLowInputLatency,
		},
		SampleRate:      float64(sampleRate),
		FramesPerBuffer: frameSamples,
	}, &ps.buf)
	if err != nil {
		portaudio.Terminate()
		return nil, fmt.Errorf("open stream: %w", err)
	}
	if err := stream.Start(); err != nil {
		stream.Close()
		portaudio.Terminate()
		return nil, fmt.Errorf("start stream: %w", err)
	}
	ps.stream = stream
	return ps, nil
}

func (p *portAudioStream) Read() ([]int16, error) {
	if err := p.stream.Read(); err != nil {
		return nil, err
	}
	out := make([]int16, len(p.buf))
	copy(out, p.buf)
	return out, nil
}

func (p *portAudioStream) Close() error {
	err := p.stream.Stop()
	if cerr := p.stream.Close(); err == nil {
		err = cerr
	}
	portaudio.Terminate()
	return err
}

func selectDevice(preferred string) (*portaudio.DeviceInfo, error) {
	devs, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	if preferred != "" {
		for _, d := range devs {
			if d.MaxInputChannels > 0 && strings.Contains(strings.ToLower(d.Name), strings.ToLower(preferred)) {
				return d, nil
			}
		}
	}
	if def, err := portaudio.DefaultInputDevice(); err == nil && def != nil {
		return def, nil
	}
	for _, d := range devs {
		if d.MaxInputChannels > 0 {
			return d, nil
		}
	}
	return nil, fmt.Errorf("no input devices found")
}
