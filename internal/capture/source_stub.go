//go:build !portaudio

package capture

import "fmt"

// PortAudioSource is a placeholder in builds without the portaudio tag.
type PortAudioSource struct {
	DeviceName string
}

func (s *PortAudioSource) Open(sampleRate, channels, frameSamples int) (Stream, error) {
	return nil, fmt.Errorf("built without '-tags portaudio'; microphone capture disabled")
}
