// Package audioio reads and writes the WAV clips the pipeline moves around.
package audioio

import (
	"fmt"
	"os"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// Clip is decoded mono audio.
type Clip struct {
	Samples    []float32
	SampleRate int
}

// DurationMS returns the clip length in milliseconds.
func (c Clip) DurationMS() int64 {
	if c.SampleRate == 0 {
		return 0
	}
	return int64(len(c.Samples)) * 1000 / int64(c.SampleRate)
}

// SliceMS returns the samples between startMS and endMS, clamped to the clip.
func (c Clip) SliceMS(startMS, endMS int64) []float32 {
	if c.SampleRate == 0 || endMS <= startMS {
		return nil
	}
	start := int(startMS * int64(c.SampleRate) / 1000)
	end := int((endMS*int64(c.SampleRate) + 999) / 1000)
	if start > len(c.Samples) {
		start = len(c.Samples)
	}
	if end > len(c.Samples) {
		end = len(c.Samples)
	}
	if end <= start {
		return nil
	}
	return c.Samples[start:end]
}

// ReadClip decodes a WAV file, downmixing to mono.
func ReadClip(path string) (Clip, error) {
	f, err := os.Open(path)
	if err != nil {
		return Clip{}, fmt.Errorf("open wav: %w", err)
	}
	defer f.Close()

	dec := wav.NewDecoder(f)
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return Clip{}, fmt.Errorf("decode wav: %w", err)
	}
	if buf == nil || buf.Format == nil || len(buf.Data) == 0 {
		return Clip{}, fmt.Errorf("empty audio buffer in %s", path)
	}

	bitDepth := buf.SourceBitDepth
	if bitDepth == 0 {
		bitDepth = 16
	}
	scale := float32(int64(1) << (bitDepth - 1))
	channels := buf.Format.NumChannels
	if channels < 1 {
		channels = 1
	}

	interleaved := make([]float32, len(buf.Data))
	for i, s := range buf.Data {
		interleaved[i] = float32(s) / scale
	}
	if channels == 1 {
		return Clip{Samples: interleaved, SampleRate: buf.Format.SampleRate}, nil
	}
	mono := make([]float32, 0, len(interleaved)/channels+1)
	for i := 0; i+channels <= len(interleaved); i += channels {
		var sum float32
		for j := 0; j < channels; j++ {
			sum += interleaved[i+j]
		}
		mono = append(mono, sum/float32(channels))
	}
	return Clip{Samples: mono, SampleRate: buf.Format.SampleRate}, nil
}

// WriteClip encodes mono float32 samples as 16-bit PCM WAV.
func WriteClip(path string, clip Clip) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	enc := wav.NewEncoder(f, clip.SampleRate, 16, 1, 1)
	buf := &audio.IntBuffer{
		Format:         &audio.Format{NumChannels: 1, SampleRate: clip.SampleRate},
		Data:           make([]int, len(clip.Samples)),
		SourceBitDepth: 16,
	}
	for i, s := range clip.Samples {
		buf.Data[i] = int(clampPCM16(s))
	}
	if err := enc.Write(buf); err != nil {
		f.Close()
		return err
	}
	if err := enc.Close(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func clampPCM16(s float32) int16 {
	v := s * 32767
	switch {
	case v > 32767:
		return 32767
	case v < -32768:
		return -32768
	default:
		return int16(v)
	}
}

// Resample converts in from srcSR to dstSR with linear interpolation.
func Resample(in []float32, srcSR, dstSR int) []float32 {
	if srcSR == dstSR || len(in) == 0 {
		out := make([]float32, len(in))
		copy(out, in)
		return out
	}
	ratio := float64(dstSR) / float64(srcSR)
	outLen := int(float64(len(in))*ratio + 0.9999)
	out := make([]float32, outLen)
	for i := 0; i < outLen; i++ {
		pos := float64(i) / ratio
		idx := int(pos)
		if idx >= len(in)-1 {
			out[i] = in[len(in)-1]
			continue
		}
		frac := float32(pos - float64(idx))
		out[i] = in[idx]*(1-frac) + in[idx+1]*frac
	}
	return out
}
