// Package transcode turns a captured recording into mono 44.1kHz 16-bit
// WAV for upload. Every step is a plain function over sample slices so the
// pipeline runs without audio hardware.
package transcode

import (
	"context"
	"fmt"
	"math"

	"github.com/petems/lens-assistant/internal/errs"
)

const (
	TargetSampleRate = 44100
	SilenceThreshold = 1e-4
)

// Buffer is decoded audio: one float32 slice per channel, values in [-1, 1].
type Buffer struct {
	SampleRate int
	Channels   [][]float32
}

// Frames returns the per-channel sample count.
func (b *Buffer) Frames() int {
	if b == nil || len(b.Channels) == 0 {
		return 0
	}
	return len(b.Channels[0])
}

// Normalized is the pipeline output. It is built once and not modified.
type Normalized struct {
	Samples    []int16
	SampleRate int
	Channels   int
	WAV        []byte
}

// Duration returns the playback length in seconds.
func (n *Normalized) Duration() float64 {
	if n.SampleRate == 0 {
		return 0
	}
	return float64(len(n.Samples)) / float64(n.SampleRate)
}

// Decoder turns compressed or container bytes into a Buffer.
type Decoder interface {
	Decode(ctx context.Context, data []byte, mimeType string) (*Buffer, error)
}

type Pipeline struct {
	Decoder    Decoder
	TargetRate int
	Threshold  float32
}

// NewPipeline returns a pipeline with the standard target rate and threshold.
func NewPipeline(dec Decoder) *Pipeline {
	return &Pipeline{Decoder: dec, TargetRate: TargetSampleRate, Threshold: SilenceThreshold}
}

// Transcode decodes, downmixes, resamples, trims trailing silence and
// encodes data as WAV.
func (p *Pipeline) Transcode(ctx context.Context, data []byte, mimeType string) (*Normalized, error) {
	if len(data) == 0 {
		return nil, errs.New(errs.KindDecode, errs.CodeDecode, "Recording is empty")
	}

	buf, err := p.Decoder.Decode(ctx, data, mimeType)
	if err != nil {
		if _, ok := errs.As(err); ok {
			return nil, err
		}
		return nil, errs.Wrap(errs.KindDecode, errs.CodeDecode, "Failed to decode recording", err)
	}
	if buf.Frames() == 0 || buf.SampleRate <= 0 {
		return nil, errs.New(errs.KindDecode, errs.CodeDecode, "Decoded recording has no audio")
	}

	mono := Downmix(buf)
	mono = Resample(mono, buf.SampleRate, p.TargetRate)
	mono = TrimTrailingSilence(mono, p.Threshold)

	pcm := FloatToPCM16(mono)
	wav, err := EncodeWAV(pcm, p.TargetRate)
	if err != nil {
		return nil, errs.Wrap(errs.KindDecode, errs.CodeDecode, "Failed to encode WAV", err)
	}

	return &Normalized{Samples: pcm, SampleRate: p.TargetRate, Channels: 1, WAV: wav}, nil
}

// Downmix reduces buf to one channel. Mono input is returned as is; for
// more channels each output sample is the mean across channels.
func Downmix(buf *Buffer) []float32 {
	switch len(buf.Channels) {
	case 0:
		return nil
	case 1:
		return buf.Channels[0]
	}

	frames := buf.Frames()
	out := make([]float32, frames)
	n := float32(len(buf.Channels))
	for i := 0; i < frames; i++ {
		var sum float32
		for _, ch := range buf.Channels {
			sum += ch[i]
		}
		out[i] = sum / n
	}
	return out
}

// Resample converts samples from one rate to another by linear
// interpolation. The output length is sized from the input duration,
// rounded up, so the tail is never cut.
func Resample(samples []float32, from, to int) []float32 {
	if from == to || len(samples) == 0 || from <= 0 || to <= 0 {
		out := make([]float32, len(samples))
		copy(out, samples)
		return out
	}

	duration := float64(len(samples)) / float64(from)
	outLen := int(math.Ceil(duration * float64(to)))
	out := make([]float32, outLen)

	step := float64(from) / float64(to)
	last := len(samples) - 1
	for i := range out {
		pos := float64(i) * step
		idx := int(pos)
		if idx >= last {
			out[i] = samples[last]
			continue
		}
		frac := float32(pos - float64(idx))
		out[i] = samples[idx] + (samples[idx+1]-samples[idx])*frac
	}
	return out
}

// TrimTrailingSilence drops trailing samples quieter than threshold. The
// first sample is always kept, so all-silent input yields one sample.
func TrimTrailingSilence(samples []float32, threshold float32) []float32 {
	if len(samples) == 0 {
		return samples
	}
	end := len(samples) - 1
	for end > 0 && abs32(samples[end]) < threshold {
		end--
	}
	return samples[:end+1]
}

// FloatToPCM16 clamps each sample to [-1, 1] and scales negatives by
// 32768 and positives by 32767.
func FloatToPCM16(samples []float32) []int16 {
	out := make([]int16, len(samples))
	for i, s := range samples {
		v := float64(s)
		if v > 1 {
			v = 1
		} else if v < -1 {
			v = -1
		}
		if v < 0 {
			out[i] = int16(math.Floor(v * 32768))
		} else {
			out[i] = int16(math.Floor(v * 32767))
		}
	}
	return out
}

// PCM16ToFloat is the inverse scaling of FloatToPCM16.
func PCM16ToFloat(samples []int16) []float32 {
	out := make([]float32, len(samples))
	for i, s := range samples {
		if s < 0 {
			out[i] = float32(s) / 32768
		} else {
			out[i] = float32(s) / 32767
		}
	}
	return out
}

func abs32(v float32) float32 {
	if v < 0 {
		return -v
	}
	return v
}

func (b *Buffer) String() string {
	return fmt.Sprintf("%d ch @ %d Hz, %d frames", len(b.Channels), b.SampleRate, b.Frames())
}
