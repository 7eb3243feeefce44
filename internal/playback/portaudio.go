package playback

import (
	"context"
	"fmt"

	"github.com/gordonklaus/portaudio"

	"github.com/petems/lens-assistant/internal/errs"
	"github.com/petems/lens-assistant/internal/transcode"
)

const framesPerBuffer = 1024

// PortAudioOutput plays audio on the default output device.
type PortAudioOutput struct{}

// NewPortAudioOutput initializes PortAudio for output. Close must be
// called once playback is no longer needed.
func NewPortAudioOutput() (*PortAudioOutput, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, errs.Hardware("Failed to initialize audio output", err)
	}
	return &PortAudioOutput{}, nil
}

func (o *PortAudioOutput) Play(ctx context.Context, buf *transcode.Buffer) error {
	channels := len(buf.Channels)
	if channels == 0 {
		return nil
	}

	out := make([]float32, framesPerBuffer*channels)
	stream, err := portaudio.OpenDefaultStream(0, channels, float64(buf.SampleRate), framesPerBuffer, out)
	if err != nil {
		return fmt.Errorf("failed to open output stream: %w", err)
	}
	defer stream.Close()

	if err := stream.Start(); err != nil {
		return fmt.Errorf("failed to start output stream: %w", err)
	}
	defer stream.Stop()

	frames := buf.Frames()
	for off := 0; off < frames; off += framesPerBuffer {
		if err := ctx.Err(); err != nil {
			return err
		}
		for i := 0; i < framesPerBuffer; i++ {
			for c := 0; c < channels; c++ {
				var v float32
				if off+i < frames {
					v = buf.Channels[c][off+i]
				}
				out[i*channels+c] = v
			}
		}
		if err := stream.Write(); err != nil {
			return fmt.Errorf("failed to write audio: %w", err)
		}
	}
	return nil
}

func (o *PortAudioOutput) Close() error {
	return portaudio.Terminate()
}
