package audio

import (
	"fmt"
	"sync"

	"github.com/gordonklaus/portaudio"

	"github.com/petems/lens-assistant/internal/errs"
	"github.com/petems/lens-assistant/internal/transcode"
)

const framesPerBuffer = 1024

type portAudioBackend struct{}

type portAudioMic struct {
	dev *portaudio.DeviceInfo
}

func (m *portAudioMic) ID() string   { return m.dev.Name }
func (m *portAudioMic) Name() string { return m.dev.Name }

// NewPortAudio creates a PortAudio-based capture backend
func NewPortAudio() (Backend, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, errs.Hardware("Failed to initialize audio", err)
	}
	return &portAudioBackend{}, nil
}

// Acquire finds the named input device, or the default one when deviceID is empty.
func (p *portAudioBackend) Acquire(deviceID string) (Microphone, error) {
	var device *portaudio.DeviceInfo
	if deviceID == "" {
		var err error
		device, err = portaudio.DefaultInputDevice()
		if err != nil {
			return nil, errs.Hardware("Microphone not available", err)
		}
	} else {
		devices, err := portaudio.Devices()
		if err != nil {
			return nil, errs.Hardware("Failed to enumerate devices", err)
		}
		for _, d := range devices {
			if d.Name == deviceID && d.MaxInputChannels > 0 {
				device = d
				break
			}
		}
	}

	if device == nil || device.MaxInputChannels == 0 {
		return nil, errs.Hardware(fmt.Sprintf("Microphone not found: %s", deviceID), nil)
	}
	return &portAudioMic{dev: device}, nil
}

// OpenSink opens an interleaved float32 input stream. With opts set the
// requested rate and channel count must be accepted by the device as is.
func (p *portAudioBackend) OpenSink(mic Microphone, opts *SinkOptions) (Sink, error) {
	pm, ok := mic.(*portAudioMic)
	if !ok {
		return nil, fmt.Errorf("microphone %q was not acquired by PortAudio", mic.ID())
	}
	dev := pm.dev

	rate := int(dev.DefaultSampleRate)
	channels := min(dev.MaxInputChannels, 2)
	if opts != nil {
		if opts.Channels > dev.MaxInputChannels {
			return nil, fmt.Errorf("device supports %d input channels, %d requested", dev.MaxInputChannels, opts.Channels)
		}
		rate, channels = opts.SampleRate, opts.Channels
	}

	buffer := make([]float32, framesPerBuffer*channels)
	stream, err := portaudio.OpenStream(portaudio.StreamParameters{
		Input: portaudio.StreamDeviceParameters{
			Device:   dev,
			Channels: channels,
			Latency:  dev.DefaultLowInputLatency,
		},
		SampleRate:      float64(rate),
		FramesPerBuffer: framesPerBuffer,
	}, buffer)
	if err != nil {
		return nil, fmt.Errorf("failed to open audio stream at %d Hz x%d: %w", rate, channels, err)
	}

	return &portAudioSink{
		stream:   stream,
		buffer:   buffer,
		mimeType: transcode.RawPCMType(rate, channels, "f32le"),
		quit:     make(chan struct{}),
		done:     make(chan error, 1),
	}, nil
}

func (p *portAudioBackend) ListDevices() ([]AudioDevice, error) {
	devices, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("failed to list devices: %w", err)
	}

	result := make([]AudioDevice, 0, len(devices))
	defaultDevice, _ := portaudio.DefaultInputDevice()

	for _, d := range devices {
		if d.MaxInputChannels > 0 {
			result = append(result, AudioDevice{
				ID:      d.Name,
				Name:    d.Name,
				Default: d == defaultDevice,
			})
		}
	}

	return result, nil
}

func (p *portAudioBackend) Close() error {
	return portaudio.Terminate()
}

type portAudioSink struct {
	stream   *portaudio.Stream
	buffer   []float32
	mimeType string

	stopOnce sync.Once
	quit     chan struct{}
	done     chan error
}

func (s *portAudioSink) MIMEType() string {
	return s.mimeType
}

func (s *portAudioSink) Start(onData func([]byte)) error {
	if err := s.stream.Start(); err != nil {
		s.stream.Close()
		return fmt.Errorf("failed to start audio stream: %w", err)
	}

	// Read loop
	go func() {
		var readErr error
		for {
			select {
			case <-s.quit:
				s.done <- s.finish(readErr)
				return
			default:
			}
			if err := s.stream.Read(); err != nil {
				readErr = err
				<-s.quit
				continue
			}
			onData(transcode.InterleaveF32(s.buffer))
		}
	}()

	return nil
}

func (s *portAudioSink) finish(readErr error) error {
	stopErr := s.stream.Stop()
	closeErr := s.stream.Close()
	switch {
	case readErr != nil:
		return fmt.Errorf("audio read failed: %w", readErr)
	case stopErr != nil:
		return fmt.Errorf("failed to stop audio stream: %w", stopErr)
	default:
		return closeErr
	}
}

func (s *portAudioSink) Stop() <-chan error {
	s.stopOnce.Do(func() { close(s.quit) })
	return s.done
}
