package audio

// Microphone is an input device the user has granted access to. It is
// acquired once at startup and reused for every recording.
type Microphone interface {
	ID() string
	Name() string
}

// SinkOptions is a capture configuration. A nil *SinkOptions asks the
// backend for its own defaults.
type SinkOptions struct {
	SampleRate int
	Channels   int
}

// Sink is one open recording stream.
type Sink interface {
	// MIMEType describes the fragments passed to onData.
	MIMEType() string
	// Start begins delivering fragments. onData is never called after the
	// channel returned by Stop has produced a value.
	Start(onData func([]byte)) error
	// Stop flushes and releases the stream. The returned channel yields
	// exactly one value once the hardware flush completes.
	Stop() <-chan error
}

// Backend opens capture devices and sinks.
type Backend interface {
	Acquire(deviceID string) (Microphone, error)
	OpenSink(mic Microphone, opts *SinkOptions) (Sink, error)
	ListDevices() ([]AudioDevice, error)
	Close() error
}

// AudioDevice represents an audio input device
type AudioDevice struct {
	ID      string
	Name    string
	Default bool
}
