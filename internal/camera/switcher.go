// Package camera binds video devices into an AR rendering session.
package camera

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/petems/lens-assistant/internal/errs"
)

// Selector values that mean "no live camera".
const (
	NoDevice    = "no-device"
	NoCamera    = "none"
	Placeholder = "placeholder"
)

// IsNone reports whether selector is one of the non-device values.
func IsNone(selector string) bool {
	switch selector {
	case "", NoDevice, NoCamera, Placeholder:
		return true
	}
	return false
}

// Device is a video input.
type Device struct {
	ID    string
	Label string
}

// Stream is a live hardware stream. Stop releases the device.
type Stream interface {
	DeviceID() string
	Stop() error
}

// Source is a stream wrapped for the rendering session.
type Source struct {
	Stream Stream
	Facing string
	Mirror bool
}

// Lens is a loaded lens effect.
type Lens struct {
	ID      string
	GroupID string
}

// Session is the rendering session the camera feeds.
type Session interface {
	SetSource(ctx context.Context, src Source) error
	ApplyLens(ctx context.Context, lens Lens) error
	Play()
	Pause()
}

// DeviceAPI enumerates and acquires video devices.
type DeviceAPI interface {
	List(ctx context.Context) ([]Device, error)
	Acquire(ctx context.Context, deviceID, facing string) (Stream, error)
}

// RecordingBinder is re-attached to the session after every source change.
type RecordingBinder interface {
	Rebind(session Session)
}

// DeviceBinding is the currently bound device.
type DeviceBinding struct {
	DeviceID string
	stream   Stream
}

// Switcher owns at most one live camera stream at a time.
type Switcher struct {
	session Session
	devices DeviceAPI
	facing  string
	mirror  bool
	log     zerolog.Logger

	mu      sync.Mutex
	binding *DeviceBinding
	binders []RecordingBinder
}

// NewSwitcher creates a switcher for session. facing is passed to device
// acquisition; mirror flips every bound source horizontally.
func NewSwitcher(session Session, devices DeviceAPI, facing string, mirror bool, log zerolog.Logger) *Switcher {
	return &Switcher{
		session: session,
		devices: devices,
		facing:  facing,
		mirror:  mirror,
		log:     log,
	}
}

// AddBinder registers a binder to be re-established after each switch.
func (s *Switcher) AddBinder(b RecordingBinder) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.binders = append(s.binders, b)
}

// Current returns the bound device id, or NoDevice.
func (s *Switcher) Current() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.binding == nil {
		return NoDevice
	}
	return s.binding.DeviceID
}

// Devices lists the available cameras.
func (s *Switcher) Devices(ctx context.Context) ([]Device, error) {
	return s.devices.List(ctx)
}

// SetSource releases the bound stream, then binds selector. The previous
// device is always stopped before a new one is acquired, and the session
// is always resumed at the end, also when no camera is selected or the
// acquisition fails.
func (s *Switcher) SetSource(ctx context.Context, selector string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	defer s.session.Play()

	s.release()

	var err error
	if IsNone(selector) {
		s.log.Info().Str("selector", selector).Msg("Camera disabled")
	} else {
		err = s.bind(ctx, selector)
	}

	for _, b := range s.binders {
		b.Rebind(s.session)
	}
	return err
}

func (s *Switcher) release() {
	if s.binding == nil {
		return
	}
	s.session.Pause()
	if err := s.binding.stream.Stop(); err != nil {
		s.log.Warn().Err(err).Str("device", s.binding.DeviceID).Msg("Failed to stop camera stream")
	}
	s.log.Debug().Str("device", s.binding.DeviceID).Msg("Camera released")
	s.binding = nil
}

func (s *Switcher) bind(ctx context.Context, deviceID string) error {
	stream, err := s.devices.Acquire(ctx, deviceID, s.facing)
	if err != nil {
		return errs.Hardware("Camera not available", err)
	}

	src := Source{Stream: stream, Facing: s.facing, Mirror: s.mirror}
	if err := s.session.SetSource(ctx, src); err != nil {
		stream.Stop()
		return errs.Hardware("Failed to bind camera", err)
	}

	s.binding = &DeviceBinding{DeviceID: deviceID, stream: stream}
	s.log.Info().Str("device", deviceID).Bool("mirror", s.mirror).Msg("Camera bound")
	return nil
}

// Close releases the bound stream, if any.
func (s *Switcher) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.release()
}
