package camera

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
)

// HeadlessKit creates sessions that keep render state without drawing.
// It is used on desktops with no lens runtime, where the camera binding
// still has to hold the device and follow the tray selection.
type HeadlessKit struct {
	Log zerolog.Logger
}

func (k HeadlessKit) CreateSession(context.Context) (Session, error) {
	return &HeadlessSession{log: k.Log}, nil
}

func (k HeadlessKit) LoadLens(_ context.Context, lensID, groupID string) (Lens, error) {
	return Lens{ID: lensID, GroupID: groupID}, nil
}

// HeadlessSession records the source, lens and playback state.
type HeadlessSession struct {
	log zerolog.Logger

	mu      sync.Mutex
	source  *Source
	lens    *Lens
	playing bool
}

func (s *HeadlessSession) SetSource(_ context.Context, src Source) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.source = &src
	s.log.Debug().Str("device", src.Stream.DeviceID()).Bool("mirror", src.Mirror).Msg("Session source set")
	return nil
}

func (s *HeadlessSession) ApplyLens(_ context.Context, lens Lens) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lens = &lens
	return nil
}

func (s *HeadlessSession) Play() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.playing = true
}

func (s *HeadlessSession) Pause() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.playing = false
}

// Playing reports whether the session is rendering.
func (s *HeadlessSession) Playing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.playing
}

// Lens returns the applied lens, if any.
func (s *HeadlessSession) Lens() (Lens, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lens == nil {
		return Lens{}, false
	}
	return *s.lens, true
}
