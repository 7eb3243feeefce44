package camera

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
)

// DefaultFacing is used when no facing mode is configured.
const DefaultFacing = "environment"

// Kit creates rendering sessions and loads lenses.
type Kit interface {
	CreateSession(ctx context.Context) (Session, error)
	LoadLens(ctx context.Context, lensID, groupID string) (Lens, error)
}

// Options configures Bootstrap.
type Options struct {
	DeviceID string
	Facing   string
	Mirror   bool
	LensID   string
	GroupID  string
}

// Bootstrap creates a session, applies the configured lens and binds the
// configured camera. The returned switcher owns the camera from then on.
func Bootstrap(ctx context.Context, kit Kit, devices DeviceAPI, opts Options, log zerolog.Logger) (*Switcher, error) {
	session, err := kit.CreateSession(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	if opts.LensID != "" {
		lens, err := kit.LoadLens(ctx, opts.LensID, opts.GroupID)
		if err != nil {
			return nil, fmt.Errorf("failed to load lens %s: %w", opts.LensID, err)
		}
		if err := session.ApplyLens(ctx, lens); err != nil {
			return nil, fmt.Errorf("failed to apply lens %s: %w", opts.LensID, err)
		}
		log.Info().Str("lens", lens.ID).Str("group", lens.GroupID).Msg("Lens applied")
	}

	facing := opts.Facing
	if facing == "" {
		facing = DefaultFacing
	}

	deviceID := opts.DeviceID
	if deviceID == "" {
		deviceID = firstDevice(ctx, devices, log)
	}

	sw := NewSwitcher(session, devices, facing, opts.Mirror, log)
	if err := sw.SetSource(ctx, deviceID); err != nil {
		// The session keeps running without a camera
		log.Warn().Err(err).Str("device", opts.DeviceID).Msg("Starting without camera")
	}
	return sw, nil
}

func firstDevice(ctx context.Context, devices DeviceAPI, log zerolog.Logger) string {
	list, err := devices.List(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to list cameras")
		return NoDevice
	}
	if len(list) == 0 {
		return NoDevice
	}
	return list[0].ID
}
