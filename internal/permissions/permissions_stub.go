//go:build !darwin

package permissions

import "github.com/rs/zerolog"

// EnsurePermissions is a no-op on non-macOS platforms. Device access is
// checked when the microphone and camera are acquired.
func EnsurePermissions(log zerolog.Logger) error {
	return nil
}
