//go:build darwin

package permissions

/*
#cgo LDFLAGS: -framework AVFoundation
#import <AVFoundation/AVFoundation.h>

int checkMediaPermission(int video) {
    AVMediaType type = video ? AVMediaTypeVideo : AVMediaTypeAudio;
    return (int)[AVCaptureDevice authorizationStatusForMediaType:type];
}

void requestMediaPermission(int video) {
    AVMediaType type = video ? AVMediaTypeVideo : AVMediaTypeAudio;
    [AVCaptureDevice requestAccessForMediaType:type completionHandler:^(BOOL granted) {}];
}
*/
import "C"

import (
	"github.com/rs/zerolog"

	"github.com/petems/lens-assistant/internal/errs"
)

const (
	PermissionNotDetermined = 0
	PermissionRestricted    = 1
	PermissionDenied        = 2
	PermissionAuthorized    = 3
)

// CheckMicrophone returns the current microphone permission status
func CheckMicrophone() int {
	return int(C.checkMediaPermission(0))
}

// CheckCamera returns the current camera permission status
func CheckCamera() int {
	return int(C.checkMediaPermission(1))
}

// EnsurePermissions requests microphone and camera access. A missing
// microphone grant is fatal; without the camera the lens runs on the
// placeholder source.
func EnsurePermissions(log zerolog.Logger) error {
	if CheckMicrophone() != PermissionAuthorized {
		log.Warn().Msg("Microphone permission required: System Settings → Privacy & Security → Microphone")
		C.requestMediaPermission(0)
		return errs.Hardware("Microphone permission not granted", nil)
	}

	if CheckCamera() != PermissionAuthorized {
		log.Warn().Msg("Camera permission not granted, continuing without camera")
		C.requestMediaPermission(1)
	}

	return nil
}
