// Package errs defines the single error type surfaced by the assistant core.
//
// Every failure that leaves a component boundary is an *Error carrying a
// human-readable message, a numeric code (an HTTP status, or a synthetic code
// for local failures) and optional details.
package errs

import (
	"errors"
	"fmt"
)

type Kind string

const (
	KindAuth      Kind = "auth"
	KindTransport Kind = "transport"
	KindStorage   Kind = "storage"
	KindDecode    Kind = "decode"
	KindHardware  Kind = "hardware"
	KindInvalid   Kind = "invalid"
	KindBusy      Kind = "busy"
)

// Synthetic codes for failures that never reached a server.
const (
	CodeLocal    = 0
	CodeStorage  = 507
	CodeHardware = 503
	CodeDecode   = 422
)

var (
	ErrNotAuthenticated    = errors.New("not authenticated")
	ErrStorageUnavailable  = errors.New("storage unavailable")
	ErrHardwareUnavailable = errors.New("hardware unavailable")
	ErrBusy                = errors.New("busy")
)

type Error struct {
	Kind    Kind
	Message string
	Code    int
	Details string
	Err     error
}

func (e *Error) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("%s (code %d): %s", e.Message, e.Code, e.Details)
	}
	return fmt.Sprintf("%s (code %d)", e.Message, e.Code)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New creates an error of the given kind.
func New(kind Kind, code int, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

// Wrap creates an error of the given kind that unwraps to err.
func Wrap(kind Kind, code int, message string, err error) *Error {
	e := &Error{Kind: kind, Code: code, Message: message, Err: err}
	if err != nil {
		e.Details = err.Error()
	}
	return e
}

// NotAuthenticated is returned by authenticated calls made without a usable credential.
func NotAuthenticated() *Error {
	return &Error{Kind: KindAuth, Code: 401, Message: "Not authenticated", Err: ErrNotAuthenticated}
}

// Storage reports that durable credential storage could not be used.
func Storage(err error) *Error {
	e := Wrap(KindStorage, CodeStorage, "Credential storage unavailable", err)
	e.Err = fmt.Errorf("%w: %w", ErrStorageUnavailable, err)
	return e
}

// Hardware reports a missing or unusable microphone or camera.
func Hardware(message string, err error) *Error {
	e := Wrap(KindHardware, CodeHardware, message, err)
	if err != nil {
		e.Err = fmt.Errorf("%w: %w", ErrHardwareUnavailable, err)
	} else {
		e.Err = ErrHardwareUnavailable
	}
	return e
}

// As returns the *Error in err's chain, if any.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// KindOf returns the kind of the first *Error in err's chain, or "".
func KindOf(err error) Kind {
	if e, ok := As(err); ok {
		return e.Kind
	}
	return ""
}

// CodeOf returns the code of the first *Error in err's chain, or -1.
func CodeOf(err error) int {
	if e, ok := As(err); ok {
		return e.Code
	}
	return -1
}
