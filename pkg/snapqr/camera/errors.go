package camera

import (
	"context"
	"errors"
	"os"
	"strings"
	"syscall"
)

// ErrorKind classifies why a camera operation failed.
type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	KindPermissionDenied
	KindDeviceNotFound
	KindDeviceBusy
	KindOverconstrained
	KindInsecureContext
	KindUnsupported
	KindElementUnavailable
	KindNotActive
)

var kindNames = map[ErrorKind]string{
	KindUnknown:            "unknown",
	KindPermissionDenied:   "permission-denied",
	KindDeviceNotFound:     "device-not-found",
	KindDeviceBusy:         "device-busy",
	KindOverconstrained:    "constraints-unsatisfiable",
	KindInsecureContext:    "insecure-context",
	KindUnsupported:        "environment-unsupported",
	KindElementUnavailable: "element-unavailable",
	KindNotActive:          "not-active",
}

var kindMessages = map[ErrorKind]string{
	KindUnknown:            "Failed to start camera",
	KindPermissionDenied:   "Camera permission denied. Allow camera access and try again.",
	KindDeviceNotFound:     "No camera found on this device",
	KindDeviceBusy:         "Camera is already in use by another application",
	KindOverconstrained:    "Camera does not support the requested settings",
	KindInsecureContext:    "Camera access requires a secure connection (HTTPS)",
	KindUnsupported:        "Camera access is not supported on this host",
	KindElementUnavailable: "Video source not available",
	KindNotActive:          "Camera is not active",
}

func (k ErrorKind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return kindNames[KindUnknown]
}

// MarshalText lets kinds show up by name in JSON.
func (k ErrorKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

func (k *ErrorKind) UnmarshalText(text []byte) error {
	for kind, name := range kindNames {
		if name == string(text) {
			*k = kind
			return nil
		}
	}
	*k = KindUnknown
	return nil
}

// Message is the human-readable cause shown to the user.
func (k ErrorKind) Message() string {
	if msg, ok := kindMessages[k]; ok {
		return msg
	}
	return kindMessages[KindUnknown]
}

// Error is a classified camera failure.
type Error struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	msg := e.Kind.Message()
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		msg += " (" + e.Err.Error() + ")"
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error of the same kind, so the sentinels below work with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// Sentinels for errors.Is.
var (
	ErrPermissionDenied   = &Error{Kind: KindPermissionDenied}
	ErrDeviceNotFound     = &Error{Kind: KindDeviceNotFound}
	ErrDeviceBusy         = &Error{Kind: KindDeviceBusy}
	ErrOverconstrained    = &Error{Kind: KindOverconstrained}
	ErrInsecureContext    = &Error{Kind: KindInsecureContext}
	ErrUnsupported        = &Error{Kind: KindUnsupported}
	ErrElementUnavailable = &Error{Kind: KindElementUnavailable}
	ErrNotActive          = &Error{Kind: KindNotActive}
)

func newError(kind ErrorKind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf returns the classification of err. Errors that carry no
// classification are inferred from well-known OS errors.
func KindOf(err error) ErrorKind {
	if err == nil {
		return KindUnknown
	}

	var camErr *Error
	if errors.As(err, &camErr) {
		return camErr.Kind
	}

	switch {
	case errors.Is(err, os.ErrPermission):
		return KindPermissionDenied
	case errors.Is(err, os.ErrNotExist):
		return KindDeviceNotFound
	case errors.Is(err, syscall.EBUSY):
		return KindDeviceBusy
	}

	return KindUnknown
}

// Message returns the user-facing message for err.
func Message(err error) string {
	if err == nil {
		return ""
	}
	return KindOf(err).Message()
}

// classify wraps err into an *Error unless it already is one or is a context error.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	var camErr *Error
	if errors.As(err, &camErr) {
		return err
	}

	return newError(KindOf(err), op, err)
}

// ffmpeg and v4l2 report device failures only through their diagnostics.
var outputMarkers = []struct {
	marker string
	kind   ErrorKind
}{
	{"permission denied", KindPermissionDenied},
	{"operation not permitted", KindPermissionDenied},
	{"no such file or directory", KindDeviceNotFound},
	{"no such device", KindDeviceNotFound},
	{"device or resource busy", KindDeviceBusy},
	{"not supported", KindOverconstrained},
	{"does not support", KindOverconstrained},
	{"invalid argument", KindOverconstrained},
	{"cannot find a proper format", KindOverconstrained},
}

// classifyOutput maps diagnostic output from a capture process to an error kind.
func classifyOutput(output string) ErrorKind {
	lower := strings.ToLower(output)
	for _, m := range outputMarkers {
		if strings.Contains(lower, m.marker) {
			return m.kind
		}
	}
	return KindUnknown
}
