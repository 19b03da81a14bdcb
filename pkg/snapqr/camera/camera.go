// Package camera mediates access to a camera device: it owns at most one live
// stream at a time, tracks the session's activation state and produces still
// captures on demand.
package camera

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/jpeg"
	"strings"
	"time"
)

// FacingMode selects which physical camera a stream request prefers.
type FacingMode string

const (
	// FacingUser is the camera pointing at the user.
	FacingUser FacingMode = "user"

	// FacingEnvironment is the camera pointing away from the user.
	FacingEnvironment FacingMode = "environment"
)

// Opposite returns the other facing mode.
func (f FacingMode) Opposite() FacingMode {
	if f == FacingUser {
		return FacingEnvironment
	}
	return FacingUser
}

// ParseFacingMode converts a config or request value into a FacingMode.
func ParseFacingMode(s string) (FacingMode, error) {
	switch FacingMode(strings.ToLower(strings.TrimSpace(s))) {
	case FacingUser:
		return FacingUser, nil
	case FacingEnvironment, "":
		return FacingEnvironment, nil
	}
	return "", fmt.Errorf("unknown facing mode %q", s)
}

// State is the activation state of a capture session.
type State int

const (
	StateIdle State = iota
	StateInitializing
	StateActive
	StateError
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateInitializing:
		return "initializing"
	case StateActive:
		return "active"
	case StateError:
		return "error"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// MarshalText lets states show up by name in JSON and logs.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *State) UnmarshalText(text []byte) error {
	for _, candidate := range []State{StateIdle, StateInitializing, StateActive, StateError} {
		if candidate.String() == string(text) {
			*s = candidate
			return nil
		}
	}
	return fmt.Errorf("unknown camera state %q", text)
}

// Resolution is a frame size in pixels.
type Resolution struct {
	Width  int `json:"width" yaml:"width"`
	Height int `json:"height" yaml:"height"`
}

// Empty reports whether either dimension is unknown.
func (r Resolution) Empty() bool {
	return r.Width <= 0 || r.Height <= 0
}

func (r Resolution) String() string {
	return fmt.Sprintf("%dx%d", r.Width, r.Height)
}

// Constraints describe the stream a session asks a device for.
type Constraints struct {
	Facing    FacingMode
	Ideal     Resolution
	Max       Resolution
	FrameRate int
}

var (
	defaultIdealResolution = Resolution{Width: 1920, Height: 1080}
	defaultMaxResolution   = Resolution{Width: 3840, Height: 2160}
)

// DefaultConstraints returns the preferred resolution envelope for the given facing mode.
func DefaultConstraints(facing FacingMode) Constraints {
	return Constraints{
		Facing: facing,
		Ideal:  defaultIdealResolution,
		Max:    defaultMaxResolution,
	}
}

// Minimal drops everything but the facing preference. Used for the single
// retry after a device rejected the full envelope.
func (c Constraints) Minimal() Constraints {
	return Constraints{Facing: c.Facing}
}

// IsMinimal reports whether only the facing preference is set.
func (c Constraints) IsMinimal() bool {
	return c.Ideal.Empty() && c.Max.Empty() && c.FrameRate == 0
}

// Frame is one sampled video frame. Data holds a complete JPEG image and must
// not be modified once the frame has been published by a stream. Width and
// Height are the native size the source reported, zero when it reported none.
type Frame struct {
	Data      []byte
	Width     int
	Height    int
	Seq       uint64
	Timestamp time.Time
}

// NewFrame wraps JPEG bytes, reading the native dimensions from the header.
// Dimensions stay zero when the header can't be parsed.
func NewFrame(data []byte, seq uint64) *Frame {
	f := &Frame{
		Data:      data,
		Seq:       seq,
		Timestamp: time.Now(),
	}

	if cfg, err := jpeg.DecodeConfig(bytes.NewReader(data)); err == nil {
		f.Width = cfg.Width
		f.Height = cfg.Height
	}

	return f
}

// Size returns the frame's native dimensions.
func (f *Frame) Size() Resolution {
	return Resolution{Width: f.Width, Height: f.Height}
}

// Image decodes the frame.
func (f *Frame) Image() (image.Image, error) {
	img, err := jpeg.Decode(bytes.NewReader(f.Data))
	if err != nil {
		return nil, fmt.Errorf("decode frame %d: %w", f.Seq, err)
	}
	return img, nil
}

// Device is the camera capability of the host.
type Device interface {
	// Open requests a stream matching the constraints. The returned stream
	// may not be ready yet; callers wait on Ready before sampling it.
	Open(ctx context.Context, c Constraints) (Stream, error)
}

// Stream is a live stream handle owned by exactly one session.
type Stream interface {
	// Ready is closed once the first frame has arrived.
	Ready() <-chan struct{}

	// Done is closed when the stream ended on its own.
	Done() <-chan struct{}

	// Err returns the reason the stream ended, if any.
	Err() error

	// Latest returns the most recent frame.
	Latest() (*Frame, bool)

	// Close releases the hardware handle. It returns only once the handle is
	// released and is safe to call more than once.
	Close() error
}
