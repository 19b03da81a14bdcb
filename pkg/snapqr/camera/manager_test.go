package camera

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func makeJPEG(t *testing.T, w, h int) []byte {
	t.Helper()

	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for x := 0; x < w; x++ {
		for y := 0; y < h; y++ {
			img.Set(x, y, color.RGBA{R: uint8(x), G: uint8(y), B: 128, A: 255})
		}
	}

	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, img, nil))
	return buf.Bytes()
}

type fakeDevice struct {
	mu      sync.Mutex
	frame   []byte
	fail    func(c Constraints) error
	silent  bool
	opens   []Constraints
	streams []*frameStream
	held    int
	maxHeld int
	opened  chan struct{}
}

func newFakeDevice(frame []byte) *fakeDevice {
	return &fakeDevice{frame: frame, opened: make(chan struct{}, 8)}
}

func (d *fakeDevice) Open(ctx context.Context, c Constraints) (Stream, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.opens = append(d.opens, c)
	d.opened <- struct{}{}

	if d.fail != nil {
		if err := d.fail(c); err != nil {
			return nil, err
		}
	}

	d.held++
	if d.held > d.maxHeld {
		d.maxHeld = d.held
	}

	s := newFrameStream(func() error {
		d.mu.Lock()
		d.held--
		d.mu.Unlock()
		return nil
	})
	if !d.silent && d.frame != nil {
		s.publish(d.frame)
	}
	d.streams = append(d.streams, s)

	return s, nil
}

func (d *fakeDevice) snapshot() (opens []Constraints, held, maxHeld int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Constraints(nil), d.opens...), d.held, d.maxHeld
}

func newTestManager(device Device) *Manager {
	opts := DefaultOptions()
	opts.ReadyTimeout = time.Second
	return NewManager(zap.NewNop().Sugar(), device, opts)
}

func TestStartThenStopLeavesManagerIdle(t *testing.T) {
	for _, facing := range []FacingMode{FacingUser, FacingEnvironment} {
		t.Run(string(facing), func(t *testing.T) {
			device := newFakeDevice(makeJPEG(t, 16, 16))
			m := newTestManager(device)

			require.NoError(t, m.Start(context.Background(), facing))
			assert.Equal(t, StateActive, m.State())
			assert.True(t, m.HasStream())
			assert.Equal(t, facing, m.Facing())

			m.Stop()
			assert.Equal(t, StateIdle, m.State())
			assert.False(t, m.HasStream())
			assert.NoError(t, m.LastError())

			_, held, _ := device.snapshot()
			assert.Zero(t, held)
		})
	}
}

func TestCaptureFrameWhileIdleFails(t *testing.T) {
	m := newTestManager(newFakeDevice(makeJPEG(t, 16, 16)))

	photo, err := m.CaptureFrame()
	assert.Nil(t, photo)
	assert.ErrorIs(t, err, ErrNotActive)
	assert.Equal(t, StateIdle, m.State())
}

func TestCaptureFrameMatchesLiveFrameSize(t *testing.T) {
	m := newTestManager(newFakeDevice(makeJPEG(t, 64, 48)))
	require.NoError(t, m.Start(context.Background(), FacingEnvironment))
	defer m.Stop()

	photo, err := m.CaptureFrame()
	require.NoError(t, err)
	require.NotEmpty(t, photo.Data)
	assert.Equal(t, 64, photo.Width)
	assert.Equal(t, 48, photo.Height)
	assert.Equal(t, FormatJPEG, photo.Format)

	cfg, err := jpeg.DecodeConfig(bytes.NewReader(photo.Data))
	require.NoError(t, err)
	assert.Equal(t, 64, cfg.Width)
	assert.Equal(t, 48, cfg.Height)

	// capturing doesn't touch the session
	assert.Equal(t, StateActive, m.State())
}

func TestCaptureFrameFallsBackToDisplaySize(t *testing.T) {
	device := newFakeDevice(nil)
	device.silent = true

	opts := DefaultOptions()
	opts.DisplaySize = Resolution{Width: 32, Height: 24}
	m := NewManager(zap.NewNop().Sugar(), device, opts)

	done := make(chan error, 1)
	go func() { done <- m.Start(context.Background(), FacingEnvironment) }()
	<-device.opened

	device.mu.Lock()
	s := device.streams[0]
	device.mu.Unlock()

	// a frame whose header didn't report its size
	s.latest.Store(&Frame{Data: makeJPEG(t, 64, 48), Seq: 1})
	s.readyOnce.Do(func() { close(s.ready) })
	require.NoError(t, <-done)
	defer m.Stop()

	photo, err := m.CaptureFrame()
	require.NoError(t, err)
	assert.Equal(t, 32, photo.Width)
	assert.Equal(t, 24, photo.Height)
}

func TestCaptureFrameIgnoresContradictedSize(t *testing.T) {
	device := newFakeDevice(nil)
	device.silent = true

	opts := DefaultOptions()
	opts.DisplaySize = Resolution{Width: 32, Height: 24}
	m := NewManager(zap.NewNop().Sugar(), device, opts)

	done := make(chan error, 1)
	go func() { done <- m.Start(context.Background(), FacingEnvironment) }()
	<-device.opened

	device.mu.Lock()
	s := device.streams[0]
	device.mu.Unlock()

	s.latest.Store(&Frame{Data: makeJPEG(t, 64, 48), Width: 1920, Height: 1080, Seq: 1})
	s.readyOnce.Do(func() { close(s.ready) })
	require.NoError(t, <-done)
	defer m.Stop()

	photo, err := m.CaptureFrame()
	require.NoError(t, err)
	assert.Equal(t, 32, photo.Width)
	assert.Equal(t, 24, photo.Height)
}

func TestStopIsIdempotent(t *testing.T) {
	m := newTestManager(newFakeDevice(makeJPEG(t, 16, 16)))
	require.NoError(t, m.Start(context.Background(), FacingEnvironment))

	events := m.SubscribeToStateChanges()

	m.Stop()
	assert.Equal(t, StateIdle, m.State())
	m.Stop()
	assert.Equal(t, StateIdle, m.State())
	assert.NoError(t, m.LastError())

	// only the first stop is a transition
	assert.Len(t, events, 1)
}

func TestToggleHoldsExactlyOneStream(t *testing.T) {
	device := newFakeDevice(makeJPEG(t, 16, 16))
	m := newTestManager(device)

	require.NoError(t, m.Start(context.Background(), FacingEnvironment))
	require.NoError(t, m.Toggle(context.Background()))
	defer m.Stop()

	opens, held, maxHeld := device.snapshot()
	assert.Equal(t, StateActive, m.State())
	assert.Equal(t, FacingUser, m.Facing())
	assert.Equal(t, 1, held)
	assert.Equal(t, 1, maxHeld)
	require.Len(t, opens, 2)
	assert.Equal(t, FacingUser, opens[1].Facing)
}

func TestStartWithoutCameraReportsDeviceNotFound(t *testing.T) {
	device := newFakeDevice(nil)
	device.fail = func(Constraints) error {
		return newError(KindDeviceNotFound, "open", errors.New("no video nodes configured"))
	}
	m := newTestManager(device)
	events := m.SubscribeToStateChanges()

	err := m.Start(context.Background(), FacingEnvironment)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDeviceNotFound)

	assert.Equal(t, StateInitializing, (<-events).State)
	last := <-events
	assert.Equal(t, StateError, last.State)
	assert.ErrorIs(t, last.Err, ErrDeviceNotFound)

	assert.Equal(t, StateError, m.State())
	assert.Equal(t, KindDeviceNotFound.Message(), Message(m.LastError()))

	m.Stop()
	assert.Equal(t, StateIdle, m.State())
	assert.NoError(t, m.LastError())
}

func TestStartRetriesOnceWithMinimalConstraints(t *testing.T) {
	device := newFakeDevice(makeJPEG(t, 16, 16))
	device.fail = func(c Constraints) error {
		if !c.IsMinimal() {
			return newError(KindOverconstrained, "open", nil)
		}
		return nil
	}
	m := newTestManager(device)

	require.NoError(t, m.Start(context.Background(), FacingUser))
	defer m.Stop()

	opens, _, _ := device.snapshot()
	require.Len(t, opens, 2)
	assert.False(t, opens[0].IsMinimal())
	assert.True(t, opens[1].IsMinimal())
	assert.Equal(t, FacingUser, opens[1].Facing)
}

func TestStartGivesUpAfterSecondOverconstrained(t *testing.T) {
	device := newFakeDevice(nil)
	device.fail = func(Constraints) error {
		return newError(KindOverconstrained, "open", nil)
	}
	m := newTestManager(device)

	err := m.Start(context.Background(), FacingUser)
	assert.ErrorIs(t, err, ErrOverconstrained)
	assert.Equal(t, StateError, m.State())

	opens, _, _ := device.snapshot()
	assert.Len(t, opens, 2)
}

func TestStopCancelsPendingStart(t *testing.T) {
	device := newFakeDevice(nil)
	device.silent = true
	m := newTestManager(device)

	done := make(chan error, 1)
	go func() { done <- m.Start(context.Background(), FacingEnvironment) }()
	<-device.opened

	m.Stop()

	assert.ErrorIs(t, <-done, context.Canceled)
	assert.Equal(t, StateIdle, m.State())
	assert.False(t, m.HasStream())

	_, held, _ := device.snapshot()
	assert.Zero(t, held)
}

func TestStartTimesOutWithoutFirstFrame(t *testing.T) {
	device := newFakeDevice(nil)
	device.silent = true

	opts := DefaultOptions()
	opts.ReadyTimeout = 20 * time.Millisecond
	m := NewManager(zap.NewNop().Sugar(), device, opts)

	err := m.Start(context.Background(), FacingEnvironment)
	assert.ErrorIs(t, err, ErrElementUnavailable)
	assert.Equal(t, StateError, m.State())
}

func TestStreamEndingMovesManagerToError(t *testing.T) {
	device := newFakeDevice(makeJPEG(t, 16, 16))
	m := newTestManager(device)
	require.NoError(t, m.Start(context.Background(), FacingEnvironment))

	device.mu.Lock()
	s := device.streams[0]
	device.mu.Unlock()

	s.finish(newError(KindDeviceBusy, "stream", errors.New("unplugged")))

	require.Eventually(t, func() bool { return m.State() == StateError }, time.Second, 5*time.Millisecond)
	assert.ErrorIs(t, m.LastError(), ErrDeviceBusy)
	assert.False(t, m.HasStream())

	_, held, _ := device.snapshot()
	assert.Zero(t, held)
}

func TestStartReplacesPreviousStream(t *testing.T) {
	device := newFakeDevice(makeJPEG(t, 16, 16))
	m := newTestManager(device)

	require.NoError(t, m.Start(context.Background(), FacingEnvironment))
	require.NoError(t, m.Start(context.Background(), FacingEnvironment))
	defer m.Stop()

	_, held, maxHeld := device.snapshot()
	assert.Equal(t, 1, held)
	assert.Equal(t, 1, maxHeld)
}
