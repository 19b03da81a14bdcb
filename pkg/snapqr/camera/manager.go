package camera

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

const (
	defaultReadyTimeout = 10 * time.Second
	stateConsumerBuffer = 16
)

// Options tune a Manager.
type Options struct {
	Ideal     Resolution
	Max       Resolution
	FrameRate int

	// DisplaySize is used for captures when the live frame doesn't report
	// its native dimensions.
	DisplaySize Resolution

	Format       PhotoFormat
	Quality      int
	ReadyTimeout time.Duration
}

// DefaultOptions returns the preferred resolution envelope and a JPEG encoder
// at DefaultQuality.
func DefaultOptions() Options {
	return Options{
		Ideal:        defaultIdealResolution,
		Max:          defaultMaxResolution,
		DisplaySize:  Resolution{Width: 1280, Height: 720},
		Format:       FormatJPEG,
		Quality:      DefaultQuality,
		ReadyTimeout: defaultReadyTimeout,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.Ideal.Empty() && o.Max.Empty() {
		o.Ideal, o.Max = d.Ideal, d.Max
	}
	if o.DisplaySize.Empty() {
		o.DisplaySize = d.DisplaySize
	}
	if o.Format == "" {
		o.Format = d.Format
	}
	if o.Quality <= 0 || o.Quality > 100 {
		o.Quality = d.Quality
	}
	if o.ReadyTimeout <= 0 {
		o.ReadyTimeout = d.ReadyTimeout
	}
	return o
}

// StateEvent is delivered to state consumers on every transition.
type StateEvent struct {
	State  State
	Facing FacingMode
	Err    error
}

// Manager is a capture session manager. It holds at most one stream; start
// and stop requests go through a single slot, so a new stream is only ever
// acquired after the previous one has been released.
type Manager struct {
	logger *zap.SugaredLogger
	device Device
	opts   Options
	slot   *semaphore.Weighted

	mu          sync.RWMutex
	state       State
	lastErr     error
	facing      FacingMode
	stream      Stream
	cancelStart context.CancelFunc
	consumers   []chan StateEvent
}

// NewManager creates an idle manager for device.
func NewManager(logger *zap.SugaredLogger, device Device, opts Options) *Manager {
	logger = logger.Named("camera")

	m := &Manager{
		logger: logger,
		device: device,
		opts:   opts.withDefaults(),
		slot:   semaphore.NewWeighted(1),
		state:  StateIdle,
		facing: FacingEnvironment,
	}

	logger.Debug("Created camera manager instance")
	return m
}

// Start acquires a stream for facing, releasing any stream held before.
// On failure the manager is left in StateError with a classified error. A
// Stop issued while Start is in flight cancels it and leaves the manager idle.
func (m *Manager) Start(ctx context.Context, facing FacingMode) error {
	if facing == "" {
		facing = FacingEnvironment
	}

	if err := m.slot.Acquire(ctx, 1); err != nil {
		return err
	}
	defer m.slot.Release(1)

	startCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	m.mu.Lock()
	prev := m.stream
	m.stream = nil
	m.cancelStart = cancel
	m.facing = facing
	device, opts := m.device, m.opts
	m.mu.Unlock()

	if prev != nil {
		m.closeStream(prev)
	}

	m.setState(StateInitializing, nil)
	m.logger.Debugw("Starting camera", "facing", facing)

	constraints := Constraints{
		Facing:    facing,
		Ideal:     opts.Ideal,
		Max:       opts.Max,
		FrameRate: opts.FrameRate,
	}

	stream, err := m.acquire(startCtx, device, constraints, opts.ReadyTimeout)
	if errors.Is(err, ErrOverconstrained) && !constraints.IsMinimal() {
		m.logger.Infow("Camera rejected constraints, retrying with defaults", "error", err)
		stream, err = m.acquire(startCtx, device, constraints.Minimal(), opts.ReadyTimeout)
	}

	m.mu.Lock()
	m.cancelStart = nil
	m.mu.Unlock()

	if err != nil {
		if startCtx.Err() != nil {
			m.logger.Debugw("Camera start cancelled", "facing", facing)
			m.setState(StateIdle, nil)
			return startCtx.Err()
		}

		m.logger.Warnw("Failed to start camera", "facing", facing, "kind", KindOf(err), "error", err)
		m.setState(StateError, err)
		return err
	}

	m.mu.Lock()
	m.stream = stream
	m.mu.Unlock()

	m.setState(StateActive, nil)
	m.logger.Infow("Camera started", "facing", facing)

	go m.watch(stream)

	return nil
}

// Stop releases the stream and resets the manager to idle. It always
// succeeds and may be called any number of times.
func (m *Manager) Stop() {
	m.mu.Lock()
	if m.cancelStart != nil {
		m.cancelStart()
	}
	m.mu.Unlock()

	_ = m.slot.Acquire(context.Background(), 1)
	defer m.slot.Release(1)

	m.mu.Lock()
	stream := m.stream
	m.stream = nil
	m.mu.Unlock()

	if stream != nil {
		m.logger.Debug("Stopping camera")
		m.closeStream(stream)
	}

	m.setState(StateIdle, nil)
}

// Toggle restarts the session with the opposite facing mode.
func (m *Manager) Toggle(ctx context.Context) error {
	next := m.Facing().Opposite()
	m.logger.Debugw("Toggling camera", "facing", next)

	m.Stop()
	return m.Start(ctx, next)
}

// Reconfigure swaps the device and options. Running sessions keep their
// stream; the change applies to the next Start.
func (m *Manager) Reconfigure(device Device, opts Options) {
	_ = m.slot.Acquire(context.Background(), 1)
	defer m.slot.Release(1)

	m.mu.Lock()
	defer m.mu.Unlock()

	if device != nil {
		m.device = device
	}
	m.opts = opts.withDefaults()
	m.logger.Debugw("Camera reconfigured", "format", m.opts.Format, "quality", m.opts.Quality)
}

// LatestFrame returns the live frame of an active session.
func (m *Manager) LatestFrame() (*Frame, error) {
	m.mu.RLock()
	state, stream := m.state, m.stream
	m.mu.RUnlock()

	if state != StateActive || stream == nil {
		return nil, newError(KindNotActive, "frame", nil)
	}

	frame, ok := stream.Latest()
	if !ok {
		return nil, newError(KindElementUnavailable, "frame", nil)
	}

	return frame, nil
}

// CaptureFrame samples the live frame into a still photo. It doesn't change
// the session state.
func (m *Manager) CaptureFrame() (*Photo, error) {
	frame, err := m.LatestFrame()
	if err != nil {
		m.logger.Debugw("Capture requested without a live frame", "error", err)
		return nil, err
	}

	img, err := frame.Image()
	if err != nil {
		return nil, newError(KindElementUnavailable, "capture", err)
	}

	m.mu.RLock()
	opts := m.opts
	m.mu.RUnlock()

	// a size the frame didn't report, or one its pixels contradict, is unknown
	size := frame.Size()
	bounds := img.Bounds()
	if size.Empty() || size.Width != bounds.Dx() || size.Height != bounds.Dy() {
		m.logger.Debugw("Frame size unavailable, using display size",
			"reported", size, "decoded", bounds.Size(), "display", opts.DisplaySize)
		size = opts.DisplaySize
	}

	photo, err := encodePhoto(img, size, opts.Format, opts.Quality)
	if err != nil {
		m.logger.Warnw("Failed to capture photo", "error", err)
		return nil, err
	}

	m.logger.Infow("Captured photo", "id", photo.ID, "size", size, "bytes", len(photo.Data))
	return photo, nil
}

// State returns the current activation state.
func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// LastError returns the error that put the manager into StateError.
func (m *Manager) LastError() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastErr
}

// Facing returns the facing mode of the current or last session.
func (m *Manager) Facing() FacingMode {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.facing
}

// HasStream reports whether a stream handle is held.
func (m *Manager) HasStream() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.stream != nil
}

// SubscribeToStateChanges returns a channel receiving every state
// transition. Slow consumers miss events rather than block the manager.
func (m *Manager) SubscribeToStateChanges() chan StateEvent {
	ch := make(chan StateEvent, stateConsumerBuffer)

	m.mu.Lock()
	m.consumers = append(m.consumers, ch)
	m.mu.Unlock()

	return ch
}

func (m *Manager) acquire(ctx context.Context, device Device, c Constraints, readyTimeout time.Duration) (Stream, error) {
	stream, err := device.Open(ctx, c)
	if err != nil {
		return nil, classify("start", err)
	}

	timer := time.NewTimer(readyTimeout)
	defer timer.Stop()

	select {
	case <-stream.Ready():
		return stream, nil

	case <-stream.Done():
		err := stream.Err()
		m.closeStream(stream)
		if err == nil {
			err = newError(KindElementUnavailable, "start", errors.New("stream ended before the first frame"))
		}
		return nil, classify("start", err)

	case <-timer.C:
		m.closeStream(stream)
		return nil, newError(KindElementUnavailable, "start", errors.New("timed out waiting for the first frame"))

	case <-ctx.Done():
		m.closeStream(stream)
		return nil, ctx.Err()
	}
}

// watch moves the manager to StateError when its stream dies on its own.
func (m *Manager) watch(stream Stream) {
	<-stream.Done()

	_ = m.slot.Acquire(context.Background(), 1)
	defer m.slot.Release(1)

	m.mu.Lock()
	if m.stream != stream {
		// released on purpose
		m.mu.Unlock()
		return
	}
	m.stream = nil
	m.mu.Unlock()

	err := stream.Err()
	if err == nil {
		err = newError(KindElementUnavailable, "stream", errors.New("stream ended"))
	}

	m.logger.Warnw("Camera stream ended unexpectedly", "error", err)
	m.closeStream(stream)
	m.setState(StateError, classify("stream", err))
}

func (m *Manager) closeStream(stream Stream) {
	if err := stream.Close(); err != nil {
		m.logger.Warnw("Error releasing camera stream", "error", err)
	} else {
		m.logger.Debug("Camera stream released")
	}
}

func (m *Manager) setState(state State, err error) {
	m.mu.Lock()
	if m.state == state && m.lastErr == err {
		m.mu.Unlock()
		return
	}

	m.state = state
	m.lastErr = err

	event := StateEvent{State: state, Facing: m.facing, Err: err}
	consumers := make([]chan StateEvent, len(m.consumers))
	copy(consumers, m.consumers)
	m.mu.Unlock()

	for _, ch := range consumers {
		select {
		case ch <- event:
		default:
		}
	}
}
