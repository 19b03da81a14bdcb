// Package scanner runs a decode loop against a live camera session and
// reports each newly seen code once per suppression window.
package scanner

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/snapqr/snapqr/pkg/snapqr/camera"
)

const (
	defaultInterval      = 100 * time.Millisecond
	resultConsumerBuffer = 16
)

// ErrUnknownResult is returned when selecting a result that isn't held.
var ErrUnknownResult = errors.New("scanner: unknown result")

// Camera is the capture session a scan manager samples frames from.
type Camera interface {
	Start(ctx context.Context, facing camera.FacingMode) error
	Stop()
	LatestFrame() (*camera.Frame, error)
	State() camera.State
	LastError() error
}

// Options tune a Manager.
type Options struct {
	Policy Policy

	// Interval is how often the loop samples the live frame. Frames that
	// were already decoded are skipped.
	Interval time.Duration

	Facing      camera.FacingMode
	DisplaySize camera.Resolution
}

func (o Options) withDefaults() Options {
	o.Policy = o.Policy.withDefaults()
	if o.Interval <= 0 {
		o.Interval = defaultInterval
	}
	if o.Facing == "" {
		o.Facing = camera.FacingEnvironment
	}
	return o
}

// Manager is a scan session manager. It owns its camera session and the
// decode loop running against it.
type Manager struct {
	logger  *zap.SugaredLogger
	camera  Camera
	decoder Decoder

	mu         sync.RWMutex
	opts       Options
	suppress   *suppressionWindow
	results    []Result
	selected   string
	highlight  *Rect
	paused     bool
	loopCancel context.CancelFunc
	loopDone   chan struct{}
	consumers  []chan Result
}

// NewManager creates an idle scan manager.
func NewManager(logger *zap.SugaredLogger, cam Camera, decoder Decoder, opts Options) *Manager {
	logger = logger.Named("scanner")
	opts = opts.withDefaults()

	m := &Manager{
		logger:   logger,
		camera:   cam,
		decoder:  decoder,
		opts:     opts,
		suppress: newSuppressionWindow(opts.Policy.Window),
	}

	logger.Debugw("Created scan manager instance", "mode", opts.Policy.Mode, "window", opts.Policy.Window)
	return m
}

// Start acquires the camera and begins decoding. Camera failures are
// returned and leave the camera in its error state.
func (m *Manager) Start(ctx context.Context) error {
	m.stopLoop()

	m.mu.RLock()
	facing := m.opts.Facing
	m.mu.RUnlock()

	if err := m.camera.Start(ctx, facing); err != nil {
		m.logger.Warnw("Failed to start scanner camera", "error", err)
		return err
	}

	// a concurrent Stop may have released the camera already
	if m.camera.State() != camera.StateActive {
		m.logger.Debug("Camera stopped before scanning began")
		return nil
	}

	m.startLoop()
	m.logger.Info("Scanning started")

	return nil
}

// Stop halts the loop, resets the decoder, releases the camera and clears
// every result. It may be called any number of times.
func (m *Manager) Stop() {
	m.stopLoop()
	m.decoder.Reset()
	m.camera.Stop()

	m.mu.Lock()
	tracked := m.suppress.Len()
	m.clearLocked()
	m.paused = false
	m.mu.Unlock()

	m.logger.Debugw("Scanner stopped", "suppressedTexts", tracked)
}

// ClearResults empties results and the suppression window. The camera
// session is left alone.
func (m *Manager) ClearResults() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.clearLocked()
	m.logger.Debug("Scan results cleared")
}

// ScanAgain clears results and resumes decoding, restarting the camera if
// it isn't running.
func (m *Manager) ScanAgain(ctx context.Context) error {
	m.ClearResults()

	if m.camera.State() != camera.StateActive {
		return m.Start(ctx)
	}

	m.startLoop()
	m.logger.Debug("Scanning resumed")

	return nil
}

// Results returns a copy of the accepted results, oldest first.
func (m *Manager) Results() []Result {
	m.mu.RLock()
	defer m.mu.RUnlock()

	results := make([]Result, len(m.results))
	copy(results, m.results)
	return results
}

// Select marks the result with id as selected.
func (m *Manager) Select(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.findLocked(id); !ok {
		return ErrUnknownResult
	}

	m.selected = id
	return nil
}

// Selected returns the selected result.
func (m *Manager) Selected() (Result, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.findLocked(m.selected)
}

// Find returns the result with id.
func (m *Manager) Find(id string) (Result, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.findLocked(id)
}

// Highlight returns the display-scaled rectangle of the code in the most
// recent frame, or nil.
func (m *Manager) Highlight() *Rect {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.highlight == nil {
		return nil
	}
	rect := *m.highlight
	return &rect
}

// Scanning reports whether the decode loop runs against an active camera.
func (m *Manager) Scanning() bool {
	m.mu.RLock()
	running := m.loopCancel != nil
	m.mu.RUnlock()

	return running && m.camera.State() == camera.StateActive
}

// Paused reports whether a single-shot scan stopped after its result.
func (m *Manager) Paused() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.paused
}

// State returns the state of the underlying camera session.
func (m *Manager) State() camera.State {
	return m.camera.State()
}

// LastError returns the camera session's error.
func (m *Manager) LastError() error {
	return m.camera.LastError()
}

// Policy returns the active result policy.
func (m *Manager) Policy() Policy {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.opts.Policy
}

// UpdatePolicy applies a new result policy. Changing the window starts a
// fresh suppression window.
func (m *Manager) UpdatePolicy(p Policy) {
	p = p.withDefaults()

	m.mu.Lock()
	defer m.mu.Unlock()

	if p.Window != m.opts.Policy.Window {
		m.suppress = newSuppressionWindow(p.Window)
	}
	m.opts.Policy = p

	if limit := p.capacity(); limit > 0 && len(m.results) > limit {
		m.results = m.results[len(m.results)-limit:]
	}

	m.logger.Infow("Scan policy updated", "mode", p.Mode, "limit", p.Limit, "window", p.Window)
}

// SubscribeToResults returns a channel receiving every accepted result.
// Slow consumers miss results rather than stall the loop.
func (m *Manager) SubscribeToResults() chan Result {
	ch := make(chan Result, resultConsumerBuffer)

	m.mu.Lock()
	m.consumers = append(m.consumers, ch)
	m.mu.Unlock()

	return ch
}

func (m *Manager) startLoop() {
	m.mu.Lock()
	if m.loopCancel != nil {
		m.mu.Unlock()
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	m.loopCancel, m.loopDone = cancel, done
	m.paused = false
	interval := m.opts.Interval
	m.mu.Unlock()

	go m.loop(ctx, done, interval)
}

func (m *Manager) stopLoop() {
	m.mu.Lock()
	cancel, done := m.loopCancel, m.loopDone
	m.loopCancel, m.loopDone = nil, nil
	m.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
}

func (m *Manager) loop(ctx context.Context, done chan struct{}, interval time.Duration) {
	defer close(done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var lastSeq uint64
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		frame, err := m.camera.LatestFrame()
		if err != nil || frame.Seq == lastSeq {
			continue
		}
		lastSeq = frame.Seq

		if m.scanFrame(frame) {
			m.pause(done)
			return
		}
	}
}

// pause detaches a loop that finished a single-shot scan.
func (m *Manager) pause(done chan struct{}) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.loopDone != done {
		return
	}

	m.loopCancel()
	m.loopCancel, m.loopDone = nil, nil
	m.paused = true
	m.logger.Debug("Single-shot scan complete, paused")
}

// scanFrame decodes one frame and reports whether the loop should stop.
func (m *Manager) scanFrame(frame *camera.Frame) bool {
	img, err := frame.Image()
	if err != nil {
		m.logger.Debugw("Skipping undecodable frame", "seq", frame.Seq, "error", err)
		return false
	}

	detection, err := m.decoder.Decode(img)
	if errors.Is(err, ErrNotFound) {
		m.setHighlight(nil)
		return false
	}
	if err != nil {
		m.logger.Debugw("Decode attempt failed", "seq", frame.Seq, "error", err)
		return false
	}

	size := frame.Size()
	if size.Empty() {
		b := img.Bounds()
		size = camera.Resolution{Width: b.Dx(), Height: b.Dy()}
	}

	m.mu.RLock()
	display := m.opts.DisplaySize
	m.mu.RUnlock()

	rect := HighlightFor(detection.Points, size, display)
	m.setHighlight(rect)

	return m.accept(detection.Text, rect)
}

func (m *Manager) accept(text string, rect *Rect) bool {
	m.mu.Lock()

	if !m.suppress.Accept(text) {
		m.mu.Unlock()
		return false
	}

	result := Result{
		ID:        uuid.NewString(),
		Text:      text,
		FoundAt:   time.Now(),
		Highlight: rect,
	}

	policy := m.opts.Policy
	m.results = append(m.results, result)
	if limit := policy.capacity(); limit > 0 && len(m.results) > limit {
		m.results = m.results[len(m.results)-limit:]
	}
	m.selected = result.ID

	consumers := make([]chan Result, len(m.consumers))
	copy(consumers, m.consumers)
	m.mu.Unlock()

	m.logger.Infow("Code detected", "id", result.ID, "text", text, "url", result.IsURL())

	for _, ch := range consumers {
		select {
		case ch <- result:
		default:
		}
	}

	return policy.Mode == ModeSingleShot
}

func (m *Manager) setHighlight(rect *Rect) {
	m.mu.Lock()
	m.highlight = rect
	m.mu.Unlock()
}

func (m *Manager) clearLocked() {
	m.results = nil
	m.selected = ""
	m.highlight = nil
	m.suppress.Flush()
}

func (m *Manager) findLocked(id string) (Result, bool) {
	if id == "" {
		return Result{}, false
	}
	for _, r := range m.results {
		if r.ID == id {
			return r, true
		}
	}
	return Result{}, false
}
