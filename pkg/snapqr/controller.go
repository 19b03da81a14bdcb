package snapqr

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/atotto/clipboard"
	"go.uber.org/zap"

	"github.com/snapqr/snapqr/pkg/snapqr/camera"
	"github.com/snapqr/snapqr/pkg/snapqr/scanner"
	"github.com/snapqr/snapqr/pkg/snapqr/util"
)

// Screen is what the user is currently looking at.
type Screen string

const (
	ScreenMenu    Screen = "menu"
	ScreenCamera  Screen = "camera"
	ScreenPhoto   Screen = "photo"
	ScreenScanner Screen = "scanner"
	ScreenResults Screen = "results"
)

const statusConsumerBuffer = 16

var (
	// ErrWrongScreen is returned for actions that the current screen doesn't offer.
	ErrWrongScreen = errors.New("action not available on this screen")

	// ErrNoPhoto is returned when there's no captured photo to act on.
	ErrNoPhoto = errors.New("no photo captured")

	// ErrNotALink is returned when opening a result that doesn't look like a URL.
	ErrNotALink = errors.New("result is not a link")

	// ErrNoResult is returned when a result action has no selected result.
	ErrNoResult = errors.New("no scan result selected")
)

// Clipboard receives copied result text.
type Clipboard interface {
	WriteAll(text string) error
}

type systemClipboard struct{}

func (systemClipboard) WriteAll(text string) error {
	return clipboard.WriteAll(text)
}

// ControllerOptions configure a Controller.
type ControllerOptions struct {
	Camera   camera.Options
	Facing   camera.FacingMode
	Scanner  scanner.Options
	PhotoDir string

	// Clipboard and OpenLink default to the host clipboard and URL opener.
	Clipboard Clipboard
	OpenLink  func(link string) error
}

// SessionStatus describes one camera session.
type SessionStatus struct {
	State     camera.State      `json:"state"`
	Facing    camera.FacingMode `json:"facing,omitempty"`
	Error     string            `json:"error,omitempty"`
	ErrorKind *camera.ErrorKind `json:"error_kind,omitempty"`
}

// ScannerStatus describes the scan session and its results.
type ScannerStatus struct {
	SessionStatus
	Scanning  bool             `json:"scanning"`
	Paused    bool             `json:"paused"`
	Mode      scanner.Mode     `json:"mode"`
	Results   []scanner.Result `json:"results"`
	Selected  string           `json:"selected,omitempty"`
	Highlight *scanner.Rect    `json:"highlight,omitempty"`
}

// Status is a snapshot of everything a surface needs to render.
type Status struct {
	Screen  Screen        `json:"screen"`
	Camera  SessionStatus `json:"camera"`
	Scanner ScannerStatus `json:"scanner"`
	Photo   *camera.Photo `json:"photo,omitempty"`
}

// Controller drives the menu, camera and scanner screens. At most one of
// its two sessions is live at a time.
type Controller struct {
	logger    *zap.SugaredLogger
	notifier  Notifier
	clipboard Clipboard
	openLink  func(link string) error

	camera     *camera.Manager
	scanCamera *camera.Manager
	scanner    *scanner.Manager

	// ops serializes screen switches
	ops sync.Mutex

	mu        sync.RWMutex
	screen    Screen
	photo     *camera.Photo
	photoDir  string
	facing    camera.FacingMode
	consumers []chan Status

	done     chan struct{}
	closeOne sync.Once
}

// NewController creates a controller on the menu screen. Both sessions use
// device; only one of them holds it at a time.
func NewController(logger *zap.SugaredLogger, notifier Notifier, device camera.Device, decoder scanner.Decoder, opts ControllerOptions) *Controller {
	logger = logger.Named("controller")

	if opts.Facing == "" {
		opts.Facing = camera.FacingEnvironment
	}
	if opts.PhotoDir == "" {
		opts.PhotoDir = defaultPhotoDir
	}
	if opts.Clipboard == nil {
		opts.Clipboard = systemClipboard{}
	}
	if opts.OpenLink == nil {
		opts.OpenLink = func(link string) error { return util.OpenURL(logger, link) }
	}
	if opts.Scanner.DisplaySize.Empty() {
		opts.Scanner.DisplaySize = opts.Camera.DisplaySize
	}

	scanCamera := camera.NewManager(logger.Named("scan"), device, opts.Camera)

	c := &Controller{
		logger:     logger,
		notifier:   notifier,
		clipboard:  opts.Clipboard,
		openLink:   opts.OpenLink,
		camera:     camera.NewManager(logger.Named("photo"), device, opts.Camera),
		scanCamera: scanCamera,
		scanner:    scanner.NewManager(logger, scanCamera, decoder, opts.Scanner),
		screen:     ScreenMenu,
		photoDir:   opts.PhotoDir,
		facing:     opts.Facing,
		done:       make(chan struct{}),
	}

	go c.watchSessions(c.camera.SubscribeToStateChanges(), c.scanCamera.SubscribeToStateChanges(), c.scanner.SubscribeToResults())

	logger.Debug("Created controller instance")
	return c
}

// OpenCamera switches to the live camera screen.
func (c *Controller) OpenCamera(ctx context.Context) error {
	c.scanner.Stop()

	c.ops.Lock()
	defer c.ops.Unlock()

	c.scanner.Stop()

	c.mu.Lock()
	c.screen = ScreenCamera
	c.photo = nil
	facing := c.facing
	c.mu.Unlock()
	c.emit()

	c.logger.Infow("Opening camera", "facing", facing)
	return c.settle(c.camera.Start(ctx, facing))
}

// TakePhoto captures the live frame and shows it on the photo screen.
func (c *Controller) TakePhoto() (*camera.Photo, error) {
	if c.Screen() != ScreenCamera {
		return nil, ErrWrongScreen
	}

	photo, err := c.camera.CaptureFrame()
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.photo = photo
	c.screen = ScreenPhoto
	c.mu.Unlock()
	c.emit()

	return photo, nil
}

// RetakePhoto discards the photo and returns to the live preview. The
// stream keeps running throughout.
func (c *Controller) RetakePhoto() error {
	c.mu.Lock()
	if c.screen != ScreenPhoto {
		c.mu.Unlock()
		return ErrWrongScreen
	}
	c.photo = nil
	c.screen = ScreenCamera
	c.mu.Unlock()

	c.emit()
	return nil
}

// Photo returns the photo on the photo screen.
func (c *Controller) Photo() (*camera.Photo, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.photo, c.photo != nil
}

// SavePhoto writes the photo into the photo directory and returns its path.
func (c *Controller) SavePhoto() (string, error) {
	c.mu.RLock()
	photo, dir := c.photo, c.photoDir
	c.mu.RUnlock()

	if photo == nil {
		return "", ErrNoPhoto
	}

	path, err := photo.Save(dir)
	if err != nil {
		c.logger.Warnw("Failed to save photo", "dir", dir, "error", err)
		c.notifier.Notify("Couldn't save photo", err.Error())
		return "", err
	}

	c.logger.Infow("Saved photo", "path", path)
	return path, nil
}

// ToggleCamera restarts the live camera with the opposite facing mode.
func (c *Controller) ToggleCamera(ctx context.Context) error {
	c.ops.Lock()
	defer c.ops.Unlock()

	if c.Screen() != ScreenCamera {
		return ErrWrongScreen
	}

	err := c.settle(c.camera.Toggle(ctx))

	c.mu.Lock()
	c.facing = c.camera.Facing()
	c.mu.Unlock()
	c.emit()

	return err
}

// OpenScanner switches to the scanner screen and starts decoding.
func (c *Controller) OpenScanner(ctx context.Context) error {
	c.camera.Stop()

	c.ops.Lock()
	defer c.ops.Unlock()

	c.camera.Stop()

	c.mu.Lock()
	c.screen = ScreenScanner
	c.photo = nil
	c.mu.Unlock()
	c.emit()

	c.logger.Info("Opening scanner")
	err := c.settle(c.scanner.Start(ctx))
	c.emit()

	return err
}

// ScanAgain clears the results and resumes scanning.
func (c *Controller) ScanAgain(ctx context.Context) error {
	c.ops.Lock()
	defer c.ops.Unlock()

	c.mu.Lock()
	if c.screen != ScreenScanner && c.screen != ScreenResults {
		c.mu.Unlock()
		return ErrWrongScreen
	}
	c.screen = ScreenScanner
	c.mu.Unlock()

	err := c.settle(c.scanner.ScanAgain(ctx))
	c.emit()

	return err
}

// ClearResults empties the result list and keeps scanning.
func (c *Controller) ClearResults() {
	c.scanner.ClearResults()

	c.mu.Lock()
	if c.screen == ScreenResults {
		c.screen = ScreenScanner
	}
	c.mu.Unlock()

	c.emit()
}

// Results returns the results of the scan session.
func (c *Controller) Results() []scanner.Result {
	return c.scanner.Results()
}

// SelectResult marks a result as selected.
func (c *Controller) SelectResult(id string) error {
	if err := c.scanner.Select(id); err != nil {
		return err
	}

	c.emit()
	return nil
}

// CopyResult writes the result text to the clipboard. An empty id means the
// selected result. Failures are reported once and not retried.
func (c *Controller) CopyResult(id string) error {
	result, err := c.result(id)
	if err != nil {
		return err
	}

	if err := c.clipboard.WriteAll(result.Text); err != nil {
		c.logger.Warnw("Failed to copy result", "id", result.ID, "error", err)
		c.notifier.Notify("Couldn't copy to clipboard", err.Error())
		return fmt.Errorf("copy result: %w", err)
	}

	c.logger.Debugw("Copied result to clipboard", "id", result.ID)
	return nil
}

// OpenResult opens a URL-shaped result with the host's link handler. An
// empty id means the selected result.
func (c *Controller) OpenResult(id string) error {
	result, err := c.result(id)
	if err != nil {
		return err
	}

	if !result.IsURL() {
		return ErrNotALink
	}

	target := result.LinkTarget()
	if err := c.openLink(target); err != nil {
		c.logger.Warnw("Failed to open link", "target", target, "error", err)
		c.notifier.Notify("Couldn't open link", target)
		return fmt.Errorf("open result: %w", err)
	}

	c.logger.Infow("Opened link", "target", target)
	return nil
}

// Retry starts the session of the current screen again.
func (c *Controller) Retry(ctx context.Context) error {
	switch c.Screen() {
	case ScreenCamera, ScreenPhoto:
		return c.OpenCamera(ctx)
	case ScreenScanner, ScreenResults:
		return c.OpenScanner(ctx)
	}
	return ErrWrongScreen
}

// Back stops every session and returns to the menu.
func (c *Controller) Back() {
	c.camera.Stop()
	c.scanner.Stop()

	c.ops.Lock()
	defer c.ops.Unlock()

	// a start that held ops may have finished after the first stop
	c.camera.Stop()
	c.scanner.Stop()

	c.mu.Lock()
	c.screen = ScreenMenu
	c.photo = nil
	c.mu.Unlock()

	c.logger.Debug("Back to menu")
	c.emit()
}

// Perform runs a named action. Copy and open act on the selected result.
func (c *Controller) Perform(ctx context.Context, action Action) error {
	c.logger.Debugw("Performing action", "action", action, "screen", c.Screen())

	switch action {
	case ActionCamera:
		return c.OpenCamera(ctx)
	case ActionCapture:
		_, err := c.TakePhoto()
		return err
	case ActionRetake:
		return c.RetakePhoto()
	case ActionSave:
		_, err := c.SavePhoto()
		return err
	case ActionToggle:
		return c.ToggleCamera(ctx)
	case ActionScan:
		return c.OpenScanner(ctx)
	case ActionScanAgain:
		return c.ScanAgain(ctx)
	case ActionCopy:
		return c.CopyResult("")
	case ActionOpen:
		return c.OpenResult("")
	case ActionRetry:
		return c.Retry(ctx)
	case ActionBack:
		c.Back()
		return nil
	}
	return fmt.Errorf("unknown action %q", action)
}

// Screen returns the current screen.
func (c *Controller) Screen() Screen {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.screen
}

// Status returns a snapshot of the controller and both sessions.
func (c *Controller) Status() Status {
	c.mu.RLock()
	screen, photo := c.screen, c.photo
	c.mu.RUnlock()

	scan := ScannerStatus{
		SessionStatus: sessionStatus(c.scanCamera),
		Scanning:      c.scanner.Scanning(),
		Paused:        c.scanner.Paused(),
		Mode:          c.scanner.Policy().Mode,
		Results:       c.scanner.Results(),
		Highlight:     c.scanner.Highlight(),
	}
	if selected, ok := c.scanner.Selected(); ok {
		scan.Selected = selected.ID
	}

	return Status{
		Screen:  screen,
		Camera:  sessionStatus(c.camera),
		Scanner: scan,
		Photo:   photo,
	}
}

// LatestFrame returns the live frame of whichever session is running.
func (c *Controller) LatestFrame() (*camera.Frame, error) {
	switch c.Screen() {
	case ScreenScanner, ScreenResults:
		return c.scanCamera.LatestFrame()
	}
	return c.camera.LatestFrame()
}

// SubscribeToChanges returns a channel receiving a status snapshot after
// every change. Slow consumers miss snapshots rather than block.
func (c *Controller) SubscribeToChanges() chan Status {
	ch := make(chan Status, statusConsumerBuffer)

	c.mu.Lock()
	c.consumers = append(c.consumers, ch)
	c.mu.Unlock()

	return ch
}

// Reconfigure applies new settings. The scan policy applies immediately;
// a non-nil device replaces the capture device and restarts the live
// session on it.
func (c *Controller) Reconfigure(device camera.Device, opts ControllerOptions) {
	c.camera.Reconfigure(device, opts.Camera)
	c.scanCamera.Reconfigure(device, opts.Camera)
	c.scanner.UpdatePolicy(opts.Scanner.Policy)

	c.mu.Lock()
	if opts.PhotoDir != "" {
		c.photoDir = opts.PhotoDir
	}
	if opts.Facing != "" {
		c.facing = opts.Facing
	}
	screen := c.screen
	c.mu.Unlock()

	if device == nil || screen == ScreenMenu {
		c.emit()
		return
	}

	c.logger.Infow("Capture device changed, restarting session", "screen", screen)
	if err := c.Retry(context.Background()); err != nil {
		c.logger.Warnw("Failed to restart session after reconfigure", "error", err)
	}
}

// Close stops both sessions and the background watcher.
func (c *Controller) Close() {
	c.Back()
	c.closeOne.Do(func() { close(c.done) })
}

func (c *Controller) result(id string) (scanner.Result, error) {
	if id == "" {
		result, ok := c.scanner.Selected()
		if !ok {
			return scanner.Result{}, ErrNoResult
		}
		return result, nil
	}

	result, ok := c.scanner.Find(id)
	if !ok {
		return scanner.Result{}, scanner.ErrUnknownResult
	}
	return result, nil
}

// settle drops the cancellation error of a start that a screen switch
// interrupted. Other errors are already reflected in the session state.
func (c *Controller) settle(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (c *Controller) watchSessions(photoStates, scanStates <-chan camera.StateEvent, results <-chan scanner.Result) {
	for {
		select {
		case <-c.done:
			return

		case event := <-photoStates:
			c.logger.Debugw("Camera state changed", "session", "photo", "state", event.State)
			c.emit()

		case event := <-scanStates:
			c.logger.Debugw("Camera state changed", "session", "scan", "state", event.State)
			c.emit()

		case result := <-results:
			c.mu.Lock()
			if c.screen == ScreenScanner {
				c.screen = ScreenResults
			}
			c.mu.Unlock()

			c.logger.Debugw("Scan result received", "id", result.ID)
			c.emit()
		}
	}
}

func (c *Controller) emit() {
	status := c.Status()

	c.mu.RLock()
	consumers := c.consumers
	c.mu.RUnlock()

	for _, ch := range consumers {
		select {
		case ch <- status:
		default:
		}
	}
}

func sessionStatus(m *camera.Manager) SessionStatus {
	status := SessionStatus{
		State:  m.State(),
		Facing: m.Facing(),
	}

	if err := m.LastError(); err != nil {
		kind := camera.KindOf(err)
		status.Error = camera.Message(err)
		status.ErrorKind = &kind
	}

	return status
}
