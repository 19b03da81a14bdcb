// Package snapqr provides a headless camera daemon that captures photos and
// scans QR codes, driven from a tray menu, a local HTTP API or a serial
// shutter button box.
package snapqr

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"reflect"
	"time"

	"go.uber.org/zap"

	"github.com/snapqr/snapqr/pkg/snapqr/camera"
	"github.com/snapqr/snapqr/pkg/snapqr/scanner"
	"github.com/snapqr/snapqr/pkg/snapqr/util"
)

const (
	// EnvNoTray disables the tray icon when set.
	EnvNoTray = "SNAPQR_NO_TRAY_ICON"

	shutdownTimeout = 5 * time.Second
	snapshotTimeout = 5 * time.Second
)

// SnapQR manages the main application components.
type SnapQR struct {
	logger      *zap.SugaredLogger
	notifier    Notifier
	config      *CanonicalConfig
	controller  *Controller
	server      *Server
	shutter     *Shutter
	stopChannel chan bool
	version     string
	verbose     bool

	cameraSettings CameraConfig
}

// NewSnapQR creates a new SnapQR instance reading configPath.
func NewSnapQR(logger *zap.SugaredLogger, configPath string, verbose bool) (*SnapQR, error) {
	logger = logger.Named("snapqr")

	notifier, err := NewToastNotifier(logger)
	if err != nil {
		logger.Errorw("Failed to create notifier", "error", err)
		return nil, fmt.Errorf("failed to create notifier: %w", err)
	}

	config, err := NewConfig(logger, notifier, configPath)
	if err != nil {
		logger.Errorw("Failed to create configuration", "error", err)
		return nil, fmt.Errorf("failed to create configuration: %w", err)
	}

	s := &SnapQR{
		logger:      logger,
		notifier:    notifier,
		config:      config,
		stopChannel: make(chan bool, 1),
		verbose:     verbose,
	}

	logger.Debug("SnapQR instance created successfully")
	return s, nil
}

// Initialize loads the configuration, wires every component and runs the
// application until it's stopped.
func (s *SnapQR) Initialize() error {
	s.logger.Debug("Initializing snapqr")

	if err := s.config.Load(); err != nil {
		s.logger.Errorw("Failed to load configuration", "error", err)
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	settings := s.config.Settings()

	device, err := NewDevice(s.logger, settings.Camera)
	if err != nil {
		s.logger.Errorw("Failed to create capture device", "error", err)
		return fmt.Errorf("failed to create capture device: %w", err)
	}

	s.cameraSettings = settings.Camera
	s.controller = NewController(s.logger, s.notifier, device, NewDecoder(settings.Scanner), ControllerOptionsFrom(settings))

	if settings.Server.Enabled {
		s.server = NewServer(s.logger, s.controller, settings.Server.Address)
	}

	s.shutter = NewShutter(s.logger, s.config)

	s.setupOnConfigReload()
	s.setupInterruptHandler()

	if os.Getenv(EnvNoTray) != "" {
		s.logger.Debug("Running without tray icon")
		s.run()
	} else {
		s.initializeTray(s.run)
	}

	return nil
}

// SetVersion sets the application version for display in the tray menu.
func (s *SnapQR) SetVersion(version string) {
	s.version = version
}

// Verbose indicates whether the application runs in verbose mode.
func (s *SnapQR) Verbose() bool {
	return s.verbose
}

// NewDevice builds the capture device selected by the camera settings.
func NewDevice(logger *zap.SugaredLogger, cfg CameraConfig) (camera.Device, error) {
	switch cfg.Backend {
	case BackendFFmpeg, "":
		return camera.NewFFmpegDevice(logger, cfg.FFmpegPath, cfg.Devices), nil
	case BackendSnapshot:
		client := &http.Client{Timeout: snapshotTimeout}
		return camera.NewSnapshotDevice(logger, client, cfg.SnapshotURLs, cfg.SnapshotInterval, cfg.AllowInsecure), nil
	}
	return nil, fmt.Errorf("unknown camera backend %q", cfg.Backend)
}

// NewDecoder builds the QR decoder for the scanner settings.
func NewDecoder(cfg ScannerConfig) scanner.Decoder {
	return scanner.NewQRDecoder(cfg.TryHarder)
}

// ControllerOptionsFrom maps settings onto controller options.
func ControllerOptionsFrom(settings Settings) ControllerOptions {
	cam := settings.Camera

	return ControllerOptions{
		Camera: camera.Options{
			Ideal:        cam.Ideal,
			Max:          cam.Max,
			FrameRate:    cam.FrameRate,
			DisplaySize:  cam.DisplaySize,
			Format:       settings.Photo.Format,
			Quality:      settings.Photo.Quality,
			ReadyTimeout: cam.ReadyTimeout,
		},
		Facing: cam.Facing,
		Scanner: scanner.Options{
			Policy:      settings.Scanner.Policy,
			Interval:    settings.Scanner.Interval,
			DisplaySize: cam.DisplaySize,
		},
		PhotoDir: settings.Photo.Directory,
	}
}

func (s *SnapQR) setupInterruptHandler() {
	interruptChannel := util.SetupCloseHandler()

	go func() {
		signal := <-interruptChannel
		s.logger.Debugw("Interrupt received", "signal", signal)
		s.signalStop()
	}()
}

// setupOnConfigReload applies reloaded settings to the controller. The
// device is only rebuilt when the camera section changed.
func (s *SnapQR) setupOnConfigReload() {
	configReloadedChannel := s.config.SubscribeToChanges()

	go func() {
		defer s.recoverFromPanic()

		for range configReloadedChannel {
			settings := s.config.Settings()

			var device camera.Device
			if !reflect.DeepEqual(settings.Camera, s.cameraSettings) {
				d, err := NewDevice(s.logger, settings.Camera)
				if err != nil {
					s.logger.Warnw("Ignoring camera settings", "error", err)
				} else {
					device = d
					s.cameraSettings = settings.Camera
				}
			}

			s.controller.Reconfigure(device, ControllerOptionsFrom(settings))
		}
	}()
}

func (s *SnapQR) run() {
	defer s.recoverFromPanic()

	s.logger.Info("Run loop starting")

	go s.config.WatchConfigFileChanges()
	go s.watchCameraErrors(s.controller.SubscribeToChanges())

	if s.server != nil {
		go func() {
			if err := s.server.Start(); err != nil {
				s.notifier.Notify("HTTP API unavailable", err.Error())
			}
		}()
	}

	presses := s.shutter.SubscribeToButtonPresses()
	go s.handleButtonPresses(presses)

	go func() {
		if err := s.shutter.Start(); err != nil {
			s.handleShutterError(err)
		}
	}()

	<-s.stopChannel
	s.logger.Debug("Stop signal received")

	if err := s.stop(); err != nil {
		s.logger.Warnw("Error during shutdown", "error", err)
		os.Exit(1)
	}

	os.Exit(0)
}

func (s *SnapQR) handleButtonPresses(presses <-chan ButtonPressEvent) {
	defer s.recoverFromPanic()

	for press := range presses {
		for _, action := range press.Actions {
			s.perform(context.Background(), action)
		}
	}
}

// perform runs an action on behalf of a tray item or button. Session
// failures show up through the camera error notifications.
func (s *SnapQR) perform(ctx context.Context, action Action) {
	err := s.controller.Perform(ctx, action)

	var camErr *camera.Error
	switch {
	case err == nil, errors.As(err, &camErr):
	case errors.Is(err, ErrWrongScreen), errors.Is(err, ErrNoPhoto), errors.Is(err, ErrNoResult), errors.Is(err, ErrNotALink):
		s.logger.Debugw("Action not applicable", "action", action, "reason", err)
	default:
		s.logger.Warnw("Action failed", "action", action, "error", err)
	}

	if action == ActionSave && err == nil {
		s.notifier.Notify("Photo saved", s.config.Settings().Photo.Directory)
	}
}

// watchCameraErrors notifies once for each new session error.
func (s *SnapQR) watchCameraErrors(changes <-chan Status) {
	defer s.recoverFromPanic()

	var lastCamera, lastScanner string
	for status := range changes {
		if msg := status.Camera.Error; msg != "" && msg != lastCamera {
			s.notifier.Notify("Camera error", msg)
		}
		if msg := status.Scanner.Error; msg != "" && msg != lastScanner {
			s.notifier.Notify("Scanner error", msg)
		}
		lastCamera, lastScanner = status.Camera.Error, status.Scanner.Error
	}
}

func (s *SnapQR) handleShutterError(err error) {
	switch {
	case errors.Is(err, ErrShutterDisabled):
		s.logger.Debug("No shutter port configured")
	case errors.Is(err, os.ErrPermission):
		s.logger.Warnw("Serial port busy", "comPort", s.config.Settings().Shutter.COMPort)
		s.notifier.Notify("Serial port busy!",
			"Close other applications using the port and try again.")
	case errors.Is(err, os.ErrNotExist):
		s.logger.Warnw("Invalid serial port configuration", "comPort", s.config.Settings().Shutter.COMPort)
		s.notifier.Notify("Invalid serial port!",
			"Ensure the correct port is set in the configuration.")
	default:
		s.logger.Warnw("Unknown error during shutter start", "error", err)
	}
}

func (s *SnapQR) signalStop() {
	s.logger.Debug("Sending stop signal")

	select {
	case s.stopChannel <- true:
	default:
	}
}

func (s *SnapQR) stop() error {
	s.logger.Info("Shutting down snapqr")

	s.config.StopWatchingConfigFile()
	s.shutter.Stop()
	s.controller.Close()

	if s.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := s.server.Stop(ctx); err != nil {
			s.logger.Errorw("Failed to stop HTTP API", "error", err)
			return fmt.Errorf("failed to stop http api: %w", err)
		}
	}

	if os.Getenv(EnvNoTray) == "" {
		s.stopTray()
	}
	s.logger.Sync()
	return nil
}
