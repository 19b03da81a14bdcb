package snapqr

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/snapqr/snapqr/pkg/snapqr/camera"
	"github.com/snapqr/snapqr/pkg/snapqr/scanner"
	"github.com/snapqr/snapqr/pkg/snapqr/util"
)

// CanonicalConfig provides centralized access to configuration fields
type CanonicalConfig struct {
	logger             *zap.SugaredLogger
	notifier           Notifier
	path               string
	stopWatcherChannel chan struct{}

	mu              sync.RWMutex
	settings        Settings
	reloadConsumers []chan bool

	userConfig *viper.Viper
}

// Settings is one consistent snapshot of the configuration.
type Settings struct {
	Camera  CameraConfig
	Photo   PhotoConfig
	Scanner ScannerConfig
	Server  ServerConfig
	Shutter ShutterConfig
}

// CameraConfig selects and tunes the capture device.
type CameraConfig struct {
	Backend          string
	FFmpegPath       string
	Devices          map[camera.FacingMode]string
	SnapshotURLs     map[camera.FacingMode]string
	SnapshotInterval time.Duration
	AllowInsecure    bool
	Facing           camera.FacingMode
	Ideal            camera.Resolution
	Max              camera.Resolution
	DisplaySize      camera.Resolution
	FrameRate        int
	ReadyTimeout     time.Duration
}

// PhotoConfig controls still capture encoding and where saved photos go.
type PhotoConfig struct {
	Format    camera.PhotoFormat
	Quality   int
	Directory string
}

// ScannerConfig controls the decode loop and its result policy.
type ScannerConfig struct {
	Policy    scanner.Policy
	Interval  time.Duration
	TryHarder bool
}

// ServerConfig controls the local HTTP API.
type ServerConfig struct {
	Enabled bool
	Address string
}

// ShutterConfig groups the hardware shutter's serial port settings
type ShutterConfig struct {
	COMPort       string
	BaudRate      int
	ButtonMapping *buttonMap
}

const (
	BackendFFmpeg   = "ffmpeg"
	BackendSnapshot = "snapshot"
)

const (
	defaultConfigFilepath = "config.yaml"
	configType            = "yaml"
	envPrefix             = "SNAPQR"

	configKeyBackend          = "camera.backend"
	configKeyFFmpegPath       = "camera.ffmpeg_path"
	configKeyDevices          = "camera.devices"
	configKeySnapshotURLs     = "camera.snapshot_urls"
	configKeySnapshotInterval = "camera.snapshot_interval"
	configKeyAllowInsecure    = "camera.allow_insecure"
	configKeyFacing           = "camera.facing"
	configKeyIdealResolution  = "camera.ideal_resolution"
	configKeyMaxResolution    = "camera.max_resolution"
	configKeyDisplaySize      = "camera.display_size"
	configKeyFrameRate        = "camera.frame_rate"
	configKeyReadyTimeout     = "camera.ready_timeout"

	configKeyPhotoFormat    = "photo.format"
	configKeyPhotoQuality   = "photo.quality"
	configKeyPhotoDirectory = "photo.directory"

	configKeyScanMode          = "scanner.mode"
	configKeyScanLimit         = "scanner.limit"
	configKeySuppressionWindow = "scanner.suppression_window"
	configKeyScanInterval      = "scanner.interval"
	configKeyTryHarder         = "scanner.try_harder"

	configKeyServerEnabled = "server.enabled"
	configKeyServerAddress = "server.address"

	configKeyCOMPort       = "shutter.com_port"
	configKeyBaudRate      = "shutter.baud_rate"
	configKeyButtonMapping = "shutter.button_mapping"

	defaultBaudRate      = 9600
	defaultServerAddress = "127.0.0.1:8420"
	defaultPhotoDir      = "photos"
)

var defaultButtonMapping = map[string][]string{
	"0": {string(ActionCapture)},
	"1": {string(ActionToggle)},
	"2": {string(ActionScan)},
	"3": {string(ActionBack)},
}

// NewConfig initializes the configuration manager. An empty path means
// config.yaml in the working directory.
func NewConfig(logger *zap.SugaredLogger, notifier Notifier, path string) (*CanonicalConfig, error) {
	logger = logger.Named("config")

	if path == "" {
		path = defaultConfigFilepath
	}

	cc := &CanonicalConfig{
		logger:             logger,
		notifier:           notifier,
		path:               path,
		reloadConsumers:    make([]chan bool, 0),
		stopWatcherChannel: make(chan struct{}),
		userConfig:         initializeViper(path),
	}

	logger.Debugw("Created configuration instance", "path", path)
	return cc, nil
}

// initializeViper creates a Viper instance with every default set and
// SNAPQR_ environment overrides enabled.
func initializeViper(path string) *viper.Viper {
	config := viper.New()
	config.SetConfigFile(path)
	config.SetConfigType(configType)

	config.SetEnvPrefix(envPrefix)
	config.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	config.AutomaticEnv()

	defaults := camera.DefaultOptions()
	for key, value := range map[string]interface{}{
		configKeyBackend:          BackendFFmpeg,
		configKeyFFmpegPath:       "ffmpeg",
		configKeyDevices:          map[string]string{string(camera.FacingEnvironment): "/dev/video0"},
		configKeySnapshotURLs:     map[string]string{},
		configKeySnapshotInterval: 200 * time.Millisecond,
		configKeyAllowInsecure:    false,
		configKeyFacing:           string(camera.FacingEnvironment),
		configKeyIdealResolution:  defaults.Ideal.String(),
		configKeyMaxResolution:    defaults.Max.String(),
		configKeyDisplaySize:      defaults.DisplaySize.String(),
		configKeyFrameRate:        30,
		configKeyReadyTimeout:     defaults.ReadyTimeout,

		configKeyPhotoFormat:    string(camera.FormatJPEG),
		configKeyPhotoQuality:   camera.DefaultQuality,
		configKeyPhotoDirectory: defaultPhotoDir,

		configKeyScanMode:          string(scanner.ModeAccumulate),
		configKeyScanLimit:         0,
		configKeySuppressionWindow: scanner.DefaultWindow,
		configKeyScanInterval:      100 * time.Millisecond,
		configKeyTryHarder:         false,

		configKeyServerEnabled: true,
		configKeyServerAddress: defaultServerAddress,

		configKeyCOMPort:       "",
		configKeyBaudRate:      defaultBaudRate,
		configKeyButtonMapping: defaultButtonMapping,
	} {
		config.SetDefault(key, value)
	}

	return config
}

// Path returns the config file location.
func (cc *CanonicalConfig) Path() string {
	return cc.path
}

// Settings returns the current configuration snapshot.
func (cc *CanonicalConfig) Settings() Settings {
	cc.mu.RLock()
	defer cc.mu.RUnlock()
	return cc.settings
}

// Load reads and validates the config file. A missing file is reported and
// the defaults are used.
func (cc *CanonicalConfig) Load() error {
	cc.logger.Debugw("Loading user configuration", "path", cc.path)

	if err := cc.readUserConfig(); err != nil {
		return err
	}

	settings, err := cc.populateFromViper()
	if err != nil {
		cc.logger.Warnw("Invalid configuration values", "error", err)
		cc.notifier.Notify("Invalid configuration!", err.Error())
		return err
	}

	cc.mu.Lock()
	cc.settings = settings
	cc.mu.Unlock()

	cc.logger.Debugw("Configuration populated successfully",
		"backend", settings.Camera.Backend,
		"scanMode", settings.Scanner.Policy.Mode,
		"server", settings.Server.Address,
		"buttons", settings.Shutter.ButtonMapping)

	return nil
}

// SubscribeToChanges allows external components to receive updates when the config is reloaded
func (cc *CanonicalConfig) SubscribeToChanges() chan bool {
	c := make(chan bool, 1)

	cc.mu.Lock()
	cc.reloadConsumers = append(cc.reloadConsumers, c)
	cc.mu.Unlock()

	return c
}

// WatchConfigFileChanges starts watching for configuration file changes
// and attempts reloading the config when they happen. It blocks until
// StopWatchingConfigFile is called.
func (cc *CanonicalConfig) WatchConfigFileChanges() {
	if !util.FileExists(cc.path) {
		cc.logger.Debugw("No config file to watch", "path", cc.path)
		<-cc.stopWatcherChannel
		return
	}

	cc.logger.Debugw("Starting to watch user config file for changes", "path", cc.path)

	const (
		minTimeBetweenReloadAttempts = 500 * time.Millisecond
		delayBetweenEventAndReload   = 50 * time.Millisecond
	)

	lastAttemptedReload := time.Now()

	cc.userConfig.OnConfigChange(func(event fsnotify.Event) {
		if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
			return
		}

		// editors tend to write twice
		now := time.Now()
		if !lastAttemptedReload.Add(minTimeBetweenReloadAttempts).Before(now) {
			return
		}
		lastAttemptedReload = now

		cc.logger.Debugw("Config file modified, attempting reload", "event", event)

		// let the editor flush the new contents
		<-time.After(delayBetweenEventAndReload)

		if err := cc.Load(); err != nil {
			cc.logger.Warnw("Failed to reload config file", "error", err)
			return
		}

		cc.logger.Info("Reloaded config successfully")
		cc.notifier.Notify("Configuration reloaded!", "Your changes have been applied.")
		cc.onConfigReloaded()
	})
	cc.userConfig.WatchConfig()

	<-cc.stopWatcherChannel
	cc.logger.Debug("Stopping user config file watcher")
	cc.userConfig.OnConfigChange(func(fsnotify.Event) {})
}

// StopWatchingConfigFile signals our filesystem watcher to stop
func (cc *CanonicalConfig) StopWatchingConfigFile() {
	select {
	case <-cc.stopWatcherChannel:
	default:
		close(cc.stopWatcherChannel)
	}
}

// readUserConfig loads the user-provided configuration
func (cc *CanonicalConfig) readUserConfig() error {
	if !util.FileExists(cc.path) {
		cc.handleMissingConfig()
		return nil
	}

	if err := cc.userConfig.ReadInConfig(); err != nil {
		return cc.handleConfigError("user config", err)
	}
	return nil
}

// handleMissingConfig notifies the user that defaults are in effect
func (cc *CanonicalConfig) handleMissingConfig() {
	cc.logger.Warnw("Configuration file not found, using defaults", "path", cc.path)
	cc.notifier.Notify("Missing configuration!", fmt.Sprintf(
		"%s not found, running with default settings.", cc.path))
}

// handleConfigError processes errors during config file loading
func (cc *CanonicalConfig) handleConfigError(configName string, err error) error {
	cc.logger.Warnw("Failed to load configuration", "config", configName, "error", err)

	if strings.Contains(err.Error(), "yaml:") {
		cc.notifier.Notify("Invalid configuration format!",
			"Ensure the YAML file is properly formatted.")
	} else {
		cc.notifier.Notify("Error loading configuration!", "Check logs for more details.")
	}
	return fmt.Errorf("read %s: %w", configName, err)
}

func (cc *CanonicalConfig) onConfigReloaded() {
	cc.mu.RLock()
	consumers := cc.reloadConsumers
	cc.mu.RUnlock()

	cc.logger.Debug("Notifying consumers about configuration reload")

	for _, consumer := range consumers {
		select {
		case consumer <- true:
		default:
		}
	}
}

// populateFromViper reads every field into a new Settings value
func (cc *CanonicalConfig) populateFromViper() (Settings, error) {
	v := cc.userConfig
	var s Settings

	facing, err := camera.ParseFacingMode(v.GetString(configKeyFacing))
	if err != nil {
		return s, err
	}

	resolutions := make(map[string]camera.Resolution)
	for _, key := range []string{configKeyIdealResolution, configKeyMaxResolution, configKeyDisplaySize} {
		res, err := parseResolution(v.GetString(key))
		if err != nil {
			return s, fmt.Errorf("%s: %w", key, err)
		}
		resolutions[key] = res
	}

	devices, err := facingMap(v.GetStringMapString(configKeyDevices))
	if err != nil {
		return s, fmt.Errorf("%s: %w", configKeyDevices, err)
	}
	urls, err := facingMap(v.GetStringMapString(configKeySnapshotURLs))
	if err != nil {
		return s, fmt.Errorf("%s: %w", configKeySnapshotURLs, err)
	}

	backend := strings.ToLower(v.GetString(configKeyBackend))
	if backend != BackendFFmpeg && backend != BackendSnapshot {
		return s, fmt.Errorf("%s: unknown backend %q", configKeyBackend, backend)
	}

	s.Camera = CameraConfig{
		Backend:          backend,
		FFmpegPath:       v.GetString(configKeyFFmpegPath),
		Devices:          devices,
		SnapshotURLs:     urls,
		SnapshotInterval: v.GetDuration(configKeySnapshotInterval),
		AllowInsecure:    v.GetBool(configKeyAllowInsecure),
		Facing:           facing,
		Ideal:            resolutions[configKeyIdealResolution],
		Max:              resolutions[configKeyMaxResolution],
		DisplaySize:      resolutions[configKeyDisplaySize],
		FrameRate:        v.GetInt(configKeyFrameRate),
		ReadyTimeout:     v.GetDuration(configKeyReadyTimeout),
	}

	format, err := camera.ParsePhotoFormat(v.GetString(configKeyPhotoFormat))
	if err != nil {
		return s, err
	}
	s.Photo = PhotoConfig{
		Format:    format,
		Quality:   cc.validateQuality(v.GetInt(configKeyPhotoQuality)),
		Directory: v.GetString(configKeyPhotoDirectory),
	}

	mode, err := scanner.ParseMode(v.GetString(configKeyScanMode))
	if err != nil {
		return s, err
	}
	s.Scanner = ScannerConfig{
		Policy: scanner.Policy{
			Mode:   mode,
			Limit:  v.GetInt(configKeyScanLimit),
			Window: v.GetDuration(configKeySuppressionWindow),
		},
		Interval:  v.GetDuration(configKeyScanInterval),
		TryHarder: v.GetBool(configKeyTryHarder),
	}

	s.Server = ServerConfig{
		Enabled: v.GetBool(configKeyServerEnabled),
		Address: v.GetString(configKeyServerAddress),
	}

	s.Shutter = ShutterConfig{
		COMPort:       v.GetString(configKeyCOMPort),
		BaudRate:      cc.validateBaudRate(v.GetInt(configKeyBaudRate)),
		ButtonMapping: buttonMapFromConfig(cc.logger, v.GetStringMapStringSlice(configKeyButtonMapping)),
	}

	return s, nil
}

// validateQuality keeps the encoder quality within 1..100
func (cc *CanonicalConfig) validateQuality(quality int) int {
	if quality > 0 && quality <= 100 {
		return quality
	}
	cc.logger.Warnw("Invalid photo quality specified, using default", "invalidValue", quality, "defaultValue", camera.DefaultQuality)
	return camera.DefaultQuality
}

// validateBaudRate checks for a valid baud rate, returning a default if invalid
func (cc *CanonicalConfig) validateBaudRate(baudRate int) int {
	if baudRate > 0 {
		return baudRate
	}
	cc.logger.Warnw("Invalid baud rate specified, using default", "invalidValue", baudRate, "defaultValue", defaultBaudRate)
	return defaultBaudRate
}

// parseResolution reads "WIDTHxHEIGHT". An empty value is the zero Resolution.
func parseResolution(s string) (camera.Resolution, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" {
		return camera.Resolution{}, nil
	}

	w, h, ok := strings.Cut(s, "x")
	if !ok {
		return camera.Resolution{}, fmt.Errorf("invalid resolution %q, expected WIDTHxHEIGHT", s)
	}

	width, err := strconv.Atoi(strings.TrimSpace(w))
	if err != nil || width < 0 {
		return camera.Resolution{}, fmt.Errorf("invalid resolution width %q", w)
	}
	height, err := strconv.Atoi(strings.TrimSpace(h))
	if err != nil || height < 0 {
		return camera.Resolution{}, fmt.Errorf("invalid resolution height %q", h)
	}

	return camera.Resolution{Width: width, Height: height}, nil
}

func facingMap(raw map[string]string) (map[camera.FacingMode]string, error) {
	result := make(map[camera.FacingMode]string, len(raw))
	for key, value := range raw {
		if value == "" {
			continue
		}

		facing, err := camera.ParseFacingMode(key)
		if err != nil {
			return nil, err
		}
		result[facing] = value
	}
	return result, nil
}
