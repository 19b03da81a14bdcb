package snapqr

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/snapqr/snapqr/pkg/snapqr/camera"
	"github.com/snapqr/snapqr/pkg/snapqr/scanner"
)

func loadConfig(t *testing.T, path string) (*CanonicalConfig, *recordingNotifier, error) {
	t.Helper()

	notifier := &recordingNotifier{}
	cc, err := NewConfig(zap.NewNop().Sugar(), notifier, path)
	require.NoError(t, err)

	return cc, notifier, cc.Load()
}

func TestLoadConfigFile(t *testing.T) {
	path := writeConfig(t, `
camera:
  backend: snapshot
  snapshot_urls:
    user: http://127.0.0.1:8081/front.jpg
    environment: http://127.0.0.1:8081/back.jpg
  facing: user
  ideal_resolution: 1280x720
  display_size: 640x360
  ready_timeout: 3s
photo:
  format: webp
  quality: 120
scanner:
  mode: accumulate_n
  limit: 5
  suppression_window: 1s
shutter:
  com_port: /dev/ttyUSB0
  baud_rate: 0
  button_mapping:
    "0": [capture, save]
    "4": [scan]
`)

	cc, notifier, err := loadConfig(t, path)
	require.NoError(t, err)
	assert.Empty(t, notifier.titles())

	s := cc.Settings()
	assert.Equal(t, BackendSnapshot, s.Camera.Backend)
	assert.Equal(t, "http://127.0.0.1:8081/front.jpg", s.Camera.SnapshotURLs[camera.FacingUser])
	assert.Equal(t, camera.FacingUser, s.Camera.Facing)
	assert.Equal(t, camera.Resolution{Width: 1280, Height: 720}, s.Camera.Ideal)
	assert.Equal(t, camera.Resolution{Width: 640, Height: 360}, s.Camera.DisplaySize)
	assert.Equal(t, 3*time.Second, s.Camera.ReadyTimeout)

	assert.Equal(t, camera.FormatWebP, s.Photo.Format)
	assert.Equal(t, camera.DefaultQuality, s.Photo.Quality)

	assert.Equal(t, scanner.ModeAccumulateN, s.Scanner.Policy.Mode)
	assert.Equal(t, 5, s.Scanner.Policy.Limit)
	assert.Equal(t, time.Second, s.Scanner.Policy.Window)

	assert.Equal(t, "/dev/ttyUSB0", s.Shutter.COMPort)
	assert.Equal(t, defaultBaudRate, s.Shutter.BaudRate)

	actions, ok := s.Shutter.ButtonMapping.get(0)
	require.True(t, ok)
	assert.Equal(t, []Action{ActionCapture, ActionSave}, actions)
	_, ok = s.Shutter.ButtonMapping.get(1)
	assert.False(t, ok)
}

func TestMissingConfigUsesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "absent.yaml")

	cc, notifier, err := loadConfig(t, path)
	require.NoError(t, err)
	assert.Equal(t, []string{"Missing configuration!"}, notifier.titles())

	s := cc.Settings()
	assert.Equal(t, BackendFFmpeg, s.Camera.Backend)
	assert.Equal(t, "/dev/video0", s.Camera.Devices[camera.FacingEnvironment])
	assert.Equal(t, camera.FacingEnvironment, s.Camera.Facing)
	assert.Equal(t, camera.FormatJPEG, s.Photo.Format)
	assert.Equal(t, scanner.ModeAccumulate, s.Scanner.Policy.Mode)
	assert.Equal(t, scanner.DefaultWindow, s.Scanner.Policy.Window)
	assert.True(t, s.Server.Enabled)
	assert.Equal(t, defaultServerAddress, s.Server.Address)
	assert.Empty(t, s.Shutter.COMPort)

	actions, ok := s.Shutter.ButtonMapping.get(2)
	require.True(t, ok)
	assert.Equal(t, []Action{ActionScan}, actions)
}

func TestInvalidConfigValues(t *testing.T) {
	for name, contents := range map[string]string{
		"scan mode":  "scanner:\n  mode: sometimes\n",
		"facing":     "camera:\n  facing: sideways\n",
		"backend":    "camera:\n  backend: v4l\n",
		"resolution": "camera:\n  max_resolution: huge\n",
		"format":     "photo:\n  format: gif\n",
	} {
		t.Run(name, func(t *testing.T) {
			_, notifier, err := loadConfig(t, writeConfig(t, contents))
			assert.Error(t, err)
			assert.Equal(t, []string{"Invalid configuration!"}, notifier.titles())
		})
	}
}

func TestMalformedYAML(t *testing.T) {
	_, notifier, err := loadConfig(t, writeConfig(t, "camera: [unclosed\n"))
	assert.Error(t, err)
	assert.Len(t, notifier.titles(), 1)
}

func TestEnvironmentOverridesFile(t *testing.T) {
	t.Setenv("SNAPQR_SCANNER_MODE", "single")
	t.Setenv("SNAPQR_SERVER_ADDRESS", "127.0.0.1:9999")

	cc, _, err := loadConfig(t, writeConfig(t, "scanner:\n  mode: accumulate\n"))
	require.NoError(t, err)

	s := cc.Settings()
	assert.Equal(t, scanner.ModeSingleShot, s.Scanner.Policy.Mode)
	assert.Equal(t, "127.0.0.1:9999", s.Server.Address)
}

func TestParseResolution(t *testing.T) {
	for input, expected := range map[string]camera.Resolution{
		"1920x1080":   {Width: 1920, Height: 1080},
		" 640 X 480 ": {Width: 640, Height: 480},
		"":            {},
	} {
		res, err := parseResolution(input)
		require.NoError(t, err, input)
		assert.Equal(t, expected, res, input)
	}

	for _, input := range []string{"1920", "ax1", "1x-1"} {
		_, err := parseResolution(input)
		assert.Error(t, err, input)
	}
}

func TestReloadNotifiesSubscribers(t *testing.T) {
	cc, _, err := loadConfig(t, writeConfig(t, ""))
	require.NoError(t, err)

	first := cc.SubscribeToChanges()
	second := cc.SubscribeToChanges()

	cc.onConfigReloaded()
	// a consumer that hasn't drained yet isn't blocked on
	cc.onConfigReloaded()

	assert.Len(t, first, 1)
	assert.Len(t, second, 1)
}

func TestStopWatchingIsIdempotent(t *testing.T) {
	cc, _, err := loadConfig(t, filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		cc.WatchConfigFileChanges()
		close(done)
	}()

	cc.StopWatchingConfigFile()
	cc.StopWatchingConfigFile()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("watcher did not stop")
	}
}
