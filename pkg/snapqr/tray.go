package snapqr

import (
	"context"

	"github.com/getlantern/systray"
	"go.uber.org/zap"

	"github.com/snapqr/snapqr/pkg/snapqr/util"
)

type trayItem struct {
	title   string
	tooltip string
	action  Action
}

var trayItems = []trayItem{
	{"Open camera", "Start the live camera preview", ActionCamera},
	{"Take photo", "Capture the current camera frame", ActionCapture},
	{"Save photo", "Save the captured photo to the photo directory", ActionSave},
	{"Switch camera", "Switch between front and back cameras", ActionToggle},
	{"Scan QR code", "Start scanning for QR codes", ActionScan},
	{"Copy result", "Copy the selected scan result", ActionCopy},
	{"Open link", "Open the selected scan result in the browser", ActionOpen},
	{"Back to menu", "Stop the camera and return to the menu", ActionBack},
}

const (
	editConfigTitle   = "Edit configuration"
	editConfigTooltip = "Open config file with a text editor"
	quitTitle         = "Quit"
	quitTooltip       = "Stop snapqr and quit"
)

func (s *SnapQR) initializeTray(onDone func()) {
	logger := s.logger.Named("tray")

	onReady := func() {
		logger.Debug("Tray instance ready")

		systray.SetTitle("snapqr")
		systray.SetTooltip("snapqr")

		actionItems := make(map[*systray.MenuItem]Action, len(trayItems))
		for _, item := range trayItems {
			actionItems[systray.AddMenuItem(item.title, item.tooltip)] = item.action
		}

		systray.AddSeparator()
		editConfig := systray.AddMenuItem(editConfigTitle, editConfigTooltip)

		if s.version != "" {
			systray.AddSeparator()
			versionInfo := systray.AddMenuItem(s.version, "")
			versionInfo.Disable()
		}

		systray.AddSeparator()
		quit := systray.AddMenuItem(quitTitle, quitTooltip)

		for item, action := range actionItems {
			go s.handleTrayAction(logger, item, action)
		}
		go s.handleTrayControls(logger, editConfig, quit)

		onDone()
	}

	onExit := func() {
		logger.Debug("Tray exited")
	}

	logger.Debug("Running in tray")
	systray.Run(onReady, onExit)
}

func (s *SnapQR) handleTrayAction(logger *zap.SugaredLogger, item *systray.MenuItem, action Action) {
	defer s.recoverFromPanic()

	for range item.ClickedCh {
		logger.Infow("Menu item clicked", "action", action)
		s.perform(context.Background(), action)
	}
}

func (s *SnapQR) handleTrayControls(logger *zap.SugaredLogger, editConfig, quit *systray.MenuItem) {
	for {
		select {
		case <-quit.ClickedCh:
			logger.Info("Quit menu item clicked, stopping")
			s.signalStop()

		case <-editConfig.ClickedCh:
			logger.Info("Edit config menu item clicked, opening config for editing")

			if err := util.OpenExternal(logger, util.Editor(), s.config.Path()); err != nil {
				logger.Warnw("Failed to open config file for editing", "error", err)
			}
		}
	}
}

func (s *SnapQR) stopTray() {
	s.logger.Debug("Quitting tray")
	systray.Quit()
}
