package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/snapqr/snapqr/pkg/snapqr"
)

var (
	gitCommit  string
	versionTag string
	buildType  string

	verbose    bool
	configPath string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "snapqr",
		Short: "Camera capture and QR scanning daemon",
		Long: `snapqr runs in the tray and drives a camera for taking photos and scanning QR codes.
It can be controlled from the tray menu, the local HTTP API or a serial shutter button box.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon()
		},
	}

	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Show verbose logs (useful for debugging the camera)")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "config.yaml", "Path to configuration file")

	rootCmd.AddCommand(snapCommand())
	rootCmd.AddCommand(scanCommand())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runDaemon() error {
	logger, err := snapqr.NewLogger(buildType, verbose)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}

	named := logger.Named("main")
	named.Debug("Created logger")

	if versionTag != "" || gitCommit != "" {
		named.Infow("Version info", "gitCommit", gitCommit, "versionTag", versionTag, "buildType", buildType)
	}

	if verbose {
		named.Debug("Verbose mode enabled, all log messages will be shown")
	}

	s, err := snapqr.NewSnapQR(logger, configPath, verbose)
	if err != nil {
		named.Errorw("Failed to create snapqr instance", "error", err)
		return err
	}

	if versionTag != "" || gitCommit != "" {
		versionIdentifier := versionTag
		if versionIdentifier == "" {
			versionIdentifier = gitCommit
		}
		s.SetVersion(fmt.Sprintf("Version %s-%s", buildType, versionIdentifier))
	}

	if err := s.Initialize(); err != nil {
		named.Errorw("Failed to initialize snapqr", "error", err)
		return err
	}

	return nil
}

// cliLogger logs to stderr in verbose mode and stays quiet otherwise.
func cliLogger() (*zap.SugaredLogger, error) {
	if !verbose {
		return zap.NewNop().Sugar(), nil
	}
	return snapqr.NewLogger(snapqr.BuildTypeDev, true)
}
