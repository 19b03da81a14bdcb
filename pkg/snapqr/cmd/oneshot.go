package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/snapqr/snapqr/pkg/snapqr"
	"github.com/snapqr/snapqr/pkg/snapqr/camera"
	"github.com/snapqr/snapqr/pkg/snapqr/scanner"
)

const (
	outputText = "text"
	outputJSON = "json"
	outputYAML = "yaml"
)

// stderrNotifier prints notifications instead of raising desktop toasts.
type stderrNotifier struct{}

func (stderrNotifier) Notify(title, message string) {
	fmt.Fprintf(os.Stderr, "%s %s\n", color.YellowString(title), message)
}

func snapCommand() *cobra.Command {
	var (
		facing  string
		output  string
		timeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "snap",
		Short: "Capture a single photo and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			settings, logger, err := loadSettings()
			if err != nil {
				return err
			}
			if output == "" {
				output = settings.Photo.Directory
			}

			cam, mode, err := openCamera(logger, settings, facing)
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			if err := cam.Start(ctx, mode); err != nil {
				return fmt.Errorf("start camera: %s", camera.Message(err))
			}
			defer cam.Stop()

			photo, err := cam.CaptureFrame()
			if err != nil {
				return fmt.Errorf("capture: %s", camera.Message(err))
			}

			path, err := photo.Save(output)
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "%s %s (%dx%d)\n", color.GreenString("saved"), path, photo.Width, photo.Height)
			return nil
		},
	}

	cmd.Flags().StringVarP(&facing, "facing", "f", "", "Camera facing mode (user or environment)")
	cmd.Flags().StringVarP(&output, "output", "o", "", "Directory to save the photo in (defaults to photo.directory)")
	cmd.Flags().DurationVarP(&timeout, "timeout", "t", 15*time.Second, "How long to wait for the camera")

	return cmd
}

func scanCommand() *cobra.Command {
	var (
		facing  string
		format  string
		timeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "scan",
		Short: "Scan a single QR code and print its contents",
		RunE: func(cmd *cobra.Command, args []string) error {
			if format != outputText && format != outputJSON && format != outputYAML {
				return fmt.Errorf("unknown output format %q", format)
			}

			settings, logger, err := loadSettings()
			if err != nil {
				return err
			}

			cam, mode, err := openCamera(logger, settings, facing)
			if err != nil {
				return err
			}

			policy := settings.Scanner.Policy
			policy.Mode = scanner.ModeSingleShot

			m := scanner.NewManager(logger, cam, snapqr.NewDecoder(settings.Scanner), scanner.Options{
				Policy:      policy,
				Interval:    settings.Scanner.Interval,
				Facing:      mode,
				DisplaySize: settings.Camera.DisplaySize,
			})
			results := m.SubscribeToResults()

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			if err := m.Start(ctx); err != nil {
				return fmt.Errorf("start camera: %s", camera.Message(err))
			}
			defer m.Stop()

			select {
			case result := <-results:
				return printResult(cmd.OutOrStdout(), format, result)
			case <-ctx.Done():
				return errors.New("no QR code found before the timeout")
			}
		},
	}

	cmd.Flags().StringVarP(&facing, "facing", "f", "", "Camera facing mode (user or environment)")
	cmd.Flags().StringVar(&format, "format", outputText, "Output format: text, json or yaml")
	cmd.Flags().DurationVarP(&timeout, "timeout", "t", 30*time.Second, "How long to scan before giving up")

	return cmd
}

func loadSettings() (snapqr.Settings, *zap.SugaredLogger, error) {
	logger, err := cliLogger()
	if err != nil {
		return snapqr.Settings{}, nil, err
	}

	config, err := snapqr.NewConfig(logger, stderrNotifier{}, configPath)
	if err != nil {
		return snapqr.Settings{}, nil, err
	}
	if err := config.Load(); err != nil {
		return snapqr.Settings{}, nil, err
	}

	return config.Settings(), logger, nil
}

func openCamera(logger *zap.SugaredLogger, settings snapqr.Settings, facing string) (*camera.Manager, camera.FacingMode, error) {
	mode := settings.Camera.Facing
	if facing != "" {
		parsed, err := camera.ParseFacingMode(facing)
		if err != nil {
			return nil, "", err
		}
		mode = parsed
	}

	device, err := snapqr.NewDevice(logger, settings.Camera)
	if err != nil {
		return nil, "", err
	}

	opts := snapqr.ControllerOptionsFrom(settings)
	return camera.NewManager(logger, device, opts.Camera), mode, nil
}

func printResult(w io.Writer, format string, result scanner.Result) error {
	switch format {
	case outputJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(result)

	case outputYAML:
		enc := yaml.NewEncoder(w)
		defer enc.Close()
		return enc.Encode(result)
	}

	if result.IsURL() {
		link := color.New(color.FgCyan, color.Underline).Sprint(result.LinkTarget())
		_, err := fmt.Fprintln(w, link)
		return err
	}

	_, err := fmt.Fprintln(w, result.Text)
	return err
}
