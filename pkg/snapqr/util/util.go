package util

import (
	"fmt"
	"net/url"
	"os"
	"os/exec"
	"os/signal"
	"runtime"
	"syscall"

	"go.uber.org/zap"
)

// EnsureDirExists creates the given directory path if it doesn't already exist.
func EnsureDirExists(path string) error {
	if err := os.MkdirAll(path, os.ModePerm); err != nil {
		return fmt.Errorf("ensure directory exists (%s): %w", path, err)
	}
	return nil
}

// FileExists checks if a file exists and is not a directory.
func FileExists(filename string) bool {
	info, err := os.Stat(filename)
	if err != nil {
		return false
	}
	return !info.IsDir()
}

// Linux returns true if we're running on Linux.
func Linux() bool {
	return runtime.GOOS == "linux"
}

// SetupCloseHandler creates a listener on a new goroutine that will notify
// the program if it receives an interrupt signal from the OS.
func SetupCloseHandler() chan os.Signal {
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	return c
}

// OpenExternal spawns a detached process running cmd with a single argument,
// e.g. an editor for the config file. The argument is never handed to a shell.
func OpenExternal(logger *zap.SugaredLogger, cmd string, arg string) error {
	return spawn(logger, exec.Command(cmd, arg))
}

// OpenURL opens an http(s) link with the host's default handler.
func OpenURL(logger *zap.SugaredLogger, link string) error {
	parsed, err := url.Parse(link)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
		return fmt.Errorf("refusing to open %q: not an http(s) link", link)
	}

	return spawn(logger, urlOpenerCommand(parsed.String()))
}

// Editor returns the text editor used for the config file.
func Editor() string {
	if editor := os.Getenv("EDITOR"); editor != "" {
		return editor
	}
	return defaultEditor
}

func spawn(logger *zap.SugaredLogger, command *exec.Cmd) error {
	if err := command.Start(); err != nil {
		logger.Warnw("Failed to spawn detached process", "command", command.Path, "args", command.Args, "error", err)
		return fmt.Errorf("spawn detached proc: %w", err)
	}

	// reap it whenever it exits
	go command.Wait()

	return nil
}
