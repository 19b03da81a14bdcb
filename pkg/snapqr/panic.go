package snapqr

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime/debug"
	"time"

	"github.com/snapqr/snapqr/pkg/snapqr/util"
)

const (
	crashlogFilename        = "snapqr-crash-%s.log"
	crashlogTimestampFormat = "2006.01.02-15.04.05"
	crashMessageTemplate    = `-----------------------------------------------------------------
                        snapqr crashlog
-----------------------------------------------------------------
snapqr has crashed. Please open an issue and attach this log.
-----------------------------------------------------------------
Time: %s
Panic occurred: %s
Stack trace:
%s
-----------------------------------------------------------------
`
)

// recoverFromPanic is deferred at the top of every long-running goroutine.
func (s *SnapQR) recoverFromPanic() {
	if r := recover(); r != nil {
		s.handlePanic(r)
	}
}

// handlePanic writes a crash log, notifies the user and exits.
func (s *SnapQR) handlePanic(recoverValue interface{}) {
	now := time.Now()

	crashlogPath, err := writeCrashLog(LogDirectory, now, recoverValue)
	if err != nil {
		panic(err)
	}

	s.logger.Errorw("Application panic encountered",
		"crashlogPath", crashlogPath,
		"error", recoverValue)

	s.notifier.Notify("Unexpected crash occurred",
		fmt.Sprintf("Details logged to: %s", crashlogPath))

	s.logger.Errorw("Exiting due to panic", "exitCode", 1)
	s.logger.Sync()
	os.Exit(1)
}

func writeCrashLog(dir string, timestamp time.Time, recoverValue interface{}) (string, error) {
	if err := util.EnsureDirExists(dir); err != nil {
		return "", fmt.Errorf("failed to create log directory: %w", err)
	}

	path := filepath.Join(dir, fmt.Sprintf(crashlogFilename, timestamp.Format(crashlogTimestampFormat)))
	content := fmt.Sprintf(crashMessageTemplate,
		timestamp.Format(crashlogTimestampFormat),
		recoverValue,
		debug.Stack(),
	)

	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		return "", fmt.Errorf("failed to write crash log: %w", err)
	}

	return path, nil
}
