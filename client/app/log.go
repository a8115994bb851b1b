// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package app

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/jrick/logrotate/rotator"
	"kevacoin.org/kvaelectrum/dex"
)

const (
	maxLogRolls = 8
	// rollSizeKB is the log file size at which it is rotated.
	rollSizeKB = 10 * 1024
)

// logWriter implements an io.Writer that outputs to a rotating log file.
type logWriter struct {
	*rotator.Rotator
	stdout io.Writer
}

// Write writes the data in p to the log file.
func (w logWriter) Write(p []byte) (n int, err error) {
	if w.stdout != nil {
		w.stdout.Write(p)
	}
	return w.Rotator.Write(p)
}

// InitLogging initializes the logging rotator to write logs to logFilename and
// create roll files in the same directory. The returned function closes the
// rotator and should be called on shutdown.
func InitLogging(logFilename, lvl string, stdout bool) (lm *dex.LoggerMaker, closeFn func(), err error) {
	logDirectory := filepath.Dir(logFilename)
	if err := os.MkdirAll(logDirectory, 0700); err != nil {
		return nil, nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	logRotator, err := rotator.New(logFilename, rollSizeKB, false, maxLogRolls)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create file rotator: %w", err)
	}
	w := logWriter{Rotator: logRotator}
	if stdout {
		w.stdout = os.Stdout
	}
	lm, err = dex.NewLoggerMaker(w, lvl)
	if err != nil {
		logRotator.Close()
		return nil, nil, fmt.Errorf("failed to create custom logger: %w", err)
	}
	return lm, func() {
		logRotator.Close()
	}, nil
}
