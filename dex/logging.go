// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package dex

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/decred/slog"
)

// Every component constructor will accept a Logger. All logging should take
// place through the provided logger.
type Logger = slog.Logger

// Level is the logging level.
type Level = slog.Level

// Re-exported log levels so callers need not import slog.
const (
	LevelTrace    = slog.LevelTrace
	LevelDebug    = slog.LevelDebug
	LevelInfo     = slog.LevelInfo
	LevelWarn     = slog.LevelWarn
	LevelError    = slog.LevelError
	LevelCritical = slog.LevelCritical
	LevelOff      = slog.LevelOff
)

// Disabled is a Logger that will never output anything.
var Disabled Logger = slog.Disabled

// LoggerMaker allows creation of new log subsystems with predefined levels.
type LoggerMaker struct {
	*slog.Backend
	DefaultLevel slog.Level
	Levels       map[string]slog.Level
}

// NewLoggerMaker parses the debug level string into a new *LoggerMaker. The
// debugLevel may be a single level applying to every subsystem, or a comma
// separated list of subsystem=level pairs, optionally preceded by a default
// level, e.g. "info,SESS=debug,LEDG=trace".
func NewLoggerMaker(writer io.Writer, debugLevel string) (*LoggerMaker, error) {
	lm := &LoggerMaker{
		Backend:      slog.NewBackend(writer),
		Levels:       make(map[string]slog.Level),
		DefaultLevel: slog.LevelInfo,
	}

	for _, pair := range strings.Split(debugLevel, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		if !strings.Contains(pair, "=") {
			lvl, ok := slog.LevelFromString(pair)
			if !ok {
				return nil, fmt.Errorf("unknown log level %q", pair)
			}
			lm.DefaultLevel = lvl
			continue
		}
		fields := strings.SplitN(pair, "=", 2)
		subsys, lvlStr := strings.TrimSpace(fields[0]), strings.TrimSpace(fields[1])
		if subsys == "" {
			return nil, fmt.Errorf("empty subsystem in log level pair %q", pair)
		}
		lvl, ok := slog.LevelFromString(lvlStr)
		if !ok {
			return nil, fmt.Errorf("unknown log level %q for subsystem %s", lvlStr, subsys)
		}
		lm.Levels[subsys] = lvl
	}

	return lm, nil
}

// SubLogger creates a Logger with a subsystem name "parent[name]", using any
// known log level for the parent subsystem, defaulting to the DefaultLevel if
// the parent does not have an explicitly set level.
func (lm *LoggerMaker) SubLogger(parent, name string) Logger {
	// Use the parent logger's log level, if set.
	level, ok := lm.Levels[parent]
	if !ok {
		level = lm.DefaultLevel
	}
	logger := lm.Backend.Logger(fmt.Sprintf("%s[%s]", parent, name))
	logger.SetLevel(level)
	return logger
}

// NewLogger creates a new Logger for the subsystem with the given name. If a
// log level is specified, it is used for the Logger. Otherwise the level set
// for the subsystem, or the DefaultLevel, is used.
func (lm *LoggerMaker) NewLogger(name string, level ...slog.Level) Logger {
	lvl, ok := lm.Levels[name]
	if !ok {
		lvl = lm.DefaultLevel
	}
	if len(level) > 0 {
		lvl = level[0]
	}
	logger := lm.Backend.Logger(name)
	logger.SetLevel(lvl)
	return logger
}

// StdOutLogger creates a Logger with the provided name with lvl as the log
// level and prints to standard out.
func StdOutLogger(name string, lvl slog.Level) Logger {
	l := slog.NewBackend(os.Stdout).Logger(name)
	l.SetLevel(lvl)
	return l
}
