// Package logging builds the process loggers.
//
// Every component takes a *log.Logger and prefixes its lines; this package
// owns the output side: stderr by default, teed into a size-rotated file
// when one is configured. The dig-house daemon runs for whole seasons, so
// the file is rotated by lumberjack rather than growing unbounded.
package logging

import (
	"io"
	"log"
	"os"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/lagoi/fieldsync/internal/config"
)

// New returns a stderr logger with the standard fieldsync prefix format.
func New(prefix string) *log.Logger {
	return log.New(os.Stderr, "["+prefix+"] ", log.LstdFlags)
}

// Setup builds the root logger from the log configuration. The returned
// close function flushes the rotating file; without one it is a no-op.
func Setup(prefix string, cfg config.LogConfig) (*log.Logger, func() error) {
	if cfg.File == "" {
		return New(prefix), func() error { return nil }
	}

	rotator := &lumberjack.Logger{
		Filename:   cfg.File,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
	}
	out := io.MultiWriter(os.Stderr, rotator)
	return log.New(out, "["+prefix+"] ", log.LstdFlags), rotator.Close
}
