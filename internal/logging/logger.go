package logging

import (
	"io"
	"log/slog"
	"os"

	"gopkg.in/natefinch/lumberjack.v2"
)

const (
	// logFileMaxSizeMB is the size at which the rotating log file is rolled.
	logFileMaxSizeMB = 20

	// logFileMaxBackups is the number of rolled log files kept on disk.
	logFileMaxBackups = 5

	// logFileMaxAgeDays is how long rolled log files are kept.
	logFileMaxAgeDays = 30
)

// NewLogger creates a structured logger appropriate for the environment.
// Production uses JSON format, development uses human-readable text.
func NewLogger(env string) *slog.Logger {
	return newLogger(env, os.Stdout)
}

// NewFileLogger behaves like NewLogger but also writes every record to a
// size-rotated log file at path. An empty path is the same as NewLogger.
// The returned closer releases the log file.
func NewFileLogger(env, path string) (*slog.Logger, io.Closer) {
	if path == "" {
		return NewLogger(env), io.NopCloser(nil)
	}

	rotator := &lumberjack.Logger{
		Filename:   path,
		MaxSize:    logFileMaxSizeMB,
		MaxBackups: logFileMaxBackups,
		MaxAge:     logFileMaxAgeDays,
	}

	return newLogger(env, io.MultiWriter(os.Stdout, rotator)), rotator
}

func newLogger(env string, w io.Writer) *slog.Logger {
	var handler slog.Handler

	opts := &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}

	if env == "production" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		opts.Level = slog.LevelDebug
		handler = slog.NewTextHandler(w, opts)
	}

	return slog.New(handler)
}
