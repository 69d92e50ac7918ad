package pipeline

import (
	"log/slog"
	"strconv"
	"time"

	"golang.org/x/time/rate"
)

// Listener receives per-file lifecycle events. Calls come from the worker,
// from retry timers and from conflict goroutines, so implementations must
// be safe for concurrent use and must not block.
type Listener interface {
	OnProgress(path string, done, total int64)
	OnStatus(path, msg string)
	OnComplete(path string, ok bool, msg string)
}

// LogListener writes lifecycle events to a structured logger. Progress is
// logged at most once per interval.
type LogListener struct {
	logger   *slog.Logger
	progress rate.Sometimes
}

// NewLogListener creates a LogListener. An interval of zero logs progress
// every 5 seconds.
func NewLogListener(logger *slog.Logger, interval time.Duration) *LogListener {
	if interval <= 0 {
		interval = 5 * time.Second
	}

	return &LogListener{
		logger:   logger,
		progress: rate.Sometimes{Interval: interval},
	}
}

func (l *LogListener) OnProgress(path string, done, total int64) {
	l.progress.Do(func() {
		pct := 100.0
		if total > 0 {
			pct = float64(done) * 100 / float64(total)
		}

		l.logger.Info("upload progress",
			slog.String("path", path),
			slog.Int64("done", done),
			slog.Int64("total", total),
			slog.String("percent", strconv.FormatFloat(pct, 'f', 1, 64)),
		)
	})
}

func (l *LogListener) OnStatus(path, msg string) {
	l.logger.Info(msg, slog.String("path", path))
}

func (l *LogListener) OnComplete(path string, ok bool, msg string) {
	if ok {
		l.logger.Info("transfer complete", slog.String("path", path), slog.String("result", msg))
		return
	}

	l.logger.Error("transfer failed", slog.String("path", path), slog.String("error", msg))
}

type nopListener struct{}

func (nopListener) OnProgress(string, int64, int64) {}
func (nopListener) OnStatus(string, string)         {}
func (nopListener) OnComplete(string, bool, string) {}
