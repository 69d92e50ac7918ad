// Package retry re-attempts files that are still being written by another
// process. Producers such as acquisition instruments hold files open for a
// long time, so the first check waits a while and later checks repeat at a
// shorter interval until an attempt limit is reached.
package retry

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"sync"
	"time"

	apperrors "github.com/alexjbarnes/davbridge/internal/errors"
)

const (
	DefaultInitialWait = 30 * time.Minute
	DefaultInterval    = 5 * time.Minute
	DefaultMaxAttempts = 10
)

// ExhaustedError is reported when a file is still locked after the last
// attempt.
type ExhaustedError struct {
	Path     string
	Attempts int
	Elapsed  time.Duration
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("file still locked after %d attempts (elapsed %s)", e.Attempts, e.Elapsed.Round(time.Second))
}

func (e *ExhaustedError) Unwrap() error { return apperrors.ErrFileLocked }

// Config configures a Scheduler. Zero durations and counts take defaults.
type Config struct {
	InitialWait time.Duration
	Interval    time.Duration
	MaxAttempts int

	// OnReady is called when a file has become accessible.
	OnReady func(path string)
	// OnStatus receives progress messages for a waiting file.
	OnStatus func(path, msg string)
	// OnGiveUp is called once when the attempts run out.
	OnGiveUp func(err *ExhaustedError)
	// OnGone is called when a waiting file was deleted. The file leaves
	// the scheduler without using up its attempts.
	OnGone func(path string)

	// Probe reports whether a file can be read. Defaults to Accessible.
	Probe  func(path string) error
	Logger *slog.Logger
}

type entry struct {
	timer   *time.Timer
	attempt int
	started time.Time
}

// Scheduler owns one timer per waiting file.
type Scheduler struct {
	cfg    Config
	logger *slog.Logger

	mu      sync.Mutex
	pending map[string]*entry
	stopped bool
}

// New creates a Scheduler.
func New(cfg Config) *Scheduler {
	if cfg.InitialWait <= 0 {
		cfg.InitialWait = DefaultInitialWait
	}

	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}

	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}

	if cfg.Probe == nil {
		cfg.Probe = Accessible
	}

	if cfg.OnReady == nil {
		cfg.OnReady = func(string) {}
	}

	if cfg.OnStatus == nil {
		cfg.OnStatus = func(string, string) {}
	}

	if cfg.OnGiveUp == nil {
		cfg.OnGiveUp = func(*ExhaustedError) {}
	}

	if cfg.OnGone == nil {
		cfg.OnGone = func(string) {}
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Scheduler{
		cfg:     cfg,
		logger:  logger,
		pending: make(map[string]*entry),
	}
}

// Schedule starts waiting for path. Scheduling a path that is already
// waiting replaces its timer and restarts the attempt count.
func (s *Scheduler) Schedule(path string) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}

	if old, ok := s.pending[path]; ok {
		old.timer.Stop()
	}

	e := &entry{started: time.Now()}
	e.timer = time.AfterFunc(s.cfg.InitialWait, func() { s.fire(path, e) })
	s.pending[path] = e
	s.mu.Unlock()

	s.logger.Info("file locked, retry scheduled",
		slog.String("path", path),
		slog.Duration("wait", s.cfg.InitialWait),
	)
	s.cfg.OnStatus(path, fmt.Sprintf("file locked, retrying in %s", s.cfg.InitialWait))
}

func (s *Scheduler) fire(path string, e *entry) {
	s.mu.Lock()
	if s.stopped || s.pending[path] != e {
		s.mu.Unlock()
		return
	}

	e.attempt++
	attempt := e.attempt
	s.mu.Unlock()

	err := s.cfg.Probe(path)

	s.mu.Lock()
	// Cancelled or superseded while probing.
	if s.stopped || s.pending[path] != e {
		s.mu.Unlock()
		return
	}

	if err == nil {
		delete(s.pending, path)
		s.mu.Unlock()

		s.logger.Info("locked file is now accessible", slog.String("path", path), slog.Int("attempt", attempt))
		s.cfg.OnReady(path)

		return
	}

	if errors.Is(err, fs.ErrNotExist) {
		delete(s.pending, path)
		s.mu.Unlock()

		s.logger.Info("locked file was removed", slog.String("path", path), slog.Int("attempt", attempt))
		s.cfg.OnGone(path)

		return
	}

	if attempt >= s.cfg.MaxAttempts {
		delete(s.pending, path)
		s.mu.Unlock()

		exhausted := &ExhaustedError{Path: path, Attempts: attempt, Elapsed: time.Since(e.started)}
		s.logger.Warn("giving up on locked file", slog.String("path", path), slog.String("error", exhausted.Error()))
		s.cfg.OnGiveUp(exhausted)

		return
	}

	e.timer = time.AfterFunc(s.cfg.Interval, func() { s.fire(path, e) })
	s.mu.Unlock()

	s.cfg.OnStatus(path, fmt.Sprintf("file still locked, attempt %d/%d", attempt, s.cfg.MaxAttempts))
}

// Cancel stops waiting for path. It reports whether path was waiting.
func (s *Scheduler) Cancel(path string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.pending[path]
	if !ok {
		return false
	}

	e.timer.Stop()
	delete(s.pending, path)

	return true
}

// Pending reports whether path is waiting for a retry.
func (s *Scheduler) Pending(path string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.pending[path]

	return ok
}

// Len returns the number of waiting files.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.pending)
}

// Stop cancels every timer. Later calls to Schedule are ignored.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stopped = true

	for path, e := range s.pending {
		e.timer.Stop()
		delete(s.pending, path)
	}
}

// Accessible opens path and reads one byte. Any failure means the file is
// still held by its writer.
func Accessible(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("%w: %s: %w", apperrors.ErrFileLocked, path, err)
	}
	defer f.Close()

	var b [1]byte
	if _, err := f.Read(b[:]); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: %s: %w", apperrors.ErrFileLocked, path, err)
	}

	return nil
}
