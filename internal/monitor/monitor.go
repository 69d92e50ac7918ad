// Package monitor turns filesystem notifications into "ready" events for
// files whose size has stopped changing.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const (
	DefaultStabilityWindow = time.Second
	DefaultRecheck         = 1500 * time.Millisecond
)

// Sink receives files that are ready for upload. Busy reports whether a
// path is already queued or being processed; Enqueue returns false when
// the path was not accepted. Cancel tells the sink a path was removed so
// it can drop any wait it holds for it.
type Sink interface {
	Busy(path string) bool
	Enqueue(path string) bool
	Cancel(path string)
}

// Config configures a Monitor.
type Config struct {
	Root         string
	Extensions   []string
	Recursive    bool
	ScanExisting bool

	// StabilityWindow is how long a file's size must stay the same.
	StabilityWindow time.Duration
	// Recheck is the delay before a tracked file is looked at again when
	// no new event arrives.
	Recheck time.Duration
	// PollInterval enables periodic rescans. Zero disables them.
	PollInterval time.Duration

	Logger *slog.Logger
}

type tracked struct {
	size  int64
	since time.Time
	timer *time.Timer
}

// Monitor tracks files from first sighting until their size is stable,
// then hands them to the Sink exactly once.
type Monitor struct {
	cfg    Config
	sink   Sink
	filter Filter
	logger *slog.Logger

	mu      sync.Mutex
	pending map[string]*tracked
	stopped bool
}

// New creates a Monitor for cfg.Root.
func New(cfg Config, sink Sink) *Monitor {
	if cfg.StabilityWindow <= 0 {
		cfg.StabilityWindow = DefaultStabilityWindow
	}

	if cfg.Recheck <= 0 {
		cfg.Recheck = DefaultRecheck
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Monitor{
		cfg:     cfg,
		sink:    sink,
		filter:  NewFilter(cfg.Extensions),
		logger:  logger,
		pending: make(map[string]*tracked),
	}
}

// Observe records a sighting of path. A new path starts a stability
// check; a known path whose size changed restarts it; a known path whose
// size held for longer than the window is handed to the Sink.
func (m *Monitor) Observe(path string) {
	if !m.filter.Allow(path) {
		return
	}

	info, err := os.Stat(path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			m.logger.Warn("cannot stat file", slog.String("path", path), slog.String("error", err.Error()))
		}

		m.Forget(path)

		return
	}

	if !info.Mode().IsRegular() {
		return
	}

	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}

	now := time.Now()
	size := info.Size()

	t, ok := m.pending[path]
	if !ok {
		if m.sink.Busy(path) {
			m.mu.Unlock()
			return
		}

		t = &tracked{size: size, since: now}
		m.pending[path] = t
		m.armLocked(path, t)
		m.mu.Unlock()

		m.logger.Debug("tracking file", slog.String("path", path), slog.Int64("size", size))

		return
	}

	if size != t.size {
		t.size = size
		t.since = now
		m.armLocked(path, t)
		m.mu.Unlock()

		return
	}

	if now.Sub(t.since) <= m.cfg.StabilityWindow {
		m.armLocked(path, t)
		m.mu.Unlock()

		return
	}

	t.timer.Stop()
	delete(m.pending, path)
	m.mu.Unlock()

	if m.sink.Enqueue(path) {
		m.logger.Info("file ready", slog.String("path", path), slog.Int64("size", size))
	}
}

// armLocked (re)starts the recheck timer for path. Callers hold m.mu.
func (m *Monitor) armLocked(path string, t *tracked) {
	if t.timer != nil {
		t.timer.Stop()
	}

	t.timer = time.AfterFunc(m.cfg.Recheck, func() { m.Observe(path) })
}

// Forget drops path from tracking, e.g. after it was removed or renamed.
func (m *Monitor) Forget(path string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if t, ok := m.pending[path]; ok {
		t.timer.Stop()
		delete(m.pending, path)
	}
}

// Pending returns the number of files awaiting stability.
func (m *Monitor) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.pending)
}

// Stop cancels every stability timer. Later observations are ignored.
func (m *Monitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.stopped = true

	for path, t := range m.pending {
		t.timer.Stop()
		delete(m.pending, path)
	}
}

// Rescan walks the root and observes every candidate file. It is used for
// the initial scan and for polling.
func (m *Monitor) Rescan() error {
	return m.scanDir(m.cfg.Root)
}

func (m *Monitor) scanDir(dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			// Directories can vanish mid-walk.
			if os.IsNotExist(err) {
				return nil
			}

			return err
		}

		if d.IsDir() {
			if path == dir {
				return nil
			}

			if !m.cfg.Recursive || m.filter.SkipDir(path) {
				return filepath.SkipDir
			}

			return nil
		}

		m.Observe(path)

		return nil
	})
}

// Run watches the root until ctx is cancelled. All timers are stopped on
// return.
func (m *Monitor) Run(ctx context.Context) error {
	defer m.Stop()

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	defer watcher.Close()

	if err := m.addWatches(watcher, m.cfg.Root); err != nil {
		return fmt.Errorf("watching %s: %w", m.cfg.Root, err)
	}

	m.logger.Info("file monitor started",
		slog.String("dir", m.cfg.Root),
		slog.Bool("recursive", m.cfg.Recursive),
		slog.Any("extensions", m.cfg.Extensions),
	)

	if m.cfg.ScanExisting {
		if err := m.Rescan(); err != nil {
			m.logger.Warn("initial scan failed", slog.String("error", err.Error()))
		}
	}

	var poll <-chan time.Time

	if m.cfg.PollInterval > 0 {
		ticker := time.NewTicker(m.cfg.PollInterval)
		defer ticker.Stop()

		poll = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return fmt.Errorf("fsnotify events channel closed unexpectedly")
			}

			m.handleEvent(watcher, event)

		case err, ok := <-watcher.Errors:
			if !ok {
				return fmt.Errorf("fsnotify errors channel closed unexpectedly")
			}

			m.logger.Warn("watcher error", slog.String("error", err.Error()))

		case <-poll:
			if err := m.Rescan(); err != nil {
				m.logger.Warn("poll scan failed", slog.String("error", err.Error()))
			}
		}
	}
}

func (m *Monitor) handleEvent(watcher *fsnotify.Watcher, event fsnotify.Event) {
	if event.Has(fsnotify.Create) || event.Has(fsnotify.Write) {
		info, err := os.Lstat(event.Name)
		if err != nil {
			m.Forget(event.Name)
			return
		}

		if info.IsDir() {
			if !event.Has(fsnotify.Create) || !m.cfg.Recursive || m.filter.SkipDir(event.Name) {
				return
			}

			if err := m.addWatches(watcher, event.Name); err != nil {
				m.logger.Warn("watching new directory", slog.String("dir", event.Name), slog.String("error", err.Error()))
			}

			// Files may have landed before the watch was added.
			if err := m.scanDir(event.Name); err != nil {
				m.logger.Warn("scanning new directory", slog.String("dir", event.Name), slog.String("error", err.Error()))
			}

			return
		}

		m.Observe(event.Name)

		return
	}

	if event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
		// For rename, fsnotify fires Rename on the old path and Create on
		// the new one.
		m.Forget(event.Name)
		m.sink.Cancel(event.Name)
		_ = watcher.Remove(event.Name)
	}
}

func (m *Monitor) addWatches(watcher *fsnotify.Watcher, dir string) error {
	if !m.cfg.Recursive {
		return watcher.Add(dir)
	}

	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		if !d.IsDir() {
			return nil
		}

		if path != dir && m.filter.SkipDir(path) {
			return filepath.SkipDir
		}

		return watcher.Add(path)
	})
}
