package pipeline

import (
	"sync"
)

type phase int

const (
	phaseQueued phase = iota + 1
	phaseProcessing
	// phaseWaiting covers a locked file waiting on a retry timer and a
	// conflict waiting on a decision.
	phaseWaiting
)

// tracker is the single owner of per-path pipeline state and of the
// created-directories cache. The fsnotify loop, timers and the worker
// all go through it.
type tracker struct {
	mu    sync.Mutex
	paths map[string]phase
	dirs  map[string]struct{}
}

func newTracker() *tracker {
	return &tracker{
		paths: make(map[string]phase),
		dirs:  make(map[string]struct{}),
	}
}

// busy reports whether path is queued, processing or waiting.
func (t *tracker) busy(path string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	_, ok := t.paths[path]

	return ok
}

// claim marks an idle path as queued. It returns false when the path is
// already known.
func (t *tracker) claim(path string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.paths[path]; ok {
		return false
	}

	t.paths[path] = phaseQueued

	return true
}

// set moves path to ph regardless of its current phase.
func (t *tracker) set(path string, ph phase) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.paths[path] = ph
}

// phase returns the current phase of path, zero when idle.
func (t *tracker) phase(path string) phase {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.paths[path]
}

// release forgets path so it can be enqueued again.
func (t *tracker) release(path string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	delete(t.paths, path)
}

// len returns the number of queued, processing or waiting paths.
func (t *tracker) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	return len(t.paths)
}

func (t *tracker) dirKnown(dir string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	_, ok := t.dirs[dir]

	return ok
}

func (t *tracker) markDir(dir string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.dirs[dir] = struct{}{}
}

// resetDirs empties the created-directories cache, e.g. after the remote
// base URL changed.
func (t *tracker) resetDirs() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.dirs = make(map[string]struct{})
}
