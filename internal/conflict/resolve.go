package conflict

//go:generate mockgen -source=resolve.go -destination=mock_decider_test.go -package=conflict

import (
	"context"
	"fmt"
	"path"
	"sync"
	"time"
)

// Resolution is what to do with a conflicting upload.
type Resolution string

const (
	ResolutionSkip      Resolution = "skip"
	ResolutionOverwrite Resolution = "overwrite"
	ResolutionRename    Resolution = "rename"
)

// Valid reports whether r is a known resolution.
func (r Resolution) Valid() bool {
	switch r {
	case ResolutionSkip, ResolutionOverwrite, ResolutionRename:
		return true
	}

	return false
}

// Decision is a resolution for one conflict. ApplyToAll makes it stick for
// every later conflict in the run.
type Decision struct {
	Resolution Resolution
	NewName    string
	ApplyToAll bool
}

// Request describes a conflict awaiting a decision.
type Request struct {
	LocalPath      string
	RemotePath     string
	Classification Classification
}

// Decider produces a decision for a conflict, typically by asking a human.
type Decider interface {
	Decide(ctx context.Context, req Request) (Decision, error)
}

// Resolver turns conflicts into decisions. A decision marked ApplyToAll is
// remembered until the next Reset and answers every later conflict without
// consulting the Decider.
type Resolver struct {
	decider Decider
	now     func() time.Time

	mu     sync.Mutex
	sticky *Decision

	// askMu serializes Decider calls so only one question is open at a
	// time.
	askMu sync.Mutex
}

// NewResolver creates a Resolver that consults decider when no sticky
// decision is set.
func NewResolver(decider Decider) *Resolver {
	return &Resolver{decider: decider, now: time.Now}
}

// Reset starts a new run. A valid policy becomes the sticky decision; an
// empty policy means every conflict is asked about.
func (r *Resolver) Reset(policy Resolution) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.sticky = nil
	if policy.Valid() {
		r.sticky = &Decision{Resolution: policy, ApplyToAll: true}
	}
}

// Sticky returns the decision applied to all conflicts, if any.
func (r *Resolver) Sticky() (Decision, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.sticky == nil {
		return Decision{}, false
	}

	return *r.sticky, true
}

// Resolve returns the decision for req. It blocks while the Decider is
// asked.
func (r *Resolver) Resolve(ctx context.Context, req Request) (Decision, error) {
	if d, ok := r.Sticky(); ok {
		return r.finalize(d, req), nil
	}

	r.askMu.Lock()
	defer r.askMu.Unlock()

	// An earlier answer may have become sticky while this call waited.
	if d, ok := r.Sticky(); ok {
		return r.finalize(d, req), nil
	}

	if r.decider == nil {
		return Decision{}, fmt.Errorf("no decision available for %s", req.RemotePath)
	}

	d, err := r.decider.Decide(ctx, req)
	if err != nil {
		return Decision{}, fmt.Errorf("deciding conflict for %s: %w", req.RemotePath, err)
	}

	if !d.Resolution.Valid() {
		return Decision{}, fmt.Errorf("invalid resolution %q for %s", d.Resolution, req.RemotePath)
	}

	if d.ApplyToAll {
		sticky := Decision{Resolution: d.Resolution, ApplyToAll: true}

		r.mu.Lock()
		r.sticky = &sticky
		r.mu.Unlock()
	}

	return r.finalize(d, req), nil
}

// finalize fills in a rename target when none was given.
func (r *Resolver) finalize(d Decision, req Request) Decision {
	if d.Resolution == ResolutionRename && d.NewName == "" {
		d.NewName = RenameFor(req.RemotePath, r.now())
	}

	return d
}

// RenameFor returns the conflict name used when a rename has no explicit
// target: conflict_<unix seconds>_<base name>.
func RenameFor(remotePath string, now time.Time) string {
	return fmt.Sprintf("conflict_%d_%s", now.Unix(), path.Base(remotePath))
}
