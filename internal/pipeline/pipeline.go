// Package pipeline moves ready files through checksum, remote comparison,
// conflict resolution, upload, verification and recording, one file at a
// time.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/alexjbarnes/davbridge/internal/checksum"
	"github.com/alexjbarnes/davbridge/internal/conflict"
	apperrors "github.com/alexjbarnes/davbridge/internal/errors"
	"github.com/alexjbarnes/davbridge/internal/metrics"
	"github.com/alexjbarnes/davbridge/internal/retry"
	"github.com/alexjbarnes/davbridge/internal/state"
	"github.com/alexjbarnes/davbridge/internal/verify"
	"golang.org/x/text/unicode/norm"
)

// DefaultQueueSize bounds the number of files waiting for the worker.
const DefaultQueueSize = 256

// Transfer results, used as the metrics label and in tests.
const (
	ResultUploaded  = "uploaded"
	ResultIdentical = "identical"
	ResultUnchanged = "unchanged"
	ResultSkipped   = "skipped"
	ResultFailed    = "failed"
	ResultLocked    = "locked"
)

// Store persists transfer records and the checksum cache. *state.State
// satisfies it.
type Store interface {
	checksum.Store
	GetTransfer(filePath string) (*state.TransferRecord, error)
	SetTransfer(rec state.TransferRecord) error
}

// QueueItem is one unit of work for the worker. Resolved is set when the
// item carries the answer to an earlier conflict.
type QueueItem struct {
	Path     string
	Resolved *Resolved
}

// Resolved is a conflict decision waiting to be applied. RemoteSize is
// the size of the conflicting remote copy when the question was asked.
type Resolved struct {
	RemotePath string
	RemoteSize int64
	Decision   conflict.Decision
}

// Config configures a Pipeline. Nil collaborators take defaults built on
// the Remote.
type Config struct {
	// LocalRoot is the watched directory. RemoteRoot is the collection
	// files are uploaded into.
	LocalRoot  string
	RemoteRoot string

	// PreserveStructure mirrors paths relative to LocalRoot. Otherwise
	// every file lands directly in RemoteRoot.
	PreserveStructure bool

	Verify         bool
	StoreChecksums bool

	// Policy is applied to every conflict when set; empty means ask the
	// Decider. A nil Decider skips every conflict.
	Policy  conflict.Resolution
	Decider conflict.Decider

	QueueSize int

	// Retry holds the locked-file timing. Its callbacks are owned by the
	// pipeline.
	Retry retry.Config

	// Probe checks that a local file can be read. Defaults to
	// retry.Accessible.
	Probe func(path string) error

	Verifier   Verifier
	Classifier Classifier
	Listener   Listener
	Logger     *slog.Logger
}

// Pipeline is the upload orchestrator. Enqueue is safe to call from any
// goroutine; Run consumes the queue on a single worker.
type Pipeline struct {
	cfg        Config
	remote     Remote
	store      Store
	cache      *checksum.Cache
	verifier   Verifier
	classifier Classifier
	resolver   *conflict.Resolver
	retry      *retry.Scheduler
	listener   Listener
	logger     *slog.Logger

	tracker *tracker
	queue   chan QueueItem

	done     chan struct{}
	stopOnce sync.Once
}

// New creates a Pipeline.
func New(cfg Config, remote Remote, store Store, cache *checksum.Cache) *Pipeline {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}

	if cfg.Probe == nil {
		cfg.Probe = retry.Accessible
	}

	if cfg.RemoteRoot == "" {
		cfg.RemoteRoot = "/"
	}

	if cfg.Decider == nil {
		cfg.Decider = conflict.PolicyDecider{Resolution: conflict.ResolutionSkip}
	}

	p := &Pipeline{
		cfg:        cfg,
		remote:     remote,
		store:      store,
		cache:      cache,
		verifier:   cfg.Verifier,
		classifier: cfg.Classifier,
		resolver:   conflict.NewResolver(cfg.Decider),
		listener:   cfg.Listener,
		logger:     logger,
		tracker:    newTracker(),
		queue:      make(chan QueueItem, cfg.QueueSize),
		done:       make(chan struct{}),
	}

	if p.verifier == nil {
		p.verifier = verify.New(remote, logger)
	}

	if p.classifier == nil {
		p.classifier = conflict.NewClassifier(remote, logger)
	}

	if p.listener == nil {
		p.listener = nopListener{}
	}

	rc := cfg.Retry
	rc.Probe = cfg.Probe
	rc.Logger = logger
	rc.OnReady = p.lockedReady
	rc.OnStatus = p.listener.OnStatus
	rc.OnGiveUp = p.lockedGaveUp
	rc.OnGone = p.lockedGone
	p.retry = retry.New(rc)

	return p
}

// Busy reports whether path is queued, processing or waiting on a retry
// or a conflict decision.
func (p *Pipeline) Busy(path string) bool {
	return p.tracker.busy(path)
}

// Enqueue hands a ready file to the worker. It never blocks: a path that
// is already known, a full queue or a stopped pipeline all return false.
func (p *Pipeline) Enqueue(path string) bool {
	select {
	case <-p.done:
		return false
	default:
	}

	if !p.tracker.claim(path) {
		return false
	}

	select {
	case p.queue <- QueueItem{Path: path}:
		metrics.SetQueueDepth(p.tracker.len())
		return true
	default:
		p.tracker.release(path)
		p.logger.Warn("upload queue full, file left for the next scan", slog.String("path", path))

		return false
	}
}

// Cancel drops path when it is waiting for a locked-file retry, e.g.
// because it was deleted or renamed away. Queued, processing and deciding
// files are left alone; the worker notices a missing file by itself.
func (p *Pipeline) Cancel(path string) {
	if p.retry.Cancel(path) {
		p.finish(path, failed("file no longer exists"))
	}
}

// requeue puts an item the pipeline already owns back on the queue. It
// blocks until there is room or the pipeline stops.
func (p *Pipeline) requeue(item QueueItem) {
	p.tracker.set(item.Path, phaseQueued)

	select {
	case p.queue <- item:
		metrics.SetQueueDepth(p.tracker.len())
	case <-p.done:
		p.tracker.release(item.Path)
	}
}

// Len returns the number of files the pipeline currently owns.
func (p *Pipeline) Len() int {
	return p.tracker.len()
}

// LockedWaiting returns the number of files waiting for a writer to
// release them.
func (p *Pipeline) LockedWaiting() int {
	return p.retry.Len()
}

// Run consumes the queue until ctx is cancelled. The file in flight when
// ctx ends runs to completion on a detached context, so an upload is
// never cut off halfway.
func (p *Pipeline) Run(ctx context.Context) error {
	defer p.stop()

	p.resolver.Reset(p.cfg.Policy)
	p.tracker.resetDirs()

	work := context.WithoutCancel(ctx)

	p.logger.Info("upload pipeline started",
		slog.String("local", p.cfg.LocalRoot),
		slog.String("remote", p.cfg.RemoteRoot),
		slog.Bool("verify", p.cfg.Verify),
	)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case item := <-p.queue:
			p.process(ctx, work, item)
		}
	}
}

func (p *Pipeline) stop() {
	p.stopOnce.Do(func() {
		close(p.done)
		p.retry.Stop()
	})
}

// RemotePath maps a local file to its upload target.
func (p *Pipeline) RemotePath(local string) string {
	name := filepath.Base(local)

	if p.cfg.PreserveStructure && p.cfg.LocalRoot != "" {
		rel, err := filepath.Rel(p.cfg.LocalRoot, local)
		if err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			name = filepath.ToSlash(rel)
		}
	}

	return norm.NFC.String(path.Join(p.cfg.RemoteRoot, name))
}

// outcome is the result of handling one item. Pending means the path is
// parked on a retry timer or a conflict decision and is not finished.
type outcome struct {
	result  string
	ok      bool
	msg     string
	pending bool
}

var parked = outcome{pending: true}

func failed(msg string) outcome {
	return outcome{result: ResultFailed, msg: msg}
}

func (p *Pipeline) process(ctx, work context.Context, item QueueItem) {
	p.tracker.set(item.Path, phaseProcessing)

	out := p.safeHandle(ctx, work, item)
	if out.pending {
		return
	}

	p.finish(item.Path, out)
}

// safeHandle turns a panic in any stage into a failure for that file.
func (p *Pipeline) safeHandle(ctx, work context.Context, item QueueItem) (out outcome) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("panic while processing file",
				slog.String("path", item.Path),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())),
			)

			out = failed(fmt.Sprintf("internal error: %v", r))
		}
	}()

	return p.handle(ctx, work, item)
}

// finish releases path and reports its result.
func (p *Pipeline) finish(path string, out outcome) {
	p.retry.Cancel(path)
	p.tracker.release(path)

	metrics.RecordTransfer(out.result)
	metrics.SetQueueDepth(p.tracker.len())

	if err := p.cache.Save(p.store); err != nil {
		p.logger.Warn("saving checksum cache", slog.String("error", err.Error()))
	}

	p.listener.OnComplete(path, out.ok, out.msg)
}

func (p *Pipeline) handle(ctx, work context.Context, item QueueItem) outcome {
	local := item.Path

	if err := p.cfg.Probe(local); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return failed("file no longer exists")
		}

		return p.waitLocked(local)
	}

	digest, err := p.cache.Get(local)
	if err != nil {
		switch {
		case errors.Is(err, fs.ErrNotExist):
			return failed("file no longer exists")
		case errors.Is(err, apperrors.ErrFileLocked):
			return p.waitLocked(local)
		default:
			return failed(fmt.Sprintf("checksum failed: %v", err))
		}
	}

	remote := p.RemotePath(local)
	if item.Resolved != nil {
		remote = item.Resolved.RemotePath
	} else if out, ok := p.previousOutcome(work, local, digest); ok {
		return out
	}

	var (
		decision   conflict.Decision
		remoteSize int64
	)

	if item.Resolved != nil {
		decision = item.Resolved.Decision
		remoteSize = item.Resolved.RemoteSize
	} else {
		p.listener.OnStatus(local, "comparing with server")

		info, err := p.remote.Stat(work, remote)
		if err != nil {
			return failed(fmt.Sprintf("cannot read remote state: %v", err))
		}

		cls, err := p.classifier.Classify(work, local, remote, info, digest)
		if err != nil {
			return failed(fmt.Sprintf("cannot compare with remote: %v", err))
		}

		switch cls.Status {
		case conflict.StatusNew:
			return p.upload(work, local, remote, digest)

		case conflict.StatusIdentical:
			if err := p.record(state.TransferRecord{FilePath: local, RemotePath: remote, Digest: digest}); err != nil {
				return failed(err.Error())
			}

			return outcome{result: ResultIdentical, ok: true, msg: "identical on server: " + cls.Details}
		}

		req := conflict.Request{LocalPath: local, RemotePath: remote, Classification: cls}

		if _, ok := p.resolver.Sticky(); !ok {
			p.askAsync(ctx, req, info.Size)
			return parked
		}

		decision, err = p.resolver.Resolve(work, req)
		if err != nil {
			return failed(err.Error())
		}

		remoteSize = info.Size
	}

	metrics.RecordConflict(string(decision.Resolution))

	switch decision.Resolution {
	case conflict.ResolutionSkip:
		err := p.record(state.TransferRecord{
			FilePath:   local,
			RemotePath: remote,
			Digest:     digest,
			Skipped:    true,
			RemoteSize: remoteSize,
		})
		if err != nil {
			return failed(err.Error())
		}

		return outcome{result: ResultSkipped, ok: true, msg: "skipped, remote copy differs"}
	case conflict.ResolutionRename:
		remote = path.Join(path.Dir(remote), decision.NewName)
		p.listener.OnStatus(local, "uploading as "+decision.NewName)
	}

	return p.upload(work, local, remote, digest)
}

// previousOutcome repeats the result of an earlier run for this exact
// content while the remote copy that run left behind is still in place.
// The record's own remote path is checked, so a renamed upload counts.
func (p *Pipeline) previousOutcome(ctx context.Context, local, digest string) (outcome, bool) {
	rec, err := p.store.GetTransfer(local)
	if err != nil {
		p.logger.Warn("reading transfer record", slog.String("path", local), slog.String("error", err.Error()))
		return outcome{}, false
	}

	if rec == nil || rec.Digest != digest || rec.RemotePath == "" {
		return outcome{}, false
	}

	if rec.Skipped {
		// A standing decision other than skip takes precedence over an
		// earlier skip.
		if d, ok := p.resolver.Sticky(); ok && d.Resolution != conflict.ResolutionSkip {
			return outcome{}, false
		}

		if rec.RemotePath != p.RemotePath(local) {
			return outcome{}, false
		}
	}

	info, err := p.remote.Stat(ctx, rec.RemotePath)
	if err != nil || !info.Exists {
		return outcome{}, false
	}

	if rec.Skipped {
		if info.Size != rec.RemoteSize {
			return outcome{}, false
		}

		return outcome{result: ResultSkipped, ok: true, msg: "skipped earlier, remote copy differs"}, true
	}

	fi, err := os.Stat(local)
	if err != nil || info.Size != fi.Size() {
		return outcome{}, false
	}

	return outcome{result: ResultUnchanged, ok: true, msg: "already uploaded, unchanged"}, true
}

// ensureDir creates dir and its parents on the server, remembering what
// already exists for the rest of the run.
func (p *Pipeline) ensureDir(ctx context.Context, dir string) error {
	dir = path.Clean("/" + dir)
	if dir == "/" || p.tracker.dirKnown(dir) {
		return nil
	}

	current := ""

	for _, seg := range strings.Split(strings.Trim(dir, "/"), "/") {
		current += "/" + seg
		if p.tracker.dirKnown(current) {
			continue
		}

		if err := p.remote.Mkdir(ctx, current); err != nil {
			return fmt.Errorf("creating %s: %w", current, err)
		}

		p.tracker.markDir(current)
	}

	return nil
}

// askAsync waits for a conflict decision off the worker so other files
// keep moving. The answer comes back through the queue.
func (p *Pipeline) askAsync(ctx context.Context, req conflict.Request, remoteSize int64) {
	p.tracker.set(req.LocalPath, phaseWaiting)
	p.listener.OnStatus(req.LocalPath, "conflict, waiting for a decision")

	go func() {
		d, err := p.resolver.Resolve(ctx, req)
		if err != nil {
			if ctx.Err() != nil {
				p.tracker.release(req.LocalPath)
				return
			}

			p.finish(req.LocalPath, failed(err.Error()))

			return
		}

		p.requeue(QueueItem{
			Path:     req.LocalPath,
			Resolved: &Resolved{RemotePath: req.RemotePath, RemoteSize: remoteSize, Decision: d},
		})
	}()
}

func (p *Pipeline) upload(ctx context.Context, local, remote, digest string) outcome {
	fi, err := os.Stat(local)
	if err != nil {
		return failed(fmt.Sprintf("cannot stat local file: %v", err))
	}

	if err := p.ensureDir(ctx, path.Dir(remote)); err != nil {
		return failed(fmt.Sprintf("cannot create remote directory: %v", err))
	}

	p.listener.OnStatus(local, "uploading")

	start := time.Now()

	err = p.remote.Upload(ctx, local, remote, func(done, total int64) {
		p.listener.OnProgress(local, done, total)
	})
	if err != nil {
		if errors.Is(err, apperrors.ErrFileLocked) {
			return p.waitLocked(local)
		}

		return failed(fmt.Sprintf("upload failed: %v", err))
	}

	metrics.RecordUpload(fi.Size(), time.Since(start))

	if p.cfg.StoreChecksums {
		if err := p.remote.StoreChecksum(ctx, remote, digest); err != nil {
			p.logger.Warn("storing checksum companion",
				slog.String("remote", remote),
				slog.String("error", err.Error()),
			)
		}
	}

	if !p.cfg.Verify {
		return outcome{result: ResultUploaded, ok: true, msg: "uploaded (not verified)"}
	}

	p.listener.OnStatus(local, "verifying")

	res := p.verifier.Verify(ctx, local, remote, digest)
	metrics.RecordVerification(string(res.Method), res.OK)

	if !res.OK {
		return failed("verification failed: " + res.Reason)
	}

	if err := p.record(state.TransferRecord{FilePath: local, RemotePath: remote, Digest: digest}); err != nil {
		return failed(err.Error())
	}

	return outcome{result: ResultUploaded, ok: true, msg: "uploaded, " + res.Reason}
}

func (p *Pipeline) record(rec state.TransferRecord) error {
	rec.Timestamp = time.Now()

	if err := p.store.SetTransfer(rec); err != nil {
		return fmt.Errorf("recording transfer: %w", err)
	}

	return nil
}

// waitLocked parks a file that cannot be read yet on the retry scheduler.
func (p *Pipeline) waitLocked(local string) outcome {
	p.tracker.set(local, phaseWaiting)
	p.retry.Schedule(local)
	metrics.RecordLockedRetry("scheduled")

	return parked
}

func (p *Pipeline) lockedReady(local string) {
	metrics.RecordLockedRetry("ready")
	p.requeue(QueueItem{Path: local})
}

func (p *Pipeline) lockedGone(local string) {
	metrics.RecordLockedRetry("gone")
	p.finish(local, failed("file no longer exists"))
}

func (p *Pipeline) lockedGaveUp(err *retry.ExhaustedError) {
	metrics.RecordLockedRetry("exhausted")

	out := failed(err.Error())
	out.result = ResultLocked
	p.finish(err.Path, out)
}
