// Package integrity re-checks earlier transfers against the server. Each
// transfer record is classified as verified, missing, changed, local
// missing or error. Repair drops the records that no longer hold so the
// pipeline treats those files as new again.
package integrity

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"sort"
	"sync"

	"github.com/alexjbarnes/davbridge/internal/checksum"
	"github.com/alexjbarnes/davbridge/internal/dav"
	"github.com/alexjbarnes/davbridge/internal/metrics"
	"github.com/alexjbarnes/davbridge/internal/state"
	"github.com/alexjbarnes/davbridge/internal/verify"
	"golang.org/x/sync/errgroup"
)

// DefaultWorkers is how many records are checked at once.
const DefaultWorkers = 4

// Class is the outcome for one transfer record.
type Class string

const (
	ClassVerified Class = "verified"
	// ClassMissing means the remote copy is gone.
	ClassMissing Class = "missing"
	// ClassChanged means the local file or the remote copy no longer
	// matches the recorded transfer.
	ClassChanged Class = "changed"
	// ClassLocalMissing means the local file was deleted after upload.
	ClassLocalMissing Class = "local_missing"
	ClassError        Class = "error"
)

// Store is the transfer record store. *state.State satisfies it.
type Store interface {
	AllTransfers() (map[string]state.TransferRecord, error)
	DeleteTransfer(filePath string) error
}

// Remote is the server surface needed to find missing copies.
type Remote interface {
	Stat(ctx context.Context, p string) (dav.Info, error)
}

// Verifier checks a remote copy against a local digest.
type Verifier interface {
	Verify(ctx context.Context, localPath, remotePath, expected string) verify.Result
}

// Config configures a Checker.
type Config struct {
	Store    Store
	Remote   Remote
	Verifier Verifier

	// Digest hashes a local file. Defaults to SHA-256 over the whole file;
	// the daemon passes the checksum cache.
	Digest func(path string) (string, error)

	// Repair deletes the record of every missing, changed or locally
	// missing file.
	Repair bool
	// Requeue, when set, receives missing and changed files after their
	// record was dropped. Requires Repair.
	Requeue func(path string) bool

	Workers int
	Logger  *slog.Logger
}

// Issue describes one record that did not verify.
type Issue struct {
	Path       string
	RemotePath string
	Class      Class
	Details    string
}

// Report summarizes a check.
type Report struct {
	Total        int
	Verified     int
	Missing      int
	Changed      int
	LocalMissing int
	Errors       int
	// Requeued counts files handed back to the pipeline.
	Requeued int
	// Issues is sorted by local path.
	Issues []Issue
}

func (r *Report) add(is Issue) {
	switch is.Class {
	case ClassVerified:
		r.Verified++
		return
	case ClassMissing:
		r.Missing++
	case ClassChanged:
		r.Changed++
	case ClassLocalMissing:
		r.LocalMissing++
	case ClassError:
		r.Errors++
	}

	r.Issues = append(r.Issues, is)
}

// Checker walks transfer records and re-verifies them.
type Checker struct {
	cfg    Config
	logger *slog.Logger
}

// New creates a Checker.
func New(cfg Config) *Checker {
	if cfg.Digest == nil {
		cfg.Digest = func(path string) (string, error) {
			return checksum.Digest(path, checksum.SHA256)
		}
	}

	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Checker{cfg: cfg, logger: logger}
}

// Run checks every record that describes an upload. Skipped-conflict
// records carry no remote copy of ours and are left out. A cancelled ctx
// stops the walk and returns the partial report with ctx's error.
func (c *Checker) Run(ctx context.Context) (Report, error) {
	all, err := c.cfg.Store.AllTransfers()
	if err != nil {
		return Report{}, fmt.Errorf("reading transfer records: %w", err)
	}

	recs := make([]state.TransferRecord, 0, len(all))
	for _, rec := range all {
		if rec.Skipped || rec.RemotePath == "" {
			continue
		}

		recs = append(recs, rec)
	}

	sort.Slice(recs, func(i, j int) bool { return recs[i].FilePath < recs[j].FilePath })

	c.logger.Info("integrity check started", slog.Int("records", len(recs)))

	var (
		mu     sync.Mutex
		report = Report{Total: len(recs)}
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.cfg.Workers)

	for _, rec := range recs {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}

			is := c.check(gctx, rec)
			metrics.RecordIntegrityCheck(string(is.Class))

			requeued := c.repair(is)

			mu.Lock()
			defer mu.Unlock()

			report.add(is)
			if requeued {
				report.Requeued++
			}

			return nil
		})
	}

	err = g.Wait()

	sort.Slice(report.Issues, func(i, j int) bool { return report.Issues[i].Path < report.Issues[j].Path })

	c.logger.Info("integrity check finished",
		slog.Int("total", report.Total),
		slog.Int("verified", report.Verified),
		slog.Int("missing", report.Missing),
		slog.Int("changed", report.Changed),
		slog.Int("local_missing", report.LocalMissing),
		slog.Int("errors", report.Errors),
		slog.Int("requeued", report.Requeued),
	)

	return report, err
}

func (c *Checker) check(ctx context.Context, rec state.TransferRecord) Issue {
	is := Issue{Path: rec.FilePath, RemotePath: rec.RemotePath}

	digest, err := c.cfg.Digest(rec.FilePath)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		is.Class, is.Details = ClassLocalMissing, "local file no longer exists"
		return is
	case err != nil:
		is.Class, is.Details = ClassError, fmt.Sprintf("cannot hash local file: %v", err)
		return is
	}

	info, err := c.cfg.Remote.Stat(ctx, rec.RemotePath)
	if err != nil {
		is.Class, is.Details = ClassError, fmt.Sprintf("cannot stat remote file: %v", err)
		return is
	}

	if !info.Exists {
		is.Class, is.Details = ClassMissing, "remote file not found"
		return is
	}

	if digest != rec.Digest {
		is.Class, is.Details = ClassChanged, "local file changed since last upload"
		return is
	}

	res := c.cfg.Verifier.Verify(ctx, rec.FilePath, rec.RemotePath, rec.Digest)
	if !res.OK {
		is.Class, is.Details = ClassChanged, "remote copy differs: "+res.Reason
		return is
	}

	is.Class, is.Details = ClassVerified, res.Reason

	return is
}

// repair drops the record behind a failed check and hands the file back
// to the pipeline when it still exists. It reports whether the file was
// requeued.
func (c *Checker) repair(is Issue) bool {
	if !c.cfg.Repair {
		return false
	}

	switch is.Class {
	case ClassMissing, ClassChanged, ClassLocalMissing:
	default:
		return false
	}

	if err := c.cfg.Store.DeleteTransfer(is.Path); err != nil {
		c.logger.Warn("dropping transfer record", slog.String("path", is.Path), slog.String("error", err.Error()))
		return false
	}

	c.logger.Info("transfer record dropped",
		slog.String("path", is.Path),
		slog.String("class", string(is.Class)),
		slog.String("details", is.Details),
	)

	if is.Class == ClassLocalMissing || c.cfg.Requeue == nil {
		return false
	}

	return c.cfg.Requeue(is.Path)
}
