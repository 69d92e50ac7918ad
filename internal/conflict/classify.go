// Package conflict classifies a pending upload against what is already on
// the server and turns conflicts into skip, overwrite or rename decisions.
package conflict

//go:generate mockgen -source=classify.go -destination=mock_remote_test.go -package=conflict

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/alexjbarnes/davbridge/internal/dav"
)

const (
	// DefaultAssumeIdenticalAbove is the size at or above which a remote
	// file with matching size and no better signal is assumed identical,
	// to avoid downloading it.
	DefaultAssumeIdenticalAbove = dav.GiB

	// DefaultTimeTolerance absorbs filesystem timestamp granularity.
	DefaultTimeTolerance = 2 * time.Second
)

// Status is the outcome of a classification.
type Status string

const (
	StatusNew       Status = "new"
	StatusIdentical Status = "identical"
	StatusDifferent Status = "different"
)

// Hint says which side looks newer when the copies differ.
type Hint string

const (
	HintNone        Hint = ""
	HintNewerLocal  Hint = "newer_local"
	HintNewerRemote Hint = "newer_remote"
)

// Classification describes how a local file relates to its remote
// counterpart.
type Classification struct {
	Status  Status
	Hint    Hint
	Details string
	Remote  dav.Info
}

// Remote is the subset of the WebDAV client the classifier needs.
type Remote interface {
	StoredChecksum(ctx context.Context, remote string) (string, bool, error)
}

// Classifier compares local files with remote state using the cheapest
// signal available.
type Classifier struct {
	remote Remote
	logger *slog.Logger

	// AssumeIdenticalAbove enables the large-file shortcut. Zero disables
	// it.
	AssumeIdenticalAbove int64
	Tolerance            time.Duration
}

// NewClassifier creates a Classifier with default thresholds.
func NewClassifier(remote Remote, logger *slog.Logger) *Classifier {
	if logger == nil {
		logger = slog.Default()
	}

	return &Classifier{
		remote:               remote,
		logger:               logger,
		AssumeIdenticalAbove: DefaultAssumeIdenticalAbove,
		Tolerance:            DefaultTimeTolerance,
	}
}

// Classify decides whether localPath is new, identical to, or different
// from the remote file described by info. Signals are tried in order: a
// stored checksum companion, size, ETag, the large-file assumption, and
// finally modification times.
func (c *Classifier) Classify(ctx context.Context, localPath, remotePath string, info dav.Info, digest string) (Classification, error) {
	if !info.Exists {
		return Classification{Status: StatusNew, Details: "remote file does not exist"}, nil
	}

	local, err := os.Stat(localPath)
	if err != nil {
		return Classification{}, fmt.Errorf("stat %s: %w", localPath, err)
	}

	digest = strings.ToLower(digest)
	hint := c.hint(local.ModTime(), info.LastModified)

	different := func(details string) Classification {
		return Classification{Status: StatusDifferent, Hint: hint, Details: details, Remote: info}
	}
	identical := func(details string) Classification {
		return Classification{Status: StatusIdentical, Details: details, Remote: info}
	}

	stored, ok, err := c.remote.StoredChecksum(ctx, remotePath)
	if err != nil {
		c.logger.Debug("stored checksum unavailable",
			slog.String("remote", remotePath),
			slog.String("error", err.Error()),
		)
	} else if ok {
		if stored == digest {
			return identical("stored checksum matches"), nil
		}

		return different("stored checksum differs"), nil
	}

	if local.Size() != info.Size {
		return different(fmt.Sprintf("size differs (local: %d, remote: %d)", local.Size(), info.Size)), nil
	}

	if tag := strings.ToLower(dav.NormalizeETag(info.ETag)); dav.IsHex(tag) {
		if tag == digest {
			return identical("ETag matches checksum"), nil
		}

		if len(tag) == len(digest) {
			return different("ETag differs from checksum"), nil
		}
	}

	if c.AssumeIdenticalAbove > 0 && local.Size() >= c.AssumeIdenticalAbove {
		return identical("assumed identical (large file, matching size)"), nil
	}

	if info.LastModified.IsZero() {
		return different("cannot compare modification times"), nil
	}

	if hint == HintNone {
		return identical(fmt.Sprintf("modification times match (within %s)", c.Tolerance)), nil
	}

	if hint == HintNewerLocal {
		return different("local file is newer"), nil
	}

	return different("remote file is newer"), nil
}

func (c *Classifier) hint(local, remote time.Time) Hint {
	if remote.IsZero() {
		return HintNone
	}

	diff := local.Sub(remote)

	switch {
	case diff > c.Tolerance:
		return HintNewerLocal
	case diff < -c.Tolerance:
		return HintNewerRemote
	}

	return HintNone
}
