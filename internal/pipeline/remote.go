package pipeline

//go:generate mockgen -source=remote.go -destination=mock_remote_test.go -package=pipeline

import (
	"context"

	"github.com/alexjbarnes/davbridge/internal/conflict"
	"github.com/alexjbarnes/davbridge/internal/dav"
	"github.com/alexjbarnes/davbridge/internal/verify"
)

// Remote is the WebDAV surface the pipeline drives. *dav.Client
// satisfies it, and the default Verifier and Classifier are built on it.
type Remote interface {
	Stat(ctx context.Context, p string) (dav.Info, error)
	Mkdir(ctx context.Context, p string) error
	Upload(ctx context.Context, local, remote string, onProgress dav.ProgressFunc) error
	StoreChecksum(ctx context.Context, remote, digest string) error
	StoredChecksum(ctx context.Context, remote string) (string, bool, error)
	ReadRange(ctx context.Context, p string, n int64) ([]byte, error)
	Download(ctx context.Context, p, dest string) (int64, error)
}

// Verifier checks an uploaded file against its local digest.
type Verifier interface {
	Verify(ctx context.Context, localPath, remotePath, expected string) verify.Result
}

// Classifier compares a local file with its remote counterpart.
type Classifier interface {
	Classify(ctx context.Context, localPath, remotePath string, info dav.Info, digest string) (conflict.Classification, error)
}
