// Package verify decides whether an uploaded file arrived intact, using the
// cheapest check the server supports and escalating only when needed.
package verify

//go:generate mockgen -source=verifier.go -destination=mock_remote_test.go -package=verify

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/alexjbarnes/davbridge/internal/checksum"
	"github.com/alexjbarnes/davbridge/internal/dav"
	apperrors "github.com/alexjbarnes/davbridge/internal/errors"
)

const (
	// ProbeBytes is how much of the remote file is read to prove it is
	// accessible.
	ProbeBytes = 8 * dav.KiB

	// FullDownloadLimit is the size below which a remote file is downloaded
	// and hashed when the ETag cannot settle the question.
	FullDownloadLimit = 50 * dav.MiB
)

// Method names the check that produced a Result.
type Method string

const (
	MethodNone     Method = "none"
	MethodETag     Method = "etag"
	MethodETagAlt  Method = "etag_alt"
	MethodChecksum Method = "checksum"
	MethodLimited  Method = "limited"
)

// Result is the outcome of a verification. Reason is always set and is
// meant for humans.
type Result struct {
	OK     bool
	Reason string
	Method Method
}

// Remote is the subset of the WebDAV client the verifier needs.
type Remote interface {
	Stat(ctx context.Context, p string) (dav.Info, error)
	ReadRange(ctx context.Context, p string, n int64) ([]byte, error)
	Download(ctx context.Context, p, dest string) (int64, error)
}

// Verifier checks remote copies against local digests.
type Verifier struct {
	remote Remote
	logger *slog.Logger

	// downloadLimit and tempDir are fields so tests can shrink them.
	downloadLimit int64
	tempDir       string
}

// New creates a Verifier backed by remote.
func New(remote Remote, logger *slog.Logger) *Verifier {
	if logger == nil {
		logger = slog.Default()
	}

	return &Verifier{
		remote:        remote,
		logger:        logger,
		downloadLimit: FullDownloadLimit,
	}
}

func fail(reason string) Result {
	return Result{Reason: reason, Method: MethodNone}
}

// Verify reports whether the file at remotePath matches the local file and
// its expected digest. Tiers run in order and stop at the first conclusive
// answer:
//
//  1. existence and size
//  2. ETag, when it looks like a hex digest
//  3. a partial read, then a full download for small files
//
// An ETag of the same length as the digest that differs is an integrity
// failure and never falls through to a weaker tier. A missing or
// unrecognized ETag only degrades to a weaker check, and the reason says so.
func (v *Verifier) Verify(ctx context.Context, localPath, remotePath, expected string) Result {
	info, err := v.remote.Stat(ctx, remotePath)
	if err != nil {
		return fail(fmt.Sprintf("cannot stat remote file: %v", err))
	}

	if !info.Exists {
		return fail("remote file not found")
	}

	local, err := os.Stat(localPath)
	if err != nil {
		return fail(fmt.Sprintf("cannot stat local file: %v", err))
	}

	if local.Size() != info.Size {
		return fail(fmt.Sprintf("size mismatch (local: %d, remote: %d)", local.Size(), info.Size))
	}

	expected = strings.ToLower(expected)
	limited := "ETag unavailable"

	if tag := strings.ToLower(dav.NormalizeETag(info.ETag)); tag != "" {
		if res, ok := v.checkETag(localPath, expected, tag); ok {
			return res
		}

		limited = "unrecognized ETag format"
	}

	if info.Size > 0 {
		if _, err := v.remote.ReadRange(ctx, remotePath, ProbeBytes); err != nil {
			v.logger.Debug("remote probe read failed", slog.String("remote", remotePath), slog.String("error", err.Error()))
			return fail("cannot read remote file")
		}
	}

	if info.Size < v.downloadLimit {
		return v.checkDownload(ctx, remotePath, expected)
	}

	return Result{
		OK:     true,
		Reason: fmt.Sprintf("Size + accessibility (%s - limited verification)", limited),
		Method: MethodLimited,
	}
}

// checkETag compares a hex ETag with the expected digest. ok is false when
// the tag says nothing conclusive about content.
func (v *Verifier) checkETag(localPath, expected, tag string) (Result, bool) {
	if !dav.IsHex(tag) {
		return Result{}, false
	}

	if tag == expected {
		return Result{OK: true, Reason: "ETag verified", Method: MethodETag}, true
	}

	if len(tag) == len(expected) {
		return fail(fmt.Sprintf("ETag mismatch - file integrity problem (expected: %s..., etag: %s)", prefix(expected, 8), tag)), true
	}

	alg, known := checksum.AlgorithmForLength(len(tag))
	if !known {
		return Result{}, false
	}

	digest, err := checksum.Digest(localPath, alg)
	if err != nil {
		v.logger.Debug("hashing for alternate ETag failed", slog.String("path", localPath), slog.String("error", err.Error()))
		return Result{}, false
	}

	if digest == tag {
		return Result{OK: true, Reason: fmt.Sprintf("ETag verified (%s format)", alg.Label()), Method: MethodETagAlt}, true
	}

	// Many servers use a digest-length ETag that is not a content hash,
	// so a mismatch here is not evidence of corruption.
	return Result{}, false
}

func (v *Verifier) checkDownload(ctx context.Context, remotePath, expected string) Result {
	tmp, err := os.CreateTemp(v.tempDir, "davbridge-verify-*")
	if err != nil {
		return fail(fmt.Sprintf("cannot create temporary file: %v", err))
	}

	name := tmp.Name()
	tmp.Close()

	defer os.Remove(name)

	if _, err := v.remote.Download(ctx, remotePath, name); err != nil {
		return fail(fmt.Sprintf("cannot download remote file for verification: %v", err))
	}

	alg, ok := checksum.AlgorithmForLength(len(expected))
	if !ok {
		alg = checksum.SHA256
	}

	got, err := checksum.Digest(name, alg)
	if err != nil {
		return fail(fmt.Sprintf("cannot hash downloaded file: %v", err))
	}

	if got != expected {
		return fail(fmt.Sprintf("checksum mismatch (expected: %s..., remote: %s...)", prefix(expected, 8), prefix(got, 8)))
	}

	return Result{OK: true, Reason: "Checksum verified", Method: MethodChecksum}
}

// Err returns nil for a passing Result and an ErrIntegrity otherwise.
func (r Result) Err() error {
	if r.OK {
		return nil
	}

	return fmt.Errorf("%w: %s", apperrors.ErrIntegrity, r.Reason)
}

func prefix(s string, n int) string {
	if len(s) <= n {
		return s
	}

	return s[:n]
}
