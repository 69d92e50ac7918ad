package errors

import "errors"

// Local file errors.
var (
	// ErrFileLocked marks a local file that cannot be opened or read yet,
	// usually because another process is still writing it.
	ErrFileLocked = errors.New("file is locked")
	ErrNotRegular = errors.New("not a regular file")
)

// Remote errors.
var (
	ErrRemoteNotFound     = errors.New("remote file not found")
	ErrPermissionDenied   = errors.New("permission denied")
	ErrParentMissing      = errors.New("parent collection does not exist")
	ErrNoWebDAVEndpoint   = errors.New("no valid WebDAV endpoint found")
	ErrChunkedUnsupported = errors.New("server rejected range-addressed upload")
)

// Integrity errors.
var (
	ErrIntegrity = errors.New("integrity check failed")
)
