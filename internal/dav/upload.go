package dav

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"sync/atomic"
	"time"

	apperrors "github.com/alexjbarnes/davbridge/internal/errors"
	"golang.org/x/time/rate"
)

const (
	KiB = 1024
	MiB = 1024 * KiB
	GiB = 1024 * MiB

	// RangedThreshold is the file size above which uploads are sent as
	// range-addressed chunks.
	RangedThreshold = 100 * MiB

	// progressInterval bounds how often streaming progress is reported.
	progressInterval = 500 * time.Millisecond

	// minTransferTimeout is the floor for a transfer request; larger bodies
	// get extra time at minTransferRate.
	minTransferTimeout = 5 * time.Minute
	minTransferRate    = 256 * KiB
)

// ProgressFunc receives bytes sent so far and the total.
type ProgressFunc func(done, total int64)

// ChunkSize picks the chunk size for a file of the given size. Larger files
// get larger chunks, which bounds request count while keeping per-chunk
// memory small.
func ChunkSize(size int64) int64 {
	switch {
	case size < MiB:
		return 64 * KiB
	case size < 10*MiB:
		return 256 * KiB
	case size < 100*MiB:
		return MiB
	case size < GiB:
		return 2 * MiB
	default:
		return 4 * MiB
	}
}

func transferTimeout(size int64) time.Duration {
	return minTransferTimeout + time.Duration(size/minTransferRate)*time.Second
}

// Upload sends the local file to remote. Files above the ranged threshold
// are first tried as Content-Range chunks; if the server rejects the first
// chunk, or the assembled size is wrong, the whole file is sent again as a
// single streaming PUT.
func (c *Client) Upload(ctx context.Context, local, remote string, onProgress ProgressFunc) error {
	if onProgress == nil {
		onProgress = func(int64, int64) {}
	}

	f, err := os.Open(local)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("opening %s: %w", local, err)
		}

		return fmt.Errorf("%w: opening %s: %w", apperrors.ErrFileLocked, local, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat %s: %w", local, err)
	}

	size := info.Size()

	if size > c.rangedThreshold {
		err := c.uploadRanged(ctx, f, size, remote, onProgress)
		if err == nil {
			return nil
		}

		if !errors.Is(err, apperrors.ErrChunkedUnsupported) {
			return err
		}

		c.logger.Info("falling back to streaming upload",
			slog.String("remote", remote),
			slog.String("reason", err.Error()),
		)
	}

	return c.uploadStream(ctx, f, size, remote, onProgress)
}

func (c *Client) uploadRanged(ctx context.Context, f *os.File, size int64, remote string, onProgress ProgressFunc) error {
	chunk := ChunkSize(size)
	target := c.resolve(remote)

	for off := int64(0); off < size; off += chunk {
		n := min(chunk, size-off)
		start, end := off, off+n-1

		op := fmt.Sprintf("PUT %s [%d-%d/%d]", remote, start, end, size)
		build := func(ctx context.Context) (*http.Request, error) {
			req, err := http.NewRequestWithContext(ctx, http.MethodPut, target, io.NewSectionReader(f, start, n))
			if err != nil {
				return nil, err
			}

			req.ContentLength = n
			req.GetBody = func() (io.ReadCloser, error) {
				return io.NopCloser(io.NewSectionReader(f, start, n)), nil
			}
			req.Header.Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, size))
			req.Header.Set("Content-Type", "application/octet-stream")

			return req, nil
		}

		err := c.do(ctx, op, transferTimeout(n), build, expect(op, http.StatusOK, http.StatusCreated, http.StatusNoContent))
		if err != nil {
			if start == 0 && !IsTransient(err) && ctx.Err() == nil {
				return fmt.Errorf("%w: %w", apperrors.ErrChunkedUnsupported, err)
			}

			return err
		}

		onProgress(end+1, size)
	}

	// A server that ignores Content-Range keeps only the last chunk.
	info, err := c.Stat(ctx, remote)
	if err != nil {
		return err
	}

	if !info.Exists || info.Size != size {
		return fmt.Errorf("%w: assembled size %d, expected %d", apperrors.ErrChunkedUnsupported, info.Size, size)
	}

	return nil
}

func (c *Client) uploadStream(ctx context.Context, f *os.File, size int64, remote string, onProgress ProgressFunc) error {
	target := c.resolve(remote)
	op := "PUT " + remote

	var sent atomic.Int64

	sampler := &rate.Sometimes{Interval: progressInterval}
	body := func() io.Reader {
		sent.Store(0)

		return &progressReader{
			r: io.NewSectionReader(f, 0, size),
			report: func(n int64) {
				done := sent.Add(n)
				sampler.Do(func() { onProgress(done, size) })
			},
		}
	}

	build := func(ctx context.Context) (*http.Request, error) {
		if size == 0 {
			return http.NewRequestWithContext(ctx, http.MethodPut, target, http.NoBody)
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPut, target, body())
		if err != nil {
			return nil, err
		}

		req.ContentLength = size
		req.GetBody = func() (io.ReadCloser, error) {
			return io.NopCloser(body()), nil
		}
		req.Header.Set("Content-Type", "application/octet-stream")

		return req, nil
	}

	if err := c.do(ctx, op, transferTimeout(size), build, expect(op, http.StatusOK, http.StatusCreated, http.StatusNoContent)); err != nil {
		return err
	}

	onProgress(size, size)

	return nil
}

type progressReader struct {
	r      io.Reader
	report func(n int64)
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	if n > 0 {
		p.report(int64(n))
	}

	return n, err
}
