package dav

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"testing"

	apperrors "github.com/alexjbarnes/davbridge/internal/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/webdav"
)

func writeLocal(t *testing.T, size int) (string, []byte) {
	t.Helper()

	content := make([]byte, size)
	for i := range content {
		content[i] = byte(i % 253)
	}

	path := filepath.Join(t.TempDir(), "upload.raw")
	require.NoError(t, os.WriteFile(path, content, 0o644))

	return path, content
}

// rangedServer wraps a WebDAV handler so Content-Range PUTs are written at
// their offset, as a server with partial-PUT support would do. Every
// ranged request is recorded.
type rangedServer struct {
	fs   webdav.FileSystem
	next http.Handler

	mu     sync.Mutex
	ranges []string
}

func (s *rangedServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	cr := r.Header.Get("Content-Range")
	if r.Method != http.MethodPut || cr == "" {
		s.next.ServeHTTP(w, r)
		return
	}

	s.mu.Lock()
	s.ranges = append(s.ranges, cr)
	s.mu.Unlock()

	var start, end, total int64
	if _, err := fmt.Sscanf(cr, "bytes %d-%d/%d", &start, &end, &total); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	flag := os.O_RDWR | os.O_CREATE
	if start == 0 {
		flag |= os.O_TRUNC
	}

	f, err := s.fs.OpenFile(r.Context(), r.URL.Path, flag, 0o644)
	if err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	defer f.Close()

	if _, err := f.Seek(start, io.SeekStart); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	if _, err := io.Copy(f, r.Body); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *rangedServer) recorded() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]string(nil), s.ranges...)
}

func newRangedServer(t *testing.T) (*httptest.Server, *rangedServer) {
	t.Helper()

	fs := webdav.NewMemFS()
	rs := &rangedServer{
		fs:   fs,
		next: &webdav.Handler{FileSystem: fs, LockSystem: webdav.NewMemLS()},
	}

	srv := httptest.NewServer(rs)
	t.Cleanup(srv.Close)

	return srv, rs
}

// --- ChunkSize ---

func TestChunkSize_Tiers(t *testing.T) {
	tests := []struct {
		size int64
		want int64
	}{
		{0, 64 * KiB},
		{MiB - 1, 64 * KiB},
		{MiB, 256 * KiB},
		{10*MiB - 1, 256 * KiB},
		{10 * MiB, MiB},
		{100 * MiB, 2 * MiB},
		{GiB - 1, 2 * MiB},
		{GiB, 4 * MiB},
		{50 * GiB, 4 * MiB},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ChunkSize(tt.size), "size %d", tt.size)
	}
}

func TestChunkSize_Monotonic(t *testing.T) {
	prev := int64(0)
	for size := int64(1); size < 8*GiB; size *= 2 {
		cs := ChunkSize(size)
		assert.GreaterOrEqual(t, cs, prev, "size %d", size)
		prev = cs
	}
}

// --- Upload ---

func TestUpload_SmallFileStreams(t *testing.T) {
	srv, fs := newDAVServer(t, "")
	c := newTestClient(t, srv.URL)
	local, content := writeLocal(t, 3000)

	var last [2]int64
	err := c.Upload(context.Background(), local, "/a.raw", func(done, total int64) {
		last = [2]int64{done, total}
	})
	require.NoError(t, err)

	assert.Equal(t, content, readFile(t, fs, "/a.raw"))
	assert.Equal(t, [2]int64{3000, 3000}, last)
}

func TestUpload_EmptyFile(t *testing.T) {
	srv, fs := newDAVServer(t, "")
	c := newTestClient(t, srv.URL)
	local, _ := writeLocal(t, 0)

	require.NoError(t, c.Upload(context.Background(), local, "/empty.raw", nil))
	assert.Empty(t, readFile(t, fs, "/empty.raw"))
}

func TestUpload_MissingLocalFile(t *testing.T) {
	srv, _ := newDAVServer(t, "")
	c := newTestClient(t, srv.URL)

	err := c.Upload(context.Background(), filepath.Join(t.TempDir(), "gone.raw"), "/a.raw", nil)
	assert.ErrorIs(t, err, fs.ErrNotExist)
	assert.NotErrorIs(t, err, apperrors.ErrFileLocked)
}

func TestUpload_RangedChunks(t *testing.T) {
	srv, rs := newRangedServer(t)
	c := newTestClient(t, srv.URL)
	c.rangedThreshold = 100 * KiB

	local, content := writeLocal(t, 300*KiB)

	var reports []int64
	err := c.Upload(context.Background(), local, "/big.raw", func(done, total int64) {
		assert.Equal(t, int64(300*KiB), total)
		reports = append(reports, done)
	})
	require.NoError(t, err)

	assert.Equal(t, content, readFile(t, rs.fs, "/big.raw"))

	// 300 KiB in 64 KiB chunks.
	ranges := rs.recorded()
	require.Len(t, ranges, 5)
	assert.Equal(t, "bytes 0-65535/307200", ranges[0])
	assert.Equal(t, "bytes 262144-307199/307200", ranges[4])
	assert.True(t, sort.SliceIsSorted(reports, func(i, j int) bool { return reports[i] < reports[j] }))
	assert.Equal(t, int64(300*KiB), reports[len(reports)-1])
}

func TestUpload_RangedRejectedFallsBackToStream(t *testing.T) {
	fs := webdav.NewMemFS()
	dav := &webdav.Handler{FileSystem: fs, LockSystem: webdav.NewMemLS()}

	var rejected, streamed atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPut {
			if r.Header.Get("Content-Range") != "" {
				rejected.Add(1)
				http.Error(w, "Content-Range not supported", http.StatusBadRequest)
				return
			}
			streamed.Add(1)
		}
		dav.ServeHTTP(w, r)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	c.rangedThreshold = 100 * KiB
	local, content := writeLocal(t, 200*KiB)

	require.NoError(t, c.Upload(context.Background(), local, "/big.raw", nil))

	assert.Equal(t, int32(1), rejected.Load())
	assert.Equal(t, int32(1), streamed.Load())
	assert.Equal(t, content, readFile(t, fs, "/big.raw"))
}

func TestUpload_RangeIgnoredByServerFallsBack(t *testing.T) {
	// The stock handler treats every PUT as a whole-file write, so only
	// the last chunk survives the ranged pass.
	srv, fs := newDAVServer(t, "")
	c := newTestClient(t, srv.URL)
	c.rangedThreshold = 100 * KiB
	local, content := writeLocal(t, 200*KiB)

	require.NoError(t, c.Upload(context.Background(), local, "/big.raw", nil))
	assert.Equal(t, content, readFile(t, fs, "/big.raw"))
}

func TestUpload_RangedServerErrorIsNotFallback(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	c.rangedThreshold = 100 * KiB
	local, _ := writeLocal(t, 200*KiB)

	err := c.Upload(context.Background(), local, "/big.raw", nil)
	require.Error(t, err)
	assert.True(t, IsTransient(err))
	assert.Equal(t, int32(defaultMaxAttempts), calls.Load())
}

func TestUpload_RetriedStreamResendsWholeBody(t *testing.T) {
	fs := webdav.NewMemFS()
	dav := &webdav.Handler{FileSystem: fs, LockSystem: webdav.NewMemLS()}

	var puts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPut {
			if puts.Add(1) == 1 {
				io.Copy(io.Discard, r.Body)
				w.WriteHeader(http.StatusServiceUnavailable)
				return
			}
		}
		dav.ServeHTTP(w, r)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	local, content := writeLocal(t, 5000)

	require.NoError(t, c.Upload(context.Background(), local, "/a.raw", nil))
	assert.Equal(t, int32(2), puts.Load())
	assert.True(t, bytes.Equal(content, readFile(t, fs, "/a.raw")))
}

func TestProgressReader_ReportsBytes(t *testing.T) {
	var total int64
	pr := &progressReader{
		r:      bytes.NewReader(make([]byte, 1000)),
		report: func(n int64) { total += n },
	}

	_, err := io.Copy(io.Discard, pr)
	require.NoError(t, err)
	assert.Equal(t, int64(1000), total)
}
