package dav

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path"
	"strings"
	"sync"
	"time"

	apperrors "github.com/alexjbarnes/davbridge/internal/errors"
	"github.com/icholy/digest"
)

const (
	// AuthBasic and AuthDigest select the HTTP authentication scheme.
	AuthBasic  = "basic"
	AuthDigest = "digest"

	// webdavSuffix is appended to the base URL when the bare URL does not
	// answer OPTIONS. Many servers mount the DAV root there.
	webdavSuffix = "/webdav"

	// ChecksumSuffix names the companion file holding a remote file's
	// digest.
	ChecksumSuffix = ".checksum"

	defaultMaxAttempts = 3
	defaultBackoff     = time.Second

	// metadataTimeout bounds PROPFIND, OPTIONS, MKCOL and small GETs.
	metadataTimeout = 30 * time.Second

	// maxRedirects matches the default net/http limit.
	maxRedirects = 10

	// maxErrorBodyBytes caps how much of an error response is read.
	maxErrorBodyBytes = 4096

	// maxChecksumBytes caps a companion checksum file read. The longest
	// supported hex digest is 128 characters.
	maxChecksumBytes = 1024
)

// Config configures a Client.
type Config struct {
	URL      string
	Username string
	Password string
	// Auth is AuthBasic (default) or AuthDigest.
	Auth string

	// MaxAttempts bounds tries per request for transient failures.
	MaxAttempts int
	// Backoff is the wait before the first retry; it doubles each retry.
	Backoff time.Duration

	HTTPClient *http.Client
	Logger     *slog.Logger
}

// Info is the remote state of a single resource. It is fetched per
// comparison and never cached.
type Info struct {
	Exists       bool
	IsDir        bool
	Size         int64
	ETag         string
	LastModified time.Time
}

// Client is a WebDAV client for a single server root.
type Client struct {
	httpClient *http.Client
	logger     *slog.Logger

	username  string
	password  string
	basicAuth bool

	maxAttempts     int
	backoff         time.Duration
	rangedThreshold int64
	sleep           func(ctx context.Context, d time.Duration) error

	mu      sync.RWMutex
	baseURL *url.URL
}

// sameHostRedirectPolicy follows redirects only when the target host
// matches the original request host, so credentials are never sent to a
// third-party domain.
func sameHostRedirectPolicy(req *http.Request, via []*http.Request) error {
	if len(via) >= maxRedirects {
		return errors.New("stopped after 10 redirects")
	}

	if len(via) > 0 {
		origHost := via[0].URL.Host
		if req.URL.Host != origHost {
			return fmt.Errorf("redirect to different host blocked: %s -> %s", origHost, req.URL.Host)
		}
	}

	return nil
}

// New creates a Client from cfg. The URL must be an absolute http(s) URL.
func New(cfg Config) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(cfg.URL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parsing server URL: %w", err)
	}

	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("server URL must be http or https, got %q", cfg.URL)
	}

	var hc http.Client
	if cfg.HTTPClient != nil {
		hc = *cfg.HTTPClient
	} else {
		hc.CheckRedirect = sameHostRedirectPolicy
	}

	auth := strings.ToLower(cfg.Auth)
	if auth == "" {
		auth = AuthBasic
	}

	c := &Client{
		logger:          cfg.Logger,
		username:        cfg.Username,
		password:        cfg.Password,
		maxAttempts:     cfg.MaxAttempts,
		backoff:         cfg.Backoff,
		rangedThreshold: RangedThreshold,
		sleep:           sleepContext,
		baseURL:         u,
	}

	switch auth {
	case AuthBasic:
		c.basicAuth = cfg.Username != ""
	case AuthDigest:
		base := hc.Transport
		if base == nil {
			base = http.DefaultTransport
		}

		hc.Transport = &digest.Transport{
			Username:  cfg.Username,
			Password:  cfg.Password,
			Transport: base,
		}
	default:
		return nil, fmt.Errorf("unsupported auth scheme %q", cfg.Auth)
	}

	c.httpClient = &hc

	if c.logger == nil {
		c.logger = slog.Default()
	}

	if c.maxAttempts <= 0 {
		c.maxAttempts = defaultMaxAttempts
	}

	if c.backoff <= 0 {
		c.backoff = defaultBackoff
	}

	return c, nil
}

// BaseURL returns the server root in use, including any suffix adopted by
// Probe.
func (c *Client) BaseURL() string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.baseURL.String()
}

// SetBaseURL replaces the server root, typically with one persisted from
// an earlier Probe.
func (c *Client) SetBaseURL(raw string) error {
	u, err := url.Parse(strings.TrimRight(raw, "/"))
	if err != nil {
		return fmt.Errorf("parsing server URL: %w", err)
	}

	c.mu.Lock()
	c.baseURL = u
	c.mu.Unlock()

	return nil
}

// resolve maps a remote path to an absolute URL under the server root.
// A trailing slash on p is kept since some servers require it on
// collections.
func (c *Client) resolve(p string) string {
	c.mu.RLock()
	u := *c.baseURL
	c.mu.RUnlock()

	joined := path.Join("/", u.Path, p)
	if strings.HasSuffix(p, "/") && !strings.HasSuffix(joined, "/") {
		joined += "/"
	}

	u.Path = joined
	u.RawPath = ""

	return u.String()
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// requestFunc builds a fresh request for one attempt. It is called again
// on every retry so request bodies are never reused.
type requestFunc func(ctx context.Context) (*http.Request, error)

// responseFunc inspects a non-5xx response. It runs while the attempt's
// context is still live so the body can be streamed.
type responseFunc func(resp *http.Response) error

// do runs a request with transient-failure retries. Network errors and 5xx
// responses are retried up to maxAttempts with doubling backoff; anything
// the response func rejects is returned immediately.
func (c *Client) do(ctx context.Context, op string, timeout time.Duration, build requestFunc, handle responseFunc) error {
	var err error

	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		err = c.attempt(ctx, op, timeout, build, handle)
		if err == nil || !IsTransient(err) || attempt == c.maxAttempts {
			return err
		}

		wait := c.backoff << (attempt - 1)
		c.logger.Debug("retrying webdav request",
			slog.String("op", op),
			slog.Int("attempt", attempt),
			slog.Duration("wait", wait),
			slog.String("error", err.Error()),
		)

		if serr := c.sleep(ctx, wait); serr != nil {
			return err
		}
	}

	return err
}

func (c *Client) attempt(ctx context.Context, op string, timeout time.Duration, build requestFunc, handle responseFunc) error {
	actx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := build(actx)
	if err != nil {
		return fmt.Errorf("creating %s request: %w", op, err)
	}

	if c.basicAuth {
		req.SetBasicAuth(c.username, c.password)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		wrapped := fmt.Errorf("%s: %w", op, err)
		// A cancelled caller is not a server problem.
		if ctx.Err() != nil {
			return wrapped
		}

		return &TransientError{Err: wrapped}
	}
	defer resp.Body.Close()

	if isTransientStatus(resp.StatusCode) {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
		return &TransientError{Err: newStatusError(op, resp, body)}
	}

	return handle(resp)
}

// expect returns a responseFunc accepting the given status codes and
// discarding the body.
func expect(op string, codes ...int) responseFunc {
	return func(resp *http.Response) error {
		for _, code := range codes {
			if resp.StatusCode == code {
				_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxErrorBodyBytes))
				return nil
			}
		}

		return unexpected(op, resp)
	}
}

func unexpected(op string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
	return newStatusError(op, resp, body)
}

func newRequest(method, target string, body io.Reader) requestFunc {
	return func(ctx context.Context) (*http.Request, error) {
		return http.NewRequestWithContext(ctx, method, target, body)
	}
}

// Probe checks connectivity with OPTIONS. When the configured URL does not
// answer, the same request is tried with "/webdav" appended and that URL
// is adopted on success. Probe returns the URL in use.
func (c *Client) Probe(ctx context.Context) (string, error) {
	base := c.BaseURL()

	firstErr := c.options(ctx, base)
	if firstErr == nil {
		return base, nil
	}

	if strings.HasSuffix(base, webdavSuffix) {
		return "", fmt.Errorf("%w: %s: %w", apperrors.ErrNoWebDAVEndpoint, base, firstErr)
	}

	alt := base + webdavSuffix
	if err := c.options(ctx, alt); err != nil {
		return "", fmt.Errorf("%w: %s: %w", apperrors.ErrNoWebDAVEndpoint, base, firstErr)
	}

	if err := c.SetBaseURL(alt); err != nil {
		return "", err
	}

	c.logger.Info("adopted webdav endpoint", slog.String("url", alt))

	return alt, nil
}

func (c *Client) options(ctx context.Context, target string) error {
	// Probing is a single attempt per candidate URL.
	return c.attempt(ctx, "OPTIONS "+target, metadataTimeout,
		newRequest(http.MethodOptions, target+"/", nil),
		expect("OPTIONS", http.StatusOK, http.StatusNoContent, http.StatusMultiStatus),
	)
}

// Stat fetches size, ETag and modification time with a depth-0 PROPFIND.
// A missing resource is reported as Info{Exists: false} with a nil error.
func (c *Client) Stat(ctx context.Context, p string) (Info, error) {
	var info Info

	op := "PROPFIND " + p
	err := c.do(ctx, op, metadataTimeout, propfindRequest(c.resolve(p), "0"), func(resp *http.Response) error {
		switch resp.StatusCode {
		case http.StatusNotFound:
			return nil
		case http.StatusMultiStatus, http.StatusOK:
		default:
			return unexpected(op, resp)
		}

		responses, err := decodeMultistatus(resp.Body)
		if err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}

		if len(responses) == 0 {
			return fmt.Errorf("%s: empty multistatus response", op)
		}

		info = responses[0].info()

		return nil
	})
	if err != nil {
		return Info{}, err
	}

	return info, nil
}

// ReadRange reads at most the first n bytes of a remote file with a Range
// GET. Servers that ignore Range and answer 200 are accepted; only n bytes
// are read either way.
func (c *Client) ReadRange(ctx context.Context, p string, n int64) ([]byte, error) {
	var data []byte

	op := "GET " + p
	build := func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.resolve(p), nil)
		if err != nil {
			return nil, err
		}

		req.Header.Set("Range", fmt.Sprintf("bytes=0-%d", n-1))

		return req, nil
	}

	err := c.do(ctx, op, metadataTimeout, build, func(resp *http.Response) error {
		switch resp.StatusCode {
		case http.StatusOK, http.StatusPartialContent:
		case http.StatusNotFound:
			_ = unexpected(op, resp)
			return fmt.Errorf("%s: %w", op, apperrors.ErrRemoteNotFound)
		default:
			return unexpected(op, resp)
		}

		var err error

		data, err = io.ReadAll(io.LimitReader(resp.Body, n))
		if err != nil {
			return &TransientError{Err: fmt.Errorf("%s: reading body: %w", op, err)}
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	return data, nil
}

// Download streams a remote file into dest, replacing it. It returns the
// number of bytes written.
func (c *Client) Download(ctx context.Context, p, dest string) (int64, error) {
	var written int64

	op := "GET " + p
	err := c.do(ctx, op, transferTimeout(0), newRequest(http.MethodGet, c.resolve(p), nil), func(resp *http.Response) error {
		switch resp.StatusCode {
		case http.StatusOK:
		case http.StatusNotFound:
			_ = unexpected(op, resp)
			return fmt.Errorf("%s: %w", op, apperrors.ErrRemoteNotFound)
		default:
			return unexpected(op, resp)
		}

		f, err := os.Create(dest)
		if err != nil {
			return fmt.Errorf("creating %s: %w", dest, err)
		}

		written, err = io.Copy(f, resp.Body)
		if cerr := f.Close(); err == nil {
			err = cerr
		}

		if err != nil {
			return &TransientError{Err: fmt.Errorf("%s: writing %s: %w", op, dest, err)}
		}

		return nil
	})
	if err != nil {
		return 0, err
	}

	return written, nil
}

// Mkdir creates a collection. An existing collection (405) counts as
// success. 403 and 409 map to ErrPermissionDenied and ErrParentMissing.
func (c *Client) Mkdir(ctx context.Context, p string) error {
	op := "MKCOL " + p

	return c.do(ctx, op, metadataTimeout, newRequest("MKCOL", c.resolve(strings.TrimSuffix(p, "/")+"/"), nil), func(resp *http.Response) error {
		switch resp.StatusCode {
		case http.StatusCreated, http.StatusNoContent, http.StatusOK:
			return nil
		case http.StatusMethodNotAllowed:
			return nil
		case http.StatusForbidden:
			return fmt.Errorf("%s: %w: %w", op, apperrors.ErrPermissionDenied, unexpected(op, resp))
		case http.StatusConflict:
			return fmt.Errorf("%s: %w: %w", op, apperrors.ErrParentMissing, unexpected(op, resp))
		}

		return unexpected(op, resp)
	})
}

// StoreChecksum writes digest to the companion file next to remote.
func (c *Client) StoreChecksum(ctx context.Context, remote, digest string) error {
	op := "PUT " + remote + ChecksumSuffix
	target := c.resolve(remote + ChecksumSuffix)
	payload := []byte(digest)

	build := func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPut, target, bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}

		req.Header.Set("Content-Type", "text/plain")

		return req, nil
	}

	return c.do(ctx, op, metadataTimeout, build, expect(op, http.StatusOK, http.StatusCreated, http.StatusNoContent))
}

// StoredChecksum reads the companion checksum file for remote. ok is false
// when there is none or its content is not a hex digest.
func (c *Client) StoredChecksum(ctx context.Context, remote string) (digest string, ok bool, err error) {
	op := "GET " + remote + ChecksumSuffix

	err = c.do(ctx, op, metadataTimeout, newRequest(http.MethodGet, c.resolve(remote+ChecksumSuffix), nil), func(resp *http.Response) error {
		switch resp.StatusCode {
		case http.StatusOK:
		case http.StatusNotFound:
			return nil
		default:
			return unexpected(op, resp)
		}

		body, err := io.ReadAll(io.LimitReader(resp.Body, maxChecksumBytes))
		if err != nil {
			return &TransientError{Err: fmt.Errorf("%s: reading body: %w", op, err)}
		}

		// Some tools write "digest  filename"; only the first field counts.
		fields := strings.Fields(string(body))
		if len(fields) > 0 && IsHex(fields[0]) {
			digest, ok = strings.ToLower(fields[0]), true
		}

		return nil
	})

	return digest, ok, err
}

// IsHex reports whether s is a non-empty run of hex digits in either case.
func IsHex(s string) bool {
	if s == "" {
		return false
	}

	for _, r := range s {
		switch {
		case r >= '0' && r <= '9', r >= 'a' && r <= 'f', r >= 'A' && r <= 'F':
		default:
			return false
		}
	}

	return true
}

// NormalizeETag strips a weak marker and surrounding quotes.
func NormalizeETag(tag string) string {
	tag = strings.TrimSpace(tag)
	tag = strings.TrimPrefix(tag, "W/")

	return strings.Trim(tag, `"`)
}
