package dav

import (
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"

	"golang.org/x/text/unicode/norm"
)

// maxMultistatusBytes caps a PROPFIND response body. A depth-1 listing of
// a few thousand entries fits comfortably.
const maxMultistatusBytes = 32 * 1024 * 1024

const propfindBody = `<?xml version="1.0" encoding="utf-8"?>
<d:propfind xmlns:d="DAV:">
  <d:prop>
    <d:displayname/>
    <d:resourcetype/>
    <d:getcontentlength/>
    <d:getlastmodified/>
    <d:getetag/>
  </d:prop>
</d:propfind>`

// Entry is one child of a listed collection.
type Entry struct {
	Name         string
	Path         string
	IsDir        bool
	Size         int64
	ETag         string
	LastModified time.Time
}

type multistatus struct {
	Responses []response `xml:"DAV: response"`
}

type response struct {
	Href      string     `xml:"DAV: href"`
	Propstats []propstat `xml:"DAV: propstat"`
}

type propstat struct {
	Prop   prop   `xml:"DAV: prop"`
	Status string `xml:"DAV: status"`
}

type prop struct {
	DisplayName   string       `xml:"DAV: displayname"`
	ResourceType  resourceType `xml:"DAV: resourcetype"`
	ContentLength string       `xml:"DAV: getcontentlength"`
	LastModified  string       `xml:"DAV: getlastmodified"`
	ETag          string       `xml:"DAV: getetag"`
}

type resourceType struct {
	Collection *struct{} `xml:"DAV: collection"`
}

// props merges every propstat reporting success. Propstats for missing
// properties (404) are ignored.
func (r response) props() prop {
	var out prop

	for _, ps := range r.Propstats {
		if ps.Status != "" && !strings.Contains(ps.Status, " 200") {
			continue
		}

		p := ps.Prop
		if p.DisplayName != "" {
			out.DisplayName = p.DisplayName
		}

		if p.ResourceType.Collection != nil {
			out.ResourceType.Collection = p.ResourceType.Collection
		}

		if p.ContentLength != "" {
			out.ContentLength = p.ContentLength
		}

		if p.LastModified != "" {
			out.LastModified = p.LastModified
		}

		if p.ETag != "" {
			out.ETag = p.ETag
		}
	}

	return out
}

func (r response) info() Info {
	p := r.props()
	info := Info{
		Exists: true,
		IsDir:  p.ResourceType.Collection != nil,
		ETag:   NormalizeETag(p.ETag),
	}

	if n, err := strconv.ParseInt(strings.TrimSpace(p.ContentLength), 10, 64); err == nil {
		info.Size = n
	}

	if t, err := http.ParseTime(strings.TrimSpace(p.LastModified)); err == nil {
		info.LastModified = t
	}

	return info
}

// hrefPath returns the decoded, cleaned path of an href, which may be
// either an absolute URL or a path.
func (r response) hrefPath() string {
	href := strings.TrimSpace(r.Href)
	if u, err := url.Parse(href); err == nil {
		href = u.Path
	} else if unescaped, err := url.PathUnescape(href); err == nil {
		href = unescaped
	}

	return path.Clean("/" + href)
}

func decodeMultistatus(r io.Reader) ([]response, error) {
	var ms multistatus

	dec := xml.NewDecoder(io.LimitReader(r, maxMultistatusBytes))
	if err := dec.Decode(&ms); err != nil {
		return nil, fmt.Errorf("decoding multistatus: %w", err)
	}

	return ms.Responses, nil
}

func propfindRequest(target, depth string) requestFunc {
	return func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, "PROPFIND", target, bytes.NewReader([]byte(propfindBody)))
		if err != nil {
			return nil, err
		}

		req.Header.Set("Depth", depth)
		req.Header.Set("Content-Type", "application/xml; charset=utf-8")

		return req, nil
	}
}

// List returns the children of the collection at p, without the collection
// itself and without hidden or system entries. Names are NFC-normalized.
func (c *Client) List(ctx context.Context, p string) ([]Entry, error) {
	target := c.resolve(strings.TrimSuffix(p, "/") + "/")

	self, err := url.Parse(target)
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", target, err)
	}

	selfPath := path.Clean("/" + self.Path)
	parent := path.Join("/", p)

	var entries []Entry

	op := "PROPFIND " + p
	err = c.do(ctx, op, metadataTimeout, propfindRequest(target, "1"), func(resp *http.Response) error {
		if resp.StatusCode != http.StatusMultiStatus {
			return unexpected(op, resp)
		}

		responses, err := decodeMultistatus(resp.Body)
		if err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}

		entries = entries[:0]

		for _, r := range responses {
			hp := r.hrefPath()
			if hp == selfPath {
				continue
			}

			info := r.info()

			name := r.props().DisplayName
			if name == "" {
				name = path.Base(hp)
			}

			name = norm.NFC.String(name)
			if IsHiddenName(name, info.IsDir) {
				continue
			}

			entries = append(entries, Entry{
				Name:         name,
				Path:         path.Join(parent, name),
				IsDir:        info.IsDir,
				Size:         info.Size,
				ETag:         info.ETag,
				LastModified: info.LastModified,
			})
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	return entries, nil
}

// systemDirs are directory names never shown in listings. Matching is
// case-insensitive.
var systemDirs = map[string]struct{}{
	"nextflow":     {},
	"output":       {},
	"proteome":     {},
	".git":         {},
	".svn":         {},
	"temp":         {},
	"cache":        {},
	".trash":       {},
	".recycle":     {},
	"__macosx":     {},
	"$recycle.bin": {},
}

// IsHiddenName reports whether a remote entry is hidden or a system
// artifact that listings should not show.
func IsHiddenName(name string, isDir bool) bool {
	switch {
	case name == "", strings.HasPrefix(name, "."):
		return true
	case strings.HasPrefix(name, "copy_directory_"):
		return true
	case name == "Thumbs.db", name == "__pycache__", name == "desktop.ini":
		return true
	}

	if isDir {
		_, ok := systemDirs[strings.ToLower(name)]
		return ok
	}

	return false
}
