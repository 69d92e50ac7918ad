package monitor

import (
	"path/filepath"
	"strings"
)

// Filter decides which local paths are candidates for upload.
type Filter struct {
	extensions map[string]struct{}
}

// NewFilter creates a Filter accepting the given extensions, which must
// be lowercase with a leading dot. No extensions accepts every file.
func NewFilter(extensions []string) Filter {
	f := Filter{extensions: make(map[string]struct{}, len(extensions))}
	for _, ext := range extensions {
		f.extensions[ext] = struct{}{}
	}

	return f
}

// Allow reports whether a file should be tracked.
func (f Filter) Allow(path string) bool {
	name := filepath.Base(path)
	if hiddenName(name) {
		return false
	}

	// Editor and partial-download leftovers.
	if strings.HasSuffix(name, "~") || strings.HasSuffix(name, ".swp") || strings.HasSuffix(name, ".part") {
		return false
	}

	if len(f.extensions) == 0 {
		return true
	}

	_, ok := f.extensions[strings.ToLower(filepath.Ext(name))]

	return ok
}

// SkipDir reports whether a directory should be neither watched nor
// scanned.
func (f Filter) SkipDir(path string) bool {
	return hiddenName(filepath.Base(path))
}

// hiddenName matches dot files and the "~" prefix used by lock and
// temporary files on Windows.
func hiddenName(name string) bool {
	return strings.HasPrefix(name, ".") || strings.HasPrefix(name, "~")
}
