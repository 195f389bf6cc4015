// Package share exposes a rooted directory to the tunnel agent. It owns the
// only path-safety boundary in the system: every viewer-supplied path is
// resolved through Resolve, which refuses anything outside the root.
package share

import (
	"errors"
	"fmt"
	"mime"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
)

var (
	ErrNotDirectory = errors.New("share root is not a directory")
	ErrOutsideRoot  = errors.New("path escapes share root")
)

// Entry describes one item of a directory listing.
type Entry struct {
	Name    string
	RelPath string // forward-slash path relative to the share root
	IsDir   bool
	Size    int64
}

// Dir is a share rooted at an absolute directory, with optional exclude
// patterns matched against both base names and relative paths.
type Dir struct {
	root     string
	excludes []string
}

// Open validates root and returns a Dir. Exclude patterns use path.Match
// syntax; invalid patterns are rejected here rather than at match time.
func Open(root string, excludes []string) (*Dir, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	fi, err := os.Stat(abs)
	if err != nil {
		return nil, err
	}
	if !fi.IsDir() {
		return nil, fmt.Errorf("%s: %w", abs, ErrNotDirectory)
	}
	for _, p := range excludes {
		if _, err := path.Match(p, "probe"); err != nil {
			return nil, fmt.Errorf("exclude pattern %q: %w", p, err)
		}
	}
	return &Dir{root: abs, excludes: excludes}, nil
}

// Root returns the absolute share root.
func (d *Dir) Root() string { return d.root }

// Resolve joins rel against the root and rejects any result that escapes it.
// rel uses forward slashes and may be empty for the root itself.
func (d *Dir) Resolve(rel string) (string, error) {
	cleaned := path.Clean("/" + strings.TrimSpace(rel))
	abs := filepath.Join(d.root, filepath.FromSlash(cleaned))
	inside, err := filepath.Rel(d.root, abs)
	if err != nil {
		return "", ErrOutsideRoot
	}
	if inside == ".." || strings.HasPrefix(inside, ".."+string(filepath.Separator)) {
		return "", ErrOutsideRoot
	}
	return abs, nil
}

// Excluded reports whether a relative path matches any exclude pattern,
// either by base name or by full relative path.
func (d *Dir) Excluded(rel string) bool {
	rel = strings.Trim(path.Clean("/"+rel), "/")
	if rel == "" || rel == "." {
		return false
	}
	base := path.Base(rel)
	for _, p := range d.excludes {
		if ok, _ := path.Match(p, base); ok {
			return true
		}
		if ok, _ := path.Match(p, rel); ok {
			return true
		}
	}
	return false
}

// List returns the entries of the directory at rel, excludes applied,
// directories first and each group sorted by name.
func (d *Dir) List(rel string) ([]Entry, error) {
	abs, err := d.Resolve(rel)
	if err != nil {
		return nil, err
	}
	dirents, err := os.ReadDir(abs)
	if err != nil {
		return nil, err
	}
	prefix := strings.Trim(path.Clean("/"+rel), "/")
	entries := make([]Entry, 0, len(dirents))
	for _, de := range dirents {
		relPath := de.Name()
		if prefix != "" {
			relPath = prefix + "/" + de.Name()
		}
		if d.Excluded(relPath) {
			continue
		}
		var size int64
		if !de.IsDir() {
			if fi, err := de.Info(); err == nil {
				size = fi.Size()
			}
		}
		entries = append(entries, Entry{
			Name:    de.Name(),
			RelPath: relPath,
			IsDir:   de.IsDir(),
			Size:    size,
		})
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].IsDir != entries[j].IsDir {
			return entries[i].IsDir
		}
		return entries[i].Name < entries[j].Name
	})
	return entries, nil
}

// ContentType looks up the MIME type for a file name, defaulting to
// application/octet-stream.
func ContentType(name string) string {
	if ct := mime.TypeByExtension(path.Ext(name)); ct != "" {
		return ct
	}
	return "application/octet-stream"
}
