// Package artifact is a sandboxed file service over the output root: it
// lists session directories, enumerates children, produces bounded text
// previews, and bundles directories into ZIP archives.
//
// Every path argument is relative to the root. The guard rejects absolute
// paths and anything whose cleaned form escapes the root with
// [ErrPathViolation] — by pure path computation, before any file I/O, so a
// hostile path never reaches the filesystem at all.
package artifact

import (
	"archive/zip"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"slices"
	"strings"
	"time"
	"unicode/utf8"
)

var (
	// ErrPathViolation is returned when a path argument escapes the
	// output root via ".." traversal or an absolute path.
	ErrPathViolation = errors.New("path escapes the output root")

	// ErrNotDirectory is returned by Zip and List when the target is a
	// plain file.
	ErrNotDirectory = errors.New("not a directory")

	// ErrNotPreviewable is returned by Preview for file types outside the
	// text allow-list.
	ErrNotPreviewable = errors.New("file type cannot be previewed")
)

// previewExtensions is the allow-list of text formats Preview will read.
// Everything else — audio, archives, unknown binaries — is rejected before
// the file is opened.
var previewExtensions = map[string]bool{
	".txt":  true,
	".md":   true,
	".json": true,
	".yaml": true,
	".yml":  true,
	".csv":  true,
	".tsv":  true,
	".log":  true,
	".srt":  true,
	".vtt":  true,
}

// Entry describes one artifact: a file or directory under the output root.
type Entry struct {
	// Name is the base name.
	Name string `json:"name"`

	// Path is the entry's location relative to the root, with forward
	// slashes. It is valid as input to List, Preview, and Zip.
	Path string `json:"path"`

	// Kind is "file" or "dir".
	Kind string `json:"kind"`

	// Size in bytes. Directories aggregate their contents recursively.
	Size int64 `json:"size"`

	Modified time.Time `json:"modified"`
}

// Preview is a bounded text excerpt of an artifact.
type Preview struct {
	// Content is the file's text, decoded with lossy substitution
	// (invalid bytes become U+FFFD) and cut to the requested limit.
	Content string `json:"content"`

	// Truncated reports whether the source file exceeds the limit.
	Truncated bool `json:"truncated"`

	// Size is the full size of the source file in bytes.
	Size int64 `json:"size"`
}

// Service exposes the sandboxed operations over one output root.
type Service struct {
	root string
}

// NewService returns a service rooted at root. The root itself is not
// checked here; a missing root simply lists as empty.
func NewService(root string) *Service {
	return &Service{root: filepath.Clean(root)}
}

// resolve maps a relative path into the root, rejecting escapes. It never
// touches the filesystem: the decision is made on the cleaned path alone.
func (s *Service) resolve(rel string) (string, error) {
	if filepath.IsAbs(rel) {
		return "", fmt.Errorf("artifact: path %q: %w", rel, ErrPathViolation)
	}
	// filepath.Join cleans the result, resolving ".." components.
	joined := filepath.Join(s.root, rel)
	if joined != s.root && !strings.HasPrefix(joined, s.root+string(filepath.Separator)) {
		return "", fmt.Errorf("artifact: path %q: %w", rel, ErrPathViolation)
	}
	return joined, nil
}

// ListSessions enumerates the top-level session directories. Plain files at
// the root are not sessions and are omitted.
func (s *Service) ListSessions() ([]Entry, error) {
	entries, err := os.ReadDir(s.root)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("artifact: read output root: %w", err)
	}

	var out []Entry
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		out = append(out, Entry{
			Name:     e.Name(),
			Path:     e.Name(),
			Kind:     "dir",
			Size:     dirSize(filepath.Join(s.root, e.Name())),
			Modified: info.ModTime(),
		})
	}
	sortEntries(out)
	return out, nil
}

// List enumerates the children of a directory given by its relative path.
// An empty rel lists the root. Returns [ErrNotDirectory] when rel names a
// plain file.
func (s *Service) List(rel string) ([]Entry, error) {
	abs, err := s.resolve(rel)
	if err != nil {
		return nil, err
	}

	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("artifact: list %q: %w", rel, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("artifact: list %q: %w", rel, ErrNotDirectory)
	}

	children, err := os.ReadDir(abs)
	if err != nil {
		return nil, fmt.Errorf("artifact: list %q: %w", rel, err)
	}

	base := filepath.ToSlash(rel)
	out := make([]Entry, 0, len(children))
	for _, e := range children {
		info, err := e.Info()
		if err != nil {
			continue
		}
		entry := Entry{
			Name:     e.Name(),
			Path:     path.Join(base, e.Name()),
			Modified: info.ModTime(),
		}
		if e.IsDir() {
			entry.Kind = "dir"
			entry.Size = dirSize(filepath.Join(abs, e.Name()))
		} else {
			entry.Kind = "file"
			entry.Size = info.Size()
		}
		out = append(out, entry)
	}
	sortEntries(out)
	return out, nil
}

// Preview returns at most limit bytes of a text file. The extension
// allow-list is checked before the file is opened. Truncation is detected
// by reading limit+1 bytes, so no second read or stat of the content is
// needed to know whether anything was cut.
func (s *Service) Preview(rel string, limit int) (*Preview, error) {
	abs, err := s.resolve(rel)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		return nil, fmt.Errorf("artifact: preview %q: limit must be positive", rel)
	}
	if ext := strings.ToLower(filepath.Ext(rel)); !previewExtensions[ext] {
		return nil, fmt.Errorf("artifact: preview %q: %w", rel, ErrNotPreviewable)
	}

	f, err := os.Open(abs)
	if err != nil {
		return nil, fmt.Errorf("artifact: preview %q: %w", rel, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("artifact: preview %q: %w", rel, err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("artifact: preview %q: is a directory", rel)
	}

	raw, err := io.ReadAll(io.LimitReader(f, int64(limit)+1))
	if err != nil {
		return nil, fmt.Errorf("artifact: preview %q: %w", rel, err)
	}

	truncated := len(raw) > limit
	content := raw
	if truncated {
		content = raw[:limit]
		// The byte cut can tear a multi-byte rune; dropping the torn tail
		// keeps the preview at most limit bytes even after substitution.
		for range utf8.UTFMax {
			r, size := utf8.DecodeLastRune(content)
			if len(content) == 0 || r != utf8.RuneError || size != 1 {
				break
			}
			content = content[:len(content)-1]
		}
	}

	return &Preview{
		Content:   strings.ToValidUTF8(string(content), "�"),
		Truncated: truncated,
		Size:      info.Size(),
	}, nil
}

// Zip streams a ZIP archive of a directory to w. Entry names are relative,
// prefixed with the directory's base name, and mirror the source tree, so
// unzipping reproduces the original layout. Zipping a plain file returns
// [ErrNotDirectory].
func (s *Service) Zip(rel string, w io.Writer) error {
	abs, err := s.resolve(rel)
	if err != nil {
		return err
	}

	info, err := os.Stat(abs)
	if err != nil {
		return fmt.Errorf("artifact: zip %q: %w", rel, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("artifact: zip %q: %w", rel, ErrNotDirectory)
	}

	zw := zip.NewWriter(w)
	prefix := filepath.Base(abs)

	walkErr := filepath.WalkDir(abs, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		relPath, err := filepath.Rel(abs, p)
		if err != nil {
			return err
		}
		if relPath == "." {
			return nil
		}
		name := path.Join(prefix, filepath.ToSlash(relPath))

		if d.IsDir() {
			// Explicit directory entries so empty directories survive
			// the round trip.
			_, err := zw.Create(name + "/")
			return err
		}

		fi, err := d.Info()
		if err != nil {
			return err
		}
		hdr, err := zip.FileInfoHeader(fi)
		if err != nil {
			return err
		}
		hdr.Name = name
		hdr.Method = zip.Deflate

		fw, err := zw.CreateHeader(hdr)
		if err != nil {
			return err
		}
		src, err := os.Open(p)
		if err != nil {
			return err
		}
		defer src.Close()
		_, err = io.Copy(fw, src)
		return err
	})
	if walkErr != nil {
		zw.Close()
		return fmt.Errorf("artifact: zip %q: %w", rel, walkErr)
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("artifact: zip %q: %w", rel, err)
	}
	return nil
}

// dirSize sums the sizes of all regular files under dir. Unreadable
// entries count as zero; a size estimate must never fail a listing.
func dirSize(dir string) int64 {
	var total int64
	filepath.WalkDir(dir, func(_ string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		if info, err := d.Info(); err == nil {
			total += info.Size()
		}
		return nil
	})
	return total
}

// sortEntries orders directories before files, each group by name.
func sortEntries(entries []Entry) {
	slices.SortFunc(entries, func(a, b Entry) int {
		if a.Kind != b.Kind {
			if a.Kind == "dir" {
				return -1
			}
			return 1
		}
		return strings.Compare(a.Name, b.Name)
	})
}
