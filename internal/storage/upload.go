package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

var (
	ErrUnsupportedFormat = errors.New("unsupported audio format")
	ErrTooLarge          = errors.New("file exceeds upload limit")
	ErrEmptyFile         = errors.New("empty file")
)

// Upload describes a stored upload.
type Upload struct {
	Path     string // absolute path handed to tasks as temp_file_path
	Filename string // client-supplied name
	Size     int64
}

// UploadStore keeps uploaded audio on the local filesystem until a task
// decodes it.
type UploadStore struct {
	dir      string
	maxBytes int64
	allowed  map[string]bool
}

// NewUploadStore creates a store rooted at dir. allowed lists accepted
// extensions including the dot (".wav"); maxBytes <= 0 means unlimited.
func NewUploadStore(dir string, maxBytes int64, allowed []string) (*UploadStore, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolve upload dir: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("mkdir %s: %w", abs, err)
	}
	s := &UploadStore{dir: abs, maxBytes: maxBytes, allowed: make(map[string]bool)}
	for _, ext := range allowed {
		ext = strings.ToLower(strings.TrimSpace(ext))
		if ext == "" {
			continue
		}
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		s.allowed[ext] = true
	}
	return s, nil
}

// Dir returns the upload directory path.
func (s *UploadStore) Dir() string { return s.dir }

// Allowed reports whether filename has an accepted extension.
func (s *UploadStore) Allowed(filename string) bool {
	if len(s.allowed) == 0 {
		return true
	}
	return s.allowed[strings.ToLower(filepath.Ext(filename))]
}

// Save streams r into a new file named after filename.
func (s *UploadStore) Save(ctx context.Context, filename string, r io.Reader) (Upload, error) {
	if !s.Allowed(filename) {
		return Upload{}, fmt.Errorf("%w: %q", ErrUnsupportedFormat, filepath.Ext(filename))
	}
	if err := ctx.Err(); err != nil {
		return Upload{}, err
	}

	path := filepath.Join(s.dir, uuid.NewString()[:8]+"_"+SanitizeFilename(filename))

	// Atomic write: temp file + rename
	tmp, err := os.CreateTemp(s.dir, ".upload-*.tmp")
	if err != nil {
		return Upload{}, fmt.Errorf("create temp: %w", err)
	}
	tmpPath := tmp.Name()
	fail := func(err error) (Upload, error) {
		tmp.Close()
		os.Remove(tmpPath)
		return Upload{}, err
	}

	src := r
	if s.maxBytes > 0 {
		src = io.LimitReader(r, s.maxBytes+1)
	}
	n, err := io.Copy(tmp, src)
	if err != nil {
		return fail(fmt.Errorf("write: %w", err))
	}
	if s.maxBytes > 0 && n > s.maxBytes {
		return fail(ErrTooLarge)
	}
	if n == 0 {
		return fail(ErrEmptyFile)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return Upload{}, fmt.Errorf("close: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return Upload{}, fmt.Errorf("rename: %w", err)
	}
	return Upload{Path: path, Filename: filename, Size: n}, nil
}

// Remove deletes a stored upload. Paths outside the store are refused.
func (s *UploadStore) Remove(path string) error {
	rel, err := filepath.Rel(s.dir, filepath.Clean(path))
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") || filepath.IsAbs(rel) {
		return fmt.Errorf("%s is not in the upload store", path)
	}
	return os.Remove(filepath.Join(s.dir, rel))
}

// SanitizeFilename reduces name to a safe base name.
func SanitizeFilename(name string) string {
	name = filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9',
			r == '.', r == '-', r == '_':
			b.WriteRune(r)
		case r > 127:
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	out := strings.TrimLeft(b.String(), ".")
	if out == "" {
		return "upload"
	}
	return out
}
