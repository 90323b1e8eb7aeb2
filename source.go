package loader

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
)

// FileSource enumerates the input files of a directory.
type FileSource struct {
	dir       string
	extension string
}

func NewFileSource(dir, extension string) *FileSource {
	return &FileSource{dir: dir, extension: extension}
}

// FileRef points at an input file whose content has not been read yet.
type FileRef struct {
	Filename string
	Path     string
}

// Load reads the whole file.
func (r FileRef) Load() (FilePayload, error) {
	content, err := os.ReadFile(r.Path)
	if err != nil {
		return FilePayload{}, fmt.Errorf("reading file %s: %w", r.Filename, err)
	}
	return FilePayload{Filename: r.Filename, Content: content}, nil
}

// List returns the regular files whose name ends with the configured
// extension. Callers must not rely on the order for correctness.
func (s *FileSource) List() ([]FileRef, error) {
	info, err := os.Stat(s.dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrDirectoryNotFound, s.dir)
	}
	if err != nil {
		return nil, fmt.Errorf("inspecting input dir %s: %w", s.dir, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%w: %s is not a directory", ErrDirectoryNotFound, s.dir)
	}

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("listing input dir %s: %w", s.dir, err)
	}

	refs := make([]FileRef, 0, len(entries))
	for _, entry := range entries {
		if !entry.Type().IsRegular() || !strings.HasSuffix(entry.Name(), s.extension) {
			continue
		}
		refs = append(refs, FileRef{
			Filename: entry.Name(),
			Path:     filepath.Join(s.dir, entry.Name()),
		})
	}
	zap.S().Debugw("listed input files", "input_dir", s.dir, "files", len(refs))
	return refs, nil
}
