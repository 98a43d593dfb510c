package workspace

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"

	"terminal/internal/sanitize"
)

// ArchiveSource provides the zip archive of a project by slug.
type ArchiveSource interface {
	// Stat returns the archive size, or ErrObjectNotFound.
	Stat(ctx context.Context, slug string) (int64, error)
	Open(ctx context.Context, slug string) (io.ReadCloser, error)
	Name() string
}

var _ ArchiveSource = (*LocalSource)(nil)

// LocalSource reads <Dir>/<slug>.zip from the local filesystem (dev mode).
type LocalSource struct {
	Dir string
}

func NewLocalSource(dir string) *LocalSource {
	return &LocalSource{Dir: dir}
}

func (s *LocalSource) Name() string { return "local" }

func (s *LocalSource) path(slug string) (string, error) {
	return sanitize.SafeJoin(s.Dir, slug+".zip")
}

func (s *LocalSource) Stat(ctx context.Context, slug string) (int64, error) {
	p, err := s.path(slug)
	if err != nil {
		return 0, err
	}
	fi, err := os.Stat(p)
	if errors.Is(err, fs.ErrNotExist) {
		return 0, fmt.Errorf("%w: %s", ErrObjectNotFound, p)
	}
	if err != nil {
		return 0, err
	}
	if !fi.Mode().IsRegular() {
		return 0, fmt.Errorf("%w: %s is not a regular file", ErrObjectNotFound, p)
	}
	return fi.Size(), nil
}

func (s *LocalSource) Open(ctx context.Context, slug string) (io.ReadCloser, error) {
	p, err := s.path(slug)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(p)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrObjectNotFound, p)
	}
	return f, err
}
