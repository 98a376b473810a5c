// Package source opens the files that file-origin jobs refer to.
package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// ErrNotFound is returned when the named file does not exist.
var ErrNotFound = errors.New("source file not found")

// Opener resolves a job filename to its contents.
type Opener interface {
	Open(ctx context.Context, name string) (io.ReadCloser, error)
}

// Dir serves files from a local data directory.
type Dir struct {
	root string
}

func NewDir(root string) *Dir {
	return &Dir{root: root}
}

// Open refuses names that would leave the data directory.
func (d *Dir) Open(ctx context.Context, name string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !filepath.IsLocal(name) {
		return nil, fmt.Errorf("invalid source file name %q", name)
	}
	f, err := os.Open(filepath.Join(d.root, name))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open source file: %w", err)
	}
	return f, nil
}
