package source

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/hyperjump/kao/internal/models"
)

// DirSource enumerates regular files under a local directory.
type DirSource struct {
	root      string
	recursive bool
}

// NewDirSource returns a source rooted at root.
func NewDirSource(root string, recursive bool) *DirSource {
	return &DirSource{root: root, recursive: recursive}
}

// Name returns the root directory.
func (d *DirSource) Name() string {
	return "dir:" + d.root
}

// List walks the root. Symlinks are followed to regular files only.
func (d *DirSource) List(ctx context.Context) ([]Object, error) {
	info, err := os.Stat(d.root)
	if err != nil {
		return nil, fmt.Errorf("stat directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("not a directory: %s", d.root)
	}

	var out []Object
	err = filepath.WalkDir(d.root, func(p string, entry fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if entry.IsDir() {
			if p != d.root && (!d.recursive || strings.HasPrefix(entry.Name(), ".")) {
				return filepath.SkipDir
			}
			return nil
		}
		finfo, statErr := os.Stat(p)
		if statErr != nil || !finfo.Mode().IsRegular() {
			return nil
		}
		rel, relErr := filepath.Rel(d.root, p)
		if relErr != nil {
			return relErr
		}
		out = append(out, Object{
			Key:     filepath.ToSlash(rel),
			Size:    finfo.Size(),
			ModTime: finfo.ModTime(),
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	sortObjects(out)
	return out, nil
}

// Open opens a file by key. Keys escaping the root are rejected.
func (d *DirSource) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	clean := filepath.Clean(filepath.FromSlash(key))
	if filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return nil, models.Validationf("object key %q escapes the source root", key)
	}
	f, err := os.Open(filepath.Join(d.root, clean))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: object %s", models.ErrNotFound, key)
		}
		return nil, err
	}
	return f, nil
}
