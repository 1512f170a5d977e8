package storage

import (
	"errors"
	"io/fs"
	"path/filepath"
)

// sqliteSidecars are the files SQLite keeps next to a WAL-mode database.
var sqliteSidecars = []string{"-wal", "-shm", "-journal"}

// StorePaths lists the files and directories a store of the given backend
// occupies when opened at path.
func StorePaths(backend, path string) []string {
	if path == "" {
		return nil
	}
	if backend == BackendBadger {
		return []string{path}
	}
	paths := []string{path}
	for _, suffix := range sqliteSidecars {
		paths = append(paths, path+suffix)
	}
	return paths
}

// DiskUsageBytes sums the size of the given files and directories.
// Empty and missing paths count as zero.
func DiskUsageBytes(paths ...string) (int64, error) {
	var total int64
	for _, p := range paths {
		if p == "" {
			continue
		}
		err := filepath.WalkDir(p, func(_ string, d fs.DirEntry, err error) error {
			if err != nil {
				if errors.Is(err, fs.ErrNotExist) {
					return nil
				}
				return err
			}
			if d.IsDir() {
				return nil
			}
			info, err := d.Info()
			if err != nil {
				// A sidecar can vanish between listing and stat on checkpoint.
				if errors.Is(err, fs.ErrNotExist) {
					return nil
				}
				return err
			}
			total += info.Size()
			return nil
		})
		if err != nil {
			return 0, err
		}
	}
	return total, nil
}
