package storage

import (
	"context"
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func TestStorePaths(t *testing.T) {
	tests := []struct {
		backend, path string
		want          []string
	}{
		{BackendSQLite, "/data/vectors.db", []string{"/data/vectors.db", "/data/vectors.db-wal", "/data/vectors.db-shm", "/data/vectors.db-journal"}},
		{"", "/data/vectors.db", []string{"/data/vectors.db", "/data/vectors.db-wal", "/data/vectors.db-shm", "/data/vectors.db-journal"}},
		{BackendBadger, "/data/badger", []string{"/data/badger"}},
		{BackendSQLite, "", nil},
	}
	for _, tt := range tests {
		if got := StorePaths(tt.backend, tt.path); !reflect.DeepEqual(got, tt.want) {
			t.Errorf("StorePaths(%q, %q) = %v, want %v", tt.backend, tt.path, got, tt.want)
		}
	}
}

func TestDiskUsageBytes(t *testing.T) {
	dir := t.TempDir()
	snap := filepath.Join(dir, "index.snap")
	if err := os.WriteFile(snap, []byte("snapshot"), 0644); err != nil {
		t.Fatal(err)
	}
	catalog := filepath.Join(dir, "catalog")
	if err := os.MkdirAll(filepath.Join(catalog, "store"), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(catalog, "index_meta.json"), []byte("{}"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(catalog, "store", "root.bolt"), []byte("abc"), 0644); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name  string
		paths []string
		want  int64
	}{
		{"snapshot file", []string{snap}, 8},
		{"catalog directory", []string{catalog}, 5},
		{"file and directory", []string{snap, catalog}, 13},
		{"missing and empty skipped", []string{"", snap, filepath.Join(dir, "gone.db-wal")}, 8},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DiskUsageBytes(tt.paths...)
			if err != nil {
				t.Fatal(err)
			}
			if got != tt.want {
				t.Errorf("got %d bytes, want %d", got, tt.want)
			}
		})
	}
}

func TestDiskUsageBytes_CountsSQLiteWAL(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vectors.db")
	s, err := Open(BackendSQLite, path)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	if _, err := s.Put(context.Background(), "alice", []float32{1, 0, 0}); err != nil {
		t.Fatal(err)
	}

	if _, err := os.Stat(path + "-wal"); err != nil {
		t.Fatalf("expected WAL sidecar: %v", err)
	}
	mainOnly, err := DiskUsageBytes(path)
	if err != nil {
		t.Fatal(err)
	}
	withSidecars, err := DiskUsageBytes(StorePaths(BackendSQLite, path)...)
	if err != nil {
		t.Fatal(err)
	}
	if withSidecars <= mainOnly {
		t.Errorf("store footprint %d should exceed main file %d while the WAL is live", withSidecars, mainOnly)
	}
}
