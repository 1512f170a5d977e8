// Package fileid derives stable identifiers for watched paths and image contents.
package fileid

import (
	"crypto/sha256"
	"encoding/hex"
	"path/filepath"
)

const (
	pathPrefix    = "file:"
	contentPrefix = "sha256:"
)

// PathID returns a stable ID for the given path. Same cleaned path always yields the same ID.
func PathID(path string) string {
	normalized := filepath.Clean(path)
	hash := sha256.Sum256([]byte(normalized))
	return pathPrefix + hex.EncodeToString(hash[:])
}

// ContentID returns a digest of data. Identical bytes always yield the same ID.
func ContentID(data []byte) string {
	hash := sha256.Sum256(data)
	return contentPrefix + hex.EncodeToString(hash[:])
}
