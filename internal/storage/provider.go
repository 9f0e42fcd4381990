// Package storage defines the vault file-system abstraction.
package storage

import "github.com/okvist/zet/internal/models"

// Provider is the interface for vault file operations. List and Stat return
// metadata only; the reindexer decides separately whether content needs to
// be read.
type Provider interface {
	// List walks dir (relative to the vault root) and returns stat metadata
	// for every .md file. Hidden directories and ignored directories are
	// skipped. No file content is read.
	List(dir string) ([]models.FileInfo, error)
	// Stat returns metadata for a single vault file.
	Stat(path string) (models.FileInfo, error)
	// Read returns the raw bytes of the file at path (relative to the root).
	Read(path string) ([]byte, error)
	// Write atomically writes content to path (relative to the root).
	Write(path string, content []byte) error
	// Delete removes the file at path (relative to the root).
	Delete(path string) error
	// Move renames oldPath to newPath (both relative to the root).
	Move(oldPath, newPath string) error
}
