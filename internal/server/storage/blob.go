package storage

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/klauspost/compress/gzip"
)

// Store defines the interface for blob storage backends.
// Delete reports whether the blob is gone; a missing key counts as a
// successful delete so cleanup retries stay idempotent.
type Store interface {
	Save(key string, data io.Reader) (int64, error)
	Open(key string) (io.ReadCloser, error)
	Delete(key string) (bool, error)
	EnsureDir() error
}

// NewKey mints an opaque storage key. Keys are never derived from the
// public code, so a code can be retired without touching the blob.
func NewKey() string {
	return uuid.NewString()
}

// FileSystemStore stores blobs on the local filesystem, gzip-compressed
// at rest and decompressed transparently on read.
type FileSystemStore struct {
	basePath string
}

// NewFileSystemStore creates a new filesystem storage backend.
func NewFileSystemStore(basePath string) *FileSystemStore {
	return &FileSystemStore{basePath: basePath}
}

// EnsureDir creates the storage directory if it doesn't exist.
func (fs *FileSystemStore) EnsureDir() error {
	if err := os.MkdirAll(fs.basePath, 0755); err != nil {
		return fmt.Errorf("failed to create storage directory %s: %w", fs.basePath, err)
	}
	return nil
}

// Save writes data through a gzip writer to a file named after the key.
// Returns the number of uncompressed bytes written.
func (fs *FileSystemStore) Save(key string, data io.Reader) (int64, error) {
	filePath := fs.blobPath(key)

	file, err := os.Create(filePath)
	if err != nil {
		return 0, fmt.Errorf("failed to create blob %s: %w", filePath, err)
	}
	defer file.Close()

	gz := gzip.NewWriter(file)
	n, err := io.Copy(gz, data)
	if err != nil {
		gz.Close()
		os.Remove(filePath)
		return 0, fmt.Errorf("failed to write blob: %w", err)
	}
	if err := gz.Close(); err != nil {
		os.Remove(filePath)
		return 0, fmt.Errorf("failed to flush blob: %w", err)
	}

	return n, nil
}

// Open returns a reader over the decompressed blob contents.
func (fs *FileSystemStore) Open(key string) (io.ReadCloser, error) {
	file, err := os.Open(fs.blobPath(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("blob not found for key %s", key)
		}
		return nil, fmt.Errorf("failed to open blob: %w", err)
	}

	gz, err := gzip.NewReader(file)
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to read blob header: %w", err)
	}

	return &blobReader{gz: gz, file: file}, nil
}

// Delete removes the blob for a key. A missing blob is a success.
func (fs *FileSystemStore) Delete(key string) (bool, error) {
	err := os.Remove(fs.blobPath(key))
	if err != nil && !os.IsNotExist(err) {
		return false, fmt.Errorf("failed to delete blob %s: %w", key, err)
	}
	return true, nil
}

func (fs *FileSystemStore) blobPath(key string) string {
	return filepath.Join(fs.basePath, key+".gz")
}

// blobReader closes both the gzip stream and the underlying file.
type blobReader struct {
	gz   *gzip.Reader
	file *os.File
}

func (r *blobReader) Read(p []byte) (int, error) { return r.gz.Read(p) }

func (r *blobReader) Close() error {
	gzErr := r.gz.Close()
	fileErr := r.file.Close()
	if gzErr != nil {
		return gzErr
	}
	return fileErr
}
