package storage

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func newTestStore(t *testing.T) *FileSystemStore {
	t.Helper()
	fs := NewFileSystemStore(t.TempDir())
	if err := fs.EnsureDir(); err != nil {
		t.Fatalf("failed to ensure storage dir: %v", err)
	}
	return fs
}

func TestSaveAndOpen(t *testing.T) {
	fs := newTestStore(t)

	content := "hello codedrop, this is a blob payload"
	key := NewKey()

	n, err := fs.Save(key, strings.NewReader(content))
	if err != nil {
		t.Fatalf("unexpected save error: %v", err)
	}
	if n != int64(len(content)) {
		t.Errorf("expected %d uncompressed bytes, got %d", len(content), n)
	}

	rc, err := fs.Open(key)
	if err != nil {
		t.Fatalf("unexpected open error: %v", err)
	}
	defer rc.Close()

	got, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("unexpected read error: %v", err)
	}
	if string(got) != content {
		t.Errorf("round trip mismatch: got %q, want %q", got, content)
	}
}

func TestBlobCompressedAtRest(t *testing.T) {
	fs := newTestStore(t)

	// Highly repetitive content compresses well; the on-disk file must
	// not contain the plaintext.
	content := strings.Repeat("compressible ", 1024)
	key := NewKey()

	if _, err := fs.Save(key, strings.NewReader(content)); err != nil {
		t.Fatalf("unexpected save error: %v", err)
	}

	raw, err := os.ReadFile(filepath.Join(fs.basePath, key+".gz"))
	if err != nil {
		t.Fatalf("failed to read blob file: %v", err)
	}
	if len(raw) >= len(content) {
		t.Errorf("expected compressed file smaller than %d bytes, got %d", len(content), len(raw))
	}
	if bytes.Contains(raw, []byte("compressible compressible")) {
		t.Error("on-disk blob contains uncompressed plaintext")
	}
}

func TestOpenMissingKey(t *testing.T) {
	fs := newTestStore(t)

	if _, err := fs.Open("no-such-key"); err == nil {
		t.Error("expected error opening missing blob")
	}
}

func TestDelete(t *testing.T) {
	fs := newTestStore(t)

	t.Run("existing blob", func(t *testing.T) {
		key := NewKey()
		if _, err := fs.Save(key, strings.NewReader("data")); err != nil {
			t.Fatalf("unexpected save error: %v", err)
		}

		ok, err := fs.Delete(key)
		if err != nil {
			t.Fatalf("unexpected delete error: %v", err)
		}
		if !ok {
			t.Error("expected delete to report success")
		}
		if _, err := fs.Open(key); err == nil {
			t.Error("blob still readable after delete")
		}
	})

	t.Run("missing blob is success", func(t *testing.T) {
		ok, err := fs.Delete("never-existed")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !ok {
			t.Error("deleting a missing key must count as success")
		}
	})
}

func TestNewKeyUnique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		key := NewKey()
		if seen[key] {
			t.Fatalf("duplicate storage key: %s", key)
		}
		seen[key] = true
	}
}
