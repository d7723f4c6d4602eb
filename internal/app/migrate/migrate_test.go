package migrate

import (
	"io/fs"
	"os"
	"path/filepath"
	"testing"
)

func TestMigrationFSFallsBackToEmbedded(t *testing.T) {
	fsys, source, err := migrationFS(filepath.Join(t.TempDir(), "missing"))
	if err != nil {
		t.Fatalf("migrationFS: %v", err)
	}
	if source != "embedded" {
		t.Fatalf("expected embedded source, got %q", source)
	}
	matches, err := fs.Glob(fsys, "*.sql")
	if err != nil {
		t.Fatalf("glob: %v", err)
	}
	if len(matches) < 3 {
		t.Fatalf("expected bundled migrations, got %v", matches)
	}
}

func TestMigrationFSPrefersDirectory(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "00001_init.sql"), []byte("-- +goose Up\nSELECT 1;\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	fsys, source, err := migrationFS(dir)
	if err != nil {
		t.Fatalf("migrationFS: %v", err)
	}
	if source != dir {
		t.Fatalf("expected directory source, got %q", source)
	}
	if _, err := fs.Stat(fsys, "00001_init.sql"); err != nil {
		t.Fatalf("expected migration in directory fs: %v", err)
	}
}

func TestNewRejectsEmptyDSN(t *testing.T) {
	if _, err := New("", "", nil); err == nil {
		t.Fatal("expected error for empty dsn")
	}
}
