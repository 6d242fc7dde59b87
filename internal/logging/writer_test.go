package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestRotatingWriter_CreateFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "healthd.log")

	w, err := NewRotatingWriter(path, 1, 3, 30)
	if err != nil {
		t.Fatalf("NewRotatingWriter: %v", err)
	}
	defer w.Close()

	n, err := w.Write([]byte("hello\n"))
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if n != 6 {
		t.Fatalf("Write returned %d, want 6", n)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(data) != "hello\n" {
		t.Fatalf("file content = %q, want %q", string(data), "hello\n")
	}
}

func TestRotatingWriter_RotatesOnSize(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "healthd.log")

	w, err := NewRotatingWriter(path, 1, 3, 30)
	if err != nil {
		t.Fatalf("NewRotatingWriter: %v", err)
	}
	w.limit = 100
	defer w.Close()

	data := strings.Repeat("x", 60)
	w.Write([]byte(data))
	w.Write([]byte(data)) // pushes past the limit, rotates first

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}

	rotated := 0
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), "healthd-") && strings.HasSuffix(e.Name(), ".log") {
			rotated++
		}
	}
	if rotated < 1 {
		t.Errorf("expected at least 1 rotated file, got %d", rotated)
	}

	// The active file holds only the post-rotation write.
	active, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if len(active) != 60 {
		t.Errorf("active file has %d bytes, want 60", len(active))
	}
}

func TestRotatingWriter_PruneEnforcesBackups(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "healthd.log")

	w, err := NewRotatingWriter(path, 1, 2, 30)
	if err != nil {
		t.Fatalf("NewRotatingWriter: %v", err)
	}
	defer w.Close()

	// Fabricate rotated files and prune synchronously.
	for _, name := range []string{
		"healthd-20260101-000000.log",
		"healthd-20260102-000000.log",
		"healthd-20260103-000000.log",
		"healthd-20260104-000000.log",
	} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("old"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	w.prune()

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	var rotated []string
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), "healthd-") {
			rotated = append(rotated, e.Name())
		}
	}
	if len(rotated) != 2 {
		t.Fatalf("expected 2 surviving backups, got %v", rotated)
	}
	// The newest two survive.
	if rotated[0] != "healthd-20260103-000000.log" || rotated[1] != "healthd-20260104-000000.log" {
		t.Errorf("pruned the wrong files, survivors: %v", rotated)
	}
}

func TestRotatingWriter_CreatesDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "subdir", "nested", "healthd.log")

	w, err := NewRotatingWriter(path, 1, 3, 30)
	if err != nil {
		t.Fatalf("NewRotatingWriter: %v", err)
	}
	defer w.Close()

	w.Write([]byte("test"))

	if _, err := os.Stat(path); os.IsNotExist(err) {
		t.Error("log file was not created")
	}
}
