package fs_test

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/arbtrie/sal/pkg/fs"
)

func TestAtomicWriteFile_DurableAfterRename(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	real := fs.NewReal()
	writer := fs.NewAtomicWriter(real)

	path := filepath.Join(dir, "final.txt")

	err := writer.WriteWithDefaults(path, strings.NewReader("hello"))
	if err != nil {
		t.Fatalf("AtomicWriteFile: %v", err)
	}

	got, err := real.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}

	if string(got) != "hello" {
		t.Fatalf("content=%q, want %q", string(got), "hello")
	}
}
