package dag

import (
	"os"
	"path/filepath"
	"testing"
)

func TestWriteFileAtomic_Rename(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.txt")
	data := []byte("hello world")

	if err := writeFileAtomic(path, data, 0600); err != nil {
		t.Fatalf("writeFileAtomic: %v", err)
	}

	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(got) != string(data) {
		t.Fatalf("got %q, want %q", got, data)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if info.Mode().Perm() != 0600 {
		t.Fatalf("perm = %o, want 0600", info.Mode().Perm())
	}
}

func TestWriteFileAtomic_OverwriteExisting(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.txt")

	if err := writeFileAtomic(path, []byte("first"), 0644); err != nil {
		t.Fatalf("writeFileAtomic first: %v", err)
	}
	if err := writeFileAtomic(path, []byte("second"), 0644); err != nil {
		t.Fatalf("writeFileAtomic second: %v", err)
	}

	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(got) != "second" {
		t.Fatalf("got %q, want %q", got, "second")
	}
}

func TestWriteFileAtomic_NoPartialFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.txt")

	if err := writeFileAtomic(path, []byte("original"), 0644); err != nil {
		t.Fatalf("writeFileAtomic: %v", err)
	}

	badPath := filepath.Join(dir, "nodir", "test.txt")
	if err := writeFileAtomic(badPath, []byte("bad"), 0644); err == nil {
		t.Fatal("expected error writing to nonexistent dir")
	}

	entries, _ := os.ReadDir(dir)
	for _, e := range entries {
		if e.Name() != "test.txt" {
			t.Fatalf("unexpected file left behind: %s", e.Name())
		}
	}

	got, _ := os.ReadFile(path)
	if string(got) != "original" {
		t.Fatalf("original corrupted: got %q", got)
	}
}

func TestStaged_HashesWrites(t *testing.T) {
	dir := t.TempDir()
	st, err := newStaged(dir)
	if err != nil {
		t.Fatalf("newStaged: %v", err)
	}
	defer st.Abandon()

	st.Write([]byte("hello "))
	st.Write([]byte("world"))

	if st.Size() != 11 {
		t.Fatalf("size = %d, want 11", st.Size())
	}
	if want := HashBytes([]byte("hello world")); st.Sum() != want {
		t.Fatalf("sum = %s, want %s", st.Sum(), want)
	}
	if filepath.Dir(st.Name()) != dir {
		t.Fatalf("staged in %s, want %s", filepath.Dir(st.Name()), dir)
	}
}

func TestStaged_AbandonTwice(t *testing.T) {
	dir := t.TempDir()
	st, err := newStaged(dir)
	if err != nil {
		t.Fatalf("newStaged: %v", err)
	}
	st.Write([]byte("partial"))

	if err := st.Abandon(); err != nil {
		t.Fatalf("Abandon: %v", err)
	}
	if err := st.Abandon(); err != nil {
		t.Fatalf("second Abandon: %v", err)
	}
	if _, err := st.Write([]byte("more")); err == nil {
		t.Fatal("write after Abandon succeeded")
	}

	entries, _ := os.ReadDir(dir)
	if len(entries) != 0 {
		t.Fatalf("staging dir not empty: %d entries", len(entries))
	}
}
