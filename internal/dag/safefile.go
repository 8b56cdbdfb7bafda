package dag

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"os"
	"path/filepath"
)

// Staged is a private temporary file in the staging area. Bytes written
// to it are hashed as they arrive. A Staged file ends in exactly one of
// two ways: CommitUnindexed renames it into its hash-named slot, or
// Abandon removes it. Abandon after a commit is a no-op, so callers can
// always defer it:
//
//	st, err := store.Stage()
//	if err != nil {
//	    return err
//	}
//	defer st.Abandon()
type Staged struct {
	f    *os.File
	h    hash.Hash
	size int64
	done bool
}

func newStaged(dir string) (*Staged, error) {
	f, err := os.CreateTemp(dir, "stage-*")
	if err != nil {
		return nil, fmt.Errorf("create staging file: %w", err)
	}
	return &Staged{f: f, h: sha256.New()}, nil
}

// Write appends p to the staged file.
func (s *Staged) Write(p []byte) (int, error) {
	if s.done {
		return 0, fmt.Errorf("write to finished staging file %s", s.f.Name())
	}
	n, err := s.f.Write(p)
	s.h.Write(p[:n])
	s.size += int64(n)
	return n, err
}

// Name returns the path of the staged file.
func (s *Staged) Name() string {
	return s.f.Name()
}

// Size returns the number of bytes written so far.
func (s *Staged) Size() int64 {
	return s.size
}

// Sum returns the hex digest of the bytes written so far.
func (s *Staged) Sum() string {
	return hex.EncodeToString(s.h.Sum(nil))
}

// Abandon closes and removes the staged file.
func (s *Staged) Abandon() error {
	if s.done {
		return nil
	}
	s.done = true
	s.f.Close()
	if err := os.Remove(s.f.Name()); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove staging file: %w", err)
	}
	return nil
}

// seal flushes the file to disk and closes it, leaving it in place.
func (s *Staged) seal() error {
	if err := s.f.Sync(); err != nil {
		s.f.Close()
		return fmt.Errorf("fsync staging file: %w", err)
	}
	if err := s.f.Close(); err != nil {
		return fmt.Errorf("close staging file: %w", err)
	}
	return nil
}

// writeFileAtomic writes data to path via tempfile, fsync and rename in
// the same directory.
func writeFileAtomic(path string, data []byte, perm os.FileMode) (err error) {
	f, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmp := f.Name()
	defer func() {
		if err != nil {
			os.Remove(tmp)
		}
	}()

	if _, err = f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err = f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("fsync temp file: %w", err)
	}
	if err = f.Chmod(perm); err != nil {
		f.Close()
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err = f.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err = os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename temp to target: %w", err)
	}
	return nil
}

var _ io.Writer = (*Staged)(nil)
