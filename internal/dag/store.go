package dag

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"syscall"
	"time"
)

// ObjectStore manages hash-named immutable objects on disk in three
// areas: staging (private temp files), unindexed (committed, awaiting
// indexing) and finalized (committed and indexed). Objects move between
// areas only by rename, so every transition is atomic.
//
// Concurrent callers may stage and commit freely. Two commits of the
// same hash both succeed; the second rename replaces byte-identical
// content.
type ObjectStore struct {
	staging   string
	unindexed string
	finalized string
}

// NewObjectStore creates an ObjectStore over the given directories,
// creating them if needed.
func NewObjectStore(staging, unindexed, finalized string) (*ObjectStore, error) {
	for _, dir := range []string{staging, unindexed, finalized} {
		if dir == "" {
			return nil, fmt.Errorf("object store: empty directory")
		}
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create dir %s: %w", dir, err)
		}
	}
	return &ObjectStore{staging: staging, unindexed: unindexed, finalized: finalized}, nil
}

func slot(dir, hash string) (string, error) {
	if !ValidHash(hash) {
		return "", fmt.Errorf("%w: invalid object hash %q", ErrNotFound, hash)
	}
	return filepath.Join(dir, hash), nil
}

// Stage opens a new private file in the staging area.
func (s *ObjectStore) Stage() (*Staged, error) {
	return newStaged(s.staging)
}

// StageFile moves an existing file into the staging area and hashes it.
// The file is renamed when it lives on the same filesystem, copied
// otherwise.
func (s *ObjectStore) StageFile(path string) (*Staged, error) {
	info, err := os.Lstat(path)
	if err != nil {
		return nil, fmt.Errorf("stage %s: %w", path, err)
	}
	if !info.Mode().IsRegular() {
		return nil, fmt.Errorf("stage %s: not a regular file", path)
	}

	st, err := newStaged(s.staging)
	if err != nil {
		return nil, err
	}
	st.f.Close()

	if err := os.Rename(path, st.Name()); err != nil {
		if !errors.Is(err, syscall.EXDEV) {
			st.Abandon()
			return nil, fmt.Errorf("stage %s: %w", path, err)
		}
		if err := copyFile(path, st.Name()); err != nil {
			st.Abandon()
			return nil, fmt.Errorf("stage %s: %w", path, err)
		}
	}

	f, err := os.OpenFile(st.Name(), os.O_RDWR|os.O_APPEND, 0)
	if err != nil {
		st.done = true
		os.Remove(st.Name())
		return nil, fmt.Errorf("reopen staged file: %w", err)
	}
	st.f = f
	n, err := io.Copy(st.h, f)
	if err != nil {
		st.Abandon()
		return nil, fmt.Errorf("hash staged file: %w", err)
	}
	st.size = n
	return st, nil
}

// HashFile returns the hash of the file at path without moving it.
func HashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hash %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// CommitUnindexed computes the digest of the staged contents and renames
// the file into its unindexed slot. When expected is non-empty and does
// not match the digest, the staged file is discarded and ErrIntegrity is
// returned.
func (s *ObjectStore) CommitUnindexed(st *Staged, expected string) (string, error) {
	if st.done {
		return "", fmt.Errorf("commit of finished staging file %s", st.Name())
	}
	if err := st.seal(); err != nil {
		st.Abandon()
		return "", err
	}

	hash := st.Sum()
	if expected != "" && expected != hash {
		st.Abandon()
		return "", fmt.Errorf("%w: expected %s, got %s", ErrIntegrity, expected, hash)
	}

	if err := os.Rename(st.Name(), filepath.Join(s.unindexed, hash)); err != nil {
		st.Abandon()
		return "", fmt.Errorf("commit %s: %w", hash, err)
	}
	st.done = true
	return hash, nil
}

func readSlot(dir, hash string) ([]byte, error) {
	path, err := slot(dir, hash)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("%w: object %s", ErrNotFound, hash)
	}
	if err != nil {
		return nil, fmt.Errorf("read object %s: %w", hash, err)
	}
	return data, nil
}

// ReadUnindexed reads a committed object that has not been indexed yet.
func (s *ObjectStore) ReadUnindexed(hash string) ([]byte, error) {
	return readSlot(s.unindexed, hash)
}

// ReadFinalized reads an indexed object.
func (s *ObjectStore) ReadFinalized(hash string) ([]byte, error) {
	return readSlot(s.finalized, hash)
}

// OpenFinalized opens an indexed object for streaming.
func (s *ObjectStore) OpenFinalized(hash string) (*os.File, error) {
	path, err := slot(s.finalized, hash)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("%w: object %s", ErrNotFound, hash)
	}
	return f, err
}

// Finalize moves an object from its unindexed slot to its finalized
// slot. Finalizing an object that is already finalized is a no-op.
func (s *ObjectStore) Finalize(hash string) error {
	src, err := slot(s.unindexed, hash)
	if err != nil {
		return err
	}
	err = os.Rename(src, filepath.Join(s.finalized, hash))
	if os.IsNotExist(err) && s.HasFinalized(hash) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("finalize %s: %w", hash, err)
	}
	return nil
}

// discardUnindexed removes a redundant unindexed copy of an object.
func (s *ObjectStore) discardUnindexed(hash string) error {
	path, err := slot(s.unindexed, hash)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func hasSlot(dir, hash string) bool {
	path, err := slot(dir, hash)
	if err != nil {
		return false
	}
	_, err = os.Stat(path)
	return err == nil
}

// HasUnindexed reports whether hash is committed but not yet indexed.
func (s *ObjectStore) HasUnindexed(hash string) bool {
	return hasSlot(s.unindexed, hash)
}

// HasFinalized reports whether hash is committed and indexed.
func (s *ObjectStore) HasFinalized(hash string) bool {
	return hasSlot(s.finalized, hash)
}

// FinalizedSize returns the size in bytes of an indexed object.
func (s *ObjectStore) FinalizedSize(hash string) (int64, error) {
	path, err := slot(s.finalized, hash)
	if err != nil {
		return 0, err
	}
	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return 0, fmt.Errorf("%w: object %s", ErrNotFound, hash)
	}
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

func listSlots(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", dir, err)
	}
	hashes := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !ValidHash(e.Name()) {
			continue
		}
		hashes = append(hashes, e.Name())
	}
	sort.Strings(hashes)
	return hashes, nil
}

// ListUnindexed returns the hashes awaiting indexing, sorted.
func (s *ObjectStore) ListUnindexed() ([]string, error) {
	return listSlots(s.unindexed)
}

// ListFinalized returns the hashes of all indexed objects, sorted.
func (s *ObjectStore) ListFinalized() ([]string, error) {
	return listSlots(s.finalized)
}

// CleanStaging removes staging files last modified before olderThan ago.
// Staging content never survives a restart; the age bound keeps files
// another live process is still writing.
func (s *ObjectStore) CleanStaging(olderThan time.Duration) (int, error) {
	entries, err := os.ReadDir(s.staging)
	if err != nil {
		return 0, fmt.Errorf("list staging: %w", err)
	}
	cutoff := time.Now().Add(-olderThan)
	removed := 0
	for _, e := range entries {
		info, err := e.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(s.staging, e.Name())); err == nil {
			removed++
		}
	}
	return removed, nil
}
