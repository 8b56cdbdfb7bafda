package dag

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *ObjectStore {
	t.Helper()
	dir := t.TempDir()
	s, err := NewObjectStore(filepath.Join(dir, "tmp"), filepath.Join(dir, "new"), filepath.Join(dir, "cur"))
	require.NoError(t, err)
	return s
}

func stageBytes(t *testing.T, s *ObjectStore, data []byte) *Staged {
	t.Helper()
	st, err := s.Stage()
	require.NoError(t, err)
	_, err = st.Write(data)
	require.NoError(t, err)
	return st
}

func countFiles(t *testing.T, dir string) int {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	return len(entries)
}

func TestHashBytes_IsHexSHA256(t *testing.T) {
	data := []byte("hello world")
	sum := sha256.Sum256(data)
	assert.Equal(t, hex.EncodeToString(sum[:]), HashBytes(data))
	assert.True(t, ValidHash(HashBytes(data)))
}

func TestValidHash(t *testing.T) {
	assert.False(t, ValidHash(""))
	assert.False(t, ValidHash("../../etc/passwd"))
	assert.False(t, ValidHash(HashBytes(nil)[:63]))
	assert.False(t, ValidHash("ABCDEF"+HashBytes(nil)[6:]))
	assert.True(t, ValidHash(HashBytes(nil)))
}

func TestObjectCID_RoundTrip(t *testing.T) {
	hash := HashBytes([]byte("cid me"))
	c, err := ObjectCID(hash)
	require.NoError(t, err)

	s := CIDString(c)
	assert.Equal(t, byte('b'), s[0], "base32 multibase prefix")

	back, err := HashFromCID(s)
	require.NoError(t, err)
	assert.Equal(t, hash, back)

	_, err = ObjectCID("nope")
	assert.Error(t, err)
}

func TestCommitUnindexed_ReadUnindexed(t *testing.T) {
	s := newTestStore(t)
	for _, content := range [][]byte{
		[]byte("a"),
		[]byte("some longer content\x00with binary\xff"),
		make([]byte, 1<<20),
	} {
		st := stageBytes(t, s, content)
		hash, err := s.CommitUnindexed(st, "")
		require.NoError(t, err)
		assert.Equal(t, HashBytes(content), hash)

		got, err := s.ReadUnindexed(hash)
		require.NoError(t, err)
		assert.Equal(t, content, got)
		assert.True(t, s.HasUnindexed(hash))
		assert.False(t, s.HasFinalized(hash))
	}
	assert.Equal(t, 0, countFiles(t, s.staging), "staging must be empty after commits")
}

func TestCommitUnindexed_ExpectedHashMismatch(t *testing.T) {
	s := newTestStore(t)
	content := []byte("actual")
	claimed := HashBytes([]byte("claimed"))

	st := stageBytes(t, s, content)
	_, err := s.CommitUnindexed(st, claimed)
	require.ErrorIs(t, err, ErrIntegrity)

	assert.False(t, s.HasUnindexed(claimed))
	assert.False(t, s.HasUnindexed(HashBytes(content)))
	assert.Equal(t, 0, countFiles(t, s.staging))
	assert.Equal(t, 0, countFiles(t, s.unindexed))
}

func TestCommitUnindexed_ExpectedHashMatch(t *testing.T) {
	s := newTestStore(t)
	content := []byte("matches")
	st := stageBytes(t, s, content)
	hash, err := s.CommitUnindexed(st, HashBytes(content))
	require.NoError(t, err)
	assert.Equal(t, HashBytes(content), hash)
}

func TestStaged_AbandonAfterCommitIsNoop(t *testing.T) {
	s := newTestStore(t)
	st := stageBytes(t, s, []byte("x"))
	hash, err := s.CommitUnindexed(st, "")
	require.NoError(t, err)

	require.NoError(t, st.Abandon())
	assert.True(t, s.HasUnindexed(hash))

	_, err = s.CommitUnindexed(st, "")
	assert.Error(t, err, "a staging file commits at most once")
}

func TestStaged_Abandon(t *testing.T) {
	s := newTestStore(t)
	st := stageBytes(t, s, []byte("x"))
	require.NoError(t, st.Abandon())
	assert.Equal(t, 0, countFiles(t, s.staging))
	_, err := st.Write([]byte("y"))
	assert.Error(t, err)
}

func TestCommitUnindexed_SameHashConcurrently(t *testing.T) {
	s := newTestStore(t)
	content := []byte("everyone writes this")

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			st, err := s.Stage()
			if err != nil {
				errs[i] = err
				return
			}
			defer st.Abandon()
			if _, err := st.Write(content); err != nil {
				errs[i] = err
				return
			}
			_, errs[i] = s.CommitUnindexed(st, HashBytes(content))
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		assert.NoError(t, err)
	}
	got, err := s.ReadUnindexed(HashBytes(content))
	require.NoError(t, err)
	assert.Equal(t, content, got)
}

func TestFinalize(t *testing.T) {
	s := newTestStore(t)
	content := []byte("finalize me")
	hash, err := s.CommitUnindexed(stageBytes(t, s, content), "")
	require.NoError(t, err)

	_, err = s.ReadFinalized(hash)
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.Finalize(hash))
	require.NoError(t, s.Finalize(hash), "finalizing twice is a no-op")

	got, err := s.ReadFinalized(hash)
	require.NoError(t, err)
	assert.Equal(t, content, got)
	assert.False(t, s.HasUnindexed(hash))

	size, err := s.FinalizedSize(hash)
	require.NoError(t, err)
	assert.Equal(t, int64(len(content)), size)

	f, err := s.OpenFinalized(hash)
	require.NoError(t, err)
	f.Close()

	list, err := s.ListFinalized()
	require.NoError(t, err)
	assert.Equal(t, []string{hash}, list)
}

func TestFinalize_Missing(t *testing.T) {
	s := newTestStore(t)
	err := s.Finalize(HashBytes([]byte("never stored")))
	assert.Error(t, err)
}

func TestReadFinalized_RejectsInvalidHash(t *testing.T) {
	s := newTestStore(t)
	_, err := s.ReadFinalized("../new/x")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.OpenFinalized("")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStageFile_MovesAndHashes(t *testing.T) {
	s := newTestStore(t)
	src := filepath.Join(t.TempDir(), "input.bin")
	content := []byte("file content")
	require.NoError(t, os.WriteFile(src, content, 0644))

	st, err := s.StageFile(src)
	require.NoError(t, err)
	defer st.Abandon()

	_, err = os.Stat(src)
	assert.True(t, os.IsNotExist(err), "source must be moved, not copied")
	assert.Equal(t, int64(len(content)), st.Size())

	hash, err := s.CommitUnindexed(st, "")
	require.NoError(t, err)
	assert.Equal(t, HashBytes(content), hash)
}

func TestStageFile_RejectsDirectory(t *testing.T) {
	s := newTestStore(t)
	src := filepath.Join(t.TempDir(), "dir")
	require.NoError(t, os.MkdirAll(filepath.Join(src, "child"), 0755))

	_, err := s.StageFile(src)
	require.Error(t, err)
	assert.DirExists(t, filepath.Join(src, "child"))
	assert.Equal(t, 0, countFiles(t, s.staging))
}

func TestHashFile(t *testing.T) {
	src := filepath.Join(t.TempDir(), "input.bin")
	require.NoError(t, os.WriteFile(src, []byte("file content"), 0644))

	hash, err := HashFile(src)
	require.NoError(t, err)
	assert.Equal(t, HashBytes([]byte("file content")), hash)
	assert.FileExists(t, src)
}

func TestCleanStaging(t *testing.T) {
	s := newTestStore(t)
	st := stageBytes(t, s, []byte("stale"))
	old := time.Now().Add(-2 * time.Hour)
	require.NoError(t, os.Chtimes(st.Name(), old, old))
	fresh := stageBytes(t, s, []byte("fresh"))
	defer fresh.Abandon()

	n, err := s.CleanStaging(time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, countFiles(t, s.staging))
}
