package dag

import (
	"context"
	"errors"
	"path/filepath"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestIndex(t *testing.T) *SQLiteIndex {
	t.Helper()
	x, err := OpenSQLiteIndex(context.Background(), filepath.Join(t.TempDir(), "index.sqlite"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { x.Close() })
	return x
}

func testHash(s string) string { return HashBytes([]byte(s)) }

func TestSQLiteIndex_ChannelEntriesOrdered(t *testing.T) {
	x := openTestIndex(t)
	ctx := context.Background()

	require.NoError(t, x.Update(ctx, func(tx IndexTx) error {
		for _, e := range []ChannelEntry{
			{Hash: testHash("late"), Time: 30},
			{Hash: testHash("early"), Time: 10},
			{Hash: testHash("tie-first"), Time: 20},
			{Hash: testHash("tie-second"), Time: 20},
			{Hash: testHash("early"), Time: 10},
		} {
			if err := tx.AddChannelEntry("news", e.Hash, e.Time); err != nil {
				return err
			}
		}
		return nil
	}))

	var entries []ChannelEntry
	require.NoError(t, x.View(ctx, func(tx IndexTx) error {
		var err error
		entries, err = tx.ListChannelEntries("news")
		return err
	}))
	assert.Equal(t, []ChannelEntry{
		{Hash: testHash("early"), Time: 10},
		{Hash: testHash("tie-first"), Time: 20},
		{Hash: testHash("tie-second"), Time: 20},
		{Hash: testHash("late"), Time: 30},
	}, entries)
}

func TestSQLiteIndex_ChannelRoot(t *testing.T) {
	x := openTestIndex(t)
	ctx := context.Background()

	require.NoError(t, x.View(ctx, func(tx IndexTx) error {
		_, ok, err := tx.GetChannelRoot("news")
		assert.False(t, ok)
		return err
	}))

	require.NoError(t, x.Update(ctx, func(tx IndexTx) error {
		if err := tx.SetChannelRoot("news", testHash("1")); err != nil {
			return err
		}
		return tx.SetChannelRoot("news", testHash("2"))
	}))

	require.NoError(t, x.View(ctx, func(tx IndexTx) error {
		root, ok, err := tx.GetChannelRoot("news")
		assert.True(t, ok)
		assert.Equal(t, testHash("2"), root)
		return err
	}))
}

func TestSQLiteIndex_ListChannels(t *testing.T) {
	x := openTestIndex(t)
	ctx := context.Background()
	require.NoError(t, x.Update(ctx, func(tx IndexTx) error {
		if err := tx.AddChannel("weather"); err != nil {
			return err
		}
		if err := tx.AddChannel("weather"); err != nil {
			return err
		}
		return tx.AddChannelEntry("news", testHash("1"), 1)
	}))
	require.NoError(t, x.View(ctx, func(tx IndexTx) error {
		keys, err := tx.ListChannels()
		assert.Equal(t, []string{"news", "weather"}, keys)
		return err
	}))
}

func TestSQLiteIndex_UpdateRollsBackOnError(t *testing.T) {
	x := openTestIndex(t)
	ctx := context.Background()
	boom := errors.New("boom")

	err := x.Update(ctx, func(tx IndexTx) error {
		if err := tx.MarkFinished(testHash("a")); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	require.NoError(t, x.View(ctx, func(tx IndexTx) error {
		done, err := tx.IsFinished(testHash("a"))
		assert.False(t, done, "rolled back write must not be visible")
		return err
	}))
}

func TestSQLiteIndex_FindBlobsToFetch(t *testing.T) {
	x := openTestIndex(t)
	ctx := context.Background()

	// root -> a -> b, root -> c. Only root and a are finished.
	root, a, b, c := testHash("root"), testHash("a"), testHash("b"), testHash("c")
	require.NoError(t, x.Update(ctx, func(tx IndexTx) error {
		for _, l := range [][2]string{{root, a}, {a, b}, {root, c}} {
			if err := tx.AddLink(l[0], l[1]); err != nil {
				return err
			}
		}
		if err := tx.MarkFinished(root); err != nil {
			return err
		}
		return tx.MarkFinished(a)
	}))

	find := func(roots ...string) []string {
		var got []string
		require.NoError(t, x.View(ctx, func(tx IndexTx) error {
			var err error
			got, err = tx.FindBlobsToFetch(roots)
			return err
		}))
		return got
	}

	want := []string{b, c}
	sort.Strings(want)
	assert.Equal(t, want, find(root))

	unknown := testHash("unknown")
	assert.Equal(t, []string{unknown}, find(unknown), "an unknown root is itself missing")
	assert.Empty(t, find())
	assert.Equal(t, []string{b}, find(a))
}

func TestSQLiteIndex_FindBlobsToFetchTerminatesOnCycle(t *testing.T) {
	x := openTestIndex(t)
	ctx := context.Background()
	a, b := testHash("a"), testHash("b")
	require.NoError(t, x.Update(ctx, func(tx IndexTx) error {
		if err := tx.AddLink(a, b); err != nil {
			return err
		}
		return tx.AddLink(b, a)
	}))

	require.NoError(t, x.View(ctx, func(tx IndexTx) error {
		got, err := tx.FindBlobsToFetch([]string{a})
		want := []string{a, b}
		sort.Strings(want)
		assert.Equal(t, want, got)
		return err
	}))
}

func TestSQLiteIndex_Links(t *testing.T) {
	x := openTestIndex(t)
	ctx := context.Background()
	src, d1, d2 := testHash("src"), testHash("d1"), testHash("d2")
	require.NoError(t, x.Update(ctx, func(tx IndexTx) error {
		for _, dst := range []string{d2, d1, d2} {
			if err := tx.AddLink(src, dst); err != nil {
				return err
			}
		}
		return nil
	}))
	require.NoError(t, x.View(ctx, func(tx IndexTx) error {
		got, err := tx.LinksFrom(src)
		want := []string{d1, d2}
		sort.Strings(want)
		assert.Equal(t, want, got)
		return err
	}))
}

func TestSQLiteIndex_Reopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "index.sqlite")
	ctx := context.Background()

	x, err := OpenSQLiteIndex(ctx, path, nil)
	require.NoError(t, err)
	require.NoError(t, x.Update(ctx, func(tx IndexTx) error {
		return tx.MarkFinished(testHash("persisted"))
	}))
	require.NoError(t, x.Close())

	x, err = OpenSQLiteIndex(ctx, path, nil)
	require.NoError(t, err)
	defer x.Close()
	require.NoError(t, x.View(ctx, func(tx IndexTx) error {
		done, err := tx.IsFinished(testHash("persisted"))
		assert.True(t, done)
		return err
	}))
}
