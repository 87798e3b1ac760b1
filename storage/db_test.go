package storage

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func exerciseDatabase(t *testing.T, db Database) {
	t.Helper()

	_, err := db.Get([]byte("missing"))
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, db.Put([]byte("bounty/a"), []byte("1")))
	require.NoError(t, db.Put([]byte("bounty/b"), []byte("2")))
	require.NoError(t, db.Put([]byte("other/c"), []byte("3")))

	ok, err := db.Has([]byte("bounty/a"))
	require.NoError(t, err)
	require.True(t, ok)

	var keys []string
	require.NoError(t, db.Iterate([]byte("bounty/"), func(key, value []byte) bool {
		keys = append(keys, string(key))
		return true
	}))
	require.Equal(t, []string{"bounty/a", "bounty/b"}, keys)

	batch := db.NewBatch()
	batch.Put([]byte("bounty/c"), []byte("4"))
	batch.Delete([]byte("bounty/a"))
	require.Equal(t, 2, batch.Len())

	// Nothing is visible until the batch is written.
	ok, err = db.Has([]byte("bounty/c"))
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, batch.Write())
	value, err := db.Get([]byte("bounty/c"))
	require.NoError(t, err)
	require.Equal(t, "4", string(value))
	_, err = db.Get([]byte("bounty/a"))
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, db.Delete([]byte("bounty/b")))
	ok, err = db.Has([]byte("bounty/b"))
	require.NoError(t, err)
	require.False(t, ok)
}

func TestMemDB(t *testing.T) {
	db := NewMemDB()
	defer db.Close()
	exerciseDatabase(t, db)
}

func TestLevelDB(t *testing.T) {
	db, err := NewLevelDB(filepath.Join(t.TempDir(), "ledger"))
	require.NoError(t, err)
	defer db.Close()
	exerciseDatabase(t, db)
}

func TestMemDBIterateStopsEarly(t *testing.T) {
	db := NewMemDB()
	for _, k := range []string{"p/1", "p/2", "p/3"} {
		require.NoError(t, db.Put([]byte(k), []byte(k)))
	}
	seen := 0
	require.NoError(t, db.Iterate([]byte("p/"), func(key, value []byte) bool {
		seen++
		return seen < 2
	}))
	require.Equal(t, 2, seen)
}
