package storage

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func exerciseDatabase(t *testing.T, db Database) {
	t.Helper()
	key := []byte("deal:1")

	_, err := db.Get(key)
	require.ErrorIs(t, err, ErrNotFound)
	ok, err := db.Has(key)
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, db.Put(key, []byte("v1")))
	value, err := db.Get(key)
	require.NoError(t, err)
	require.Equal(t, []byte("v1"), value)

	require.NoError(t, db.Put(key, []byte("v2")))
	value, err = db.Get(key)
	require.NoError(t, err)
	require.Equal(t, []byte("v2"), value)

	ok, err = db.Has(key)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, db.Delete(key))
	_, err = db.Get(key)
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, db.Put([]byte("stale"), []byte("x")))
	batch := new(Batch)
	batch.Put([]byte("a"), []byte("1"))
	batch.Put([]byte("b"), []byte("2"))
	batch.Delete([]byte("stale"))
	require.Equal(t, 3, batch.Len())
	require.NoError(t, db.Write(batch))
	value, err = db.Get([]byte("a"))
	require.NoError(t, err)
	require.Equal(t, []byte("1"), value)
	value, err = db.Get([]byte("b"))
	require.NoError(t, err)
	require.Equal(t, []byte("2"), value)
	_, err = db.Get([]byte("stale"))
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, db.Write(new(Batch)))
	require.NoError(t, db.Write(nil))
}

func TestMemDB(t *testing.T) {
	db := NewMemDB()
	defer db.Close()
	exerciseDatabase(t, db)
}

func TestMemDBCopiesValues(t *testing.T) {
	db := NewMemDB()
	buf := []byte("abc")
	require.NoError(t, db.Put([]byte("k"), buf))
	buf[0] = 'z'
	value, err := db.Get([]byte("k"))
	require.NoError(t, err)
	require.Equal(t, []byte("abc"), value)
}

func TestLevelDB(t *testing.T) {
	db, err := NewLevelDB(filepath.Join(t.TempDir(), "ldb"))
	require.NoError(t, err)
	defer db.Close()
	exerciseDatabase(t, db)
}

func TestBoltDB(t *testing.T) {
	db, err := NewBoltDB(filepath.Join(t.TempDir(), "state.bolt"))
	require.NoError(t, err)
	defer db.Close()
	exerciseDatabase(t, db)
}

func TestOpen(t *testing.T) {
	db, err := Open(EngineMemory, "")
	require.NoError(t, err)
	require.IsType(t, &MemDB{}, db)

	_, err = Open(EngineLevelDB, "")
	require.Error(t, err)

	_, err = Open("rocks", "/tmp/x")
	require.Error(t, err)

	db, err = Open(EngineBolt, filepath.Join(t.TempDir(), "s.db"))
	require.NoError(t, err)
	db.Close()
}
