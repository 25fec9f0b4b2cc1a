package snapshot

import (
	"bytes"
	"strings"
	"testing"

	"github.com/dgraph-io/badger/v4"
	"github.com/fortiblox/qvm/internal/types"
	"github.com/stretchr/testify/require"
)

func openMemory(t *testing.T) *Store {
	t.Helper()
	s, err := Open(Config{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func arena(n int, seed byte) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = seed + byte(i%7)
	}
	return b
}

func TestSaveLoad(t *testing.T) {
	s := openMemory(t)
	id := types.ModuleIDOf([]byte("module"))
	data := arena(4096, 1)

	info, err := s.Save(id, "start", data)
	require.NoError(t, err)
	require.Equal(t, id, info.Module)
	require.Equal(t, len(data), info.Size)
	require.Less(t, info.Stored, info.Size)

	got, loaded, err := s.Load(id, "start")
	require.NoError(t, err)
	require.Equal(t, data, got)
	require.Equal(t, *info, *loaded)

	// Same label replaces.
	_, err = s.Save(id, "start", arena(4096, 9))
	require.NoError(t, err)
	got, _, err = s.Load(id, "start")
	require.NoError(t, err)
	require.Equal(t, arena(4096, 9), got)

	_, _, err = s.Load(id, "missing")
	require.ErrorIs(t, err, ErrSnapshotNotFound)
	_, _, err = s.Load(types.ModuleIDOf([]byte("other")), "start")
	require.ErrorIs(t, err, ErrSnapshotNotFound)
}

func TestInvalidLabel(t *testing.T) {
	s := openMemory(t)
	id := types.ModuleIDOf(nil)

	_, err := s.Save(id, "", arena(16, 0))
	require.ErrorIs(t, err, ErrInvalidLabel)
	_, err = s.Save(id, strings.Repeat("x", MaxLabelLen+1), arena(16, 0))
	require.ErrorIs(t, err, ErrInvalidLabel)
}

func TestListDelete(t *testing.T) {
	s := openMemory(t)
	id := types.ModuleIDOf([]byte("a"))
	other := types.ModuleIDOf([]byte("b"))

	for _, label := range []string{"zeta", "alpha", "mid"} {
		_, err := s.Save(id, label, arena(64, 3))
		require.NoError(t, err)
	}
	_, err := s.Save(other, "alpha", arena(64, 4))
	require.NoError(t, err)

	list, err := s.List(id)
	require.NoError(t, err)
	require.Len(t, list, 3)
	require.Equal(t, "alpha", list[0].Label)
	require.Equal(t, "mid", list[1].Label)
	require.Equal(t, "zeta", list[2].Label)

	require.NoError(t, s.Delete(id, "mid"))
	require.ErrorIs(t, s.Delete(id, "mid"), ErrSnapshotNotFound)

	list, err = s.List(id)
	require.NoError(t, err)
	require.Len(t, list, 2)

	list, err = s.List(other)
	require.NoError(t, err)
	require.Len(t, list, 1)
}

func TestCorruptedData(t *testing.T) {
	s := openMemory(t)
	id := types.ModuleIDOf([]byte("c"))

	_, err := s.Save(id, "snap", arena(256, 5))
	require.NoError(t, err)

	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key(prefixData, id, "snap"), s.enc.EncodeAll(arena(256, 6), nil))
	})
	require.NoError(t, err)
	_, _, err = s.Load(id, "snap")
	require.ErrorIs(t, err, ErrCorruptedData)

	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key(prefixData, id, "snap"), []byte("garbage"))
	})
	require.NoError(t, err)
	_, _, err = s.Load(id, "snap")
	require.ErrorIs(t, err, ErrDecompressionFailed)
}

func TestClosed(t *testing.T) {
	s, err := Open(Config{InMemory: true})
	require.NoError(t, err)
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	_, err = s.Save(types.ModuleID{}, "x", nil)
	require.ErrorIs(t, err, ErrClosed)
	_, err = s.List(types.ModuleID{})
	require.ErrorIs(t, err, ErrClosed)
}

func TestExportImport(t *testing.T) {
	s := openMemory(t)
	id := types.ModuleIDOf([]byte("e"))
	data := arena(8192, 2)

	info, err := s.Save(id, "exported", data)
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, Export(&buf, info, data))
	require.True(t, bytes.HasPrefix(buf.Bytes(), fileMagic))

	got, imported, err := Import(bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)
	require.Equal(t, data, got)
	require.Equal(t, *info, *imported)
}

func TestImportRejects(t *testing.T) {
	data := arena(128, 1)
	info := &Info{Label: "x", Size: len(data)}

	var buf bytes.Buffer
	require.NoError(t, Export(&buf, info, data))

	_, _, err := Import(bytes.NewReader(buf.Bytes()))
	require.ErrorIs(t, err, ErrCorruptedData)

	_, _, err = Import(strings.NewReader("QVMX\x01"))
	require.ErrorIs(t, err, ErrInvalidFile)

	_, _, err = Import(strings.NewReader("QV"))
	require.ErrorIs(t, err, ErrInvalidFile)
}
