package modstore

import (
	"path/filepath"
	"testing"

	"github.com/fortiblox/qvm/internal/types"
	"github.com/fortiblox/qvm/pkg/qvm"
	"github.com/fortiblox/qvm/pkg/qvm/bytecode"
	"github.com/stretchr/testify/require"
	bolt "go.etcd.io/bbolt"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(DefaultConfig(filepath.Join(t.TempDir(), "modules.db")))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// image assembles a module returning v.
func image(v int32) []byte {
	a := bytecode.NewAssembler()
	a.Imm(bytecode.OpEnter, 8)
	a.Imm(bytecode.OpConst, v)
	a.Imm(bytecode.OpLeave, 8)
	return a.MustAssemble()
}

func TestPutGet(t *testing.T) {
	s := openStore(t)
	img := image(42)

	rec, err := s.Put("answer", img)
	require.NoError(t, err)
	require.Equal(t, types.ModuleIDOf(img), rec.ID)
	require.Equal(t, len(img), rec.Size)
	require.Equal(t, int32(3), rec.InstructionCount)
	require.Equal(t, int32(bytecode.StackSize), rec.BssLength)
	require.Equal(t, uint32(bytecode.StackSize), rec.ArenaSize)

	got, err := s.Get(rec.ID)
	require.NoError(t, err)
	require.Equal(t, img, got)

	stored, err := s.Record(rec.ID)
	require.NoError(t, err)
	require.Equal(t, *rec, *stored)
	require.True(t, s.Has(rec.ID))
}

func TestPutInvalid(t *testing.T) {
	s := openStore(t)

	_, err := s.Put("junk", []byte("not a module at all, just text"))
	require.ErrorIs(t, err, qvm.ErrInvalidModule)

	list, err := s.List()
	require.NoError(t, err)
	require.Empty(t, list)
}

func TestResolve(t *testing.T) {
	s := openStore(t)

	first, err := s.Put("prog", image(1))
	require.NoError(t, err)
	id, err := s.Resolve("prog")
	require.NoError(t, err)
	require.Equal(t, first.ID, id)

	second, err := s.Put("prog", image(2))
	require.NoError(t, err)
	id, err = s.Resolve("prog")
	require.NoError(t, err)
	require.Equal(t, second.ID, id)

	_, err = s.Resolve("missing")
	require.ErrorIs(t, err, ErrNameNotFound)
}

func TestListDelete(t *testing.T) {
	s := openStore(t)

	b, err := s.Put("b", image(2))
	require.NoError(t, err)
	a, err := s.Put("a", image(1))
	require.NoError(t, err)

	list, err := s.List()
	require.NoError(t, err)
	require.Len(t, list, 2)
	require.Equal(t, "a", list[0].Name)
	require.Equal(t, "b", list[1].Name)

	require.NoError(t, s.Delete(b.ID))
	require.ErrorIs(t, s.Delete(b.ID), ErrModuleNotFound)
	require.False(t, s.Has(b.ID))

	_, err = s.Get(b.ID)
	require.ErrorIs(t, err, ErrModuleNotFound)
	_, err = s.Resolve("b")
	require.ErrorIs(t, err, ErrNameNotFound)

	list, err = s.List()
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.Equal(t, a.ID, list[0].ID)
}

func TestCorruptImage(t *testing.T) {
	s := openStore(t)

	rec, err := s.Put("x", image(7))
	require.NoError(t, err)

	other := s.enc.EncodeAll(image(8), nil)
	err = s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketImages).Put(rec.ID[:], other)
	})
	require.NoError(t, err)

	_, err = s.Get(rec.ID)
	require.ErrorIs(t, err, ErrCorrupt)
}

func TestReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "modules.db")

	s, err := Open(DefaultConfig(path))
	require.NoError(t, err)
	rec, err := s.Put("keep", image(3))
	require.NoError(t, err)
	require.NoError(t, s.Close())

	_, err = s.Get(rec.ID)
	require.ErrorIs(t, err, ErrClosed)

	s, err = Open(Config{Path: path, ReadOnly: true})
	require.NoError(t, err)
	defer s.Close()

	id, err := s.Resolve("keep")
	require.NoError(t, err)
	require.Equal(t, rec.ID, id)
}
