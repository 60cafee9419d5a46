package store

import (
	"testing"

	"github.com/cockroachdb/pebble/v2/vfs"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/chenzhangda16/web3-txindex/internal/txindex/keys"
)

func openMem(t *testing.T) *PebbleStore {
	t.Helper()
	s, err := OpenPebble("db", PebbleOptions{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func put(t *testing.T, s Store, kv ...string) uint64 {
	t.Helper()
	b := s.NewBatch()
	defer b.Close()
	for i := 0; i < len(kv); i += 2 {
		require.NoError(t, b.Put([]byte(kv[i]), []byte(kv[i+1])))
	}
	seq, err := b.Commit()
	require.NoError(t, err)
	return seq
}

func collect(t *testing.T, r Reader, lo, hi string, reverse bool) []string {
	t.Helper()
	it, err := r.Iter([]byte(lo), []byte(hi), reverse)
	require.NoError(t, err)
	defer it.Close()
	var out []string
	for it.Next() {
		out = append(out, string(it.Key())+"="+string(it.Value()))
	}
	require.NoError(t, it.Err())
	return out
}

func TestGetAndHas(t *testing.T) {
	s := openMem(t)

	_, err := s.Get([]byte("a"))
	require.ErrorIs(t, err, ErrNotFound)

	put(t, s, "a", "1")
	v, err := s.Get([]byte("a"))
	require.NoError(t, err)
	require.Equal(t, "1", string(v))

	ok, err := s.Has([]byte("a"))
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = s.Has([]byte("b"))
	require.NoError(t, err)
	require.False(t, ok)
}

func TestIterBoundsAndDirection(t *testing.T) {
	s := openMem(t)
	put(t, s, "p!1", "a", "p!2", "b", "p!3", "c", "q!1", "x", "o!9", "y")

	lo, hi := keys.Range([]byte("p!"))
	require.Equal(t, []string{"p!1=a", "p!2=b", "p!3=c"}, collect(t, s, string(lo), string(hi), false))
	require.Equal(t, []string{"p!3=c", "p!2=b", "p!1=a"}, collect(t, s, string(lo), string(hi), true))

	k, v, ok, err := First(s, lo, hi)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "p!1", string(k))
	require.Equal(t, "a", string(v))

	_, _, ok, err = First(s, []byte("z"), []byte("z\xff"))
	require.NoError(t, err)
	require.False(t, ok)
}

func TestSnapshotIsolation(t *testing.T) {
	s := openMem(t)
	put(t, s, "k1", "v1")

	snap := s.NewSnapshot()
	defer snap.Close()

	put(t, s, "k2", "v2")

	require.Equal(t, []string{"k1=v1"}, collect(t, snap, "k", "k\xff", false))
	require.Equal(t, []string{"k1=v1", "k2=v2"}, collect(t, s, "k", "k\xff", false))

	_, err := snap.Get([]byte("k2"))
	require.ErrorIs(t, err, ErrNotFound)
}

func TestSequenceIsMonotonicAndDurable(t *testing.T) {
	fs := vfs.NewMem()
	s, err := OpenPebble("db", PebbleOptions{FS: fs})
	require.NoError(t, err)

	require.Equal(t, uint64(0), s.Sequence())
	require.Equal(t, uint64(1), put(t, s, "a", "1"))
	require.Equal(t, uint64(2), put(t, s, "b", "2"))
	require.Equal(t, uint64(2), s.Sequence())
	require.NoError(t, s.Close())

	s, err = OpenPebble("db", PebbleOptions{FS: fs})
	require.NoError(t, err)
	defer s.Close()
	require.Equal(t, uint64(2), s.Sequence())
	require.Equal(t, uint64(3), put(t, s, "c", "3"))

	v, err := s.Get([]byte("b"))
	require.NoError(t, err)
	require.Equal(t, "2", string(v))
}

func TestBatchIsAtomic(t *testing.T) {
	s := openMem(t)
	b := s.NewBatch()
	require.NoError(t, b.Put([]byte("x"), []byte("1")))
	require.NoError(t, b.Put([]byte("y"), []byte("2")))
	require.Equal(t, 2, b.Len())

	ok, err := s.Has([]byte("x"))
	require.NoError(t, err)
	require.False(t, ok, "uncommitted writes must be invisible")

	_, err = b.Commit()
	require.NoError(t, err)
	require.NoError(t, b.Close())
	require.Equal(t, []string{"x=1", "y=2"}, collect(t, s, "x", "z", false))
}

func TestPebbleLogsThroughZap(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	s, err := OpenPebble("db", PebbleOptions{InMemory: true, Logger: zap.New(core).Sugar()})
	require.NoError(t, err)
	put(t, s, "a", "1")
	require.NoError(t, s.Close())

	require.NotZero(t, logs.Len())
}
