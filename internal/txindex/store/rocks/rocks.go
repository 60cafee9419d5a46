// Package rocks is the RocksDB engine of store.Store.
package rocks

import (
	"bytes"
	"errors"

	"github.com/tecbot/gorocksdb"

	"github.com/chenzhangda16/web3-txindex/internal/txindex/keys"
	"github.com/chenzhangda16/web3-txindex/internal/txindex/store"
)

type Options struct {
	ReadOnly    bool
	Parallelism int
}

type RocksStore struct {
	db *gorocksdb.DB
	ro *gorocksdb.ReadOptions
	wo *gorocksdb.WriteOptions

	seq store.Sequencer
}

var _ store.Store = (*RocksStore)(nil)

func Open(path string, o Options) (*RocksStore, error) {
	opts := gorocksdb.NewDefaultOptions()
	opts.SetCreateIfMissing(!o.ReadOnly)
	if o.Parallelism > 0 {
		opts.IncreaseParallelism(o.Parallelism)
	}

	var (
		db  *gorocksdb.DB
		err error
	)
	if o.ReadOnly {
		db, err = gorocksdb.OpenDbForReadOnly(opts, path, false)
	} else {
		db, err = gorocksdb.OpenDb(opts, path)
	}
	if err != nil {
		return nil, err
	}

	wo := gorocksdb.NewDefaultWriteOptions()
	// a commit is the flush the watermark waits for
	wo.SetSync(true)

	s := &RocksStore{
		db: db,
		ro: gorocksdb.NewDefaultReadOptions(),
		wo: wo,
	}
	raw, err := s.Get(keys.Sequence())
	switch {
	case errors.Is(err, store.ErrNotFound):
	case err != nil:
		s.Close()
		return nil, err
	default:
		s.seq.Load(raw)
	}
	return s, nil
}

func (s *RocksStore) Close() error {
	if s.ro != nil {
		s.ro.Destroy()
	}
	if s.wo != nil {
		s.wo.Destroy()
	}
	if s.db != nil {
		s.db.Close()
	}
	return nil
}

func (s *RocksStore) Get(key []byte) ([]byte, error) { return get(s.db, s.ro, key) }

func (s *RocksStore) Has(key []byte) (bool, error) {
	_, err := s.Get(key)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

func (s *RocksStore) Iter(lo, hi []byte, reverse bool) (store.Iterator, error) {
	ro := gorocksdb.NewDefaultReadOptions()
	return newIter(s.db, ro, lo, hi, reverse), nil
}

func (s *RocksStore) NewSnapshot() store.Snapshot {
	snap := s.db.NewSnapshot()
	ro := gorocksdb.NewDefaultReadOptions()
	ro.SetSnapshot(snap)
	return &rocksSnapshot{db: s.db, snap: snap, ro: ro}
}

func (s *RocksStore) NewBatch() store.Batch {
	return &rocksBatch{s: s, wb: gorocksdb.NewWriteBatch()}
}

func (s *RocksStore) Sequence() uint64 { return s.seq.Current() }

func get(db *gorocksdb.DB, ro *gorocksdb.ReadOptions, key []byte) ([]byte, error) {
	val, err := db.Get(ro, key)
	if err != nil {
		return nil, err
	}
	defer val.Free()

	if !val.Exists() {
		return nil, store.ErrNotFound
	}
	// val.Data() is RocksDB-owned memory, invalid after Free
	return append([]byte(nil), val.Data()...), nil
}

type rocksSnapshot struct {
	db   *gorocksdb.DB
	snap *gorocksdb.Snapshot
	ro   *gorocksdb.ReadOptions
}

func (r *rocksSnapshot) Get(key []byte) ([]byte, error) { return get(r.db, r.ro, key) }

func (r *rocksSnapshot) Has(key []byte) (bool, error) {
	_, err := r.Get(key)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

func (r *rocksSnapshot) Iter(lo, hi []byte, reverse bool) (store.Iterator, error) {
	ro := gorocksdb.NewDefaultReadOptions()
	ro.SetSnapshot(r.snap)
	return newIter(r.db, ro, lo, hi, reverse), nil
}

func (r *rocksSnapshot) Close() error {
	r.ro.Destroy()
	r.db.ReleaseSnapshot(r.snap)
	return nil
}

type rocksIter struct {
	it      *gorocksdb.Iterator
	ro      *gorocksdb.ReadOptions
	lo, hi  []byte
	reverse bool
	started bool

	key, value []byte
}

func newIter(db *gorocksdb.DB, ro *gorocksdb.ReadOptions, lo, hi []byte, reverse bool) *rocksIter {
	return &rocksIter{
		it:      db.NewIterator(ro),
		ro:      ro,
		lo:      lo,
		hi:      hi,
		reverse: reverse,
	}
}

func (r *rocksIter) Next() bool {
	switch {
	case !r.started && r.reverse:
		r.it.SeekForPrev(r.hi)
	case !r.started:
		r.it.Seek(r.lo)
	case r.reverse:
		r.it.Prev()
	default:
		r.it.Next()
	}
	r.started = true

	// SeekForPrev lands on hi itself when present; hi is exclusive
	if r.reverse && r.it.Valid() && r.inside() == 1 {
		r.it.Prev()
	}
	if !r.it.Valid() || r.inside() != 0 {
		return false
	}

	k := r.it.Key()
	v := r.it.Value()
	r.key = append([]byte(nil), k.Data()...)
	r.value = append([]byte(nil), v.Data()...)
	k.Free()
	v.Free()
	return true
}

// inside reports -1 below lo, 0 in [lo, hi), 1 at or above hi.
func (r *rocksIter) inside() int {
	k := r.it.Key()
	defer k.Free()
	switch {
	case bytes.Compare(k.Data(), r.lo) < 0:
		return -1
	case r.hi != nil && bytes.Compare(k.Data(), r.hi) >= 0:
		return 1
	}
	return 0
}

func (r *rocksIter) Key() []byte   { return r.key }
func (r *rocksIter) Value() []byte { return r.value }
func (r *rocksIter) Err() error    { return r.it.Err() }

func (r *rocksIter) Close() error {
	r.it.Close()
	r.ro.Destroy()
	return nil
}

type rocksBatch struct {
	s  *RocksStore
	wb *gorocksdb.WriteBatch
}

func (b *rocksBatch) Put(key, value []byte) error {
	b.wb.Put(key, value)
	return nil
}

func (b *rocksBatch) Len() int { return b.wb.Count() }

func (b *rocksBatch) Commit() (uint64, error) {
	return b.s.seq.Commit(func(seq uint64) error {
		b.wb.Put(keys.Sequence(), store.EncodeU64(seq))
		return b.s.db.Write(b.s.wo, b.wb)
	})
}

func (b *rocksBatch) Close() error {
	b.wb.Destroy()
	return nil
}
