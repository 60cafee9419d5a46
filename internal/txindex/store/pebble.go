package store

import (
	"errors"
	"fmt"
	"io"

	"github.com/cockroachdb/pebble/v2"
	"github.com/cockroachdb/pebble/v2/vfs"
	"go.uber.org/zap"

	"github.com/chenzhangda16/web3-txindex/internal/txindex/keys"
)

type PebbleOptions struct {
	// InMemory keeps every file in memory; path is then only a name.
	InMemory bool
	// FS overrides the filesystem; a shared vfs.NewMem survives reopening.
	FS       vfs.FS
	ReadOnly bool
	// Logger receives pebble's own messages (WAL replay, compactions).
	// Nil discards them.
	Logger *zap.SugaredLogger
}

var _ pebble.Logger = (*zap.SugaredLogger)(nil)

type PebbleStore struct {
	db  *pebble.DB
	seq Sequencer
}

var _ Store = (*PebbleStore)(nil)

func OpenPebble(path string, o PebbleOptions) (*PebbleStore, error) {
	log := o.Logger
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	opts := &pebble.Options{ReadOnly: o.ReadOnly, Logger: log}
	switch {
	case o.FS != nil:
		opts.FS = o.FS
	case o.InMemory:
		opts.FS = vfs.NewMem()
	}
	db, err := pebble.Open(path, opts)
	if err != nil {
		return nil, fmt.Errorf("open pebble %s: %w", path, err)
	}
	s := &PebbleStore{db: db}

	raw, err := s.Get(keys.Sequence())
	switch {
	case errors.Is(err, ErrNotFound):
	case err != nil:
		_ = db.Close()
		return nil, err
	default:
		s.seq.Load(raw)
	}
	return s, nil
}

func (s *PebbleStore) Close() error { return s.db.Close() }

func (s *PebbleStore) Get(key []byte) ([]byte, error) { return pebbleGet(s.db, key) }

func (s *PebbleStore) Has(key []byte) (bool, error) { return has(s, key) }

func (s *PebbleStore) Iter(lo, hi []byte, reverse bool) (Iterator, error) {
	it, err := s.db.NewIter(&pebble.IterOptions{LowerBound: lo, UpperBound: hi})
	if err != nil {
		return nil, err
	}
	return &pebbleIter{it: it, reverse: reverse}, nil
}

func (s *PebbleStore) NewSnapshot() Snapshot {
	return &pebbleSnapshot{snap: s.db.NewSnapshot()}
}

func (s *PebbleStore) NewBatch() Batch {
	return &pebbleBatch{s: s, b: s.db.NewBatch()}
}

func (s *PebbleStore) Sequence() uint64 { return s.seq.Current() }

type pebbleReader interface {
	Get(key []byte) ([]byte, io.Closer, error)
}

func pebbleGet(g pebbleReader, key []byte) ([]byte, error) {
	v, closer, err := g.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	// v is only valid until closer.Close
	out := append([]byte(nil), v...)
	if err := closer.Close(); err != nil {
		return nil, err
	}
	return out, nil
}

func has(r Reader, key []byte) (bool, error) {
	_, err := r.Get(key)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

type pebbleSnapshot struct {
	snap *pebble.Snapshot
}

func (p *pebbleSnapshot) Get(key []byte) ([]byte, error) { return pebbleGet(p.snap, key) }

func (p *pebbleSnapshot) Has(key []byte) (bool, error) { return has(p, key) }

func (p *pebbleSnapshot) Iter(lo, hi []byte, reverse bool) (Iterator, error) {
	it, err := p.snap.NewIter(&pebble.IterOptions{LowerBound: lo, UpperBound: hi})
	if err != nil {
		return nil, err
	}
	return &pebbleIter{it: it, reverse: reverse}, nil
}

func (p *pebbleSnapshot) Close() error { return p.snap.Close() }

type pebbleIter struct {
	it      *pebble.Iterator
	reverse bool
	started bool
	valid   bool
}

func (p *pebbleIter) Next() bool {
	switch {
	case !p.started && p.reverse:
		p.valid = p.it.Last()
	case !p.started:
		p.valid = p.it.First()
	case p.reverse:
		p.valid = p.it.Prev()
	default:
		p.valid = p.it.Next()
	}
	p.started = true
	return p.valid
}

func (p *pebbleIter) Key() []byte { return append([]byte(nil), p.it.Key()...) }

func (p *pebbleIter) Value() []byte { return append([]byte(nil), p.it.Value()...) }

func (p *pebbleIter) Err() error { return p.it.Error() }

func (p *pebbleIter) Close() error { return p.it.Close() }

type pebbleBatch struct {
	s *PebbleStore
	b *pebble.Batch
	n int
}

func (p *pebbleBatch) Put(key, value []byte) error {
	p.n++
	return p.b.Set(key, value, nil)
}

func (p *pebbleBatch) Len() int { return p.n }

func (p *pebbleBatch) Commit() (uint64, error) {
	return p.s.seq.Commit(func(seq uint64) error {
		if err := p.b.Set(keys.Sequence(), EncodeU64(seq), nil); err != nil {
			return err
		}
		return p.b.Commit(pebble.Sync)
	})
}

func (p *pebbleBatch) Close() error { return p.b.Close() }
