// Package store is the ordered durable key/value store the index lives in.
//
// Two engines implement Store: pebble (pure Go, the default) and RocksDB
// (package rocks). Both give point lookups, bounded range scans over a
// point-in-time snapshot, atomic batches with an explicit synced flush, and a
// per-commit sequence number.
package store

import (
	"encoding/binary"
	"errors"
	"sync"
)

var (
	ErrNotFound = errors.New("store: not found")
	ErrClosed   = errors.New("store: closed")
)

// Reader is the read side shared by a store and its snapshots.
type Reader interface {
	Get(key []byte) ([]byte, error)
	Has(key []byte) (bool, error)
	// Iter walks [lo, hi) in ascending order, or descending when reverse.
	Iter(lo, hi []byte, reverse bool) (Iterator, error)
}

// Snapshot is a consistent point-in-time view. Writes committed after the
// snapshot was taken are invisible to it.
type Snapshot interface {
	Reader
	Close() error
}

type Iterator interface {
	Next() bool
	// Key and Value are copies owned by the caller.
	Key() []byte
	Value() []byte
	Err() error
	Close() error
}

// Batch collects writes that become visible atomically on Commit. Commit
// flushes durably before returning.
type Batch interface {
	Put(key, value []byte) error
	Len() int
	Commit() (seq uint64, err error)
	Close() error
}

type Store interface {
	Reader
	NewSnapshot() Snapshot
	NewBatch() Batch
	// Sequence is the number of the last committed batch.
	Sequence() uint64
	Close() error
}

// First returns the first entry of [lo, hi), ok=false if the range is empty.
func First(r Reader, lo, hi []byte) (key, value []byte, ok bool, err error) {
	it, err := r.Iter(lo, hi, false)
	if err != nil {
		return nil, nil, false, err
	}
	defer it.Close()
	if !it.Next() {
		return nil, nil, false, it.Err()
	}
	return it.Key(), it.Value(), true, nil
}

// Sequencer hands out monotonically increasing commit numbers. Engines hold
// its lock across the write so sequence order matches commit order.
type Sequencer struct {
	mu  sync.Mutex
	seq uint64
}

func (s *Sequencer) Load(raw []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq = DecodeU64(raw)
}

func (s *Sequencer) Current() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seq
}

// Commit calls write with the next sequence and keeps it only if write
// succeeds.
func (s *Sequencer) Commit(write func(seq uint64) error) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := s.seq + 1
	if err := write(next); err != nil {
		return 0, err
	}
	s.seq = next
	return next, nil
}

func EncodeU64(x uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], x)
	return b[:]
}

func DecodeU64(b []byte) uint64 {
	if len(b) < 8 {
		return 0
	}
	return binary.BigEndian.Uint64(b[:8])
}
