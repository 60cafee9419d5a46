// Package stream serves the transfers of one tracked (address, token) pair:
// a balance record, the stored history in key order, and, for live streams,
// every transfer flushed afterwards.
//
// A live stream subscribes to the registry before it takes its history
// snapshot, so a transfer is always either in the snapshot or in the inbox
// (possibly both). Inbox records whose key is not strictly greater than the
// last replayed key are duplicates of the replay and are dropped.
package stream

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/lightningnetwork/lnd/queue"
	"go.uber.org/zap"

	"github.com/chenzhangda16/web3-txindex/internal/txindex/keys"
	"github.com/chenzhangda16/web3-txindex/internal/txindex/model"
	"github.com/chenzhangda16/web3-txindex/internal/txindex/registry"
	"github.com/chenzhangda16/web3-txindex/internal/txindex/store"
)

var (
	ErrNotFound = errors.New("stream: address not tracked")
	// ErrClosed ends streams cut off by Source.Shutdown and rejects Open
	// afterwards.
	ErrClosed = errors.New("stream: source closed")
)

const defaultInboxSize = 64

type Options struct {
	Token string
	Live  bool
}

type State int32

const (
	StateInit State = iota
	StateHistoryReplay
	StateTransition
	StateLive
	StateDone
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateHistoryReplay:
		return "history_replay"
	case StateTransition:
		return "transition"
	case StateLive:
		return "live"
	case StateDone:
		return "done"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// Source opens streams over a store and the registry the tailing loop
// publishes flushed transfers to.
type Source struct {
	Store    store.Store
	Registry *registry.Registry[model.TransferRecord]
	Logger   *zap.SugaredLogger

	// InboxSize is the channel part of the live inbox. The inbox itself is
	// unbounded.
	InboxSize int

	mu       sync.Mutex
	open     map[*Stream]struct{}
	shutdown bool
}

// Open runs INIT synchronously: an untracked pair fails here with
// ErrNotFound. Everything after that is produced on Records.
func (src *Source) Open(ctx context.Context, address string, o Options) (*Stream, error) {
	addr, token, err := keys.Pair(address, o.Token)
	if err != nil {
		return nil, err
	}

	raw, err := src.Store.Get(keys.Tracked(addr, token))
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: address=%s token=%q", ErrNotFound, addr, token)
	}
	if err != nil {
		return nil, fmt.Errorf("lookup tracked %s: %w", addr, err)
	}
	tracked, err := model.Decode[model.TrackedAddress](raw)
	if err != nil {
		return nil, fmt.Errorf("decode tracked %s: %w", addr, err)
	}

	log := src.Logger
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	ctx, cancel := context.WithCancel(ctx)
	s := &Stream{
		records: make(chan model.Record),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
		cancel:  cancel,
		remove:  func() {},
		untrack: func() {},
		log:     log.With("address", addr, "token", token, "live", o.Live),
	}
	if o.Live && src.Registry == nil {
		cancel()
		return nil, errors.New("stream: live stream needs a registry")
	}
	if !src.track(s) {
		cancel()
		return nil, ErrClosed
	}

	if o.Live {
		n := src.InboxSize
		if n <= 0 {
			n = defaultInboxSize
		}
		s.inbox = queue.NewConcurrentQueue(n)
		s.inbox.Start()
		// 先订阅再拍快照：两者之间落盘的记录至少会出现在其中一边
		s.remove = src.Registry.Add(model.StreamKey(addr, token), s)
	}
	snap := src.Store.NewSnapshot()

	go s.run(ctx, snap, tracked, keys.TransferPrefix(addr, token))
	return s, nil
}

func (src *Source) track(s *Stream) bool {
	src.mu.Lock()
	defer src.mu.Unlock()
	if src.shutdown {
		return false
	}
	if src.open == nil {
		src.open = make(map[*Stream]struct{})
	}
	src.open[s] = struct{}{}
	s.untrack = func() {
		src.mu.Lock()
		delete(src.open, s)
		src.mu.Unlock()
	}
	return true
}

// Active reports the number of streams not yet finished.
func (src *Source) Active() int {
	src.mu.Lock()
	defer src.mu.Unlock()
	return len(src.open)
}

// Shutdown ends every open stream with ErrClosed and waits for their
// producers, so no snapshot or iterator outlives the store. Open fails with
// ErrClosed afterwards.
func (src *Source) Shutdown() {
	src.mu.Lock()
	src.shutdown = true
	open := make([]*Stream, 0, len(src.open))
	for s := range src.open {
		open = append(open, s)
	}
	src.mu.Unlock()

	for _, s := range open {
		s.abort(ErrClosed)
		_ = s.Close()
	}
}

type Stream struct {
	records chan model.Record
	inbox   *queue.ConcurrentQueue
	quit    chan struct{}
	done    chan struct{}
	cancel  context.CancelFunc
	remove  func()
	untrack func()

	state   atomic.Int32
	closed  atomic.Bool
	dropped atomic.Uint64

	mu       sync.Mutex
	err      error
	finished bool

	log *zap.SugaredLogger
}

// Records yields the stream. The channel is unbuffered and closed when the
// stream ends: after history for a non-live stream, on Close, on context
// cancellation, or on a store error (see Err).
func (s *Stream) Records() <-chan model.Record { return s.records }

// Err is the error that terminated the stream, nil for a normal end or
// Close. Only meaningful once Records is closed.
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Stream) State() State { return State(s.state.Load()) }

// Dropped counts inbox records discarded as already replayed.
func (s *Stream) Dropped() uint64 { return s.dropped.Load() }

// Close stops the stream and waits for its producer to exit.
func (s *Stream) Close() error {
	s.closed.Store(true)
	s.cancel()
	<-s.done
	return nil
}

// Deliver is the registry side of a live stream. It only enqueues.
func (s *Stream) Deliver(rec model.TransferRecord) {
	select {
	case s.inbox.ChanIn() <- rec:
	case <-s.quit:
	}
}

func (s *Stream) run(ctx context.Context, snap store.Snapshot, tracked model.TrackedAddress, prefix []byte) {
	defer s.finish()

	s.state.Store(int32(StateHistoryReplay))
	lastKey, ok := s.replay(ctx, snap, tracked, prefix)
	_ = snap.Close()
	if !ok {
		return
	}
	if s.inbox == nil {
		s.state.Store(int32(StateDone))
		return
	}

	s.state.Store(int32(StateTransition))
	if !s.send(ctx, model.Synced()) {
		return
	}
	s.follow(ctx, lastKey)
}

func (s *Stream) replay(ctx context.Context, snap store.Snapshot, tracked model.TrackedAddress, prefix []byte) ([]byte, bool) {
	if !s.send(ctx, model.BalanceOf(tracked)) {
		return nil, false
	}

	lo, hi := keys.Range(prefix)
	it, err := snap.Iter(lo, hi, false)
	if err != nil {
		s.fail(fmt.Errorf("scan history: %w", err))
		return nil, false
	}
	defer it.Close()

	var last []byte
	for it.Next() {
		rec, err := model.Decode[model.TransferRecord](it.Value())
		if err != nil {
			s.fail(fmt.Errorf("decode transfer %q: %w", it.Key(), err))
			return nil, false
		}
		if !s.send(ctx, model.TransferOf(rec)) {
			return nil, false
		}
		last = it.Key()
	}
	if err := it.Err(); err != nil {
		s.fail(fmt.Errorf("scan history: %w", err))
		return nil, false
	}
	return last, true
}

// follow forwards inbox records in arrival order. The first pass drains what
// piled up during replay (TRANSITION); once the inbox is seen empty the
// stream is LIVE. The dedup rule is the same in both.
func (s *Stream) follow(ctx context.Context, lastKey []byte) {
	for {
		var item interface{}
		if s.State() == StateTransition {
			select {
			case item = <-s.inbox.ChanOut():
			default:
				s.state.Store(int32(StateLive))
				continue
			}
		} else {
			select {
			case item = <-s.inbox.ChanOut():
			case <-ctx.Done():
				s.interrupted(ctx)
				return
			}
		}

		rec := item.(model.TransferRecord)
		key, err := rec.Key()
		if err != nil {
			s.fail(err)
			return
		}
		if bytes.Compare(key, lastKey) <= 0 {
			s.dropped.Add(1)
			s.log.Debugw("drop replayed transfer", "height", rec.Height, "tx_index", rec.TxIndex)
			continue
		}
		if !s.send(ctx, model.TransferOf(rec)) {
			return
		}
		lastKey = key
	}
}

func (s *Stream) send(ctx context.Context, r model.Record) bool {
	select {
	case s.records <- r:
		return true
	case <-ctx.Done():
		s.interrupted(ctx)
		return false
	}
}

// interrupted records the parent context's error unless Close caused it.
func (s *Stream) interrupted(ctx context.Context) {
	if s.closed.Load() {
		return
	}
	s.fail(context.Cause(ctx))
}

func (s *Stream) fail(err error) {
	s.mu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.mu.Unlock()
	if !errors.Is(err, context.Canceled) {
		s.log.Warnw("stream terminated", "err", err)
	}
}

// abort sets err as the terminal error unless the producer already ended.
func (s *Stream) abort(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.finished && s.err == nil {
		s.err = err
	}
}

func (s *Stream) finish() {
	s.mu.Lock()
	s.finished = true
	s.mu.Unlock()

	s.remove()
	close(s.quit)
	if s.inbox != nil {
		s.inbox.Stop()
	}
	s.cancel()
	s.untrack()
	close(s.records)
	close(s.done)
}
