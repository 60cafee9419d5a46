package indexer

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cockroachdb/pebble/v2/vfs"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/chenzhangda16/web3-txindex/internal/txindex/keys"
	"github.com/chenzhangda16/web3-txindex/internal/txindex/mockchain"
	"github.com/chenzhangda16/web3-txindex/internal/txindex/model"
	"github.com/chenzhangda16/web3-txindex/internal/txindex/store"
	"github.com/chenzhangda16/web3-txindex/internal/txindex/stream"
)

const (
	alice = "0x00000000000000000000000000000000000000a1"
	bob   = "0x00000000000000000000000000000000000000b0"
	tok   = "0x00000000000000000000000000000000000000c0"
)

func openStore(t *testing.T, fs vfs.FS) store.Store {
	t.Helper()
	if fs == nil {
		fs = vfs.NewMem()
	}
	st, err := store.OpenPebble("db", store.PebbleOptions{FS: fs})
	require.NoError(t, err)
	return st
}

func newIndexer(t *testing.T, c *mockchain.Chain, st store.Store, mod func(*Config)) *Indexer {
	t.Helper()
	cfg := Config{
		Chain:           c,
		Tailer:          c,
		Store:           st,
		CatchupInterval: 5 * time.Millisecond,
		Logger:          zaptest.NewLogger(t).Sugar(),
	}
	if mod != nil {
		mod(&cfg)
	}
	ix, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ix.Stop() })
	return ix
}

func putWatermark(t *testing.T, st store.Store, wm uint64) {
	t.Helper()
	b := st.NewBatch()
	defer b.Close()
	require.NoError(t, b.Put(keys.Watermark(), store.EncodeU64(wm)))
	_, err := b.Commit()
	require.NoError(t, err)
}

func trackedEntries(t *testing.T, st store.Reader, addr string) []model.TrackedAddress {
	t.Helper()
	lo, hi := keys.Range(keys.TrackedPrefix(addr))
	it, err := st.Iter(lo, hi, false)
	require.NoError(t, err)
	defer it.Close()
	var out []model.TrackedAddress
	for it.Next() {
		ta, err := model.Decode[model.TrackedAddress](it.Value())
		require.NoError(t, err)
		out = append(out, ta)
	}
	require.NoError(t, it.Err())
	return out
}

func storedTransfers(t *testing.T, st store.Reader, addr, token string) []model.TransferRecord {
	t.Helper()
	lo, hi := keys.Range(keys.TransferPrefix(addr, token))
	it, err := st.Iter(lo, hi, false)
	require.NoError(t, err)
	defer it.Close()
	var out []model.TransferRecord
	for it.Next() {
		rec, err := model.Decode[model.TransferRecord](it.Value())
		require.NoError(t, err)
		out = append(out, rec)
	}
	require.NoError(t, it.Err())
	return out
}

func waitWatermark(t *testing.T, ix *Indexer, atLeast uint64) {
	t.Helper()
	require.Eventually(t, func() bool {
		wm, err := ix.Watermark(context.Background())
		return err == nil && wm >= atLeast
	}, 10*time.Second, 5*time.Millisecond)
}

// readTransfers reads until n transfers have arrived.
func readTransfers(t *testing.T, s *stream.Stream, n int) []model.TransferRecord {
	t.Helper()
	var out []model.TransferRecord
	timeout := time.After(10 * time.Second)
	for len(out) < n {
		select {
		case r, ok := <-s.Records():
			require.True(t, ok, "stream ended: %v", s.Err())
			if r.Kind == model.RecordTransfer {
				out = append(out, *r.Transfer)
			}
		case <-timeout:
			t.Fatalf("got %d of %d transfers", len(out), n)
		}
	}
	return out
}

func hasHeader(t *testing.T, st store.Reader, h uint64) bool {
	t.Helper()
	k, err := keys.Block(h)
	require.NoError(t, err)
	ok, err := st.Has(k)
	require.NoError(t, err)
	return ok
}

func TestGateTakesMaxOfPersistedAndFloor(t *testing.T) {
	for _, tc := range []struct {
		name      string
		persisted uint64
		floor     uint64
		want      uint64
	}{
		{"fresh store", 0, 0, 0},
		{"floor only", 0, 800, 800},
		{"persisted wins", 500, 100, 500},
		{"floor wins", 500, 800, 800},
	} {
		t.Run(tc.name, func(t *testing.T) {
			st := openStore(t, nil)
			if tc.persisted > 0 {
				putWatermark(t, st, tc.persisted)
			}
			ix := newIndexer(t, mockchain.New(mockchain.Config{}), st, func(c *Config) { c.Floor = tc.floor })

			var wg sync.WaitGroup
			for i := 0; i < 8; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					wm, err := ix.Watermark(context.Background())
					require.NoError(t, err)
					require.Equal(t, tc.want, wm)
				}()
			}
			wg.Wait()
		})
	}
}

func TestRegisterAddress(t *testing.T) {
	c := mockchain.New(mockchain.Config{})
	c.Fund(alice, "", big.NewInt(1000))
	c.MineEmpty(10)
	c.Mine(mockchain.Transfer{From: alice, To: bob, Value: big.NewInt(100)})

	st := openStore(t, nil)
	ix := newIndexer(t, c, st, func(cfg *Config) { cfg.Floor = 12 })
	require.NoError(t, ix.RegisterAddress(context.Background(), strings.ToUpper(alice), ""))

	got := trackedEntries(t, st, alice)
	require.Len(t, got, 1)
	require.Equal(t, uint64(11), got[0].StartHeight)
	require.Equal(t, int64(900), got[0].Balance.Int64())
	require.Equal(t, int64(1_700_000_011), got[0].BlockTime)
	// the header of the snapshot height is written with the entry
	require.True(t, hasHeader(t, st, 11))
}

func TestRegisterTwiceFetchesBalanceOnce(t *testing.T) {
	c := mockchain.New(mockchain.Config{})
	c.Fund(alice, "", big.NewInt(1000))
	c.MineEmpty(10)

	inBalance := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	c.OnBalance = func(string, string, uint64) {
		once.Do(func() { close(inBalance) })
		<-release
	}

	st := openStore(t, nil)
	ix := newIndexer(t, c, st, func(cfg *Config) { cfg.Floor = 5 })

	const callers = 8
	errs := make(chan error, callers)
	go func() { errs <- ix.RegisterAddress(context.Background(), alice, "") }()
	<-inBalance
	// the rest arrive while the first is mid-flight, in different spellings
	for i := 1; i < callers; i++ {
		addr := alice
		if i%2 == 0 {
			addr = "  " + strings.ToUpper(alice) + " "
		}
		go func() { errs <- ix.RegisterAddress(context.Background(), addr, "") }()
	}
	time.Sleep(20 * time.Millisecond)
	close(release)

	for i := 0; i < callers; i++ {
		require.NoError(t, <-errs)
	}
	// and once more after the fact
	require.NoError(t, ix.RegisterAddress(context.Background(), alice, ""))

	require.Len(t, trackedEntries(t, st, alice), 1)
	require.Equal(t, int64(1), c.BalanceCalls())
}

func TestRegisterWithinCatchupBoundProceeds(t *testing.T) {
	c := mockchain.New(mockchain.Config{})
	c.MineEmpty(1005)
	var tips atomic.Int64
	c.OnTip = func(int64) { tips.Add(1) }

	st := openStore(t, nil)
	ix := newIndexer(t, c, st, func(cfg *Config) { cfg.Floor = 1000 })
	require.NoError(t, ix.RegisterAddress(context.Background(), alice, ""))

	// one read for the catch-up check, one for the staleness check
	require.Equal(t, int64(2), tips.Load())
	got := trackedEntries(t, st, alice)
	require.Len(t, got, 1)
	require.Equal(t, uint64(999), got[0].StartHeight)
}

func TestRegisterPollsUntilCaughtUp(t *testing.T) {
	c := mockchain.New(mockchain.Config{PageSize: 10})
	c.MineEmpty(1200)
	var tips atomic.Int64
	c.OnTip = func(int64) { tips.Add(1) }

	st := openStore(t, nil)
	ix := newIndexer(t, c, st, func(cfg *Config) { cfg.Floor = 1000 })

	done := make(chan error, 1)
	go func() { done <- ix.RegisterAddress(context.Background(), alice, "") }()

	require.Eventually(t, func() bool { return tips.Load() >= 3 }, 5*time.Second, 5*time.Millisecond)
	select {
	case err := <-done:
		t.Fatalf("registration returned before catch-up: %v", err)
	default:
	}

	require.NoError(t, ix.StartTailing(context.Background()))
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("registration never completed")
	}

	got := trackedEntries(t, st, alice)
	require.Len(t, got, 1)
	require.GreaterOrEqual(t, got[0].StartHeight, uint64(1200-DefaultCatchupBound-1))
}

func TestRegisterStaleWhenTipRunsAway(t *testing.T) {
	c := mockchain.New(mockchain.Config{})
	c.MineEmpty(1005)
	var tips atomic.Int64
	c.OnTip = func(int64) {
		// the chain jumps between catch-up and the snapshot read
		if tips.Add(1) == 2 {
			c.MineEmpty(120)
		}
	}

	st := openStore(t, nil)
	ix := newIndexer(t, c, st, func(cfg *Config) { cfg.Floor = 1000 })

	err := ix.RegisterAddress(context.Background(), alice, "")
	require.ErrorIs(t, err, ErrStaleTail)
	require.Equal(t, int64(0), c.BalanceCalls())
	require.Empty(t, trackedEntries(t, st, alice))
}

func TestRegisterStaleWhenStatePruned(t *testing.T) {
	c := mockchain.New(mockchain.Config{Retention: 50})
	c.MineEmpty(1005)
	var once sync.Once
	c.OnBalance = func(string, string, uint64) {
		once.Do(func() { c.MineEmpty(60) })
	}

	st := openStore(t, nil)
	ix := newIndexer(t, c, st, func(cfg *Config) { cfg.Floor = 1000 })

	err := ix.RegisterAddress(context.Background(), alice, "")
	require.ErrorIs(t, err, ErrStaleTail)
	require.Empty(t, trackedEntries(t, st, alice))
}

func TestRegisterStoppedWhileWaiting(t *testing.T) {
	c := mockchain.New(mockchain.Config{})
	c.MineEmpty(500)
	var tips atomic.Int64
	c.OnTip = func(int64) { tips.Add(1) }
	ix := newIndexer(t, c, openStore(t, nil), nil)

	done := make(chan error, 1)
	go func() { done <- ix.RegisterAddress(context.Background(), alice, "") }()
	require.Eventually(t, func() bool { return tips.Load() >= 2 }, 5*time.Second, 5*time.Millisecond)
	require.NoError(t, ix.Stop())
	require.ErrorIs(t, <-done, ErrStopped)
}

func TestStartTailingTwice(t *testing.T) {
	c := mockchain.New(mockchain.Config{})
	ix := newIndexer(t, c, openStore(t, nil), nil)

	require.NoError(t, ix.StartTailing(context.Background()))
	require.ErrorIs(t, ix.StartTailing(context.Background()), ErrAlreadyTailing)

	st, err := ix.Status(context.Background())
	require.NoError(t, err)
	require.Equal(t, "live", st.Mode)
	require.True(t, st.Tailing)

	require.NoError(t, ix.Stop())
	require.ErrorIs(t, ix.StartTailing(context.Background()), ErrStopped)
}

func TestTailingIndexesAndFansOut(t *testing.T) {
	ctx := context.Background()
	c := mockchain.New(mockchain.Config{PageSize: 3})
	c.Fund(alice, "", big.NewInt(1000))
	c.Fund(alice, tok, big.NewInt(50))

	st := openStore(t, nil)
	ix := newIndexer(t, c, st, nil)
	require.NoError(t, ix.RegisterAddress(ctx, alice, ""))
	require.NoError(t, ix.RegisterAddress(ctx, alice, tok))
	require.NoError(t, ix.StartTailing(ctx))

	_, err := ix.OpenStream(ctx, bob, stream.Options{Live: true})
	require.ErrorIs(t, err, stream.ErrNotFound)

	early, err := ix.OpenStream(ctx, alice, stream.Options{Live: true})
	require.NoError(t, err)
	defer early.Close()

	const blocks = 30
	mine := func(from, to int) {
		for h := from; h <= to; h++ {
			c.Mine(
				mockchain.Transfer{From: bob, To: alice, Value: big.NewInt(int64(h))},
				mockchain.Transfer{From: bob, To: alice, Token: tok, Value: big.NewInt(1)},
				mockchain.Transfer{From: alice, To: bob, Value: big.NewInt(1)},
			)
		}
	}
	mine(1, blocks/2)
	late, err := ix.OpenStream(ctx, alice, stream.Options{Live: true})
	require.NoError(t, err)
	defer late.Close()
	mine(blocks/2+1, blocks)

	for _, s := range []*stream.Stream{early, late} {
		got := readTransfers(t, s, blocks)
		for i, rec := range got {
			require.Equal(t, uint64(i+1), rec.Height)
			require.Equal(t, model.TransferNative, rec.Type)
			require.Equal(t, int64(i+1), rec.Value.Int64())
			require.Equal(t, keys.Normalize(bob), rec.From)
		}
	}

	waitWatermark(t, ix, blocks+1)
	// outgoing transfers are not indexed for the sender
	require.Len(t, storedTransfers(t, st, alice, ""), blocks)
	require.Empty(t, storedTransfers(t, st, bob, ""))
	for h := uint64(1); h <= blocks; h++ {
		require.True(t, hasHeader(t, st, h))
	}

	// a finite stream is the balance followed by a range scan
	hist, err := ix.OpenStream(ctx, alice, stream.Options{Token: tok})
	require.NoError(t, err)
	var recs []model.Record
	for r := range hist.Records() {
		recs = append(recs, r)
	}
	require.NoError(t, hist.Err())
	require.Equal(t, model.RecordBalance, recs[0].Kind)
	require.Equal(t, int64(50), recs[0].Balance.Balance.Int64())
	scan := storedTransfers(t, st, alice, tok)
	require.Len(t, recs, len(scan)+1)
	for i, rec := range scan {
		require.Equal(t, rec.Height, recs[i+1].Transfer.Height)
		require.NotNil(t, recs[i+1].Transfer.LogIndex)
	}

	status, err := ix.Status(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, status.LiveStreams)
	require.Equal(t, 1, status.StreamKeys)

	require.NoError(t, early.Close())
	require.NoError(t, late.Close())
	require.NoError(t, ix.Stop())
}

func TestHeadersForcedEveryInterval(t *testing.T) {
	c := mockchain.New(mockchain.Config{PageSize: 4})
	c.MineEmpty(25)
	st := openStore(t, nil)
	ix := newIndexer(t, c, st, func(cfg *Config) { cfg.BlockInterval = 10 })
	require.NoError(t, ix.StartTailing(context.Background()))
	waitWatermark(t, ix, 26)

	for h := uint64(0); h <= 25; h++ {
		require.Equal(t, h%10 == 0, hasHeader(t, st, h), "height %d", h)
	}
}

type recordingPublisher struct {
	mu   sync.Mutex
	recs []model.TransferRecord
	fail bool
}

func (p *recordingPublisher) Publish(_ context.Context, recs []model.TransferRecord) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail {
		return errors.New("broker down")
	}
	p.recs = append(p.recs, recs...)
	return nil
}

func (p *recordingPublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.recs)
}

func TestPublisherSeesFlushedTransfers(t *testing.T) {
	ctx := context.Background()
	c := mockchain.New(mockchain.Config{PageSize: 2})
	pub := &recordingPublisher{}
	st := openStore(t, nil)
	ix := newIndexer(t, c, st, func(cfg *Config) { cfg.Publisher = pub })
	require.NoError(t, ix.RegisterAddress(ctx, alice, ""))
	require.NoError(t, ix.StartTailing(ctx))

	c.Mine(mockchain.Transfer{From: bob, To: alice, Value: big.NewInt(1)})
	c.Mine(mockchain.Transfer{From: bob, To: alice, Value: big.NewInt(2)})
	waitWatermark(t, ix, 3)
	require.Equal(t, 2, pub.count())

	// a failing export does not stop the loop
	pub.mu.Lock()
	pub.fail = true
	pub.mu.Unlock()
	c.Mine(mockchain.Transfer{From: bob, To: alice, Value: big.NewInt(3)})
	waitWatermark(t, ix, 4)
	require.Len(t, storedTransfers(t, st, alice, ""), 3)
	require.NoError(t, ix.Stop())
}

var errCrash = errors.New("power cut")

// crashingStore fails every watermark commit once armed, so data batches
// land and the watermark does not.
type crashingStore struct {
	store.Store
	armed *atomic.Bool
}

func (s crashingStore) NewBatch() store.Batch {
	return &crashingBatch{Batch: s.Store.NewBatch(), armed: s.armed}
}

type crashingBatch struct {
	store.Batch
	armed     *atomic.Bool
	watermark bool
}

func (b *crashingBatch) Put(key, value []byte) error {
	if string(key) == string(keys.Watermark()) {
		b.watermark = true
	}
	return b.Batch.Put(key, value)
}

func (b *crashingBatch) Commit() (uint64, error) {
	if b.watermark && b.armed.Load() {
		return 0, errCrash
	}
	return b.Batch.Commit()
}

func crashChain() *mockchain.Chain {
	c := mockchain.New(mockchain.Config{PageSize: 4})
	c.Fund(alice, "", big.NewInt(10))
	for i := 1; i <= 3; i++ {
		c.Mine(mockchain.Transfer{From: bob, To: alice, Value: big.NewInt(int64(i))})
	}
	return c
}

func TestCrashBetweenFlushAndWatermark(t *testing.T) {
	ctx := context.Background()
	fs := vfs.NewMem()

	armed := &atomic.Bool{}
	st := crashingStore{Store: openStore(t, fs), armed: armed}
	first := newIndexer(t, crashChain(), st, nil)
	require.NoError(t, first.RegisterAddress(ctx, alice, ""))
	armed.Store(true)
	require.NoError(t, first.StartTailing(ctx))

	select {
	case <-first.Done():
	case <-time.After(10 * time.Second):
		t.Fatal("tailing loop did not fail")
	}
	require.ErrorIs(t, first.Err(), errCrash)
	require.ErrorIs(t, first.Stop(), errCrash)

	// restart over the same files: the data is there, the watermark is not
	st2 := openStore(t, fs)
	_, err := st2.Get(keys.Watermark())
	require.ErrorIs(t, err, store.ErrNotFound)
	require.Len(t, storedTransfers(t, st2, alice, ""), 3)

	second := newIndexer(t, crashChain(), st2, nil)
	wm, err := second.Watermark(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(0), wm)

	require.NoError(t, second.StartTailing(ctx))
	waitWatermark(t, second, 4)

	got := storedTransfers(t, st2, alice, "")
	require.Len(t, got, 3)
	for i, rec := range got {
		require.Equal(t, uint64(i+1), rec.Height)
	}
	require.NoError(t, second.Stop())
}

func TestOpenPicksVariant(t *testing.T) {
	c := mockchain.New(mockchain.Config{})
	svc, err := Open(Config{Chain: c, Tailer: c, Store: openStore(t, nil)})
	require.NoError(t, err)
	require.IsType(t, &Indexer{}, svc)
	require.NoError(t, svc.Stop())

	svc, err = Open(Config{Store: openStore(t, nil)})
	require.NoError(t, err)
	require.IsType(t, &Replica{}, svc)
	require.NoError(t, svc.Stop())

	_, err = New(Config{Chain: c, Store: openStore(t, nil)})
	require.Error(t, err)
}

func TestReplicaServesWhatTheIndexerWrote(t *testing.T) {
	ctx := context.Background()
	fs := vfs.NewMem()

	c := mockchain.New(mockchain.Config{})
	c.Fund(alice, "", big.NewInt(10))
	ix := newIndexer(t, c, openStore(t, fs), nil)
	require.NoError(t, ix.RegisterAddress(ctx, alice, ""))
	require.NoError(t, ix.StartTailing(ctx))
	c.Mine(mockchain.Transfer{From: bob, To: alice, Value: big.NewInt(4)})
	waitWatermark(t, ix, 2)
	require.NoError(t, ix.Stop())

	st := openStore(t, fs)
	rep, err := NewReplica(Config{Store: st, Logger: zaptest.NewLogger(t).Sugar()})
	require.NoError(t, err)
	defer rep.Stop()

	require.ErrorIs(t, rep.RegisterAddress(ctx, alice, ""), ErrReplicaMode)
	require.ErrorIs(t, rep.StartTailing(ctx), ErrReplicaMode)

	wm, err := rep.Watermark(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(2), wm)
	// the replica re-reads the store, it has no watermark of its own
	putWatermark(t, st, 7)
	wm, err = rep.Watermark(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(7), wm)

	s, err := rep.OpenStream(ctx, alice, stream.Options{})
	require.NoError(t, err)
	var kinds []model.RecordKind
	for r := range s.Records() {
		kinds = append(kinds, r.Kind)
	}
	require.NoError(t, s.Err())
	require.Equal(t, []model.RecordKind{model.RecordBalance, model.RecordTransfer}, kinds)

	status, err := rep.Status(ctx)
	require.NoError(t, err)
	require.Equal(t, "replica", status.Mode)
	require.False(t, status.Tailing)
}

func TestStopEndsOpenStreams(t *testing.T) {
	ctx := context.Background()
	c := mockchain.New(mockchain.Config{})
	ix := newIndexer(t, c, openStore(t, nil), nil)
	require.NoError(t, ix.RegisterAddress(ctx, alice, ""))
	require.NoError(t, ix.StartTailing(ctx))

	txs := make([]mockchain.Transfer, 200)
	for i := range txs {
		txs[i] = mockchain.Transfer{From: bob, To: alice, Value: big.NewInt(int64(i + 1))}
	}
	h := c.Mine(txs...)
	waitWatermark(t, ix, h+1)

	// history stalled after two records, live stream never read
	hist, err := ix.OpenStream(ctx, alice, stream.Options{})
	require.NoError(t, err)
	for i := 0; i < 2; i++ {
		<-hist.Records()
	}
	live, err := ix.OpenStream(ctx, alice, stream.Options{Live: true})
	require.NoError(t, err)

	require.NoError(t, ix.Stop())

	for _, s := range []*stream.Stream{hist, live} {
		n := 0
		for range s.Records() {
			n++
		}
		require.Zero(t, n)
		require.ErrorIs(t, s.Err(), stream.ErrClosed)
	}
	_, err = ix.OpenStream(ctx, alice, stream.Options{})
	require.ErrorIs(t, err, stream.ErrClosed)
}

func TestReplicaRefusesLiveStreams(t *testing.T) {
	ctx := context.Background()
	fs := vfs.NewMem()

	c := mockchain.New(mockchain.Config{})
	ix := newIndexer(t, c, openStore(t, fs), nil)
	require.NoError(t, ix.RegisterAddress(ctx, alice, ""))
	require.NoError(t, ix.Stop())

	rep, err := NewReplica(Config{Store: openStore(t, fs)})
	require.NoError(t, err)
	defer rep.Stop()

	_, err = rep.OpenStream(ctx, alice, stream.Options{Live: true})
	require.ErrorIs(t, err, ErrReplicaMode)

	s, err := rep.OpenStream(ctx, alice, stream.Options{})
	require.NoError(t, err)
	for range s.Records() {
	}
	require.NoError(t, s.Err())
}

func TestRegisterRejectsMalformedAddress(t *testing.T) {
	c := mockchain.New(mockchain.Config{})
	st := openStore(t, nil)
	ix := newIndexer(t, c, st, nil)

	for _, tc := range []struct{ address, token string }{
		{"0xabc!x", ""},
		{"0xabc", "x!"},
		{alice, "x!"},
		{"", ""},
	} {
		err := ix.RegisterAddress(context.Background(), tc.address, tc.token)
		require.ErrorIs(t, err, keys.ErrInvalidAddress, "%q %q", tc.address, tc.token)
	}
	require.Zero(t, c.BalanceCalls())
	require.Empty(t, trackedEntries(t, st, "0xabc"))
}

// stuckBalance never answers a balance read before its context ends.
type stuckBalance struct{ *mockchain.Chain }

func (stuckBalance) Balance(ctx context.Context, _, _ string, _ uint64) (*big.Int, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestSlowRegistrationReleasesPageLock(t *testing.T) {
	ctx := context.Background()
	c := mockchain.New(mockchain.Config{})
	ix := newIndexer(t, c, openStore(t, nil), func(cfg *Config) {
		cfg.Chain = stuckBalance{c}
		cfg.LockedRPCBudget = 50 * time.Millisecond
	})
	require.NoError(t, ix.StartTailing(ctx))

	err := ix.RegisterAddress(ctx, alice, "")
	require.ErrorIs(t, err, context.DeadlineExceeded)

	// the tailing loop is not held up by the failed registration
	h := c.MineEmpty(5)
	waitWatermark(t, ix, h+1)
	require.Empty(t, trackedEntries(t, ix.store, alice))
}
