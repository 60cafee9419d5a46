package indexer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/chenzhangda16/web3-txindex/internal/txindex/chain"
	"github.com/chenzhangda16/web3-txindex/internal/txindex/keys"
	"github.com/chenzhangda16/web3-txindex/internal/txindex/metrics"
	"github.com/chenzhangda16/web3-txindex/internal/txindex/model"
	"github.com/chenzhangda16/web3-txindex/internal/txindex/tail"
)

// Indexer is the live variant: it reads the chain, registers addresses and
// runs the tailing loop.
type Indexer struct {
	*core
	cfg Config

	chain   chain.Reader
	tailer  tail.Tailer
	tracked *trackedSet

	// in-memory watermark, set by the gate and advanced by checkpoints
	watermark atomic.Uint64
	tip       atomic.Uint64

	registering singleflight.Group

	// pageMu is held by the tailing loop from the first callback of a page
	// to its checkpoint, and by a registration while it reads its snapshot
	// height and writes its entry. A pair registered mid-page would miss the
	// part of the page already filtered.
	pageMu sync.Mutex
	inPage bool // tailing goroutine only
	batch  *pending

	mu       sync.Mutex // guards tailing start against Stop
	tailing  atomic.Bool
	loopDone chan struct{}
	loopErr  error
	cancel   context.CancelFunc

	quit     chan struct{}
	stopOnce sync.Once
	stopErr  error
}

var _ Service = (*Indexer)(nil)

func New(cfg Config) (*Indexer, error) {
	if cfg.Chain == nil {
		return nil, errors.New("indexer: chain reader is required, use NewReplica without one")
	}
	if cfg.Tailer == nil {
		return nil, errors.New("indexer: tailer is required")
	}
	cfg.applyDefaults()
	c, err := newCore(cfg, "indexer")
	if err != nil {
		return nil, err
	}
	ix := &Indexer{
		core:     c,
		cfg:      cfg,
		chain:    cfg.Chain,
		tailer:   cfg.Tailer,
		tracked:  newTrackedSet(cfg.Store),
		loopDone: make(chan struct{}),
		quit:     make(chan struct{}),
	}
	// the in-memory watermark starts where the gate resolves
	c.gate = sync.OnceValues(func() (uint64, error) {
		start, err := c.resolveStart()
		if err == nil {
			ix.watermark.Store(start)
		}
		return start, err
	})
	return ix, nil
}

// Watermark is the next height the tailing loop will process.
func (ix *Indexer) Watermark(context.Context) (uint64, error) {
	if _, err := ix.gate(); err != nil {
		return 0, err
	}
	return ix.watermark.Load(), nil
}

func (ix *Indexer) Status(ctx context.Context) (Status, error) {
	wm, err := ix.Watermark(ctx)
	if err != nil {
		return Status{}, err
	}
	st := ix.status("live", wm)
	st.Tip = ix.tip.Load()
	st.Tailing = ix.tailing.Load()
	return st, nil
}

// RegisterAddress starts tracking (address, token). It is a no-op for a
// pair already tracked; concurrent calls for one pair share a single
// registration and so a single balance read.
func (ix *Indexer) RegisterAddress(ctx context.Context, address, token string) error {
	select {
	case <-ix.quit:
		return ErrStopped
	default:
	}
	if _, err := ix.gate(); err != nil {
		return err
	}
	addr, tok, err := keys.Pair(address, token)
	if err != nil {
		return err
	}

	key := string(keys.Tracked(addr, tok))
	_, err, _ = ix.registering.Do(key, func() (any, error) {
		return nil, ix.register(ctx, addr, tok)
	})
	return err
}

func (ix *Indexer) register(ctx context.Context, addr, token string) error {
	ok, err := ix.store.Has(keys.Tracked(addr, token))
	if err != nil {
		return fmt.Errorf("lookup tracked %s: %w", addr, err)
	}
	if ok {
		ix.recordRegistration(metrics.StatusNoop)
		return nil
	}

	if err := ix.catchup(ctx); err != nil {
		ix.recordRegistration(metrics.StatusError)
		return err
	}

	ix.pageMu.Lock()
	defer ix.pageMu.Unlock()
	ctx, cancel := context.WithTimeout(ctx, ix.cfg.LockedRPCBudget)
	defer cancel()

	// the watermark may have moved on, or the chain may have raced ahead,
	// while we waited
	tip, err := ix.chain.Tip(ctx)
	if err != nil {
		ix.recordRegistration(metrics.StatusError)
		return fmt.Errorf("read tip: %w", err)
	}
	wm := ix.watermark.Load()
	ix.observeTip(tip, wm)
	if tip > wm && tip-wm > ix.cfg.StaleBound {
		ix.recordRegistration(metrics.StatusStale)
		return fmt.Errorf("%w: tip=%d watermark=%d bound=%d", ErrStaleTail, tip, wm, ix.cfg.StaleBound)
	}

	var height uint64
	if wm > 0 {
		height = wm - 1
	}
	bal, err := ix.chain.Balance(ctx, addr, token, height)
	if errors.Is(err, chain.ErrStateUnavailable) {
		ix.recordRegistration(metrics.StatusStale)
		return fmt.Errorf("%w: balance of %s at %d: %v", ErrStaleTail, addr, height, err)
	}
	if err != nil {
		ix.recordRegistration(metrics.StatusError)
		return fmt.Errorf("read balance %s at %d: %w", addr, height, err)
	}
	hdr, err := ix.chain.Header(ctx, height)
	if err != nil {
		ix.recordRegistration(metrics.StatusError)
		return fmt.Errorf("read header %d: %w", height, err)
	}

	ta := model.TrackedAddress{
		Address:      addr,
		Token:        token,
		RegisteredAt: time.Now().UTC(),
		StartHeight:  height,
		Balance:      bal,
		BlockTime:    hdr.Timestamp,
	}
	if err := ix.writeRegistration(ta, hdr); err != nil {
		ix.recordRegistration(metrics.StatusError)
		return err
	}
	ix.tracked.add(addr, token)
	ix.recordRegistration(metrics.StatusSuccess)
	ix.log.Infow("address registered", "address", addr, "token", token, "start_height", height, "balance", bal)
	return nil
}

// writeRegistration commits the tracked entry and its header together.
func (ix *Indexer) writeRegistration(ta model.TrackedAddress, hdr model.BlockHeader) error {
	rawTA, err := model.Encode(ta)
	if err != nil {
		return err
	}
	rawHdr, err := model.Encode(hdr)
	if err != nil {
		return err
	}
	hk, err := hdr.Key()
	if err != nil {
		return err
	}

	b := ix.store.NewBatch()
	defer b.Close()
	if err := b.Put(ta.Key(), rawTA); err != nil {
		return err
	}
	if err := b.Put(hk, rawHdr); err != nil {
		return err
	}
	if _, err := b.Commit(); err != nil {
		return fmt.Errorf("commit registration %s: %w", ta.Address, err)
	}
	return nil
}

// catchup polls until the watermark is within CatchupBound of the tip.
func (ix *Indexer) catchup(ctx context.Context) error {
	t := time.NewTicker(ix.cfg.CatchupInterval)
	defer t.Stop()

	for {
		tip, err := ix.chain.Tip(ctx)
		if err != nil {
			return fmt.Errorf("read tip: %w", err)
		}
		wm := ix.watermark.Load()
		ix.observeTip(tip, wm)
		if tip <= wm || tip-wm <= ix.cfg.CatchupBound {
			return nil
		}
		if ix.metrics != nil {
			ix.metrics.IncCatchupPoll()
		}
		ix.log.Debugw("waiting for catch-up", "tip", tip, "watermark", wm, "bound", ix.cfg.CatchupBound)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ix.quit:
			return ErrStopped
		case <-t.C:
		}
	}
}

func (ix *Indexer) observeTip(tip, wm uint64) {
	ix.tip.Store(tip)
	if ix.metrics != nil {
		ix.metrics.SetTip(tip, wm)
	}
}

func (ix *Indexer) recordRegistration(status string) {
	if ix.metrics != nil {
		ix.metrics.RecordRegistration(status)
	}
}

// Done is closed when the tailing loop exits.
func (ix *Indexer) Done() <-chan struct{} { return ix.loopDone }

// Err is the error the tailing loop ended with, nil while running or after
// a clean stop.
func (ix *Indexer) Err() error {
	select {
	case <-ix.loopDone:
		return ix.loopErr
	default:
		return nil
	}
}

// Stop halts the tailer once its in-flight page is checkpointed, waits for
// the loop and closes the store. It returns the loop's error, if any.
func (ix *Indexer) Stop() error {
	ix.stopOnce.Do(func() {
		ix.mu.Lock()
		close(ix.quit)
		tailing := ix.tailing.Load()
		ix.mu.Unlock()

		var loopErr error
		if tailing {
			ix.tailer.Stop()
			<-ix.loopDone
			ix.cancel()
			if !errors.Is(ix.loopErr, context.Canceled) {
				loopErr = ix.loopErr
			}
		}
		ix.stopErr = errors.Join(loopErr, ix.closeStore())
		ix.log.Infow("indexer stopped", "watermark", ix.watermark.Load(), "err", ix.stopErr)
	})
	return ix.stopErr
}
