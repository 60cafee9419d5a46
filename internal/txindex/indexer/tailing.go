package indexer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/chenzhangda16/web3-txindex/internal/txindex/keys"
	"github.com/chenzhangda16/web3-txindex/internal/txindex/metrics"
	"github.com/chenzhangda16/web3-txindex/internal/txindex/model"
	"github.com/chenzhangda16/web3-txindex/internal/txindex/store"
	"github.com/chenzhangda16/web3-txindex/internal/txindex/tail"
)

// pending is the open write batch of one page.
type pending struct {
	batch   store.Batch
	recs    []model.TransferRecord
	keys    map[string]struct{}
	headers map[uint64]struct{}

	native, token int
	started       time.Time
}

func (ix *Indexer) newPending() *pending {
	return &pending{
		batch:   ix.store.NewBatch(),
		keys:    make(map[string]struct{}),
		headers: make(map[uint64]struct{}),
		started: time.Now(),
	}
}

// StartTailing runs the tailer from the resolved start height in its own
// goroutine. It returns once the loop is launched; Done and Err report how
// it ended.
func (ix *Indexer) StartTailing(ctx context.Context) error {
	start, err := ix.gate()
	if err != nil {
		return err
	}

	ix.mu.Lock()
	defer ix.mu.Unlock()
	select {
	case <-ix.quit:
		return ErrStopped
	default:
	}
	if !ix.tailing.CompareAndSwap(false, true) {
		return ErrAlreadyTailing
	}

	// the loop outlives the caller's ctx; Stop ends it
	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	ix.cancel = cancel

	ix.log.Infow("tailing started", "since", start, "block_interval", ix.cfg.BlockInterval)
	go ix.loop(loopCtx, start)
	return nil
}

func (ix *Indexer) loop(ctx context.Context, since uint64) {
	defer close(ix.loopDone)

	err := ix.tailer.Run(ctx, since, tail.Handlers{
		Filter:     ix.onFilter,
		Native:     ix.onTransfer,
		Token:      ix.onTransfer,
		Block:      ix.onBlock,
		Checkpoint: ix.onCheckpoint,
	})

	// unflushed writes are dropped; the watermark never passed them
	ix.discard()
	if err != nil && !errors.Is(err, context.Canceled) {
		ix.log.Errorw("tailing loop ended", "watermark", ix.watermark.Load(), "err", err)
		if ix.metrics != nil {
			ix.metrics.IncError(metrics.ErrTypeTail)
		}
	}
	ix.loopErr = err
}

func (ix *Indexer) enterPage() {
	if ix.inPage {
		return
	}
	ix.pageMu.Lock()
	ix.inPage = true
	ix.batch = ix.newPending()
}

func (ix *Indexer) leavePage() {
	if !ix.inPage {
		return
	}
	ix.inPage = false
	ix.pageMu.Unlock()
}

func (ix *Indexer) discard() {
	if ix.batch != nil {
		if n := len(ix.batch.recs); n > 0 {
			ix.log.Warnw("dropping unflushed transfers", "count", n, "watermark", ix.watermark.Load())
		}
		_ = ix.batch.batch.Close()
		ix.batch = nil
	}
	ix.leavePage()
}

func (ix *Indexer) onFilter(_ context.Context, addr string) (bool, error) {
	ix.enterPage()
	return ix.tracked.hasAddress(addr)
}

// onBlock forces a header every BlockInterval heights so timestamps stay
// resolvable for stretches without matching transfers.
func (ix *Indexer) onBlock(_ context.Context, h model.BlockHeader) error {
	ix.enterPage()
	if h.Height%ix.cfg.BlockInterval != 0 {
		return nil
	}
	return ix.putHeader(h)
}

// onTransfer serves both native and token transfers: the record is keyed by
// (address, token), and only a tracked pair is written.
func (ix *Indexer) onTransfer(_ context.Context, t tail.Transfer) error {
	ix.enterPage()
	rec := t.Record
	rec.Address, rec.Token = keys.Normalize(rec.Address), keys.Normalize(rec.Token)

	ok, err := ix.tracked.hasPair(rec.Address, rec.Token)
	if err != nil || !ok {
		return err
	}

	k, err := rec.Key()
	if err != nil {
		return err
	}
	p := ix.batch
	if _, dup := p.keys[string(k)]; dup {
		return nil
	}
	raw, err := model.Encode(rec)
	if err != nil {
		return err
	}
	if err := p.batch.Put(k, raw); err != nil {
		return err
	}
	p.keys[string(k)] = struct{}{}
	p.recs = append(p.recs, rec)
	if rec.Type == model.TransferToken {
		p.token++
	} else {
		p.native++
	}
	return ix.putHeader(t.Block)
}

// putHeader adds h to the batch unless it is already there or stored.
func (ix *Indexer) putHeader(h model.BlockHeader) error {
	p := ix.batch
	if _, ok := p.headers[h.Height]; ok {
		return nil
	}
	k, err := h.Key()
	if err != nil {
		return err
	}
	stored, err := ix.store.Has(k)
	if err != nil {
		return fmt.Errorf("lookup header %d: %w", h.Height, err)
	}
	p.headers[h.Height] = struct{}{}
	if stored {
		return nil
	}
	raw, err := model.Encode(h)
	if err != nil {
		return err
	}
	return p.batch.Put(k, raw)
}

// onCheckpoint makes the page durable, then the watermark, then tells the
// live streams and the publisher. Nothing is published that a crash could
// take back.
func (ix *Indexer) onCheckpoint(ctx context.Context, next uint64) error {
	ix.enterPage()
	defer ix.leavePage()
	p := ix.batch

	if p.batch.Len() > 0 {
		if _, err := p.batch.Commit(); err != nil {
			ix.storeError()
			return fmt.Errorf("flush page below %d: %w", next, err)
		}
	}
	_ = p.batch.Close()
	ix.batch = nil

	if next > ix.watermark.Load() {
		if err := ix.commitWatermark(next); err != nil {
			ix.storeError()
			return err
		}
	}

	delivered := 0
	for _, rec := range p.recs {
		delivered += ix.registry.Publish(rec.StreamKey(), rec)
	}
	if ix.cfg.Publisher != nil && len(p.recs) > 0 {
		// the index is the source of truth; an export failure is not fatal
		err := ix.cfg.Publisher.Publish(ctx, p.recs)
		if err != nil {
			ix.log.Warnw("export failed", "count", len(p.recs), "next", next, "err", err)
		}
		if ix.metrics != nil {
			ix.metrics.RecordExport(len(p.recs), err)
		}
	}

	ix.watermark.Store(max(next, ix.watermark.Load()))
	if ix.metrics != nil {
		ix.metrics.RecordCheckpoint(next, p.native, p.token, len(p.headers), time.Since(p.started).Seconds())
		ix.metrics.RecordFanOut(delivered, ix.registry.Len())
	}
	if len(p.recs) > 0 {
		ix.log.Debugw("checkpoint", "next", next, "native", p.native, "token", p.token, "delivered", delivered)
	}
	return nil
}

func (ix *Indexer) commitWatermark(next uint64) error {
	b := ix.store.NewBatch()
	defer b.Close()
	if err := b.Put(keys.Watermark(), store.EncodeU64(next)); err != nil {
		return err
	}
	if _, err := b.Commit(); err != nil {
		return fmt.Errorf("commit watermark %d: %w", next, err)
	}
	return nil
}

func (ix *Indexer) storeError() {
	if ix.metrics != nil {
		ix.metrics.IncError(metrics.ErrTypeStore)
	}
}
