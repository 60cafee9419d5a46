// Package mockchain is an in-memory chain that serves both the chain reader
// and the tailer of the indexer. Tests drive it block by block; the dev
// command mines it on a ticker.
package mockchain

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"sync/atomic"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"

	"github.com/chenzhangda16/web3-txindex/internal/txindex/chain"
	"github.com/chenzhangda16/web3-txindex/internal/txindex/keys"
	"github.com/chenzhangda16/web3-txindex/internal/txindex/model"
	"github.com/chenzhangda16/web3-txindex/internal/txindex/tail"
	"github.com/chenzhangda16/web3-txindex/pkg/hash"
)

var ErrUnknownBlock = errors.New("mockchain: unknown block")

// Transfer moves Value from From to To. Token is empty for the native asset.
type Transfer struct {
	From  string
	To    string
	Token string
	Value *big.Int
}

type Config struct {
	// Retention is how many heights behind the tip balances stay readable.
	// Zero keeps all state.
	Retention uint64
	// Confirmations keeps Run this many blocks behind the tip.
	Confirmations uint64
	// PageSize is the number of heights between checkpoints in Run.
	PageSize int
	// Genesis is the timestamp of height 0; each block adds BlockTime.
	Genesis   int64
	BlockTime int64
}

type block struct {
	header    model.BlockHeader
	transfers []Transfer
}

type Chain struct {
	cfg Config

	mu      sync.Mutex
	blocks  []block
	genesis map[string]*big.Int
	wake    chan struct{}

	stopMu      sync.Mutex
	stop        chan struct{}
	stopPending bool

	balanceCalls atomic.Int64

	// Test hooks, called without the chain lock held.
	OnTip     func(n int64)
	OnBalance func(address, token string, height uint64)
}

var (
	_ chain.Reader = (*Chain)(nil)
	_ tail.Tailer  = (*Chain)(nil)
)

func New(cfg Config) *Chain {
	if cfg.PageSize <= 0 {
		cfg.PageSize = 1
	}
	if cfg.BlockTime <= 0 {
		cfg.BlockTime = 1
	}
	if cfg.Genesis == 0 {
		cfg.Genesis = 1_700_000_000
	}
	c := &Chain{
		cfg:     cfg,
		genesis: make(map[string]*big.Int),
		wake:    make(chan struct{}),
	}
	c.blocks = append(c.blocks, block{header: c.header(0)})
	return c
}

func balanceKey(address, token string) string {
	return keys.Normalize(address) + "/" + keys.Normalize(token)
}

func blockHash(n uint64) string { return hash.SumU64(0x6d6f636b, n).Hex() }

func (c *Chain) header(n uint64) model.BlockHeader {
	h := model.BlockHeader{
		Height:    n,
		Hash:      blockHash(n),
		Timestamp: c.cfg.Genesis + int64(n)*c.cfg.BlockTime,
		Miner:     "0x0000000000000000000000000000000000000000",
		GasLimit:  30_000_000,
	}
	if n > 0 {
		h.ParentHash = blockHash(n - 1)
	}
	return h
}

// Fund sets a genesis balance.
func (c *Chain) Fund(address, token string, value *big.Int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.genesis[balanceKey(address, token)] = new(big.Int).Set(value)
}

// Mine appends one block holding transfers and returns its height.
func (c *Chain) Mine(transfers ...Transfer) uint64 {
	c.mu.Lock()
	n := uint64(len(c.blocks))
	b := block{header: c.header(n)}
	for _, t := range transfers {
		b.transfers = append(b.transfers, Transfer{
			From:  keys.Normalize(t.From),
			To:    keys.Normalize(t.To),
			Token: keys.Normalize(t.Token),
			Value: new(big.Int).Set(t.Value),
		})
	}
	c.blocks = append(c.blocks, b)
	wake := c.wake
	c.wake = make(chan struct{})
	c.mu.Unlock()

	close(wake)
	return n
}

// MineEmpty appends n blocks without transfers and returns the new tip.
func (c *Chain) MineEmpty(n int) uint64 {
	var tip uint64
	for i := 0; i < n; i++ {
		tip = c.Mine()
	}
	return tip
}

// BalanceCalls counts Balance requests served, failed ones included.
func (c *Chain) BalanceCalls() int64 { return c.balanceCalls.Load() }

func (c *Chain) tip() uint64 { return uint64(len(c.blocks) - 1) }

func (c *Chain) Tip(context.Context) (uint64, error) {
	c.mu.Lock()
	tip := c.tip()
	c.mu.Unlock()
	if c.OnTip != nil {
		c.OnTip(int64(tip))
		c.mu.Lock()
		tip = c.tip()
		c.mu.Unlock()
	}
	return tip, nil
}

func (c *Chain) Balance(_ context.Context, address, token string, height uint64) (*big.Int, error) {
	c.balanceCalls.Add(1)
	if c.OnBalance != nil {
		c.OnBalance(address, token, height)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.balanceAt(balanceKey(address, token), height)
}

func (c *Chain) balanceAt(key string, height uint64) (*big.Int, error) {
	tip := c.tip()
	if height > tip {
		return nil, fmt.Errorf("%w: %d", ErrUnknownBlock, height)
	}
	if c.cfg.Retention > 0 && tip-height > c.cfg.Retention {
		return nil, fmt.Errorf("%w: height=%d tip=%d retention=%d", chain.ErrStateUnavailable, height, tip, c.cfg.Retention)
	}

	bal := new(big.Int)
	if g, ok := c.genesis[key]; ok {
		bal.Set(g)
	}
	for n := uint64(1); n <= height; n++ {
		for _, t := range c.blocks[n].transfers {
			if balanceKey(t.From, t.Token) == key {
				bal.Sub(bal, t.Value)
			}
			if balanceKey(t.To, t.Token) == key {
				bal.Add(bal, t.Value)
			}
		}
	}
	return bal, nil
}

func (c *Chain) Header(_ context.Context, height uint64) (model.BlockHeader, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if height > c.tip() {
		return model.BlockHeader{}, fmt.Errorf("%w: %d", ErrUnknownBlock, height)
	}
	return c.blocks[height].header, nil
}

func (c *Chain) BlockByHeight(ctx context.Context, height uint64) (model.BlockHeader, error) {
	return c.Header(ctx, height)
}

// Call only understands ERC-20 balanceOf.
func (c *Chain) Call(_ context.Context, msg ethereum.CallMsg, height uint64) ([]byte, error) {
	if msg.To == nil || len(msg.Data) != 36 || !bytes.Equal(msg.Data[:4], chain.BalanceOfSelector) {
		return nil, errors.New("mockchain: unsupported call")
	}
	holder := common.BytesToAddress(msg.Data[4:])

	c.mu.Lock()
	defer c.mu.Unlock()
	bal, err := c.balanceAt(balanceKey(holder.Hex(), msg.To.Hex()), height)
	if err != nil {
		return nil, err
	}
	return common.LeftPadBytes(bal.Bytes(), 32), nil
}

// Stop ends the current Run, or the next one if none is running.
func (c *Chain) Stop() {
	c.stopMu.Lock()
	defer c.stopMu.Unlock()
	if c.stop != nil {
		close(c.stop)
		c.stop = nil
		return
	}
	c.stopPending = true
}

func (c *Chain) begin() chan struct{} {
	c.stopMu.Lock()
	defer c.stopMu.Unlock()
	stop := make(chan struct{})
	if c.stopPending {
		c.stopPending = false
		close(stop)
	} else {
		c.stop = stop
	}
	return stop
}

func (c *Chain) Run(ctx context.Context, since uint64, h tail.Handlers) error {
	stop := c.begin()
	next := since
	for {
		select {
		case <-stop:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		c.mu.Lock()
		tip := c.tip()
		wake := c.wake
		c.mu.Unlock()

		if tip >= c.cfg.Confirmations && next <= tip-c.cfg.Confirmations {
			to := min(next+uint64(c.cfg.PageSize)-1, tip-c.cfg.Confirmations)
			for n := next; n <= to; n++ {
				if err := c.deliver(ctx, n, h); err != nil {
					return err
				}
			}
			if err := h.Checkpoint(ctx, to+1); err != nil {
				return fmt.Errorf("checkpoint %d: %w", to+1, err)
			}
			next = to + 1
			continue
		}

		select {
		case <-wake:
		case <-stop:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *Chain) deliver(ctx context.Context, n uint64, h tail.Handlers) error {
	c.mu.Lock()
	b := c.blocks[n]
	c.mu.Unlock()

	if h.Block != nil {
		if err := h.Block(ctx, b.header); err != nil {
			return fmt.Errorf("block %d: %w", n, err)
		}
	}
	for i, t := range b.transfers {
		ok, err := h.Filter(ctx, t.To)
		if err != nil {
			return fmt.Errorf("filter %s: %w", t.To, err)
		}
		if !ok {
			continue
		}
		rec := model.TransferRecord{
			Type:      model.TransferNative,
			Address:   t.To,
			Height:    n,
			TxIndex:   uint32(i),
			TxHash:    hash.SumU64(n, uint64(i)).Hex(),
			From:      t.From,
			To:        t.To,
			Value:     new(big.Int).Set(t.Value),
			Timestamp: b.header.Timestamp,
		}
		handle := h.Native
		if t.Token != "" {
			// one log per transaction
			logIndex := uint32(i)
			rec.Type = model.TransferToken
			rec.Token = t.Token
			rec.LogIndex = &logIndex
			handle = h.Token
		}
		if err := handle(ctx, tail.Transfer{Record: rec, Block: b.header}); err != nil {
			return fmt.Errorf("transfer %d/%d: %w", n, i, err)
		}
	}
	return nil
}
