// Package indexer owns the single write path of the index: address
// registration, the tailing loop and its checkpoints, and the fan-out of
// flushed transfers to live streams.
//
// The watermark is the next height to process. A checkpoint at height h
// means every matching event below h has been delivered; the data of those
// heights is committed before the watermark key is, so a crash can only
// leave the watermark behind the data, never ahead of it.
package indexer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/chenzhangda16/web3-txindex/internal/txindex/chain"
	"github.com/chenzhangda16/web3-txindex/internal/txindex/keys"
	"github.com/chenzhangda16/web3-txindex/internal/txindex/metrics"
	"github.com/chenzhangda16/web3-txindex/internal/txindex/model"
	"github.com/chenzhangda16/web3-txindex/internal/txindex/registry"
	"github.com/chenzhangda16/web3-txindex/internal/txindex/store"
	"github.com/chenzhangda16/web3-txindex/internal/txindex/stream"
	"github.com/chenzhangda16/web3-txindex/internal/txindex/tail"
)

var (
	ErrReplicaMode    = errors.New("indexer: replica mode has no chain access")
	ErrStaleTail      = errors.New("indexer: tail is too far behind the chain tip")
	ErrAlreadyTailing = errors.New("indexer: already tailing")
	ErrStopped        = errors.New("indexer: stopped")
)

const (
	DefaultCatchupBound    = 90
	DefaultStaleBound      = 100
	DefaultCatchupInterval = time.Second
	DefaultBlockInterval   = 100
	DefaultLockedRPCBudget = 5 * time.Second
)

// Publisher receives every batch of transfers after it is flushed.
type Publisher interface {
	Publish(ctx context.Context, recs []model.TransferRecord) error
}

type Config struct {
	// Chain and Tailer are both nil for a replica.
	Chain  chain.Reader
	Tailer tail.Tailer
	Store  store.Store
	// Registry is created when nil.
	Registry *registry.Registry[model.TransferRecord]

	// Floor is the lowest height the indexer ever starts from.
	Floor uint64

	CatchupBound    uint64
	StaleBound      uint64
	CatchupInterval time.Duration
	// BlockInterval forces a header record every this many heights.
	BlockInterval uint64
	// LockedRPCBudget bounds the chain reads a registration makes while it
	// holds the page lock, retries included. The tailing loop waits that
	// long at most.
	LockedRPCBudget time.Duration

	Publisher Publisher // optional
	Logger    *zap.SugaredLogger
	Metrics   *metrics.Metrics // nil if metrics disabled
}

func (c *Config) applyDefaults() {
	if c.CatchupBound == 0 {
		c.CatchupBound = DefaultCatchupBound
	}
	if c.StaleBound == 0 {
		c.StaleBound = DefaultStaleBound
	}
	if c.CatchupInterval <= 0 {
		c.CatchupInterval = DefaultCatchupInterval
	}
	if c.BlockInterval == 0 {
		c.BlockInterval = DefaultBlockInterval
	}
	if c.LockedRPCBudget <= 0 {
		c.LockedRPCBudget = DefaultLockedRPCBudget
	}
	if c.Registry == nil {
		c.Registry = registry.New[model.TransferRecord]()
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop().Sugar()
	}
}

// Reader is what both variants can do.
type Reader interface {
	OpenStream(ctx context.Context, address string, o stream.Options) (*stream.Stream, error)
	Watermark(ctx context.Context) (uint64, error)
	Status(ctx context.Context) (Status, error)
	Stop() error
}

// Service is the full surface. On a *Replica the chain operations fail with
// ErrReplicaMode.
type Service interface {
	Reader
	RegisterAddress(ctx context.Context, address, token string) error
	StartTailing(ctx context.Context) error
}

type Status struct {
	Mode        string `json:"mode"`
	Watermark   uint64 `json:"watermark"`
	Tip         uint64 `json:"tip,omitempty"`
	Sequence    uint64 `json:"sequence"`
	Tailing     bool   `json:"tailing"`
	LiveStreams int    `json:"live_streams"`
	StreamKeys  int    `json:"stream_keys"`
}

// Open returns a *Replica when cfg has no chain, an *Indexer otherwise.
func Open(cfg Config) (Service, error) {
	if cfg.Chain == nil {
		r, err := NewReplica(cfg)
		if err != nil {
			return nil, err
		}
		return r, nil
	}
	ix, err := New(cfg)
	if err != nil {
		return nil, err
	}
	return ix, nil
}

// core is shared by both variants: the store, the startup gate and streams.
type core struct {
	store    store.Store
	registry *registry.Registry[model.TransferRecord]
	streams  *stream.Source
	floor    uint64
	log      *zap.SugaredLogger
	metrics  *metrics.Metrics

	gate func() (uint64, error)

	closeOnce sync.Once
	closeErr  error
}

func newCore(cfg Config, name string) (*core, error) {
	if cfg.Store == nil {
		return nil, errors.New("indexer: store is required")
	}
	log := cfg.Logger.Named(name)
	c := &core{
		store:    cfg.Store,
		registry: cfg.Registry,
		floor:    cfg.Floor,
		log:      log,
		metrics:  cfg.Metrics,
		streams: &stream.Source{
			Store:    cfg.Store,
			Registry: cfg.Registry,
			Logger:   log.Named("stream"),
		},
	}
	// 只算一次；并发调用方阻塞到第一次完成
	c.gate = sync.OnceValues(c.resolveStart)
	return c, nil
}

// resolveStart is max(persisted watermark, floor).
func (c *core) resolveStart() (uint64, error) {
	wm, err := c.persistedWatermark()
	if err != nil {
		return 0, err
	}
	start := max(wm, c.floor)
	c.log.Infow("start height resolved", "persisted", wm, "floor", c.floor, "start", start)
	return start, nil
}

func (c *core) persistedWatermark() (uint64, error) {
	raw, err := c.store.Get(keys.Watermark())
	if errors.Is(err, store.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read watermark: %w", err)
	}
	return store.DecodeU64(raw), nil
}

// OpenStream serves the transfers of (address, o.Token). An untracked pair
// fails with stream.ErrNotFound.
func (c *core) OpenStream(ctx context.Context, address string, o stream.Options) (*stream.Stream, error) {
	s, err := c.streams.Open(ctx, address, o)
	if err != nil {
		return nil, err
	}
	if c.metrics != nil {
		c.metrics.RecordFanOut(0, c.registry.Len())
	}
	return s, nil
}

func (c *core) status(mode string, wm uint64) Status {
	return Status{
		Mode:        mode,
		Watermark:   wm,
		Sequence:    c.store.Sequence(),
		LiveStreams: c.registry.Len(),
		StreamKeys:  len(c.registry.Keys()),
	}
}

// closeStore ends every open stream before releasing the store: a stream
// still iterating a snapshot would otherwise read a closed database.
func (c *core) closeStore() error {
	c.closeOnce.Do(func() {
		c.streams.Shutdown()
		c.closeErr = c.store.Close()
	})
	return c.closeErr
}
