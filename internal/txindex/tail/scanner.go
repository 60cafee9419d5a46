package tail

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"

	"github.com/chenzhangda16/web3-txindex/internal/txindex/chain"
	"github.com/chenzhangda16/web3-txindex/internal/txindex/keys"
	"github.com/chenzhangda16/web3-txindex/internal/txindex/model"
)

// Source is the node access the scanner needs. *chain.Client implements it.
type Source interface {
	Tip(ctx context.Context) (uint64, error)
	BlockByNumber(ctx context.Context, height uint64) (*types.Block, error)
	TransferLogs(ctx context.Context, from, to uint64) ([]types.Log, error)
}

type Config struct {
	// Confirmations keeps the scanner this many blocks behind the tip.
	Confirmations uint64
	// PageSize is the number of heights fetched and checkpointed together.
	PageSize int

	PollHeadEvery time.Duration
	IdleSleep     time.Duration
	RetrySleep    time.Duration

	ChainID *big.Int
	Logger  *zap.SugaredLogger
}

// Scanner tails an EVM chain: native value transfers from block bodies and
// ERC-20 Transfer logs from eth_getLogs.
type Scanner struct {
	cfg    Config
	src    Source
	signer types.Signer
	log    *zap.SugaredLogger

	stopOnce sync.Once
	stop     chan struct{}
}

var _ Tailer = (*Scanner)(nil)

func NewScanner(src Source, cfg Config) (*Scanner, error) {
	if src == nil {
		return nil, errors.New("tail: nil source")
	}
	if cfg.ChainID == nil {
		return nil, errors.New("tail: chain id is required to recover senders")
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = 20
	}
	if cfg.PollHeadEvery <= 0 {
		cfg.PollHeadEvery = 2 * time.Second
	}
	if cfg.IdleSleep <= 0 {
		cfg.IdleSleep = 300 * time.Millisecond
	}
	if cfg.RetrySleep <= 0 {
		cfg.RetrySleep = 500 * time.Millisecond
	}
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Scanner{
		cfg:    cfg,
		src:    src,
		signer: types.LatestSignerForChainID(cfg.ChainID),
		log:    log,
		stop:   make(chan struct{}),
	}, nil
}

// Stop is permanent: a stopped scanner's Run returns nil right away.
func (s *Scanner) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
}

func (s *Scanner) BlockByHeight(ctx context.Context, height uint64) (model.BlockHeader, error) {
	b, err := s.src.BlockByNumber(ctx, height)
	if err != nil {
		return model.BlockHeader{}, err
	}
	return chain.HeaderOf(b.Header()), nil
}

// page is one fetched range, ready for delivery.
type page struct {
	blocks []*types.Block
	logs   map[uint64][]types.Log
}

func (s *Scanner) Run(ctx context.Context, since uint64, h Handlers) error {
	stop := s.stop
	next := since

	var (
		head         uint64
		haveHead     bool
		nextHeadPoll time.Time
	)

	s.log.Infow("scanner start", "next_height", next, "confirmations", s.cfg.Confirmations, "page", s.cfg.PageSize)

	for {
		select {
		case <-stop:
			s.log.Infow("scanner stopped", "next_height", next)
			return nil
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		// refresh head periodically
		if !haveHead || time.Now().After(nextHeadPoll) {
			tip, err := s.src.Tip(ctx)
			if err != nil {
				s.log.Warnw("head poll failed", "err", err)
				if err := s.sleep(ctx, stop, s.cfg.RetrySleep); err != nil {
					return ignoreStop(err)
				}
				continue
			}
			head, haveHead = tip, true
			nextHeadPoll = time.Now().Add(s.cfg.PollHeadEvery)
		}

		if head < s.cfg.Confirmations || next > head-s.cfg.Confirmations {
			if err := s.sleep(ctx, stop, s.cfg.IdleSleep); err != nil {
				return ignoreStop(err)
			}
			continue
		}
		to := min(next+uint64(s.cfg.PageSize)-1, head-s.cfg.Confirmations)

		// fetch the whole page first: a failed RPC never leaves a half
		// delivered range behind
		p, err := s.fetch(ctx, next, to)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.log.Warnw("range fetch failed", "from", next, "to", to, "err", err)
			if err := s.sleep(ctx, stop, s.cfg.RetrySleep); err != nil {
				return ignoreStop(err)
			}
			continue
		}
		if err := s.deliver(ctx, p, h); err != nil {
			return err
		}
		if err := h.Checkpoint(ctx, to+1); err != nil {
			return fmt.Errorf("checkpoint %d: %w", to+1, err)
		}
		next = to + 1
	}
}

var errStopped = errors.New("tail: stopped")

func ignoreStop(err error) error {
	if errors.Is(err, errStopped) {
		return nil
	}
	return err
}

func (s *Scanner) sleep(ctx context.Context, stop <-chan struct{}, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-stop:
		return errStopped
	case <-t.C:
		return nil
	}
}

func (s *Scanner) fetch(ctx context.Context, from, to uint64) (page, error) {
	logs, err := s.src.TransferLogs(ctx, from, to)
	if err != nil {
		return page{}, err
	}
	p := page{
		blocks: make([]*types.Block, 0, to-from+1),
		logs:   make(map[uint64][]types.Log),
	}
	for _, lg := range logs {
		if lg.Removed {
			continue
		}
		p.logs[lg.BlockNumber] = append(p.logs[lg.BlockNumber], lg)
	}
	for n := from; n <= to; n++ {
		b, err := s.src.BlockByNumber(ctx, n)
		if err != nil {
			return page{}, err
		}
		if b.NumberU64() != n {
			return page{}, fmt.Errorf("tail: asked for block %d, got %d", n, b.NumberU64())
		}
		p.blocks = append(p.blocks, b)
	}
	return p, nil
}

func (s *Scanner) deliver(ctx context.Context, p page, h Handlers) error {
	for _, b := range p.blocks {
		hdr := chain.HeaderOf(b.Header())
		if h.Block != nil {
			if err := h.Block(ctx, hdr); err != nil {
				return fmt.Errorf("block %d: %w", hdr.Height, err)
			}
		}
		if err := s.deliverNative(ctx, b, hdr, h); err != nil {
			return err
		}
		if err := s.deliverTokens(ctx, p.logs[hdr.Height], hdr, h); err != nil {
			return err
		}
	}
	return nil
}

func (s *Scanner) deliverNative(ctx context.Context, b *types.Block, hdr model.BlockHeader, h Handlers) error {
	for i, tx := range b.Transactions() {
		if tx.To() == nil || tx.Value().Sign() <= 0 {
			continue
		}
		to := keys.Normalize(tx.To().Hex())
		ok, err := h.Filter(ctx, to)
		if err != nil {
			return fmt.Errorf("filter %s: %w", to, err)
		}
		if !ok {
			continue
		}

		var from string
		if addr, err := types.Sender(s.signer, tx); err == nil {
			from = keys.Normalize(addr.Hex())
		} else {
			s.log.Warnw("sender recovery failed", "tx", tx.Hash().Hex(), "err", err)
		}

		rec := model.TransferRecord{
			Type:      model.TransferNative,
			Address:   to,
			Height:    hdr.Height,
			TxIndex:   uint32(i),
			TxHash:    tx.Hash().Hex(),
			From:      from,
			To:        to,
			Value:     new(big.Int).Set(tx.Value()),
			Timestamp: hdr.Timestamp,
		}
		if err := h.Native(ctx, Transfer{Record: rec, Block: hdr}); err != nil {
			return fmt.Errorf("native transfer %s: %w", rec.TxHash, err)
		}
	}
	return nil
}

func (s *Scanner) deliverTokens(ctx context.Context, logs []types.Log, hdr model.BlockHeader, h Handlers) error {
	for _, lg := range logs {
		// ERC-721 shares the signature but indexes the token id as a 4th topic
		if len(lg.Topics) != 3 || lg.Topics[0] != chain.TransferTopic || len(lg.Data) != 32 {
			continue
		}
		to := keys.Normalize(common.BytesToAddress(lg.Topics[2].Bytes()).Hex())
		ok, err := h.Filter(ctx, to)
		if err != nil {
			return fmt.Errorf("filter %s: %w", to, err)
		}
		if !ok {
			continue
		}

		logIndex := uint32(lg.Index)
		rec := model.TransferRecord{
			Type:      model.TransferToken,
			Address:   to,
			Token:     keys.Normalize(lg.Address.Hex()),
			Height:    hdr.Height,
			TxIndex:   uint32(lg.TxIndex),
			LogIndex:  &logIndex,
			TxHash:    lg.TxHash.Hex(),
			From:      keys.Normalize(common.BytesToAddress(lg.Topics[1].Bytes()).Hex()),
			To:        to,
			Value:     new(big.Int).SetBytes(lg.Data),
			Timestamp: hdr.Timestamp,
		}
		if err := h.Token(ctx, Transfer{Record: rec, Block: hdr}); err != nil {
			return fmt.Errorf("token transfer %s/%d: %w", rec.TxHash, logIndex, err)
		}
	}
	return nil
}
