package chain

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"go.uber.org/zap"

	"github.com/chenzhangda16/web3-txindex/internal/txindex/metrics"
	"github.com/chenzhangda16/web3-txindex/internal/txindex/model"
	"github.com/chenzhangda16/web3-txindex/internal/txindex/retry"
)

// Client is a Reader over a JSON-RPC endpoint. It also serves the raw block
// and log queries the EVM scanner needs.
type Client struct {
	eth     *ethclient.Client
	policy  retry.Policy
	metrics *metrics.Metrics // nil if metrics disabled
	log     *zap.SugaredLogger
}

var _ Reader = (*Client)(nil)

type Option func(*Client)

func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

func WithRetry(p retry.Policy) Option {
	return func(c *Client) { c.policy = p }
}

func WithLogger(l *zap.SugaredLogger) Option {
	return func(c *Client) { c.log = l }
}

func Dial(ctx context.Context, url string, opts ...Option) (*Client, error) {
	eth, err := ethclient.DialContext(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("dial rpc %s: %w", url, err)
	}
	c := &Client{
		eth:    eth,
		policy: retry.Default,
		log:    zap.NewNop().Sugar(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.policy.OnRetry == nil {
		log := c.log
		c.policy.OnRetry = func(attempt int, wait time.Duration, err error) {
			log.Warnw("rpc retry", "attempt", attempt, "wait", wait, "err", err)
		}
	}
	return c, nil
}

func (c *Client) Close() { c.eth.Close() }

// call runs fn with retry and records one metric sample per attempt.
func call[T any](ctx context.Context, c *Client, method string, fn func(context.Context) (T, error)) (T, error) {
	return retry.Value(ctx, c.policy, func(ctx context.Context) (T, error) {
		start := time.Now()
		if c.metrics != nil {
			c.metrics.IncRPCInFlight()
			defer c.metrics.DecRPCInFlight()
		}
		v, err := fn(ctx)
		if c.metrics != nil {
			c.metrics.RecordRPCCall(method, err, time.Since(start).Seconds())
		}
		if isStateUnavailable(err) {
			// retrying a pruned height cannot succeed
			var zero T
			return zero, retry.Permanent(fmt.Errorf("%w: %v", ErrStateUnavailable, err))
		}
		return v, err
	})
}

func (c *Client) Tip(ctx context.Context) (uint64, error) {
	return call(ctx, c, "eth_blockNumber", c.eth.BlockNumber)
}

func (c *Client) ChainID(ctx context.Context) (*big.Int, error) {
	return call(ctx, c, "eth_chainId", c.eth.ChainID)
}

func (c *Client) Balance(ctx context.Context, address, token string, height uint64) (*big.Int, error) {
	if token != "" {
		bal, err := TokenBalance(ctx, c, address, token, height)
		if err != nil {
			return nil, fmt.Errorf("balanceOf %s token=%s height=%d: %w", address, token, height, err)
		}
		return bal, nil
	}
	bal, err := call(ctx, c, "eth_getBalance", func(ctx context.Context) (*big.Int, error) {
		return c.eth.BalanceAt(ctx, common.HexToAddress(address), new(big.Int).SetUint64(height))
	})
	if err != nil {
		return nil, fmt.Errorf("balance %s height=%d: %w", address, height, err)
	}
	return bal, nil
}

func (c *Client) Header(ctx context.Context, height uint64) (model.BlockHeader, error) {
	h, err := call(ctx, c, "eth_getBlockByNumber", func(ctx context.Context) (*types.Header, error) {
		return c.eth.HeaderByNumber(ctx, new(big.Int).SetUint64(height))
	})
	if err != nil {
		return model.BlockHeader{}, fmt.Errorf("header %d: %w", height, err)
	}
	return HeaderOf(h), nil
}

func (c *Client) Call(ctx context.Context, msg ethereum.CallMsg, height uint64) ([]byte, error) {
	return call(ctx, c, "eth_call", func(ctx context.Context) ([]byte, error) {
		return c.eth.CallContract(ctx, msg, new(big.Int).SetUint64(height))
	})
}

// BlockByNumber returns the full block, transactions included.
func (c *Client) BlockByNumber(ctx context.Context, height uint64) (*types.Block, error) {
	b, err := call(ctx, c, "eth_getBlockByNumber", func(ctx context.Context) (*types.Block, error) {
		return c.eth.BlockByNumber(ctx, new(big.Int).SetUint64(height))
	})
	if err != nil {
		return nil, fmt.Errorf("block %d: %w", height, err)
	}
	return b, nil
}

// TransferLogs returns every ERC-20 Transfer log of heights [from, to].
func (c *Client) TransferLogs(ctx context.Context, from, to uint64) ([]types.Log, error) {
	q := ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		ToBlock:   new(big.Int).SetUint64(to),
		Topics:    [][]common.Hash{{TransferTopic}},
	}
	logs, err := call(ctx, c, "eth_getLogs", func(ctx context.Context) ([]types.Log, error) {
		return c.eth.FilterLogs(ctx, q)
	})
	if err != nil {
		return nil, fmt.Errorf("transfer logs %d..%d: %w", from, to, err)
	}
	return logs, nil
}
