package mockchain

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Miner mines a generated block into the chain on every tick.
type Miner struct {
	chain *Chain
	gen   *Generator
	tick  time.Duration
	log   *zap.SugaredLogger
}

func NewMiner(c *Chain, gen *Generator, tick time.Duration, log *zap.SugaredLogger) *Miner {
	if tick <= 0 {
		tick = time.Second
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Miner{chain: c, gen: gen, tick: tick, log: log}
}

// Warmup mines n blocks at once, so a dev instance starts with history.
func (m *Miner) Warmup(n int) uint64 {
	var tip uint64
	for i := 0; i < n; i++ {
		tip = m.chain.Mine(m.gen.Block()...)
	}
	m.log.Infow("warmup done", "blocks", n, "tip", tip)
	return tip
}

func (m *Miner) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			txs := m.gen.Block()
			n := m.chain.Mine(txs...)
			m.log.Debugw("mined", "height", n, "transfers", len(txs))
		}
	}
}
