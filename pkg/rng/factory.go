// Package rng derives named random streams from one base seed, so a
// generated chain replays exactly from its seed.
package rng

import (
	"encoding/binary"
	"math/rand"
	"sync"
	"time"

	"github.com/chenzhangda16/web3-txindex/pkg/hash"
)

type Mode int

const (
	Deterministic Mode = iota
	// Real seeds from the clock.
	Real
)

const (
	TxCount   = "tx_count"
	FromPick  = "from_pick"
	ToPick    = "to_pick"
	Amount    = "amount"
	TokenPick = "token_pick"
	SelfLoop  = "self_loop"
	AddrBytes = "addr_bytes"
)

type Factory struct {
	seed int64

	mu     sync.Mutex
	byName map[string]*rand.Rand
}

func New(mode Mode, seed int64) *Factory {
	if mode == Real {
		seed = time.Now().UnixNano()
	}
	return &Factory{seed: seed, byName: make(map[string]*rand.Rand)}
}

// Seed is the base seed; logging it is enough to replay a Real run.
func (f *Factory) Seed() int64 { return f.seed }

// R returns the stream called name. Streams are independent of each other;
// a single stream is not safe for concurrent use.
func (f *Factory) R(name string) *rand.Rand {
	f.mu.Lock()
	defer f.mu.Unlock()
	r := f.byName[name]
	if r == nil {
		r = rand.New(rand.NewSource(Derive(f.seed, name)))
		f.byName[name] = r
	}
	return r
}

// Derive is the seed of stream name under base.
func Derive(base int64, name string) int64 {
	sum := hash.NewBuilder().PutU64(uint64(base)).PutString(name).Sum32()
	return int64(binary.BigEndian.Uint64(sum[:8]))
}
