package mockchain

import (
	"encoding/hex"
	"math/big"
	"math/rand"

	"github.com/chenzhangda16/web3-txindex/pkg/rng"
)

// GenAddrs derives n reproducible 20-byte addresses.
func GenAddrs(n int, rf *rng.Factory) []string {
	r := rf.R(rng.AddrBytes)
	out := make([]string, n)
	for i := range out {
		b := make([]byte, 20)
		_, _ = r.Read(b)
		out[i] = "0x" + hex.EncodeToString(b)
	}
	return out
}

// Generator produces random transfers between a fixed address set.
type Generator struct {
	addrs  []string
	tokens []string

	rCount *rand.Rand
	rFrom  *rand.Rand
	rTo    *rand.Rand
	rAmt   *rand.Rand
	rToken *rand.Rand
	rLoop  *rand.Rand

	// MinTx and MaxTx bound the transfers per block.
	MinTx, MaxTx int
}

func NewGenerator(addrs, tokens []string, rf *rng.Factory) *Generator {
	return &Generator{
		addrs:  addrs,
		tokens: tokens,
		rCount: rf.R(rng.TxCount),
		rFrom:  rf.R(rng.FromPick),
		rTo:    rf.R(rng.ToPick),
		rAmt:   rf.R(rng.Amount),
		rToken: rf.R(rng.TokenPick),
		rLoop:  rf.R(rng.SelfLoop),
		MinTx:  5,
		MaxTx:  20,
	}
}

// Block returns the transfers of one block. Roughly one in ten is a
// self-transfer and, when tokens are configured, half are token transfers.
func (g *Generator) Block() []Transfer {
	n := g.MinTx
	if g.MaxTx > g.MinTx {
		n += g.rCount.Intn(g.MaxTx - g.MinTx + 1)
	}
	out := make([]Transfer, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, g.one())
	}
	return out
}

func (g *Generator) one() Transfer {
	from := g.addrs[g.rFrom.Intn(len(g.addrs))]
	to := from
	if g.rLoop.Float64() >= 0.1 && len(g.addrs) > 1 {
		for to == from {
			to = g.addrs[g.rTo.Intn(len(g.addrs))]
		}
	}
	var token string
	if len(g.tokens) > 0 && g.rToken.Intn(2) == 0 {
		token = g.tokens[g.rToken.Intn(len(g.tokens))]
	}
	return Transfer{
		From:  from,
		To:    to,
		Token: token,
		Value: big.NewInt(1 + g.rAmt.Int63n(1000)),
	}
}
