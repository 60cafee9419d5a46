// Package chain reads point-in-time chain state: tip height, balances,
// headers and contract calls.
package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/chenzhangda16/web3-txindex/internal/txindex/keys"
	"github.com/chenzhangda16/web3-txindex/internal/txindex/model"
)

// ErrStateUnavailable means the node no longer keeps the state of the
// requested height (pruned, outside the retention window).
var ErrStateUnavailable = errors.New("chain: state unavailable at height")

// Reader is what the indexer needs from a node. Balance and Call are only
// valid for heights inside the node's state retention window.
type Reader interface {
	Tip(ctx context.Context) (uint64, error)
	// Balance of address at height: native when token is empty, otherwise
	// the ERC-20 balanceOf of token.
	Balance(ctx context.Context, address, token string, height uint64) (*big.Int, error)
	Header(ctx context.Context, height uint64) (model.BlockHeader, error)
	Call(ctx context.Context, msg ethereum.CallMsg, height uint64) ([]byte, error)
}

var (
	// BalanceOfSelector is the 4-byte id of balanceOf(address).
	BalanceOfSelector = []byte{0x70, 0xa0, 0x82, 0x31}

	// TransferTopic is the ERC-20 Transfer(address,address,uint256) event.
	TransferTopic = crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))
)

// BalanceOfCall builds the eth_call message of token.balanceOf(address).
func BalanceOfCall(address, token string) ethereum.CallMsg {
	to := common.HexToAddress(token)
	data := make([]byte, 0, 4+32)
	data = append(data, BalanceOfSelector...)
	data = append(data, common.LeftPadBytes(common.HexToAddress(address).Bytes(), 32)...)
	return ethereum.CallMsg{To: &to, Data: data}
}

// DecodeUint256 reads a single ABI-encoded uint256 return value.
func DecodeUint256(out []byte) (*big.Int, error) {
	if len(out) < 32 {
		return nil, fmt.Errorf("chain: short uint256 result: %d bytes", len(out))
	}
	return new(big.Int).SetBytes(out[:32]), nil
}

// TokenBalance reads an ERC-20 balance through r.Call.
func TokenBalance(ctx context.Context, r Reader, address, token string, height uint64) (*big.Int, error) {
	out, err := r.Call(ctx, BalanceOfCall(address, token), height)
	if err != nil {
		return nil, err
	}
	return DecodeUint256(out)
}

// HeaderOf maps a go-ethereum header to the stored form.
func HeaderOf(h *types.Header) model.BlockHeader {
	return model.BlockHeader{
		Height:     h.Number.Uint64(),
		Hash:       h.Hash().Hex(),
		ParentHash: h.ParentHash.Hex(),
		Timestamp:  int64(h.Time),
		Miner:      keys.Normalize(h.Coinbase.Hex()),
		GasUsed:    h.GasUsed,
		GasLimit:   h.GasLimit,
	}
}

// Pruned-state messages of geth and erigon style nodes.
var stateGoneMarkers = []string{
	"missing trie node",
	"header not found",
	"state is not available",
	"historical state",
	"pruned",
}

func isStateUnavailable(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, m := range stateGoneMarkers {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}
