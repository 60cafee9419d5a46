package model

import (
	"encoding/json"
	"math/big"
	"time"

	"github.com/chenzhangda16/web3-txindex/internal/txindex/keys"
)

type TransferType string

const (
	TransferNative TransferType = "native"
	TransferToken  TransferType = "token"
)

// TrackedAddress is written once at registration and never mutated.
type TrackedAddress struct {
	Address      string    `json:"address"`
	Token        string    `json:"token,omitempty"`
	RegisteredAt time.Time `json:"registered_at"`
	StartHeight  uint64    `json:"start_height"`
	Balance      *big.Int  `json:"balance"`
	BlockTime    int64     `json:"block_time"`
}

func (t TrackedAddress) Key() []byte { return keys.Tracked(t.Address, t.Token) }

// BlockHeader is stored without its transaction list.
type BlockHeader struct {
	Height     uint64 `json:"height"`
	Hash       string `json:"hash"`
	ParentHash string `json:"parent_hash"`
	Timestamp  int64  `json:"timestamp"`
	Miner      string `json:"miner,omitempty"`
	GasUsed    uint64 `json:"gas_used,omitempty"`
	GasLimit   uint64 `json:"gas_limit,omitempty"`
}

func (h BlockHeader) Key() ([]byte, error) { return keys.Block(h.Height) }

// TransferRecord is a transfer seen from the point of view of Address. Its
// key fields (Address, Token, Height, TxIndex, LogIndex) are also its
// storage key.
type TransferRecord struct {
	Type      TransferType `json:"type"`
	Address   string       `json:"address"`
	Token     string       `json:"token,omitempty"`
	Height    uint64       `json:"height"`
	TxIndex   uint32       `json:"tx_index"`
	LogIndex  *uint32      `json:"log_index,omitempty"`
	TxHash    string       `json:"tx_hash"`
	From      string       `json:"from"`
	To        string       `json:"to"`
	Value     *big.Int     `json:"value"`
	Timestamp int64        `json:"timestamp"`
}

func (r TransferRecord) Key() ([]byte, error) {
	return keys.Transfer(r.Address, r.Token, r.Height, r.TxIndex, r.LogIndex)
}

// StreamKey identifies the (address, token) pair a record belongs to.
func StreamKey(addr, token string) string {
	return string(keys.TransferPrefix(addr, token))
}

func (r TransferRecord) StreamKey() string { return StreamKey(r.Address, r.Token) }

func Encode(v any) ([]byte, error) { return json.Marshal(v) }

func Decode[T any](raw []byte) (T, error) {
	var v T
	err := json.Unmarshal(raw, &v)
	return v, err
}
