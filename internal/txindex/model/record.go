package model

import "math/big"

type RecordKind string

const (
	RecordBalance  RecordKind = "balance"
	RecordTransfer RecordKind = "transfer"
	RecordSynced   RecordKind = "synced"
)

// Record is one item of a transaction stream.
type Record struct {
	Kind     RecordKind      `json:"kind"`
	Balance  *BalanceRecord  `json:"balance,omitempty"`
	Transfer *TransferRecord `json:"transfer,omitempty"`
}

// BalanceRecord opens every stream: the balance of the pair at the height
// tracking began.
type BalanceRecord struct {
	Address   string   `json:"address"`
	Token     string   `json:"token,omitempty"`
	Height    uint64   `json:"height"`
	Balance   *big.Int `json:"balance"`
	Timestamp int64    `json:"timestamp"`
}

func BalanceOf(t TrackedAddress) Record {
	return Record{
		Kind: RecordBalance,
		Balance: &BalanceRecord{
			Address:   t.Address,
			Token:     t.Token,
			Height:    t.StartHeight,
			Balance:   t.Balance,
			Timestamp: t.BlockTime,
		},
	}
}

func TransferOf(r TransferRecord) Record {
	return Record{Kind: RecordTransfer, Transfer: &r}
}

func Synced() Record { return Record{Kind: RecordSynced} }
