// Package tail walks the chain forward from a height and reports the
// transfers of tracked addresses, block by block, with periodic checkpoints.
package tail

import (
	"context"

	"github.com/chenzhangda16/web3-txindex/internal/txindex/model"
)

// Transfer is a matched transfer together with the header of its block.
type Transfer struct {
	Record model.TransferRecord
	Block  model.BlockHeader
}

// Handlers are invoked from the tailing goroutine only, in height order.
// A non-nil error from any of them stops Run with that error.
type Handlers struct {
	// Filter reports whether addr is tracked for any token. Transfers to
	// other addresses are skipped before Native or Token is called.
	Filter func(ctx context.Context, addr string) (bool, error)
	Native func(ctx context.Context, t Transfer) error
	Token  func(ctx context.Context, t Transfer) error
	// Block is called for every block, before its transfers.
	Block func(ctx context.Context, h model.BlockHeader) error
	// Checkpoint promises that every event below next has been delivered.
	Checkpoint func(ctx context.Context, next uint64) error
}

// Tailer delivers matched events from since onwards until ctx is done or
// Stop is called. Stop makes Run return nil after the block in progress.
type Tailer interface {
	Run(ctx context.Context, since uint64, h Handlers) error
	Stop()
	BlockByHeight(ctx context.Context, height uint64) (model.BlockHeader, error)
}
