package indexer

import (
	"context"
	"fmt"

	"github.com/chenzhangda16/web3-txindex/internal/txindex/stream"
)

// Replica serves streams from a store some other process writes or wrote.
// It has no chain access.
type Replica struct {
	*core
}

var _ Service = (*Replica)(nil)

func NewReplica(cfg Config) (*Replica, error) {
	cfg.applyDefaults()
	c, err := newCore(cfg, "replica")
	if err != nil {
		return nil, err
	}
	return &Replica{core: c}, nil
}

// OpenStream serves history only. Live streams are fed by the tailing loop
// of the writing process, which a replica does not share.
func (r *Replica) OpenStream(ctx context.Context, address string, o stream.Options) (*stream.Stream, error) {
	if o.Live {
		return nil, fmt.Errorf("%w: live streams need the writer", ErrReplicaMode)
	}
	return r.core.OpenStream(ctx, address, o)
}

func (r *Replica) RegisterAddress(context.Context, string, string) error { return ErrReplicaMode }

func (r *Replica) StartTailing(context.Context) error { return ErrReplicaMode }

// Watermark re-reads the store on every call; the writer is elsewhere.
func (r *Replica) Watermark(context.Context) (uint64, error) {
	if _, err := r.gate(); err != nil {
		return 0, err
	}
	wm, err := r.persistedWatermark()
	if err != nil {
		return 0, err
	}
	return max(wm, r.floor), nil
}

func (r *Replica) Status(ctx context.Context) (Status, error) {
	wm, err := r.Watermark(ctx)
	if err != nil {
		return Status{}, err
	}
	return r.status("replica", wm), nil
}

func (r *Replica) Stop() error { return r.closeStore() }
