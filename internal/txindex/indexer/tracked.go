package indexer

import (
	"github.com/puzpuzpuz/xsync/v4"

	"github.com/chenzhangda16/web3-txindex/internal/txindex/keys"
	"github.com/chenzhangda16/web3-txindex/internal/txindex/store"
)

// trackedSet answers "is this tracked" for the tailing loop. Positive
// answers are cached; negative ones always go to the store, since a
// registration may land at any moment.
type trackedSet struct {
	st    store.Reader
	addrs *xsync.Map[string, struct{}]
	pairs *xsync.Map[string, struct{}]
}

func newTrackedSet(st store.Reader) *trackedSet {
	return &trackedSet{
		st:    st,
		addrs: xsync.NewMap[string, struct{}](),
		pairs: xsync.NewMap[string, struct{}](),
	}
}

// hasAddress reports whether addr is tracked for any token.
func (t *trackedSet) hasAddress(addr string) (bool, error) {
	addr = keys.Normalize(addr)
	if _, ok := t.addrs.Load(addr); ok {
		return true, nil
	}
	lo, hi := keys.Range(keys.TrackedPrefix(addr))
	_, _, ok, err := store.First(t.st, lo, hi)
	if err != nil || !ok {
		return false, err
	}
	t.addrs.Store(addr, struct{}{})
	return true, nil
}

func (t *trackedSet) hasPair(addr, token string) (bool, error) {
	k := string(keys.Tracked(addr, token))
	if _, ok := t.pairs.Load(k); ok {
		return true, nil
	}
	ok, err := t.st.Has([]byte(k))
	if err != nil || !ok {
		return false, err
	}
	t.pairs.Store(k, struct{}{})
	return true, nil
}

func (t *trackedSet) add(addr, token string) {
	t.addrs.Store(keys.Normalize(addr), struct{}{})
	t.pairs.Store(string(keys.Tracked(addr, token)), struct{}{})
}
