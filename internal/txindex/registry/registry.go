// Package registry fans out flushed records to the live streams that watch
// them. Subscribers are grouped by key; a key exists only while it has at
// least one subscriber.
package registry

import (
	"sync/atomic"

	"github.com/puzpuzpuz/xsync/v4"
)

// Subscriber receives records published under the key it was added with.
// Deliver must not block: the publisher is the tailing loop.
type Subscriber[T any] interface {
	Deliver(T)
}

type entry[T any] struct {
	id  uint64
	sub Subscriber[T]
}

type Registry[T any] struct {
	subs  *xsync.Map[string, []entry[T]]
	ids   atomic.Uint64
	count atomic.Int64
}

func New[T any]() *Registry[T] {
	return &Registry[T]{subs: xsync.NewMap[string, []entry[T]]()}
}

// Add registers sub under key and returns the func that removes it again.
// The returned func is idempotent.
func (r *Registry[T]) Add(key string, sub Subscriber[T]) (remove func()) {
	id := r.ids.Add(1)
	r.subs.Compute(key, func(old []entry[T], _ bool) ([]entry[T], xsync.ComputeOp) {
		// copy-on-write: Publish 读到的 slice 不会再被修改
		next := make([]entry[T], 0, len(old)+1)
		next = append(next, old...)
		return append(next, entry[T]{id: id, sub: sub}), xsync.UpdateOp
	})
	r.count.Add(1)

	var once atomic.Bool
	return func() {
		if !once.CompareAndSwap(false, true) {
			return
		}
		r.remove(key, id)
	}
}

func (r *Registry[T]) remove(key string, id uint64) {
	r.subs.Compute(key, func(old []entry[T], loaded bool) ([]entry[T], xsync.ComputeOp) {
		if !loaded {
			return old, xsync.CancelOp
		}
		next := make([]entry[T], 0, len(old))
		for _, e := range old {
			if e.id != id {
				next = append(next, e)
			}
		}
		if len(next) == len(old) {
			return old, xsync.CancelOp
		}
		r.count.Add(-1)
		if len(next) == 0 {
			return nil, xsync.DeleteOp
		}
		return next, xsync.UpdateOp
	})
}

// Publish delivers v to every subscriber of key, in registration order.
// Subscribers of other keys are not touched.
func (r *Registry[T]) Publish(key string, v T) int {
	subs, ok := r.subs.Load(key)
	if !ok {
		return 0
	}
	for _, e := range subs {
		e.sub.Deliver(v)
	}
	return len(subs)
}

// Len is the number of registered subscribers across all keys.
func (r *Registry[T]) Len() int { return int(r.count.Load()) }

// Keys lists the keys that currently have subscribers.
func (r *Registry[T]) Keys() []string {
	out := make([]string, 0, r.subs.Size())
	r.subs.Range(func(k string, _ []entry[T]) bool {
		out = append(out, k)
		return true
	})
	return out
}
