package graph

import (
	"fmt"

	"github.com/roach88/keel/internal/ids"
)

// arena is a growable array of optional slots indexed by a stable id.
// Slot i holds id i+1. Removal leaves a tombstone so an index is never
// handed out twice.
type arena[K ids.ID, V any] struct {
	slots []slot[V]
	live  int
}

type slot[V any] struct {
	val  V
	live bool
}

func (a *arena[K, V]) insert(v V) K {
	a.slots = append(a.slots, slot[V]{val: v, live: true})
	a.live++
	return K(len(a.slots))
}

// restore places v at a specific id, growing the arena with tombstones.
func (a *arena[K, V]) restore(k K, v V) error {
	if k == 0 {
		return invalid("cannot restore id 0")
	}
	for K(len(a.slots)) < k {
		a.slots = append(a.slots, slot[V]{})
	}
	s := &a.slots[k-1]
	if s.live {
		return invalid("duplicate id %d", uint64(k))
	}
	s.val = v
	s.live = true
	a.live++
	return nil
}

// reserve grows the arena so the next insert returns next.
func (a *arena[K, V]) reserve(next K) error {
	if next == 0 {
		next = 1
	}
	if K(len(a.slots)) >= next {
		return fmt.Errorf("%w: next id %d is below existing id %d", ErrInvalid, uint64(next), len(a.slots))
	}
	for K(len(a.slots)) < next-1 {
		a.slots = append(a.slots, slot[V]{})
	}
	return nil
}

func (a *arena[K, V]) get(k K) (V, bool) {
	if k == 0 || int(k) > len(a.slots) || !a.slots[k-1].live {
		var zero V
		return zero, false
	}
	return a.slots[k-1].val, true
}

func (a *arena[K, V]) ptr(k K) *V {
	if k == 0 || int(k) > len(a.slots) || !a.slots[k-1].live {
		return nil
	}
	return &a.slots[k-1].val
}

func (a *arena[K, V]) contains(k K) bool {
	return a.ptr(k) != nil
}

// retired reports whether k was issued and later removed.
func (a *arena[K, V]) retired(k K) bool {
	return k != 0 && int(k) <= len(a.slots) && !a.slots[k-1].live
}

func (a *arena[K, V]) remove(k K) bool {
	if !a.contains(k) {
		return false
	}
	var zero V
	a.slots[k-1] = slot[V]{val: zero}
	a.live--
	return true
}

// next returns the id the next insert will issue.
func (a *arena[K, V]) next() K {
	return K(len(a.slots) + 1)
}

func (a *arena[K, V]) len() int {
	return a.live
}

// each visits live entries in ascending id order.
func (a *arena[K, V]) each(fn func(K, V)) {
	for i := range a.slots {
		if a.slots[i].live {
			fn(K(i+1), a.slots[i].val)
		}
	}
}

func (a *arena[K, V]) keys() []K {
	out := make([]K, 0, a.live)
	for i := range a.slots {
		if a.slots[i].live {
			out = append(out, K(i+1))
		}
	}
	return out
}

func (a *arena[K, V]) clone(cp func(V) V) arena[K, V] {
	out := arena[K, V]{slots: make([]slot[V], len(a.slots)), live: a.live}
	for i, s := range a.slots {
		if s.live {
			out.slots[i] = slot[V]{val: cp(s.val), live: true}
		}
	}
	return out
}
