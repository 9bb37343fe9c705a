// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

// Package arena implements a fixed-capacity slot arena addressed by
// generation-checked handles.
//
// A [Handle] packs a slot index and the generation of the slot at the time
// the value was stored. When a slot is freed its generation advances, so a
// stale handle to a reused slot is rejected rather than aliasing the new
// occupant. The zero Handle is never issued.
package arena

import "iter"

// MaxSlots is the largest capacity an Arena may have.
const MaxSlots = 1<<16 - 1

// A Handle identifies a value stored in an Arena.
type Handle uint32

func makeHandle(index int, gen uint16) Handle { return Handle(uint32(gen)<<16 | uint32(index+1)) }

func (h Handle) index() int { return int(h&0xffff) - 1 }

func (h Handle) gen() uint16 { return uint16(h >> 16) }

type slot[T any] struct {
	gen  uint16
	used bool
	val  T
}

// An Arena stores up to a fixed number of values of type T.
// An Arena is not safe for concurrent use.
type Arena[T any] struct {
	slots []slot[T]
	free  []int // indexes of unused slots, reused LIFO
	limit int
	live  int
}

// New constructs an empty arena that holds at most limit values.
// If limit <= 0 or limit > MaxSlots, MaxSlots is used.
func New[T any](limit int) *Arena[T] {
	if limit <= 0 || limit > MaxSlots {
		limit = MaxSlots
	}
	return &Arena[T]{limit: limit}
}

// Alloc stores v in a free slot and returns its handle. It reports false
// if the arena is full.
func (a *Arena[T]) Alloc(v T) (Handle, bool) {
	var i int
	if n := len(a.free); n > 0 {
		i = a.free[n-1]
		a.free = a.free[:n-1]
	} else if len(a.slots) < a.limit {
		i = len(a.slots)
		a.slots = append(a.slots, slot[T]{gen: 1})
	} else {
		return 0, false
	}
	s := &a.slots[i]
	s.used = true
	s.val = v
	a.live++
	return makeHandle(i, s.gen), true
}

// Get returns a pointer to the value for h, or nil, false if h does not
// identify a live value. The pointer is valid until h is freed.
func (a *Arena[T]) Get(h Handle) (*T, bool) {
	i := h.index()
	if i < 0 || i >= len(a.slots) {
		return nil, false
	}
	s := &a.slots[i]
	if !s.used || s.gen != h.gen() {
		return nil, false
	}
	return &s.val, true
}

// Free removes the value for h and returns it. It reports false if h does
// not identify a live value.
func (a *Arena[T]) Free(h Handle) (T, bool) {
	var zero T
	if _, ok := a.Get(h); !ok {
		return zero, false
	}
	i := h.index()
	s := &a.slots[i]
	v := s.val
	s.val = zero
	s.used = false
	s.gen++
	if s.gen == 0 {
		s.gen = 1
	}
	a.free = append(a.free, i)
	a.live--
	return v, true
}

// Len reports the number of live values in a.
func (a *Arena[T]) Len() int { return a.live }

// Cap reports the maximum number of values a can hold.
func (a *Arena[T]) Cap() int { return a.limit }

// All iterates the live values of a in slot order. The arena must not be
// modified during iteration; use [Arena.Handles] to take a snapshot first
// when the loop body may allocate or free.
func (a *Arena[T]) All() iter.Seq2[Handle, *T] {
	return func(yield func(Handle, *T) bool) {
		for i := range a.slots {
			s := &a.slots[i]
			if s.used && !yield(makeHandle(i, s.gen), &s.val) {
				return
			}
		}
	}
}

// Handles returns a snapshot of the handles of all live values in slot order.
func (a *Arena[T]) Handles() []Handle {
	out := make([]Handle, 0, a.live)
	for h := range a.All() {
		out = append(out, h)
	}
	return out
}
