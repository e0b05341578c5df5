// Copyright 2024 The Cockroach Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package indexset provides a set of distinct values that can be accessed
// both by value, like a hash set, and through compact handles that avoid
// hashing the value, like an index into a slice.
//
// # Handles
//
// GetOrInsert deduplicates a value and returns a Handle to it. Handles are
// small comparable values (a slot position and a generation) meant to be
// embedded in other structures, such as the endpoints of the edges of a
// graph whose nodes live in the Set:
//
//	nodes := indexset.New[string]()
//	a, b := nodes.GetOrInsert("a"), nodes.GetOrInsert("b")
//	edges := map[[2]indexset.Handle[string]]int{{a, b}: 1}
//
// Handles are reference counted. Every handle returned by the Set owns one
// reference; Clone takes another and Release gives one up. The count lives
// in the slot, so handles can be cloned and released far away from the Set.
//
// # Reclamation
//
// Releasing the last reference does not remove the value. Values without
// references stay in the Set, and remain visible to Contains, Lookup and
// GetOrInsert, until DropUnused reclaims all of them in one pass. Reclaiming
// a value bumps the generation of its slot, so handles to it stop
// dereferencing instead of aliasing whatever value reuses the slot.
//
// # Implementation
//
// Values live in a generational arena: a slice of slots plus a free list of
// vacated positions. A Swiss table maps the hash of every stored value to its
// arena position; it holds no copy of the value and delegates equality back
// to the arena.
//
// A Set is NOT goroutine-safe, and neither are its handles.
package indexset

import (
	"fmt"
	"hash/maphash"
	"iter"
)

// Set is a set of distinct values of type T, where distinct is defined by a
// Hasher. The zero value for a Set is not usable.
type Set[T any] struct {
	hasher Hasher[T]
	seed   maphash.Seed
	// The allocator to use for the index ctrls and entries slices.
	allocator       Allocator
	initialCapacity int
	arena           arena[T]
	index           index
}

// New constructs a Set of comparable values where equality is ==.
func New[T comparable](options ...option[T]) *Set[T] {
	return NewWithHasher[T](ComparableHasher[T]{}, options...)
}

// NewWithHasher constructs a Set whose values are hashed and compared using
// h.
func NewWithHasher[T any](h Hasher[T], options ...option[T]) *Set[T] {
	s := &Set[T]{
		hasher:    h,
		seed:      maphash.MakeSeed(),
		allocator: defaultAllocator{},
	}
	for _, op := range options {
		op.apply(s)
	}
	s.arena.init(s.initialCapacity)
	s.index.init(s.allocator, s.initialCapacity)
	return s
}

// Close releases the memory of the hash index back to the configured
// allocator. It is unnecessary to close a Set using the default allocator.
// It is invalid to use a Set after it has been closed, though Close itself is
// idempotent.
func (s *Set[T]) Close() {
	s.index.close()
}

// GetOrInsert returns a handle to the value equal to v, inserting v if there
// is none. The handle owns a new reference in either case.
func (s *Set[T]) GetOrInsert(v T) Handle[T] {
	h := s.hash(v)
	if pos, ok := s.find(h, v); ok {
		return s.arena.handle(pos).Clone()
	}
	return s.insert(h, v)
}

// Insert inserts v if no equal value is present and returns a handle owning
// the first reference. If an equal value is present the Set is unchanged and
// Insert returns the zero Handle and false.
func (s *Set[T]) Insert(v T) (Handle[T], bool) {
	h := s.hash(v)
	if _, ok := s.find(h, v); ok {
		return Handle[T]{}, false
	}
	return s.insert(h, v), true
}

// Get returns the value referenced by h. It returns false if the value has
// been reclaimed or h belongs to another Set.
func (s *Set[T]) Get(h Handle[T]) (T, bool) {
	sl, ok := s.arena.read(h.pos, h.gen, h.cell)
	if !ok {
		var zero T
		return zero, false
	}
	return sl.value, true
}

// MustGet is like Get but panics if h does not reference a value of s.
func (s *Set[T]) MustGet(h Handle[T]) T {
	v, ok := s.Get(h)
	if !ok {
		panic(fmt.Sprintf("indexset: %s does not reference a value of this set", h))
	}
	return v
}

// Contains reports whether a value equal to v is present, whether or not it
// is referenced.
func (s *Set[T]) Contains(v T) bool {
	_, ok := s.find(s.hash(v), v)
	return ok
}

// Lookup returns the stored value equal to v.
func (s *Set[T]) Lookup(v T) (T, bool) {
	if pos, ok := s.find(s.hash(v), v); ok {
		return s.arena.slots[pos].value, true
	}
	var zero T
	return zero, false
}

// HandleOf returns a handle owning a new reference to the value equal to v,
// without inserting v if it is absent.
func (s *Set[T]) HandleOf(v T) (Handle[T], bool) {
	if pos, ok := s.find(s.hash(v), v); ok {
		return s.arena.handle(pos).Clone(), true
	}
	return Handle[T]{}, false
}

// RefCount returns the reference count of the value equal to v.
func (s *Set[T]) RefCount(v T) (int, bool) {
	if pos, ok := s.find(s.hash(v), v); ok {
		return int(s.arena.slots[pos].cell.refs), true
	}
	return 0, false
}

// Duplicate is shorthand for h.Clone.
func (s *Set[T]) Duplicate(h Handle[T]) Handle[T] {
	return h.Clone()
}

// Drop is shorthand for h.Release. The value stays in the Set until
// DropUnused.
func (s *Set[T]) Drop(h Handle[T]) {
	h.Release()
}

// DropUnused reclaims every value without references and returns how many
// were reclaimed. Handles to reclaimed values become stale. It runs in time
// proportional to the number of slots.
func (s *Set[T]) DropUnused() int {
	var n int
	s.arena.all(func(pos uint32, sl *slot[T]) bool {
		if sl.cell.refs != 0 {
			return true
		}
		if !s.index.remove(sl.hash, pos) {
			panic(fmt.Sprintf("invariant failed: slot %d missing from the index", pos))
		}
		s.arena.vacate(pos)
		n++
		return true
	})
	if debug {
		fmt.Printf("drop-unused: reclaimed=%d len=%d\n", n, s.arena.used)
	}
	s.checkInvariants()
	return n
}

// All returns an iterator over every value in the Set, including values
// without references that DropUnused has not reclaimed yet, in slot order.
// The handles are borrowed: they own no reference and must be cloned to be
// kept. Inserting into or compacting the Set during iteration is not
// supported.
func (s *Set[T]) All() iter.Seq2[Handle[T], T] {
	return func(yield func(Handle[T], T) bool) {
		s.arena.all(func(pos uint32, sl *slot[T]) bool {
			return yield(s.arena.handle(pos), sl.value)
		})
	}
}

// InUse is like All but skips values without references.
func (s *Set[T]) InUse() iter.Seq2[Handle[T], T] {
	return func(yield func(Handle[T], T) bool) {
		s.arena.all(func(pos uint32, sl *slot[T]) bool {
			if sl.cell.refs == 0 {
				return true
			}
			return yield(s.arena.handle(pos), sl.value)
		})
	}
}

// Len returns the number of values in the Set, including values without
// references that DropUnused has not reclaimed yet.
func (s *Set[T]) Len() int {
	return s.arena.used
}

func (s *Set[T]) hash(v T) uint64 {
	var h maphash.Hash
	h.SetSeed(s.seed)
	s.hasher.Hash(&h, v)
	return h.Sum64()
}

func (s *Set[T]) find(h uint64, v T) (uint32, bool) {
	return s.index.find(h, func(pos uint32) bool {
		return s.hasher.Equal(s.arena.slots[pos].value, v)
	})
}

func (s *Set[T]) insert(h uint64, v T) Handle[T] {
	pos := s.arena.allocate(v, h)
	s.index.insert(h, pos)
	s.checkInvariants()
	return s.arena.handle(pos)
}

// checkInvariants verifies that the index holds exactly one entry per
// occupied slot and that no two occupied slots hold equal values.
func (s *Set[T]) checkInvariants() {
	if !invariants {
		return
	}
	if n := s.index.len(); n != s.arena.used {
		panic(fmt.Sprintf("invariant failed: index has %d entries, arena has %d values", n, s.arena.used))
	}
	s.arena.all(func(pos uint32, sl *slot[T]) bool {
		if sl.cell.gen == 0 {
			panic(fmt.Sprintf("invariant failed: slot %d occupied with generation 0", pos))
		}
		found, ok := s.find(sl.hash, sl.value)
		if !ok {
			panic(fmt.Sprintf("invariant failed: slot %d not found in the index", pos))
		}
		if found != pos {
			panic(fmt.Sprintf("invariant failed: slots %d and %d hold equal values", pos, found))
		}
		return true
	})
	s.index.all(func(e IndexEntry) bool {
		if sl := &s.arena.slots[e.pos]; !sl.occupied || sl.hash != e.hash {
			panic(fmt.Sprintf("invariant failed: index entry for vacant slot %d", e.pos))
		}
		return true
	})
}
