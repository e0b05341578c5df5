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

package indexset

import (
	"fmt"
	"math"
)

// firstGeneration is the generation of a slot's first occupancy. Generation
// zero is never valid, so the zero Handle never dereferences and a retired
// slot rejects every handle.
const firstGeneration = 1

// refCell is the per-slot state shared by every Handle to the slot. It is
// allocated once per slot position and lives as long as the arena, so a
// Handle can check its generation and adjust the reference count without
// access to the Set. It is not safe for concurrent use.
type refCell struct {
	// gen is the slot's current generation. It is bumped every time the slot
	// is vacated and wraps to zero when the slot is retired.
	gen uint32
	// refs is the number of live handles to the current occupancy.
	refs uint32
}

// slot holds a value of the arena. A vacant slot holds the zero T.
type slot[T any] struct {
	value T
	// hash is the hash of value, kept so that compaction can remove the
	// index entry without rehashing.
	hash     uint64
	cell     *refCell
	occupied bool
}

// arena is a generational arena: a growable sequence of slots plus a free
// list of vacant positions. It is the only place where generations change.
type arena[T any] struct {
	slots []slot[T]
	// free is a LIFO of vacant positions, filled by vacate.
	free []uint32
	used int
}

func (a *arena[T]) init(initialCapacity int) {
	*a = arena[T]{}
	if initialCapacity > 0 {
		a.slots = make([]slot[T], 0, initialCapacity)
	}
}

// allocate stores v in a vacant slot, reusing the most recently vacated
// position if there is one, and returns the position. The reference count of
// the new occupancy is 1.
func (a *arena[T]) allocate(v T, hash uint64) uint32 {
	var pos uint32
	if n := len(a.free); n > 0 {
		pos = a.free[n-1]
		a.free = a.free[:n-1]
	} else {
		if uint64(len(a.slots)) > math.MaxUint32 {
			panic(fmt.Sprintf("indexset: slot store exhausted at %d slots", len(a.slots)))
		}
		pos = uint32(len(a.slots))
		a.slots = append(a.slots, slot[T]{cell: &refCell{gen: firstGeneration}})
	}

	s := &a.slots[pos]
	if s.occupied {
		panic(fmt.Sprintf("invariant failed: free slot %d is occupied", pos))
	}
	s.value = v
	s.hash = hash
	s.occupied = true
	s.cell.refs = 1
	a.used++
	return pos
}

// read returns the value at pos if the slot is occupied by the occupancy
// identified by cell and gen.
func (a *arena[T]) read(pos, gen uint32, cell *refCell) (*slot[T], bool) {
	if cell == nil || uint64(pos) >= uint64(len(a.slots)) {
		return nil, false
	}
	s := &a.slots[pos]
	if !s.occupied || s.cell != cell || cell.gen != gen {
		return nil, false
	}
	return s, true
}

// vacate clears the slot at pos, bumps its generation and returns the
// position to the free list. A slot whose generation wraps is retired
// instead: it stays vacant forever so that no (position, generation) pair is
// handed out twice.
func (a *arena[T]) vacate(pos uint32) {
	s := &a.slots[pos]
	if !s.occupied {
		panic(fmt.Sprintf("invariant failed: vacating vacant slot %d", pos))
	}
	var zero T
	s.value = zero
	s.hash = 0
	s.occupied = false
	s.cell.refs = 0
	s.cell.gen++
	a.used--
	if s.cell.gen == 0 {
		if debug {
			fmt.Printf("vacate(%d): retired\n", pos)
		}
		return
	}
	a.free = append(a.free, pos)
}

// handle returns an uncounted handle for the occupied slot at pos.
func (a *arena[T]) handle(pos uint32) Handle[T] {
	c := a.slots[pos].cell
	return Handle[T]{cell: c, pos: pos, gen: c.gen}
}

// all calls yield for every occupied slot in ascending position order. The
// slot may be vacated by yield.
func (a *arena[T]) all(yield func(pos uint32, s *slot[T]) bool) {
	for i := range a.slots {
		s := &a.slots[i]
		if !s.occupied {
			continue
		}
		if !yield(uint32(i), s) {
			return
		}
	}
}
