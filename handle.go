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

// Handle is a reference-counted reference to a value of a Set. It identifies
// a slot position together with the generation of the slot at the time the
// handle was created, so a handle to a reclaimed value never dereferences to
// whatever reuses its slot.
//
// Handles are comparable: two handles from the same Set are == iff they refer
// to the same position and generation, which makes them suitable as map keys
// without touching the referenced value. The zero Handle refers to nothing.
//
// Every handle returned by GetOrInsert, Insert, HandleOf and Clone owns one
// reference and must be paired with exactly one Release. Copying a Handle
// with = does not take a reference.
//
// Clone and Release mutate a counter shared by all handles to the slot. They
// do not require access to the Set and are not safe for concurrent use.
type Handle[T any] struct {
	cell *refCell
	pos  uint32
	gen  uint32
}

// Valid reports whether the referenced value has not been reclaimed by
// DropUnused.
func (h Handle[T]) Valid() bool {
	return h.cell != nil && h.cell.gen == h.gen
}

// Clone takes another reference to the value and returns a handle equal to h.
// Cloning a stale handle returns the zero Handle.
func (h Handle[T]) Clone() Handle[T] {
	if !h.Valid() {
		return Handle[T]{}
	}
	if h.cell.refs == math.MaxUint32 {
		panic(fmt.Sprintf("invariant failed: %s reference count overflow", h))
	}
	h.cell.refs++
	return h
}

// Release gives up the reference held by h. Releasing a stale handle is a
// no-op. Releasing more references than were taken panics.
//
// Release never removes the value from the Set: a value whose last reference
// is released stays in the Set until DropUnused.
func (h Handle[T]) Release() {
	if !h.Valid() {
		return
	}
	if h.cell.refs == 0 {
		panic(fmt.Sprintf("invariant failed: %s released with zero references", h))
	}
	h.cell.refs--
}

// RefCount returns the number of references to the value, or 0 if h is
// stale.
func (h Handle[T]) RefCount() int {
	if !h.Valid() {
		return 0
	}
	return int(h.cell.refs)
}

// Position returns the slot position of h.
func (h Handle[T]) Position() uint32 { return h.pos }

// Generation returns the slot generation captured by h.
func (h Handle[T]) Generation() uint32 { return h.gen }

func (h Handle[T]) String() string {
	return fmt.Sprintf("handle(%d@%d)", h.pos, h.gen)
}
