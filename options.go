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

import "hash/maphash"

// option provide an interface to do work on Set while it is being created.
type option[T any] interface {
	apply(s *Set[T])
}

type capacityOption[T any] struct {
	n int
}

func (op capacityOption[T]) apply(s *Set[T]) {
	s.initialCapacity = op.n
}

// WithCapacity is an option to preallocate room for n values in both the slot
// store and the hash index.
func WithCapacity[T any](n int) option[T] {
	return capacityOption[T]{n}
}

type seedOption[T any] struct {
	seed maphash.Seed
}

func (op seedOption[T]) apply(s *Set[T]) {
	s.seed = op.seed
}

// WithSeed is an option to specify the maphash seed used to hash values. By
// default every Set uses a fresh random seed.
func WithSeed[T any](seed maphash.Seed) option[T] {
	return seedOption[T]{seed}
}

// Allocator specifies an interface for allocating and releasing the memory
// backing the hash index of a Set. The default allocator utilizes Go's
// builtin make() and allows the GC to reclaim memory.
//
// If the allocator is manually managing memory and requires that entries and
// controls be freed then Set.Close must be called in order to ensure
// FreeEntries and FreeControls are called.
type Allocator interface {
	// AllocEntries should return a slice equivalent to make([]IndexEntry, n).
	AllocEntries(n int) []IndexEntry

	// AllocControls should return a slice equivalent to make([]uint8, n).
	AllocControls(n int) []uint8

	// FreeEntries can optionally release the memory associated with the
	// supplied slice that is guaranteed to have been allocated by
	// AllocEntries.
	FreeEntries(v []IndexEntry)

	// FreeControls can optionally release the memory associated with the
	// supplied slice that is guaranteed to have been allocated by
	// AllocControls.
	FreeControls(v []uint8)
}

type defaultAllocator struct{}

func (defaultAllocator) AllocEntries(n int) []IndexEntry {
	return make([]IndexEntry, n)
}

func (defaultAllocator) AllocControls(n int) []uint8 {
	return make([]uint8, n)
}

func (defaultAllocator) FreeEntries(v []IndexEntry) {
}

func (defaultAllocator) FreeControls(v []uint8) {
}

type allocatorOption[T any] struct {
	allocator Allocator
}

func (op allocatorOption[T]) apply(s *Set[T]) {
	s.allocator = op.allocator
}

// WithAllocator is an option for specify the Allocator to use for a Set[T].
func WithAllocator[T any](allocator Allocator) option[T] {
	return allocatorOption[T]{allocator}
}
