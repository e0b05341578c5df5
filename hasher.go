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

// A Hasher defines a hash function and an equivalence relation over values
// of type T. Hash and Equal must be consistent: if Equal(x, y) then Hash must
// write the same bytes for x and y. A Set holding values whose Hasher breaks
// this rule may store two equal values.
type Hasher[T any] interface {
	Hash(*maphash.Hash, T)
	Equal(x, y T) bool
}

// ComparableHasher is the Hasher used by New. Its Equal(x, y) method is
// consistent with x == y.
type ComparableHasher[T comparable] struct {
	_ [0]func(T) // disallow comparison and conversion between instantiations
}

func (ComparableHasher[T]) Hash(h *maphash.Hash, v T) { maphash.WriteComparable(h, v) }
func (ComparableHasher[T]) Equal(x, y T) bool         { return x == y }
