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
	"io"
	"strconv"
	"testing"

	"github.com/aclements/go-perfevent/perfbench"
)

func BenchmarkSetGetOrInsertHit(b *testing.B) {
	b.Run("t=Int64", benchSizes(benchmarkSetGetOrInsertHit[int64], genKeys[int64]))
	b.Run("t=String", benchSizes(benchmarkSetGetOrInsertHit[string], genKeys[string]))
}

func BenchmarkSetContainsMiss(b *testing.B) {
	b.Run("t=Int64", benchSizes(benchmarkSetContainsMiss[int64], genKeys[int64]))
	b.Run("t=String", benchSizes(benchmarkSetContainsMiss[string], genKeys[string]))
}

func BenchmarkSetGetByHandle(b *testing.B) {
	b.Run("impl=runtimeMap", func(b *testing.B) {
		b.Run("t=String", benchSizes(benchmarkRuntimeMapGetHit[string], genKeys[string]))
	})
	b.Run("impl=indexSet", func(b *testing.B) {
		b.Run("t=String", benchSizes(benchmarkSetGetByHandle[string], genKeys[string]))
	})
}

func BenchmarkSetInsertDropUnused(b *testing.B) {
	b.Run("t=Int64", benchSizes(benchmarkSetInsertDropUnused[int64], genKeys[int64]))
	b.Run("t=String", benchSizes(benchmarkSetInsertDropUnused[string], genKeys[string]))
}

type benchTypes interface {
	int64 | string
}

func benchSizes[T benchTypes](
	f func(b *testing.B, n int, genKeys func(start, end int) []T), genKeys func(start, end int) []T,
) func(*testing.B) {
	var cases = []int{
		6, 12, 18, 24, 30,
		64,
		128,
		256,
		512,
		1024,
		2048,
		4096,
		8192,
		1 << 16,
	}

	return func(b *testing.B) {
		for _, n := range cases {
			b.Run("len="+strconv.Itoa(n), func(b *testing.B) { f(b, n, genKeys) })
		}
	}
}

func genKeys[T benchTypes](start, end int) []T {
	keys := make([]T, end-start)
	for i := range keys {
		switch k := any(&keys[i]).(type) {
		case *int64:
			*k = int64(start + i)
		case *string:
			*k = strconv.Itoa(start + i)
		default:
			panic("not reached")
		}
	}
	return keys
}

func benchmarkSetGetOrInsertHit[T benchTypes](b *testing.B, n int, genKeys func(start, end int) []T) {
	s := New[T](WithCapacity[T](n))
	keys := genKeys(0, n)
	for _, k := range keys {
		s.GetOrInsert(k)
	}
	// Fresh keys defeat pointer equality of the string data.
	keys = genKeys(0, n)
	b.ResetTimer()
	cs := perfbench.Open(b)
	for i := 0; i < b.N; i++ {
		s.GetOrInsert(keys[i%n]).Release()
	}
	cs.Stop()
}

func benchmarkSetContainsMiss[T benchTypes](b *testing.B, n int, genKeys func(start, end int) []T) {
	s := New[T]()
	for _, k := range genKeys(0, n) {
		s.GetOrInsert(k)
	}
	miss := genKeys(-n, 0)
	b.ResetTimer()
	cs := perfbench.Open(b)
	var ok bool
	for i := 0; i < b.N; i++ {
		ok = s.Contains(miss[i%n])
	}
	cs.Stop()
	fmt.Fprint(io.Discard, ok)
}

func benchmarkRuntimeMapGetHit[T benchTypes](b *testing.B, n int, genKeys func(start, end int) []T) {
	m := make(map[T]T, n)
	keys := genKeys(0, n)
	for _, k := range keys {
		m[k] = k
	}
	keys = genKeys(0, n)
	b.ResetTimer()
	cs := perfbench.Open(b)
	var v T
	for i := 0; i < b.N; i++ {
		v = m[keys[i%n]]
	}
	cs.Stop()
	fmt.Fprint(io.Discard, v)
}

// benchmarkSetGetByHandle measures dereferencing a handle, which costs no
// hashing and no key comparison.
func benchmarkSetGetByHandle[T benchTypes](b *testing.B, n int, genKeys func(start, end int) []T) {
	s := New[T]()
	handles := make([]Handle[T], n)
	for i, k := range genKeys(0, n) {
		handles[i] = s.GetOrInsert(k)
	}
	b.ResetTimer()
	cs := perfbench.Open(b)
	var v T
	for i := 0; i < b.N; i++ {
		v, _ = s.Get(handles[i%n])
	}
	cs.Stop()
	fmt.Fprint(io.Discard, v)
}

// benchmarkSetInsertDropUnused fills the set, releases every handle and
// compacts, so that every round reuses the free list.
func benchmarkSetInsertDropUnused[T benchTypes](b *testing.B, n int, genKeys func(start, end int) []T) {
	s := New[T]()
	keys := genKeys(0, n)
	handles := make([]Handle[T], n)
	b.ResetTimer()
	cs := perfbench.Open(b)
	for i := 0; i < b.N; i++ {
		j := i % n
		handles[j] = s.GetOrInsert(keys[j])
		if j == n-1 {
			for _, h := range handles {
				h.Release()
			}
			s.DropUnused()
		}
	}
	cs.Stop()
}
