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

package indexset_test

import (
	"fmt"

	"github.com/cockroachdb/indexset"
)

// Edges of a graph hold handles to their endpoints. Removing edges releases
// the handles, and DropUnused then reclaims the nodes nothing points at.
func Example() {
	type edge struct {
		from, to indexset.Handle[string]
	}

	nodes := indexset.New[string]()
	var edges []edge
	connect := func(from, to string) {
		edges = append(edges, edge{nodes.GetOrInsert(from), nodes.GetOrInsert(to)})
	}
	connect("a", "b")
	connect("b", "c")
	connect("a", "c")

	for _, e := range edges {
		fmt.Printf("%s -> %s\n", nodes.MustGet(e.from), nodes.MustGet(e.to))
	}

	// Remove every edge touching "b".
	kept := edges[:0]
	for _, e := range edges {
		if nodes.MustGet(e.from) == "b" || nodes.MustGet(e.to) == "b" {
			e.from.Release()
			e.to.Release()
			continue
		}
		kept = append(kept, e)
	}
	edges = kept

	fmt.Println(len(edges), nodes.Len(), nodes.Contains("b"))
	fmt.Println(nodes.DropUnused(), nodes.Len(), nodes.Contains("b"))
	for _, v := range nodes.All() {
		fmt.Println(v)
	}

	// Output:
	// a -> b
	// b -> c
	// a -> c
	// 1 3 true
	// 1 2 false
	// a
	// c
}
