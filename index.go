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
	"math/bits"
	"strings"
	"unsafe"
)

// The hash index is a Swiss table (https://abseil.io/about/design/swisstables)
// that maps the hash of a value to the arena position holding it. It never
// stores the value itself: equality is decided by the caller through a
// predicate over positions, which lets the arena remain the single owner of
// every value.
//
// The layout is N-1 entries where N is a power of 2 and N+groupSize control
// bytes. The [N:N+groupSize] control bytes mirror the first groupSize control
// bytes so that probe operations at the end of the control bytes array do not
// have to perform additional checks. The control byte for entry N is always a
// sentinel which is considered empty for the purposes of probing but is not
// available for storing an entry and is also not a deletion tombstone.
//
// Probing takes the top 57 bits of the hash modulo N as the index into the
// control bytes and checks the groupSize control bytes at that index at once
// (SWAR). Groups are walked using quadratic probing until a group with an
// empty control byte is found. Deletion uses tombstones, except when the
// deleted entry provably never belonged to a full group in which case it is
// marked empty.

const (
	debug = false

	groupSize       = 8
	maxAvgGroupLoad = 7

	ctrlEmpty    ctrl = 0b10000000
	ctrlDeleted  ctrl = 0b11111110
	ctrlSentinel ctrl = 0b11111111

	bitsetLSB = 0x0101010101010101
	bitsetMSB = 0x8080808080808080
)

// IndexEntry is an entry of the hash index: the full hash of a value and the
// arena position holding it. It is only exported so that an Allocator can
// hand out backing memory for the index.
type IndexEntry struct {
	hash uint64
	pos  uint32
}

// index maps hashes to arena positions.
//
// ctrls is capacity+groupSize in length. ctrls[capacity] is always
// ctrlSentinel. A copy of the first groupSize-1 elements of ctrls is mirrored
// into the remaining slots. When the index is empty, ctrls is emptyCtrls which
// is never modified and makes find and remove work without a nil check.
type index struct {
	ctrls   []ctrl
	entries []IndexEntry
	// The total number of entries (always 2^N-1). The capacity is used as a
	// mask to quickly compute i%N using a bitwise & operation.
	capacity uintptr
	// The number of filled entries.
	used int
	// The number of entries we can still fill without needing to rehash.
	// Tombstones are not included so that a table full of tombstones is
	// rehashed rather than probed forever.
	growthLeft int
	allocator  Allocator
}

func (ix *index) init(allocator Allocator, initialCapacity int) {
	*ix = index{
		ctrls:     emptyCtrls,
		allocator: allocator,
	}
	if initialCapacity > 0 {
		// targetCapacity is the smallest value of the form 2^k-1 that is >=
		// initialCapacity.
		targetCapacity := (uintptr(1) << bits.Len(uint(initialCapacity))) - 1
		ix.resize(targetCapacity)
	}
	ix.checkInvariants()
}

// close releases the index memory back to the allocator. The index is empty
// afterwards.
func (ix *index) close() {
	if ix.capacity > 0 {
		ix.allocator.FreeEntries(ix.entries[:ix.capacity])
		ix.allocator.FreeControls(unsafeConvertSlice[uint8](ix.ctrls[:ix.capacity+groupSize]))
	}
	ix.ctrls = emptyCtrls
	ix.entries = nil
	ix.capacity = 0
	ix.used = 0
	ix.growthLeft = 0
}

func (ix *index) len() int {
	return ix.used
}

// find returns the position of an entry with hash h for which eq returns
// true. eq is only consulted for entries whose full hash equals h.
func (ix *index) find(h uint64, eq func(pos uint32) bool) (uint32, bool) {
	// From h1(h) and the capacity, we construct a probeSeq that visits every
	// group of entries in some interesting order. At each step we extract the
	// candidates of the group whose control byte equals h2(h). If the group
	// holds an empty control byte the search is over. Tombstones behave like
	// full entries that never match.
	seq := makeProbeSeq(h1(h), ix.capacity)
	if debug {
		fmt.Printf("find(%016x): %s\n", h, seq)
	}

	for ; ; seq = seq.next() {
		g := ix.group(seq.offset)
		match := g.matchH2(h2(h))
		if debug {
			fmt.Printf("find(probing): offset=%d h2=%02x match=%s [% 02x]\n",
				seq.offset, h2(h), match, ix.ctrls[seq.offset:seq.offset+groupSize])
		}

		for match != 0 {
			bit := match.next()
			i := seq.offsetAt(bit)
			if e := &ix.entries[i]; e.hash == h && eq(e.pos) {
				return e.pos, true
			}
			match = match.clear(bit)
		}

		if g.matchEmpty() != 0 {
			return 0, false
		}
	}
}

// insert adds an entry for pos. The caller guarantees that no entry equal to
// the value at pos is present.
func (ix *index) insert(h uint64, pos uint32) {
	// Before performing the insertion we may decide the table is getting
	// overcrowded (i.e. the load factor is greater than 7/8 for big tables;
	// small tables use a max load factor of 1).
	if ix.growthLeft == 0 {
		ix.rehash()
	}
	ix.uncheckedPut(IndexEntry{hash: h, pos: pos})
	ix.used++
	ix.checkInvariants()
}

// remove deletes the entry for exactly pos, reporting whether it was found.
func (ix *index) remove(h uint64, pos uint32) bool {
	seq := makeProbeSeq(h1(h), ix.capacity)
	if debug {
		fmt.Printf("remove(%016x, %d): %s\n", h, pos, seq)
	}

	for ; ; seq = seq.next() {
		g := ix.group(seq.offset)
		match := g.matchH2(h2(h))

		for match != 0 {
			bit := match.next()
			i := seq.offsetAt(bit)
			e := &ix.entries[i]
			if ix.ctrls[i] == ctrl(h2(h)) && e.hash == h && e.pos == pos {
				ix.used--
				*e = IndexEntry{}

				// An entry that was never part of a full group can be marked
				// empty: find would have stopped at this group anyway. Any
				// other entry becomes a tombstone so that probe sequences
				// passing through it keep going.
				if ix.wasNeverFull(i) {
					ix.setCtrl(i, ctrlEmpty)
					ix.growthLeft++
				} else {
					ix.setCtrl(i, ctrlDeleted)
				}
				if debug {
					fmt.Printf("remove(%d): index=%d used=%d growth-left=%d\n",
						pos, i, ix.used, ix.growthLeft)
				}
				ix.checkInvariants()
				return true
			}
			match = match.clear(bit)
		}

		if g.matchEmpty() != 0 {
			return false
		}
	}
}

// all calls yield for every entry in the index.
func (ix *index) all(yield func(e IndexEntry) bool) {
	for i := uintptr(0); i < ix.capacity; i++ {
		// Full entries have a high-bit of zero.
		if (ix.ctrls[i] & ctrlEmpty) != ctrlEmpty {
			if !yield(ix.entries[i]) {
				return
			}
		}
	}
}

func (ix *index) group(i uintptr) *ctrl {
	return &ix.ctrls[i]
}

// setCtrl sets the control byte at index i, taking care to mirror the byte to
// the end of the control bytes slice if i<groupSize.
func (ix *index) setCtrl(i uintptr, v ctrl) {
	ix.ctrls[i] = v
	// The index is the identity for entries in [groupSize-1,capacity).
	ix.ctrls[((i-(groupSize-1))&ix.capacity)+(groupSize-1)] = v
}

// wasNeverFull returns true if index i was never part a full group.
func (ix *index) wasNeverFull(i uintptr) bool {
	if ix.capacity < groupSize {
		// The index fits entirely in a single group so we will never probe
		// beyond this group.
		return true
	}

	indexBefore := (i - groupSize) & ix.capacity
	emptyAfter := ix.group(i).matchEmpty()
	emptyBefore := ix.group(indexBefore).matchEmpty()

	// Count the consecutive non-empty control bytes to the right and to the
	// left of i. If the sum is >= groupSize then there is at least one probe
	// window that might have seen a full group.
	if emptyBefore != 0 && emptyAfter != 0 &&
		((bits.TrailingZeros64(uint64(emptyAfter))>>3)+
			(bits.LeadingZeros64(uint64(emptyBefore))>>3)) < groupSize {
		return true
	}
	return false
}

// uncheckedPut places e in the first empty or deleted entry of its probe
// sequence.
func (ix *index) uncheckedPut(e IndexEntry) {
	seq := makeProbeSeq(h1(e.hash), ix.capacity)
	for ; ; seq = seq.next() {
		g := ix.group(seq.offset)
		match := g.matchEmptyOrDeleted()
		if match != 0 {
			i := seq.offsetAt(match.next())
			ix.entries[i] = e
			if ix.ctrls[i] == ctrlEmpty {
				ix.growthLeft--
			}
			ix.setCtrl(i, ctrl(h2(e.hash)))
			if debug {
				fmt.Printf("put(inserting): index=%d pos=%d growth-left=%d\n", i, e.pos, ix.growthLeft)
			}
			return
		}
	}
}

func (ix *index) rehash() {
	// Rehash in place if we can recover >= 1/3 of the capacity. We're only
	// called once growthLeft is zero, so the number of tombstones is
	// capacity*7/8 - used.
	recoverable := (ix.capacity*maxAvgGroupLoad)/groupSize - uintptr(ix.used)
	if ix.capacity > groupSize && recoverable >= ix.capacity/3 {
		ix.rehashInPlace()
	} else {
		ix.resize(2*ix.capacity + 1)
	}
}

// resize allocates new backing arrays of newCapacity entries and re-inserts
// every entry.
func (ix *index) resize(newCapacity uintptr) {
	if (1 + newCapacity) < groupSize {
		newCapacity = groupSize - 1
	}

	oldCtrls, oldEntries, oldCapacity := ix.ctrls, ix.entries, ix.capacity
	ix.entries = ix.allocator.AllocEntries(int(newCapacity))
	ix.ctrls = unsafeConvertSlice[ctrl](ix.allocator.AllocControls(int(newCapacity + groupSize)))
	for i := range ix.ctrls {
		ix.ctrls[i] = ctrlEmpty
	}
	ix.ctrls[newCapacity] = ctrlSentinel

	if newCapacity < groupSize {
		// If the index fits in a single group then we're able to fill all of
		// the entries except 1 (an empty entry is needed to terminate find
		// operations).
		ix.growthLeft = int(newCapacity - 1)
	} else {
		ix.growthLeft = int((newCapacity * maxAvgGroupLoad) / groupSize)
	}
	ix.capacity = newCapacity

	if debug {
		fmt.Printf("resize: capacity=%d->%d growth-left=%d\n",
			oldCapacity, newCapacity, ix.growthLeft)
	}

	for i := uintptr(0); i < oldCapacity; i++ {
		c := oldCtrls[i]
		if c == ctrlEmpty || c == ctrlDeleted {
			continue
		}
		ix.uncheckedPut(oldEntries[i])
	}

	if oldCapacity > 0 {
		ix.allocator.FreeEntries(oldEntries[:oldCapacity])
		ix.allocator.FreeControls(unsafeConvertSlice[uint8](oldCtrls[:oldCapacity+groupSize]))
	}
}

// rehashInPlace drops every tombstone without reallocating.
func (ix *index) rehashInPlace() {
	if debug {
		fmt.Printf("rehash: %d/%d\n", ix.used, ix.capacity)
	}

	// Mark all DELETED entries as EMPTY and all FULL entries as DELETED. The
	// DELETED marks then locate the entries that still need a home.
	for i := uintptr(0); i < ix.capacity; i += groupSize {
		ix.group(i).convertNonFullToEmptyAndFullToDeleted()
	}

	// Fixup the cloned control bytes and the sentinel.
	for i, n := uintptr(0), uintptr(groupSize-1); i < n; i++ {
		ix.ctrls[((i-(groupSize-1))&ix.capacity)+(groupSize-1)] = ix.ctrls[i]
	}
	ix.ctrls[ix.capacity] = ctrlSentinel

	// Walk over the DELETED entries (the previously FULL ones). For each we
	// find the first probe group with room, which reestablishes the probe
	// invariant. There are no DELETED entries in [0, i).
	for i := uintptr(0); i < ix.capacity; i++ {
		if ix.ctrls[i] != ctrlDeleted {
			continue
		}

		e := &ix.entries[i]
		h := e.hash
		seq := makeProbeSeq(h1(h), ix.capacity)
		desired := seq

		probeIndex := func(pos uintptr) uintptr {
			return ((pos - desired.offset) & ix.capacity) / groupSize
		}

		var target uintptr
		for ; ; seq = seq.next() {
			if match := ix.group(seq.offset).matchEmptyOrDeleted(); match != 0 {
				target = seq.offsetAt(match.next())
				break
			}
		}

		if i == target || probeIndex(i) == probeIndex(target) {
			// Already within the first probe group: stays put.
			ix.setCtrl(i, ctrl(h2(h)))
			continue
		}

		switch ix.ctrls[target] {
		case ctrlEmpty:
			ix.setCtrl(target, ctrl(h2(h)))
			ix.entries[target] = *e
			*e = IndexEntry{}
			ix.setCtrl(i, ctrlEmpty)
		case ctrlDeleted:
			// The target held a not yet placed entry. Swap and process the
			// i'th entry again.
			ix.setCtrl(target, ctrl(h2(h)))
			t := &ix.entries[target]
			*e, *t = *t, *e
			i--
		default:
			panic(fmt.Sprintf("ctrl at position %d (%02x) should be empty or deleted",
				target, ix.ctrls[target]))
		}
	}

	ix.growthLeft = int((ix.capacity*maxAvgGroupLoad)/groupSize) - ix.used
}

func (ix *index) checkInvariants() {
	if !invariants {
		return
	}
	if ix.capacity > 0 {
		for i, n := uintptr(0), uintptr(groupSize-1); i < n; i++ {
			j := ((i - (groupSize - 1)) & ix.capacity) + (groupSize - 1)
			if ci, cj := ix.ctrls[i], ix.ctrls[j]; ci != cj {
				panic(fmt.Sprintf("invariant failed: ctrl(%d)=%02x != ctrl(%d)=%02x\n%s",
					i, ci, j, cj, ix.debugString()))
			}
		}
		if c := ix.ctrls[ix.capacity]; c != ctrlSentinel {
			panic(fmt.Sprintf("invariant failed: ctrl(%d): expected sentinel, but found %02x\n%s",
				ix.capacity, c, ix.debugString()))
		}
	}

	var used, deleted int
	for i := uintptr(0); i < ix.capacity; i++ {
		switch c := ix.ctrls[i]; c {
		case ctrlDeleted:
			deleted++
		case ctrlEmpty:
		case ctrlSentinel:
			panic(fmt.Sprintf("invariant failed: ctrl(%d): unexpected sentinel", i))
		default:
			e := ix.entries[i]
			if _, ok := ix.find(e.hash, func(pos uint32) bool { return pos == e.pos }); !ok {
				panic(fmt.Sprintf("invariant failed: entry(%d): position %d not found [h2=%02x h1=%07x]\n%s",
					i, e.pos, h2(e.hash), h1(e.hash), ix.debugString()))
			}
			used++
		}
	}
	if used != ix.used {
		panic(fmt.Sprintf("invariant failed: found %d used entries, but used count is %d\n%s",
			used, ix.used, ix.debugString()))
	}
	growthLeft := int((ix.capacity*maxAvgGroupLoad)/groupSize-uintptr(ix.used)) - deleted
	if growthLeft != ix.growthLeft {
		panic(fmt.Sprintf("invariant failed: found %d growthLeft, but expected %d\n%s",
			ix.growthLeft, growthLeft, ix.debugString()))
	}
}

func (ix *index) debugString() string {
	var buf strings.Builder
	fmt.Fprintf(&buf, "capacity=%d  used=%d  growth-left=%d\n", ix.capacity, ix.used, ix.growthLeft)
	for i := uintptr(0); i < ix.capacity+groupSize && i < uintptr(len(ix.ctrls)); i++ {
		switch c := ix.ctrls[i]; c {
		case ctrlEmpty:
			fmt.Fprintf(&buf, "  %4d: empty\n", i)
		case ctrlDeleted:
			fmt.Fprintf(&buf, "  %4d: deleted\n", i)
		case ctrlSentinel:
			fmt.Fprintf(&buf, "  %4d: sentinel\n", i)
		default:
			if i < ix.capacity {
				e := ix.entries[i]
				fmt.Fprintf(&buf, "  %4d: pos=%d [ctrl=%02x h2=%02x]\n", i, e.pos, c, h2(e.hash))
			} else {
				fmt.Fprintf(&buf, "  %4d: [ctrl=%02x]\n", i, c)
			}
		}
	}
	return buf.String()
}

type bitset uint64

func (b bitset) next() uintptr {
	return uintptr(bits.TrailingZeros64(uint64(b))) >> 3
}

func (b bitset) clear(i uintptr) bitset {
	return b &^ (bitset(0x80) << (i << 3))
}

func (b bitset) String() string {
	var buf strings.Builder
	buf.Grow(groupSize)
	for i := 0; i < groupSize; i++ {
		if (b & (bitset(0x80) << (i << 3))) != 0 {
			buf.WriteString("1")
		} else {
			buf.WriteString("0")
		}
	}
	return buf.String()
}

// Each entry in the index has a control byte which can have one of four
// states: empty, deleted, full and the sentinel. They have the following bit
// patterns:
//
//	   empty: 1 0 0 0 0 0 0 0
//	 deleted: 1 1 1 1 1 1 1 0
//	    full: 0 h h h h h h h  // h represents the H2 hash bits
//	sentinel: 1 1 1 1 1 1 1 1
type ctrl uint8

var emptyCtrls = func() []ctrl {
	v := make([]ctrl, groupSize)
	for i := range v {
		v[i] = ctrlEmpty
	}
	return v
}()

// matchH2 returns a bitset where each byte is 0x80 if that control byte
// equals h. The generic routine can produce false positives next to a real
// match, never on ctrlEmpty, ctrlDeleted or ctrlSentinel. The subsequent
// hash and equality checks make them harmless.
func (c *ctrl) matchH2(h uintptr) bitset {
	v := *(*uint64)((unsafe.Pointer)(c)) ^ (bitsetLSB * uint64(h))
	return bitset(((v - bitsetLSB) &^ v) & bitsetMSB)
}

// matchEmpty returns a bitset where each byte is 0x80 if that control byte
// indicates an empty entry (and 0x00 otherwise).
func (c *ctrl) matchEmpty() bitset {
	v := *(*uint64)((unsafe.Pointer)(c))
	// A slot is empty iff bit 7 is set and bit 1 is not.
	return bitset((v &^ (v << 6)) & bitsetMSB)
}

// matchEmptyOrDeleted returns a bitset where each byte is 0x80 if that
// control byte indicates an empty or deleted entry (and 0x00 otherwise).
func (c *ctrl) matchEmptyOrDeleted() bitset {
	// A slot is empty or deleted iff bit 7 is set and bit 0 is not.
	v := *(*uint64)((unsafe.Pointer)(c))
	return bitset((v &^ (v << 7)) & bitsetMSB)
}

// convertNonFullToEmptyAndFullToDeleted converts deleted or sentinel control
// bytes in a group to empty control bytes, and control bytes indicating full
// entries to deleted control bytes.
func (c *ctrl) convertNonFullToEmptyAndFullToDeleted() {
	// Select the MSB, invert, add 1 if the MSB was set and zero out the low
	// bit:
	//
	//   MSB set (empty, deleted, sentinel): 1000 0000 -> 1000 0000 (empty)
	//   MSB clear (full):                   0??? ???? -> 1111 1110 (deleted)
	p := (*uint64)((unsafe.Pointer)(c))
	v := *p & bitsetMSB
	*p = (^v + (v >> 7)) &^ bitsetLSB
}

// probeSeq maintains the state for a probe sequence. The sequence is a
// triangular progression of the form
//
//	p(i) := groupSize * (i^2 + i)/2 + hash (mod mask+1)
//
// which visits every group exactly once when the number of groups is a power
// of two. Wrapping around at mask+1 makes offsets that land in the mirrored
// control bytes refer back to the start of the entries.
type probeSeq struct {
	mask   uintptr
	offset uintptr
	index  uintptr
}

func makeProbeSeq(hash, mask uintptr) probeSeq {
	return probeSeq{
		mask:   mask,
		offset: hash & mask,
		index:  0,
	}
}

func (s probeSeq) next() probeSeq {
	s.index += groupSize
	s.offset = (s.offset + s.index) & s.mask
	return s
}

func (s probeSeq) offsetAt(i uintptr) uintptr {
	return (s.offset + i) & s.mask
}

func (s probeSeq) String() string {
	return fmt.Sprintf("mask=%d offset=%d index=%d", s.mask, s.offset, s.index)
}

// Extracts the H1 portion of a hash: the 57 upper bits.
func h1(h uint64) uintptr {
	return uintptr(h >> 7)
}

// Extracts the H2 portion of a hash: the 7 bits not used for h1.
//
// These are used as an occupied control byte.
func h2(h uint64) uintptr {
	return uintptr(h & 0x7f)
}

func unsafeConvertSlice[Dest any, Src any](s []Src) []Dest {
	return unsafe.Slice((*Dest)(unsafe.Pointer(unsafe.SliceData(s))), len(s))
}
