// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package amp

import "math/bits"

// IDAssigner allocates dense unique non-negative integers with reuse.
// Allocate returns the smallest currently-unused ID; Free makes an ID
// eligible again. Freeing the highest allocated ID shrinks the range,
// transitively absorbing freed IDs just below it.
//
// Not safe for concurrent use. The runtime mutates its assigners only
// between epochs; callers that share one across threads synchronize
// externally. Double-free is a programming error and unspecified.
type IDAssigner struct {
	freed     []uint64 // bitset of freed IDs below the high-water mark
	highWater uint32
}

// Allocate returns the smallest ID not currently allocated.
func (a *IDAssigner) Allocate() uint32 {
	for w, word := range a.freed {
		if word == 0 {
			continue
		}
		bit := uint32(bits.TrailingZeros64(word))
		a.freed[w] = word &^ (1 << bit)
		return uint32(w)*64 + bit
	}
	id := a.highWater
	a.highWater++
	return id
}

// Free releases id for reuse. If id is the highest allocated ID the
// high-water mark shrinks past it and past any freed IDs below it.
func (a *IDAssigner) Free(id uint32) {
	if id+1 == a.highWater {
		a.highWater = id
		for a.highWater > 0 && a.isFreed(a.highWater-1) {
			a.clearFreed(a.highWater - 1)
			a.highWater--
		}
		return
	}
	w := int(id / 64)
	for len(a.freed) <= w {
		a.freed = append(a.freed, 0)
	}
	a.freed[w] |= 1 << (id % 64)
}

func (a *IDAssigner) isFreed(id uint32) bool {
	w := int(id / 64)
	return w < len(a.freed) && a.freed[w]&(1<<(id%64)) != 0
}

func (a *IDAssigner) clearFreed(id uint32) {
	a.freed[id/64] &^= 1 << (id % 64)
}

// ScopedID is a scoped acquisition of an ID: the constructor allocates,
// [ScopedID.Release] frees. Release on every exit path, usually
//
//	id := NewScopedID(a)
//	defer id.Release()
type ScopedID struct {
	assigner *IDAssigner
	value    uint32
	released bool
}

// NewScopedID allocates an ID from a, bound to the returned scope object.
func NewScopedID(a *IDAssigner) *ScopedID {
	return &ScopedID{assigner: a, value: a.Allocate()}
}

// Value returns the held ID. Stable for the lifetime of the scope.
func (s *ScopedID) Value() uint32 { return s.value }

// Release frees the held ID. Further calls are no-ops.
func (s *ScopedID) Release() {
	if s.released {
		return
	}
	s.released = true
	s.assigner.Free(s.value)
}
