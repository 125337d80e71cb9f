// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package amp

import (
	"math/bits"

	"code.hybscloud.com/atomix"
	"code.hybscloud.com/iox"
)

// appendBufChunks bounds the chunk table. Chunk c holds 16<<c elements,
// so the table covers 16*(2^60 - 1) = 2^64 - 16 indices: every index a
// uint64 cursor can reach except the top 16.
const appendBufChunks = 60

// chunk publication states.
const (
	chunkAbsent uint32 = iota
	chunkAllocating
	chunkReady
)

// AppendBuffer is an indexed growing sequence of T with stable references.
// PushBack may be called concurrently; each call returns a distinct
// zero-based index. Storage grows in geometrically sized chunks that are
// never reallocated, so a pointer obtained from [AppendBuffer.Get] stays
// valid across any number of later pushes.
//
// There is no happens-before from PushBack returning to a concurrent
// reader observing the element; readers synchronize externally. Chunk
// publication uses cross-variable memory ordering (state word guards the
// chunk slice), the same discipline as the lfq rings.
type AppendBuffer[T any] struct {
	next      atomix.Uint   // allocation cursor
	committed atomix.Uint   // completed pushes
	chunks    [appendBufChunks]appendChunk[T]
}

type appendChunk[T any] struct {
	state atomix.Uint32
	data  []T
}

// appendBufLocate maps a global index to (chunk, offset). Chunk c starts at
// 16*(2^c - 1) and holds 16<<c elements.
func appendBufLocate(i uint64) (int, uint64) {
	n := (i >> 4) + 1
	c := bits.Len64(n) - 1
	start := (uint64(1)<<c - 1) << 4
	return c, i - start
}

// PushBack stores v and returns its index. Concurrent calls return
// distinct indices forming exactly {0, …, N−1} for N calls.
func (b *AppendBuffer[T]) PushBack(v T) uint64 {
	i := uint64(b.next.Add(1) - 1)
	c, off := appendBufLocate(i)
	ch := &b.chunks[c]
	if ch.state.Load() != chunkReady {
		if ch.state.CompareAndSwap(chunkAbsent, chunkAllocating) {
			ch.data = make([]T, 16<<c)
			ch.state.Store(chunkReady)
		} else {
			var bo iox.Backoff
			for ch.state.Load() != chunkReady {
				bo.Wait()
			}
		}
	}
	ch.data[off] = v
	b.committed.Add(1)
	return i
}

// Get returns a stable pointer to element i. The element must have been
// pushed, and the caller must have synchronized with the pusher.
func (b *AppendBuffer[T]) Get(i uint64) *T {
	c, off := appendBufLocate(i)
	ch := &b.chunks[c]
	if ch.state.Load() != chunkReady {
		panic("amp: AppendBuffer index past allocated storage")
	}
	return &ch.data[off]
}

// Len returns the number of completed pushes.
func (b *AppendBuffer[T]) Len() uint64 {
	return uint64(b.committed.Load())
}

// Range calls f with stable pointers to elements [0, Len()) in index
// order, stopping early if f returns false. The caller must have
// synchronized with the pushers of every element visited.
func (b *AppendBuffer[T]) Range(f func(i uint64, v *T) bool) {
	n := b.Len()
	for i := uint64(0); i < n; i++ {
		if !f(i, b.Get(i)) {
			return
		}
	}
}
