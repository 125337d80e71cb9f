// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package amp

import (
	"code.hybscloud.com/atomix"
	"code.hybscloud.com/iox"
)

// countAllocated packing: low bits count committed slot reservations, the
// top bit marks a sealer taking ownership. Packing both into one word
// makes the seal atomic with the last-slot allocation.
const (
	senderActive = uint32(1) << 31
	countMask    = senderActive - 1
)

// messageBuffer is one destination's bounded send buffer.
//
// Writers reserve slots with a fetch-add on countAllocated and publish
// with countWritten; the sealer waits for both to agree. The region
// pointer is replaced only while senderActive is set, and countAllocated
// is cleared last so a writer sees either full+sealed or empty+fresh,
// never empty with the old region. That cross-variable ordering is
// invisible to the race detector, same as the lfq rings.
type messageBuffer[T any] struct {
	countAllocated   atomix.Uint32
	countWritten     atomix.Uint32
	registeredWithTD atomix.Uint32
	region           *Region[T]

	_ [96]byte // keep per-destination buffers off each other's cache lines
}

func (b *messageBuffer[T]) empty() bool {
	return b.countAllocated.Load() == 0
}

// clear installs a fresh region and reopens the buffer. countAllocated
// last: it releases writers spinning to enter.
func (b *messageBuffer[T]) clear(fresh *Region[T]) {
	b.region = fresh
	b.registeredWithTD.Store(0)
	b.countWritten.Store(0)
	b.countAllocated.Store(0)
}

// CoalescedGen carries the construction parameters of a [CoalescedType].
type CoalescedGen struct {
	// Size is the coalescing capacity: elements per bulk message.
	Size int
	// Priority orders this type's handler dispatch on the scheduler.
	Priority int
	// Heuristic builds the per-type flush heuristic; nil means never
	// flush heuristically.
	Heuristic HeuristicGen
}

// CoalescedType batches sends of T sharing a destination into bulk
// transport messages of up to Size elements. Send, Flush and handler
// callbacks are thread-safe.
type CoalescedType[T any] struct {
	trans      *Transport
	mt         *MessageType[T]
	cache      *RegionCache[T]
	handler    func(src Rank, v T)
	buffers    []messageBuffer[T]
	lastActive []atomix.Uint32
	size       int
	sorter     BufferSorter[T]
	heuristic  Heuristic
	alive      *atomix.Uint32
}

// NewCoalescedType registers a coalesced message type on trans. dests and
// sources default to all ranks when nil; sorter defaults to sender commit
// order. The registration installs the type's receive shim and adds its
// flush to the transport's flush set.
func NewCoalescedType[T any](gen CoalescedGen, trans *Transport, dests, sources RankSet, sorter BufferSorter[T]) *CoalescedType[T] {
	if gen.Size < 1 {
		panic("amp: coalescing size must be at least 1")
	}
	if dests == nil {
		dests = AllRanks(trans.Size())
	}
	if sources == nil {
		sources = AllRanks(trans.Size())
	}
	if sorter == nil {
		sorter = NopSorter[T]{}
	}
	hg := gen.Heuristic
	if hg == nil {
		hg = DefaultHeuristicGen
	}
	c := &CoalescedType[T]{
		trans:      trans,
		mt:         CreateMessageType[T](trans, gen.Priority),
		cache:      NewRegionCache[T](gen.Size),
		buffers:    make([]messageBuffer[T], trans.Size()),
		lastActive: make([]atomix.Uint32, trans.Size()),
		size:       gen.Size,
		sorter:     sorter,
		heuristic:  hg(),
		alive:      &atomix.Uint32{},
	}
	c.alive.Store(1)
	c.mt.SetMaxCount(gen.Size)
	c.mt.SetPossibleDests(dests)
	c.mt.SetPossibleSources(sources)
	c.mt.SetHandler(c.receive)
	alive := c.alive
	trans.AddFlushObject(func() bool { return c.flush(alive) })
	for i := Rank(0); i < dests.Count(); i++ {
		r := dests.RankFromIndex(i)
		if !trans.IsValidRank(r) {
			panic("amp: destination set names an invalid rank")
		}
		c.buffers[r].clear(c.cache.Allocate())
	}
	return c
}

// Transport returns the owning transport.
func (c *CoalescedType[T]) Transport() *Transport { return c.trans }

// SetHandler installs the per-element handler, invoked on the scheduler
// as (src, element) for each element of a received bulk buffer. Install
// before the first receive, and only between epochs.
func (c *CoalescedType[T]) SetHandler(h func(src Rank, v T)) { c.handler = h }

// Handler returns the installed per-element handler.
func (c *CoalescedType[T]) Handler() func(src Rank, v T) { return c.handler }

// Sorter returns the buffer sorter applied to received bulk buffers.
func (c *CoalescedType[T]) Sorter() BufferSorter[T] { return c.sorter }

// Close marks the type dead so flush callbacks left with the transport
// bail out without touching freed state.
func (c *CoalescedType[T]) Close() { c.alive.Store(0) }

// Send coalesces v into the buffer for dest, sealing and shipping the
// buffer when v lands in the last slot. Never blocks except to spin while
// the buffer is full or mid-seal. Thread-safe.
func (c *CoalescedType[T]) Send(v T, dest Rank) {
	if !c.trans.IsValidRank(dest) {
		panic("amp: send to invalid rank")
	}
	buf := &c.buffers[dest]
	max := uint32(c.size)
	for {
		var bo iox.Backoff
		for {
			x := buf.countAllocated.Load()
			if x&countMask < max && x&senderActive == 0 {
				break
			}
			bo.Wait()
		}
		myID := buf.countAllocated.Add(1) - 1
		if myID&senderActive != 0 {
			continue
		}
		if myID&countMask >= max {
			continue
		}
		buf.region.Data()[myID&countMask] = v
		switch {
		case myID&countMask == max-1:
			// Last slot: seal before anything else so no writer enters,
			// then make sure the TD registration happened before the
			// send is published.
			buf.countAllocated.Store(senderActive)
			if buf.registeredWithTD.Swap(1) == 0 {
				c.mt.MessageBeingBuilt(dest)
			}
			buf.countWritten.Add(1)
			c.trans.perf.FullBufferSend.Emit(SendEvent{Dest: dest, Count: int(max), ElemSize: c.mt.ElemSize()})
			c.sendBuffer(buf, max, dest)
		case myID&countMask == 0:
			if buf.registeredWithTD.Swap(1) == 0 {
				c.mt.MessageBeingBuilt(dest)
			}
			buf.countWritten.Add(1)
		default:
			buf.countWritten.Add(1)
		}
		if c.heuristic.Execute() {
			c.flush(c.alive)
		}
		return
	}
}

// SendWithTID is [CoalescedType.Send] for callers that track a thread
// id; the id is not used by this coalescing policy.
func (c *CoalescedType[T]) SendWithTID(v T, dest Rank, _ int) {
	c.Send(v, dest)
}

// MessageBeingBuilt pre-registers dest with the termination detector, for
// senders that announce before the first element lands.
func (c *CoalescedType[T]) MessageBeingBuilt(dest Rank) {
	if !c.trans.IsValidRank(dest) {
		panic("amp: message for invalid rank")
	}
	if c.buffers[dest].registeredWithTD.Swap(1) == 0 {
		c.mt.MessageBeingBuilt(dest)
	}
}

// sendBuffer ships a sealed buffer holding count committed elements. The
// caller must have set senderActive; sendBuffer waits for in-flight slot
// writes, swaps in a fresh region, and hands the old one to the driver
// with a completion hook that releases it.
func (c *CoalescedType[T]) sendBuffer(buf *messageBuffer[T], count uint32, dest Rank) bool {
	if count&senderActive != 0 {
		return false
	}
	if count == 0 {
		return false
	}
	var bo iox.Backoff
	for buf.countWritten.Load() != count {
		bo.Wait()
	}
	region := buf.region
	buf.clear(c.cache.Allocate())
	c.mt.Send(region, int(count), dest, region.Release)
	return true
}

// Flush seals and ships every non-empty, non-full buffer of this type
// whose packed count is unchanged since the previous flush pass. A buffer
// whose count changed is skipped this pass and its count recorded, so it
// ships on a later pass that finds no further progress. Returns false
// once the type has been closed.
func (c *CoalescedType[T]) Flush() bool { return c.flush(c.alive) }

// flush holds the shared aliveness flag rather than the receiver so the
// transport's flush set can outlive the type.
func (c *CoalescedType[T]) flush(alive *atomix.Uint32) bool {
	if alive.Load() == 0 {
		return false
	}
	dests := c.mt.PossibleDests()
	max := uint32(c.size)
	for i := Rank(0); i < dests.Count(); i++ {
		r := dests.RankFromIndex(i)
		buf := &c.buffers[r]
		myID := buf.countAllocated.Load()
		if myID != c.lastActive[r].Load() {
			// Progress since the last pass; give senders a chance to
			// fill the buffer before forcing a small message out.
			c.lastActive[r].Store(myID)
			continue
		}
		var bo iox.Backoff
		for myID > 0 && myID < max {
			if buf.countAllocated.CompareAndSwap(myID, senderActive) {
				break
			}
			bo.Wait()
			myID = buf.countAllocated.Load()
		}
		if myID > 0 && myID < max {
			c.trans.perf.FlushedMessageSize.Emit(SendEvent{Dest: r, Count: int(myID), ElemSize: c.mt.ElemSize()})
			c.sendBuffer(buf, myID, r)
		}
	}
	return true
}

// receive is the raw shim installed on the message type: sort the bulk
// buffer, then run the element handler per slot. A handler failure is
// captured, the element counts as delivered, and the rest of the buffer
// still dispatches; the first failure of the epoch resurfaces from
// EndEpoch.
func (c *CoalescedType[T]) receive(src Rank, data []T) {
	c.trans.perf.MessageReceived.Emit(RecvEvent{Src: src, Count: len(data), ElemSize: c.mt.ElemSize()})
	h := c.handler
	if h == nil {
		panic("amp: no handler installed for received message")
	}
	c.sorter.Sort(data)
	for i := range data {
		c.dispatchOne(h, src, data[i])
	}
}

func (c *CoalescedType[T]) dispatchOne(h func(Rank, T), src Rank, v T) {
	defer func() {
		if p := recover(); p != nil {
			c.trans.recordHandlerPanic(p)
		}
	}()
	h(src, v)
}
