// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package amp

import (
	"sync"

	"code.hybscloud.com/atomix"
	"code.hybscloud.com/lfq"
)

// TerminationMessage is the single terminal message of an epoch, carrying
// the reduction value combined across every rank's end-epoch call.
type TerminationMessage struct {
	CombinedValue uint64
	LastThread    bool
}

// ReceiveOnly wraps a queue so callers can only receive from it.
// Receive is non-blocking and returns [code.hybscloud.com/iox.ErrWouldBlock]
// while the queue is empty.
type ReceiveOnly[T any] struct {
	q *lfq.SPSC[T]
}

// Receive dequeues the next message, if any.
func (r ReceiveOnly[T]) Receive() (T, error) {
	return r.q.Dequeue()
}

// TerminationDetector is the quiescence policy of a transport. The façade
// forwards buffer first-fills, handler completions and epoch setup to it,
// and consumes its single terminal message per epoch from the termination
// queue. How the detector decides quiescence is its own business.
type TerminationDetector interface {
	// MessageBeingBuilt announces that a coalescing buffer for dest got
	// its first element: one more bulk message will eventually ship.
	MessageBeingBuilt(dest Rank, typeID int)
	// HandlerDone reports that the handler pass for one received bulk
	// message from src completed.
	HandlerDone(src Rank)
	// IncreaseActivityCount and DecreaseActivityCount adjust the
	// outstanding-work balance for activity outside the send/handle
	// pattern.
	IncreaseActivityCount(n uint64)
	DecreaseActivityCount(n uint64)
	// SetupEndEpoch votes to end the epoch; the WithValue form
	// contributes v to the combined reduction.
	SetupEndEpoch()
	SetupEndEpochWithValue(v uint64)
	// ReallyEndingEpoch reports whether every rank has voted.
	ReallyEndingEpoch() bool
	// TerminationQueue is where the terminal message appears.
	TerminationQueue() ReceiveOnly[TerminationMessage]
}

// Reducer combines two epoch values. SumReducer is the default.
type Reducer func(a, b uint64) uint64

// SumReducer adds the contributions.
func SumReducer(a, b uint64) uint64 { return a + b }

// MaxReducer keeps the largest contribution.
func MaxReducer(a, b uint64) uint64 {
	if a > b {
		return a
	}
	return b
}

// countingHub is the shared state of the in-process counting detector:
// one credit per announced buffer fill cycle, returned when the receive
// handler pass for the shipped message completes.
type countingHub struct {
	size    Rank
	reduce  Reducer
	inFlight atomix.Uint
	votes    atomix.Uint32

	mu       sync.Mutex
	combined uint64
	haveVal  bool

	views []*CountingTD
}

func newCountingHub(size Rank, reduce Reducer) *countingHub {
	if reduce == nil {
		reduce = SumReducer
	}
	h := &countingHub{size: size, reduce: reduce}
	h.views = make([]*CountingTD, size)
	for r := Rank(0); r < size; r++ {
		v := &CountingTD{hub: h, rank: r}
		v.queue.Init(4)
		h.views[r] = v
	}
	return h
}

// resetEpoch is called by the epoch-begin leader while all ranks are
// parked at the barrier.
func (h *countingHub) resetEpoch() {
	h.votes.Store(0)
	h.mu.Lock()
	h.combined = 0
	h.haveVal = false
	h.mu.Unlock()
	for _, v := range h.views {
		v.emitted.Store(0)
	}
}

func (h *countingHub) vote(v uint64, has bool) {
	h.mu.Lock()
	if has {
		if h.haveVal {
			h.combined = h.reduce(h.combined, v)
		} else {
			h.combined = v
			h.haveVal = true
		}
	}
	h.mu.Unlock()
	h.votes.Add(1)
}

func (h *countingHub) combinedValue() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.combined
}

// CountingTD is one rank's view of the shared in-process counting
// detector used by [LoopbackHub]. Quiescence holds when every rank has
// voted, no announced bulk message is still outstanding, and the local
// transport has no handler calls pending or active.
type CountingTD struct {
	hub     *countingHub
	rank    Rank
	queue   lfq.SPSC[TerminationMessage]
	emitted atomix.Uint32
	trans   *Transport
}

// bindTransport attaches the local transport; [NewTransport] calls this.
func (v *CountingTD) bindTransport(t *Transport) { v.trans = t }

func (v *CountingTD) MessageBeingBuilt(Rank, int) { v.hub.inFlight.Add(1) }

func (v *CountingTD) HandlerDone(Rank) { v.hub.inFlight.Add(^uint(0)) }

func (v *CountingTD) IncreaseActivityCount(n uint64) { v.hub.inFlight.Add(uint(n)) }

func (v *CountingTD) DecreaseActivityCount(n uint64) { v.hub.inFlight.Add(^uint(n - 1)) }

func (v *CountingTD) SetupEndEpoch() { v.setup(0, false) }

func (v *CountingTD) SetupEndEpochWithValue(val uint64) { v.setup(val, true) }

func (v *CountingTD) setup(val uint64, has bool) {
	if v.trans == nil {
		panic("amp: counting detector not bound to a transport")
	}
	v.hub.vote(val, has)
	v.trans.sched.AddIdleTask(v.checkQuiescence)
}

// checkQuiescence is the per-epoch idle task that emits the terminal
// message once global and local quiet hold together.
func (v *CountingTD) checkQuiescence(*Scheduler) TaskResult {
	if v.emitted.Load() == 1 {
		return TaskRemoveFromQueue
	}
	h := v.hub
	if Rank(h.votes.Load()) != h.size {
		return TaskIdle
	}
	if h.inFlight.Load() != 0 {
		return TaskIdle
	}
	if !v.trans.localQuiet() {
		return TaskIdle
	}
	if v.emitted.CompareAndSwap(0, 1) {
		msg := TerminationMessage{CombinedValue: h.combinedValue(), LastThread: true}
		if err := v.queue.Enqueue(&msg); err != nil {
			panic("amp: termination queue full")
		}
	}
	return TaskRemoveFromQueue
}

func (v *CountingTD) ReallyEndingEpoch() bool {
	return Rank(v.hub.votes.Load()) == v.hub.size
}

func (v *CountingTD) TerminationQueue() ReceiveOnly[TerminationMessage] {
	return ReceiveOnly[TerminationMessage]{q: &v.queue}
}
