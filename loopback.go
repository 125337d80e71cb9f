// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package amp

import (
	"sync"

	"code.hybscloud.com/atomix"
	"code.hybscloud.com/iox"
	"code.hybscloud.com/lfq"
)

// laneCapacity bounds each directed delivery lane. Full lanes push back
// on the sender's outbox; the progress task retries on a later pass.
const laneCapacity = 64

// laneMsg is one bulk message crossing a loopback lane.
type laneMsg struct {
	typeID  int
	payload any
	count   int
}

// LoopbackHub connects size in-process ranks: one [LoopbackDriver] per
// rank, one directed SPSC lane per (src, dst) pair, and a shared counting
// termination detector. Each lane has a single producer (the source
// rank's progress task) and a single consumer (the destination's), so the
// hub requires the default single-threaded scheduler per rank.
type LoopbackHub struct {
	size    Rank
	lanes   [][]laneQueue // [src][dst]
	drivers []*LoopbackDriver
	td      *countingHub

	mu      sync.Mutex
	cond    *sync.Cond
	arrived Rank
	gen     uint64
}

type laneQueue struct {
	q lfq.SPSC[laneMsg]
}

// NewLoopbackHub builds a hub of size ranks with a SUM-reducing
// termination detector.
func NewLoopbackHub(size Rank) *LoopbackHub {
	return NewLoopbackHubReduce(size, SumReducer)
}

// NewLoopbackHubReduce builds a hub whose epoch values combine with
// reduce.
func NewLoopbackHubReduce(size Rank, reduce Reducer) *LoopbackHub {
	if size < 1 {
		panic("amp: hub needs at least one rank")
	}
	h := &LoopbackHub{size: size, td: newCountingHub(size, reduce)}
	h.cond = sync.NewCond(&h.mu)
	h.lanes = make([][]laneQueue, size)
	h.drivers = make([]*LoopbackDriver, size)
	for src := Rank(0); src < size; src++ {
		h.lanes[src] = make([]laneQueue, size)
		for dst := Rank(0); dst < size; dst++ {
			h.lanes[src][dst].q.Init(laneCapacity)
		}
	}
	for r := Rank(0); r < size; r++ {
		h.drivers[r] = &LoopbackDriver{hub: h, rank: r}
	}
	return h
}

// Size returns the number of ranks.
func (h *LoopbackHub) Size() Rank { return h.size }

// Driver returns rank r's driver.
func (h *LoopbackHub) Driver(r Rank) *LoopbackDriver { return h.drivers[r] }

// TD returns rank r's view of the shared counting detector.
func (h *LoopbackHub) TD(r Rank) *CountingTD { return h.td.views[r] }

// barrier parks callers until every rank arrived. The last arriver runs
// the epoch reset while everyone is parked.
func (h *LoopbackHub) barrier() {
	h.mu.Lock()
	gen := h.gen
	h.arrived++
	if h.arrived == h.size {
		h.td.resetEpoch()
		h.arrived = 0
		h.gen++
		h.cond.Broadcast()
		h.mu.Unlock()
		return
	}
	for gen == h.gen {
		h.cond.Wait()
	}
	h.mu.Unlock()
}

// LoopbackDriver implements [Driver] for one rank of a [LoopbackHub].
// Send is thread-safe; delivery happens on the rank's scheduler via the
// progress idle task installed by Start.
type LoopbackDriver struct {
	hub  *LoopbackHub
	rank Rank
	host DriverHost

	outMu  sync.Mutex
	outbox []outMsg

	closed atomix.Uint32
}

type outMsg struct {
	dest       Rank
	msg        laneMsg
	onComplete func()
}

func (d *LoopbackDriver) Rank() Rank { return d.rank }

func (d *LoopbackDriver) Size() Rank { return d.hub.size }

func (d *LoopbackDriver) IsValidRank(r Rank) bool { return r < d.hub.size }

// Start installs the progress idle task on the host's scheduler.
func (d *LoopbackDriver) Start(host DriverHost) error {
	d.host = host
	host.Scheduler().AddIdleTask(d.progress)
	return nil
}

// BeginEpoch parks until every rank entered the epoch. One caller per
// rank per epoch; that caller is its rank's elected thread.
func (d *LoopbackDriver) BeginEpoch() bool {
	d.hub.barrier()
	return true
}

// Send queues payload for dest. Reference-counted payloads get one
// reference for the receiver; onComplete runs once the message is on its
// lane.
func (d *LoopbackDriver) Send(typeID int, dest Rank, payload any, count int, onComplete func()) error {
	if rc, ok := payload.(interface{ Retain() }); ok {
		rc.Retain()
	}
	d.outMu.Lock()
	d.outbox = append(d.outbox, outMsg{
		dest:       dest,
		msg:        laneMsg{typeID: typeID, payload: payload, count: count},
		onComplete: onComplete,
	})
	d.outMu.Unlock()
	return nil
}

func (d *LoopbackDriver) Close() error {
	d.closed.Store(1)
	return nil
}

// progress drains the outbox onto lanes and inbound lanes into handler
// dispatch. Runs as an idle task so queued handler runnables go first.
func (d *LoopbackDriver) progress(*Scheduler) TaskResult {
	if d.closed.Load() == 1 {
		return TaskRemoveFromQueue
	}
	busy := false

	for {
		d.outMu.Lock()
		if len(d.outbox) == 0 {
			d.outMu.Unlock()
			break
		}
		m := d.outbox[0]
		d.outMu.Unlock()
		lane := &d.hub.lanes[d.rank][m.dest]
		if err := lane.q.Enqueue(&m.msg); err != nil {
			if !iox.IsWouldBlock(err) {
				panic("amp: loopback lane enqueue failed: " + err.Error())
			}
			break
		}
		d.outMu.Lock()
		d.outbox = d.outbox[1:]
		d.outMu.Unlock()
		if m.onComplete != nil {
			m.onComplete()
		}
		busy = true
	}

	for src := Rank(0); src < d.hub.size; src++ {
		lane := &d.hub.lanes[src][d.rank]
		for {
			m, err := lane.q.Dequeue()
			if err != nil {
				break
			}
			d.host.Deliver(m.typeID, src, m.payload, m.count)
			busy = true
		}
	}

	if busy {
		return TaskBusyNotFinished
	}
	return TaskIdle
}
