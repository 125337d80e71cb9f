// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package amp

import (
	"fmt"
	"sync"

	"code.hybscloud.com/atomix"
	"code.hybscloud.com/iox"
)

// Driver is the underlying wire transport of a [Transport]: it moves
// opaque bulk payloads between ranks and delivers inbound ones through
// [DriverHost.Deliver]. Implementations must be reliable and in-order per
// (src, dst, type).
type Driver interface {
	Rank() Rank
	Size() Rank
	IsValidRank(r Rank) bool
	// Start binds the driver to its host; called once from [NewTransport].
	Start(host DriverHost) error
	// BeginEpoch is collective across ranks and returns true in exactly
	// one thread per rank.
	BeginEpoch() bool
	// Send ships payload (count elements of the registered type) to dest.
	// onComplete runs when the driver no longer references the payload.
	Send(typeID int, dest Rank, payload any, count int, onComplete func()) error
	Close() error
}

// DriverHost is the view a [Driver] gets of its transport.
type DriverHost interface {
	Scheduler() *Scheduler
	// Deliver routes an inbound bulk payload to the type's dispatcher.
	Deliver(typeID int, src Rank, payload any, count int)
	// Endpoint exposes a registered type's dispatch and codec surface.
	Endpoint(typeID int) TypeEndpoint
}

// TypeEndpoint is the per-registration surface a driver uses: dispatch
// for in-process payloads, the codec pair for wire drivers.
type TypeEndpoint interface {
	Deliver(src Rank, payload any, count int)
	Encode(payload any, count int) ([]byte, error)
	Decode(data []byte) (payload any, count int, err error)
}

// Transport is the façade of the runtime: it owns the scheduler, the
// termination detector, the per-type registry and the epoch lifecycle.
// Create one per rank with [NewTransport]; register types with
// [CreateMessageType]; bracket work in BeginEpoch / EndEpoch.
type Transport struct {
	driver Driver
	td     TerminationDetector
	sched  *Scheduler
	perf   PerfCounters

	rank Rank
	size Rank

	registry  TypeMap
	typeIDs   IDAssigner
	endpoints []TypeEndpoint

	flushMu sync.Mutex
	flushes []func() bool

	handlerCallsPending         atomix.Uint32
	handlerCallsPendingOrActive atomix.Uint32

	panicMu    sync.Mutex
	epochPanic error
}

// NewTransport builds a transport over driver with the given termination
// detector, creating its own single-threaded scheduler.
func NewTransport(driver Driver, td TerminationDetector) (*Transport, error) {
	t := &Transport{
		driver: driver,
		td:     td,
		sched:  NewScheduler(),
		rank:   driver.Rank(),
		size:   driver.Size(),
	}
	if b, ok := td.(interface{ bindTransport(*Transport) }); ok {
		b.bindTransport(t)
	}
	if err := driver.Start(t); err != nil {
		return nil, err
	}
	return t, nil
}

// Rank returns the local rank.
func (t *Transport) Rank() Rank { return t.rank }

// Size returns the communicator size.
func (t *Transport) Size() Rank { return t.size }

// IsValidRank reports whether r names a peer.
func (t *Transport) IsValidRank(r Rank) bool { return t.driver.IsValidRank(r) }

// Scheduler returns the transport's scheduler.
func (t *Transport) Scheduler() *Scheduler { return t.sched }

// TerminationDetector returns the attached detector.
func (t *Transport) TerminationDetector() TerminationDetector { return t.td }

// Perf returns the advisory observation surface.
func (t *Transport) Perf() *PerfCounters { return &t.perf }

// Deliver implements [DriverHost].
func (t *Transport) Deliver(typeID int, src Rank, payload any, count int) {
	t.Endpoint(typeID).Deliver(src, payload, count)
}

// Endpoint implements [DriverHost].
func (t *Transport) Endpoint(typeID int) TypeEndpoint {
	if typeID < 0 || typeID >= len(t.endpoints) || t.endpoints[typeID] == nil {
		panic("amp: unregistered message type id")
	}
	return t.endpoints[typeID]
}

func (t *Transport) registerEndpoint(key TypeKey, ep TypeEndpoint) int {
	if _, dup := t.registry.Lookup(key); dup {
		panic("amp: message type already registered: " + key.String())
	}
	id := int(t.typeIDs.Allocate())
	for len(t.endpoints) <= id {
		t.endpoints = append(t.endpoints, nil)
	}
	t.endpoints[id] = ep
	t.registry.Insert(key, ep)
	return id
}

// MessageBeingBuilt forwards a buffer first-fill announcement to the
// termination detector.
func (t *Transport) MessageBeingBuilt(dest Rank, typeID int) {
	t.td.MessageBeingBuilt(dest, typeID)
}

// IncreaseActivityCount and DecreaseActivityCount adjust the detector's
// outstanding-work balance for activity outside the send/handle pattern.
func (t *Transport) IncreaseActivityCount(n uint64) { t.td.IncreaseActivityCount(n) }

// DecreaseActivityCount is the inverse of [Transport.IncreaseActivityCount].
func (t *Transport) DecreaseActivityCount(n uint64) { t.td.DecreaseActivityCount(n) }

// AddFlushObject registers a flushable callback, invoked by every
// [Transport.Flush] pass. The callback's result is not consulted: a
// callback that reports false stays registered and is called again on
// later passes.
func (t *Transport) AddFlushObject(f func() bool) {
	t.flushMu.Lock()
	t.flushes = append(t.flushes, f)
	t.flushMu.Unlock()
}

// Flush invokes every registered flush callback. Safe from any context.
func (t *Transport) Flush() {
	t.flushMu.Lock()
	fs := make([]func() bool, len(t.flushes))
	copy(fs, t.flushes)
	t.flushMu.Unlock()
	for _, f := range fs {
		f()
	}
}

// BeginEpoch starts an epoch: collective across ranks. Activity counters
// reset; the elected thread emits the begin-epoch observation.
func (t *Transport) BeginEpoch() {
	t.handlerCallsPending.Store(0)
	t.handlerCallsPendingOrActive.Store(0)
	t.panicMu.Lock()
	t.epochPanic = nil
	t.panicMu.Unlock()
	if t.driver.BeginEpoch() {
		t.perf.BeginEpoch.Emit(t.rank)
	}
}

// Idle reports local quiescence: no handler calls pending or active and
// the detector agrees the epoch is really ending.
func (t *Transport) Idle() bool {
	return t.localQuiet() && t.td.ReallyEndingEpoch()
}

func (t *Transport) localQuiet() bool {
	return t.handlerCallsPendingOrActive.Load() == 0
}

// HandlersPending approximates whether handler dispatches are queued.
func (t *Transport) HandlersPending() bool {
	return t.handlerCallsPending.Load() != 0
}

// EpochErr returns the first handler failure captured during the current
// epoch, if any.
func (t *Transport) EpochErr() error {
	t.panicMu.Lock()
	defer t.panicMu.Unlock()
	return t.epochPanic
}

func (t *Transport) recordHandlerPanic(p any) {
	t.panicMu.Lock()
	if t.epochPanic == nil {
		t.epochPanic = fmt.Errorf("amp: handler failed: %v", p)
	}
	t.panicMu.Unlock()
}

// Close shuts the driver down. The transport is unusable afterwards.
func (t *Transport) Close() error { return t.driver.Close() }

// EndEpochRequest is a one-shot receive bound to the termination queue.
// Test and Wait must be driven from a single thread.
type EndEpochRequest struct {
	trans    *Transport
	alive    *atomix.Uint32
	active   bool
	combined uint64
}

// IEndEpoch starts ending the epoch without contributing a value.
func (t *Transport) IEndEpoch() *EndEpochRequest {
	return t.iEndEpoch(0, false)
}

// IEndEpochWithValue starts ending the epoch, contributing v to the
// combined reduction.
func (t *Transport) IEndEpochWithValue(v uint64) *EndEpochRequest {
	return t.iEndEpoch(v, true)
}

func (t *Transport) iEndEpoch(v uint64, has bool) *EndEpochRequest {
	t.Flush()
	if has {
		t.td.SetupEndEpochWithValue(v)
	} else {
		t.td.SetupEndEpoch()
	}
	alive := &atomix.Uint32{}
	alive.Store(1)
	req := &EndEpochRequest{trans: t, alive: alive, active: true}
	t.sched.AddIdleTask(func(*Scheduler) TaskResult {
		if alive.Load() == 0 {
			return TaskRemoveFromQueue
		}
		if !t.Idle() {
			return TaskIdle
		}
		t.Flush()
		return TaskIdle
	})
	return req
}

// EndEpoch flushes, awaits quiescence, and returns the first handler
// failure captured during the epoch, if any.
func (t *Transport) EndEpoch() error {
	t.IEndEpoch().Wait()
	return t.EpochErr()
}

// EndEpochWithValue is [Transport.EndEpoch] contributing v; it returns
// the value combined across all ranks.
func (t *Transport) EndEpochWithValue(v uint64) (uint64, error) {
	req := t.IEndEpochWithValue(v).Wait()
	return req.Value(), t.EpochErr()
}

// Test drives the scheduler one step and reports whether the epoch has
// ended.
func (r *EndEpochRequest) Test() bool {
	done, _ := r.poll()
	return done
}

func (r *EndEpochRequest) poll() (done, progress bool) {
	if !r.active {
		return true, false
	}
	if msg, err := r.trans.td.TerminationQueue().Receive(); err == nil {
		r.combined = msg.CombinedValue
		r.active = false
		r.alive.Store(0)
		if msg.LastThread {
			r.trans.perf.EpochFinished.Emit(r.trans.rank)
		}
		return true, true
	}
	return false, r.trans.sched.RunOne()
}

// Wait blocks until the epoch has ended, driving the scheduler and
// backing off adaptively when no task makes progress.
func (r *EndEpochRequest) Wait() *EndEpochRequest {
	var bo iox.Backoff
	for {
		done, progress := r.poll()
		if done {
			return r
		}
		if progress {
			bo.Reset()
		} else {
			bo.Wait()
		}
	}
}

// Value returns the combined epoch value. Valid once the request is done.
func (r *EndEpochRequest) Value() uint64 {
	if r.active {
		panic("amp: epoch still active")
	}
	return r.combined
}
