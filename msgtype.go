// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package amp

import (
	"bytes"
	"encoding/gob"
	"fmt"
)

// RawHandler consumes one received bulk buffer of T from src.
type RawHandler[T any] func(src Rank, data []T)

// MessageType is one typed registration with a [Transport]: it routes
// bulk sends of []T to the driver and dispatches received bulk buffers to
// the installed raw handler on the scheduler. [CoalescedType] installs
// its receive shim here; direct users may install their own.
type MessageType[T any] struct {
	trans    *Transport
	id       int
	priority int
	maxCount int
	elemSize int
	sources  RankSet
	dests    RankSet
	raw      RawHandler[T]
}

// CreateMessageType registers T with t. One registration per element type
// and transport; a duplicate panics. The registration outlives all sends
// on it and defaults to all ranks as possible sources and destinations.
//
// Ranks must register their message types in the same order: the dense
// registration id is what routes bulk messages between peers.
func CreateMessageType[T any](t *Transport, priority int) *MessageType[T] {
	key := KeyOf[T]()
	mt := &MessageType[T]{
		trans:    t,
		priority: priority,
		maxCount: 1,
		elemSize: int(key.Size()),
		sources:  AllRanks(t.Size()),
		dests:    AllRanks(t.Size()),
	}
	mt.id = t.registerEndpoint(key, mt)
	return mt
}

// Transport returns the owning transport.
func (mt *MessageType[T]) Transport() *Transport { return mt.trans }

// TypeID returns the dense registration ID used for driver routing.
func (mt *MessageType[T]) TypeID() int { return mt.id }

// ElemSize returns the in-memory size of one element.
func (mt *MessageType[T]) ElemSize() int { return mt.elemSize }

// SetMaxCount declares the largest element count of one bulk message.
func (mt *MessageType[T]) SetMaxCount(n int) {
	if n < 1 {
		panic("amp: max count must be at least 1")
	}
	mt.maxCount = n
}

// MaxCount returns the declared bulk-message capacity.
func (mt *MessageType[T]) MaxCount() int { return mt.maxCount }

// SetPossibleSources restricts which ranks may send this type here.
func (mt *MessageType[T]) SetPossibleSources(s RankSet) { mt.sources = s }

// PossibleSources returns the declared source set.
func (mt *MessageType[T]) PossibleSources() RankSet { return mt.sources }

// SetPossibleDests restricts which ranks this type may be sent to.
func (mt *MessageType[T]) SetPossibleDests(s RankSet) { mt.dests = s }

// PossibleDests returns the declared destination set.
func (mt *MessageType[T]) PossibleDests() RankSet { return mt.dests }

// SetHandler installs the raw bulk handler. Install before the first
// receive, and only between epochs.
func (mt *MessageType[T]) SetHandler(h RawHandler[T]) { mt.raw = h }

// Handler returns the installed raw handler.
func (mt *MessageType[T]) Handler() RawHandler[T] { return mt.raw }

// MessageBeingBuilt announces to the termination detector that a bulk
// message of this type for dest is under construction.
func (mt *MessageType[T]) MessageBeingBuilt(dest Rank) {
	if !mt.trans.IsValidRank(dest) {
		panic("amp: message for invalid rank")
	}
	mt.trans.MessageBeingBuilt(dest, mt.id)
}

// HandlerDone reports one completed handler pass to the detector.
func (mt *MessageType[T]) HandlerDone(src Rank) {
	mt.trans.td.HandlerDone(src)
}

// Send ships count elements backed by region to dest. The region
// reference travels with the send; the driver's completion hook releases
// it. Transport failures are fatal to the epoch.
func (mt *MessageType[T]) Send(region *Region[T], count int, dest Rank, onComplete func()) {
	if !mt.trans.IsValidRank(dest) {
		panic("amp: send to invalid rank")
	}
	if err := mt.trans.driver.Send(mt.id, dest, region, count, onComplete); err != nil {
		panic(fmt.Sprintf("amp: transport send to rank %d failed: %v", dest, err))
	}
}

// Deliver implements [TypeEndpoint]: it accounts the dispatch and queues
// a scheduler runnable that runs the raw handler, reports completion to
// the detector, and releases the payload.
func (mt *MessageType[T]) Deliver(src Rank, payload any, count int) {
	var region *Region[T]
	var data []T
	switch p := payload.(type) {
	case *Region[T]:
		region = p
		data = p.Data()[:count]
	case []T:
		data = p[:count]
	default:
		panic("amp: payload type mismatch in delivery")
	}
	t := mt.trans
	t.handlerCallsPending.Add(1)
	t.handlerCallsPendingOrActive.Add(1)
	t.sched.AddRunnable(mt.priority, func(s *Scheduler) TaskResult {
		if !s.ShouldRunHandlers() {
			return TaskIdle
		}
		t.handlerCallsPending.Add(^uint32(0))
		defer func() {
			if p := recover(); p != nil {
				t.recordHandlerPanic(p)
			}
			mt.HandlerDone(src)
			if region != nil {
				region.Release()
			}
			t.handlerCallsPendingOrActive.Add(^uint32(0))
		}()
		if h := mt.raw; h != nil {
			h(src, data)
		}
		return TaskBusyAndFinished
	})
}

// Encode implements [TypeEndpoint] for wire drivers: gob of the element
// slice.
func (mt *MessageType[T]) Encode(payload any, count int) ([]byte, error) {
	var data []T
	switch p := payload.(type) {
	case *Region[T]:
		data = p.Data()[:count]
	case []T:
		data = p[:count]
	default:
		return nil, fmt.Errorf("amp: payload type mismatch in encode")
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(data); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Decode implements [TypeEndpoint] for wire drivers.
func (mt *MessageType[T]) Decode(b []byte) (any, int, error) {
	var data []T
	if err := gob.NewDecoder(bytes.NewReader(b)).Decode(&data); err != nil {
		return nil, 0, err
	}
	return data, len(data), nil
}
