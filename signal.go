// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package amp

import "code.hybscloud.com/atomix"

// AttachHandle identifies one attachment to a [Signal].
type AttachHandle uint64

// Signal is a FIFO list of handlers sharing one call signature.
// Emit invokes the currently attached handlers in attachment order; a
// handler panic propagates out of Emit and the signal stays usable.
//
// Handler slots live in an [AppendBuffer], so emission walks stable
// storage while attachments append. Attach and Detach are not safe
// against concurrent emission; the runtime mutates its signals only
// between epochs.
type Signal[A any] struct {
	slots AppendBuffer[signalSlot[A]]
}

type signalSlot[A any] struct {
	h      func(A)
	active atomix.Uint32
}

// Attach appends h and returns a handle identifying the attachment.
func (s *Signal[A]) Attach(h func(A)) AttachHandle {
	i := s.slots.PushBack(signalSlot[A]{h: h})
	s.slots.Get(i).active.Store(1)
	return AttachHandle(i)
}

// Detach removes the attachment; subsequent emissions skip it.
func (s *Signal[A]) Detach(h AttachHandle) {
	s.slots.Get(uint64(h)).active.Store(0)
}

// Emit invokes attached handlers in attachment order. No handlers is a
// no-op.
func (s *Signal[A]) Emit(a A) {
	n := s.slots.Len()
	for i := uint64(0); i < n; i++ {
		slot := s.slots.Get(i)
		if slot.active.Load() == 1 {
			slot.h(a)
		}
	}
}

// ScopedAttach binds a handler for the duration of a scope. Detach on
// every exit path, usually
//
//	sa := AttachScoped(sig, h)
//	defer sa.Detach()
type ScopedAttach[A any] struct {
	sig      *Signal[A]
	handle   AttachHandle
	detached bool
}

// AttachScoped attaches h to sig, bound to the returned scope object.
func AttachScoped[A any](sig *Signal[A], h func(A)) *ScopedAttach[A] {
	return &ScopedAttach[A]{sig: sig, handle: sig.Attach(h)}
}

// Detach removes the attachment. Further calls are no-ops.
func (s *ScopedAttach[A]) Detach() {
	if s.detached {
		return
	}
	s.detached = true
	s.sig.Detach(s.handle)
}
