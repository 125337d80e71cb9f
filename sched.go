// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package amp

import (
	"sort"
	"sync"
)

// TaskResult is what a [Runnable] reports back to the scheduler.
type TaskResult int

const (
	// TaskBusyAndFinished: did work and is complete; dropped from the queue.
	TaskBusyAndFinished TaskResult = iota
	// TaskIdle: nothing to do right now; consulted again later.
	TaskIdle
	// TaskBusyNotFinished: did work and wants to run again.
	TaskBusyNotFinished
	// TaskRemoveFromQueue: retire the task.
	TaskRemoveFromQueue
)

// Runnable is a cooperative task with access to its scheduler.
type Runnable func(s *Scheduler) TaskResult

// Scheduler is a cooperative priority task queue. It is the serialization
// point for handler dispatch: handlers run only inside [Scheduler.RunOne].
// Regular runnables run in priority order (higher first, FIFO within a
// priority); idle tasks are consulted round-robin when no regular
// runnable is queued, and also right after a queued runnable reports
// [TaskIdle].
//
// Single-threaded by default (NThreads() == 1). Multiple threads may call
// RunOne concurrently when configured with [Scheduler.SetNThreads]; queue
// mutation is internally synchronized either way.
type Scheduler struct {
	mu     sync.Mutex
	queues map[int][]Runnable
	prios  []int // sorted descending

	idleMu     sync.Mutex
	idle       []*idleEntry
	idleCursor int

	shouldRun func() bool
	nthreads  int
}

// NewScheduler returns a single-threaded scheduler that always runs
// handlers.
func NewScheduler() *Scheduler {
	return &Scheduler{
		queues:    make(map[int][]Runnable),
		shouldRun: func() bool { return true },
		nthreads:  1,
	}
}

// AddRunnable queues r at the given priority. Higher priorities run first.
// Safe to call from any thread, including from inside a running task.
func (s *Scheduler) AddRunnable(priority int, r Runnable) {
	s.mu.Lock()
	q, ok := s.queues[priority]
	if !ok {
		s.prios = append(s.prios, priority)
		sort.Sort(sort.Reverse(sort.IntSlice(s.prios)))
	}
	s.queues[priority] = append(q, r)
	s.mu.Unlock()
}

// AddIdleTask registers r to be consulted when no regular runnable is
// ready. Idle tasks stay registered until they return
// [TaskRemoveFromQueue].
func (s *Scheduler) AddIdleTask(r Runnable) {
	s.idleMu.Lock()
	s.idle = append(s.idle, &idleEntry{r: r})
	s.idleMu.Unlock()
}

type idleEntry struct {
	r       Runnable
	retired bool
}

// SetShouldRunHandlers installs the predicate gating handler execution.
// Handler dispatch tasks return [TaskIdle] while it reports false.
// Install only between epochs.
func (s *Scheduler) SetShouldRunHandlers(f func() bool) {
	s.shouldRun = f
}

// ShouldRunHandlers reports whether handler tasks may execute now.
func (s *Scheduler) ShouldRunHandlers() bool { return s.shouldRun() }

// SetNThreads declares how many threads will drive RunOne loops.
func (s *Scheduler) SetNThreads(n int) {
	if n < 1 {
		panic("amp: scheduler needs at least one thread")
	}
	s.nthreads = n
}

// NThreads returns the configured driver thread count.
func (s *Scheduler) NThreads() int { return s.nthreads }

// RunOne runs the highest-priority queued runnable, or one idle task if
// none is queued. A runnable that reports [TaskIdle] is requeued and one
// idle task runs in the same call. Returns true if the last invoked task
// reported doing work.
func (s *Scheduler) RunOne() bool {
	if r, pri, ok := s.pop(); ok {
		res := r(s)
		switch res {
		case TaskIdle:
			// Not ready: rotate to the queue tail, but let idle work in
			// so a parked task cannot starve the progress tasks that
			// would unpark it.
			s.AddRunnable(pri, r)
			return s.runIdle()
		case TaskBusyNotFinished:
			s.AddRunnable(pri, r)
		}
		return res == TaskBusyAndFinished || res == TaskBusyNotFinished
	}
	return s.runIdle()
}

func (s *Scheduler) pop() (Runnable, int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, pri := range s.prios {
		q := s.queues[pri]
		if len(q) == 0 {
			continue
		}
		r := q[0]
		s.queues[pri] = q[1:]
		return r, pri, true
	}
	return nil, 0, false
}

// runIdle consults the next live idle task in round-robin order.
// Retired entries are compacted before picking.
func (s *Scheduler) runIdle() bool {
	s.idleMu.Lock()
	live := s.idle[:0]
	for _, e := range s.idle {
		if !e.retired {
			live = append(live, e)
		}
	}
	s.idle = live
	if len(s.idle) == 0 {
		s.idleMu.Unlock()
		return false
	}
	if s.idleCursor >= len(s.idle) {
		s.idleCursor = 0
	}
	e := s.idle[s.idleCursor]
	s.idleCursor++
	s.idleMu.Unlock()

	res := e.r(s)
	if res == TaskRemoveFromQueue {
		s.idleMu.Lock()
		e.retired = true
		s.idleMu.Unlock()
	}
	return res == TaskBusyAndFinished || res == TaskBusyNotFinished
}
