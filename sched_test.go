// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package amp_test

import (
	"testing"

	"code.hybscloud.com/amp"
	"code.hybscloud.com/iox"
	"code.hybscloud.com/kont"
)

func TestSchedulerPriorityOrder(t *testing.T) {
	s := amp.NewScheduler()
	var got []int
	add := func(pri int) {
		s.AddRunnable(pri, func(*amp.Scheduler) amp.TaskResult {
			got = append(got, pri)
			return amp.TaskBusyAndFinished
		})
	}
	add(0)
	add(2)
	add(1)
	add(2)
	for s.RunOne() {
	}
	want := []int{2, 2, 1, 0}
	if len(got) != len(want) {
		t.Fatalf("ran %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("ran %v, want %v", got, want)
		}
	}
}

func TestSchedulerRequeueUntilFinished(t *testing.T) {
	s := amp.NewScheduler()
	runs := 0
	s.AddRunnable(0, func(*amp.Scheduler) amp.TaskResult {
		runs++
		if runs < 3 {
			return amp.TaskBusyNotFinished
		}
		return amp.TaskBusyAndFinished
	})
	for s.RunOne() {
	}
	if runs != 3 {
		t.Fatalf("task ran %d times, want 3", runs)
	}
}

func TestSchedulerIdleTasksOnlyWhenEmpty(t *testing.T) {
	s := amp.NewScheduler()
	var order []string
	s.AddIdleTask(func(*amp.Scheduler) amp.TaskResult {
		order = append(order, "idle")
		return amp.TaskRemoveFromQueue
	})
	s.AddRunnable(0, func(*amp.Scheduler) amp.TaskResult {
		order = append(order, "task")
		return amp.TaskBusyAndFinished
	})
	s.RunOne() // regular task
	s.RunOne() // idle task
	if len(order) != 2 || order[0] != "task" || order[1] != "idle" {
		t.Fatalf("order = %v, want [task idle]", order)
	}
	if s.RunOne() {
		t.Fatal("RunOne reported progress with nothing queued")
	}
}

func TestSchedulerIdleTaskRetires(t *testing.T) {
	s := amp.NewScheduler()
	runs := 0
	s.AddIdleTask(func(*amp.Scheduler) amp.TaskResult {
		runs++
		return amp.TaskRemoveFromQueue
	})
	s.RunOne()
	s.RunOne()
	if runs != 1 {
		t.Fatalf("retired idle task ran %d times, want 1", runs)
	}
}

// stepOp is a test effect: produce the next integer from a bounded feed.
type stepOp struct {
	kont.Phantom[int]
}

// feedDispatcher hands out values one per dispatch, blocking when dry.
type feedDispatcher struct {
	values []int
}

func (f *feedDispatcher) DispatchEffect(kont.Operation) (kont.Resumed, error) {
	if len(f.values) == 0 {
		return nil, iox.ErrWouldBlock
	}
	v := f.values[0]
	f.values = f.values[1:]
	return v, nil
}

func TestExprTaskDrivesComputation(t *testing.T) {
	s := amp.NewScheduler()
	sum := kont.ExprBind(kont.ExprPerform[stepOp, int](stepOp{}), func(a int) kont.Expr[int] {
		return kont.ExprBind(kont.ExprPerform[stepOp, int](stepOp{}), func(b int) kont.Expr[int] {
			return kont.ExprReturn(a + b)
		})
	})
	feed := &feedDispatcher{}
	var got int
	done := false
	amp.AddExprTask(s, 0, sum, feed, func(r int) {
		got = r
		done = true
	})

	// The feed starts dry: the task parks on ErrWouldBlock.
	for i := 0; i < 3; i++ {
		s.RunOne()
	}
	if done {
		t.Fatal("computation completed with no input")
	}
	feed.values = []int{40, 2}
	for i := 0; i < 10 && !done; i++ {
		s.RunOne()
	}
	if !done || got != 42 {
		t.Fatalf("done=%v got=%d, want 42", done, got)
	}
}
