// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package amp

import (
	"code.hybscloud.com/iox"
	"code.hybscloud.com/kont"
)

// EffectDispatcher dispatches one suspended effect operation.
// Non-blocking: returns [code.hybscloud.com/iox.ErrWouldBlock] when the
// operation cannot make progress yet; the task retries on a later pass.
type EffectDispatcher interface {
	DispatchEffect(op kont.Operation) (kont.Resumed, error)
}

// AddExprTask runs a [kont.Expr] computation as a scheduler task,
// dispatching one effect per [Scheduler.RunOne] step through d. When the
// computation completes, done (if non-nil) receives the result on the
// scheduler.
//
// This is the proactor-loop integration of kont stepping: the runtime's
// cooperative loop replaces a dedicated drive goroutine.
func AddExprTask[R any](s *Scheduler, priority int, e kont.Expr[R], d EffectDispatcher, done func(R)) {
	result, susp := kont.StepExpr(e)
	if susp == nil {
		s.AddRunnable(priority, func(*Scheduler) TaskResult {
			if done != nil {
				done(result)
			}
			return TaskBusyAndFinished
		})
		return
	}
	s.AddRunnable(priority, func(*Scheduler) TaskResult {
		v, err := d.DispatchEffect(susp.Op())
		if err != nil {
			if iox.IsWouldBlock(err) {
				return TaskIdle
			}
			panic("amp: effect dispatch failed: " + err.Error())
		}
		result, susp = susp.Resume(v)
		if susp == nil {
			if done != nil {
				done(result)
			}
			return TaskBusyAndFinished
		}
		return TaskBusyNotFinished
	})
}
