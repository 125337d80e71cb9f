// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package amp

import (
	"time"

	"code.hybscloud.com/atomix"
)

// Heuristic decides, after each send, whether partially filled buffers
// should be flushed now. Execute is called from the sending thread and
// must be safe for concurrent use.
type Heuristic interface {
	Execute() bool
}

// HeuristicGen builds one heuristic instance per coalesced type.
type HeuristicGen func() Heuristic

// DefaultHeuristicGen never requests a flush.
func DefaultHeuristicGen() Heuristic { return nopHeuristic{} }

type nopHeuristic struct{}

func (nopHeuristic) Execute() bool { return false }

// RelativeVelocityGen returns a generator for the relative-velocity
// heuristic: every threshold sends it recomputes the send rate, and if
// the rate dropped since the previous window it requests a flush. This
// bounds latency when the application workload thins out.
func RelativeVelocityGen(threshold int) HeuristicGen {
	if threshold < 1 {
		panic("amp: velocity threshold must be at least 1")
	}
	return func() Heuristic {
		return &relativeVelocity{
			threshold: uint32(threshold),
			start:     time.Now(),
			velocity:  1.0,
		}
	}
}

type relativeVelocity struct {
	count     atomix.Uint32
	threshold uint32

	// Window state is touched only by the thread whose Add lands exactly
	// on the threshold; one thread per window.
	start    time.Time
	velocity float64
}

func (h *relativeVelocity) Execute() bool {
	if h.count.Add(1) != h.threshold {
		return false
	}
	elapsed := time.Since(h.start).Seconds()
	vel := float64(h.threshold) / elapsed
	flush := vel < h.velocity
	h.velocity = vel
	h.start = time.Now()
	h.count.Store(0)
	return flush
}
