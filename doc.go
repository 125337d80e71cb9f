// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package amp is an active-messages runtime for distributed-memory parallel
// programs: any rank in a communicator sends a small typed datum to any other
// rank, where a registered handler runs, inside an epoch-structured execution
// model with quiescence-based termination.
//
// Small sends cannot amortize transport overhead, so the runtime coalesces
// many user sends sharing (type, destination) into one bulk transport message
// without blocking senders and without losing termination detection.
//
// # Architecture
//
//   - Coalescing: [CoalescedType] keeps one bounded send buffer per
//     destination. Slot reservation is a single fetch-add on a packed atomic
//     word ([code.hybscloud.com/atomix]); the writer of the last slot seals
//     and ships the buffer. Partial buffers go out via [CoalescedType.Flush]
//     or a pluggable [Heuristic].
//   - Dispatch: [Transport] owns the per-type registry and forwards received
//     bulk buffers to handlers serialized on a cooperative [Scheduler].
//   - Termination: buffer first-fill and handler completion are reported to a
//     [TerminationDetector]; an epoch ends when the detector's quiescence
//     message, carrying a combined reduction value, arrives on the
//     termination queue ([code.hybscloud.com/lfq] SPSC).
//   - Waiting: spin points use adaptive backoff ([code.hybscloud.com/iox]).
//     [AddExprTask] drives [code.hybscloud.com/kont] effect computations as
//     scheduler tasks, one dispatch per step.
//
// # Transports
//
//   - [LoopbackHub]: N ranks in one process over per-lane SPSC queues, with a
//     shared counting detector. Backs the test suite.
//   - [WireDriver]: all-to-all TCP mesh with gob-framed bulk messages and a
//     coordinator-based distributed termination detector.
//
// # Epoch protocol
//
//	t.BeginEpoch()              // collective
//	ct.Send(v, dest)            // any thread, any number of times
//	sum, err := t.EndEpochWithValue(rank + 1)
//
// Sends are thread-safe and may also be issued from handlers. The core gives
// no ordering between distinct user sends beyond the slots of one sealed
// buffer, and no delivery guarantee before the epoch-end quiescence point.
package amp
