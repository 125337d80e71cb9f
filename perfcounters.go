// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package amp

// SendEvent describes one outbound bulk message.
type SendEvent struct {
	Dest     Rank
	Count    int
	ElemSize int
}

// RecvEvent describes one received bulk message.
type RecvEvent struct {
	Src      Rank
	Count    int
	ElemSize int
}

// PerfCounters is the advisory observation surface of a transport.
// Every hook is a [Signal]; with no handlers attached each emission is a
// no-op. Attach only between epochs.
type PerfCounters struct {
	// BeginEpoch fires once per epoch, in the elected thread, with the
	// local rank.
	BeginEpoch Signal[Rank]
	// EpochFinished fires when the termination message for an epoch is
	// consumed, with the local rank.
	EpochFinished Signal[Rank]
	// FullBufferSend fires when a buffer seals because its last slot was
	// written.
	FullBufferSend Signal[SendEvent]
	// FlushedMessageSize fires when a partial buffer is sealed by a flush.
	FlushedMessageSize Signal[SendEvent]
	// MessageReceived fires when a bulk buffer arrives, before dispatch.
	MessageReceived Signal[RecvEvent]
}
