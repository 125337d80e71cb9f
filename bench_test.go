// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package amp_test

import (
	"testing"

	"code.hybscloud.com/amp"
)

// BenchmarkCoalescedSend measures the self-send fast path: one fetch-add
// slot reservation per operation, a seal every 64th.
func BenchmarkCoalescedSend(b *testing.B) {
	skipRace(b)
	b.ReportAllocs()
	hub := amp.NewLoopbackHub(1)
	tr, err := amp.NewTransport(hub.Driver(0), hub.TD(0))
	if err != nil {
		b.Fatal(err)
	}
	ct := amp.NewCoalescedType[int](amp.CoalescedGen{Size: 64}, tr, nil, nil, nil)
	ct.SetHandler(func(amp.Rank, int) {})
	tr.BeginEpoch()
	for b.Loop() {
		ct.Send(1, 0)
		// Keep the in-process lanes drained so sealed buffers cannot
		// back the sender up.
		tr.Scheduler().RunOne()
	}
	if err := tr.EndEpoch(); err != nil {
		b.Fatal(err)
	}
}

// BenchmarkSignalEmit measures emission over three attached handlers.
func BenchmarkSignalEmit(b *testing.B) {
	b.ReportAllocs()
	var sig amp.Signal[int]
	n := 0
	for i := 0; i < 3; i++ {
		sig.Attach(func(v int) { n += v })
	}
	for b.Loop() {
		sig.Emit(1)
	}
}

// BenchmarkAppendBufferPush measures the chunked push fast path.
func BenchmarkAppendBufferPush(b *testing.B) {
	b.ReportAllocs()
	var buf amp.AppendBuffer[int]
	for b.Loop() {
		buf.PushBack(1)
	}
}
