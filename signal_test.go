// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package amp_test

import (
	"testing"

	"code.hybscloud.com/amp"
)

func TestSignalFIFOOrder(t *testing.T) {
	var sig amp.Signal[int]
	var got []string
	sig.Attach(func(int) { got = append(got, "h1") })
	h2 := sig.Attach(func(int) { got = append(got, "h2") })
	sig.Attach(func(int) { got = append(got, "h3") })

	sig.Emit(0)
	want := []string{"h1", "h2", "h3"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("emission order %v, want %v", got, want)
		}
	}

	sig.Detach(h2)
	got = got[:0]
	sig.Emit(0)
	want = []string{"h1", "h3"}
	if len(got) != 2 || got[0] != want[0] || got[1] != want[1] {
		t.Fatalf("after Detach, emission order %v, want %v", got, want)
	}
}

func TestSignalEmitNoHandlers(t *testing.T) {
	var sig amp.Signal[string]
	sig.Emit("nothing attached") // must be a no-op
}

func TestSignalUsableAfterHandlerPanic(t *testing.T) {
	var sig amp.Signal[int]
	calls := 0
	sig.Attach(func(int) { panic("bad handler") })
	sig.Attach(func(int) { calls++ })

	func() {
		defer func() {
			if recover() == nil {
				t.Fatal("handler panic did not propagate out of Emit")
			}
		}()
		sig.Emit(0)
	}()

	h := sig.Attach(func(int) { calls += 10 })
	sig.Detach(h)
	// The panicking handler is still attached; detach it to emit cleanly.
	sig.Detach(amp.AttachHandle(0))
	sig.Emit(0)
	if calls != 1 {
		t.Fatalf("calls = %d, want 1 (signal corrupted by panic)", calls)
	}
}

func TestScopedAttachCleansUpOnPanic(t *testing.T) {
	var sig amp.Signal[int]
	calls := 0
	func() {
		defer func() { recover() }()
		sa := amp.AttachScoped(&sig, func(int) { calls++ })
		defer sa.Detach()
		panic("unwind")
	}()
	sig.Emit(0)
	if calls != 0 {
		t.Fatalf("handler ran %d times after its scope exited", calls)
	}
}
