// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package amp_test

import (
	"net"
	"sync"
	"testing"

	"code.hybscloud.com/amp"
)

// wirePair binds two localhost listeners up front so both ranks know the
// full address list before either driver dials.
func wirePair(t *testing.T) (ls [2]net.Listener, addrs []string) {
	t.Helper()
	for i := range ls {
		l, err := net.Listen("tcp", "127.0.0.1:0")
		if err != nil {
			t.Fatal(err)
		}
		ls[i] = l
		addrs = append(addrs, l.Addr().String())
	}
	return ls, addrs
}

// TestWireRingOfTwo runs the base delivery scenario over real TCP:
// coalesced ints from rank 0 arrive at rank 1 exactly once, in order,
// and the distributed detector combines the epoch values.
func TestWireRingOfTwo(t *testing.T) {
	skipRace(t)
	ls, addrs := wirePair(t)

	var got []int
	var combined [2]uint64
	var wg sync.WaitGroup
	for r := amp.Rank(0); r < 2; r++ {
		wg.Add(1)
		go func(r amp.Rank) {
			defer wg.Done()
			d, err := amp.NewWireDriver(amp.WireConfig{
				Addr:     addrs[r],
				Addrs:    addrs,
				Listener: ls[r],
			})
			if err != nil {
				t.Error(err)
				return
			}
			tr, err := amp.NewTransport(d, d.TD())
			if err != nil {
				t.Error(err)
				return
			}
			defer tr.Close()

			ct := amp.NewCoalescedType[int](amp.CoalescedGen{Size: 4}, tr, nil, nil, nil)
			ct.SetHandler(func(src amp.Rank, v int) {
				if src != 0 {
					t.Errorf("element from rank %d, want 0", src)
				}
				got = append(got, v)
			})

			tr.BeginEpoch()
			if r == 0 {
				for i := 0; i < 10; i++ {
					ct.Send(i, 1)
				}
			}
			v, err := tr.EndEpochWithValue(uint64(r) + 1)
			if err != nil {
				t.Error(err)
			}
			combined[r] = v
		}(r)
	}
	wg.Wait()

	if len(got) != 10 {
		t.Fatalf("rank 1 observed %d elements, want 10", len(got))
	}
	for i, v := range got {
		if v != i {
			t.Fatalf("element %d = %d, want %d", i, v, i)
		}
	}
	for r, v := range combined {
		if v != 3 {
			t.Fatalf("rank %d combined value = %d, want 3", r, v)
		}
	}
}

// TestWireSelfSend loops a message through the local inbox without
// touching the codec.
func TestWireSelfSend(t *testing.T) {
	skipRace(t)
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	d, err := amp.NewWireDriver(amp.WireConfig{
		Addr:     l.Addr().String(),
		Addrs:    []string{l.Addr().String()},
		Listener: l,
	})
	if err != nil {
		t.Fatal(err)
	}
	tr, err := amp.NewTransport(d, d.TD())
	if err != nil {
		t.Fatal(err)
	}
	defer tr.Close()

	var sum int
	ct := amp.NewCoalescedType[int](amp.CoalescedGen{Size: 2}, tr, nil, nil, nil)
	ct.SetHandler(func(_ amp.Rank, v int) { sum += v })

	tr.BeginEpoch()
	for i := 1; i <= 5; i++ {
		ct.Send(i, 0)
	}
	if err := tr.EndEpoch(); err != nil {
		t.Fatal(err)
	}
	if sum != 15 {
		t.Fatalf("sum = %d, want 15", sum)
	}
}

func TestWireRejectsUnknownLocalAddr(t *testing.T) {
	_, err := amp.NewWireDriver(amp.WireConfig{
		Addr:  "127.0.0.1:1",
		Addrs: []string{"127.0.0.1:2", "127.0.0.1:3"},
	})
	if err == nil {
		t.Fatal("driver accepted a local address outside the rank list")
	}
}
