// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package amp

import (
	"testing"

	"code.hybscloud.com/lfq"
)

// captureDriver records outbound bulk sends without moving them.
type captureDriver struct {
	size  Rank
	sends []capturedSend
}

type capturedSend struct {
	dest  Rank
	count int
	data  []int
}

func (d *captureDriver) Rank() Rank              { return 0 }
func (d *captureDriver) Size() Rank              { return d.size }
func (d *captureDriver) IsValidRank(r Rank) bool { return r < d.size }
func (d *captureDriver) Start(DriverHost) error  { return nil }
func (d *captureDriver) BeginEpoch() bool        { return true }
func (d *captureDriver) Close() error            { return nil }

func (d *captureDriver) Send(_ int, dest Rank, payload any, count int, onComplete func()) error {
	region := payload.(*Region[int])
	data := make([]int, count)
	copy(data, region.Data()[:count])
	d.sends = append(d.sends, capturedSend{dest: dest, count: count, data: data})
	if onComplete != nil {
		onComplete()
	}
	return nil
}

// recordTD counts detector events.
type recordTD struct {
	announced   int
	handlerDone int
	queue       lfq.SPSC[TerminationMessage]
}

func newRecordTD() *recordTD {
	td := &recordTD{}
	td.queue.Init(1)
	return td
}

func (td *recordTD) MessageBeingBuilt(Rank, int)   { td.announced++ }
func (td *recordTD) HandlerDone(Rank)              { td.handlerDone++ }
func (td *recordTD) IncreaseActivityCount(uint64)  {}
func (td *recordTD) DecreaseActivityCount(uint64)  {}
func (td *recordTD) SetupEndEpoch()                {}
func (td *recordTD) SetupEndEpochWithValue(uint64) {}
func (td *recordTD) ReallyEndingEpoch() bool       { return false }
func (td *recordTD) TerminationQueue() ReceiveOnly[TerminationMessage] {
	return ReceiveOnly[TerminationMessage]{q: &td.queue}
}

func newCaptureSetup(t *testing.T, size Rank, coalesce int) (*captureDriver, *recordTD, *CoalescedType[int]) {
	t.Helper()
	d := &captureDriver{size: size}
	td := newRecordTD()
	tr, err := NewTransport(d, td)
	if err != nil {
		t.Fatal(err)
	}
	ct := NewCoalescedType[int](CoalescedGen{Size: coalesce}, tr, nil, nil, nil)
	ct.SetHandler(func(Rank, int) {})
	return d, td, ct
}

func TestSealOnCapacityShipsCommitOrder(t *testing.T) {
	d, td, ct := newCaptureSetup(t, 2, 4)
	for i := 1; i <= 4; i++ {
		ct.Send(i, 1)
	}
	if len(d.sends) != 1 {
		t.Fatalf("got %d sends, want 1", len(d.sends))
	}
	s := d.sends[0]
	if s.dest != 1 || s.count != 4 {
		t.Fatalf("send = dest %d count %d, want dest 1 count 4", s.dest, s.count)
	}
	for i, v := range s.data {
		if v != i+1 {
			t.Fatalf("slot %d = %d, want %d (commit order broken)", i, v, i+1)
		}
	}
	if td.announced != 1 {
		t.Fatalf("announced %d fill cycles, want 1", td.announced)
	}
}

func TestFlushDefersOncePerProgress(t *testing.T) {
	d, _, ct := newCaptureSetup(t, 1, 4)
	for i := 0; i < 3; i++ {
		ct.Send(i, 0)
	}
	// First pass observes fresh progress and defers; the second seals.
	ct.Flush()
	if len(d.sends) != 0 {
		t.Fatalf("flush sealed on first sight of progress: %d sends", len(d.sends))
	}
	ct.Flush()
	if len(d.sends) != 1 || d.sends[0].count != 3 {
		t.Fatalf("sends = %+v, want one partial of 3", d.sends)
	}
}

func TestFlushEmptyBuffersIsNoOp(t *testing.T) {
	d, td, ct := newCaptureSetup(t, 2, 4)
	ct.Flush()
	ct.Flush()
	if len(d.sends) != 0 || td.announced != 0 {
		t.Fatalf("flush of empty buffers sent %d announced %d", len(d.sends), td.announced)
	}
}

func TestOneAnnouncementPerFillCycle(t *testing.T) {
	d, td, ct := newCaptureSetup(t, 1, 4)
	for i := 0; i < 9; i++ {
		ct.Send(i, 0)
	}
	if len(d.sends) != 2 {
		t.Fatalf("got %d full sends, want 2", len(d.sends))
	}
	ct.Flush()
	ct.Flush()
	if len(d.sends) != 3 {
		t.Fatalf("got %d sends after flush, want 3", len(d.sends))
	}
	if td.announced != 3 {
		t.Fatalf("announced %d, want 3 (one per fill cycle, before each ship)", td.announced)
	}
	if d.sends[2].count != 1 || d.sends[2].data[0] != 8 {
		t.Fatalf("partial send = %+v, want the single element 8", d.sends[2])
	}
}

func TestClosedTypeFlushBailsOut(t *testing.T) {
	d, _, ct := newCaptureSetup(t, 1, 4)
	ct.Send(7, 0)
	ct.Close()
	if ct.Flush() {
		t.Fatal("flush reported alive after Close")
	}
	if len(d.sends) != 0 {
		t.Fatal("flush touched buffers after Close")
	}
}

func TestRegionRecycledAfterCompletion(t *testing.T) {
	_, _, ct := newCaptureSetup(t, 1, 2)
	// The capture driver completes synchronously, so each seal returns
	// its region to the cache; after many cycles the cache must still
	// hand out regions of the configured capacity.
	for i := 0; i < 100; i++ {
		ct.Send(i, 0)
	}
	if got := len(ct.cache.Allocate().Data()); got != 2 {
		t.Fatalf("cache produced a region of %d, want 2", got)
	}
}
