// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package amp

import (
	"encoding/gob"
	"fmt"
	"net"
	"sync"
	"time"

	"code.hybscloud.com/atomix"
	"code.hybscloud.com/lfq"
)

// WireConfig configures a [WireDriver]. Addrs lists every rank's address
// in rank order; Addr must appear in it and names the local rank.
type WireConfig struct {
	Proto    string        // network protocol, default "tcp"
	Addr     string        // local address
	Addrs    []string      // all addresses, index = rank
	Timeout  time.Duration // connection establishment window, default 30s
	Listener net.Listener  // optional pre-bound listener for Addr
	Reduce   Reducer       // epoch value combiner, default SUM
}

// Frame kinds on a wire connection.
const (
	frameData uint8 = iota
	frameEnter
	frameGo
	frameVote
	frameAllVoted
	frameProbe
	frameAck
	frameDone
)

// wireFrame is the single gob-framed unit on every connection. Data
// frames carry an encoded bulk buffer; the rest drive the epoch barrier
// and the coordinator's termination protocol.
type wireFrame struct {
	Kind     uint8
	Src      uint32
	TypeID   int
	Count    int
	Data     []byte
	Seq      uint64 // epoch number or probe sequence
	Sent     uint64
	Handled  uint64
	HasValue bool
	Value    uint64
}

// WireDriver implements [Driver] over an all-to-all TCP mesh with
// gob-framed messages. Rank 0 coordinates the epoch barrier and runs the
// distributed termination count: after every rank votes, it probes
// global (sent, handled) totals and declares the epoch over when two
// consecutive probes agree and balance.
type WireDriver struct {
	proto string
	rank  Rank
	size  Rank
	host  DriverHost
	td    *WireTD

	listener net.Listener
	conns    []*wireConn // index = peer rank, nil for self

	inMu  sync.Mutex
	inbox []inMsg

	epochMu sync.Mutex
	cond    *sync.Cond
	epoch   uint64 // epochs this rank has entered
	started uint64 // epochs the coordinator has released

	ctrlMu sync.Mutex
	enters Rank

	closed  atomix.Uint32
	fatalMu sync.Mutex
	fatal   error
}

type wireConn struct {
	conn net.Conn
	wmu  sync.Mutex
	enc  *gob.Encoder
	dec  *gob.Decoder
}

type inMsg struct {
	src    Rank
	typeID int
	count  int
	data   []byte // encoded form, nil for self-sends
	local  any    // payload of a self-send
}

type wireHello struct {
	Rank uint32
}

// NewWireDriver establishes the full mesh: each rank dials every higher
// rank and accepts from every lower one, exchanging a rank handshake on
// each connection.
func NewWireDriver(cfg WireConfig) (*WireDriver, error) {
	proto := cfg.Proto
	if proto == "" {
		proto = "tcp"
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	rank := Rank(0)
	found := false
	for i, a := range cfg.Addrs {
		if a == cfg.Addr {
			rank = Rank(i)
			found = true
			break
		}
	}
	if !found {
		return nil, fmt.Errorf("amp: local address %q not in address list", cfg.Addr)
	}
	d := &WireDriver{
		proto: proto,
		rank:  rank,
		size:  Rank(len(cfg.Addrs)),
		td:    newWireTD(cfg.Reduce),
		conns: make([]*wireConn, len(cfg.Addrs)),
	}
	d.td.d = d
	d.cond = sync.NewCond(&d.epochMu)

	var err error
	d.listener = cfg.Listener
	if d.listener == nil {
		d.listener, err = net.Listen(proto, cfg.Addr)
		if err != nil {
			return nil, err
		}
	}

	deadline := time.Now().Add(timeout)
	var wg sync.WaitGroup
	errs := make(chan error, len(cfg.Addrs))

	// Accept from lower ranks.
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := Rank(0); i < rank; i++ {
			conn, err := d.listener.Accept()
			if err != nil {
				errs <- err
				return
			}
			var hello wireHello
			wc := &wireConn{conn: conn, enc: gob.NewEncoder(conn), dec: gob.NewDecoder(conn)}
			if err := wc.dec.Decode(&hello); err != nil {
				errs <- err
				return
			}
			if Rank(hello.Rank) >= d.size {
				errs <- fmt.Errorf("amp: handshake from unknown rank %d", hello.Rank)
				return
			}
			d.conns[hello.Rank] = wc
		}
	}()

	// Dial higher ranks.
	for p := rank + 1; p < d.size; p++ {
		wg.Add(1)
		go func(p Rank) {
			defer wg.Done()
			var conn net.Conn
			var err error
			for {
				conn, err = net.DialTimeout(proto, cfg.Addrs[p], time.Until(deadline))
				if err == nil {
					break
				}
				if time.Now().After(deadline) {
					errs <- fmt.Errorf("amp: dialing rank %d: %w", p, err)
					return
				}
				time.Sleep(10 * time.Millisecond)
			}
			wc := &wireConn{conn: conn, enc: gob.NewEncoder(conn), dec: gob.NewDecoder(conn)}
			if err := wc.enc.Encode(wireHello{Rank: uint32(rank)}); err != nil {
				errs <- err
				return
			}
			d.conns[p] = wc
		}(p)
	}
	wg.Wait()
	select {
	case err := <-errs:
		d.Close()
		return nil, err
	default:
	}

	for p := Rank(0); p < d.size; p++ {
		if p == rank {
			continue
		}
		go d.readLoop(p, d.conns[p])
	}
	return d, nil
}

// TD returns the driver's distributed termination detector; pass it to
// [NewTransport] together with the driver.
func (d *WireDriver) TD() *WireTD { return d.td }

func (d *WireDriver) Rank() Rank { return d.rank }

func (d *WireDriver) Size() Rank { return d.size }

func (d *WireDriver) IsValidRank(r Rank) bool { return r < d.size }

func (d *WireDriver) Start(host DriverHost) error {
	d.host = host
	host.Scheduler().AddIdleTask(d.progress)
	return nil
}

func (d *WireDriver) Close() error {
	if !d.closed.CompareAndSwap(0, 1) {
		return nil
	}
	var first error
	if d.listener != nil {
		first = d.listener.Close()
	}
	for _, c := range d.conns {
		if c != nil {
			if err := c.conn.Close(); err != nil && first == nil {
				first = err
			}
		}
	}
	return first
}

func (d *WireDriver) setFatal(err error) {
	d.fatalMu.Lock()
	if d.fatal == nil {
		d.fatal = err
	}
	d.fatalMu.Unlock()
}

// Err returns the first connection failure observed, if any.
func (d *WireDriver) Err() error {
	d.fatalMu.Lock()
	defer d.fatalMu.Unlock()
	return d.fatal
}

func (d *WireDriver) write(dest Rank, f *wireFrame) error {
	c := d.conns[dest]
	c.wmu.Lock()
	err := c.enc.Encode(f)
	c.wmu.Unlock()
	if err != nil {
		d.setFatal(err)
	}
	return err
}

// Send encodes the bulk payload and writes one data frame. The payload
// is released as soon as it is encoded, before the frame is written;
// self-sends skip the codec and loop through the inbox.
func (d *WireDriver) Send(typeID int, dest Rank, payload any, count int, onComplete func()) error {
	d.td.sent.Add(1)
	if dest == d.rank {
		if rc, ok := payload.(interface{ Retain() }); ok {
			rc.Retain()
		}
		d.inMu.Lock()
		d.inbox = append(d.inbox, inMsg{src: d.rank, typeID: typeID, count: count, local: payload})
		d.inMu.Unlock()
		if onComplete != nil {
			onComplete()
		}
		return nil
	}
	data, err := d.host.Endpoint(typeID).Encode(payload, count)
	if err != nil {
		return err
	}
	if onComplete != nil {
		onComplete()
	}
	return d.write(dest, &wireFrame{
		Kind:   frameData,
		Src:    uint32(d.rank),
		TypeID: typeID,
		Count:  count,
		Data:   data,
	})
}

// BeginEpoch is the collective barrier: every rank reports entry to the
// coordinator, which releases the epoch to all ranks at once.
func (d *WireDriver) BeginEpoch() bool {
	d.epochMu.Lock()
	d.epoch++
	target := d.epoch
	d.epochMu.Unlock()

	if d.rank == 0 {
		d.noteEnter(target)
	} else {
		if err := d.write(0, &wireFrame{Kind: frameEnter, Src: uint32(d.rank), Seq: target}); err != nil {
			panic("amp: epoch barrier failed: " + err.Error())
		}
	}

	d.epochMu.Lock()
	for d.started < target {
		d.cond.Wait()
	}
	d.epochMu.Unlock()
	return true
}

// noteEnter runs on the coordinator for every epoch entry, releasing the
// epoch when the last rank arrives.
func (d *WireDriver) noteEnter(target uint64) {
	d.ctrlMu.Lock()
	d.enters++
	release := d.enters == d.size
	if release {
		d.enters = 0
		d.td.resetEpoch()
	}
	d.ctrlMu.Unlock()
	if !release {
		return
	}
	for p := Rank(1); p < d.size; p++ {
		if err := d.write(p, &wireFrame{Kind: frameGo, Seq: target}); err != nil {
			return
		}
	}
	d.releaseEpoch(target)
}

func (d *WireDriver) releaseEpoch(target uint64) {
	d.td.resetLocalEpoch()
	d.epochMu.Lock()
	d.started = target
	d.cond.Broadcast()
	d.epochMu.Unlock()
}

// readLoop owns one connection's decoder. Data frames queue for the
// scheduler; control frames are handled inline.
func (d *WireDriver) readLoop(peer Rank, c *wireConn) {
	for {
		var f wireFrame
		if err := c.dec.Decode(&f); err != nil {
			if d.closed.Load() == 0 {
				d.setFatal(err)
			}
			return
		}
		switch f.Kind {
		case frameData:
			d.inMu.Lock()
			d.inbox = append(d.inbox, inMsg{src: Rank(f.Src), typeID: f.TypeID, count: f.Count, data: f.Data})
			d.inMu.Unlock()
		case frameEnter:
			d.noteEnter(f.Seq)
		case frameGo:
			d.releaseEpoch(f.Seq)
		case frameVote:
			d.td.noteVote(f.Value, f.HasValue)
		case frameAllVoted:
			d.td.allVoted.Store(1)
		case frameProbe:
			d.write(0, &wireFrame{
				Kind:    frameAck,
				Src:     uint32(d.rank),
				Seq:     f.Seq,
				Sent:    uint64(d.td.sent.Load()),
				Handled: uint64(d.td.handled.Load()),
			})
		case frameAck:
			d.td.noteAck(f.Seq, f.Sent, f.Handled)
		case frameDone:
			d.td.finish(f.Value)
		}
	}
}

// progress dispatches queued inbound bulk messages and, on the
// coordinator, advances the termination probe.
func (d *WireDriver) progress(*Scheduler) TaskResult {
	if d.closed.Load() == 1 {
		return TaskRemoveFromQueue
	}
	busy := false
	for {
		d.inMu.Lock()
		if len(d.inbox) == 0 {
			d.inMu.Unlock()
			break
		}
		m := d.inbox[0]
		d.inbox = d.inbox[1:]
		d.inMu.Unlock()
		if m.local != nil {
			d.host.Deliver(m.typeID, m.src, m.local, m.count)
		} else {
			payload, count, err := d.host.Endpoint(m.typeID).Decode(m.data)
			if err != nil {
				panic("amp: corrupt bulk frame: " + err.Error())
			}
			d.host.Deliver(m.typeID, m.src, payload, count)
		}
		busy = true
	}
	if d.rank == 0 {
		d.td.coordinate()
	}
	if busy {
		return TaskBusyNotFinished
	}
	return TaskIdle
}

// WireTD is the distributed termination detector of a [WireDriver]:
// cumulative (sent, handled) message counts per rank, aggregated by the
// coordinator once every rank has voted, with termination declared after
// two agreeing balanced probes.
type WireTD struct {
	d       *WireDriver
	reduce  Reducer
	sent    atomix.Uint
	handled atomix.Uint

	allVoted atomix.Uint32
	emitted  atomix.Uint32
	queue    lfq.SPSC[TerminationMessage]

	// Coordinator state, under d.ctrlMu.
	votes       Rank
	combined    uint64
	haveVal     bool
	probeSeq    uint64
	probing     bool
	acksPending Rank
	ackSent     uint64
	ackHandled  uint64
	prevSent    uint64
	prevHandled uint64
	havePrev    bool
}

func newWireTD(reduce Reducer) *WireTD {
	if reduce == nil {
		reduce = SumReducer
	}
	td := &WireTD{reduce: reduce}
	td.queue.Init(4)
	return td
}

// resetEpoch clears coordinator aggregates; runs under d.ctrlMu.
func (td *WireTD) resetEpoch() {
	td.votes = 0
	td.combined = 0
	td.haveVal = false
	td.probing = false
	td.havePrev = false
}

// resetLocalEpoch clears per-rank epoch flags.
func (td *WireTD) resetLocalEpoch() {
	td.allVoted.Store(0)
	td.emitted.Store(0)
}

func (td *WireTD) MessageBeingBuilt(Rank, int) {}

func (td *WireTD) HandlerDone(Rank) { td.handled.Add(1) }

func (td *WireTD) IncreaseActivityCount(n uint64) { td.sent.Add(uint(n)) }

func (td *WireTD) DecreaseActivityCount(n uint64) { td.handled.Add(uint(n)) }

func (td *WireTD) SetupEndEpoch() { td.setup(0, false) }

func (td *WireTD) SetupEndEpochWithValue(v uint64) { td.setup(v, true) }

func (td *WireTD) setup(v uint64, has bool) {
	if td.d.rank == 0 {
		td.noteVote(v, has)
		return
	}
	if err := td.d.write(0, &wireFrame{Kind: frameVote, Src: uint32(td.d.rank), Value: v, HasValue: has}); err != nil {
		panic("amp: end-epoch vote failed: " + err.Error())
	}
}

// noteVote runs on the coordinator for every end-epoch vote.
func (td *WireTD) noteVote(v uint64, has bool) {
	d := td.d
	d.ctrlMu.Lock()
	if has {
		if td.haveVal {
			td.combined = td.reduce(td.combined, v)
		} else {
			td.combined = v
			td.haveVal = true
		}
	}
	td.votes++
	complete := td.votes == d.size
	d.ctrlMu.Unlock()
	if !complete {
		return
	}
	td.allVoted.Store(1)
	for p := Rank(1); p < d.size; p++ {
		d.write(p, &wireFrame{Kind: frameAllVoted})
	}
}

// coordinate advances the probe cycle on the coordinator.
func (td *WireTD) coordinate() {
	d := td.d
	if td.allVoted.Load() == 0 || td.emitted.Load() == 1 {
		return
	}
	d.ctrlMu.Lock()
	if td.probing {
		d.ctrlMu.Unlock()
		return
	}
	td.probing = true
	td.probeSeq++
	seq := td.probeSeq
	td.acksPending = d.size - 1
	td.ackSent = 0
	td.ackHandled = 0
	d.ctrlMu.Unlock()

	if d.size == 1 {
		td.noteAck(seq, 0, 0)
		return
	}
	for p := Rank(1); p < d.size; p++ {
		d.write(p, &wireFrame{Kind: frameProbe, Seq: seq})
	}
}

// noteAck collects probe replies; the final reply folds in the
// coordinator's own counts and decides.
func (td *WireTD) noteAck(seq uint64, sent, handled uint64) {
	d := td.d
	d.ctrlMu.Lock()
	if seq != td.probeSeq {
		d.ctrlMu.Unlock()
		return
	}
	td.ackSent += sent
	td.ackHandled += handled
	if td.acksPending > 0 {
		td.acksPending--
	}
	if td.acksPending != 0 && d.size > 1 {
		d.ctrlMu.Unlock()
		return
	}
	totalSent := td.ackSent + uint64(td.sent.Load())
	totalHandled := td.ackHandled + uint64(td.handled.Load())
	balanced := totalSent == totalHandled
	agreed := td.havePrev && totalSent == td.prevSent && totalHandled == td.prevHandled
	td.prevSent = totalSent
	td.prevHandled = totalHandled
	td.havePrev = true
	td.probing = false
	done := balanced && agreed
	combined := td.combined
	d.ctrlMu.Unlock()
	if !done {
		return
	}
	for p := Rank(1); p < d.size; p++ {
		d.write(p, &wireFrame{Kind: frameDone, Value: combined})
	}
	td.finish(combined)
}

// finish emits the terminal message locally, once per epoch.
func (td *WireTD) finish(combined uint64) {
	if !td.emitted.CompareAndSwap(0, 1) {
		return
	}
	msg := TerminationMessage{CombinedValue: combined, LastThread: true}
	if err := td.queue.Enqueue(&msg); err != nil {
		panic("amp: termination queue full")
	}
}

func (td *WireTD) ReallyEndingEpoch() bool { return td.allVoted.Load() == 1 }

func (td *WireTD) TerminationQueue() ReceiveOnly[TerminationMessage] {
	return ReceiveOnly[TerminationMessage]{q: &td.queue}
}
