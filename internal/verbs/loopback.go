package verbs

import (
	"context"
	"fmt"
	"sync"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/glelouet/rdmamig/internal/logging"
)

// sendTimeout bounds how long a loopback SEND waits for the peer to post a
// matching RECV. Real fabrics retry RNR NAKs; in-process a missing RECV
// within this window is a protocol bug.
const sendTimeout = 10 * time.Second

// Loopback is an in-process fabric. Endpoints created from the same
// Loopback can resolve and connect to each other by address string; SENDs
// and RDMA WRITEs copy memory directly between the two sides.
//
// It plays the role the stub ring plays for ublk: full protocol coverage
// without hardware.
type Loopback struct {
	mu        sync.Mutex
	listeners map[string]*loopID
	device    *loopDevice
}

// NewLoopback creates an empty fabric.
func NewLoopback() *Loopback {
	lb := &Loopback{listeners: make(map[string]*loopID)}
	lb.device = &loopDevice{name: "loop0"}
	return lb
}

func (lb *Loopback) Name() string { return "loopback" }

// NewEventChannel creates a connection-manager event channel.
func (lb *Loopback) NewEventChannel() (EventChannel, error) {
	fd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		// Readiness integration is optional; events still flow.
		fd = -1
	}
	return &loopEventChannel{
		fabric: lb,
		events: make(chan *Event, 32),
		efd:    fd,
	}, nil
}

type loopEventChannel struct {
	fabric *Loopback
	events chan *Event
	efd    int
	closed sync.Once
}

func (c *loopEventChannel) CreateID() (ID, error) {
	return &loopID{fabric: c.fabric, channel: c}, nil
}

func (c *loopEventChannel) push(ev *Event) {
	select {
	case c.events <- ev:
	default:
		// A full channel means the owner stopped consuming; the
		// connection is dead anyway.
		logging.Warn("loopback: dropping CM event", "type", ev.Type.String())
		return
	}
	if c.efd >= 0 {
		var one [8]byte
		one[7] = 1
		_, _ = unix.Write(c.efd, one[:])
	}
}

func (c *loopEventChannel) Get(ctx context.Context) (*Event, error) {
	select {
	case ev := <-c.events:
		if c.efd >= 0 {
			var buf [8]byte
			_, _ = unix.Read(c.efd, buf[:])
		}
		return ev, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *loopEventChannel) Ack(*Event) {}

func (c *loopEventChannel) FD() int { return c.efd }

func (c *loopEventChannel) Close() error {
	c.closed.Do(func() {
		if c.efd >= 0 {
			_ = unix.Close(c.efd)
		}
	})
	return nil
}

// loopID implements ID.
type loopID struct {
	fabric  *Loopback
	channel *loopEventChannel

	mu       sync.Mutex
	addr     string
	resolved bool
	listen   bool
	peer     *loopID
	qp       *loopQP
	closed   bool
}

func (id *loopID) ResolveAddr(addr string, timeout time.Duration) error {
	if addr == "" {
		return fmt.Errorf("empty address")
	}
	id.mu.Lock()
	id.addr = addr
	id.resolved = true
	id.mu.Unlock()
	id.channel.push(&Event{Type: EventAddrResolved, ID: id})
	return nil
}

func (id *loopID) ResolveRoute(timeout time.Duration) error {
	id.mu.Lock()
	resolved := id.resolved
	id.mu.Unlock()
	if !resolved {
		return fmt.Errorf("route resolution before address resolution")
	}
	id.channel.push(&Event{Type: EventRouteResolved, ID: id})
	return nil
}

func (id *loopID) BindListen(addr string, backlog int) error {
	id.fabric.mu.Lock()
	defer id.fabric.mu.Unlock()
	if _, busy := id.fabric.listeners[addr]; busy {
		return unix.EADDRINUSE
	}
	id.fabric.listeners[addr] = id
	id.mu.Lock()
	id.addr = addr
	id.listen = true
	id.mu.Unlock()
	return nil
}

func (id *loopID) Connect(private []byte, param ConnParam) error {
	id.mu.Lock()
	addr := id.addr
	id.mu.Unlock()

	id.fabric.mu.Lock()
	listener, ok := id.fabric.listeners[addr]
	id.fabric.mu.Unlock()
	if !ok {
		id.channel.push(&Event{Type: EventRejected, ID: id})
		return nil
	}

	// The accepting side gets a fresh connection ID on the listener's
	// event channel, pre-linked to the initiator.
	remote := &loopID{fabric: id.fabric, channel: listener.channel, peer: id}
	id.mu.Lock()
	id.peer = remote
	id.mu.Unlock()

	listener.channel.push(&Event{
		Type:    EventConnectRequest,
		ID:      remote,
		Private: append([]byte(nil), private...),
	})
	return nil
}

func (id *loopID) Accept(private []byte, param ConnParam) error {
	id.mu.Lock()
	peer := id.peer
	qp := id.qp
	id.mu.Unlock()
	if peer == nil {
		return fmt.Errorf("accept without a pending connect request")
	}
	if qp == nil {
		return fmt.Errorf("accept before queue pair creation")
	}

	peer.mu.Lock()
	peerQP := peer.qp
	peer.mu.Unlock()
	if peerQP == nil {
		return fmt.Errorf("initiator has no queue pair")
	}
	qp.link(peerQP)
	peerQP.link(qp)

	peer.channel.push(&Event{
		Type:    EventEstablished,
		ID:      peer,
		Private: append([]byte(nil), private...),
	})
	id.channel.push(&Event{Type: EventEstablished, ID: id})
	return nil
}

func (id *loopID) Disconnect() error {
	id.mu.Lock()
	peer := id.peer
	qp := id.qp
	id.peer = nil
	id.mu.Unlock()
	if peer != nil {
		peer.mu.Lock()
		stillLinked := peer.peer == id
		peerQP := peer.qp
		peer.peer = nil
		peer.mu.Unlock()
		if stillLinked {
			// Outstanding receives flush with an error status, like a QP
			// entering the error state.
			if peerQP != nil {
				peerQP.flush()
			}
			peer.channel.push(&Event{Type: EventDisconnected, ID: peer})
		}
	}
	if qp != nil {
		qp.flush()
	}
	id.channel.push(&Event{Type: EventDisconnected, ID: id})
	return nil
}

func (id *loopID) Device() Device {
	id.mu.Lock()
	defer id.mu.Unlock()
	if !id.resolved && id.peer == nil && !id.listen {
		return nil
	}
	return id.fabric.device
}

func (id *loopID) CreateQP(pd PD, cq CQ, cap QPCap) (QP, error) {
	lpd, ok := pd.(*loopPD)
	if !ok {
		return nil, fmt.Errorf("foreign protection domain")
	}
	lcq, ok := cq.(*loopCQ)
	if !ok {
		return nil, fmt.Errorf("foreign completion queue")
	}
	qp := &loopQP{
		pd:       lpd,
		cq:       lcq,
		sendFree: cap.MaxSendWR,
		recvQ:    make(chan *RecvWR, cap.MaxRecvWR),
	}
	id.mu.Lock()
	id.qp = qp
	id.mu.Unlock()
	return qp, nil
}

func (id *loopID) Close() error {
	id.fabric.mu.Lock()
	if id.listen && id.fabric.listeners[id.addr] == id {
		delete(id.fabric.listeners, id.addr)
	}
	id.fabric.mu.Unlock()
	id.mu.Lock()
	id.closed = true
	id.mu.Unlock()
	return nil
}

// loopDevice implements Device.
type loopDevice struct {
	name string
}

func (d *loopDevice) Name() string { return d.name }

func (d *loopDevice) AllocPD() (PD, error) {
	return &loopPD{mrs: make(map[uint32]*loopMR), nextKey: 0x1000}, nil
}

func (d *loopDevice) CreateCompChannel() (CompChannel, error) {
	return &loopCompChannel{ready: make(chan *loopCQ, 64)}, nil
}

func (d *loopDevice) CreateCQ(size int, ch CompChannel) (CQ, error) {
	cq := &loopCQ{size: size}
	if ch != nil {
		lch, ok := ch.(*loopCompChannel)
		if !ok {
			return nil, fmt.Errorf("foreign completion channel")
		}
		cq.channel = lch
	}
	return cq, nil
}

// loopPD implements PD with an rkey-indexed region table.
type loopPD struct {
	mu      sync.Mutex
	mrs     map[uint32]*loopMR
	nextKey uint32
}

func (pd *loopPD) RegisterMR(addr uintptr, length int, access Access) (MR, error) {
	if length <= 0 {
		return nil, fmt.Errorf("registration of %d bytes", length)
	}
	pd.mu.Lock()
	defer pd.mu.Unlock()
	key := pd.nextKey
	pd.nextKey++
	mr := &loopMR{pd: pd, addr: addr, length: length, access: access, key: key}
	pd.mrs[key] = mr
	return mr, nil
}

// lookup finds the region granting access to [addr, addr+length) under key.
func (pd *loopPD) lookup(key uint32, addr uint64, length uint32, want Access) *loopMR {
	pd.mu.Lock()
	defer pd.mu.Unlock()
	mr, ok := pd.mrs[key]
	if !ok || mr.access&want != want {
		return nil
	}
	start := uint64(mr.addr)
	if addr < start || addr+uint64(length) > start+uint64(mr.length) {
		return nil
	}
	return mr
}

func (pd *loopPD) Close() error {
	pd.mu.Lock()
	defer pd.mu.Unlock()
	pd.mrs = make(map[uint32]*loopMR)
	return nil
}

type loopMR struct {
	pd     *loopPD
	addr   uintptr
	length int
	access Access
	key    uint32
}

func (mr *loopMR) LKey() uint32 { return mr.key }
func (mr *loopMR) RKey() uint32 { return mr.key }

func (mr *loopMR) Close() error {
	mr.pd.mu.Lock()
	defer mr.pd.mu.Unlock()
	delete(mr.pd.mrs, mr.key)
	return nil
}

// loopCompChannel implements CompChannel.
type loopCompChannel struct {
	ready chan *loopCQ
}

func (c *loopCompChannel) Wait(ctx context.Context) (CQ, error) {
	select {
	case cq := <-c.ready:
		return cq, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *loopCompChannel) Close() error { return nil }

// wcEntry pairs a completion with the queue pair slot it releases.
type wcEntry struct {
	wc       WC
	releases *loopQP
}

// loopCQ implements CQ.
type loopCQ struct {
	mu      sync.Mutex
	entries []wcEntry
	size    int
	armed   bool
	channel *loopCompChannel
	unacked int
}

func (cq *loopCQ) push(wc WC, releases *loopQP) {
	cq.mu.Lock()
	cq.entries = append(cq.entries, wcEntry{wc: wc, releases: releases})
	notify := cq.armed
	cq.armed = false
	if notify {
		cq.unacked++
	}
	ch := cq.channel
	cq.mu.Unlock()

	if notify && ch != nil {
		select {
		case ch.ready <- cq:
		default:
		}
	}
}

func (cq *loopCQ) Poll() (WC, bool) {
	cq.mu.Lock()
	if len(cq.entries) == 0 {
		cq.mu.Unlock()
		return WC{}, false
	}
	e := cq.entries[0]
	cq.entries = cq.entries[1:]
	cq.mu.Unlock()

	if e.releases != nil {
		e.releases.releaseSendSlot()
	}
	return e.wc, true
}

func (cq *loopCQ) RequestNotify() error {
	cq.mu.Lock()
	armedNow := len(cq.entries) > 0
	cq.armed = !armedNow
	if armedNow {
		cq.unacked++
	}
	ch := cq.channel
	cq.mu.Unlock()

	// A completion racing ahead of the arm must still wake the waiter.
	if armedNow && ch != nil {
		select {
		case ch.ready <- cq:
		default:
		}
	}
	return nil
}

func (cq *loopCQ) AckEvents(n int) {
	cq.mu.Lock()
	cq.unacked -= n
	cq.mu.Unlock()
}

func (cq *loopCQ) Close() error { return nil }

// loopQP implements QP. Send and receive completions land on the one CQ the
// pair was created with, matching the transport's single-CQ layout.
type loopQP struct {
	pd *loopPD
	cq *loopCQ

	mu       sync.Mutex
	sendFree int
	peer     *loopQP

	recvQ chan *RecvWR
}

func (qp *loopQP) link(peer *loopQP) {
	qp.mu.Lock()
	qp.peer = peer
	qp.mu.Unlock()
}

// flush moves the queue pair to the error state: the link drops and every
// posted receive completes with a flush error.
func (qp *loopQP) flush() {
	qp.mu.Lock()
	qp.peer = nil
	qp.mu.Unlock()
	for {
		select {
		case recv := <-qp.recvQ:
			qp.cq.push(WC{ID: recv.ID, Status: WCFlushErr, Opcode: OpRecv}, nil)
		default:
			return
		}
	}
}

func (qp *loopQP) releaseSendSlot() {
	qp.mu.Lock()
	qp.sendFree++
	qp.mu.Unlock()
}

func (qp *loopQP) takeSendSlot() error {
	qp.mu.Lock()
	defer qp.mu.Unlock()
	if qp.sendFree <= 0 {
		return ErrQueueFull
	}
	qp.sendFree--
	return nil
}

func (qp *loopQP) PostSend(wr *SendWR) error {
	qp.mu.Lock()
	peer := qp.peer
	qp.mu.Unlock()
	if peer == nil {
		return fmt.Errorf("queue pair not connected")
	}
	if err := qp.takeSendSlot(); err != nil {
		return err
	}

	switch wr.Opcode {
	case OpSend:
		return qp.executeSend(wr, peer)
	case OpRDMAWrite:
		return qp.executeWrite(wr, peer)
	default:
		qp.releaseSendSlot()
		return fmt.Errorf("unsupported opcode %d", wr.Opcode)
	}
}

func (qp *loopQP) executeSend(wr *SendWR, peer *loopQP) error {
	var recv *RecvWR
	select {
	case recv = <-peer.recvQ:
	case <-time.After(sendTimeout):
		qp.complete(wr, WCGeneralErr, 0)
		return nil
	}

	n := wr.SGE.Length
	if n > recv.SGE.Length {
		// Receiver-side overrun; both sides observe the failure.
		peer.cq.push(WC{ID: recv.ID, Status: WCLocalProtectionErr, Opcode: OpRecv}, nil)
		qp.complete(wr, WCGeneralErr, 0)
		return nil
	}
	copy(memSlice(recv.SGE.Addr, int(n)), memSlice(wr.SGE.Addr, int(n)))
	peer.cq.push(WC{ID: recv.ID, Status: WCSuccess, Opcode: OpRecv, ByteLen: n}, nil)
	qp.complete(wr, WCSuccess, n)
	return nil
}

func (qp *loopQP) executeWrite(wr *SendWR, peer *loopQP) error {
	mr := peer.pd.lookup(wr.RKey, wr.RemoteAddr, wr.SGE.Length, AccessRemoteWrite)
	if mr == nil {
		qp.complete(wr, WCRemoteAccessErr, 0)
		return nil
	}
	copy(memSlice(uintptr(wr.RemoteAddr), int(wr.SGE.Length)),
		memSlice(wr.SGE.Addr, int(wr.SGE.Length)))
	qp.complete(wr, WCSuccess, wr.SGE.Length)
	return nil
}

// complete finishes a send-queue work request. Successful unsignaled
// requests free their slot immediately; everything else holds the slot
// until its completion is polled.
func (qp *loopQP) complete(wr *SendWR, status WCStatus, n uint32) {
	if status == WCSuccess && wr.Flags&SendSignaled == 0 {
		qp.releaseSendSlot()
		return
	}
	qp.cq.push(WC{ID: wr.ID, Status: status, Opcode: wr.Opcode, ByteLen: n}, qp)
}

func (qp *loopQP) PostRecv(wr *RecvWR) error {
	w := *wr
	select {
	case qp.recvQ <- &w:
		return nil
	default:
		return ErrQueueFull
	}
}

func (qp *loopQP) Close() error {
	qp.mu.Lock()
	qp.peer = nil
	qp.mu.Unlock()
	return nil
}

// memSlice views [addr, addr+n) as a byte slice. Valid only for memory the
// caller registered, which in-process is always a live Go allocation.
func memSlice(addr uintptr, n int) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(addr)), n)
}

// BufAddr returns the base address of a non-empty slice, for registering
// Go-allocated memory with a provider.
func BufAddr(b []byte) uintptr {
	return uintptr(unsafe.Pointer(unsafe.SliceData(b)))
}
