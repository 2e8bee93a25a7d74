// Package verbs provides the interfaces for the RDMA CM and verbs
// operations needed by the migration transport.
//
// The session code is written against these interfaces; concrete providers
// supply the behavior. The in-process loopback provider in this package is
// the test and demo substrate. A hardware provider plugs in behind the same
// surface.
package verbs

import (
	"context"
	"time"

	"golang.org/x/sys/unix"
)

// ErrQueueFull is returned by PostSend when the send queue has no free
// work-request slot. Callers recover by draining a completion and retrying.
// It carries the errno a hardware provider reports for the same condition.
var ErrQueueFull error = unix.ENOMEM

// Access flags for memory registration.
type Access uint32

const (
	AccessLocalWrite Access = 1 << iota
	AccessRemoteWrite
	AccessRemoteRead
)

// Opcode identifies the kind of send work request.
type Opcode uint8

const (
	OpRDMAWrite Opcode = iota
	OpSend
	OpRecv // reported in completions only
)

// SendFlags modify a send work request.
type SendFlags uint32

const (
	// SendSignaled requests a completion entry for this work request.
	SendSignaled SendFlags = 1 << 0
)

// WCStatus is the completion status of a work request.
type WCStatus uint8

const (
	WCSuccess WCStatus = iota
	WCLocalProtectionErr
	WCRemoteAccessErr
	WCFlushErr
	WCGeneralErr
)

func (s WCStatus) String() string {
	switch s {
	case WCSuccess:
		return "success"
	case WCLocalProtectionErr:
		return "local protection error"
	case WCRemoteAccessErr:
		return "remote access error"
	case WCFlushErr:
		return "work request flushed"
	default:
		return "general error"
	}
}

// SGE is a scatter/gather element describing one local buffer.
type SGE struct {
	Addr   uintptr
	Length uint32
	LKey   uint32
}

// SendWR is a submission to the send queue.
type SendWR struct {
	ID     uint64
	Opcode Opcode
	Flags  SendFlags
	SGE    SGE

	// RDMA WRITE only
	RemoteAddr uint64
	RKey       uint32
}

// RecvWR is a submission to the receive queue.
type RecvWR struct {
	ID  uint64
	SGE SGE
}

// WC is a work completion.
type WC struct {
	ID      uint64
	Status  WCStatus
	Opcode  Opcode
	ByteLen uint32
}

// EventType enumerates connection-manager events.
type EventType int

const (
	EventAddrResolved EventType = iota
	EventRouteResolved
	EventConnectRequest
	EventEstablished
	EventDisconnected
	EventRejected
	EventError
)

func (e EventType) String() string {
	switch e {
	case EventAddrResolved:
		return "ADDR_RESOLVED"
	case EventRouteResolved:
		return "ROUTE_RESOLVED"
	case EventConnectRequest:
		return "CONNECT_REQUEST"
	case EventEstablished:
		return "ESTABLISHED"
	case EventDisconnected:
		return "DISCONNECTED"
	case EventRejected:
		return "REJECTED"
	default:
		return "ERROR"
	}
}

// Event is a connection-manager event. ConnectRequest events carry the ID
// of the incoming connection and the initiator's private data; Established
// events on the initiating side carry the acceptor's private data.
type Event struct {
	Type    EventType
	ID      ID
	Private []byte
}

// ConnParam mirrors the CM connection parameters.
type ConnParam struct {
	InitiatorDepth     int
	ResponderResources int
	RetryCount         int
}

// QPCap sizes a queue pair.
type QPCap struct {
	MaxSendWR  int
	MaxRecvWR  int
	MaxSendSGE int
	MaxRecvSGE int
}

// Transport is the entry point of a provider.
type Transport interface {
	// Name identifies the provider in logs.
	Name() string

	// NewEventChannel creates a connection-manager event channel.
	NewEventChannel() (EventChannel, error)
}

// EventChannel delivers connection-manager events.
type EventChannel interface {
	// CreateID creates a connection identifier bound to this channel.
	CreateID() (ID, error)

	// Get blocks until the next event arrives or the context is done.
	Get(ctx context.Context) (*Event, error)

	// Ack releases an event returned by Get.
	Ack(*Event)

	// FD returns a file descriptor that becomes readable when an event is
	// pending, for integration with an external poll loop. -1 when the
	// provider has no pollable handle.
	FD() int

	Close() error
}

// ID is a connection identifier.
type ID interface {
	// ResolveAddr maps a host:port to a device; route resolution is a
	// separate ResolveRoute call. Completion is reported as an AddrResolved
	// event.
	ResolveAddr(addr string, timeout time.Duration) error

	// ResolveRoute resolves the path to the peer; completion is reported
	// as a RouteResolved event.
	ResolveRoute(timeout time.Duration) error

	// BindListen binds to a local address and starts listening. Incoming
	// connections surface as ConnectRequest events on the channel.
	BindListen(addr string, backlog int) error

	// Connect initiates the connection, carrying private data to the peer.
	Connect(private []byte, param ConnParam) error

	// Accept completes an incoming connection, echoing private data back.
	Accept(private []byte, param ConnParam) error

	Disconnect() error

	// Device returns the verbs context once known: after address
	// resolution on the initiating side, after the first ConnectRequest on
	// the listening side. Returns nil before that.
	Device() Device

	// CreateQP creates the reliable-connected queue pair for this ID.
	CreateQP(pd PD, cq CQ, cap QPCap) (QP, error)

	Close() error
}

// Device is a verbs context.
type Device interface {
	Name() string
	AllocPD() (PD, error)
	CreateCompChannel() (CompChannel, error)

	// CreateCQ creates a completion queue of the given depth. The channel
	// may be nil for pure polling.
	CreateCQ(size int, ch CompChannel) (CQ, error)
}

// PD is a protection domain.
type PD interface {
	// RegisterMR pins and registers [addr, addr+length) with the given
	// access rights.
	RegisterMR(addr uintptr, length int, access Access) (MR, error)
	Close() error
}

// MR is a registered memory region.
type MR interface {
	LKey() uint32
	RKey() uint32
	Close() error
}

// CompChannel blocks for completion-queue events.
type CompChannel interface {
	// Wait blocks until a CQ with notification armed has a completion, or
	// the context is done. The caller re-arms and ack's per CQ event.
	Wait(ctx context.Context) (CQ, error)
	Close() error
}

// CQ is a completion queue.
type CQ interface {
	// Poll removes and returns one completion; ok is false when empty.
	Poll() (wc WC, ok bool)

	// RequestNotify arms the completion channel for the next completion.
	RequestNotify() error

	// AckEvents acknowledges n channel events delivered by Wait.
	AckEvents(n int)

	Close() error
}

// QP is a queue pair.
type QP interface {
	// PostSend submits a send-queue work request. Returns ErrQueueFull
	// when no slot is free.
	PostSend(wr *SendWR) error
	PostRecv(wr *RecvWR) error
	Close() error
}
