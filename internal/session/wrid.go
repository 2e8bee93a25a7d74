package session

import "fmt"

// wrKind classifies work requests. The tagged form is what the session
// reasons about; the flat integer encoding below exists only because the
// verbs boundary carries a single uint64.
type wrKind int

const (
	wrNone wrKind = iota
	wrWrite
	wrCtrlSend
	wrCtrlRecv
)

func (k wrKind) String() string {
	switch k {
	case wrNone:
		return "NONE"
	case wrWrite:
		return "WRITE RDMA"
	case wrCtrlSend:
		return "CONTROL SEND"
	case wrCtrlRecv:
		return "CONTROL RECV"
	default:
		return "UNKNOWN"
	}
}

// workID tags a work request with its class and, for control receives, the
// buffer slot it lands in.
type workID struct {
	kind wrKind
	slot int
}

// Integer encoding at the verbs boundary.
const (
	wridNone         uint64 = 0
	wridWrite        uint64 = 1
	wridCtrlSend     uint64 = 1000
	wridCtrlRecvBase uint64 = 2000
)

func (w workID) encode() uint64 {
	switch w.kind {
	case wrWrite:
		return wridWrite
	case wrCtrlSend:
		return wridCtrlSend
	case wrCtrlRecv:
		return wridCtrlRecvBase + uint64(w.slot)
	default:
		return wridNone
	}
}

func decodeWRID(v uint64) workID {
	switch {
	case v >= wridCtrlRecvBase:
		return workID{kind: wrCtrlRecv, slot: int(v - wridCtrlRecvBase)}
	case v == wridCtrlSend:
		return workID{kind: wrCtrlSend}
	case v == wridWrite:
		return workID{kind: wrWrite}
	default:
		return workID{kind: wrNone}
	}
}

func (w workID) String() string {
	if w.kind == wrCtrlRecv {
		return fmt.Sprintf("%s #%d", w.kind, w.slot)
	}
	return w.kind.String()
}
