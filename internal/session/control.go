package session

import (
	"github.com/glelouet/rdmamig/internal/constants"
	"github.com/glelouet/rdmamig/internal/verbs"
	"github.com/glelouet/rdmamig/internal/wire"
)

// regControlBuffers allocates and registers every control slot: two
// receive slots plus the send slot.
func (s *Session) regControlBuffers() error {
	for idx := range s.wrData {
		buf := make([]byte, constants.ControlMaxBuffer)
		mr, err := s.pd.RegisterMR(verbs.BufAddr(buf), len(buf),
			verbs.AccessLocalWrite|verbs.AccessRemoteWrite|verbs.AccessRemoteRead)
		if err != nil {
			return errOf(KindTransport, "registering control buffer %d: %w", idx, err)
		}
		s.wrData[idx].buf = buf
		s.wrData[idx].mr = mr
	}
	return nil
}

// postSendControl delivers head plus payload on the send slot and waits
// for the SEND completion. Control sends are always signaled.
func (s *Session) postSendControl(head *wire.ControlHeader, payload []byte) error {
	if head.Version < wire.VersionMin || head.Version > wire.VersionMax {
		return errOf(KindProtocol, "refusing to send control version %d (supported %d..%d)",
			head.Version, wire.VersionMin, wire.VersionMax)
	}
	if int(head.Len) != len(payload) {
		return errOf(KindProtocol, "control header len %d != payload %d", head.Len, len(payload))
	}
	if wire.ControlHeaderSize+len(payload) > constants.ControlMaxBuffer {
		return errOf(KindProtocol, "control payload %d exceeds buffer", len(payload))
	}

	s.debugf("control: sending %s (%d bytes)", wire.ControlDesc(head.Type), head.Len)

	slot := &s.wrData[sendSlot]
	if err := wire.MarshalControlHeader(head, slot.buf); err != nil {
		return wrapKind(KindProtocol, err)
	}
	copy(slot.buf[wire.ControlHeaderSize:], payload)

	wr := verbs.SendWR{
		ID:     workID{kind: wrCtrlSend}.encode(),
		Opcode: verbs.OpSend,
		Flags:  verbs.SendSignaled,
		SGE: verbs.SGE{
			Addr:   verbs.BufAddr(slot.buf),
			Length: uint32(wire.ControlHeaderSize + len(payload)),
			LKey:   slot.mr.LKey(),
		},
	}
	if err := s.qp.PostSend(&wr); err != nil {
		return errOf(KindTransport, "posting control send: %w", err)
	}
	if err := s.waitForWRID(workID{kind: wrCtrlSend}); err != nil {
		return err
	}
	if s.cfg.Observer != nil {
		s.cfg.Observer.ObserveControlSend(head.Type, uint64(head.Len))
	}
	return nil
}

// postRecvControl arms receive slot idx for a future control message.
func (s *Session) postRecvControl(idx int) error {
	slot := &s.wrData[idx]
	wr := verbs.RecvWR{
		ID: workID{kind: wrCtrlRecv, slot: idx}.encode(),
		SGE: verbs.SGE{
			Addr:   verbs.BufAddr(slot.buf),
			Length: uint32(len(slot.buf)),
			LKey:   slot.mr.LKey(),
		},
	}
	if err := s.qp.PostRecv(&wr); err != nil {
		return errOf(KindTransport, "posting control recv %d: %w", idx, err)
	}
	return nil
}

// getResponse blocks until the control message on slot idx arrives and
// validates its header. expecting ControlNone accepts any type.
func (s *Session) getResponse(head *wire.ControlHeader, expecting uint32, idx int) error {
	if err := s.waitForWRID(workID{kind: wrCtrlRecv, slot: idx}); err != nil {
		return err
	}
	if err := wire.UnmarshalControlHeader(s.wrData[idx].buf, head); err != nil {
		return wrapKind(KindProtocol, err)
	}
	s.debugf("control: %s received (%d bytes)", wire.ControlDesc(head.Type), head.Len)
	if expecting != wire.ControlNone && head.Type != expecting {
		return errOf(KindProtocol, "expected %s control message, got %s (len %d)",
			wire.ControlDesc(expecting), wire.ControlDesc(head.Type), head.Len)
	}
	if s.cfg.Observer != nil {
		s.cfg.Observer.ObserveControlRecv(head.Type, uint64(head.Len))
	}
	return nil
}

// moveHeader points the slot's consumption cursor at the data portion of
// the message that just landed in it.
func (s *Session) moveHeader(idx int, head *wire.ControlHeader) {
	s.wrData[idx].len = int(head.Len)
	s.wrData[idx].cur = wire.ControlHeaderSize
}

// payload returns the unconsumed bytes of slot idx.
func (s *Session) payload(idx int) []byte {
	slot := &s.wrData[idx]
	return slot.buf[slot.cur : slot.cur+slot.len]
}

// fill hands out up to len(buf) buffered byte-stream bytes from slot idx.
func (s *Session) fill(buf []byte, idx int) int {
	slot := &s.wrData[idx]
	if slot.len == 0 {
		return 0
	}
	n := copy(buf, slot.buf[slot.cur:slot.cur+slot.len])
	slot.cur += n
	slot.len -= n
	return n
}

// exchangeSend delivers one control message under the READY credit
// protocol. When resp is non-nil a look-ahead RECV is posted first and the
// peer's piggy-backed reply of type resp.Type is awaited; its payload is
// returned.
//
// Credits: the peer grants one credit per READY, observed either here or
// by the pump mid-drain; each SEND spends one. The source never has more
// than one SEND and one response RECV outstanding.
func (s *Session) exchangeSend(head *wire.ControlHeader, payload []byte, resp *wire.ControlHeader) ([]byte, error) {
	// Wait until the peer is ready for us.
	if s.controlReadyExpected {
		var ready wire.ControlHeader
		if err := s.getResponse(&ready, wire.ControlReady, 0); err != nil {
			return nil, err
		}
	}
	if s.sendCredits > 0 {
		s.sendCredits--
	}

	if resp != nil {
		if err := s.postRecvControl(1); err != nil {
			return nil, err
		}
	}

	// Replace the RECV consumed by the READY message.
	if err := s.postRecvControl(0); err != nil {
		return nil, err
	}

	if err := s.postSendControl(head, payload); err != nil {
		return nil, err
	}

	var out []byte
	if resp != nil {
		s.debugf("waiting for %s response", wire.ControlDesc(resp.Type))
		if err := s.getResponse(resp, resp.Type, 1); err != nil {
			return nil, err
		}
		s.moveHeader(1, resp)
		out = s.payload(1)
	}

	s.controlReadyExpected = true
	return out, nil
}

// exchangeRecv grants the peer one credit and blocks for its message. The
// received header is left in head; the payload stays in slot 0, reachable
// through payload(0)/fill until the next exchange.
func (s *Session) exchangeRecv(head *wire.ControlHeader, expecting uint32) error {
	ready := wire.ControlHeader{
		Type:    wire.ControlReady,
		Version: wire.VersionCurrent,
		Repeat:  1,
	}
	if err := s.postSendControl(&ready, nil); err != nil {
		return err
	}

	if err := s.getResponse(head, expecting, 0); err != nil {
		return err
	}
	s.moveHeader(0, head)

	// Replace the RECV just consumed.
	return s.postRecvControl(0)
}
