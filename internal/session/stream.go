package session

import (
	"github.com/glelouet/rdmamig/internal/constants"
	"github.com/glelouet/rdmamig/internal/wire"
)

// The byte-stream carried over the control channel. RDMA links have no
// native byte-stream, so writes are framed into QEMU_FILE messages and
// reads are served opportunistically from the residue of the last frame.

// PutBuffer sends data over the control channel, flushing any coalesced
// RAM writes first so stream bytes and page content stay ordered.
func (s *Session) PutBuffer(data []byte) (int, error) {
	if err := s.writeFlush(); err != nil {
		return 0, err
	}

	total := len(data)
	for len(data) > 0 {
		n := len(data)
		if n > constants.SendIncrement {
			n = constants.SendIncrement
		}

		head := wire.ControlHeader{
			Len:     uint32(n),
			Type:    wire.ControlQemuFile,
			Version: wire.VersionCurrent,
			Repeat:  1,
		}
		if _, err := s.exchangeSend(&head, data[:n], nil); err != nil {
			return total - len(data), err
		}
		data = data[n:]
	}
	return total, nil
}

// GetBuffer reads stream bytes, blocking for the next QEMU_FILE frame only
// once the previous frame is fully dished out.
func (s *Session) GetBuffer(buf []byte) (int, error) {
	if n := s.fill(buf, 0); n > 0 {
		return n, nil
	}

	var head wire.ControlHeader
	if err := s.exchangeRecv(&head, wire.ControlQemuFile); err != nil {
		return 0, err
	}

	return s.fill(buf, 0), nil
}
