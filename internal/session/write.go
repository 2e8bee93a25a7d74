package session

import (
	"errors"

	"github.com/glelouet/rdmamig/internal/verbs"
	"github.com/glelouet/rdmamig/internal/wire"
)

// The write engine. save_page calls coalesce into chunk-bounded ranges;
// flush turns the pending range into one RDMA WRITE, registering source
// and destination memory on the way when chunk mode is in effect.

// inCurrentBlock reports whether [offset, offset+length) stays inside the
// block the pending range belongs to.
func (s *Session) inCurrentBlock(offset, length uint64) bool {
	if s.currentBlock < 0 {
		return false
	}
	block := s.dir.Blocks[s.currentBlock]
	if offset < block.GuestOffset {
		return false
	}
	return offset+length <= block.GuestOffset+block.Length
}

// inCurrentChunk reports whether the range stays inside the pending
// range's chunk. Chunk mode only; a WRITE must never span a registration
// boundary.
func (s *Session) inCurrentChunk(offset, length uint64) bool {
	if s.currentChunk < 0 {
		return false
	}
	block := s.dir.Blocks[s.currentBlock]
	hostAddr := block.LocalAddr + uintptr(offset-block.GuestOffset)
	return s.dir.ContainsChunk(block, s.currentChunk, hostAddr, length)
}

// mergeable applies the coalescing rule: the page must extend the pending
// range exactly and stay within its block (and chunk, in chunk mode).
func (s *Session) mergeable(offset, length uint64) bool {
	if s.currentLength == 0 {
		return false
	}
	if offset != s.currentOffset+s.currentLength {
		return false
	}
	if !s.inCurrentBlock(offset, length) {
		return false
	}
	if s.chunkMode && !s.inCurrentChunk(offset, length) {
		return false
	}
	return true
}

// writeOne posts a single RDMA WRITE for [offset, offset+length) of the
// given block. In chunk mode a missing destination rkey triggers the
// registration round-trip first.
func (s *Session) writeOne(blockIndex int, offset, length uint64, flags verbs.SendFlags) error {
	block := s.dir.Blocks[blockIndex]
	localAddr := block.LocalAddr + uintptr(offset-block.GuestOffset)

	lkey, _, err := s.registerAndGetKeys(block, localAddr, true, false)
	if err != nil {
		return err
	}

	wr := verbs.SendWR{
		ID:     workID{kind: wrWrite}.encode(),
		Opcode: verbs.OpRDMAWrite,
		Flags:  flags,
		SGE: verbs.SGE{
			Addr:   localAddr,
			Length: uint32(length),
			LKey:   lkey,
		},
		RemoteAddr: block.RemoteAddr + (offset - block.GuestOffset),
	}

	if s.chunkMode {
		chunk := s.dir.ChunkIndex(block, localAddr)
		if block.RemoteKeys[chunk] == 0 {
			rkey, err := s.requestRemoteKey(blockIndex, offset, uint32(length))
			if err != nil {
				return err
			}
			s.debugf("cached rkey %#x for block %d chunk %d", rkey, blockIndex, chunk)
			block.RemoteKeys[chunk] = rkey
		}
		wr.RKey = block.RemoteKeys[chunk]
	} else {
		wr.RKey = block.RemoteRKey
	}

	if err := s.qp.PostSend(&wr); err != nil {
		return err
	}
	if s.cfg.Observer != nil {
		s.cfg.Observer.ObserveWrite(length, flags&verbs.SendSignaled != 0)
	}
	return nil
}

// requestRemoteKey asks the destination to register the chunk covering
// [offset, offset+length) and returns the granted rkey.
func (s *Session) requestRemoteKey(blockIndex int, offset uint64, length uint32) (uint32, error) {
	reg := wire.RegisterRequest{
		Len:        length,
		BlockIndex: uint32(blockIndex),
		Offset:     offset,
	}
	payload := wire.MarshalRegisterRequests([]wire.RegisterRequest{reg})

	head := wire.ControlHeader{
		Len:     uint32(len(payload)),
		Type:    wire.ControlRegisterRequest,
		Version: wire.VersionCurrent,
		Repeat:  1,
	}
	resp := wire.ControlHeader{Type: wire.ControlRegisterResult}

	s.debugf("requesting registration of %d bytes, block %d, offset %#x",
		length, blockIndex, offset)
	out, err := s.exchangeSend(&head, payload, &resp)
	if err != nil {
		return 0, err
	}

	results, err := wire.UnmarshalRegisterResults(out, 1)
	if err != nil {
		return 0, wrapKind(KindProtocol, err)
	}
	return results[0].RKey, nil
}

// writeFlush pushes out the pending coalesced range, choosing signaled or
// unsignaled completion by the batching counter. A full send queue blocks
// on one WRITE completion and retries.
func (s *Session) writeFlush() error {
	if s.currentLength == 0 {
		return nil
	}

	var flags verbs.SendFlags
	if s.unsignaledPending >= s.cfg.UnsignaledMax {
		flags = verbs.SendSignaled
	}

	for {
		err := s.writeOne(s.currentBlock, s.currentOffset, s.currentLength, flags)
		if err == nil {
			break
		}
		if errors.Is(err, verbs.ErrQueueFull) {
			s.debugf("send queue full, waiting for a write completion")
			if wErr := s.waitForWRID(workID{kind: wrWrite}); wErr != nil {
				return wrapKind(KindCapacity, wErr)
			}
			continue
		}
		return wrapKind(KindFatal, err)
	}

	if s.unsignaledPending >= s.cfg.UnsignaledMax {
		s.unsignaledPending = 0
		s.signaledInflight++
		s.debugf("signaled writes in flight: %d", s.signaledInflight)
	} else {
		s.unsignaledPending++
	}

	if s.cfg.Observer != nil {
		s.cfg.Observer.ObserveFlush(s.currentLength)
	}
	s.currentLength = 0
	s.currentOffset = 0
	return nil
}

// write adds [offset, offset+length) of guest space to the pending range,
// flushing first when the page cannot merge and again when the range hits
// the coalescing cap.
func (s *Session) write(offset, length uint64) error {
	if !s.mergeable(offset, length) {
		if err := s.writeFlush(); err != nil {
			return err
		}
		s.currentLength = 0
		s.currentOffset = offset

		blockIndex, chunkIndex, err := s.dir.Search(offset, length)
		if err != nil {
			return wrapKind(KindFatal, err)
		}
		s.currentBlock = blockIndex
		s.currentChunk = chunkIndex
	}

	s.currentLength += length

	if s.currentLength >= s.cfg.MergeMax {
		return s.writeFlush()
	}
	return nil
}

// SavePage queues one guest page for transmission. Zero pages in chunk
// mode are skipped entirely so the destination never pins them. Returns
// the number of bytes accepted.
func (s *Session) SavePage(blockOffset, offset uint64, data []byte) (int, error) {
	if s.chunkMode && s.cfg.ZeroProbe != nil && s.cfg.ZeroProbe(data) {
		if s.cfg.Observer != nil {
			s.cfg.Observer.ObserveZeroPage(uint64(len(data)))
		}
		return len(data), nil
	}

	if err := s.write(blockOffset+offset, uint64(len(data))); err != nil {
		return 0, err
	}

	// Opportunistic CQ drain; the iteration boundary drains for real.
	if err := s.drainPoll(); err != nil {
		return 0, err
	}
	return len(data), nil
}

// Drain flushes the pending range and waits until every signaled WRITE
// has completed. Invoked at iteration boundaries and before teardown.
func (s *Session) Drain() error {
	s.state = StateDraining
	if err := s.writeFlush(); err != nil {
		return err
	}
	for s.signaledInflight > 0 {
		if err := s.waitForWRID(workID{kind: wrWrite}); err != nil {
			return err
		}
	}
	s.state = StateStreaming
	return nil
}
