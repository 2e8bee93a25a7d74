package session

import (
	"github.com/glelouet/rdmamig/internal/ram"
	"github.com/glelouet/rdmamig/internal/verbs"
)

// registerAndGetKeys ensures the chunk containing hostAddr is registered
// and returns the keys the caller asked for. Idempotent: an existing
// whole-block or chunk registration is reused.
//
// wantRKey set means the destination is registering on behalf of the peer,
// so remote access is granted; wantLKey alone is the source registering
// for its own RDMA WRITE source buffers.
func (s *Session) registerAndGetKeys(block *ram.Block, hostAddr uintptr, wantLKey, wantRKey bool) (lkey, rkey uint32, err error) {
	if block.MR != nil {
		return block.MR.LKey(), block.MR.RKey(), nil
	}

	if block.ChunkMRs == nil {
		block.ChunkMRs = make([]verbs.MR, s.dir.NumChunks(block))
	}

	chunk := s.dir.ChunkIndex(block, hostAddr)
	if chunk < 0 || chunk >= len(block.ChunkMRs) {
		return 0, 0, errOf(KindFatal, "address %#x outside block %#x", hostAddr, block.GuestOffset)
	}

	if block.ChunkMRs[chunk] == nil {
		start, length := s.dir.ChunkRange(block, chunk)
		access := verbs.AccessLocalWrite
		if wantRKey {
			access |= verbs.AccessRemoteWrite | verbs.AccessRemoteRead
		}
		mr, err := s.pd.RegisterMR(start, length, access)
		if err != nil {
			return 0, 0, errOf(KindTransport, "registering chunk %d of block %#x: %w",
				chunk, block.GuestOffset, err)
		}
		block.ChunkMRs[chunk] = mr
		if s.cfg.Observer != nil {
			s.cfg.Observer.ObserveRegistration(1)
		}
	}

	mr := block.ChunkMRs[chunk]
	if wantLKey {
		lkey = mr.LKey()
	}
	if wantRKey {
		rkey = mr.RKey()
	}
	return lkey, rkey, nil
}

// regWholeBlocks registers one MR per block, the non-chunk mode used when
// dynamic registration was not negotiated.
func (s *Session) regWholeBlocks(access verbs.Access) error {
	for i, block := range s.dir.Blocks {
		mr, err := s.pd.RegisterMR(block.LocalAddr, int(block.Length), access)
		if err != nil {
			// Unwind the registrations this pass created.
			for j := 0; j < i; j++ {
				if s.dir.Blocks[j].MR != nil {
					_ = s.dir.Blocks[j].MR.Close()
					s.dir.Blocks[j].MR = nil
				}
			}
			return errOf(KindTransport, "registering ram block %#x: %w", block.GuestOffset, err)
		}
		block.MR = mr
	}
	if s.cfg.Observer != nil {
		s.cfg.Observer.ObserveRegistration(len(s.dir.Blocks))
	}
	return nil
}

// regAllChunks eagerly registers every chunk of every block for local
// access. Optional source-side behavior; the default is lazy first-use
// registration.
func (s *Session) regAllChunks() error {
	for _, block := range s.dir.Blocks {
		n := s.dir.NumChunks(block)
		if block.ChunkMRs == nil {
			block.ChunkMRs = make([]verbs.MR, n)
		}
		for c := 0; c < n; c++ {
			start, _ := s.dir.ChunkRange(block, c)
			if _, _, err := s.registerAndGetKeys(block, start, true, false); err != nil {
				return err
			}
		}
	}
	return nil
}
