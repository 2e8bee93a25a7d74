// Package ram holds the local and remote views of the guest's RAM blocks
// and the chunk geometry used for dynamic registration.
package ram

import (
	"fmt"

	"github.com/glelouet/rdmamig/internal/verbs"
	"github.com/glelouet/rdmamig/internal/wire"
)

// Block is one guest-visible block of host memory from the transport's
// perspective. The registration fields are populated lazily by the session.
type Block struct {
	LocalAddr   uintptr // local virtual address, page aligned
	RemoteAddr  uint64  // peer virtual address, learned at connect
	GuestOffset uint64  // identifier stable across peers
	Length      uint64

	MR       verbs.MR   // whole-block registration
	ChunkMRs []verbs.MR // per-chunk registrations

	// Source side only, chunk mode: peer rkeys indexed by chunk. A zero
	// entry means not yet obtained.
	RemoteKeys []uint32

	// Whole-block mode: peer rkey for the entire block.
	RemoteRKey uint32
}

// BlockFunc receives one RAM block during directory construction.
type BlockFunc func(hostAddr uintptr, guestOffset, length uint64)

// Iterator walks the hypervisor's block list in a stable order.
type Iterator func(fn BlockFunc)

// Directory is the per-session view of all RAM blocks. It is immutable
// after connect; only the registration fields of its blocks change.
type Directory struct {
	Blocks []*Block
	shift  uint
}

// NewDirectory builds the directory by iterating the hypervisor's blocks.
func NewDirectory(shift uint, iter Iterator) *Directory {
	d := &Directory{shift: shift}
	iter(func(hostAddr uintptr, guestOffset, length uint64) {
		d.Blocks = append(d.Blocks, &Block{
			LocalAddr:   hostAddr,
			GuestOffset: guestOffset,
			Length:      length,
		})
	})
	return d
}

// ChunkShift returns the registration granularity exponent.
func (d *Directory) ChunkShift() uint { return d.shift }

// ChunkSize returns the chunk stride in bytes.
func (d *Directory) ChunkSize() uint64 { return 1 << d.shift }

// Search finds the block containing [offset, offset+length) in guest space
// and the chunk the range starts in. The search failing means the caller
// handed us a page outside every known block, which is fatal upstream.
func (d *Directory) Search(offset, length uint64) (blockIndex, chunkIndex int, err error) {
	for i, b := range d.Blocks {
		if offset < b.GuestOffset {
			continue
		}
		if offset+length > b.GuestOffset+b.Length {
			continue
		}
		hostAddr := b.LocalAddr + uintptr(offset-b.GuestOffset)
		return i, d.ChunkIndex(b, hostAddr), nil
	}
	return -1, -1, fmt.Errorf("no ram block covers offset %#x length %d", offset, length)
}

// ChunkIndex computes which chunk of b the host address falls into.
func (d *Directory) ChunkIndex(b *Block, hostAddr uintptr) int {
	return int((uint64(hostAddr) >> d.shift) - (uint64(b.LocalAddr) >> d.shift))
}

// NumChunks returns how many chunks tile b.
func (d *Directory) NumChunks(b *Block) int {
	end := b.LocalAddr + uintptr(b.Length) - 1
	return d.ChunkIndex(b, end) + 1
}

// ChunkRange returns the byte range of chunk i, clipped to the block.
func (d *Directory) ChunkRange(b *Block, i int) (start uintptr, length int) {
	base := uintptr(uint64(b.LocalAddr) >> d.shift << d.shift)
	start = base + uintptr(i)<<d.shift
	end := start + uintptr(d.ChunkSize())
	if start < b.LocalAddr {
		start = b.LocalAddr
	}
	if limit := b.LocalAddr + uintptr(b.Length); end > limit {
		end = limit
	}
	return start, int(end - start)
}

// ContainsChunk reports whether [hostAddr, hostAddr+length) lies entirely
// within chunk index chunk of b.
func (d *Directory) ContainsChunk(b *Block, chunk int, hostAddr uintptr, length uint64) bool {
	start, clen := d.ChunkRange(b, chunk)
	return hostAddr >= start && uint64(hostAddr)+length <= uint64(start)+uint64(clen)
}

// ToRemote produces the wire form of the directory for the RAM_BLOCKS
// message. Whole-block rkeys are included only when includeRKeys is set;
// in chunk mode the peer re-asks for keys at runtime.
func (d *Directory) ToRemote(includeRKeys bool) []wire.RemoteBlock {
	out := make([]wire.RemoteBlock, len(d.Blocks))
	for i, b := range d.Blocks {
		out[i] = wire.RemoteBlock{
			RemoteAddr:  uint64(b.LocalAddr),
			GuestOffset: b.GuestOffset,
			Length:      b.Length,
		}
		if includeRKeys && b.MR != nil {
			out[i].RKey = b.MR.RKey()
		}
	}
	return out
}

// ApplyRemote reconciles the peer's block table with the local directory.
// Blocks are matched by guest offset; the iteration orders may differ but
// the sets must agree exactly, and lengths must match.
func (d *Directory) ApplyRemote(remote []wire.RemoteBlock) error {
	if len(remote) != len(d.Blocks) {
		return fmt.Errorf("local %d blocks != remote %d", len(d.Blocks), len(remote))
	}
	for i := range remote {
		r := &remote[i]
		found := false
		for _, b := range d.Blocks {
			if r.GuestOffset != b.GuestOffset {
				continue
			}
			if r.Length != b.Length {
				return fmt.Errorf("block %#x: local length %d != remote %d",
					b.GuestOffset, b.Length, r.Length)
			}
			b.RemoteAddr = r.RemoteAddr
			b.RemoteRKey = r.RKey
			found = true
			break
		}
		if !found {
			return fmt.Errorf("remote block %#x has no local counterpart", r.GuestOffset)
		}
	}
	return nil
}

// AllocRemoteKeys sizes the per-chunk rkey cache of every block. Source
// side, chunk mode only.
func (d *Directory) AllocRemoteKeys() {
	for _, b := range d.Blocks {
		b.RemoteKeys = make([]uint32, d.NumChunks(b))
	}
}
