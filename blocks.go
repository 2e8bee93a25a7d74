package rdmamig

import (
	"unsafe"

	"github.com/glelouet/rdmamig/internal/ram"
	"github.com/glelouet/rdmamig/internal/wire"
)

// RAMBlock describes one guest RAM block backed by a Go slice, for demos
// and tests that have no real hypervisor behind them.
type RAMBlock struct {
	// Data is the block's host memory. It must stay reachable for the
	// lifetime of the session.
	Data []byte

	// GuestOffset identifies the block; both peers must agree on it.
	GuestOffset uint64
}

// StaticBlocks builds a BlockIterator over fixed in-process buffers.
func StaticBlocks(blocks ...RAMBlock) BlockIterator {
	return func(fn ram.BlockFunc) {
		for _, b := range blocks {
			if len(b.Data) == 0 {
				continue
			}
			fn(uintptr(unsafe.Pointer(&b.Data[0])), b.GuestOffset, uint64(len(b.Data)))
		}
	}
}

// SequentialBlocks lays the given buffers out back to back in guest
// space, first block at offset zero.
func SequentialBlocks(bufs ...[]byte) BlockIterator {
	blocks := make([]RAMBlock, 0, len(bufs))
	var off uint64
	for _, b := range bufs {
		blocks = append(blocks, RAMBlock{Data: b, GuestOffset: off})
		off += uint64(len(b))
	}
	return StaticBlocks(blocks...)
}

// IsZero reports whether every byte of buf is zero, a plain zero probe
// for callers without an optimized one.
func IsZero(buf []byte) bool {
	for len(buf) >= 8 {
		if *(*uint64)(unsafe.Pointer(&buf[0])) != 0 {
			return false
		}
		buf = buf[8:]
	}
	for _, b := range buf {
		if b != 0 {
			return false
		}
	}
	return true
}

// HookMarker is the value RegistrationStart stamps into the byte-stream,
// big-endian, so the destination driver knows to enter its registration
// loop.
const HookMarker = wire.HookMarker
