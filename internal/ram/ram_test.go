package ram

import (
	"testing"
	"unsafe"

	"github.com/glelouet/rdmamig/internal/wire"
)

// sliceBlocks builds an iterator over in-process buffers.
func sliceBlocks(bufs ...[]byte) (Iterator, [][]byte) {
	return func(fn BlockFunc) {
		var off uint64
		for _, b := range bufs {
			fn(addrOf(b), off, uint64(len(b)))
			off += uint64(len(b))
		}
	}, bufs
}

func addrOf(b []byte) uintptr {
	if len(b) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&b[0]))
}

func TestSearch(t *testing.T) {
	iter, _ := sliceBlocks(make([]byte, 1<<21), make([]byte, 4096))
	d := NewDirectory(20, iter)

	tests := []struct {
		name      string
		offset    uint64
		length    uint64
		wantBlock int
		wantErr   bool
	}{
		{"first block start", 0, 4096, 0, false},
		{"first block end", 1<<21 - 4096, 4096, 0, false},
		{"exact block end", 0, 1 << 21, 0, false},
		{"second block", 1 << 21, 4096, 1, false},
		{"one byte past", 1<<21 + 1, 4096, -1, true},
		{"straddles blocks", 1<<21 - 2048, 4096, -1, true},
		{"beyond all", 1 << 30, 1, -1, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			block, _, err := d.Search(tt.offset, tt.length)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if err == nil && block != tt.wantBlock {
				t.Errorf("block = %d, want %d", block, tt.wantBlock)
			}
		})
	}
}

func TestChunkGeometry(t *testing.T) {
	// 3 MiB + 1 byte at shift 20 tiles into 4 chunks with the last one
	// clipped to a single byte area plus alignment slack.
	buf := make([]byte, 3<<20+1)
	iter, _ := sliceBlocks(buf)
	d := NewDirectory(20, iter)
	b := d.Blocks[0]

	// An unaligned base can add one chunk; check against the geometry
	// formula rather than a hard-coded count.
	first := d.ChunkIndex(b, b.LocalAddr)
	last := d.ChunkIndex(b, b.LocalAddr+uintptr(b.Length)-1)
	if first != 0 {
		t.Fatalf("first chunk = %d, want 0", first)
	}
	n := d.NumChunks(b)
	if n != last+1 {
		t.Errorf("NumChunks = %d, want %d", n, last+1)
	}
	if n < 4 || n > 5 {
		t.Errorf("NumChunks = %d, want 4 or 5 for 3MiB+1", n)
	}

	// Every chunk range must stay inside the block and tile it fully.
	var covered int
	for i := 0; i < n; i++ {
		start, length := d.ChunkRange(b, i)
		if start < b.LocalAddr {
			t.Errorf("chunk %d starts before block", i)
		}
		if uint64(start)+uint64(length) > uint64(b.LocalAddr)+b.Length {
			t.Errorf("chunk %d ends past block", i)
		}
		covered += length
	}
	if uint64(covered) != b.Length {
		t.Errorf("chunks cover %d bytes, block has %d", covered, b.Length)
	}
}

func TestContainsChunk(t *testing.T) {
	buf := make([]byte, 4<<20)
	iter, _ := sliceBlocks(buf)
	d := NewDirectory(20, iter)
	b := d.Blocks[0]

	// Chunk 0 may be clipped by base alignment; chunk 1 is always a full
	// stride in a 4 MiB block.
	const chunk = 1
	start, length := d.ChunkRange(b, chunk)

	if !d.ContainsChunk(b, chunk, start, 4096) {
		t.Error("page at chunk start should be contained")
	}
	if !d.ContainsChunk(b, chunk, start+uintptr(length)-4096, 4096) {
		t.Error("page at chunk end should be contained")
	}
	if d.ContainsChunk(b, chunk, start+uintptr(length)-2048, 4096) {
		t.Error("page straddling the chunk boundary must not be contained")
	}
}

func TestRemoteRoundTrip(t *testing.T) {
	iter, _ := sliceBlocks(make([]byte, 1<<20), make([]byte, 2<<20))
	src := NewDirectory(20, iter)

	dstIter, _ := sliceBlocks(make([]byte, 1<<20), make([]byte, 2<<20))
	dst := NewDirectory(20, dstIter)

	table := dst.ToRemote(false)
	if err := src.ApplyRemote(table); err != nil {
		t.Fatalf("apply: %v", err)
	}
	for i, b := range src.Blocks {
		if b.RemoteAddr != uint64(dst.Blocks[i].LocalAddr) {
			t.Errorf("block %d remote addr %#x, want %#x",
				i, b.RemoteAddr, dst.Blocks[i].LocalAddr)
		}
	}
}

func TestApplyRemoteReordered(t *testing.T) {
	iter, _ := sliceBlocks(make([]byte, 1<<20), make([]byte, 2<<20))
	d := NewDirectory(20, iter)

	table := []wire.RemoteBlock{
		{RemoteAddr: 0x2000, GuestOffset: 1 << 20, Length: 2 << 20},
		{RemoteAddr: 0x1000, GuestOffset: 0, Length: 1 << 20},
	}
	if err := d.ApplyRemote(table); err != nil {
		t.Fatalf("apply reordered: %v", err)
	}
	if d.Blocks[0].RemoteAddr != 0x1000 || d.Blocks[1].RemoteAddr != 0x2000 {
		t.Errorf("remote addrs misrouted: %#x %#x",
			d.Blocks[0].RemoteAddr, d.Blocks[1].RemoteAddr)
	}
}

func TestApplyRemoteMismatches(t *testing.T) {
	iter, _ := sliceBlocks(make([]byte, 1<<20))
	d := NewDirectory(20, iter)

	if err := d.ApplyRemote(nil); err == nil {
		t.Error("count mismatch accepted")
	}
	if err := d.ApplyRemote([]wire.RemoteBlock{
		{GuestOffset: 0, Length: 4096},
	}); err == nil {
		t.Error("length mismatch accepted")
	}
	if err := d.ApplyRemote([]wire.RemoteBlock{
		{GuestOffset: 1 << 30, Length: 1 << 20},
	}); err == nil {
		t.Error("unknown block accepted")
	}
}

func TestAllocRemoteKeys(t *testing.T) {
	iter, _ := sliceBlocks(make([]byte, 3<<20+1))
	d := NewDirectory(20, iter)
	d.AllocRemoteKeys()
	b := d.Blocks[0]
	if len(b.RemoteKeys) != d.NumChunks(b) {
		t.Errorf("remote key cache %d entries, want %d",
			len(b.RemoteKeys), d.NumChunks(b))
	}
	for i, k := range b.RemoteKeys {
		if k != 0 {
			t.Errorf("entry %d not zero", i)
		}
	}
}
