package rdmamig

import (
	"testing"
)

func TestStaticBlocks(t *testing.T) {
	a := make([]byte, 4096)
	b := make([]byte, 8192)
	iter := StaticBlocks(
		RAMBlock{Data: a, GuestOffset: 0},
		RAMBlock{Data: b, GuestOffset: 1 << 20},
		RAMBlock{Data: nil, GuestOffset: 2 << 20}, // skipped
	)

	type got struct {
		offset, length uint64
	}
	var seen []got
	iter(func(hostAddr uintptr, offset, length uint64) {
		if hostAddr == 0 {
			t.Error("zero host address")
		}
		seen = append(seen, got{offset, length})
	})

	want := []got{{0, 4096}, {1 << 20, 8192}}
	if len(seen) != len(want) {
		t.Fatalf("saw %d blocks, want %d", len(seen), len(want))
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Errorf("block %d = %+v, want %+v", i, seen[i], want[i])
		}
	}
}

func TestSequentialBlocks(t *testing.T) {
	iter := SequentialBlocks(make([]byte, 100), make([]byte, 200))
	var offsets []uint64
	iter(func(_ uintptr, offset, _ uint64) {
		offsets = append(offsets, offset)
	})
	if len(offsets) != 2 || offsets[0] != 0 || offsets[1] != 100 {
		t.Errorf("offsets = %v, want [0 100]", offsets)
	}
}

func TestIsZero(t *testing.T) {
	tests := []struct {
		name string
		buf  func() []byte
		want bool
	}{
		{"empty", func() []byte { return nil }, true},
		{"all zero page", func() []byte { return make([]byte, 4096) }, true},
		{"short all zero", func() []byte { return make([]byte, 5) }, true},
		{"first byte set", func() []byte {
			b := make([]byte, 4096)
			b[0] = 1
			return b
		}, false},
		{"last byte set", func() []byte {
			b := make([]byte, 4096)
			b[4095] = 1
			return b
		}, false},
		{"set in tail under word size", func() []byte {
			b := make([]byte, 13)
			b[12] = 1
			return b
		}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsZero(tt.buf()); got != tt.want {
				t.Errorf("IsZero = %v, want %v", got, tt.want)
			}
		})
	}
}
