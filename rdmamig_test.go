package rdmamig

import (
	"context"
	"encoding/binary"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// TestMigrationEndToEnd drives a full migration over the loopback fabric
// through the public API: connect, one RAM iteration with dynamic
// registration, a device-state blob, teardown.
func TestMigrationEndToEnd(t *testing.T) {
	lb := NewLoopback()
	addr := "10.1.1.1:4444"

	const blockSize = 2 << 20
	srcRAM := make([]byte, blockSize)
	dstRAM := make([]byte, blockSize)
	for i := range srcRAM[:64<<10] {
		srcRAM[i] = byte(i * 13)
	}

	dstOpts := DefaultOptions(lb, SequentialBlocks(dstRAM))
	in, err := StartIncoming(context.Background(), addr, dstOpts)
	require.NoError(t, err)

	var (
		wg     sync.WaitGroup
		dstErr error
		state  []byte
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		dst, err := in.Accept(ctx)
		if err != nil {
			dstErr = err
			return
		}
		defer dst.Close()

		// Read the iteration hook, serve registrations, then collect the
		// device state the source appends.
		marker := make([]byte, 8)
		for got := 0; got < 8; {
			n, err := dst.GetBuffer(marker[got:])
			if err != nil {
				dstErr = err
				return
			}
			got += n
		}
		if binary.BigEndian.Uint64(marker) != HookMarker {
			dstErr = NewError("TEST", ErrKindProtocol, "bad hook marker")
			return
		}
		if err := dst.RegistrationHandle(); err != nil {
			dstErr = err
			return
		}
		buf := make([]byte, 256)
		n, err := dst.GetBuffer(buf)
		if err != nil {
			dstErr = err
			return
		}
		state = buf[:n]
	}()

	srcOpts := DefaultOptions(lb, SequentialBlocks(srcRAM))
	srcOpts.ZeroProbe = IsZero
	src, err := StartOutgoing(context.Background(), addr, srcOpts)
	require.NoError(t, err)
	defer src.Close()
	require.True(t, src.ChunkMode())

	require.NoError(t, src.RegistrationStart())
	for off := uint64(0); off < 128<<10; off += 4096 {
		n, err := src.SavePage(0, off, srcRAM[off:off+4096])
		require.NoError(t, err)
		require.Equal(t, 4096, n)
	}
	require.NoError(t, src.RegistrationStop())

	_, err = src.PutBuffer([]byte("vm device state"))
	require.NoError(t, err)

	wg.Wait()
	require.NoError(t, dstErr)
	require.Equal(t, []byte("vm device state"), state)
	require.Equal(t, srcRAM[:128<<10], dstRAM[:128<<10])

	snap := src.MetricsSnapshot()
	require.NotZero(t, snap.WritesPosted)
	// Pages past 64 KiB are all zero and must have been skipped.
	require.NotZero(t, snap.ZeroPagesSkipped)
	require.NotZero(t, snap.ControlSends)
}

func TestStartOutgoingValidation(t *testing.T) {
	lb := NewLoopback()
	blocks := SequentialBlocks(make([]byte, 4096))

	tests := []struct {
		name string
		addr string
		opts Options
	}{
		{"no transport", "h:1", Options{Blocks: blocks}},
		{"no blocks", "h:1", Options{Transport: lb}},
		{"bad address", "nohost", DefaultOptions(lb, blocks)},
		{"missing host", ":1234", DefaultOptions(lb, blocks)},
		{"bad chunk shift", "h:1", func() Options {
			o := DefaultOptions(lb, blocks)
			o.ChunkShift = 10
			return o
		}()},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := StartOutgoing(context.Background(), tt.addr, tt.opts)
			require.Error(t, err)
			require.True(t, IsKind(err, ErrKindConfig), "want config error, got %v", err)
		})
	}
}

func TestStartIncomingAnyHost(t *testing.T) {
	lb := NewLoopback()
	opts := DefaultOptions(lb, SequentialBlocks(make([]byte, 4096)))

	in, err := StartIncoming(context.Background(), ":7000", opts)
	require.NoError(t, err)
	require.NoError(t, in.Close())
}

func TestIncomingEventFD(t *testing.T) {
	lb := NewLoopback()
	opts := DefaultOptions(lb, SequentialBlocks(make([]byte, 4096)))

	in, err := StartIncoming(context.Background(), "10.0.0.5:7001", opts)
	require.NoError(t, err)
	defer in.Close()

	// The loopback provider backs readiness with a real descriptor.
	require.GreaterOrEqual(t, in.EventFD(), 0)
}
