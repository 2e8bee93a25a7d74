package rdmamig

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "rdmamig.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadConfig(t *testing.T) {
	path := writeConfig(t, `
chunk_shift = 21
merge_max = 2097152
unsignaled_max = 16
qp_size = 500
chunk_register = false
blocking = false
eager_register = true
resolve_timeout_ms = 2500
`)

	lb := NewLoopback()
	blocks := SequentialBlocks(make([]byte, 4096))
	opts, err := LoadConfig(path, lb, blocks)
	require.NoError(t, err)

	require.Equal(t, uint(21), opts.ChunkShift)
	require.Equal(t, uint64(2097152), opts.MergeMax)
	require.Equal(t, 16, opts.UnsignaledMax)
	require.Equal(t, 500, opts.QPSize)
	require.Equal(t, 1500, opts.CQSize, "cq defaults to 3x qp when unset")
	require.False(t, opts.ChunkRegister)
	require.False(t, opts.Blocking)
	require.True(t, opts.EagerRegister)
	require.Equal(t, 2500*time.Millisecond, opts.ResolveTimeout)
}

func TestLoadConfigDefaults(t *testing.T) {
	path := writeConfig(t, "")
	lb := NewLoopback()
	blocks := SequentialBlocks(make([]byte, 4096))

	opts, err := LoadConfig(path, lb, blocks)
	require.NoError(t, err)
	require.Equal(t, DefaultOptions(lb, blocks).ChunkShift, opts.ChunkShift)
	require.True(t, opts.ChunkRegister, "defaults survive an empty file")
	require.True(t, opts.Blocking)
}

func TestLoadConfigErrors(t *testing.T) {
	lb := NewLoopback()
	blocks := SequentialBlocks(make([]byte, 4096))

	_, err := LoadConfig("/nonexistent/rdmamig.toml", lb, blocks)
	require.True(t, IsKind(err, ErrKindConfig), "missing file: %v", err)

	bad := writeConfig(t, "chunk_shift = {not toml")
	_, err = LoadConfig(bad, lb, blocks)
	require.True(t, IsKind(err, ErrKindConfig), "parse error: %v", err)

	oor := writeConfig(t, "chunk_shift = 5")
	_, err = LoadConfig(oor, lb, blocks)
	require.True(t, IsKind(err, ErrKindConfig), "out of range: %v", err)
}
