package disk

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFileDeviceRoundTrip(t *testing.T) {
	dir := filepath.Join(os.TempDir(), "kcore_disk_test")
	defer os.RemoveAll(dir)

	d, err := NewFileDevice(dir, 512)
	require.NoError(t, err)
	defer d.Close()

	ctx := context.Background()
	want := make([]byte, 512)
	for i := range want {
		want[i] = byte(i)
	}
	require.NoError(t, d.WriteBlock(ctx, 1, 7, want))

	got := make([]byte, 512)
	require.NoError(t, d.ReadBlock(ctx, 1, 7, got))
	require.Equal(t, want, got)

	require.Equal(t, 1, d.BlocksWritten())
	require.Equal(t, 1, d.BlocksRead())
}

func TestFileDeviceRejectsWrongBufferSize(t *testing.T) {
	dir := filepath.Join(os.TempDir(), "kcore_disk_test_badsize")
	defer os.RemoveAll(dir)

	d, err := NewFileDevice(dir, 512)
	require.NoError(t, err)
	defer d.Close()

	err = d.WriteBlock(context.Background(), 1, 0, make([]byte, 10))
	require.Error(t, err)
}

func TestMemDeviceZerosUnwrittenBlocks(t *testing.T) {
	d := NewMemDevice(64)
	got := make([]byte, 64)
	require.NoError(t, d.ReadBlock(context.Background(), 0, 99, got))
	for _, b := range got {
		require.Equal(t, byte(0), b)
	}
}

func TestMemDeviceRoundTrip(t *testing.T) {
	d := NewMemDevice(16)
	ctx := context.Background()
	data := []byte("0123456789abcdef")
	require.NoError(t, d.WriteBlock(ctx, 3, 5, data))

	got := make([]byte, 16)
	require.NoError(t, d.ReadBlock(ctx, 3, 5, got))
	require.Equal(t, data, got)
	require.Equal(t, 1, d.Writes())
	require.Equal(t, 1, d.Reads())
}
