package mount

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jchantrell/ggpkfs/internal/archive"
	"github.com/jchantrell/ggpkfs/internal/archivetest"
	"github.com/jchantrell/ggpkfs/internal/gateway"
)

// fuseAvailable skips tests that need a real mount when /dev/fuse is absent
func fuseAvailable(t *testing.T) {
	t.Helper()
	if _, err := os.Stat("/dev/fuse"); err != nil {
		t.Skip("skipping: /dev/fuse not available")
	}
}

func testMount(t *testing.T) string {
	t.Helper()
	fuseAvailable(t)

	a := archivetest.Archive{
		Loose: []archivetest.File{
			{Path: "Data/stats.dat", Data: []byte("native")},
		},
		Bundles: map[string][]archivetest.File{
			"Art": {
				{Path: "Art/2DArt/icon.png", Data: []byte("icon bytes")},
				{Path: "Data/stats.dat", Data: []byte("bundled!")},
			},
		},
	}

	g, err := gateway.Open(a.WriteGGPK(t), gateway.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { g.CloseNow() })

	mountpoint := filepath.Join(t.TempDir(), "mnt")
	server, err := Mount(Options{Mountpoint: mountpoint, Tree: g})
	if err != nil {
		t.Skipf("skipping: cannot mount: %v", err)
	}
	t.Cleanup(func() {
		if err := server.Unmount(); err != nil {
			t.Errorf("Unmount: %v", err)
		}
	})

	return mountpoint
}

func TestMountListsMergedTree(t *testing.T) {
	mountpoint := testMount(t)

	entries, err := os.ReadDir(mountpoint)
	require.NoError(t, err)

	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	assert.ElementsMatch(t, []string{"Art", "Bundles2", "Data"}, names)

	data, err := os.ReadFile(filepath.Join(mountpoint, "Art", "2DArt", "icon.png"))
	require.NoError(t, err)
	assert.Equal(t, "icon bytes", string(data))

	// native record wins the collision by default
	data, err = os.ReadFile(filepath.Join(mountpoint, "Data", "stats.dat"))
	require.NoError(t, err)
	assert.Equal(t, "native", string(data))

	info, err := os.Stat(filepath.Join(mountpoint, "Art", "2DArt", "icon.png"))
	require.NoError(t, err)
	assert.Equal(t, int64(len("icon bytes")), info.Size())
}

func TestMountIsReadOnly(t *testing.T) {
	mountpoint := testMount(t)

	_, err := os.OpenFile(filepath.Join(mountpoint, "Data", "stats.dat"), os.O_WRONLY, 0)
	assert.Error(t, err)

	_, err = os.Stat(filepath.Join(mountpoint, "Data", "missing.dat"))
	assert.True(t, os.IsNotExist(err))
}

func TestMountRequiresOptions(t *testing.T) {
	_, err := Mount(Options{})
	assert.ErrorContains(t, err, "mountpoint")

	_, err = Mount(Options{Mountpoint: t.TempDir()})
	assert.ErrorContains(t, err, "tree")
}

func TestErrno(t *testing.T) {
	assert.Equal(t, syscall.Errno(0), errno(nil))
	assert.Equal(t, syscall.ENOENT, errno(&archive.NotFoundError{Path: "x"}))
	assert.Equal(t, syscall.ENOENT, errno(fmt.Errorf("wrapped: %w", archive.ErrNotFound)))
	assert.Equal(t, syscall.EINTR, errno(fmt.Errorf("%w: %w", gateway.ErrCancelled, context.Canceled)))
	assert.Equal(t, syscall.ETIMEDOUT, errno(context.DeadlineExceeded))
	assert.Equal(t, syscall.EIO, errno(&archive.CorruptArchiveError{Offset: 12, Err: errors.New("bad")}))
}

func TestFileHandleSlice(t *testing.T) {
	h := &fileHandle{data: []byte("0123456789")}

	assert.Equal(t, []byte("0123"), h.slice(4, 0))
	assert.Equal(t, []byte("789"), h.slice(16, 7))
	assert.Empty(t, h.slice(4, 10))
	assert.Empty(t, h.slice(4, -1))
}
