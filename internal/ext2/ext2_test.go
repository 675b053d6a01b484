package ext2

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nanokern/nanokern/internal/blockdev"
	"github.com/nanokern/nanokern/internal/klog"
)

// memDriver is a fake blockdev.LowLevelDriver backed by an in-memory
// byte slice, mirroring blockdev's own test fixture: Submit completes
// asynchronously on a goroutine to model IRQ-driven completion.
type memDriver struct {
	data []byte
	q    *blockdev.Queue
}

func newMemDriver(totalBlocks int) *memDriver {
	return &memDriver{data: make([]byte, totalBlocks*blockdev.BlockSize)}
}

func (m *memDriver) ChunkSize() int                  { return 64 }
func (m *memDriver) Prepare(*blockdev.Request) error { return nil }

// Submit copies the data immediately but reports completion from a
// separate goroutine: Queue.Submit calls driver.Submit while still
// holding its own lock, so completing inline here would deadlock
// against Queue.Complete's own lock acquisition.
func (m *memDriver) Submit(req *blockdev.Request) error {
	off := int(req.FirstBlock) * blockdev.BlockSize
	n := req.Blocks * blockdev.BlockSize
	if req.RW == blockdev.Write {
		copy(m.data[off:off+n], req.Buffer)
	} else {
		copy(req.Buffer, m.data[off:off+n])
	}
	go m.q.Complete(nil)
	return nil
}

func newTestFS(t *testing.T, totalBlocks, totalInodes int) *FileSystem {
	t.Helper()
	drv := newMemDriver(totalBlocks)
	q := blockdev.NewQueue(4, drv, nil)
	drv.q = q
	dev := blockdev.NewDevice(q, nil)
	dev.SetRawSize(uint64(totalBlocks))
	cache := blockdev.NewCache(dev, 0)

	if err := Format(cache, uint32(totalBlocks), uint32(totalInodes)); err != nil {
		t.Fatalf("format: %v", err)
	}
	fs, err := Probe(cache, klog.Default())
	if err != nil {
		t.Fatalf("probe: %v", err)
	}
	return fs
}

// TestUnalignedWriteSpanningIndirectBlocks is scenario A: create an
// empty file, write 12300 bytes starting at offset 11500 (past the 12
// direct blocks and into the single-indirect range), reopen, and read
// the same range back byte for byte.
func TestUnalignedWriteSpanningIndirectBlocks(t *testing.T) {
	fs := newTestFS(t, 4096, 512)
	root, err := fs.Root()
	if err != nil {
		t.Fatal(err)
	}

	f, err := fs.Create(root, "scenario_a", ModeReg)
	require.NoError(t, err, "create")

	data := make([]byte, 12300)
	for i := range data {
		data[i] = byte(i*7 + 3)
	}
	n, err := fs.WriteFile(f, 11500, data)
	require.NoError(t, err, "write")
	require.Equal(t, len(data), n, "short write")
	ino := f.Ino
	require.NoError(t, fs.inodes.ReleaseInode(f))

	reopened, err := fs.inodes.GetInode(ino)
	require.NoError(t, err)
	readBack := make([]byte, 12300)
	n, err = fs.ReadFile(reopened, 11500, readBack)
	require.NoError(t, err, "read")
	require.Equal(t, len(readBack), n, "short read")
	require.Equal(t, data, readBack, "read-back data does not match what was written")

	hole := make([]byte, 11500)
	got := make([]byte, 11500)
	n, err = fs.ReadFile(reopened, 0, got)
	require.NoError(t, err, "hole read")
	require.Equal(t, 11500, n, "hole read")
	require.Equal(t, hole, got, "hole before the write offset should read back as zero")

	fs.inodes.ReleaseInode(reopened)
}

// TestTruncateShrink is scenario B: fill a file to 2 MiB, spanning
// well past the single-indirect range and into the double-indirect
// one, then truncate it down to 1024 bytes and verify the visible
// size, that i_blocks and the free-block bitmap both unwind back to
// just the one surviving direct block, and that every indirect
// pointer in the inode is cleared.
func TestTruncateShrink(t *testing.T) {
	fs := newTestFS(t, 4096, 512)
	root, err := fs.Root()
	if err != nil {
		t.Fatal(err)
	}

	f, err := fs.Create(root, "scenario_b", ModeReg)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	const fileSize = 2 * 1024 * 1024
	data := make([]byte, fileSize)
	for i := range data {
		data[i] = byte(i)
	}
	if _, err := fs.WriteFile(f, 0, data); err != nil {
		t.Fatalf("write: %v", err)
	}

	freeBlocksBeforeTruncate := fs.sb.FreeBlocksCount
	require.True(t, f.disk.Block[IndBlock] != 0 || f.disk.Block[DIndBlock] != 0,
		"a 2 MiB file must have allocated at least the single-indirect block")
	require.NotEqual(t, uint32(0), f.disk.Block[DIndBlock], "2 MiB spans into the double-indirect range")

	if err := fs.Truncate(f, 1024); err != nil {
		t.Fatalf("truncate: %v", err)
	}

	buf := make([]byte, 2000)
	n, err := fs.ReadFile(f, 0, buf)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if n != 1024 {
		t.Fatalf("expected truncated read of 1024 bytes, got %d", n)
	}
	if !bytes.Equal(buf[:1024], data[:1024]) {
		t.Fatal("surviving prefix does not match original data")
	}

	wantBlocks := uint32((1024+BlockSize-1)/BlockSize) * blocksPer1K
	require.Equal(t, wantBlocks, f.disk.Blocks, "i_blocks should reduce to the single surviving direct block's sector count")

	require.Equal(t, uint32(0), f.disk.Block[IndBlock], "single-indirect pointer must be cleared")
	require.Equal(t, uint32(0), f.disk.Block[DIndBlock], "double-indirect pointer must be cleared")
	require.Equal(t, uint32(0), f.disk.Block[TIndBlock], "triple-indirect pointer must be cleared")

	require.True(t, fs.sb.FreeBlocksCount > freeBlocksBeforeTruncate,
		"truncate must return the freed data and indirect blocks to the bitmap")

	if err := fs.inodes.ReleaseInode(f); err != nil {
		t.Fatal(err)
	}
}

func TestCreateLookupUnlink(t *testing.T) {
	fs := newTestFS(t, 2048, 256)
	root, err := fs.Root()
	if err != nil {
		t.Fatal(err)
	}

	f, err := fs.Create(root, "hello.txt", ModeReg)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	fs.inodes.ReleaseInode(f)

	got, err := fs.Lookup(root, "hello.txt")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if got.Ino != f.Ino {
		t.Fatalf("lookup returned wrong inode: %d want %d", got.Ino, f.Ino)
	}
	fs.inodes.ReleaseInode(got)

	if err := fs.Unlink(root, "hello.txt"); err != nil {
		t.Fatalf("unlink: %v", err)
	}
	if _, err := fs.Lookup(root, "hello.txt"); err == nil {
		t.Fatal("expected ENOENT after unlink")
	}
}

func TestMkdirRmdirRefusesNonEmpty(t *testing.T) {
	fs := newTestFS(t, 2048, 256)
	root, err := fs.Root()
	if err != nil {
		t.Fatal(err)
	}

	d, err := fs.Mkdir(root, "subdir")
	if err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	child, err := fs.Create(d, "file", ModeReg)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	fs.inodes.ReleaseInode(child)

	if err := fs.Rmdir(root, "subdir", false); err == nil {
		t.Fatal("expected rmdir of a non-empty directory to fail")
	}

	if err := fs.Unlink(d, "file"); err != nil {
		t.Fatalf("unlink: %v", err)
	}
	fs.inodes.ReleaseInode(d)

	if err := fs.Rmdir(root, "subdir", false); err != nil {
		t.Fatalf("rmdir of now-empty directory should succeed: %v", err)
	}
}

func TestLinkIncrementsCount(t *testing.T) {
	fs := newTestFS(t, 2048, 256)
	root, err := fs.Root()
	if err != nil {
		t.Fatal(err)
	}

	f, err := fs.Create(root, "a", ModeReg)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := fs.Link(root, "b", f); err != nil {
		t.Fatalf("link: %v", err)
	}
	if f.disk.LinksCount != 2 {
		t.Fatalf("expected link count 2, got %d", f.disk.LinksCount)
	}

	if err := fs.Unlink(root, "a"); err != nil {
		t.Fatalf("unlink a: %v", err)
	}
	if _, err := fs.Lookup(root, "b"); err != nil {
		t.Fatalf("b should still resolve after unlinking a: %v", err)
	}

	fs.inodes.ReleaseInode(f)
}
