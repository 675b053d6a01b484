package ext2

import (
	"sync"

	"github.com/nanokern/nanokern/kerrno"
)

// Inode is the in-memory, reference-counted handle to one on-disk
// inode. Mutable fields are protected by mu; when an operation needs
// to hold two inodes' locks at once (e.g. moving a directory entry
// between directories) the caller must order by inode number to avoid
// deadlock, per the fixed lock-ordering rule this package follows
// throughout.
type Inode struct {
	fs  *FileSystem
	Ino uint32

	mu sync.Mutex

	disk DiskInode

	// refCount is the number of live callers holding this inode open
	// (get_inode without a matching release_inode yet); the entry
	// stays in the cache map as long as this is nonzero.
	refCount int

	// changeCounter is a mutation counter; no code in this package
	// updates or reads it. GetInode's cache-miss race is handled by
	// re-checking the cache map instead.
	changeCounter uint32
}

// inodeCache is the in-memory table of live Inode handles, keyed by
// inode number (not by a generation-tagged NodeID: EXT2 inode numbers
// are themselves a stable, durable identity, unlike FUSE's opaque
// per-mount NodeIDs).
type inodeCache struct {
	fs *FileSystem

	mu      sync.Mutex
	entries map[uint32]*Inode
}

func newInodeCache(fs *FileSystem) *inodeCache {
	return &inodeCache{fs: fs, entries: make(map[uint32]*Inode)}
}

// GetInode returns a referenced handle to ino, reading it from disk on
// first access. Every successful call must be matched by exactly one
// ReleaseInode.
func (c *inodeCache) GetInode(ino uint32) (*Inode, error) {
	c.mu.Lock()
	if in, ok := c.entries[ino]; ok {
		in.mu.Lock()
		in.refCount++
		in.mu.Unlock()
		c.mu.Unlock()
		return in, nil
	}
	c.mu.Unlock()

	disk, err := c.fs.readDiskInode(ino)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	// Re-check: another goroutine may have raced us into the cache
	// between our miss above and taking the lock again.
	if in, ok := c.entries[ino]; ok {
		in.mu.Lock()
		in.refCount++
		in.mu.Unlock()
		c.mu.Unlock()
		return in, nil
	}
	in := &Inode{fs: c.fs, Ino: ino, disk: *disk, refCount: 1}
	c.entries[ino] = in
	c.mu.Unlock()
	return in, nil
}

// ReleaseInode drops one reference. When the count reaches zero and
// the inode's on-disk link count is also zero (the file was unlinked
// while still open), the inode's data blocks and the inode slot itself
// are freed — the deferred wipe spec.md's link-count handling
// describes: an unlinked-but-open file stays fully readable/writable
// until the last descriptor closes.
func (c *inodeCache) ReleaseInode(in *Inode) error {
	in.mu.Lock()
	in.refCount--
	shouldWipe := in.refCount == 0 && in.disk.LinksCount == 0
	dirty := in.refCount == 0
	in.mu.Unlock()

	if shouldWipe {
		if err := c.fs.wipeInode(in); err != nil {
			return err
		}
	} else if dirty {
		if err := c.fs.writeDiskInode(in.Ino, &in.disk); err != nil {
			return err
		}
	}

	if in.refCount == 0 {
		c.mu.Lock()
		if cur, ok := c.entries[in.Ino]; ok && cur == in && in.refCount == 0 {
			delete(c.entries, in.Ino)
		}
		c.mu.Unlock()
	}
	return nil
}

// wipeInode frees every block owned by in (via the truncate-to-zero
// path of the shared block-tree walker) and returns the inode number
// to the inode bitmap.
func (fs *FileSystem) wipeInode(in *Inode) error {
	in.mu.Lock()
	defer in.mu.Unlock()

	wasDir := in.disk.Mode&ModeFmt == ModeDir
	fs.metaLock.Lock()
	err := fs.freeBlocksFrom(in, 0)
	fs.metaLock.Unlock()
	if err != nil {
		return err
	}
	in.disk = DiskInode{}
	if err := fs.writeDiskInode(in.Ino, &in.disk); err != nil {
		return err
	}

	fs.metaLock.Lock()
	defer fs.metaLock.Unlock()
	return fs.freeInodeNumber(in.Ino, wasDir)
}

// errStaleInode is the error value for a cached Inode pointer that
// changed underneath a caller; no code in this package returns it.
var errStaleInode = kerrno.New("ext2.stale_inode", "ext2", kerrno.EAGAIN)
