package ext2

import (
	"github.com/nanokern/nanokern/internal/blockdev"
	"github.com/nanokern/nanokern/internal/klock"
	"github.com/nanokern/nanokern/internal/klog"
	"github.com/nanokern/nanokern/kerrno"
)

// superblockOffset is the fixed byte offset of the superblock on the
// device: the first 1024 bytes are reserved for a boot sector.
const superblockOffset = 1024

// FileSystem is a mounted EXT2 instance: the on-disk superblock, the
// BGDT, and the caches/allocators layered over the block device
// partition it was probed from.
type FileSystem struct {
	cache *blockdev.Cache
	log   *klog.Logger

	// metaLock serializes every superblock/BGDT/bitmap mutation, as a
	// single coarse semaphore rather than per-structure locks: these
	// writes are small and infrequent relative to data I/O, and
	// serializing them avoids a lock-ordering hierarchy between
	// bitmaps, the group they belong to, and the superblock's global
	// free counts, which all move together on every alloc/free.
	metaLock klock.Spin

	sb       Superblock
	groups   []BlockGroupDesc
	groupCount int

	inodes *inodeCache
}

// Probe reads the superblock and BGDT from cache and validates magic,
// revision, and the fixed 1024-byte block/inode-size assumptions this
// package makes. It does not support any feature-bit flags: a
// superblock with any compat/incompat/ro-compat bit set is rejected,
// since this driver has no implementation for what those bits mean.
func Probe(cache *blockdev.Cache, log *klog.Logger) (*FileSystem, error) {
	buf := make([]byte, BlockSize)
	if err := cache.ReadBytes(superblockOffset, BlockSize, buf); err != nil {
		return nil, kerrno.Wrap("ext2.probe", "ext2", err)
	}
	sb := unmarshalSuperblock(buf)

	if sb.Magic != MagicEXT2 {
		return nil, kerrno.New("ext2.probe", "ext2", kerrno.EINVAL)
	}
	if sb.RevLevel != 0 {
		return nil, kerrno.New("ext2.probe", "ext2", kerrno.EINVAL)
	}
	if sb.LogBlockSize != 0 {
		return nil, kerrno.New("ext2.probe", "ext2", kerrno.EINVAL)
	}
	if sb.InodeSize != InodeSize {
		return nil, kerrno.New("ext2.probe", "ext2", kerrno.EINVAL)
	}
	if sb.FeatureCompat != 0 || sb.FeatureIncompat != 0 || sb.FeatureROCompat != 0 {
		return nil, kerrno.New("ext2.probe", "ext2", kerrno.EINVAL)
	}

	groupCount := int((sb.BlocksCount + sb.BlocksPerGroup - 1) / sb.BlocksPerGroup)
	if groupCount == 0 {
		return nil, kerrno.New("ext2.probe", "ext2", kerrno.EINVAL)
	}

	bgdtOffset := int64(sb.FirstDataBlock+1) * BlockSize
	gbuf := make([]byte, groupCount*32)
	if err := cache.ReadBytes(bgdtOffset, len(gbuf), gbuf); err != nil {
		return nil, kerrno.Wrap("ext2.probe", "ext2", err)
	}
	groups := make([]BlockGroupDesc, groupCount)
	for i := range groups {
		groups[i] = *unmarshalBGD(gbuf[i*32:])
	}

	fs := &FileSystem{
		cache:      cache,
		log:        log,
		sb:         *sb,
		groups:     groups,
		groupCount: groupCount,
	}
	fs.inodes = newInodeCache(fs)
	return fs, nil
}

func (fs *FileSystem) bgdtOffset() int64 {
	return int64(fs.sb.FirstDataBlock+1) * BlockSize
}

// flushSuperblock and flushGroup write back the superblock/one BGDT
// entry. Callers must hold metaLock.
func (fs *FileSystem) flushSuperblock() error {
	return fs.cache.WriteBytes(superblockOffset, BlockSize, marshalSuperblock(&fs.sb))
}

func (fs *FileSystem) flushGroup(g int) error {
	off := fs.bgdtOffset() + int64(g*32)
	return fs.cache.WriteBytes(off, 32, marshalBGD(&fs.groups[g]))
}

func (fs *FileSystem) blockOffset(block uint32) int64 {
	return int64(block) * BlockSize
}

func (fs *FileSystem) readBlock(block uint32, buf []byte) error {
	return fs.cache.ReadBytes(fs.blockOffset(block), BlockSize, buf)
}

func (fs *FileSystem) writeBlock(block uint32, buf []byte) error {
	return fs.cache.WriteBytes(fs.blockOffset(block), BlockSize, buf)
}

func (fs *FileSystem) inodeGroupAndIndex(ino uint32) (group, idx int) {
	group = int((ino - 1) / fs.sb.InodesPerGroup)
	idx = int((ino - 1) % fs.sb.InodesPerGroup)
	return
}

func (fs *FileSystem) readDiskInode(ino uint32) (*DiskInode, error) {
	group, idx := fs.inodeGroupAndIndex(ino)
	if group >= fs.groupCount {
		return nil, kerrno.New("ext2.read_inode", "ext2", kerrno.EINVAL)
	}
	off := int64(fs.groups[group].InodeTable)*BlockSize + int64(idx)*InodeSize
	buf := make([]byte, InodeSize)
	if err := fs.cache.ReadBytes(off, InodeSize, buf); err != nil {
		return nil, err
	}
	return unmarshalInode(buf), nil
}

func (fs *FileSystem) writeDiskInode(ino uint32, in *DiskInode) error {
	group, idx := fs.inodeGroupAndIndex(ino)
	if group >= fs.groupCount {
		return kerrno.New("ext2.write_inode", "ext2", kerrno.EINVAL)
	}
	off := int64(fs.groups[group].InodeTable)*BlockSize + int64(idx)*InodeSize
	return fs.cache.WriteBytes(off, InodeSize, marshalInode(in))
}
