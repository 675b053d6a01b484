package ext2

import (
	"github.com/nanokern/nanokern/internal/blockdev"
	"github.com/nanokern/nanokern/kerrno"
)

// Format writes a minimal single-block-group EXT2 filesystem spanning
// totalBlocks 1024-byte blocks onto cache, with inode 2 (the root
// directory) already containing "." and "..". It is the test/bring-up
// counterpart to Probe: nothing in this package's runtime path calls
// it, but a fresh block device needs something to lay down the
// on-disk structures Probe expects before the rest of the package can
// mount it.
func Format(cache *blockdev.Cache, totalBlocks uint32, totalInodes uint32) error {
	if totalBlocks < 64 || totalInodes < 16 {
		return kerrno.New("ext2.format", "ext2", kerrno.EINVAL)
	}

	const blocksPerGroup = 8192

	bitmapBlock := uint32(2) // block 0 = boot, block 1 = superblock
	inodeBitmapBlock := bitmapBlock + 1
	inodeTableBlocks := (totalInodes*InodeSize + BlockSize - 1) / BlockSize
	inodeTableBlock := inodeBitmapBlock + 1
	firstDataBlock := inodeTableBlock + inodeTableBlocks

	sb := &Superblock{
		InodesCount:     totalInodes,
		BlocksCount:     totalBlocks,
		FreeInodesCount: totalInodes - FirstUserIno + 1,
		FirstDataBlock:  1,
		LogBlockSize:    0,
		BlocksPerGroup:  blocksPerGroup,
		InodesPerGroup:  totalInodes,
		Magic:           MagicEXT2,
		RevLevel:        0,
		FirstIno:        FirstUserIno,
		InodeSize:       InodeSize,
	}

	bg := &BlockGroupDesc{
		BlockBitmap: bitmapBlock,
		InodeBitmap: inodeBitmapBlock,
		InodeTable:  inodeTableBlock,
		UsedDirsCount: 1,
	}

	if err := cache.WriteBytes(superblockOffset, BlockSize, marshalSuperblock(sb)); err != nil {
		return err
	}
	bgdtOff := int64(sb.FirstDataBlock+1) * BlockSize
	if err := cache.WriteBytes(bgdtOff, 32, marshalBGD(bg)); err != nil {
		return err
	}

	// Blocks 1..firstDataBlock (superblock, bitmaps, inode table, and
	// the root directory's one data block) are in use; each maps to
	// bit (block - sb.FirstDataBlock) in this group's bitmap. Block 0
	// (the boot block) predates FirstDataBlock and is never addressed
	// by the bitmap at all, matching allocBlock's addressing scheme.
	blockBitmap := make([]byte, BlockSize)
	usedBits := firstDataBlock // bits [0, firstDataBlock) == blocks [1, firstDataBlock]
	for i := uint32(0); i < usedBits; i++ {
		setBit(blockBitmap, int(i))
	}
	bg.FreeBlocksCount = uint16(blocksPerGroup - usedBits)
	sb.FreeBlocksCount = totalBlocks - usedBits - 1
	if err := cache.WriteBytes(int64(bitmapBlock)*BlockSize, BlockSize, blockBitmap); err != nil {
		return err
	}

	inodeBitmap := make([]byte, BlockSize)
	for i := uint32(0); i < FirstUserIno-1; i++ {
		setBit(inodeBitmap, int(i))
	}
	bg.FreeInodesCount = uint16(totalInodes - (FirstUserIno - 1))
	sb.FreeInodesCount = uint32(bg.FreeInodesCount)
	if err := cache.WriteBytes(int64(inodeBitmapBlock)*BlockSize, BlockSize, inodeBitmap); err != nil {
		return err
	}

	rootDataBlock := firstDataBlock
	rootDisk := &DiskInode{Mode: ModeDir, LinksCount: 2, Size: BlockSize, Blocks: blocksPer1K}
	rootDisk.Block[0] = rootDataBlock

	rootBlock := make([]byte, BlockSize)
	encodeDirent(rootBlock, RootInode, 12, FtDir, ".")
	encodeDirent(rootBlock[12:], RootInode, BlockSize-12, FtDir, "..")
	if err := cache.WriteBytes(int64(rootDataBlock)*BlockSize, BlockSize, rootBlock); err != nil {
		return err
	}

	inodeTableOff := int64(inodeTableBlock) * BlockSize
	if err := cache.WriteBytes(inodeTableOff+int64(RootInode-1)*InodeSize, InodeSize, marshalInode(rootDisk)); err != nil {
		return err
	}

	if err := cache.WriteBytes(bgdtOff, 32, marshalBGD(bg)); err != nil {
		return err
	}
	return cache.WriteBytes(superblockOffset, BlockSize, marshalSuperblock(sb))
}
