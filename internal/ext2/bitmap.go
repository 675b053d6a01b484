package ext2

import "github.com/nanokern/nanokern/kerrno"

// allocBlock allocates one free block, preferring group preferGroup
// first (the group the caller's inode/containing-block already lives
// in, to keep a file's blocks close together) and falling through the
// remaining groups in order if that one is full. Caller must hold
// metaLock.
func (fs *FileSystem) allocBlock(preferGroup int) (uint32, error) {
	order := fs.groupScanOrder(preferGroup)
	for _, g := range order {
		if fs.groups[g].FreeBlocksCount == 0 {
			continue
		}
		bitmap := make([]byte, BlockSize)
		if err := fs.readBlock(fs.groups[g].BlockBitmap, bitmap); err != nil {
			return 0, err
		}
		bit := findFreeBit(bitmap, int(fs.sb.BlocksPerGroup))
		if bit < 0 {
			continue // descriptor's free count was stale; try next group
		}
		setBit(bitmap, bit)
		if err := fs.writeBlock(fs.groups[g].BlockBitmap, bitmap); err != nil {
			return 0, err
		}

		fs.groups[g].FreeBlocksCount--
		fs.sb.FreeBlocksCount--
		if err := fs.flushGroup(g); err != nil {
			return 0, err
		}
		if err := fs.flushSuperblock(); err != nil {
			return 0, err
		}

		block := fs.sb.FirstDataBlock + uint32(g)*fs.sb.BlocksPerGroup + uint32(bit)
		return block, nil
	}
	return 0, kerrno.New("ext2.alloc_block", "ext2", kerrno.ENOSPC)
}

// freeBlock returns a block to its group's bitmap. Caller must hold
// metaLock.
func (fs *FileSystem) freeBlock(block uint32) error {
	g := int((block - fs.sb.FirstDataBlock) / fs.sb.BlocksPerGroup)
	bit := int((block - fs.sb.FirstDataBlock) % fs.sb.BlocksPerGroup)
	if g >= fs.groupCount {
		return kerrno.New("ext2.free_block", "ext2", kerrno.EINVAL)
	}

	bitmap := make([]byte, BlockSize)
	if err := fs.readBlock(fs.groups[g].BlockBitmap, bitmap); err != nil {
		return err
	}
	clearBit(bitmap, bit)
	if err := fs.writeBlock(fs.groups[g].BlockBitmap, bitmap); err != nil {
		return err
	}

	fs.groups[g].FreeBlocksCount++
	fs.sb.FreeBlocksCount++
	if err := fs.flushGroup(g); err != nil {
		return err
	}
	return fs.flushSuperblock()
}

// allocInodeNumber allocates a free inode number, preferring
// preferGroup first. isDir increments the group's used-directory
// count on success; that count is recorded only and is not consulted
// when choosing a group.
func (fs *FileSystem) allocInodeNumber(preferGroup int, isDir bool) (uint32, error) {
	order := fs.groupScanOrder(preferGroup)
	for _, g := range order {
		if fs.groups[g].FreeInodesCount == 0 {
			continue
		}
		bitmap := make([]byte, BlockSize)
		if err := fs.readBlock(fs.groups[g].InodeBitmap, bitmap); err != nil {
			return 0, err
		}
		bit := findFreeBit(bitmap, int(fs.sb.InodesPerGroup))
		if bit < 0 {
			continue
		}
		setBit(bitmap, bit)
		if err := fs.writeBlock(fs.groups[g].InodeBitmap, bitmap); err != nil {
			return 0, err
		}

		fs.groups[g].FreeInodesCount--
		fs.sb.FreeInodesCount--
		if isDir {
			fs.groups[g].UsedDirsCount++
		}
		if err := fs.flushGroup(g); err != nil {
			return 0, err
		}
		if err := fs.flushSuperblock(); err != nil {
			return 0, err
		}

		ino := uint32(g)*fs.sb.InodesPerGroup + uint32(bit) + 1
		return ino, nil
	}
	return 0, kerrno.New("ext2.alloc_inode", "ext2", kerrno.ENOSPC)
}

// freeInodeNumber returns ino to its group's inode bitmap. Caller must
// hold metaLock.
func (fs *FileSystem) freeInodeNumber(ino uint32, wasDir bool) error {
	g, idx := fs.inodeGroupAndIndex(ino)
	if g >= fs.groupCount {
		return kerrno.New("ext2.free_inode", "ext2", kerrno.EINVAL)
	}

	bitmap := make([]byte, BlockSize)
	if err := fs.readBlock(fs.groups[g].InodeBitmap, bitmap); err != nil {
		return err
	}
	clearBit(bitmap, idx)
	if err := fs.writeBlock(fs.groups[g].InodeBitmap, bitmap); err != nil {
		return err
	}

	fs.groups[g].FreeInodesCount++
	fs.sb.FreeInodesCount++
	if wasDir && fs.groups[g].UsedDirsCount > 0 {
		fs.groups[g].UsedDirsCount--
	}
	if err := fs.flushGroup(g); err != nil {
		return err
	}
	return fs.flushSuperblock()
}

// groupScanOrder returns group indices starting at preferred and
// wrapping around the rest in ascending order.
func (fs *FileSystem) groupScanOrder(preferred int) []int {
	if preferred < 0 || preferred >= fs.groupCount {
		preferred = 0
	}
	order := make([]int, 0, fs.groupCount)
	order = append(order, preferred)
	for g := 0; g < fs.groupCount; g++ {
		if g != preferred {
			order = append(order, g)
		}
	}
	return order
}

func findFreeBit(bitmap []byte, limit int) int {
	for i := 0; i < limit; i++ {
		if bitmap[i/8]&(1<<uint(i%8)) == 0 {
			return i
		}
	}
	return -1
}

func setBit(bitmap []byte, bit int)   { bitmap[bit/8] |= 1 << uint(bit%8) }
func clearBit(bitmap []byte, bit int) { bitmap[bit/8] &^= 1 << uint(bit%8) }
