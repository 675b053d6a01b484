package ext2

import "github.com/nanokern/nanokern/kerrno"

// direntHeaderSize is the fixed portion of one directory entry record
// before the variable-length name: inode(4) + rec_len(2) + name_len(1)
// + file_type(1).
const direntHeaderSize = 8

// DirEntry is one decoded directory entry.
type DirEntry struct {
	Ino      uint32
	RecLen   uint16
	FileType uint8
	Name     string
}

func encodeDirent(buf []byte, ino uint32, recLen uint16, fileType uint8, name string) {
	putU32(buf[0:], ino)
	putU16(buf[4:], recLen)
	buf[6] = byte(len(name))
	buf[7] = fileType
	copy(buf[8:], name)
}

func decodeDirent(buf []byte) DirEntry {
	nameLen := int(buf[6])
	return DirEntry{
		Ino:      getU32(buf[0:]),
		RecLen:   getU16(buf[4:]),
		FileType: buf[7],
		Name:     string(buf[8 : 8+nameLen]),
	}
}

func direntNeeded(name string) uint16 {
	n := direntHeaderSize + len(name)
	return uint16((n + 3) &^ 3) // 4-byte aligned
}

// LookupDirent scans dir's data blocks for name, returning ENOENT if
// not found.
func (fs *FileSystem) LookupDirent(dir *Inode, name string) (DirEntry, error) {
	var found DirEntry
	err := fs.forEachDirent(dir, func(buf []byte, off int) (bool, error) {
		e := decodeDirent(buf[off:])
		if e.Ino != 0 && e.Name == name {
			found = e
			return true, nil
		}
		return false, nil
	})
	if err != nil {
		return DirEntry{}, err
	}
	if found.Ino == 0 {
		return DirEntry{}, kerrno.New("ext2.lookup", "ext2", kerrno.ENOENT)
	}
	return found, nil
}

// forEachDirent walks every directory record block by block, calling
// visit(blockBuf, offsetOfRecordWithinBlock) for each record
// (including deleted ones, Ino==0) until visit returns true (stop) or
// every block is exhausted.
func (fs *FileSystem) forEachDirent(dir *Inode, visit func(buf []byte, off int) (bool, error)) error {
	nblocks := (dir.disk.Size + BlockSize - 1) / BlockSize
	for lb := uint32(0); lb < nblocks; lb++ {
		fs.metaLock.Lock()
		phys, err := fs.mapBlock(dir, lb, false)
		fs.metaLock.Unlock()
		if err != nil {
			return err
		}
		if phys == 0 {
			continue
		}
		buf := make([]byte, BlockSize)
		if err := fs.readBlock(phys, buf); err != nil {
			return err
		}
		off := 0
		for off < BlockSize {
			recLen := getU16(buf[off+4:])
			if recLen == 0 {
				break
			}
			stop, err := visit(buf, off)
			if err != nil {
				return err
			}
			if stop {
				return nil
			}
			off += int(recLen)
		}
	}
	return nil
}

// InsertDirent adds (name -> ino) to dir, splitting an existing
// record's free trailing space if one is large enough or allocating a
// new block otherwise.
func (fs *FileSystem) InsertDirent(dir *Inode, name string, ino uint32, fileType uint8) error {
	if len(name) > 255 {
		return kerrno.New("ext2.insert_dirent", "ext2", kerrno.ENAMETOOLONG)
	}
	needed := direntNeeded(name)

	nblocks := (dir.disk.Size + BlockSize - 1) / BlockSize
	for lb := uint32(0); lb < nblocks; lb++ {
		fs.metaLock.Lock()
		phys, err := fs.mapBlock(dir, lb, false)
		fs.metaLock.Unlock()
		if err != nil {
			return err
		}
		if phys == 0 {
			continue
		}
		buf := make([]byte, BlockSize)
		if err := fs.readBlock(phys, buf); err != nil {
			return err
		}

		off := 0
		for off < BlockSize {
			recLen := getU16(buf[off+4:])
			if recLen == 0 {
				break
			}
			e := decodeDirent(buf[off:])
			usedLen := direntNeeded(e.Name)
			if e.Ino == 0 {
				usedLen = 0
			}
			free := recLen - usedLen
			if free >= needed {
				if e.Ino != 0 {
					encodeDirent(buf[off:], e.Ino, usedLen, e.FileType, e.Name)
					encodeDirent(buf[off+int(usedLen):], ino, free, fileType, name)
				} else {
					encodeDirent(buf[off:], ino, recLen, fileType, name)
				}
				return fs.writeBlock(phys, buf)
			}
			off += int(recLen)
		}
	}

	// No existing block had room: allocate a new block for dir and
	// write a single record spanning it.
	fs.metaLock.Lock()
	phys, err := fs.mapBlock(dir, nblocks, true)
	fs.metaLock.Unlock()
	if err != nil {
		return kerrno.Wrap("ext2.insert_dirent", "ext2", err)
	}
	buf := make([]byte, BlockSize)
	encodeDirent(buf, ino, BlockSize, fileType, name)
	if err := fs.writeBlock(phys, buf); err != nil {
		return err
	}
	dir.disk.Size = (nblocks + 1) * BlockSize
	return fs.writeDiskInode(dir.Ino, &dir.disk)
}

// RemoveDirent deletes name from dir. If a record directly precedes it
// in the same block, that record's rec_len is extended to absorb the
// removed record's space; if the removed record is the first in its
// block, it is kept as a zero-inode tombstone (ino=0) so the scan can
// skip over it.
func (fs *FileSystem) RemoveDirent(dir *Inode, name string) error {
	nblocks := (dir.disk.Size + BlockSize - 1) / BlockSize
	for lb := uint32(0); lb < nblocks; lb++ {
		fs.metaLock.Lock()
		phys, err := fs.mapBlock(dir, lb, false)
		fs.metaLock.Unlock()
		if err != nil {
			return err
		}
		if phys == 0 {
			continue
		}
		buf := make([]byte, BlockSize)
		if err := fs.readBlock(phys, buf); err != nil {
			return err
		}

		off := 0
		prevOff := -1
		for off < BlockSize {
			recLen := getU16(buf[off+4:])
			if recLen == 0 {
				break
			}
			e := decodeDirent(buf[off:])
			if e.Ino != 0 && e.Name == name {
				if prevOff >= 0 {
					prevRecLen := getU16(buf[prevOff+4:])
					putU16(buf[prevOff+4:], prevRecLen+recLen)
				} else {
					putU32(buf[off:], 0)
				}
				return fs.writeBlock(phys, buf)
			}
			prevOff = off
			off += int(recLen)
		}
	}
	return kerrno.New("ext2.remove_dirent", "ext2", kerrno.ENOENT)
}

// DirIsEmpty reports whether dir contains only "." and "..".
func (fs *FileSystem) DirIsEmpty(dir *Inode) (bool, error) {
	empty := true
	err := fs.forEachDirent(dir, func(buf []byte, off int) (bool, error) {
		e := decodeDirent(buf[off:])
		if e.Ino != 0 && e.Name != "." && e.Name != ".." {
			empty = false
			return true, nil
		}
		return false, nil
	})
	return empty, err
}
