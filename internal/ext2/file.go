package ext2

import "github.com/nanokern/nanokern/kerrno"

// ReadFile reads up to len(buf) bytes starting at offset from in's
// data, returning the number of bytes actually read (short of
// len(buf) only at end of file, never mid-file). A logical block with
// no backing allocation — a hole left by a write that started past
// the old end of file — reads as zeros without needing a block ever
// allocated for it.
func (fs *FileSystem) ReadFile(in *Inode, offset int64, buf []byte) (int, error) {
	in.mu.Lock()
	defer in.mu.Unlock()

	size := int64(in.disk.Size)
	if offset >= size {
		return 0, nil
	}
	n := len(buf)
	if offset+int64(n) > size {
		n = int(size - offset)
	}

	done := 0
	for done < n {
		lblock := uint32((offset + int64(done)) / BlockSize)
		inBlockOff := int((offset + int64(done)) % BlockSize)
		chunk := BlockSize - inBlockOff
		if chunk > n-done {
			chunk = n - done
		}

		fs.metaLock.Lock()
		phys, err := fs.mapBlock(in, lblock, false)
		fs.metaLock.Unlock()
		if err != nil {
			return done, kerrno.Wrap("ext2.read", "ext2", err)
		}

		if phys == 0 {
			for i := 0; i < chunk; i++ {
				buf[done+i] = 0
			}
		} else {
			scratch := make([]byte, BlockSize)
			if err := fs.readBlock(phys, scratch); err != nil {
				return done, kerrno.Wrap("ext2.read", "ext2", err)
			}
			copy(buf[done:done+chunk], scratch[inBlockOff:inBlockOff+chunk])
		}
		done += chunk
	}
	return done, nil
}

// WriteFile writes len(buf) bytes at offset into in's data, allocating
// the data and indirect blocks the write touches (never-written blocks
// before offset stay holes), and extends in.disk.Size if the write
// moves the end of file forward. On ENOSPC partway through, it returns the
// number of bytes it managed to write before space ran out along with
// the error, per the partial-success error semantics for block
// allocation failures — the caller decides whether a short write is
// acceptable.
func (fs *FileSystem) WriteFile(in *Inode, offset int64, buf []byte) (int, error) {
	in.mu.Lock()
	defer in.mu.Unlock()

	n := len(buf)
	done := 0
	var allocErr error
	for done < n {
		lblock := uint32((offset + int64(done)) / BlockSize)
		inBlockOff := int((offset + int64(done)) % BlockSize)
		chunk := BlockSize - inBlockOff
		if chunk > n-done {
			chunk = n - done
		}

		fs.metaLock.Lock()
		phys, err := fs.mapBlock(in, lblock, true)
		fs.metaLock.Unlock()
		if err != nil {
			if done == 0 {
				return 0, kerrno.Wrap("ext2.write", "ext2", err)
			}
			allocErr = kerrno.Wrap("ext2.write", "ext2", err)
			break
		}

		var scratch []byte
		if chunk == BlockSize {
			scratch = make([]byte, BlockSize)
		} else {
			scratch = make([]byte, BlockSize)
			if err := fs.readBlock(phys, scratch); err != nil {
				return done, kerrno.Wrap("ext2.write", "ext2", err)
			}
		}
		copy(scratch[inBlockOff:inBlockOff+chunk], buf[done:done+chunk])
		if err := fs.writeBlock(phys, scratch); err != nil {
			return done, kerrno.Wrap("ext2.write", "ext2", err)
		}
		done += chunk
	}

	newEnd := uint32(offset + int64(done))
	if newEnd > in.disk.Size {
		in.disk.Size = newEnd
	}
	if err := fs.writeDiskInode(in.Ino, &in.disk); err != nil {
		return done, kerrno.Wrap("ext2.write", "ext2", err)
	}
	return done, allocErr
}

// Truncate resizes in to newSize, freeing every block beyond the new
// end of file when shrinking. Growing past the current size just
// updates the recorded size: the holes this exposes read as zero via
// ReadFile without needing any blocks allocated up front.
func (fs *FileSystem) Truncate(in *Inode, newSize uint32) error {
	in.mu.Lock()
	defer in.mu.Unlock()

	if newSize < in.disk.Size {
		fromLBlock := (newSize + BlockSize - 1) / BlockSize
		fs.metaLock.Lock()
		err := fs.freeBlocksFrom(in, fromLBlock)
		fs.metaLock.Unlock()
		if err != nil {
			return kerrno.Wrap("ext2.truncate", "ext2", err)
		}
	}
	in.disk.Size = newSize
	return fs.writeDiskInode(in.Ino, &in.disk)
}
