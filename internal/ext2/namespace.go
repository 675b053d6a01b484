package ext2

import "github.com/nanokern/nanokern/kerrno"

// Lookup resolves name within dir and returns a referenced handle to
// the target inode. Callers must ReleaseInode it.
func (fs *FileSystem) Lookup(dir *Inode, name string) (*Inode, error) {
	if dir.disk.Mode&ModeFmt != ModeDir {
		return nil, kerrno.New("ext2.lookup", "ext2", kerrno.ENOTDIR)
	}
	e, err := fs.LookupDirent(dir, name)
	if err != nil {
		return nil, err
	}
	return fs.inodes.GetInode(e.Ino)
}

// Create allocates a new inode of the given mode and links it into
// dir under name.
func (fs *FileSystem) Create(dir *Inode, name string, mode uint16) (*Inode, error) {
	if dir.disk.Mode&ModeFmt != ModeDir {
		return nil, kerrno.New("ext2.create", "ext2", kerrno.ENOTDIR)
	}
	if _, err := fs.LookupDirent(dir, name); err == nil {
		return nil, kerrno.New("ext2.create", "ext2", kerrno.EEXIST)
	}

	group, _ := fs.inodeGroupAndIndex(dir.Ino)
	fs.metaLock.Lock()
	ino, err := fs.allocInodeNumber(group, mode&ModeFmt == ModeDir)
	fs.metaLock.Unlock()
	if err != nil {
		return nil, kerrno.Wrap("ext2.create", "ext2", err)
	}

	disk := DiskInode{Mode: mode, LinksCount: 1}
	if err := fs.writeDiskInode(ino, &disk); err != nil {
		return nil, err
	}

	ft := uint8(FtReg)
	if mode&ModeFmt == ModeDir {
		ft = FtDir
	} else if mode&ModeFmt == ModeChr {
		ft = FtChr
	} else if mode&ModeFmt == ModeBlk {
		ft = FtBlk
	}
	if err := fs.InsertDirent(dir, name, ino, ft); err != nil {
		return nil, err
	}

	return fs.inodes.GetInode(ino)
}

// Mkdir creates a new directory under dir named name, with "." and
// ".." entries pointing at itself and its parent.
func (fs *FileSystem) Mkdir(dir *Inode, name string) (*Inode, error) {
	child, err := fs.Create(dir, name, ModeDir)
	if err != nil {
		return nil, err
	}
	if err := fs.InsertDirent(child, ".", child.Ino, FtDir); err != nil {
		return nil, err
	}
	if err := fs.InsertDirent(child, "..", dir.Ino, FtDir); err != nil {
		return nil, err
	}
	child.mu.Lock()
	child.disk.LinksCount = 2
	err = fs.writeDiskInode(child.Ino, &child.disk)
	child.mu.Unlock()
	if err != nil {
		return nil, err
	}

	dir.mu.Lock()
	dir.disk.LinksCount++
	err = fs.writeDiskInode(dir.Ino, &dir.disk)
	dir.mu.Unlock()
	return child, err
}

// Link adds a second directory entry for target under dir/name,
// incrementing target's link count. Directories cannot be hard-linked
// (their ".."-based parent identity would become ambiguous), and
// LinkMax caps how high a link count this package will push an inode
// to, matching real EXT2's guard against link-count overflow on
// 16-bit counters.
func (fs *FileSystem) Link(dir *Inode, name string, target *Inode) error {
	if target.disk.Mode&ModeFmt == ModeDir {
		return kerrno.New("ext2.link", "ext2", kerrno.EPERM)
	}
	if _, err := fs.LookupDirent(dir, name); err == nil {
		return kerrno.New("ext2.link", "ext2", kerrno.EEXIST)
	}

	target.mu.Lock()
	if target.disk.LinksCount >= LinkMax {
		target.mu.Unlock()
		return kerrno.New("ext2.link", "ext2", kerrno.EMLINK)
	}
	target.disk.LinksCount++
	err := fs.writeDiskInode(target.Ino, &target.disk)
	target.mu.Unlock()
	if err != nil {
		return err
	}

	ft := uint8(FtReg)
	if target.disk.Mode&ModeFmt == ModeChr {
		ft = FtChr
	} else if target.disk.Mode&ModeFmt == ModeBlk {
		ft = FtBlk
	}
	return fs.InsertDirent(dir, name, target.Ino, ft)
}

// Unlink removes name from dir and drops the target's link count by
// one. When the count reaches zero and no process still holds the
// inode open, ReleaseInode's wipe path reclaims it immediately;
// otherwise the wipe is deferred until the last open reference drops.
func (fs *FileSystem) Unlink(dir *Inode, name string) error {
	e, err := fs.LookupDirent(dir, name)
	if err != nil {
		return err
	}
	if e.FileType == FtDir {
		return kerrno.New("ext2.unlink", "ext2", kerrno.EISDIR)
	}

	target, err := fs.inodes.GetInode(e.Ino)
	if err != nil {
		return err
	}

	if err := fs.RemoveDirent(dir, name); err != nil {
		fs.inodes.ReleaseInode(target)
		return err
	}

	target.mu.Lock()
	if target.disk.LinksCount > 0 {
		target.disk.LinksCount--
	}
	target.mu.Unlock()

	return fs.inodes.ReleaseInode(target)
}

// Rmdir removes an empty, non-root directory. This package keeps no
// record of mount points, so no mount-point check is made. force
// bypasses the "must be empty" and link-count>2 refusal checks, for a
// privileged caller that wants to tear down a subtree anyway.
func (fs *FileSystem) Rmdir(dir *Inode, name string, force bool) error {
	e, err := fs.LookupDirent(dir, name)
	if err != nil {
		return err
	}
	if e.FileType != FtDir {
		return kerrno.New("ext2.rmdir", "ext2", kerrno.ENOTDIR)
	}
	if e.Ino == RootInode {
		return kerrno.New("ext2.rmdir", "ext2", kerrno.EBUSY)
	}

	target, err := fs.inodes.GetInode(e.Ino)
	if err != nil {
		return err
	}

	if !force {
		empty, err := fs.DirIsEmpty(target)
		if err != nil {
			fs.inodes.ReleaseInode(target)
			return err
		}
		if !empty {
			fs.inodes.ReleaseInode(target)
			return kerrno.New("ext2.rmdir", "ext2", kerrno.ENOTEMPTY)
		}
		target.mu.Lock()
		linkCount := target.disk.LinksCount
		target.mu.Unlock()
		if linkCount > 2 {
			fs.inodes.ReleaseInode(target)
			return kerrno.New("ext2.rmdir", "ext2", kerrno.ENOTEMPTY)
		}
	}

	if err := fs.RemoveDirent(dir, name); err != nil {
		fs.inodes.ReleaseInode(target)
		return err
	}

	target.mu.Lock()
	target.disk.LinksCount = 0
	target.mu.Unlock()

	if err := fs.inodes.ReleaseInode(target); err != nil {
		return err
	}

	dir.mu.Lock()
	if dir.disk.LinksCount > 0 {
		dir.disk.LinksCount--
	}
	err = fs.writeDiskInode(dir.Ino, &dir.disk)
	dir.mu.Unlock()
	return err
}

// Root returns a referenced handle to the filesystem's root directory
// inode (always inode 2 per the on-disk layout).
func (fs *FileSystem) Root() (*Inode, error) {
	return fs.inodes.GetInode(RootInode)
}

// ReleaseInode drops one reference on a handle obtained from Root,
// Lookup, Create, or Mkdir.
func (fs *FileSystem) ReleaseInode(in *Inode) error {
	return fs.inodes.ReleaseInode(in)
}
