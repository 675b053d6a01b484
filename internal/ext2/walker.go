package ext2

import "github.com/nanokern/nanokern/kerrno"

// ptrsPerBlock is how many 4-byte block pointers fit in one 1024-byte
// indirect block.
const ptrsPerBlock = BlockSize / 4

// blocksPer1K is i_blocks' unit: the disk-inode field counts 512-byte
// sectors regardless of the filesystem's own block size, so every
// 1024-byte block (dis)allocated moves it by this many.
const blocksPer1K = BlockSize / 512

const (
	singleBase = NDirBlocks
	doubleBase = singleBase + ptrsPerBlock
	tripleBase = doubleBase + ptrsPerBlock*ptrsPerBlock
)

// readPointerEntry/writePointerEntry read or read-modify-write one
// 4-byte little-endian pointer slot inside an indirect block.
func (fs *FileSystem) readPointerEntry(block uint32, idx int) (uint32, error) {
	buf := make([]byte, 4)
	if err := fs.cache.ReadBytes(int64(block)*BlockSize+int64(idx)*4, 4, buf); err != nil {
		return 0, err
	}
	return getU32(buf), nil
}

func (fs *FileSystem) writePointerEntry(block uint32, idx int, val uint32) error {
	buf := make([]byte, 4)
	putU32(buf, val)
	return fs.cache.WriteBytes(int64(block)*BlockSize+int64(idx)*4, 4, buf)
}

// allocZeroed allocates a fresh block and zero-fills it: used both for
// new pointer (indirect) blocks, whose unset entries must read as "no
// child", and for new data blocks, so a write that lands past the
// current end of file does not expose stale disk content in the hole
// it creates.
func (fs *FileSystem) allocZeroed(preferGroup int) (uint32, error) {
	b, err := fs.allocBlock(preferGroup)
	if err != nil {
		return 0, err
	}
	zero := make([]byte, BlockSize)
	if err := fs.writeBlock(b, zero); err != nil {
		return 0, err
	}
	return b, nil
}

// allocZeroedFor is allocZeroed plus the i_blocks bookkeeping: every
// block (data or indirect container alike) handed to in moves its
// on-disk Blocks count by blocksPer1K, per spec.md §3's "i_blocks
// stays consistent with the ... block tree" invariant.
func (fs *FileSystem) allocZeroedFor(in *Inode, preferGroup int) (uint32, error) {
	b, err := fs.allocZeroed(preferGroup)
	if err != nil {
		return 0, err
	}
	in.disk.Blocks += blocksPer1K
	return b, nil
}

// freeBlockFor is freeBlock plus the matching i_blocks decrement.
func (fs *FileSystem) freeBlockFor(in *Inode, b uint32) error {
	if err := fs.freeBlock(b); err != nil {
		return err
	}
	if in.disk.Blocks >= blocksPer1K {
		in.disk.Blocks -= blocksPer1K
	} else {
		in.disk.Blocks = 0
	}
	return nil
}

// followOrAlloc reads entry idx of container block cont; if it is
// unset and allocate is true, it allocates a fresh zeroed block and
// links it in. Returns 0 with no error if the entry is a hole and
// allocate is false.
func (fs *FileSystem) followOrAlloc(in *Inode, cont uint32, idx int, allocate bool, preferGroup int) (uint32, error) {
	v, err := fs.readPointerEntry(cont, idx)
	if err != nil {
		return 0, err
	}
	if v != 0 {
		return v, nil
	}
	if !allocate {
		return 0, nil
	}
	nb, err := fs.allocZeroedFor(in, preferGroup)
	if err != nil {
		return 0, err
	}
	if err := fs.writePointerEntry(cont, idx, nb); err != nil {
		return 0, err
	}
	return nb, nil
}

// mapBlock resolves the on-disk block backing in's logical block
// lblock, walking the inode's direct pointers and up to three levels
// of indirection. When allocate is true, any unset pointer along the
// path (including the indirect containers themselves) is filled in
// with a freshly allocated zeroed block; otherwise an unset pointer is
// reported as a hole (block 0, nil error).
func (fs *FileSystem) mapBlock(in *Inode, lblock uint32, allocate bool) (uint32, error) {
	preferGroup, _ := fs.inodeGroupAndIndex(in.Ino)

	if lblock < singleBase {
		slot := int(lblock)
		v := in.disk.Block[slot]
		if v != 0 {
			return v, nil
		}
		if !allocate {
			return 0, nil
		}
		nb, err := fs.allocZeroedFor(in, preferGroup)
		if err != nil {
			return 0, err
		}
		in.disk.Block[slot] = nb
		return nb, nil
	}

	rem := lblock - singleBase
	if rem < ptrsPerBlock {
		root, err := fs.rootPointer(in, IndBlock, allocate, preferGroup)
		if err != nil || root == 0 {
			return 0, err
		}
		return fs.followOrAlloc(in, root, int(rem), allocate, preferGroup)
	}

	rem -= ptrsPerBlock
	if rem < ptrsPerBlock*ptrsPerBlock {
		root, err := fs.rootPointer(in, DIndBlock, allocate, preferGroup)
		if err != nil || root == 0 {
			return 0, err
		}
		l1, err := fs.followOrAlloc(in, root, int(rem/ptrsPerBlock), allocate, preferGroup)
		if err != nil || l1 == 0 {
			return 0, err
		}
		return fs.followOrAlloc(in, l1, int(rem%ptrsPerBlock), allocate, preferGroup)
	}

	rem -= ptrsPerBlock * ptrsPerBlock
	if rem >= ptrsPerBlock*ptrsPerBlock*ptrsPerBlock {
		return 0, kerrno.New("ext2.map_block", "ext2", kerrno.EINVAL)
	}
	root, err := fs.rootPointer(in, TIndBlock, allocate, preferGroup)
	if err != nil || root == 0 {
		return 0, err
	}
	l1, err := fs.followOrAlloc(in, root, int(rem/(ptrsPerBlock*ptrsPerBlock)), allocate, preferGroup)
	if err != nil || l1 == 0 {
		return 0, err
	}
	rem2 := rem % (ptrsPerBlock * ptrsPerBlock)
	l2, err := fs.followOrAlloc(in, l1, int(rem2/ptrsPerBlock), allocate, preferGroup)
	if err != nil || l2 == 0 {
		return 0, err
	}
	return fs.followOrAlloc(in, l2, int(rem2%ptrsPerBlock), allocate, preferGroup)
}

func (fs *FileSystem) rootPointer(in *Inode, slot int, allocate bool, preferGroup int) (uint32, error) {
	v := in.disk.Block[slot]
	if v != 0 {
		return v, nil
	}
	if !allocate {
		return 0, nil
	}
	nb, err := fs.allocZeroedFor(in, preferGroup)
	if err != nil {
		return 0, err
	}
	in.disk.Block[slot] = nb
	return nb, nil
}

// treeFrame is one level of the explicit stack freeBlocksFrom walks
// in place of recursion (Go has no tail-call optimization, and the
// real depth here — up to three indirection levels — is small but
// fixed, so an explicit stack of frames is simpler to reason about
// than bounding a recursive call's depth by hand).
type treeFrame struct {
	block        uint32
	level        int // 1 = entries are data-block pointers; 2/3 = entries point to child containers
	startChild   int
	boundaryPath []int
	childIdx     int
	descending   bool
	anyKept      bool
	parentBlock  uint32 // 0 => parent is the inode's direct Block[] array
	parentIdx    int
}

func (fs *FileSystem) runFreeStack(in *Inode, root treeFrame) error {
	stack := []treeFrame{root}
	for len(stack) > 0 {
		top := &stack[len(stack)-1]

		if top.childIdx >= ptrsPerBlock {
			// The very first frame (the one freeBlocksFrom pushed) has
			// parentBlock == 0; its own free-and-unlink is the wrapper's
			// job once it has also checked the region's emptiness, so
			// only non-root frames (genuine children this stack
			// discovered and pushed itself) free themselves here.
			if top.parentBlock != 0 && top.startChild == 0 && !top.anyKept {
				if err := fs.freeBlockFor(in, top.block); err != nil {
					return err
				}
				if err := fs.writePointerEntry(top.parentBlock, top.parentIdx, 0); err != nil {
					return err
				}
			}
			stack = stack[:len(stack)-1]
			continue
		}

		i := top.childIdx
		if i < top.startChild {
			top.childIdx++
			continue
		}

		if top.level == 1 {
			entry, err := fs.readPointerEntry(top.block, i)
			if err != nil {
				return err
			}
			if entry != 0 {
				if err := fs.freeBlockFor(in, entry); err != nil {
					return err
				}
				if err := fs.writePointerEntry(top.block, i, 0); err != nil {
					return err
				}
			}
			top.childIdx++
			continue
		}

		if !top.descending {
			entry, err := fs.readPointerEntry(top.block, i)
			if err != nil {
				return err
			}
			if entry == 0 {
				top.childIdx++
				continue
			}
			childStart := 0
			var childBoundary []int
			if i == top.startChild && len(top.boundaryPath) > 0 {
				childStart = top.boundaryPath[0]
				childBoundary = top.boundaryPath[1:]
			}
			top.descending = true
			stack = append(stack, treeFrame{
				block: entry, level: top.level - 1,
				startChild: childStart, boundaryPath: childBoundary,
				parentBlock: top.block, parentIdx: i,
			})
			continue
		}

		entry, err := fs.readPointerEntry(top.block, i)
		if err != nil {
			return err
		}
		if entry != 0 {
			top.anyKept = true
		}
		top.childIdx++
		top.descending = false
	}
	return nil
}

// freeBlocksFrom frees every allocated block (data and indirect
// container alike) whose logical block number is >= fromLBlock,
// reclaiming an indirect container as soon as every entry under it has
// been freed. Used by truncate (including truncate-to-zero on unlink).
func (fs *FileSystem) freeBlocksFrom(in *Inode, fromLBlock uint32) error {
	for s := 0; s < NDirBlocks; s++ {
		if uint32(s) >= fromLBlock && in.disk.Block[s] != 0 {
			if err := fs.freeBlockFor(in, in.disk.Block[s]); err != nil {
				return err
			}
			in.disk.Block[s] = 0
		}
	}

	if root := in.disk.Block[IndBlock]; root != 0 {
		start, ok := boundaryWithin(fromLBlock, singleBase, ptrsPerBlock)
		if ok {
			if err := fs.runFreeStack(in, treeFrame{block: root, level: 1, startChild: start}); err != nil {
				return err
			}
			if start == 0 {
				if err := fs.freeBlockFor(in, root); err != nil {
					return err
				}
				in.disk.Block[IndBlock] = 0
			}
		}
	}

	if root := in.disk.Block[DIndBlock]; root != 0 {
		start, ok := boundaryWithin(fromLBlock, doubleBase, ptrsPerBlock*ptrsPerBlock)
		if ok {
			i1 := start / ptrsPerBlock
			i0 := start % ptrsPerBlock
			startChild, boundary := 0, []int(nil)
			if start > 0 {
				startChild, boundary = i1, []int{i0}
			}
			if err := fs.runFreeStack(in, treeFrame{block: root, level: 2, startChild: startChild, boundaryPath: boundary}); err != nil {
				return err
			}
			if startChild == 0 {
				allEmpty, err := containerFullyEmpty(fs, root)
				if err != nil {
					return err
				}
				if allEmpty {
					if err := fs.freeBlockFor(in, root); err != nil {
						return err
					}
					in.disk.Block[DIndBlock] = 0
				}
			}
		}
	}

	if root := in.disk.Block[TIndBlock]; root != 0 {
		start, ok := boundaryWithin(fromLBlock, tripleBase, ptrsPerBlock*ptrsPerBlock*ptrsPerBlock)
		if ok {
			i2 := start / (ptrsPerBlock * ptrsPerBlock)
			rem := start % (ptrsPerBlock * ptrsPerBlock)
			i1 := rem / ptrsPerBlock
			i0 := rem % ptrsPerBlock
			startChild, boundary := 0, []int(nil)
			if start > 0 {
				startChild, boundary = i2, []int{i1, i0}
			}
			if err := fs.runFreeStack(in, treeFrame{block: root, level: 3, startChild: startChild, boundaryPath: boundary}); err != nil {
				return err
			}
			if startChild == 0 {
				allEmpty, err := containerFullyEmpty(fs, root)
				if err != nil {
					return err
				}
				if allEmpty {
					if err := fs.freeBlockFor(in, root); err != nil {
						return err
					}
					in.disk.Block[TIndBlock] = 0
				}
			}
		}
	}

	return nil
}

// boundaryWithin reports whether the [base, base+span) logical range
// is touched by a truncate starting at fromLBlock, and if so the
// region-relative start index to begin freeing from (0 meaning "free
// this whole region").
func boundaryWithin(fromLBlock uint32, base, span uint32) (int, bool) {
	if fromLBlock >= base+span {
		return 0, false
	}
	if fromLBlock <= base {
		return 0, true
	}
	return int(fromLBlock - base), true
}

// containerFullyEmpty reports whether every entry in a 256-pointer
// container is zero, after runFreeStack has already zeroed any subtree
// it fully reclaimed.
func containerFullyEmpty(fs *FileSystem, block uint32) (bool, error) {
	buf := make([]byte, BlockSize)
	if err := fs.readBlock(block, buf); err != nil {
		return false, err
	}
	for i := 0; i < len(buf); i++ {
		if buf[i] != 0 {
			return false, nil
		}
	}
	return true, nil
}
