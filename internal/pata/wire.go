package pata

import "unsafe"

// PRDEntry is one Physical Region Descriptor Table entry, the wire
// format the bus-master DMA engine reads directly: a 32-bit physical
// address, a 16-bit byte count (0 means 64KiB), and a flags word whose
// top bit marks the last entry in the table.
type PRDEntry struct {
	PhysAddr  uint32
	ByteCount uint16
	Flags     uint16
}

// Compile-time size check: the bus-master hardware reads this struct
// byte-for-byte, so it must be exactly 8 bytes with no padding.
var _ [8]byte = [unsafe.Sizeof(PRDEntry{})]byte{}

// FlagEOT marks the last PRD entry in a table.
const FlagEOT = 1 << 15

// maxPRDEntries bounds how many 64KiB-or-smaller regions a single
// request's PRDT can describe; it sets the driver's ChunkSize.
const maxPRDEntries = 32

// maxSectorsPerChunk caps a single DMA transfer so its worst case
// (every region split at a page boundary) still fits maxPRDEntries.
// With 512-byte sectors and a 4KiB page, one page never needs more
// than one PRD entry per contiguous buffer segment, so this is
// maxPRDEntries pages' worth of sectors.
const maxSectorsPerChunk = maxPRDEntries * 8 // 4096/512 sectors per page
