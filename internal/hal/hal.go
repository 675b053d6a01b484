// Package hal defines the hardware-abstraction seam between the core
// kernel and the subsystems the spec declares out of scope: the
// memory manager's page-table primitives and PCI/interrupt-controller
// programming. Drivers depend only on these interfaces; production
// code satisfies them with real mmap/ioctl/APIC pokes, tests satisfy
// them with internal/simhw fakes — the same seam the teacher draws
// between its Runner and the real-vs-stub uring.Ring.
package hal

// MemIO is the subset of the memory manager the core consumes:
// virtual/physical translation, aligned allocation for DMA-visible
// buffers, and mapping a physical MMIO region into the driver's
// address space.
type MemIO interface {
	VirtToPhys(virt uintptr) (phys uintptr, err error)
	AllocAligned(n int, align int) (virt uintptr, err error)
	Free(virt uintptr)
	MapMemIO(phys uintptr, size int) (Registers, error)

	// Bytes returns the byte slice backing [virt, virt+n) of the
	// kernel's own address space, standing in for the direct pointer
	// dereference a real kernel uses on its identity-mapped DMA
	// arenas (PRDT/command-table scratch, bounce buffers).
	Bytes(virt uintptr, n int) []byte
}

// Registers is a memory-mapped register window. Width is in bytes (1,
// 2, 4, or 8); callers are responsible for using the correct width for
// a given register per its hardware definition.
type Registers interface {
	ReadN(off uintptr, width int) uint64
	WriteN(off uintptr, width int, val uint64)
}

// Read8/Read16/Read32/Read64 and the Write equivalents are narrow
// convenience wrappers over Registers, matching how register-heavy
// driver code reads in datasheets.
func Read8(r Registers, off uintptr) uint8   { return uint8(r.ReadN(off, 1)) }
func Read16(r Registers, off uintptr) uint16 { return uint16(r.ReadN(off, 2)) }
func Read32(r Registers, off uintptr) uint32 { return uint32(r.ReadN(off, 4)) }
func Read64(r Registers, off uintptr) uint64 { return r.ReadN(off, 8) }

func Write8(r Registers, off uintptr, v uint8)   { r.WriteN(off, 1, uint64(v)) }
func Write16(r Registers, off uintptr, v uint16) { r.WriteN(off, 2, uint64(v)) }
func Write32(r Registers, off uintptr, v uint32) { r.WriteN(off, 4, uint64(v)) }
func Write64(r Registers, off uintptr, v uint64) { r.WriteN(off, 8, v) }

// IRQLine lets a driver register a handler for an interrupt vector and
// mask/unmask it, mirroring the PIC/APIC interface the spec keeps out
// of core scope. A real implementation routes to the IOAPIC; simhw's
// fake calls handlers synchronously (or on a goroutine) when Fire is
// invoked by a test.
type IRQLine interface {
	Register(vector int, handler func()) error
	Mask(vector int)
	Unmask(vector int)
}

// DMAMemory is a page of memory a driver can both address virtually
// (to fill with request data) and translate to the physical address a
// PRDT/command-table entry needs, obtained via MemIO.AllocAligned +
// MemIO.VirtToPhys.
type DMAMemory struct {
	Virt uintptr
	Phys uintptr
	Buf  []byte
}
