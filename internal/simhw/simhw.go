// Package simhw is the test double for internal/hal: an in-process
// fake MemIO/Registers/IRQLine used by the pata/ahci/dma unit tests
// and by pata's simulated drive,
// grounded on the teacher's NewStubRunner/MockBackend pattern (drive
// the real state machine without real hardware underneath).
package simhw

import (
	"fmt"
	"sync"

	"github.com/nanokern/nanokern/internal/hal"
)

const pageSize = 4096

// Arena is a fake physical address space: a flat byte slice that
// AllocAligned carves pages out of and MapMemIO/VirtToPhys treat as
// identity-mapped (virt == phys) for simplicity, which is sufficient
// to exercise PRDT page-boundary and DMA round-trip invariants. The
// backing store is a real anonymous mmap rather than a make([]byte)
// slice, so AllocAligned's page-aligned carve-outs sit on actual page
// boundaries instead of wherever the Go allocator happened to place a
// slice.
type Arena struct {
	mu     sync.Mutex
	buf    []byte
	cursor uintptr
}

// NewArena allocates a fake physical memory region of the given size.
func NewArena(size int) *Arena {
	buf, err := mmapAnon(size)
	if err != nil {
		buf = make([]byte, size)
	}
	return &Arena{buf: buf}
}

// Close unmaps the arena's backing memory. Safe to call on an arena
// whose buffer came from the make([]byte) fallback; munmap is simply
// skipped in that case.
func (a *Arena) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return munmapAnon(a.buf)
}

func (a *Arena) VirtToPhys(virt uintptr) (uintptr, error) {
	if virt >= uintptr(len(a.buf)) {
		return 0, fmt.Errorf("simhw: address %d out of arena", virt)
	}
	return virt, nil
}

func (a *Arena) AllocAligned(n int, align int) (uintptr, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if align <= 0 {
		align = 1
	}
	start := a.cursor
	if rem := start % uintptr(align); rem != 0 {
		start += uintptr(align) - rem
	}
	if start+uintptr(n) > uintptr(len(a.buf)) {
		return 0, fmt.Errorf("simhw: arena exhausted")
	}
	a.cursor = start + uintptr(n)
	return start, nil
}

func (a *Arena) Free(uintptr) {}

// MapMemIO returns a Registers view over a fake register bank; for the
// arena itself this is unused (drivers map a distinct RegisterFile),
// so this mainly exists to let Arena satisfy hal.MemIO end to end.
func (a *Arena) MapMemIO(phys uintptr, size int) (hal.Registers, error) {
	return NewRegisterFile(size), nil
}

// Bytes returns the slice backing [off, off+n) of the arena, letting
// tests/drivers read or write "physical memory" directly (equivalent
// to a real driver dereferencing a DMA buffer's kernel virtual alias).
func (a *Arena) Bytes(off uintptr, n int) []byte {
	return a.buf[off : int(off)+n]
}

func (a *Arena) Len() int { return len(a.buf) }

// RegisterFile is a fake MMIO register window backed by a byte slice,
// satisfying hal.Registers.
type RegisterFile struct {
	mu  sync.Mutex
	mem []byte
}

func NewRegisterFile(size int) *RegisterFile {
	return &RegisterFile{mem: make([]byte, size)}
}

func (r *RegisterFile) ReadN(off uintptr, width int) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	var v uint64
	for i := 0; i < width; i++ {
		v |= uint64(r.mem[int(off)+i]) << (8 * i)
	}
	return v
}

func (r *RegisterFile) WriteN(off uintptr, width int, val uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := 0; i < width; i++ {
		r.mem[int(off)+i] = byte(val >> (8 * i))
	}
}

// IRQLine is a fake interrupt controller: handlers are invoked
// synchronously by Fire, which tests call to simulate a hardware
// interrupt arriving. Masked vectors do not fire.
type IRQLine struct {
	mu       sync.Mutex
	handlers map[int]func()
	masked   map[int]bool
}

func NewIRQLine() *IRQLine {
	return &IRQLine{handlers: map[int]func(){}, masked: map[int]bool{}}
}

func (l *IRQLine) Register(vector int, handler func()) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.handlers[vector] = handler
	return nil
}

func (l *IRQLine) Mask(vector int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.masked[vector] = true
}

func (l *IRQLine) Unmask(vector int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.masked[vector] = false
}

// Fire invokes the handler registered for vector, unless masked. It is
// a test helper standing in for a real IRQ delivery.
func (l *IRQLine) Fire(vector int) {
	l.mu.Lock()
	h, ok := l.handlers[vector]
	masked := l.masked[vector]
	l.mu.Unlock()
	if ok && !masked {
		h()
	}
}

const PageSize = pageSize
