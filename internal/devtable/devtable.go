// Package devtable is the driver manager: a registry mapping a major
// number to a block driver's operation table, per the spec's BDA
// contract `{open, close, read(blocks), write(blocks)}` keyed by
// (major, minor). Grounded on the teacher's single-Backend-per-device
// idiom, generalized to a registry since the spec requires several
// majors (PATA, AHCI) sharing one contract.
package devtable

import (
	"sync"

	"github.com/nanokern/nanokern/kerrno"
)

// BlockDriver is the uniform per-major contract. Block size at this
// layer is fixed at 1024 bytes; drivers translate to their own sector
// units internally. ChunkSize reports the largest number of 1024-byte
// blocks a single Read/Write call may receive without exceeding the
// driver's PRDT/command-table capacity.
type BlockDriver interface {
	Open(minor int) error
	Close(minor int) error
	ReadBlocks(minor int, firstBlock uint64, blocks int, buf []byte) error
	WriteBlocks(minor int, firstBlock uint64, blocks int, buf []byte) error
	ChunkSize() int
}

// Registry maps major numbers to their driver's operation table.
type Registry struct {
	mu     sync.RWMutex
	majors map[int]BlockDriver
}

func NewRegistry() *Registry {
	return &Registry{majors: map[int]BlockDriver{}}
}

// Register installs a driver under the given major. Re-registering a
// major replaces the previous driver (used by tests).
func (r *Registry) Register(major int, drv BlockDriver) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.majors[major] = drv
}

// Lookup returns the driver for a major, or ENODEV if none is registered.
func (r *Registry) Lookup(major int) (BlockDriver, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	drv, ok := r.majors[major]
	if !ok {
		return nil, kerrno.New("devtable.lookup", "devtable", kerrno.ENODEV)
	}
	return drv, nil
}
