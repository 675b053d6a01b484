// Package dma builds the page-safe scatter-gather region lists shared
// by the PATA PRDT and AHCI command-table PRDT builders: per spec.md
// §4.2, "split the buffer into chunks where each chunk is the overlap
// of one virtual page with the buffer; translate each virtual
// chunk-start to physical via the memory manager; no single entry
// crosses a page boundary."
package dma

import "github.com/nanokern/nanokern/internal/hal"

// Region is one physical scatter-gather entry: a contiguous physical
// range that does not cross a page boundary.
type Region struct {
	Phys  uintptr
	Bytes int
}

// PageSize is the platform page size used to bound each DMA region.
const PageSize = 4096

// SplitRegions walks [virtBase, virtBase+len(buf)) one page-overlap at
// a time, translating each chunk's start address to physical via
// memio. The first chunk may be shorter than PageSize if virtBase is
// not page-aligned; all following chunks up to the last are exactly
// PageSize; the last chunk is whatever remains.
func SplitRegions(buf []byte, virtBase uintptr, memio hal.MemIO) ([]Region, error) {
	var regions []Region
	remaining := len(buf)
	virt := virtBase

	for remaining > 0 {
		pageOff := virt % PageSize
		chunk := PageSize - int(pageOff)
		if chunk > remaining {
			chunk = remaining
		}

		phys, err := memio.VirtToPhys(virt)
		if err != nil {
			return nil, err
		}

		regions = append(regions, Region{Phys: phys, Bytes: chunk})
		virt += uintptr(chunk)
		remaining -= chunk
	}

	return regions, nil
}
