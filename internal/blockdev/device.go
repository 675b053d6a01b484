package blockdev

import (
	"github.com/nanokern/nanokern/internal/klog"
	"github.com/nanokern/nanokern/kerrno"
)

// Partition describes one MBR partition's block range (first/last
// inclusive, in BlockSize units), read at probe time. Partition 0 is
// always the raw whole-device view and is not bounds checked.
type Partition struct {
	First uint64
	Last  uint64
}

// MaxPartitions is the number of partition slots per drive: minor =
// (drive_index<<4)|partition_index, so 16 partitions (0=raw) per spec.md §6.
const MaxPartitions = 16

// Device is one physical drive behind an HDQ: queue + partition table
// + chunked read/write, satisfying devtable.BlockDriver once wrapped
// by a per-major dispatcher (see the pata/ahci packages).
type Device struct {
	Queue      *Queue
	Partitions [MaxPartitions]Partition
	opens      [MaxPartitions]int
	log        *klog.Logger
}

// NewDevice creates a Device over the given queue. Partition 1..15
// should be populated by the caller after probing the MBR; partition 0
// defaults to covering the whole device once SetRawSize is called.
func NewDevice(q *Queue, log *klog.Logger) *Device {
	return &Device{Queue: q, log: log}
}

// SetRawSize configures partition 0 (the raw device) to span
// [0, totalBlocks).
func (d *Device) SetRawSize(totalBlocks uint64) {
	if totalBlocks == 0 {
		d.Partitions[0] = Partition{}
		return
	}
	d.Partitions[0] = Partition{First: 0, Last: totalBlocks - 1}
}

// Open tracks a reference to a minor partition (no-op beyond counting:
// the spec's BDA contract doesn't require exclusive-open semantics).
func (d *Device) Open(partition int) error {
	if partition < 0 || partition >= MaxPartitions {
		return kerrno.New("blockdev.open", "blockdev", kerrno.ENODEV)
	}
	d.opens[partition]++
	return nil
}

func (d *Device) Close(partition int) error {
	if partition < 0 || partition >= MaxPartitions {
		return kerrno.New("blockdev.close", "blockdev", kerrno.ENODEV)
	}
	if d.opens[partition] > 0 {
		d.opens[partition]--
	}
	return nil
}

// translate validates that [firstBlock, firstBlock+blocks) lies within
// the partition's bounds and returns the absolute (whole-device) first
// block. Partition 0 (raw) has no bound check beyond non-negativity.
func (d *Device) translate(partition int, firstBlock uint64, blocks int) (uint64, error) {
	if partition < 0 || partition >= MaxPartitions {
		return 0, kerrno.New("blockdev.translate", "blockdev", kerrno.ENODEV)
	}
	if blocks < 0 {
		return 0, kerrno.New("blockdev.translate", "blockdev", kerrno.EINVAL)
	}
	if partition == 0 {
		return firstBlock, nil
	}
	part := d.Partitions[partition]
	if part.Last < part.First && part.Last == 0 {
		return 0, kerrno.New("blockdev.translate", "blockdev", kerrno.EINVAL)
	}
	last := firstBlock
	if blocks > 0 {
		last = firstBlock + uint64(blocks) - 1
	}
	abs := part.First + firstBlock
	absLast := part.First + last
	if firstBlock > part.Last-part.First+1 || absLast > part.Last {
		return 0, kerrno.New("blockdev.translate", "blockdev", kerrno.EINVAL)
	}
	return abs, nil
}

// ReadBlocks reads `blocks` BlockSize-sized blocks starting at
// firstBlock (partition-relative) into buf, chunking into pieces no
// larger than the driver's ChunkSize so the PRDT capacity is never
// exceeded.
func (d *Device) ReadBlocks(partition int, firstBlock uint64, blocks int, buf []byte) error {
	return d.do(Read, partition, firstBlock, blocks, buf)
}

// WriteBlocks writes `blocks` blocks from buf starting at firstBlock
// (partition-relative), chunked the same way as ReadBlocks.
func (d *Device) WriteBlocks(partition int, firstBlock uint64, blocks int, buf []byte) error {
	return d.do(Write, partition, firstBlock, blocks, buf)
}

func (d *Device) do(rw RW, partition int, firstBlock uint64, blocks int, buf []byte) error {
	if len(buf) < blocks*BlockSize {
		return kerrno.New("blockdev.io", "blockdev", kerrno.EINVAL)
	}
	abs, err := d.translate(partition, firstBlock, blocks)
	if err != nil {
		return err
	}

	chunkSize := d.Queue.driver.ChunkSize()
	if chunkSize <= 0 {
		chunkSize = blocks
		if chunkSize == 0 {
			chunkSize = 1
		}
	}

	remaining := blocks
	cur := abs
	off := 0
	for remaining > 0 {
		n := remaining
		if n > chunkSize {
			n = chunkSize
		}
		req := newRequest(partition, rw, cur, n, buf[off:off+n*BlockSize])
		if err := d.Queue.Submit(req); err != nil {
			return kerrno.Wrap("blockdev.io", "blockdev", err)
		}
		remaining -= n
		cur += uint64(n)
		off += n * BlockSize
	}
	return nil
}

// ChunkSize exposes the underlying driver's chunk size for callers
// that need to size their own buffers (e.g. the block cache).
func (d *Device) ChunkSize() int { return d.Queue.driver.ChunkSize() }
