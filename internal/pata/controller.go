package pata

import (
	"github.com/nanokern/nanokern/internal/blockdev"
	"github.com/nanokern/nanokern/internal/devtable"
	"github.com/nanokern/nanokern/internal/hal"
	"github.com/nanokern/nanokern/internal/klog"
	"github.com/nanokern/nanokern/kerrno"
)

var _ devtable.BlockDriver = (*Controller)(nil)

// driveDriver adapts one (channel, slot) pair to blockdev.LowLevelDriver.
type driveDriver struct {
	ch   *Channel
	slot int
	q    *blockdev.Queue
}

var _ blockdev.LowLevelDriver = (*driveDriver)(nil)

func (d *driveDriver) Prepare(req *blockdev.Request) error { return d.ch.prepare(d.slot, req) }
func (d *driveDriver) Submit(req *blockdev.Request) error  { return d.ch.submit(d.slot, req, d.q) }
func (d *driveDriver) ChunkSize() int                       { return maxSectorsPerChunk * sectorSize / blockdev.BlockSize }

// Controller is the PCI IDE controller: a set of channels, each
// exposing up to two drives, dispatched by minor number
// (drive_index<<4 | partition_index) per spec.md §6. It registers one
// handler per channel's IRQ vector, but the handler itself always
// walks every channel rather than assuming the firing vector
// identifies which one is pending — some legacy controllers share a
// single routed vector across both channels, and an ISR that stops at
// the first hit would starve the other channel's completion.
type Controller struct {
	channels []*Channel
	drives   []*blockdev.Device
	log      *klog.Logger
}

// NewController probes every drive on every channel and builds one
// blockdev.Device (queue + partition table) per drive found present.
// queueDepth sizes each drive's HDQ ring.
func NewController(channels []*Channel, queueDepth int, log *klog.Logger) (*Controller, error) {
	c := &Controller{channels: channels, log: log}

	for _, ch := range channels {
		for slot := 0; slot < 2; slot++ {
			info, err := ch.Identify(slot)
			if err != nil {
				return nil, kerrno.Wrap("pata.probe", "pata", err)
			}
			if !info.Present {
				c.drives = append(c.drives, nil)
				continue
			}
			drv := &driveDriver{ch: ch, slot: slot}
			q := NewQueueFor(drv, queueDepth, log)
			drv.q = q
			dev := blockdev.NewDevice(q, log)
			dev.SetRawSize(info.Sectors * sectorSize / blockdev.BlockSize)
			c.drives = append(c.drives, dev)
		}
	}
	return c, nil
}

// NewQueueFor is a thin indirection so the Controller's queue
// construction reads the same as blockdev's own, without importing
// blockdev.NewQueue directly at every call site scattered through this
// file.
func NewQueueFor(drv blockdev.LowLevelDriver, depth int, log *klog.Logger) *blockdev.Queue {
	return blockdev.NewQueue(depth, drv, log)
}

// RegisterIRQ hooks this controller's shared dispatch into every
// channel's IRQ line at the given vector. Channels that share a wire
// pass the same (irq, vector) pair; channels with distinct routing
// pass their own.
func (c *Controller) RegisterIRQ(irq hal.IRQLine, vector int) error {
	return irq.Register(vector, c.onIRQ)
}

func (c *Controller) onIRQ() {
	for _, ch := range c.channels {
		ch.serviceIfPending()
	}
}

func (c *Controller) driveAt(minor int) (*blockdev.Device, int, error) {
	idx := minor >> 4
	partition := minor & 0xF
	if idx < 0 || idx >= len(c.drives) || c.drives[idx] == nil {
		return nil, 0, kerrno.New("pata.dispatch", "pata", kerrno.ENODEV)
	}
	return c.drives[idx], partition, nil
}

func (c *Controller) Open(minor int) error {
	dev, part, err := c.driveAt(minor)
	if err != nil {
		return err
	}
	return dev.Open(part)
}

func (c *Controller) Close(minor int) error {
	dev, part, err := c.driveAt(minor)
	if err != nil {
		return err
	}
	return dev.Close(part)
}

func (c *Controller) ReadBlocks(minor int, firstBlock uint64, blocks int, buf []byte) error {
	dev, part, err := c.driveAt(minor)
	if err != nil {
		return err
	}
	return dev.ReadBlocks(part, firstBlock, blocks, buf)
}

func (c *Controller) WriteBlocks(minor int, firstBlock uint64, blocks int, buf []byte) error {
	dev, part, err := c.driveAt(minor)
	if err != nil {
		return err
	}
	return dev.WriteBlocks(part, firstBlock, blocks, buf)
}

func (c *Controller) ChunkSize() int {
	return maxSectorsPerChunk * sectorSize / blockdev.BlockSize
}

// Device returns the underlying blockdev.Device and partition index
// for minor, letting a caller layer a blockdev.Cache (and, on top of
// that, a filesystem) directly over a drive without going through the
// minor-dispatched Read/WriteBlocks path.
func (c *Controller) Device(minor int) (*blockdev.Device, int, error) {
	return c.driveAt(minor)
}
