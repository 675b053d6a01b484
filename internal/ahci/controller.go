package ahci

import (
	"github.com/nanokern/nanokern/internal/blockdev"
	"github.com/nanokern/nanokern/internal/devtable"
	"github.com/nanokern/nanokern/internal/dma"
	"github.com/nanokern/nanokern/internal/hal"
	"github.com/nanokern/nanokern/internal/klog"
	"github.com/nanokern/nanokern/kerrno"
)

var _ devtable.BlockDriver = (*Controller)(nil)

// portDriver adapts one Port to blockdev.LowLevelDriver.
type portDriver struct {
	port *Port
	q    *blockdev.Queue
}

var _ blockdev.LowLevelDriver = (*portDriver)(nil)

func (d *portDriver) Prepare(req *blockdev.Request) error { return d.port.prepare(req) }
func (d *portDriver) Submit(req *blockdev.Request) error  { return d.port.submit(req, d.q) }
func (d *portDriver) ChunkSize() int                       { return d.port.chunkSize() }

// Controller is the AHCI HBA: a set of ports, each a separate device
// (unlike PATA's shared-bus channels, AHCI ports are independent, so
// multiple ports may have requests in flight simultaneously). The IRQ
// dispatcher still walks every port unconditionally on each fire,
// for the same reason PATA's does: a shared/coalesced interrupt line
// must not let an early return starve a later port's completion.
type Controller struct {
	ghc    hal.Registers
	ports  []*Port
	drives []*blockdev.Device
	log    *klog.Logger
}

// NewController enables AE in GHC, brings up every port, and builds
// one blockdev.Device per port reporting present=true via identify.
func NewController(ghc hal.Registers, ports []*Port, queueDepth int, log *klog.Logger) (*Controller, error) {
	hal.Write32(ghc, RegGHC, hal.Read32(ghc, RegGHC)|GHCAE)

	c := &Controller{ghc: ghc, ports: ports, log: log}
	for _, p := range ports {
		if err := p.init(); err != nil {
			return nil, kerrno.Wrap("ahci.bring_up", "ahci", err)
		}
		if !p.present {
			c.drives = append(c.drives, nil)
			continue
		}
		drv := &portDriver{port: p}
		q := blockdev.NewQueue(queueDepth, drv, log)
		drv.q = q
		dev := blockdev.NewDevice(q, log)
		dev.SetRawSize(p.sectors * sectorSize / blockdev.BlockSize)
		c.drives = append(c.drives, dev)
	}
	return c, nil
}

// RegisterIRQ hooks this controller's shared dispatch into the HBA's
// IRQ line/vector.
func (c *Controller) RegisterIRQ(irq hal.IRQLine, vector int) error {
	return irq.Register(vector, c.onIRQ)
}

func (c *Controller) onIRQ() {
	for _, p := range c.ports {
		p.serviceIfPending()
	}
}

func (c *Controller) driveAt(minor int) (*blockdev.Device, int, error) {
	idx := minor >> 4
	partition := minor & 0xF
	if idx < 0 || idx >= len(c.drives) || c.drives[idx] == nil {
		return nil, 0, kerrno.New("ahci.dispatch", "ahci", kerrno.ENODEV)
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
	if len(c.ports) == 0 {
		return prdtEntriesPerCmd * dma.PageSize / blockdev.BlockSize
	}
	return c.ports[0].chunkSize()
}
