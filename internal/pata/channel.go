package pata

import (
	"sync"

	"github.com/nanokern/nanokern/internal/blockdev"
	"github.com/nanokern/nanokern/internal/dma"
	"github.com/nanokern/nanokern/internal/hal"
	"github.com/nanokern/nanokern/internal/klog"
	"github.com/nanokern/nanokern/kerrno"
)

// pollLimit bounds the busy-wait loops on the status register; a real
// driver would also arm a timeout interrupt, but a hard iteration cap
// is what keeps a wedged drive from hanging the boot kernel.
const pollLimit = 1 << 16

// sectorSize is the fixed ATA sector size this driver targets (no
// 4Kn/512e negotiation).
const sectorSize = 512

// DriveInfo is what IDENTIFY DEVICE tells us about one drive.
type DriveInfo struct {
	Present bool
	LBA48   bool
	Sectors uint64 // total addressable 512-byte sectors
}

// Channel is one PATA channel (primary/secondary): one command-block
// register window, one bus-master DMA register window, up to two
// drives (master/slave) that share the bus and the bus-master engine,
// so only one request is ever in flight per channel regardless of
// which drive it targets.
type Channel struct {
	Name string

	cmd   hal.Registers
	ctrl  hal.Registers // device-control/alt-status window
	bm    hal.Registers
	memio hal.MemIO
	log   *klog.Logger

	drives [2]DriveInfo

	dmaVirt  uintptr
	dmaSize  int
	prdtVirt uintptr
	prdtPhys uintptr

	mu       sync.Mutex
	selected int
	inflight *inflight
}

type inflight struct {
	slot  int
	req   *blockdev.Request
	queue *blockdev.Queue
}

// NewChannel wires up one channel's register windows and carves its
// bounce buffer and PRDT out of memio.
func NewChannel(name string, cmd, ctrl, bm hal.Registers, memio hal.MemIO, log *klog.Logger) (*Channel, error) {
	dmaSize := maxSectorsPerChunk * sectorSize
	dmaVirt, err := memio.AllocAligned(dmaSize, dma.PageSize)
	if err != nil {
		return nil, kerrno.Wrap("pata.new_channel", "pata", err)
	}
	prdtVirt, err := memio.AllocAligned(maxPRDEntries*8, 8)
	if err != nil {
		return nil, kerrno.Wrap("pata.new_channel", "pata", err)
	}
	prdtPhys, err := memio.VirtToPhys(prdtVirt)
	if err != nil {
		return nil, kerrno.Wrap("pata.new_channel", "pata", err)
	}

	return &Channel{
		Name:     name,
		cmd:      cmd,
		ctrl:     ctrl,
		bm:       bm,
		memio:    memio,
		log:      log,
		dmaVirt:  dmaVirt,
		dmaSize:  dmaSize,
		prdtVirt: prdtVirt,
		prdtPhys: prdtPhys,
		selected: -1,
	}, nil
}

func (c *Channel) selectDrive(slot int) {
	if c.selected == slot {
		return
	}
	v := uint8(DeviceAlways | DeviceLBA)
	if slot == 1 {
		v |= DeviceSlave
	}
	hal.Write8(c.cmd, RegDevice, v)
	c.selected = slot
}

func (c *Channel) softReset() {
	hal.Write8(c.ctrl, RegAltStatus, CtrlSRST)
	hal.Write8(c.ctrl, RegAltStatus, 0)
}

// Identify probes one drive (0=master, 1=slave) with IDENTIFY DEVICE.
func (c *Channel) Identify(slot int) (DriveInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.selectDrive(slot)
	hal.Write8(c.cmd, RegSectorCnt, 0)
	hal.Write8(c.cmd, RegLBA0, 0)
	hal.Write8(c.cmd, RegLBA1, 0)
	hal.Write8(c.cmd, RegLBA2, 0)
	hal.Write8(c.cmd, RegStatus, CmdIdentifyDevice)

	status := hal.Read8(c.cmd, RegStatus)
	if status == 0 {
		return DriveInfo{}, nil // no drive on this slot
	}

	if err := c.waitClear(StatusBSY); err != nil {
		return DriveInfo{}, err
	}

	status = hal.Read8(c.cmd, RegStatus)
	if status&StatusERR != 0 {
		return DriveInfo{}, nil // ATAPI or absent; not handled by this driver
	}
	if err := c.waitSet(StatusDRQ); err != nil {
		return DriveInfo{}, err
	}

	var words [256]uint16
	for i := range words {
		words[i] = hal.Read16(c.cmd, RegData)
	}

	info := DriveInfo{Present: true}
	info.LBA48 = words[83]&(1<<10) != 0
	if info.LBA48 {
		info.Sectors = uint64(words[100]) | uint64(words[101])<<16 |
			uint64(words[102])<<32 | uint64(words[103])<<48
	} else {
		info.Sectors = uint64(words[60]) | uint64(words[61])<<16
	}
	c.drives[slot] = info
	return info, nil
}

func (c *Channel) waitClear(bit uint8) error {
	for i := 0; i < pollLimit; i++ {
		if hal.Read8(c.cmd, RegStatus)&bit == 0 {
			return nil
		}
	}
	return kerrno.New("pata.poll", "pata", kerrno.ETIMEDOUT)
}

func (c *Channel) waitSet(bit uint8) error {
	for i := 0; i < pollLimit; i++ {
		s := hal.Read8(c.cmd, RegStatus)
		if s&StatusERR != 0 {
			return kerrno.New("pata.poll", "pata", kerrno.EIO)
		}
		if s&bit != 0 {
			return nil
		}
	}
	return kerrno.New("pata.poll", "pata", kerrno.ETIMEDOUT)
}

// prepare validates the request fits the channel's bounce buffer and
// PRDT capacity; the real descriptor build happens in submit, which is
// also where the bus is actually driven.
func (c *Channel) prepare(slot int, req *blockdev.Request) error {
	if !c.drives[slot].Present {
		return kerrno.New("pata.prepare", "pata", kerrno.ENODEV)
	}
	nbytes := req.Blocks * blockdev.BlockSize
	if nbytes > c.dmaSize {
		return kerrno.New("pata.prepare", "pata", kerrno.EINVAL)
	}
	return nil
}

// submit programs the PRDT, LBA/sector-count registers, and bus-master
// engine, then returns immediately: completion arrives via IRQ.
func (c *Channel) submit(slot int, req *blockdev.Request, q *blockdev.Queue) error {
	c.mu.Lock()

	drive := c.drives[slot]
	nbytes := req.Blocks * blockdev.BlockSize
	nsectors := uint64(req.Blocks * (blockdev.BlockSize / sectorSize))
	lba := req.FirstBlock * (blockdev.BlockSize / sectorSize)

	dmaBuf := c.memio.Bytes(c.dmaVirt, c.dmaSize)
	if req.RW == blockdev.Write {
		copy(dmaBuf[:nbytes], req.Buffer)
	}

	regions, err := dma.SplitRegions(dmaBuf[:nbytes], c.dmaVirt, c.memio)
	if err != nil {
		c.mu.Unlock()
		return kerrno.Wrap("pata.submit", "pata", err)
	}
	if len(regions) > maxPRDEntries {
		c.mu.Unlock()
		return kerrno.New("pata.submit", "pata", kerrno.EINVAL)
	}
	writePRDT(c.memio.Bytes(c.prdtVirt, len(regions)*8), regions)

	c.selectDrive(slot)

	useLBA48 := drive.LBA48 && (lba+nsectors > 0x0FFFFFFF || nsectors > 255)
	var cmdByte uint8
	if req.RW == blockdev.Read {
		cmdByte = CmdReadDMA
	} else {
		cmdByte = CmdWriteDMA
	}
	if useLBA48 {
		if req.RW == blockdev.Read {
			cmdByte = CmdReadDMAExt
		} else {
			cmdByte = CmdWriteDMAExt
		}
		hal.Write8(c.cmd, RegSectorCnt, uint8(nsectors>>8))
		hal.Write8(c.cmd, RegLBA0, uint8(lba>>24))
		hal.Write8(c.cmd, RegLBA1, uint8(lba>>32))
		hal.Write8(c.cmd, RegLBA2, uint8(lba>>40))
	}
	hal.Write8(c.cmd, RegSectorCnt, uint8(nsectors))
	hal.Write8(c.cmd, RegLBA0, uint8(lba))
	hal.Write8(c.cmd, RegLBA1, uint8(lba>>8))
	hal.Write8(c.cmd, RegLBA2, uint8(lba>>16))
	hal.Write8(c.cmd, RegStatus, cmdByte)

	hal.Write32(c.bm, BMPRDT, uint32(c.prdtPhys))
	dir := uint8(0)
	if req.RW == blockdev.Read {
		dir = BMCWrite
	}
	c.inflight = &inflight{slot: slot, req: req, queue: q}
	hal.Write8(c.bm, BMCommand, dir|BMCStart)

	c.mu.Unlock()
	return nil
}

// writePRDT encodes regions into the little-endian on-the-wire PRD
// format the bus-master engine reads.
func writePRDT(buf []byte, regions []dma.Region) {
	for i, r := range regions {
		off := i * 8
		phys := uint32(r.Phys)
		count := uint16(r.Bytes)
		flags := uint16(0)
		if i == len(regions)-1 {
			flags = FlagEOT
		}
		buf[off] = byte(phys)
		buf[off+1] = byte(phys >> 8)
		buf[off+2] = byte(phys >> 16)
		buf[off+3] = byte(phys >> 24)
		buf[off+4] = byte(count)
		buf[off+5] = byte(count >> 8)
		buf[off+6] = byte(flags)
		buf[off+7] = byte(flags >> 8)
	}
}

// serviceIfPending checks this channel's bus-master status for a
// pending interrupt and, if set, completes the in-flight request. It
// is always safe to call on a channel with nothing pending: it simply
// returns false. The IRQ dispatcher calls this on every channel every
// time the shared vector fires rather than stopping at the first hit.
func (c *Channel) serviceIfPending() bool {
	c.mu.Lock()
	bmStatus := hal.Read8(c.bm, BMStatus)
	if bmStatus&BMSInt == 0 {
		c.mu.Unlock()
		return false
	}
	hal.Write8(c.bm, BMStatus, BMSInt|BMSErr)
	hal.Write8(c.bm, BMCommand, 0)

	in := c.inflight
	c.inflight = nil
	if in == nil {
		c.mu.Unlock()
		return true
	}

	var err error
	if bmStatus&BMSErr != 0 {
		err = kerrno.New("pata.complete", "pata", kerrno.EIO)
	} else if in.req.RW == blockdev.Read {
		nbytes := in.req.Blocks * blockdev.BlockSize
		copy(in.req.Buffer, c.memio.Bytes(c.dmaVirt, c.dmaSize)[:nbytes])
	}
	c.mu.Unlock()

	in.queue.Complete(err)
	return true
}
