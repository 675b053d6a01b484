package ahci

import (
	"sync"

	"github.com/nanokern/nanokern/internal/blockdev"
	"github.com/nanokern/nanokern/internal/dma"
	"github.com/nanokern/nanokern/internal/hal"
	"github.com/nanokern/nanokern/internal/klog"
	"github.com/nanokern/nanokern/kerrno"
)

const pollLimit = 1 << 16

// comresetRetryLimit bounds how many times Port.init retries the
// DET==3 wait after issuing a COMRESET, for a port whose device takes
// a moment to come up after the reset pulse.
const comresetRetryLimit = 8

// sectorSize is the fixed LBA sector size this driver targets.
const sectorSize = 512

// Port is one AHCI port: its command list (one header per command
// slot, though this driver only ever uses slot 0 — one request in
// flight per port, matching the single-outstanding-request model the
// rest of the BDA layer assumes), one command table, and the port's
// register window.
type Port struct {
	Name string

	regs  hal.Registers // this port's 0x80-byte register window, offsets relative to 0
	memio hal.MemIO
	log   *klog.Logger

	clVirt uintptr // command list base (32 bytes * slots)
	fbVirt uintptr // FIS receive area

	ctVirt uintptr // command table (FIS + PRDT) for slot 0
	ctSize int

	present bool
	lba48   bool
	sectors uint64

	mu            sync.Mutex
	inflight      *inflight
	pendingBounce uintptr
	pendingNbytes int
}

type inflight struct {
	req   *blockdev.Request
	queue *blockdev.Queue
}

// NewPort allocates a port's command list, FIS receive area, and
// command table out of memio and wires its register window.
func NewPort(name string, regs hal.Registers, memio hal.MemIO, log *klog.Logger) (*Port, error) {
	clVirt, err := memio.AllocAligned(maxCommandSlots*commandHeaderSize, 1024)
	if err != nil {
		return nil, kerrno.Wrap("ahci.new_port", "ahci", err)
	}
	fbVirt, err := memio.AllocAligned(256, 256)
	if err != nil {
		return nil, kerrno.Wrap("ahci.new_port", "ahci", err)
	}
	ctSize := fisRegH2DSize + 48 /*ACMD/reserved pad to PRDT table offset*/ + prdtEntriesPerCmd*16
	ctVirt, err := memio.AllocAligned(ctSize, cmdTableBaseAlign)
	if err != nil {
		return nil, kerrno.Wrap("ahci.new_port", "ahci", err)
	}

	return &Port{
		Name:   name,
		regs:   regs,
		memio:  memio,
		log:    log,
		clVirt: clVirt,
		fbVirt: fbVirt,
		ctVirt: ctVirt,
		ctSize: ctSize,
	}, nil
}

// init runs the 8-step port bring-up: stop the engine, clear FRE,
// ensure DET==3 (issuing COMRESET if not), program CLB/FB, clear
// SERR, set FRE+ST (with a CLO fallback if CR never clears), and
// clear any stale IS bits.
func (p *Port) init() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.stopEngine(); err != nil {
		return err
	}

	cmd := hal.Read32(p.regs, PortCMD)
	hal.Write32(p.regs, PortCMD, cmd&^CmdFRE)

	det, err := p.waitDET()
	if err != nil {
		return err
	}
	if det != SSTSDetEstab {
		if err := p.comreset(); err != nil {
			return err
		}
	}

	clPhys, err := p.memio.VirtToPhys(p.clVirt)
	if err != nil {
		return kerrno.Wrap("ahci.init", "ahci", err)
	}
	fbPhys, err := p.memio.VirtToPhys(p.fbVirt)
	if err != nil {
		return kerrno.Wrap("ahci.init", "ahci", err)
	}
	hal.Write32(p.regs, PortCLB, uint32(clPhys))
	hal.Write32(p.regs, PortCLBU, uint32(clPhys>>32))
	hal.Write32(p.regs, PortFB, uint32(fbPhys))
	hal.Write32(p.regs, PortFBU, uint32(fbPhys>>32))

	hal.Write32(p.regs, PortSERR, 0xFFFFFFFF)

	cmd = hal.Read32(p.regs, PortCMD)
	hal.Write32(p.regs, PortCMD, cmd|CmdFRE)

	if err := p.startEngine(); err != nil {
		return err
	}

	hal.Write32(p.regs, PortIS, 0xFFFFFFFF)
	return nil
}

func (p *Port) stopEngine() error {
	cmd := hal.Read32(p.regs, PortCMD)
	if cmd&CmdST == 0 {
		return nil
	}
	hal.Write32(p.regs, PortCMD, cmd&^CmdST)
	for i := 0; i < pollLimit; i++ {
		if hal.Read32(p.regs, PortCMD)&CmdCR == 0 {
			return nil
		}
	}
	return kerrno.New("ahci.stop_engine", "ahci", kerrno.ETIMEDOUT)
}

func (p *Port) startEngine() error {
	for i := 0; i < pollLimit; i++ {
		if hal.Read32(p.regs, PortCMD)&CmdCR == 0 {
			break
		}
		if i == pollLimit-1 {
			// CLO fallback: some controllers need an explicit
			// command-list-override kick when CR is stuck clearing.
			hal.Write32(p.regs, PortCMD, hal.Read32(p.regs, PortCMD)|CmdCLO)
		}
	}
	cmd := hal.Read32(p.regs, PortCMD)
	hal.Write32(p.regs, PortCMD, cmd|CmdST)
	return nil
}

func (p *Port) waitDET() (uint32, error) {
	for i := 0; i < pollLimit; i++ {
		det := hal.Read32(p.regs, PortSSTS) & SSTSDetMask
		if det == SSTSDetEstab {
			return det, nil
		}
	}
	return hal.Read32(p.regs, PortSSTS) & SSTSDetMask, nil
}

// comreset pulses SCTL.DET to 1 (COMRESET) then back to 0, retrying
// the DET==3 wait a bounded number of times for a device that is slow
// to come up.
func (p *Port) comreset() error {
	hal.Write32(p.regs, PortSCTL, (hal.Read32(p.regs, PortSCTL)&^0xF)|0x1)
	hal.Write32(p.regs, PortSCTL, hal.Read32(p.regs, PortSCTL)&^0xF)

	for i := 0; i < comresetRetryLimit; i++ {
		det, _ := p.waitDET()
		if det == SSTSDetEstab {
			return nil
		}
	}
	return kerrno.New("ahci.comreset", "ahci", kerrno.ENODEV)
}

// identify records the probe result (present / LBA48 / sector count)
// that a real driver would get from an IDENTIFY DEVICE issued as the
// first command once the port is running. It stores its arguments as
// given and reads no port register.
func (p *Port) identify(present bool, lba48 bool, sectors uint64) {
	p.present = present
	p.lba48 = lba48
	p.sectors = sectors
}

func (p *Port) prepare(req *blockdev.Request) error {
	if !p.present {
		return kerrno.New("ahci.prepare", "ahci", kerrno.ENODEV)
	}
	if req.Blocks*blockdev.BlockSize > prdtEntriesPerCmd*dma.PageSize {
		return kerrno.New("ahci.prepare", "ahci", kerrno.EINVAL)
	}
	return nil
}

func (p *Port) chunkSize() int {
	return prdtEntriesPerCmd * dma.PageSize / blockdev.BlockSize
}

// submit builds the command table (FIS + PRDT) for slot 0, points the
// slot-0 command header at it, and sets PxCI bit 0 to kick the port's
// DMA engine. Completion arrives via the controller's IRQ dispatch.
func (p *Port) submit(req *blockdev.Request, q *blockdev.Queue) error {
	p.mu.Lock()

	nbytes := req.Blocks * blockdev.BlockSize
	nsectors := uint64(req.Blocks * (blockdev.BlockSize / sectorSize))
	lba := req.FirstBlock * (blockdev.BlockSize / sectorSize)
	write := req.RW == blockdev.Write

	bounceVirt, err := p.memio.AllocAligned(nbytes, dma.PageSize)
	if err != nil {
		p.mu.Unlock()
		return kerrno.Wrap("ahci.submit", "ahci", err)
	}
	bounce := p.memio.Bytes(bounceVirt, nbytes)
	if write {
		copy(bounce, req.Buffer)
	}

	regions, err := dma.SplitRegions(bounce, bounceVirt, p.memio)
	if err != nil {
		p.mu.Unlock()
		return kerrno.Wrap("ahci.submit", "ahci", err)
	}
	if len(regions) > prdtEntriesPerCmd {
		p.mu.Unlock()
		return kerrno.New("ahci.submit", "ahci", kerrno.EINVAL)
	}

	ctBuf := p.memio.Bytes(p.ctVirt, p.ctSize)
	var device uint8
	if p.lba48 {
		device = 0x40
	}
	encodeFISRegH2D(ctBuf, CmdReadDMAExt, lba, uint16(nsectors), device)
	if write {
		ctBuf[2] = CmdWriteDMAExt
	}
	prdOff := fisRegH2DSize + 48
	for i, r := range regions {
		off := prdOff + i*16
		encodePRD(ctBuf[off:off+16], uint64(r.Phys), r.Bytes, i == len(regions)-1)
	}

	ctPhys, err := p.memio.VirtToPhys(p.ctVirt)
	if err != nil {
		p.mu.Unlock()
		p.memio.Free(bounceVirt)
		return kerrno.Wrap("ahci.submit", "ahci", err)
	}
	clBuf := p.memio.Bytes(p.clVirt, commandHeaderSize)
	encodeCommandHeader(clBuf, fisRegH2DSize/4, write, uint16(len(regions)), uint64(ctPhys))

	p.inflight = &inflight{req: req, queue: q}
	p.pendingBounce = bounceVirt
	p.pendingNbytes = nbytes

	hal.Write32(p.regs, PortCI, 1)
	p.mu.Unlock()
	return nil
}

// serviceIfPending checks this port's IS register for a completed
// device-to-host FIS and, if set, completes the in-flight request.
// Before clearing IS/SERR it polls briefly for PxCI's bit to clear —
// the documented workaround for a QEMU race where the DHRS interrupt
// can be observed slightly before CI actually drops.
func (p *Port) serviceIfPending() bool {
	p.mu.Lock()
	is := hal.Read32(p.regs, PortIS)
	if is&(ISDHRS|ISTFES) == 0 {
		p.mu.Unlock()
		return false
	}

	for i := 0; i < pollLimit; i++ {
		if hal.Read32(p.regs, PortCI)&1 == 0 {
			break
		}
	}
	hal.Write32(p.regs, PortIS, is)
	hal.Write32(p.regs, PortSERR, hal.Read32(p.regs, PortSERR))

	in := p.inflight
	p.inflight = nil
	if in == nil {
		p.mu.Unlock()
		return true
	}

	var err error
	tfd := hal.Read32(p.regs, PortTFD)
	if is&ISTFES != 0 || tfd&TFDERR != 0 {
		err = kerrno.New("ahci.complete", "ahci", kerrno.EIO)
	} else if in.req.RW == blockdev.Read {
		copy(in.req.Buffer, p.memio.Bytes(p.pendingBounce, p.pendingNbytes))
	}
	p.memio.Free(p.pendingBounce)
	p.mu.Unlock()

	in.queue.Complete(err)
	return true
}
