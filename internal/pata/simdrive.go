package pata

import (
	"sync"

	"github.com/nanokern/nanokern/internal/hal"
	"github.com/nanokern/nanokern/internal/klog"
	"github.com/nanokern/nanokern/internal/simhw"
)

// SimDrive emulates just enough of a real IDE channel's register
// protocol to drive this package's state machine without real
// hardware underneath: drive selection, the two-write-per-field LBA48
// latch, IDENTIFY DEVICE, and bus-master DMA triggered off the start
// bit, completing by walking the PRDT against a per-drive backing
// store carved out of the same arena the channel uses for its bounce
// buffer. Exported so a boot harness can stand up a channel with
// synthetic drives the same way this package's own tests do.
type SimDrive struct {
	mu sync.Mutex

	present [2]bool
	words   [2][256]uint16
	backing [2][]byte

	selected int

	scHist, lba0Hist, lba1Hist, lba2Hist []uint8
	pendingCmd                           uint8

	status uint8

	identifyFIFO  [256]uint16
	identifyPos   int
	identifyReady bool

	bmCmd    uint8
	bmStatus uint8
	bmPRDT   uint32

	arena *simhw.Arena
	irq   *simhw.IRQLine
	vec   int
}

// NewSimChannel builds a Channel backed by a SimDrive: a fake arena and
// IRQ line stand in for real physical memory and an interrupt
// controller. vector is the IRQ vector the channel's completions fire
// on once wired into a Controller via RegisterIRQ.
func NewSimChannel(name string, vector int, arenaSize int, log *klog.Logger) (*Channel, *SimDrive, *simhw.Arena, *simhw.IRQLine, error) {
	arena := simhw.NewArena(arenaSize)
	irqLine := simhw.NewIRQLine()
	d := &SimDrive{arena: arena, irq: irqLine, vec: vector}

	ch, err := NewChannel(name, simCmdView{d}, simCtrlView{d}, simBMView{d}, arena, log)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	return ch, d, arena, irqLine, nil
}

// AddDrive populates slot (0=master, 1=slave) with a synthetic drive
// of the given sector count, reported as LBA48-capable if lba48.
func (d *SimDrive) AddDrive(slot int, sectors uint64, lba48 bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.present[slot] = true
	d.backing[slot] = make([]byte, (sectors+16)*sectorSize)
	var words [256]uint16
	if lba48 {
		words[83] = 1 << 10
		words[100] = uint16(sectors)
		words[101] = uint16(sectors >> 16)
		words[102] = uint16(sectors >> 32)
		words[103] = uint16(sectors >> 48)
	} else {
		words[60] = uint16(sectors)
		words[61] = uint16(sectors >> 16)
	}
	d.words[slot] = words
}

type simCmdView struct{ d *SimDrive }
type simCtrlView struct{ d *SimDrive }
type simBMView struct{ d *SimDrive }

var (
	_ hal.Registers = simCmdView{}
	_ hal.Registers = simCtrlView{}
	_ hal.Registers = simBMView{}
)

func (v simCmdView) ReadN(off uintptr, width int) uint64 {
	v.d.mu.Lock()
	defer v.d.mu.Unlock()
	switch off {
	case RegData:
		if v.d.identifyPos >= 256 {
			return 0
		}
		w := v.d.identifyFIFO[v.d.identifyPos]
		v.d.identifyPos++
		return uint64(w)
	case RegStatus:
		return uint64(v.d.status)
	}
	return 0
}

func (v simCmdView) WriteN(off uintptr, width int, val uint64) {
	v.d.mu.Lock()
	b := uint8(val)
	switch off {
	case RegDevice:
		if b&DeviceSlave != 0 {
			v.d.selected = 1
		} else {
			v.d.selected = 0
		}
	case RegSectorCnt:
		v.d.scHist = append(v.d.scHist, b)
	case RegLBA0:
		v.d.lba0Hist = append(v.d.lba0Hist, b)
	case RegLBA1:
		v.d.lba1Hist = append(v.d.lba1Hist, b)
	case RegLBA2:
		v.d.lba2Hist = append(v.d.lba2Hist, b)
	case RegStatus:
		v.d.pendingCmd = b
		if b == CmdIdentifyDevice {
			if !v.d.present[v.d.selected] {
				v.d.status = 0
				v.d.mu.Unlock()
				return
			}
			v.d.identifyFIFO = v.d.words[v.d.selected]
			v.d.identifyPos = 0
			v.d.status = StatusDRQ
			v.d.mu.Unlock()
			return
		}
		v.d.status = StatusRDY
	}
	v.d.mu.Unlock()
}

func (v simCtrlView) ReadN(off uintptr, width int) uint64      { return 0 }
func (v simCtrlView) WriteN(off uintptr, width int, val uint64) {}

func (v simBMView) ReadN(off uintptr, width int) uint64 {
	v.d.mu.Lock()
	defer v.d.mu.Unlock()
	switch off {
	case BMStatus:
		return uint64(v.d.bmStatus)
	case BMCommand:
		return uint64(v.d.bmCmd)
	}
	return 0
}

func (v simBMView) WriteN(off uintptr, width int, val uint64) {
	v.d.mu.Lock()
	switch off {
	case BMPRDT:
		v.d.bmPRDT = uint32(val)
		v.d.mu.Unlock()
	case BMStatus:
		v.d.bmStatus &^= uint8(val)
		v.d.mu.Unlock()
	case BMCommand:
		v.d.bmCmd = uint8(val)
		start := v.d.bmCmd&BMCStart != 0
		v.d.mu.Unlock()
		if start {
			go v.d.doTransfer()
		}
	default:
		v.d.mu.Unlock()
	}
}

func simIsWriteCmd(cmd uint8) bool { return cmd == CmdWriteDMA || cmd == CmdWriteDMAExt }
func simIsExtCmd(cmd uint8) bool   { return cmd == CmdReadDMAExt || cmd == CmdWriteDMAExt }

func (d *SimDrive) decodeAddr() (lba, sectors uint64) {
	if simIsExtCmd(d.pendingCmd) && len(d.scHist) >= 2 {
		sectors = uint64(d.scHist[0])<<8 | uint64(d.scHist[1])
		lba = uint64(d.lba0Hist[0])<<24 | uint64(d.lba0Hist[1]) |
			uint64(d.lba1Hist[0])<<32 | uint64(d.lba1Hist[1])<<8 |
			uint64(d.lba2Hist[0])<<40 | uint64(d.lba2Hist[1])<<16
		return
	}
	sectors = uint64(d.scHist[len(d.scHist)-1])
	lba = uint64(d.lba0Hist[len(d.lba0Hist)-1]) |
		uint64(d.lba1Hist[len(d.lba1Hist)-1])<<8 |
		uint64(d.lba2Hist[len(d.lba2Hist)-1])<<16
	return
}

func (d *SimDrive) doTransfer() {
	d.mu.Lock()
	drive := d.selected
	lba, sectors := d.decodeAddr()
	d.scHist, d.lba0Hist, d.lba1Hist, d.lba2Hist = nil, nil, nil, nil
	cmd := d.pendingCmd
	base := int(lba) * sectorSize
	nbytes := int(sectors) * sectorSize
	write := simIsWriteCmd(cmd)
	prdtAddr := d.bmPRDT

	off := 0
	for i := 0; i < maxPRDEntries && off < nbytes; i++ {
		entry := d.arena.Bytes(uintptr(prdtAddr)+uintptr(i*8), 8)
		phys := uint32(entry[0]) | uint32(entry[1])<<8 | uint32(entry[2])<<16 | uint32(entry[3])<<24
		count := int(uint16(entry[4]) | uint16(entry[5])<<8)
		flags := uint16(entry[6]) | uint16(entry[7])<<8
		region := d.arena.Bytes(uintptr(phys), count)
		if write {
			copy(d.backing[drive][base+off:base+off+count], region)
		} else {
			copy(region, d.backing[drive][base+off:base+off+count])
		}
		off += count
		if flags&FlagEOT != 0 {
			break
		}
	}

	d.bmStatus |= BMSInt
	d.mu.Unlock()

	d.irq.Fire(d.vec)
}
