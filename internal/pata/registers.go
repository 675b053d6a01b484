// Package pata implements the PATA/IDE driver: PCI IDE controller and
// channel/drive probing, 48-bit LBA, bus-master DMA with per-request
// PRDT tables, IRQ-driven completion — spec.md §4.2.
package pata

// Command-block register offsets (relative to the channel's command
// block base), standard ATA layout.
const (
	RegData       = 0x0
	RegError      = 0x1 // also Features on write
	RegSectorCnt  = 0x2
	RegLBA0       = 0x3
	RegLBA1       = 0x4
	RegLBA2       = 0x5
	RegDevice     = 0x6
	RegStatus     = 0x7 // also Command on write
	RegAltStatus  = 0x0 // relative to the alternate-status/control base
)

// Status register bits.
const (
	StatusERR = 1 << 0
	StatusDRQ = 1 << 3
	StatusSRV = 1 << 4
	StatusDF  = 1 << 5
	StatusRDY = 1 << 6
	StatusBSY = 1 << 7
)

// Device register bits.
const (
	DeviceLBA    = 1 << 6
	DeviceSlave  = 1 << 4
	DeviceAlways = 1<<5 | 1<<7
)

// Bus-master register offsets (relative to the channel's bus-master
// base): command, status, PRDT address.
const (
	BMCommand = 0x0
	BMStatus  = 0x2
	BMPRDT    = 0x4
)

// Bus-master command register bits.
const (
	BMCStart = 1 << 0
	BMCWrite = 1 << 3 // 0 = write-to-device, 1 = read-from-device
)

// Bus-master status register bits (write-1-to-clear for INT/ERR).
const (
	BMSActive = 1 << 0
	BMSErr    = 1 << 1
	BMSInt    = 1 << 2
)

// ATA command codes.
const (
	CmdIdentifyDevice = 0xEC
	CmdReadDMA        = 0xC8
	CmdWriteDMA       = 0xCA
	CmdReadDMAExt     = 0x25
	CmdWriteDMAExt    = 0x35
)

// nIEN (interrupt-disable) and SRST bits live in the device control
// register, addressed via the alternate-status port on write.
const (
	CtrlNIEN = 1 << 1
	CtrlSRST = 1 << 2
)
