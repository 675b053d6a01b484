// Package ahci implements the AHCI driver: per-port command
// list/table construction, the 8-step port init sequence, COMRESET,
// and IRQ-driven request completion — spec.md §4.3.
package ahci

// HBA (generic host) register offsets, relative to the ABAR.
const (
	RegCAP     = 0x00
	RegGHC     = 0x04
	RegIS      = 0x08
	RegPI      = 0x0C
	RegPortBase = 0x100
	PortStride  = 0x80
)

// GHC bits.
const (
	GHCAE = 1 << 31
)

// Per-port register offsets, relative to RegPortBase+n*PortStride.
const (
	PortCLB    = 0x00 // command list base (low 32)
	PortCLBU   = 0x04
	PortFB     = 0x08 // FIS base (low 32)
	PortFBU    = 0x0C
	PortIS     = 0x10
	PortIE     = 0x14
	PortCMD    = 0x18
	PortTFD    = 0x20
	PortSIG    = 0x24
	PortSSTS   = 0x28
	PortSCTL   = 0x2C
	PortSERR   = 0x30
	PortCI     = 0x38
)

// PxCMD bits.
const (
	CmdST  = 1 << 0
	CmdFRE = 1 << 4
	CmdFR  = 1 << 14
	CmdCR  = 1 << 15
	CmdCLO = 1 << 3
)

// PxSSTS DET field mask/value for "device present and phy communication established".
const (
	SSTSDetMask  = 0xF
	SSTSDetEstab = 0x3
)

// PxTFD (task file data) status bits, mirroring legacy ATA status.
const (
	TFDBSY = 1 << 7
	TFDDRQ = 1 << 3
	TFDERR = 1 << 0
)

// PxIS/IE interrupt bits used by this driver (subset).
const (
	ISDHRS = 1 << 0 // device-to-host register FIS
	ISTFES = 1 << 30
)

// Command header flags (first dword of a command header).
const (
	CmdHdrWrite = 1 << 6
)

const (
	maxCommandSlots = 32
	commandHeaderSize = 32
	cmdTableBaseAlign  = 128
	fisRegH2DSize      = 20
	prdtEntriesPerCmd  = 16
)

// ATA command codes reused by the AHCI command FIS (same as legacy PATA).
const (
	CmdReadDMAExt  = 0x25
	CmdWriteDMAExt = 0x35
)
