// Package kparam models the kernel command-line parameters recognized
// by the core per the spec's external-interfaces table, in the
// teacher's DeviceParams/DefaultParams(backend) idiom: a typed struct
// of options plus a defaults constructor and a small parser.
package kparam

import (
	"fmt"
	"strconv"
	"strings"
)

// Params holds every recognized kernel parameter. Unrecognized
// parameters are preserved in Extra for subsystems that define their
// own (e.g. a future driver flag) without requiring a kparam change.
type Params struct {
	// PATARO refuses writes and panics on PATA devices when set.
	PATARO bool
	// AHCIRO refuses writes and panics on AHCI devices when set.
	AHCIRO bool
	// TCPDisableCC disables TCP congestion control when set.
	TCPDisableCC bool
	// SchedIPI enables cross-CPU reschedule IPIs when set.
	SchedIPI bool
	// RootMajor/RootMinor identify the root filesystem's block device.
	RootMajor int
	RootMinor int

	Extra map[string]int
}

// Default returns the kernel's default boot parameters: PATA/AHCI
// writable, congestion control on, no reschedule IPIs, no root device
// configured (caller must set one before mounting).
func Default() Params {
	return Params{
		PATARO:       false,
		AHCIRO:       false,
		TCPDisableCC: false,
		SchedIPI:     false,
		RootMajor:    -1,
		RootMinor:    -1,
		Extra:        map[string]int{},
	}
}

// ParseKernelArgs parses a list of "name=value" or bare "name" tokens
// (bare tokens are equivalent to "name=1") into Params. "root" is
// special-cased to accept "major:minor".
func ParseKernelArgs(args []string) (Params, error) {
	p := Default()
	for _, arg := range args {
		name, value, hasValue := strings.Cut(arg, "=")
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}

		if name == "root" {
			if !hasValue {
				return p, fmt.Errorf("kparam: root requires major:minor")
			}
			maj, min, err := parseMajMin(value)
			if err != nil {
				return p, fmt.Errorf("kparam: root: %w", err)
			}
			p.RootMajor, p.RootMinor = maj, min
			continue
		}

		intVal := 1
		if hasValue {
			v, err := strconv.Atoi(strings.TrimSpace(value))
			if err != nil {
				return p, fmt.Errorf("kparam: %s: %w", name, err)
			}
			intVal = v
		}

		switch name {
		case "pata_ro":
			p.PATARO = intVal != 0
		case "ahci_ro":
			p.AHCIRO = intVal != 0
		case "tcp_disable_cc":
			p.TCPDisableCC = intVal != 0
		case "sched_ipi":
			p.SchedIPI = intVal != 0
		default:
			p.Extra[name] = intVal
		}
	}
	return p, nil
}

func parseMajMin(s string) (int, int, error) {
	maj, min, found := strings.Cut(s, ":")
	if !found {
		return 0, 0, fmt.Errorf("expected major:minor, got %q", s)
	}
	majN, err := strconv.Atoi(maj)
	if err != nil {
		return 0, 0, err
	}
	minN, err := strconv.Atoi(min)
	if err != nil {
		return 0, 0, err
	}
	return majN, minN, nil
}
