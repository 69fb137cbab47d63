package tsunami

import (
	"fmt"
	"strings"
)

const (
	// CChipBaseAddress is the physical base of the CChip CSR window.
	CChipBaseAddress uint64 = 0x801a0000000

	// CChipWindowSize covers every CSR up to and including IIC3/PWR.
	CChipWindowSize uint64 = 0x1000

	// PAImplMask selects the implemented physical address bits.
	PAImplMask uint64 = 0x7ffffffffff

	// MaxCPUs is the number of processors the CChip can route to.
	MaxCPUs = 4

	// NumSources is the width of DIM/DIR/DRIR.
	NumSources = 64

	// registerShift converts a window offset to a register index; CSRs sit on
	// 64 byte boundaries.
	registerShift = 6

	// accessSize is the only access width the CSRs accept.
	accessSize = 8
)

// MiscRTCAck is the MISC bit that reports and acknowledges the RTC interrupt.
const MiscRTCAck uint64 = 1 << 4

// Register is a CSR index, i.e. its window offset divided by 64.
type Register uint64

const (
	RegCSR   Register = 0x00
	RegMTR   Register = 0x01
	RegMISC  Register = 0x02
	RegAAR0  Register = 0x04
	RegAAR1  Register = 0x05
	RegAAR2  Register = 0x06
	RegAAR3  Register = 0x07
	RegDIM0  Register = 0x08
	RegDIM1  Register = 0x09
	RegDIR0  Register = 0x0a
	RegDIR1  Register = 0x0b
	RegDRIR  Register = 0x0c
	RegPRBEN Register = 0x0d
	RegIIC0  Register = 0x0e
	RegIIC1  Register = 0x0f
	RegMPR0  Register = 0x10
	RegMPR1  Register = 0x11
	RegMPR2  Register = 0x12
	RegMPR3  Register = 0x13
	RegDIM2  Register = 0x18
	RegDIM3  Register = 0x19
	RegDIR2  Register = 0x1a
	RegDIR3  Register = 0x1b
	RegIIC2  Register = 0x1c
	RegIIC3  Register = 0x1d
)

// Offset returns the register's byte offset inside the CSR window.
func (r Register) Offset() uint64 {
	return uint64(r) << registerShift
}

type regKind uint8

const (
	kindUnknown regKind = iota
	kindCSR
	kindMISC
	kindDIM
	kindDIR
	kindDRIR
	kindUnimplemented
)

type regInfo struct {
	kind regKind
	name string
	// cpu is the processor a DIM/DIR register belongs to.
	cpu int
}

var registers = map[Register]regInfo{
	RegCSR:   {kind: kindCSR, name: "CSR"},
	RegMTR:   {kind: kindUnimplemented, name: "MTR"},
	RegMISC:  {kind: kindMISC, name: "MISC"},
	RegAAR0:  {kind: kindUnimplemented, name: "AARx"},
	RegAAR1:  {kind: kindUnimplemented, name: "AARx"},
	RegAAR2:  {kind: kindUnimplemented, name: "AARx"},
	RegAAR3:  {kind: kindUnimplemented, name: "AARx"},
	RegDIM0:  {kind: kindDIM, name: "DIM0", cpu: 0},
	RegDIM1:  {kind: kindDIM, name: "DIM1", cpu: 1},
	RegDIM2:  {kind: kindDIM, name: "DIM2", cpu: 2},
	RegDIM3:  {kind: kindDIM, name: "DIM3", cpu: 3},
	RegDIR0:  {kind: kindDIR, name: "DIR0", cpu: 0},
	RegDIR1:  {kind: kindDIR, name: "DIR1", cpu: 1},
	RegDIR2:  {kind: kindDIR, name: "DIR2", cpu: 2},
	RegDIR3:  {kind: kindDIR, name: "DIR3", cpu: 3},
	RegDRIR:  {kind: kindDRIR, name: "DRIR"},
	RegPRBEN: {kind: kindUnimplemented, name: "PRBEN"},
	RegIIC0:  {kind: kindUnimplemented, name: "IICx"},
	RegIIC1:  {kind: kindUnimplemented, name: "IICx"},
	RegIIC2:  {kind: kindUnimplemented, name: "IICx"},
	RegIIC3:  {kind: kindUnimplemented, name: "IICx"},
	RegMPR0:  {kind: kindUnimplemented, name: "MPRx"},
	RegMPR1:  {kind: kindUnimplemented, name: "MPRx"},
	RegMPR2:  {kind: kindUnimplemented, name: "MPRx"},
	RegMPR3:  {kind: kindUnimplemented, name: "MPRx"},
}

func lookupRegister(r Register) regInfo {
	info, ok := registers[r]
	if !ok {
		return regInfo{kind: kindUnknown}
	}
	return info
}

func (r Register) String() string {
	if info, ok := registers[r]; ok {
		switch info.kind {
		case kindUnimplemented:
			// AARx and friends share a name; keep the index visible.
			return fmt.Sprintf("%s(0x%02x)", info.name, uint64(r))
		default:
			return info.name
		}
	}
	return fmt.Sprintf("reg(0x%x)", uint64(r))
}

// DIMRegister returns the mask register for cpu.
func DIMRegister(cpu int) Register {
	return [MaxCPUs]Register{RegDIM0, RegDIM1, RegDIM2, RegDIM3}[cpu]
}

// DIRRegister returns the pending register for cpu.
func DIRRegister(cpu int) Register {
	return [MaxCPUs]Register{RegDIR0, RegDIR1, RegDIR2, RegDIR3}[cpu]
}

// ParseRegister resolves a register name such as "DIM2" or "misc".
func ParseRegister(name string) (Register, error) {
	for reg, info := range registers {
		if info.kind == kindUnimplemented {
			continue
		}
		if strings.EqualFold(info.name, name) {
			return reg, nil
		}
	}
	return 0, fmt.Errorf("tsunami: unknown register name %q", name)
}
