package hv

import (
	"errors"
)

var (
	ErrVMHalted = errors.New("virtual machine halted")
)

type CpuArchitecture string

const (
	ArchitectureInvalid CpuArchitecture = "invalid"
	ArchitectureAlpha   CpuArchitecture = "alpha"
)

// ExitContext describes the processor that caused a bus access.
type ExitContext interface {
	CPUID() int
}

type cpuExitContext int

func (c cpuExitContext) CPUID() int { return int(c) }

// ExitContextForCPU returns an ExitContext reporting the given processor id.
func ExitContextForCPU(id int) ExitContext {
	return cpuExitContext(id)
}

// VirtualMachine is the view of the enclosing machine handed to devices
// during Init.
type VirtualMachine interface {
	CPUCount() int
	AddressSpace() *AddressSpace
}

type Device interface {
	Init(vm VirtualMachine) error
}

type MMIORegion struct {
	Address uint64
	Size    uint64
}

// Contains reports whether [addr, addr+size) lies entirely inside the region.
func (r MMIORegion) Contains(addr, size uint64) bool {
	end := addr + size
	if end < addr {
		return false
	}
	return addr >= r.Address && end <= r.Address+r.Size
}

type MemoryMappedIODevice interface {
	Device

	MMIORegions() []MMIORegion

	ReadMMIO(ctx ExitContext, addr uint64, data []byte) error
	WriteMMIO(ctx ExitContext, addr uint64, data []byte) error
}

// DeviceSnapshot is an opaque, gob-encodable device state blob.
type DeviceSnapshot interface{}

// DeviceSnapshotter is implemented by devices whose state is part of a
// machine checkpoint.
type DeviceSnapshotter interface {
	DeviceId() string
	CaptureSnapshot() (DeviceSnapshot, error)
	RestoreSnapshot(snap DeviceSnapshot) error
}
