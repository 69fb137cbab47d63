package hv

import (
	"fmt"
	"sort"
	"sync"
)

// MMIOAllocation names a physical address range claimed by a device.
type MMIOAllocation struct {
	Name string
	Base uint64
	Size uint64
}

// End returns the first address after the allocation.
func (a MMIOAllocation) End() uint64 {
	return a.Base + a.Size
}

// AddressSpace tracks the physical memory layout of a machine: one
// contiguous RAM bank starting at ramBase and any number of fixed device
// windows that may not overlap RAM or each other.
type AddressSpace struct {
	mu sync.Mutex

	arch    CpuArchitecture
	ramBase uint64
	ramSize uint64

	// fixedRegions holds the chipset CSR windows, sorted by base.
	fixedRegions []MMIOAllocation
}

// NewAddressSpace creates a new physical address map for a machine.
func NewAddressSpace(arch CpuArchitecture, ramBase, ramSize uint64) *AddressSpace {
	return &AddressSpace{
		arch:    arch,
		ramBase: ramBase,
		ramSize: ramSize,
	}
}

// RegisterFixed registers a pre-determined MMIO region.
// Returns error if the region overlaps RAM or another fixed region.
func (a *AddressSpace) RegisterFixed(name string, base, size uint64) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if size == 0 {
		return fmt.Errorf("address_space: cannot register zero-size fixed region %s", name)
	}

	regionEnd := base + size
	if regionEnd < base {
		return fmt.Errorf("address_space: fixed region %s at 0x%x with size 0x%x overflows", name, base, size)
	}

	ramEnd := a.ramBase + a.ramSize
	if a.ramSize != 0 && base < ramEnd && regionEnd > a.ramBase {
		return fmt.Errorf("address_space: fixed region %s [0x%x-0x%x) overlaps RAM [0x%x-0x%x)",
			name, base, regionEnd, a.ramBase, ramEnd)
	}

	for _, existing := range a.fixedRegions {
		if base < existing.End() && existing.Base < regionEnd {
			return fmt.Errorf("address_space: fixed region %s [0x%x-0x%x) overlaps %s [0x%x-0x%x)",
				name, base, regionEnd, existing.Name, existing.Base, existing.End())
		}
	}

	a.fixedRegions = append(a.fixedRegions, MMIOAllocation{
		Name: name,
		Base: base,
		Size: size,
	})
	sort.Slice(a.fixedRegions, func(i, j int) bool {
		return a.fixedRegions[i].Base < a.fixedRegions[j].Base
	})

	return nil
}

// FixedRegions returns a copy of all fixed MMIO regions.
func (a *AddressSpace) FixedRegions() []MMIOAllocation {
	a.mu.Lock()
	defer a.mu.Unlock()

	result := make([]MMIOAllocation, len(a.fixedRegions))
	copy(result, a.fixedRegions)
	return result
}

// RAMBase returns the RAM base address.
func (a *AddressSpace) RAMBase() uint64 {
	return a.ramBase
}

// RAMSize returns the RAM size.
func (a *AddressSpace) RAMSize() uint64 {
	return a.ramSize
}

// RAMEnd returns the first address after RAM.
func (a *AddressSpace) RAMEnd() uint64 {
	return a.ramBase + a.ramSize
}

// Architecture returns the CPU architecture.
func (a *AddressSpace) Architecture() CpuArchitecture {
	return a.arch
}
