package chipset

import (
	"fmt"
	"sort"

	"github.com/tinyrange/tsunami/internal/hv"
)

// Init calls Init on every registered device in name order.
func (c *Chipset) Init(vm hv.VirtualMachine) error {
	for _, name := range c.deviceNames() {
		if err := c.devices[name].Init(vm); err != nil {
			return fmt.Errorf("chipset: init device %q: %w", name, err)
		}
	}
	return nil
}

// Reset resets all registered devices.
func (c *Chipset) Reset() error {
	for _, name := range c.deviceNames() {
		if err := c.devices[name].Reset(); err != nil {
			return fmt.Errorf("chipset: reset device %q: %w", name, err)
		}
	}
	return nil
}

// HandleMMIO dispatches an MMIO access to the registered device.
// Errors returned by the device are passed through unwrapped so callers can
// classify them.
func (c *Chipset) HandleMMIO(ctx hv.ExitContext, addr uint64, data []byte, isWrite bool) error {
	binding, ok := c.lookup(addr)
	if !ok {
		return fmt.Errorf("chipset: no handler for MMIO address 0x%016x", addr)
	}
	if isWrite {
		return binding.handler.WriteMMIO(ctx, addr, data)
	}
	return binding.handler.ReadMMIO(ctx, addr, data)
}

// lookup finds the region containing the first byte of an access. Bounds of
// the whole access are left to the device so it can report its own window
// violations.
func (c *Chipset) lookup(addr uint64) (mmioBinding, bool) {
	for _, binding := range c.mmio {
		if binding.region.Contains(addr, 1) {
			return binding, true
		}
	}
	return mmioBinding{}, false
}

// Device returns the device registered under name.
func (c *Chipset) Device(name string) (ChipsetDevice, bool) {
	dev, ok := c.devices[name]
	return dev, ok
}

// Snapshotters returns every registered device that participates in
// checkpoints, keyed by its DeviceId.
func (c *Chipset) Snapshotters() map[string]hv.DeviceSnapshotter {
	out := make(map[string]hv.DeviceSnapshotter)
	for _, name := range c.deviceNames() {
		if s, ok := c.devices[name].(hv.DeviceSnapshotter); ok {
			out[s.DeviceId()] = s
		}
	}
	return out
}

func (c *Chipset) deviceNames() []string {
	names := make([]string, 0, len(c.devices))
	for name := range c.devices {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
