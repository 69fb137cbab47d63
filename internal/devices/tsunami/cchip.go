// Package tsunami models the CSR window of the Alpha 21272 (Tsunami) CChip:
// per-processor device interrupt masks (DIM), the derived per-processor
// pending registers (DIR) and the shared raw interrupt register (DRIR).
package tsunami

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"sync"

	"github.com/tinyrange/tsunami/internal/chipset"
	"github.com/tinyrange/tsunami/internal/debug"
	"github.com/tinyrange/tsunami/internal/hv"
	"github.com/tinyrange/tsunami/internal/intrctrl"
)

const traceSource = "cchip"

// Config describes a CChip instance.
type Config struct {
	// Base is the physical address of the CSR window. Zero selects
	// CChipBaseAddress.
	Base uint64
	// NumCPUs is the number of populated processors, 1..MaxCPUs.
	NumCPUs int
}

// CChip routes device interrupts to processors.
//
// For every populated processor i, dir[i] == dim[i] & drir holds whenever a
// call into the CChip returns.
type CChip struct {
	mu sync.Mutex

	base uint64
	ctrl intrctrl.Controller

	dim             []uint64
	dir             []uint64
	dirInterrupting []bool
	drir            uint64
	misc            uint64
	rtcInterrupting bool
}

// NewCChip builds a CChip that reports interrupts to ctrl.
func NewCChip(cfg Config, ctrl intrctrl.Controller) (*CChip, error) {
	if cfg.NumCPUs < 1 || cfg.NumCPUs > MaxCPUs {
		return nil, fmt.Errorf("cchip: cpu count %d out of range [1, %d]", cfg.NumCPUs, MaxCPUs)
	}
	base := cfg.Base
	if base == 0 {
		base = CChipBaseAddress
	}
	if base&(CChipWindowSize-1) != 0 {
		return nil, fmt.Errorf("cchip: base 0x%x is not aligned to 0x%x", base, CChipWindowSize)
	}
	if ctrl == nil {
		ctrl = intrctrl.Detached()
	}
	return &CChip{
		base:            base,
		ctrl:            ctrl,
		dim:             make([]uint64, cfg.NumCPUs),
		dir:             make([]uint64, cfg.NumCPUs),
		dirInterrupting: make([]bool, cfg.NumCPUs),
	}, nil
}

// Init implements hv.Device. It claims the CSR window in the machine's
// physical address map.
func (c *CChip) Init(vm hv.VirtualMachine) error {
	if vm.CPUCount() != len(c.dim) {
		return fmt.Errorf("cchip: built for %d cpus, machine has %d", len(c.dim), vm.CPUCount())
	}
	if as := vm.AddressSpace(); as != nil {
		if err := as.RegisterFixed(traceSource, c.base, CChipWindowSize); err != nil {
			return fmt.Errorf("cchip: %w", err)
		}
	}
	return nil
}

// Reset implements chipset.ChangeDeviceState. It zeroes all state without
// notifying the interrupt controller.
func (c *CChip) Reset() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	clear(c.dim)
	clear(c.dir)
	clear(c.dirInterrupting)
	c.drir = 0
	c.misc = 0
	c.rtcInterrupting = false
	return nil
}

// Base returns the physical address of the CSR window.
func (c *CChip) Base() uint64 { return c.base }

// NumCPUs returns the number of populated processors.
func (c *CChip) NumCPUs() int { return len(c.dim) }

// MMIORegions implements hv.MemoryMappedIODevice.
func (c *CChip) MMIORegions() []hv.MMIORegion {
	return []hv.MMIORegion{
		{Address: c.base, Size: CChipWindowSize},
	}
}

// SupportsMmio implements chipset.ChipsetDevice.
func (c *CChip) SupportsMmio() *chipset.MmioIntercept {
	return &chipset.MmioIntercept{
		Regions: c.MMIORegions(),
		Handler: c,
	}
}

func (c *CChip) decode(op string, addr uint64, size int) (Register, error) {
	if !c.MMIORegions()[0].Contains(addr, uint64(size)) {
		return 0, &AccessError{Op: op, Addr: addr, Size: size, Err: ErrOutOfWindow}
	}
	if size != accessSize {
		return 0, &AccessError{Op: op, Addr: addr, Size: size, Err: ErrInvalidAccessWidth}
	}
	return Register(((addr & PAImplMask) - (c.base & PAImplMask)) >> registerShift), nil
}

// ReadMMIO implements hv.MemoryMappedIODevice.
func (c *CChip) ReadMMIO(ctx hv.ExitContext, addr uint64, data []byte) error {
	reg, err := c.decode("read", addr, len(data))
	if err != nil {
		return err
	}

	cpu := 0
	if ctx != nil {
		cpu = ctx.CPUID()
	}

	c.mu.Lock()
	value, err := c.readRegister(cpu, reg)
	c.mu.Unlock()
	if err != nil {
		return &AccessError{Op: "read", Addr: addr, Size: len(data), Reg: reg, Err: err}
	}

	debug.Writef(traceSource, "read cpu=%d %s = 0x%x", cpu, reg, value)
	binary.LittleEndian.PutUint64(data, value)
	return nil
}

// WriteMMIO implements hv.MemoryMappedIODevice.
func (c *CChip) WriteMMIO(ctx hv.ExitContext, addr uint64, data []byte) error {
	reg, err := c.decode("write", addr, len(data))
	if err != nil {
		return err
	}
	value := binary.LittleEndian.Uint64(data)

	debug.Writef(traceSource, "write %s = 0x%x", reg, value)

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.writeRegister(reg, value); err != nil {
		return &AccessError{Op: "write", Addr: addr, Size: len(data), Reg: reg, Err: err}
	}
	return nil
}

func (c *CChip) readRegister(cpu int, reg Register) (uint64, error) {
	info := lookupRegister(reg)
	switch info.kind {
	case kindCSR:
		return 0, nil
	case kindMISC:
		// The low bits report which processor is reading.
		return c.misc | uint64(cpu&0x3), nil
	case kindDIM:
		if info.cpu >= len(c.dim) {
			return 0, fmt.Errorf("%w: cpu %d not populated", ErrUnimplementedRegister, info.cpu)
		}
		return c.dim[info.cpu], nil
	case kindDIR:
		if info.cpu >= len(c.dir) {
			return 0, fmt.Errorf("%w: cpu %d not populated", ErrUnimplementedRegister, info.cpu)
		}
		return c.dir[info.cpu], nil
	case kindDRIR:
		return c.drir, nil
	case kindUnimplemented:
		return 0, ErrUnimplementedRegister
	default:
		return 0, ErrUnknownRegister
	}
}

func (c *CChip) writeRegister(reg Register, value uint64) error {
	info := lookupRegister(reg)
	switch info.kind {
	case kindCSR, kindDIR, kindDRIR:
		return ErrReadOnlyRegister
	case kindMISC:
		return c.writeMisc(value)
	case kindDIM:
		if info.cpu >= len(c.dim) {
			return fmt.Errorf("%w: cpu %d not populated", ErrUnimplementedRegister, info.cpu)
		}
		c.writeMask(info.cpu, value)
		return nil
	case kindUnimplemented:
		return ErrUnimplementedRegister
	default:
		return ErrUnknownRegister
	}
}

// writeMisc handles the only modelled MISC write: acknowledging the RTC.
func (c *CChip) writeMisc(value uint64) error {
	if value&MiscRTCAck == 0 {
		return fmt.Errorf("MISC write 0x%x: %w", value, ErrUnimplementedRegister)
	}
	c.rtcInterrupting = false
	c.clearIntr(0, intrctrl.LevelIRQ2, 0)
	c.misc &^= MiscRTCAck
	return nil
}

// writeMask installs a new mask for cpu and tells the controller about every
// bit that changed, lowest bit first.
func (c *CChip) writeMask(cpu int, value uint64) {
	old := c.dim[cpu]
	c.dim[cpu] = value
	c.updateDIR(cpu)

	for x := 0; x < NumSources; x++ {
		bit := uint64(1) << x
		if (c.dim[cpu]^old)&bit == 0 {
			continue
		}
		if c.dim[cpu]&bit != 0 && c.dir[cpu]&bit != 0 {
			c.postIntr(cpu, intrctrl.LevelIRQ1, x)
		} else if c.dir[cpu]&bit == 0 {
			c.clearIntr(cpu, intrctrl.LevelIRQ1, x)
		}
	}
}

func (c *CChip) updateDIR(cpu int) {
	c.dir[cpu] = c.dim[cpu] & c.drir
	c.dirInterrupting[cpu] = c.dir[cpu] != 0
}

func (c *CChip) postIntr(cpu int, level intrctrl.Level, index int) {
	debug.Writef(traceSource, "post cpu=%d level=%s index=%d", cpu, level, index)
	c.ctrl.Post(cpu, level, index)
}

func (c *CChip) clearIntr(cpu int, level intrctrl.Level, index int) {
	debug.Writef(traceSource, "clear cpu=%d level=%s index=%d", cpu, level, index)
	c.ctrl.Clear(cpu, level, index)
}

// PostDRIR asserts device interrupt source and posts it to every processor
// whose mask enables it. Posting an already asserted source posts again.
func (c *CChip) PostDRIR(source uint) error {
	if source >= NumSources {
		return fmt.Errorf("cchip: post source %d: %w", source, ErrInvalidSource)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	bit := uint64(1) << source
	c.drir |= bit
	for i := range c.dim {
		c.updateDIR(i)
		if c.dim[i]&bit != 0 {
			c.postIntr(i, intrctrl.LevelIRQ1, int(source))
		}
	}
	return nil
}

// ClearDRIR deasserts device interrupt source. Clearing a source that is not
// asserted is ignored.
func (c *CChip) ClearDRIR(source uint) error {
	if source >= NumSources {
		return fmt.Errorf("cchip: clear source %d: %w", source, ErrInvalidSource)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	bit := uint64(1) << source
	if c.drir&bit == 0 {
		slog.Debug("cchip: spurious clear", "irq", source)
		debug.Writef(traceSource, "spurious clear index=%d", source)
		return nil
	}

	c.drir &^= bit
	for i := range c.dim {
		if c.dir[i]&bit != 0 {
			c.clearIntr(i, intrctrl.LevelIRQ1, int(source))
		}
		c.updateDIR(i)
	}
	return nil
}

// SetIRQ implements chipset.InterruptSink so peripheral lines can drive DRIR.
func (c *CChip) SetIRQ(line uint8, level bool) {
	var err error
	if level {
		err = c.PostDRIR(uint(line))
	} else {
		err = c.ClearDRIR(uint(line))
	}
	if err != nil {
		slog.Warn("cchip: peripheral line rejected", "line", line, "level", level, "err", err)
	}
}

// PostRTC raises the interval timer interrupt on processor 0 and flags it in
// MISC until software acknowledges it.
func (c *CChip) PostRTC() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.rtcInterrupting {
		return
	}
	c.rtcInterrupting = true
	c.misc |= MiscRTCAck
	c.postIntr(0, intrctrl.LevelIRQ2, 0)
}

// State is a copy of the CChip registers.
type State struct {
	DIM             []uint64
	DIR             []uint64
	DIRInterrupting []bool
	DRIR            uint64
	Misc            uint64
	RTCInterrupting bool
}

// State returns a copy of the current register contents.
func (c *CChip) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return State{
		DIM:             append([]uint64(nil), c.dim...),
		DIR:             append([]uint64(nil), c.dir...),
		DIRInterrupting: append([]bool(nil), c.dirInterrupting...),
		DRIR:            c.drir,
		Misc:            c.misc,
		RTCInterrupting: c.rtcInterrupting,
	}
}

var (
	_ hv.MemoryMappedIODevice = (*CChip)(nil)
	_ chipset.ChipsetDevice   = (*CChip)(nil)
	_ chipset.InterruptSink   = (*CChip)(nil)
)
