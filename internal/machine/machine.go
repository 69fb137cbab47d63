// Package machine assembles a Tsunami system: the interrupt controller, the
// CChip, the MMIO dispatch table and the peripheral interrupt lines.
package machine

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"sort"

	"github.com/tinyrange/tsunami/internal/chipset"
	"github.com/tinyrange/tsunami/internal/devices/tsunami"
	"github.com/tinyrange/tsunami/internal/hv"
	"github.com/tinyrange/tsunami/internal/intrctrl"
)

type options struct {
	wrapController func(intrctrl.Controller) intrctrl.Controller
}

// Option customises machine construction.
type Option func(*options)

// WithControllerWrapper interposes on every call the CChip makes to the
// interrupt controller, e.g. to record them.
func WithControllerWrapper(wrap func(intrctrl.Controller) intrctrl.Controller) Option {
	return func(o *options) {
		o.wrapController = wrap
	}
}

// Machine owns every device of one simulated Tsunami system.
type Machine struct {
	cfg  Config
	hash hv.VMConfigHash

	as      *hv.AddressSpace
	ctrl    *intrctrl.IntrControl
	cchip   *tsunami.CChip
	chipset *chipset.Chipset
	lines   *chipset.LineSet
	named   map[string]chipset.LineInterrupt
}

// New builds and initialises a machine from cfg.
func New(cfg Config, opts ...Option) (*Machine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var o options
	for _, opt := range opts {
		opt(&o)
	}

	ctrl := intrctrl.New(cfg.CPUs)
	var port intrctrl.Controller = ctrl
	if o.wrapController != nil {
		port = o.wrapController(ctrl)
	}

	cchip, err := tsunami.NewCChip(tsunami.Config{
		Base:    cfg.cchipBase(),
		NumCPUs: cfg.CPUs,
	}, port)
	if err != nil {
		return nil, err
	}

	b := chipset.NewBuilder()
	if err := b.RegisterDevice("cchip", cchip); err != nil {
		return nil, fmt.Errorf("machine: %w", err)
	}
	cs, err := b.Build()
	if err != nil {
		return nil, fmt.Errorf("machine: %w", err)
	}

	m := &Machine{
		cfg:     cfg,
		hash:    cfg.Hash(),
		as:      hv.NewAddressSpace(hv.ArchitectureAlpha, uint64(cfg.MemoryBase), uint64(cfg.Memory)),
		ctrl:    ctrl,
		cchip:   cchip,
		chipset: cs,
		lines:   chipset.NewLineSet(cchip),
		named:   make(map[string]chipset.LineInterrupt, len(cfg.Devices)),
	}

	if err := m.ctrl.Init(m); err != nil {
		return nil, err
	}
	if err := m.chipset.Init(m); err != nil {
		return nil, err
	}

	for _, dev := range cfg.Devices {
		m.named[dev.Name] = m.lines.AllocateLine(dev.IRQ)
	}

	slog.Debug("machine: built",
		"cpus", cfg.CPUs,
		"cchip", fmt.Sprintf("0x%x", cchip.Base()),
		"devices", len(cfg.Devices),
		"config_hash", m.hash.String())
	return m, nil
}

// CPUCount implements hv.VirtualMachine.
func (m *Machine) CPUCount() int { return m.cfg.CPUs }

// AddressSpace implements hv.VirtualMachine.
func (m *Machine) AddressSpace() *hv.AddressSpace { return m.as }

// Config returns the configuration the machine was built from.
func (m *Machine) Config() Config { return m.cfg }

// CChip returns the machine's CChip.
func (m *Machine) CChip() *tsunami.CChip { return m.cchip }

// Controller returns the machine's interrupt controller.
func (m *Machine) Controller() *intrctrl.IntrControl { return m.ctrl }

// Line returns the interrupt line of a configured peripheral.
func (m *Machine) Line(name string) (chipset.LineInterrupt, error) {
	line, ok := m.named[name]
	if !ok {
		return nil, fmt.Errorf("machine: no peripheral named %q", name)
	}
	return line, nil
}

// LineNames returns the configured peripheral names in sorted order.
func (m *Machine) LineNames() []string {
	names := make([]string, 0, len(m.named))
	for name := range m.named {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// RaiseRTC signals the interval timer interrupt.
func (m *Machine) RaiseRTC() {
	m.cchip.PostRTC()
}

// Access performs a bus access of len(data) bytes on behalf of cpu. Any
// device error halts the machine: the returned error wraps both
// hv.ErrVMHalted and the cause.
func (m *Machine) Access(ctx context.Context, cpu int, addr uint64, data []byte, isWrite bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if cpu < 0 || cpu >= m.cfg.CPUs {
		return fmt.Errorf("machine: cpu %d out of range [0, %d)", cpu, m.cfg.CPUs)
	}
	if err := m.chipset.HandleMMIO(hv.ExitContextForCPU(cpu), addr, data, isWrite); err != nil {
		return m.halt(err)
	}
	return nil
}

// Load reads the 64-bit quantity at addr.
func (m *Machine) Load(ctx context.Context, cpu int, addr uint64) (uint64, error) {
	buf := make([]byte, 8)
	if err := m.Access(ctx, cpu, addr, buf, false); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(buf), nil
}

// Store writes the 64-bit quantity value at addr.
func (m *Machine) Store(ctx context.Context, cpu int, addr uint64, value uint64) error {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, value)
	return m.Access(ctx, cpu, addr, buf, true)
}

// RegisterAddress returns the physical address of a CChip CSR.
func (m *Machine) RegisterAddress(reg tsunami.Register) uint64 {
	return m.cchip.Base() + reg.Offset()
}

func (m *Machine) halt(err error) error {
	kind := "bus error"
	switch {
	case tsunami.IsProtocolViolation(err):
		kind = "protocol violation"
	case tsunami.IsFatal(err):
		kind = "unimplemented hardware"
	}
	slog.Error("machine: halting", "kind", kind, "err", err)
	return fmt.Errorf("%w: %w", hv.ErrVMHalted, err)
}

// Reset returns every device to its power-on state.
func (m *Machine) Reset() error {
	m.lines.Reset()
	if err := m.ctrl.Reset(); err != nil {
		return err
	}
	return m.chipset.Reset()
}

var _ hv.VirtualMachine = (*Machine)(nil)
