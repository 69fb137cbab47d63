// Package intrctrl delivers interrupt requests to processors.
//
// The chipset decides which processor should see which interrupt source; a
// Controller turns that decision into per-processor interrupt status that the
// CPU model polls. Controllers never call back into the chipset.
package intrctrl

import (
	"encoding/gob"
	"fmt"
	"log/slog"
	"math/bits"
	"sync"

	"github.com/tinyrange/tsunami/internal/hv"
)

// Level is a processor interrupt priority level.
type Level uint8

const (
	// NumLevels is the number of interrupt priority levels per processor.
	NumLevels = 32
	// NumSources is the number of sources that can be pending per level.
	NumSources = 64
)

// Alpha external interrupt levels.
const (
	LevelIRQ0 Level = 20
	LevelIRQ1 Level = 21
	LevelIRQ2 Level = 22
	LevelIRQ3 Level = 23
)

func (l Level) String() string {
	switch l {
	case LevelIRQ0:
		return "irq0"
	case LevelIRQ1:
		return "irq1"
	case LevelIRQ2:
		return "irq2"
	case LevelIRQ3:
		return "irq3"
	default:
		return fmt.Sprintf("level%d", uint8(l))
	}
}

// Controller raises and lowers interrupt lines on a processor.
type Controller interface {
	// Post raises source index at the given level on cpu.
	Post(cpu int, level Level, index int)
	// Clear lowers source index at the given level on cpu.
	Clear(cpu int, level Level, index int)
}

// Func adapts a single function to Controller. post is true for Post calls.
type Func func(post bool, cpu int, level Level, index int)

// Post implements Controller.
func (f Func) Post(cpu int, level Level, index int) {
	if f != nil {
		f(true, cpu, level, index)
	}
}

// Clear implements Controller.
func (f Func) Clear(cpu int, level Level, index int) {
	if f != nil {
		f(false, cpu, level, index)
	}
}

type noopController struct{}

func (noopController) Post(int, Level, int)  {}
func (noopController) Clear(int, Level, int) {}

// Detached returns a Controller that drops every request.
func Detached() Controller {
	return noopController{}
}

type cpuState struct {
	status  [NumLevels]uint64
	summary uint32
}

// IntrControl keeps the interrupt status of every processor in a machine.
type IntrControl struct {
	mu sync.Mutex

	cpus []cpuState
}

// New builds an IntrControl for numCPUs processors.
func New(numCPUs int) *IntrControl {
	if numCPUs <= 0 {
		numCPUs = 1
	}
	return &IntrControl{
		cpus: make([]cpuState, numCPUs),
	}
}

// Init implements hv.Device.
func (c *IntrControl) Init(vm hv.VirtualMachine) error {
	if vm.CPUCount() != len(c.cpus) {
		return fmt.Errorf("intrctrl: built for %d cpus, machine has %d", len(c.cpus), vm.CPUCount())
	}
	return nil
}

// NumCPUs returns the number of processors served.
func (c *IntrControl) NumCPUs() int {
	return len(c.cpus)
}

func (c *IntrControl) check(op string, cpu int, level Level, index int) bool {
	switch {
	case cpu < 0 || cpu >= len(c.cpus):
		slog.Warn("intrctrl: request for unknown cpu", "op", op, "cpu", cpu)
		return false
	case int(level) >= NumLevels:
		slog.Warn("intrctrl: request for invalid level", "op", op, "cpu", cpu, "level", level)
		return false
	case index < 0 || index >= NumSources:
		slog.Warn("intrctrl: request for invalid source", "op", op, "cpu", cpu, "index", index)
		return false
	}
	return true
}

// Post implements Controller.
func (c *IntrControl) Post(cpu int, level Level, index int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.check("post", cpu, level, index) {
		return
	}
	st := &c.cpus[cpu]
	st.status[level] |= 1 << uint(index)
	st.summary |= 1 << uint(level)
}

// Clear implements Controller.
func (c *IntrControl) Clear(cpu int, level Level, index int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.check("clear", cpu, level, index) {
		return
	}
	st := &c.cpus[cpu]
	st.status[level] &^= 1 << uint(index)
	if st.status[level] == 0 {
		st.summary &^= 1 << uint(level)
	}
}

// Pending reports whether any interrupt is raised on cpu.
func (c *IntrControl) Pending(cpu int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cpu < 0 || cpu >= len(c.cpus) {
		return false
	}
	return c.cpus[cpu].summary != 0
}

// Status returns the raised sources at level on cpu.
func (c *IntrControl) Status(cpu int, level Level) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cpu < 0 || cpu >= len(c.cpus) || int(level) >= NumLevels {
		return 0
	}
	return c.cpus[cpu].status[level]
}

// Highest returns the highest level with a raised source on cpu.
func (c *IntrControl) Highest(cpu int) (Level, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cpu < 0 || cpu >= len(c.cpus) {
		return 0, false
	}
	summary := c.cpus[cpu].summary
	if summary == 0 {
		return 0, false
	}
	return Level(31 - bits.LeadingZeros32(summary)), true
}

// Reset lowers every line on every processor.
func (c *IntrControl) Reset() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.cpus {
		c.cpus[i] = cpuState{}
	}
	return nil
}

// Snapshot support ----------------------------------------------------------

type intrCtrlSnapshot struct {
	Status [][NumLevels]uint64
}

func (c *IntrControl) DeviceId() string { return "intrctrl" }

func (c *IntrControl) CaptureSnapshot() (hv.DeviceSnapshot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	snap := &intrCtrlSnapshot{Status: make([][NumLevels]uint64, len(c.cpus))}
	for i, st := range c.cpus {
		snap.Status[i] = st.status
	}
	return snap, nil
}

func (c *IntrControl) RestoreSnapshot(snap hv.DeviceSnapshot) error {
	data, ok := snap.(*intrCtrlSnapshot)
	if !ok {
		return fmt.Errorf("intrctrl: invalid snapshot type")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if len(data.Status) != len(c.cpus) {
		return fmt.Errorf("intrctrl: snapshot cpu count mismatch: got %d, want %d", len(data.Status), len(c.cpus))
	}

	for i := range c.cpus {
		st := cpuState{status: data.Status[i]}
		for level, word := range st.status {
			if word != 0 {
				st.summary |= 1 << uint(level)
			}
		}
		c.cpus[i] = st
	}
	return nil
}

func init() {
	gob.Register(&intrCtrlSnapshot{})
}

var (
	_ Controller           = (*IntrControl)(nil)
	_ hv.Device            = (*IntrControl)(nil)
	_ hv.DeviceSnapshotter = (*IntrControl)(nil)
)
