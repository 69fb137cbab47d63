package chipset

import (
	"encoding/gob"
	"fmt"
	"sync"

	"github.com/tinyrange/tsunami/internal/hv"
)

// LineSet manages peripheral interrupt lines and forwards level changes to a
// sink.
type LineSet struct {
	mu sync.Mutex

	sink InterruptSink

	lines map[uint8]*lineState
}

// NewLineSet builds a LineSet that forwards assertions to the provided sink.
func NewLineSet(sink InterruptSink) *LineSet {
	if sink == nil {
		sink = noopInterruptSink{}
	}
	return &LineSet{
		sink:  sink,
		lines: make(map[uint8]*lineState),
	}
}

// AllocateLine returns a LineInterrupt handle for the given IRQ line.
func (l *LineSet) AllocateLine(irq uint8) LineInterrupt {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.lines[irq]; !ok {
		l.lines[irq] = &lineState{}
	}
	return &lineHandle{owner: l, irq: irq}
}

// Level reports the last level driven on irq.
func (l *LineSet) Level(irq uint8) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	state := l.lines[irq]
	return state != nil && state.level
}

// Reset drops every line low without notifying the sink.
func (l *LineSet) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, state := range l.lines {
		state.level = false
	}
}

type lineState struct {
	level bool
}

type lineHandle struct {
	owner *LineSet
	irq   uint8
}

func (h *lineHandle) SetLevel(high bool) {
	h.owner.setLevel(h.irq, high)
}

func (h *lineHandle) PulseInterrupt() {
	h.owner.pulse(h.irq)
}

func (l *LineSet) setLevel(irq uint8, high bool) {
	l.mu.Lock()
	state := l.lines[irq]
	if state == nil {
		state = &lineState{}
		l.lines[irq] = state
	}
	changed := state.level != high
	state.level = high
	l.mu.Unlock()

	if changed {
		l.sink.SetIRQ(irq, high)
	}
}

func (l *LineSet) pulse(irq uint8) {
	l.mu.Lock()
	state := l.lines[irq]
	if state == nil {
		state = &lineState{}
		l.lines[irq] = state
	}
	state.level = false
	l.mu.Unlock()

	l.sink.SetIRQ(irq, true)
	l.sink.SetIRQ(irq, false)
}

type noopInterruptSink struct{}

func (noopInterruptSink) SetIRQ(uint8, bool) {}

// Snapshot support ----------------------------------------------------------

type lineSetSnapshot struct {
	Levels map[uint8]bool
}

func (l *LineSet) DeviceId() string { return "lines" }

func (l *LineSet) CaptureSnapshot() (hv.DeviceSnapshot, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	snap := &lineSetSnapshot{Levels: make(map[uint8]bool, len(l.lines))}
	for irq, state := range l.lines {
		snap.Levels[irq] = state.level
	}
	return snap, nil
}

// RestoreSnapshot overwrites line levels without notifying the sink; the
// sink restores its own view of the lines from the same checkpoint.
func (l *LineSet) RestoreSnapshot(snap hv.DeviceSnapshot) error {
	data, ok := snap.(*lineSetSnapshot)
	if !ok {
		return fmt.Errorf("lineset: invalid snapshot type")
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	for _, state := range l.lines {
		state.level = false
	}
	for irq, level := range data.Levels {
		state := l.lines[irq]
		if state == nil {
			state = &lineState{}
			l.lines[irq] = state
		}
		state.level = level
	}
	return nil
}

var _ hv.DeviceSnapshotter = (*LineSet)(nil)

func init() {
	gob.Register(&lineSetSnapshot{})
}
