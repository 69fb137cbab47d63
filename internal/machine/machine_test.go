package machine

import (
	"bytes"
	"context"
	"errors"
	"reflect"
	"strings"
	"testing"

	"github.com/tinyrange/tsunami/internal/debug"
	"github.com/tinyrange/tsunami/internal/devices/tsunami"
	"github.com/tinyrange/tsunami/internal/hv"
	"github.com/tinyrange/tsunami/internal/intrctrl"
)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.CPUs = 2
	cfg.Devices = []DeviceLine{
		{Name: "disk", IRQ: 3},
		{Name: "uart", IRQ: 5},
	}
	return cfg
}

func newTestMachine(t *testing.T) (*Machine, *intrctrl.Recorder) {
	t.Helper()
	var rec *intrctrl.Recorder
	m, err := New(testConfig(), WithControllerWrapper(func(c intrctrl.Controller) intrctrl.Controller {
		rec = intrctrl.NewRecorder(c)
		return rec
	}))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return m, rec
}

func mustStore(t *testing.T, m *Machine, cpu int, reg tsunami.Register, value uint64) {
	t.Helper()
	if err := m.Store(context.Background(), cpu, m.RegisterAddress(reg), value); err != nil {
		t.Fatalf("store %s: %v", reg, err)
	}
}

func mustLoad(t *testing.T, m *Machine, cpu int, reg tsunami.Register) uint64 {
	t.Helper()
	v, err := m.Load(context.Background(), cpu, m.RegisterAddress(reg))
	if err != nil {
		t.Fatalf("load %s: %v", reg, err)
	}
	return v
}

func mustRaise(t *testing.T, m *Machine, name string, high bool) {
	t.Helper()
	line, err := m.Line(name)
	if err != nil {
		t.Fatalf("Line(%q): %v", name, err)
	}
	line.SetLevel(high)
}

func TestMachinePeripheralReachesController(t *testing.T) {
	m, rec := newTestMachine(t)

	mustStore(t, m, 0, tsunami.RegDIM0, 1<<3)
	mustStore(t, m, 0, tsunami.RegDIM1, 1<<5)
	rec.Drain()

	mustRaise(t, m, "disk", true)
	want := []intrctrl.Call{{Op: intrctrl.OpPost, CPU: 0, Level: intrctrl.LevelIRQ1, Index: 3}}
	if got := rec.Drain(); !reflect.DeepEqual(got, want) {
		t.Fatalf("calls = %v, want %v", got, want)
	}
	if got := m.Controller().Status(0, intrctrl.LevelIRQ1); got != 1<<3 {
		t.Fatalf("cpu0 IRQ1 status = 0x%x, want 0x8", got)
	}
	if m.Controller().Pending(1) {
		t.Fatalf("cpu1 should not be interrupted")
	}
	if got := mustLoad(t, m, 0, tsunami.RegDIR0); got != 1<<3 {
		t.Fatalf("DIR0 = 0x%x, want 0x8", got)
	}
	if got := mustLoad(t, m, 0, tsunami.RegDRIR); got != 1<<3 {
		t.Fatalf("DRIR = 0x%x, want 0x8", got)
	}

	mustRaise(t, m, "disk", false)
	if m.Controller().Pending(0) {
		t.Fatalf("cpu0 still pending after line dropped")
	}
	if got := mustLoad(t, m, 0, tsunami.RegDRIR); got != 0 {
		t.Fatalf("DRIR = 0x%x after lower, want 0", got)
	}
}

func TestMachineRTC(t *testing.T) {
	m, _ := newTestMachine(t)

	m.RaiseRTC()
	if lvl, ok := m.Controller().Highest(0); !ok || lvl != intrctrl.LevelIRQ2 {
		t.Fatalf("highest = %v,%v, want IRQ2", lvl, ok)
	}
	if got := mustLoad(t, m, 1, tsunami.RegMISC); got != tsunami.MiscRTCAck|1 {
		t.Fatalf("MISC from cpu1 = 0x%x, want 0x11", got)
	}

	mustStore(t, m, 0, tsunami.RegMISC, tsunami.MiscRTCAck)
	if m.Controller().Pending(0) {
		t.Fatalf("RTC still pending after acknowledge")
	}
	if got := mustLoad(t, m, 0, tsunami.RegMISC); got != 0 {
		t.Fatalf("MISC = 0x%x after acknowledge, want 0", got)
	}
}

func TestMachineHaltsOnBadAccess(t *testing.T) {
	m, _ := newTestMachine(t)
	ctx := context.Background()
	base := m.CChip().Base()

	tests := []struct {
		name  string
		run   func() error
		cause error
	}{
		{"unknown register", func() error {
			_, err := m.Load(ctx, 0, base+0x03<<6)
			return err
		}, tsunami.ErrUnknownRegister},
		{"unimplemented register", func() error {
			_, err := m.Load(ctx, 0, m.RegisterAddress(tsunami.RegMTR))
			return err
		}, tsunami.ErrUnimplementedRegister},
		{"read-only register", func() error {
			return m.Store(ctx, 0, m.RegisterAddress(tsunami.RegDRIR), 1)
		}, tsunami.ErrReadOnlyRegister},
		{"narrow access", func() error {
			return m.Access(ctx, 0, base, make([]byte, 4), false)
		}, tsunami.ErrInvalidAccessWidth},
		{"unpopulated cpu", func() error {
			return m.Store(ctx, 0, m.RegisterAddress(tsunami.RegDIM3), 1)
		}, tsunami.ErrUnimplementedRegister},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.run()
			if !errors.Is(err, hv.ErrVMHalted) {
				t.Fatalf("err = %v, want ErrVMHalted", err)
			}
			if !errors.Is(err, tt.cause) {
				t.Fatalf("err = %v, want cause %v", err, tt.cause)
			}
		})
	}

	_, err := m.Load(ctx, 0, 0x10)
	if !errors.Is(err, hv.ErrVMHalted) {
		t.Fatalf("unmapped load: err = %v, want ErrVMHalted", err)
	}
}

func TestMachineAccessChecks(t *testing.T) {
	m, _ := newTestMachine(t)

	if _, err := m.Load(context.Background(), 2, m.RegisterAddress(tsunami.RegMISC)); err == nil || errors.Is(err, hv.ErrVMHalted) {
		t.Fatalf("out of range cpu: err = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := m.Load(ctx, 0, m.RegisterAddress(tsunami.RegMISC)); !errors.Is(err, context.Canceled) {
		t.Fatalf("cancelled load: err = %v", err)
	}
}

func TestMachineLines(t *testing.T) {
	m, _ := newTestMachine(t)
	if got := m.LineNames(); !reflect.DeepEqual(got, []string{"disk", "uart"}) {
		t.Fatalf("LineNames = %v", got)
	}
	if _, err := m.Line("nic"); err == nil {
		t.Fatalf("expected error for unknown line")
	}
}

func TestMachineReset(t *testing.T) {
	m, rec := newTestMachine(t)
	mustStore(t, m, 0, tsunami.RegDIM0, ^uint64(0))
	mustRaise(t, m, "uart", true)
	m.RaiseRTC()
	rec.Drain()

	if err := m.Reset(); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if calls := rec.Drain(); len(calls) != 0 {
		t.Fatalf("reset issued controller calls: %v", calls)
	}
	st := m.CChip().State()
	if st.DRIR != 0 || st.DIM[0] != 0 || st.Misc != 0 || st.RTCInterrupting {
		t.Fatalf("cchip not reset: %+v", st)
	}
	if m.Controller().Pending(0) {
		t.Fatalf("controller not reset")
	}

	// The line was dropped silently, so raising it again is an edge.
	mustStore(t, m, 0, tsunami.RegDIM0, 1<<5)
	rec.Drain()
	mustRaise(t, m, "uart", true)
	if calls := rec.Drain(); len(calls) != 1 {
		t.Fatalf("calls after re-raise = %v, want one post", calls)
	}
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig()
	cfg.CPUs = 0
	if _, err := New(cfg); err == nil {
		t.Fatalf("expected error")
	}
}

func TestMachineTrace(t *testing.T) {
	mem, err := debug.OpenMemory()
	if err != nil {
		t.Fatalf("OpenMemory: %v", err)
	}
	defer debug.Close()

	m, _ := newTestMachine(t)
	mustStore(t, m, 0, tsunami.RegDIM0, 1<<3)
	mustRaise(t, m, "disk", true)

	r, err := debug.NewReader(bytes.NewReader(mem.Bytes()))
	if err != nil {
		t.Fatalf("NewReader: %v", err)
	}
	var msgs []string
	if err := r.EachSource("cchip", func(rec debug.Record) error {
		msgs = append(msgs, string(rec.Data))
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	want := []string{
		"write DIM0 = 0x8",
		"clear cpu=0 level=irq1 index=3",
		"post cpu=0 level=irq1 index=3",
	}
	if strings.Join(msgs, "\n") != strings.Join(want, "\n") {
		t.Fatalf("trace = %q, want %q", msgs, want)
	}
}
