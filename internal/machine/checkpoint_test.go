package machine

import (
	"bytes"
	"encoding/binary"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/tinyrange/tsunami/internal/devices/tsunami"
	"github.com/tinyrange/tsunami/internal/hv"
	"github.com/tinyrange/tsunami/internal/intrctrl"
)

func TestCheckpointRoundTrip(t *testing.T) {
	m, rec := newTestMachine(t)
	mustStore(t, m, 0, tsunami.RegDIM0, 1<<3|1<<5)
	mustStore(t, m, 0, tsunami.RegDIM1, 1<<5)
	mustRaise(t, m, "disk", true)
	mustRaise(t, m, "uart", true)
	m.RaiseRTC()

	wantCChip := m.CChip().State()
	wantIRQ1 := m.Controller().Status(0, intrctrl.LevelIRQ1)

	var buf bytes.Buffer
	if err := m.SaveCheckpoint(&buf); err != nil {
		t.Fatalf("SaveCheckpoint: %v", err)
	}

	mustRaise(t, m, "disk", false)
	mustStore(t, m, 0, tsunami.RegMISC, tsunami.MiscRTCAck)
	mustStore(t, m, 0, tsunami.RegDIM1, 0)
	rec.Drain()

	if err := m.LoadCheckpoint(bytes.NewReader(buf.Bytes())); err != nil {
		t.Fatalf("LoadCheckpoint: %v", err)
	}
	if calls := rec.Drain(); len(calls) != 0 {
		t.Fatalf("restore issued controller calls: %v", calls)
	}
	if got := m.CChip().State(); !reflect.DeepEqual(got, wantCChip) {
		t.Fatalf("cchip state = %+v, want %+v", got, wantCChip)
	}
	if got := m.Controller().Status(0, intrctrl.LevelIRQ1); got != wantIRQ1 {
		t.Fatalf("IRQ1 status = 0x%x, want 0x%x", got, wantIRQ1)
	}
	if lvl, ok := m.Controller().Highest(0); !ok || lvl != intrctrl.LevelIRQ2 {
		t.Fatalf("RTC not pending after restore")
	}

	// The disk line is high again, so lowering it must reach the CChip.
	mustRaise(t, m, "disk", false)
	if got := m.CChip().State().DRIR; got != 1<<5 {
		t.Fatalf("DRIR = 0x%x after lowering disk, want 0x20", got)
	}
}

func TestCheckpointIntoFreshMachine(t *testing.T) {
	src, _ := newTestMachine(t)
	mustStore(t, src, 0, tsunami.RegDIM1, 1<<3)
	mustRaise(t, src, "disk", true)

	path := filepath.Join(t.TempDir(), "machine.snap")
	if err := src.SaveCheckpointFile(path); err != nil {
		t.Fatalf("SaveCheckpointFile: %v", err)
	}

	dst, rec := newTestMachine(t)
	if err := dst.LoadCheckpointFile(path); err != nil {
		t.Fatalf("LoadCheckpointFile: %v", err)
	}
	if calls := rec.Drain(); len(calls) != 0 {
		t.Fatalf("restore issued controller calls: %v", calls)
	}
	if !reflect.DeepEqual(dst.CChip().State(), src.CChip().State()) {
		t.Fatalf("state mismatch after file round trip")
	}
	if !dst.Controller().Pending(1) {
		t.Fatalf("cpu1 interrupt lost")
	}
}

func TestCheckpointRejectsMismatch(t *testing.T) {
	m, _ := newTestMachine(t)
	var buf bytes.Buffer
	if err := m.SaveCheckpoint(&buf); err != nil {
		t.Fatalf("SaveCheckpoint: %v", err)
	}
	good := buf.Bytes()

	corrupt := func(off int, v uint32) []byte {
		data := append([]byte(nil), good...)
		binary.LittleEndian.PutUint32(data[off:], v)
		return data
	}

	tests := []struct {
		name string
		data []byte
		want string
	}{
		{"magic", corrupt(0, 0xdeadbeef), "bad magic"},
		{"version", corrupt(4, 99), "unsupported version"},
		{"arch", corrupt(8, 1), "architecture"},
		{"hash", corrupt(16, 0), "config hash"},
		{"count", corrupt(48, 7), "has 7 devices"},
		{"truncated", good[:len(good)-4], "read device"},
		{"empty", nil, "read header"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := m.LoadCheckpoint(bytes.NewReader(tt.data))
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("err = %v, want containing %q", err, tt.want)
			}
		})
	}

	other := testConfig()
	other.CPUs = 4
	om, err := New(other)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := om.LoadCheckpoint(bytes.NewReader(good)); err == nil || !strings.Contains(err.Error(), "config hash") {
		t.Fatalf("cross-config restore: err = %v", err)
	}
}

// writeCheckpoint builds a checkpoint with arbitrary records for m's layout.
func writeCheckpoint(t *testing.T, m *Machine, ids []string, snaps []hv.DeviceSnapshot) []byte {
	t.Helper()
	var buf bytes.Buffer
	header := []uint32{hv.SnapshotMagic, hv.SnapshotVersion, hv.ArchToSnapshotArch(hv.ArchitectureAlpha), 0}
	if err := binary.Write(&buf, binary.LittleEndian, header); err != nil {
		t.Fatal(err)
	}
	buf.Write(m.hash[:])
	if err := binary.Write(&buf, binary.LittleEndian, uint32(len(ids))); err != nil {
		t.Fatal(err)
	}
	for i, id := range ids {
		if err := writeDeviceSnapshot(&buf, id, snaps[i]); err != nil {
			t.Fatal(err)
		}
	}
	return buf.Bytes()
}

func captureAll(t *testing.T, m *Machine) ([]string, []hv.DeviceSnapshot) {
	t.Helper()
	devs := m.snapshotters()
	ids := sortedIDs(devs)
	snaps := make([]hv.DeviceSnapshot, len(ids))
	for i, id := range ids {
		snap, err := devs[id].CaptureSnapshot()
		if err != nil {
			t.Fatalf("capture %s: %v", id, err)
		}
		snaps[i] = snap
	}
	return ids, snaps
}

func TestCheckpointRejectsUnknownDevice(t *testing.T) {
	m, _ := newTestMachine(t)
	ids, snaps := captureAll(t, m)
	ids[len(ids)-1] = "floppy"

	err := m.LoadCheckpoint(bytes.NewReader(writeCheckpoint(t, m, ids, snaps)))
	if err == nil || !strings.Contains(err.Error(), `unknown device "floppy"`) {
		t.Fatalf("err = %v", err)
	}
}

func TestCheckpointRollsBackOnFailure(t *testing.T) {
	m, rec := newTestMachine(t)

	donor, _ := newTestMachine(t)
	mustStore(t, donor, 0, tsunami.RegDIM0, 1<<3)
	mustRaise(t, donor, "disk", true)
	ids, snaps := captureAll(t, donor)

	// A controller snapshot for the wrong number of processors fails after
	// the cchip record has already been applied.
	small := intrctrl.New(1)
	bad, err := small.CaptureSnapshot()
	if err != nil {
		t.Fatal(err)
	}
	for i, id := range ids {
		if id == small.DeviceId() {
			snaps[i] = bad
		}
	}

	mustStore(t, m, 0, tsunami.RegDIM1, 1<<5)
	before := m.CChip().State()
	rec.Drain()

	err = m.LoadCheckpoint(bytes.NewReader(writeCheckpoint(t, m, ids, snaps)))
	if err == nil || !strings.Contains(err.Error(), "restore intrctrl") {
		t.Fatalf("err = %v, want intrctrl restore failure", err)
	}
	if got := m.CChip().State(); !reflect.DeepEqual(got, before) {
		t.Fatalf("cchip state not rolled back: %+v, want %+v", got, before)
	}
	if calls := rec.Drain(); len(calls) != 0 {
		t.Fatalf("failed restore issued controller calls: %v", calls)
	}
}
