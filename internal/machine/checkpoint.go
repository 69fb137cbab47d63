package machine

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/tinyrange/tsunami/internal/hv"
)

// A checkpoint file is a fixed header followed by one record per device:
//
//	magic, version, arch, flags  uint32 each
//	config hash                  [32]byte
//	device count                 uint32
//	{id length uint32, id, data length uint32, gob data} * count
//
// Records are written in device id order.

func (m *Machine) snapshotters() map[string]hv.DeviceSnapshotter {
	out := m.chipset.Snapshotters()
	out[m.ctrl.DeviceId()] = m.ctrl
	out[m.lines.DeviceId()] = m.lines
	return out
}

func sortedIDs(devs map[string]hv.DeviceSnapshotter) []string {
	ids := make([]string, 0, len(devs))
	for id := range devs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// SaveCheckpoint writes the state of every device to w.
func (m *Machine) SaveCheckpoint(w io.Writer) error {
	devs := m.snapshotters()
	ids := sortedIDs(devs)

	header := []uint32{
		hv.SnapshotMagic,
		hv.SnapshotVersion,
		hv.ArchToSnapshotArch(hv.ArchitectureAlpha),
		0, // flags
	}
	if err := binary.Write(w, binary.LittleEndian, header); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	if _, err := w.Write(m.hash[:]); err != nil {
		return fmt.Errorf("write config hash: %w", err)
	}
	if err := binary.Write(w, binary.LittleEndian, uint32(len(ids))); err != nil {
		return fmt.Errorf("write device count: %w", err)
	}

	for _, id := range ids {
		snap, err := devs[id].CaptureSnapshot()
		if err != nil {
			return fmt.Errorf("capture %s: %w", id, err)
		}
		if err := writeDeviceSnapshot(w, id, snap); err != nil {
			return fmt.Errorf("write %s: %w", id, err)
		}
	}
	return nil
}

// LoadCheckpoint restores every device from r. The checkpoint must come from
// a machine with the same configuration and must cover exactly this
// machine's devices. If any device rejects its state, devices restored
// earlier are rolled back and the machine is left as it was.
func (m *Machine) LoadCheckpoint(r io.Reader) error {
	var header [4]uint32
	if err := binary.Read(r, binary.LittleEndian, &header); err != nil {
		return fmt.Errorf("read header: %w", err)
	}
	if header[0] != hv.SnapshotMagic {
		return fmt.Errorf("checkpoint: bad magic 0x%08x", header[0])
	}
	if header[1] != hv.SnapshotVersion {
		return fmt.Errorf("checkpoint: unsupported version %d", header[1])
	}
	if arch := hv.SnapshotArchToArch(header[2]); arch != hv.ArchitectureAlpha {
		return fmt.Errorf("checkpoint: architecture %s does not match %s", arch, hv.ArchitectureAlpha)
	}

	var hash hv.VMConfigHash
	if _, err := io.ReadFull(r, hash[:]); err != nil {
		return fmt.Errorf("read config hash: %w", err)
	}
	if hash != m.hash {
		return fmt.Errorf("checkpoint: config hash %s does not match machine %s", hash, m.hash)
	}

	var count uint32
	if err := binary.Read(r, binary.LittleEndian, &count); err != nil {
		return fmt.Errorf("read device count: %w", err)
	}

	devs := m.snapshotters()
	if int(count) != len(devs) {
		return fmt.Errorf("checkpoint: has %d devices, machine has %d", count, len(devs))
	}

	snaps := make(map[string]hv.DeviceSnapshot, count)
	for i := uint32(0); i < count; i++ {
		id, snap, err := readDeviceSnapshot(r)
		if err != nil {
			return fmt.Errorf("read device %d: %w", i, err)
		}
		if _, ok := devs[id]; !ok {
			return fmt.Errorf("checkpoint: unknown device %q", id)
		}
		if _, dup := snaps[id]; dup {
			return fmt.Errorf("checkpoint: device %q appears twice", id)
		}
		snaps[id] = snap
	}

	backups := make(map[string]hv.DeviceSnapshot, len(devs))
	for id, dev := range devs {
		snap, err := dev.CaptureSnapshot()
		if err != nil {
			return fmt.Errorf("backup %s: %w", id, err)
		}
		backups[id] = snap
	}

	var restored []string
	for _, id := range sortedIDs(devs) {
		if err := devs[id].RestoreSnapshot(snaps[id]); err != nil {
			for _, done := range restored {
				_ = devs[done].RestoreSnapshot(backups[done])
			}
			return fmt.Errorf("restore %s: %w", id, err)
		}
		restored = append(restored, id)
	}
	return nil
}

// SaveCheckpointFile writes a checkpoint to path.
func (m *Machine) SaveCheckpointFile(path string) error {
	var buf bytes.Buffer
	if err := m.SaveCheckpoint(&buf); err != nil {
		return err
	}
	if err := os.WriteFile(path, buf.Bytes(), 0644); err != nil {
		return fmt.Errorf("write checkpoint: %w", err)
	}
	return nil
}

// LoadCheckpointFile restores a checkpoint from path.
func (m *Machine) LoadCheckpointFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open checkpoint: %w", err)
	}
	defer f.Close()

	if err := m.LoadCheckpoint(f); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	return nil
}

func writeDeviceSnapshot(w io.Writer, deviceID string, snap hv.DeviceSnapshot) error {
	idBytes := []byte(deviceID)
	if err := binary.Write(w, binary.LittleEndian, uint32(len(idBytes))); err != nil {
		return fmt.Errorf("write id length: %w", err)
	}
	if _, err := w.Write(idBytes); err != nil {
		return fmt.Errorf("write id: %w", err)
	}

	var buf bytes.Buffer
	enc := gob.NewEncoder(&buf)
	if err := enc.Encode(&snap); err != nil {
		return fmt.Errorf("gob encode: %w", err)
	}

	if err := binary.Write(w, binary.LittleEndian, uint32(buf.Len())); err != nil {
		return fmt.Errorf("write data length: %w", err)
	}
	if _, err := w.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("write data: %w", err)
	}
	return nil
}

// maxRecordSize bounds allocations while reading untrusted checkpoint files.
const maxRecordSize = 16 << 20

func readDeviceSnapshot(r io.Reader) (string, hv.DeviceSnapshot, error) {
	var idLen uint32
	if err := binary.Read(r, binary.LittleEndian, &idLen); err != nil {
		return "", nil, fmt.Errorf("read id length: %w", err)
	}
	if idLen > 256 {
		return "", nil, fmt.Errorf("device id length %d too large", idLen)
	}
	idBytes := make([]byte, idLen)
	if _, err := io.ReadFull(r, idBytes); err != nil {
		return "", nil, fmt.Errorf("read id: %w", err)
	}

	var dataLen uint32
	if err := binary.Read(r, binary.LittleEndian, &dataLen); err != nil {
		return "", nil, fmt.Errorf("read data length: %w", err)
	}
	if dataLen > maxRecordSize {
		return "", nil, fmt.Errorf("device data length %d too large", dataLen)
	}
	data := make([]byte, dataLen)
	if _, err := io.ReadFull(r, data); err != nil {
		return "", nil, fmt.Errorf("read data: %w", err)
	}

	var snap hv.DeviceSnapshot
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&snap); err != nil {
		return "", nil, fmt.Errorf("gob decode: %w", err)
	}
	return string(idBytes), snap, nil
}
