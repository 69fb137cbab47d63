package hv

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
)

// VMConfigHash represents a hash of machine configuration for checkpoint
// validation. A checkpoint can only be restored into a machine with the same
// config hash.
type VMConfigHash [32]byte

// DeviceConfig captures device configuration for hashing.
type DeviceConfig struct {
	ID      string
	Base    uint64
	Size    uint64
	IRQLine uint32
}

// ComputeConfigHash computes a deterministic hash of machine configuration parameters.
// Device order matters; callers pass devices in a stable order.
func ComputeConfigHash(arch CpuArchitecture, memSize, memBase uint64,
	cpuCount int, deviceConfigs []DeviceConfig) VMConfigHash {
	h := sha256.New()

	h.Write([]byte(arch))
	h.Write([]byte{0})

	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], memSize)
	h.Write(buf[:])
	binary.LittleEndian.PutUint64(buf[:], memBase)
	h.Write(buf[:])

	binary.LittleEndian.PutUint64(buf[:], uint64(cpuCount))
	h.Write(buf[:])

	for _, dc := range deviceConfigs {
		h.Write([]byte(dc.ID))
		h.Write([]byte{0})
		binary.LittleEndian.PutUint64(buf[:], dc.Base)
		h.Write(buf[:])
		binary.LittleEndian.PutUint64(buf[:], dc.Size)
		h.Write(buf[:])
		binary.LittleEndian.PutUint32(buf[:4], dc.IRQLine)
		h.Write(buf[:4])
	}

	var result VMConfigHash
	copy(result[:], h.Sum(nil))
	return result
}

// String returns a hex string representation of the hash.
func (h VMConfigHash) String() string {
	return hex.EncodeToString(h[:])
}
