package tsunami

import (
	"encoding/gob"
	"fmt"

	"github.com/tinyrange/tsunami/internal/hv"
)

type cchipSnapshot struct {
	DIM             []uint64
	DIR             []uint64
	DIRInterrupting []bool
	DRIR            uint64
	Misc            uint64
	RTCInterrupting bool
}

func init() {
	// Register snapshot types for gob encoding/decoding.
	gob.Register(&cchipSnapshot{})
}

func (c *CChip) DeviceId() string { return "cchip" }

func (c *CChip) CaptureSnapshot() (hv.DeviceSnapshot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	return &cchipSnapshot{
		DIM:             append([]uint64(nil), c.dim...),
		DIR:             append([]uint64(nil), c.dir...),
		DIRInterrupting: append([]bool(nil), c.dirInterrupting...),
		DRIR:            c.drir,
		Misc:            c.misc,
		RTCInterrupting: c.rtcInterrupting,
	}, nil
}

// RestoreSnapshot overwrites all CChip state. The interrupt controller is not
// notified; it restores its own state from the same checkpoint.
func (c *CChip) RestoreSnapshot(snap hv.DeviceSnapshot) error {
	data, ok := snap.(*cchipSnapshot)
	if !ok {
		return fmt.Errorf("cchip: invalid snapshot type")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	n := len(c.dim)
	if len(data.DIM) != n || len(data.DIR) != n || len(data.DIRInterrupting) != n {
		return fmt.Errorf("cchip: snapshot cpu count mismatch: got dim=%d dir=%d dirInterrupting=%d, want %d",
			len(data.DIM), len(data.DIR), len(data.DIRInterrupting), n)
	}

	copy(c.dim, data.DIM)
	copy(c.dir, data.DIR)
	copy(c.dirInterrupting, data.DIRInterrupting)
	c.drir = data.DRIR
	c.misc = data.Misc
	c.rtcInterrupting = data.RTCInterrupting

	return nil
}

var _ hv.DeviceSnapshotter = (*CChip)(nil)
