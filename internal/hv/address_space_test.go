package hv

import "testing"

func TestAddressSpaceRejectsRAMOverlap(t *testing.T) {
	as := NewAddressSpace(ArchitectureAlpha, 0, 64<<20)

	if err := as.RegisterFixed("cchip", 0x1000, 0x1000); err == nil {
		t.Fatalf("expected overlap with RAM to fail")
	}
	if err := as.RegisterFixed("cchip", 0x801a0000000, 0x1000); err != nil {
		t.Fatalf("register cchip: %v", err)
	}
}

func TestAddressSpaceRejectsFixedOverlap(t *testing.T) {
	as := NewAddressSpace(ArchitectureAlpha, 0, 64<<20)

	if err := as.RegisterFixed("b", 0x20000000, 0x1000); err != nil {
		t.Fatalf("register b: %v", err)
	}
	if err := as.RegisterFixed("a", 0x10000000, 0x1000); err != nil {
		t.Fatalf("register a: %v", err)
	}
	if err := as.RegisterFixed("c", 0x20000800, 0x1000); err == nil {
		t.Fatalf("expected overlap with b to fail")
	}

	regions := as.FixedRegions()
	if len(regions) != 2 {
		t.Fatalf("expected 2 regions, got %d", len(regions))
	}
	if regions[0].Name != "a" || regions[1].Name != "b" {
		t.Fatalf("regions not sorted by base: %+v", regions)
	}
}

func TestAddressSpaceZeroSize(t *testing.T) {
	as := NewAddressSpace(ArchitectureAlpha, 0, 0)
	if err := as.RegisterFixed("empty", 0x1000, 0); err == nil {
		t.Fatalf("expected zero-size region to fail")
	}
}

func TestMMIORegionContains(t *testing.T) {
	r := MMIORegion{Address: 0x1000, Size: 0x100}

	cases := []struct {
		addr, size uint64
		want       bool
	}{
		{0x1000, 8, true},
		{0x10f8, 8, true},
		{0x10fc, 8, false},
		{0x0ff8, 8, false},
		{^uint64(0) - 2, 8, false},
	}
	for _, tc := range cases {
		if got := r.Contains(tc.addr, tc.size); got != tc.want {
			t.Errorf("Contains(0x%x, %d) = %v, want %v", tc.addr, tc.size, got, tc.want)
		}
	}
}

func TestConfigHashStable(t *testing.T) {
	devs := []DeviceConfig{{ID: "cchip", Base: 0x801a0000000, Size: 0x1000}}
	a := ComputeConfigHash(ArchitectureAlpha, 64<<20, 0, 2, devs)
	b := ComputeConfigHash(ArchitectureAlpha, 64<<20, 0, 2, devs)
	if a != b {
		t.Fatalf("hash not deterministic")
	}
	c := ComputeConfigHash(ArchitectureAlpha, 64<<20, 0, 4, devs)
	if a == c {
		t.Fatalf("cpu count not part of hash")
	}
	if len(a.String()) != 64 {
		t.Fatalf("unexpected hash string length %d", len(a.String()))
	}
}
