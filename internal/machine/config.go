package machine

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/tinyrange/tsunami/internal/devices/tsunami"
	"github.com/tinyrange/tsunami/internal/hv"
)

// Config describes a Tsunami machine.
type Config struct {
	CPUs       int          `yaml:"cpus"`
	Memory     Size         `yaml:"memory"`
	MemoryBase Address      `yaml:"memory_base"`
	CChip      CChipConfig  `yaml:"cchip"`
	Devices    []DeviceLine `yaml:"devices"`
}

// CChipConfig places the CChip CSR window.
type CChipConfig struct {
	Base Address `yaml:"base"`
}

// DeviceLine connects a named peripheral to a DRIR source.
type DeviceLine struct {
	Name string `yaml:"name"`
	IRQ  uint8  `yaml:"irq"`
}

// DefaultConfig returns a single-processor machine with 64MiB of RAM and no
// peripherals.
func DefaultConfig() Config {
	return Config{
		CPUs:   1,
		Memory: 64 << 20,
		CChip:  CChipConfig{Base: Address(tsunami.CChipBaseAddress)},
	}
}

// LoadConfig reads a YAML machine description from path.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	cfg, err := ParseConfig(data)
	if err != nil {
		return Config{}, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// ParseConfig decodes a YAML machine description on top of DefaultConfig and
// validates it.
func ParseConfig(data []byte) (Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the configuration for values the machine cannot honour.
func (c Config) Validate() error {
	if c.CPUs < 1 || c.CPUs > tsunami.MaxCPUs {
		return fmt.Errorf("config: cpus must be between 1 and %d, got %d", tsunami.MaxCPUs, c.CPUs)
	}
	if c.Memory == 0 {
		return fmt.Errorf("config: memory must be non-zero")
	}

	names := make(map[string]bool, len(c.Devices))
	irqs := make(map[uint8]string, len(c.Devices))
	for _, dev := range c.Devices {
		if dev.Name == "" {
			return fmt.Errorf("config: device with irq %d has no name", dev.IRQ)
		}
		if names[dev.Name] {
			return fmt.Errorf("config: device %q listed twice", dev.Name)
		}
		names[dev.Name] = true
		if dev.IRQ >= tsunami.NumSources {
			return fmt.Errorf("config: device %q irq %d out of range [0, %d)", dev.Name, dev.IRQ, tsunami.NumSources)
		}
		if other, ok := irqs[dev.IRQ]; ok {
			return fmt.Errorf("config: devices %q and %q share irq %d", other, dev.Name, dev.IRQ)
		}
		irqs[dev.IRQ] = dev.Name
	}

	as := hv.NewAddressSpace(hv.ArchitectureAlpha, uint64(c.MemoryBase), uint64(c.Memory))
	if err := as.RegisterFixed("cchip", c.cchipBase(), tsunami.CChipWindowSize); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

func (c Config) cchipBase() uint64 {
	if c.CChip.Base == 0 {
		return tsunami.CChipBaseAddress
	}
	return uint64(c.CChip.Base)
}

// Hash identifies the machine layout a checkpoint was taken from.
func (c Config) Hash() hv.VMConfigHash {
	devices := []hv.DeviceConfig{{
		ID:   "cchip",
		Base: c.cchipBase(),
		Size: tsunami.CChipWindowSize,
	}}
	for _, dev := range c.Devices {
		devices = append(devices, hv.DeviceConfig{ID: dev.Name, IRQLine: uint32(dev.IRQ)})
	}
	return hv.ComputeConfigHash(hv.ArchitectureAlpha, uint64(c.Memory), uint64(c.MemoryBase), c.CPUs, devices)
}

// Address is a uint64 that accepts hex, octal or decimal YAML scalars.
type Address uint64

// UnmarshalYAML implements yaml.Unmarshaler for Address.
func (a *Address) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: expected an address, got a %s", value.Line, nodeKind(value))
	}
	parsed, err := strconv.ParseUint(strings.ReplaceAll(value.Value, "_", ""), 0, 64)
	if err != nil {
		return fmt.Errorf("line %d: invalid address %q", value.Line, value.Value)
	}
	*a = Address(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler for Address.
func (a Address) MarshalYAML() (any, error) {
	return fmt.Sprintf("0x%x", uint64(a)), nil
}

// Size is a byte count that accepts suffixes such as 64MiB, 1G or 512K.
type Size uint64

var sizeSuffixes = []struct {
	suffix string
	shift  uint
}{
	{"KiB", 10}, {"MiB", 20}, {"GiB", 30},
	{"KB", 10}, {"MB", 20}, {"GB", 30},
	{"K", 10}, {"M", 20}, {"G", 30},
}

// ParseSize parses a byte count with an optional binary suffix.
func ParseSize(s string) (Size, error) {
	s = strings.TrimSpace(s)
	shift := uint(0)
	for _, suf := range sizeSuffixes {
		if strings.HasSuffix(s, suf.suffix) {
			s = strings.TrimSpace(strings.TrimSuffix(s, suf.suffix))
			shift = suf.shift
			break
		}
	}
	n, err := strconv.ParseUint(s, 0, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q", s)
	}
	if shift > 0 && n > (^uint64(0))>>shift {
		return 0, fmt.Errorf("size %q overflows", s)
	}
	return Size(n << shift), nil
}

// UnmarshalYAML implements yaml.Unmarshaler for Size.
func (s *Size) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: expected a size, got a %s", value.Line, nodeKind(value))
	}
	parsed, err := ParseSize(value.Value)
	if err != nil {
		return fmt.Errorf("line %d: %w", value.Line, err)
	}
	*s = parsed
	return nil
}

func nodeKind(n *yaml.Node) string {
	switch n.Kind {
	case yaml.MappingNode:
		return "mapping"
	case yaml.SequenceNode:
		return "sequence"
	case yaml.AliasNode:
		return "alias"
	default:
		return "scalar"
	}
}
