package machine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/tinyrange/tsunami/internal/devices/tsunami"
	"github.com/tinyrange/tsunami/internal/hv"
)

// Script is a sequence of bus accesses and interrupt events run against a
// machine.
type Script struct {
	Name  string `yaml:"name"`
	Steps []Step `yaml:"steps"`
}

// Step is a single script operation. Which fields apply depends on Op:
//
//	load, store   cpu, reg or addr, value (store)
//	expect        cpu, reg or addr, value
//	raise, lower  line
//	pulse         line
//	post, clear   source
//	rtc           (none)
//	checkpoint    label
//	restore       label
//
// Setting halt on a load, store or expect step asserts that the access stops
// the machine.
type Step struct {
	Op     string  `yaml:"op"`
	CPU    int     `yaml:"cpu"`
	Reg    string  `yaml:"reg"`
	Addr   Address `yaml:"addr"`
	Value  Address `yaml:"value"`
	Line   string  `yaml:"line"`
	Source uint    `yaml:"source"`
	Label  string  `yaml:"label"`
	Halt   bool    `yaml:"halt"`
}

func (s Step) String() string {
	switch s.Op {
	case "load", "store", "expect":
		target := s.Reg
		if target == "" {
			target = fmt.Sprintf("0x%x", uint64(s.Addr))
		}
		return fmt.Sprintf("%s cpu%d %s", s.Op, s.CPU, target)
	case "raise", "lower", "pulse":
		return fmt.Sprintf("%s %s", s.Op, s.Line)
	case "post", "clear":
		return fmt.Sprintf("%s %d", s.Op, s.Source)
	case "checkpoint", "restore":
		return fmt.Sprintf("%s %s", s.Op, s.Label)
	default:
		return s.Op
	}
}

// Progress receives one tick per completed step.
// *progressbar.ProgressBar satisfies it.
type Progress interface {
	Add(int) error
}

// LoadScript reads a script from a YAML file.
func LoadScript(path string) (*Script, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read script: %w", err)
	}
	script, err := ParseScript(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return script, nil
}

// ParseScript decodes and checks a YAML script.
func ParseScript(data []byte) (*Script, error) {
	var script Script
	if err := yaml.Unmarshal(data, &script); err != nil {
		return nil, fmt.Errorf("parse script: %w", err)
	}
	for i, step := range script.Steps {
		if err := step.check(); err != nil {
			return nil, fmt.Errorf("script: step %d: %w", i, err)
		}
	}
	return &script, nil
}

func (s Step) check() error {
	switch s.Op {
	case "load", "store", "expect":
		if s.Reg != "" {
			if _, err := tsunami.ParseRegister(s.Reg); err != nil {
				return err
			}
		} else if s.Addr == 0 {
			return fmt.Errorf("%s needs reg or addr", s.Op)
		}
	case "raise", "lower", "pulse":
		if s.Line == "" {
			return fmt.Errorf("%s needs line", s.Op)
		}
	case "post", "clear", "rtc":
	case "checkpoint", "restore":
		if s.Label == "" {
			return fmt.Errorf("%s needs label", s.Op)
		}
	case "":
		return errors.New("missing op")
	default:
		return fmt.Errorf("unknown op %q", s.Op)
	}
	if s.Halt && s.Op != "load" && s.Op != "store" && s.Op != "expect" {
		return fmt.Errorf("halt is only valid on bus accesses, not %s", s.Op)
	}
	return nil
}

// RunScript executes script against m and stops at the first failing step.
// progress may be nil.
func RunScript(ctx context.Context, m *Machine, script *Script, progress Progress) error {
	r := &scriptRunner{m: m, saved: make(map[string][]byte)}
	for i, step := range script.Steps {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := r.run(ctx, step); err != nil {
			return fmt.Errorf("script: step %d (%s): %w", i, step, err)
		}
		if progress != nil {
			_ = progress.Add(1)
		}
	}
	return nil
}

type scriptRunner struct {
	m     *Machine
	saved map[string][]byte
}

func (r *scriptRunner) address(s Step) (uint64, error) {
	if s.Reg == "" {
		return uint64(s.Addr), nil
	}
	reg, err := tsunami.ParseRegister(s.Reg)
	if err != nil {
		return 0, err
	}
	return r.m.RegisterAddress(reg), nil
}

func (r *scriptRunner) run(ctx context.Context, s Step) error {
	switch s.Op {
	case "load", "store", "expect":
		addr, err := r.address(s)
		if err != nil {
			return err
		}
		var got uint64
		if s.Op == "store" {
			err = r.m.Store(ctx, s.CPU, addr, uint64(s.Value))
		} else {
			got, err = r.m.Load(ctx, s.CPU, addr)
		}
		if s.Halt {
			if !errors.Is(err, hv.ErrVMHalted) {
				return fmt.Errorf("expected the machine to halt, got %v", err)
			}
			return nil
		}
		if err != nil {
			return err
		}
		if s.Op == "expect" && got != uint64(s.Value) {
			return fmt.Errorf("read 0x%x, want 0x%x", got, uint64(s.Value))
		}
		return nil
	case "raise", "lower", "pulse":
		line, err := r.m.Line(s.Line)
		if err != nil {
			return err
		}
		switch s.Op {
		case "raise":
			line.SetLevel(true)
		case "lower":
			line.SetLevel(false)
		default:
			line.PulseInterrupt()
		}
		return nil
	case "post":
		return r.m.CChip().PostDRIR(s.Source)
	case "clear":
		return r.m.CChip().ClearDRIR(s.Source)
	case "rtc":
		r.m.RaiseRTC()
		return nil
	case "checkpoint":
		var buf bytes.Buffer
		if err := r.m.SaveCheckpoint(&buf); err != nil {
			return err
		}
		r.saved[s.Label] = buf.Bytes()
		return nil
	case "restore":
		data, ok := r.saved[s.Label]
		if !ok {
			return fmt.Errorf("no checkpoint labelled %q", s.Label)
		}
		return r.m.LoadCheckpoint(bytes.NewReader(data))
	default:
		return fmt.Errorf("unknown op %q", s.Op)
	}
}
