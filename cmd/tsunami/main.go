package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"

	"github.com/schollz/progressbar/v3"
	"golang.org/x/term"

	"github.com/tinyrange/tsunami/internal/debug"
	"github.com/tinyrange/tsunami/internal/devices/tsunami"
	"github.com/tinyrange/tsunami/internal/hv"
	"github.com/tinyrange/tsunami/internal/machine"
)

func run() error {
	configPath := flag.String("config", "", "machine description (YAML); defaults to one cpu with no peripherals")
	scriptPath := flag.String("script", "", "event script to run (YAML)")
	checkpoint := flag.String("checkpoint", "", "write a checkpoint here after the script finishes")
	restore := flag.String("restore", "", "restore this checkpoint before running the script")
	trace := flag.String("trace", "", "write a binary register trace to this file")
	verbose := flag.Bool("v", false, "enable debug logging")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, `tsunami - Alpha Tsunami CChip interrupt routing model

USAGE:
  tsunami [flags]

FLAGS:
  -config FILE      Machine description (cpus, memory, cchip base, peripheral lines)
  -script FILE      Event script: register accesses, line changes, checkpoints
  -restore FILE     Restore a checkpoint before the script runs
  -checkpoint FILE  Write a checkpoint after the script runs
  -trace FILE       Record every register access and controller call
  -v                Debug logging

EXAMPLES:
  tsunami -config machine.yaml -script boot.yaml
  tsunami -config machine.yaml -script boot.yaml -checkpoint boot.snap
  tsunami -config machine.yaml -restore boot.snap -script resume.yaml
`)
	}
	flag.Parse()

	if flag.NArg() != 0 {
		flag.Usage()
		os.Exit(1)
	}

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	if *trace != "" {
		if err := debug.OpenFile(*trace); err != nil {
			return fmt.Errorf("open trace: %w", err)
		}
		defer debug.Close()
	}

	cfg := machine.DefaultConfig()
	if *configPath != "" {
		var err error
		cfg, err = machine.LoadConfig(*configPath)
		if err != nil {
			return err
		}
	}

	m, err := machine.New(cfg)
	if err != nil {
		return err
	}

	if *restore != "" {
		if err := m.LoadCheckpointFile(*restore); err != nil {
			return fmt.Errorf("restore: %w", err)
		}
		slog.Info("restored checkpoint", "path", *restore)
	}

	if *scriptPath != "" {
		script, err := machine.LoadScript(*scriptPath)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
		defer stop()

		var progress machine.Progress
		if term.IsTerminal(int(os.Stdout.Fd())) {
			bar := progressbar.Default(int64(len(script.Steps)), script.Name)
			defer bar.Close()
			progress = bar
		}

		if err := machine.RunScript(ctx, m, script, progress); err != nil {
			return err
		}
	}

	if *checkpoint != "" {
		if err := m.SaveCheckpointFile(*checkpoint); err != nil {
			return fmt.Errorf("checkpoint: %w", err)
		}
		slog.Info("wrote checkpoint", "path", *checkpoint)
	}

	printState(os.Stdout, m)
	return nil
}

func printState(w io.Writer, m *machine.Machine) {
	st := m.CChip().State()
	fmt.Fprintf(w, "DRIR  %016x\n", st.DRIR)
	fmt.Fprintf(w, "MISC  %016x rtc=%t\n", st.Misc, st.RTCInterrupting)
	for cpu := range st.DIM {
		fmt.Fprintf(w, "cpu%d  DIM %016x  DIR %016x  interrupting=%t\n",
			cpu, st.DIM[cpu], st.DIR[cpu], st.DIRInterrupting[cpu])
	}
	for _, dev := range m.Config().Devices {
		fmt.Fprintf(w, "line  %-8s irq %2d  %s\n", dev.Name, dev.IRQ, lineState(st.DRIR, dev.IRQ))
	}
}

func lineState(drir uint64, irq uint8) string {
	if irq < tsunami.NumSources && drir&(1<<irq) != 0 {
		return "asserted"
	}
	return "idle"
}

func main() {
	if err := run(); err != nil {
		if errors.Is(err, hv.ErrVMHalted) {
			fmt.Fprintf(os.Stderr, "halted: %v\n", err)
		} else {
			fmt.Fprintf(os.Stderr, "tsunami: %v\n", err)
		}
		os.Exit(1)
	}
}
