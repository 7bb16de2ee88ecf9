// Package main provides the snpboot command: it assembles a simulated
// confidential VM, runs the stage-2 loader pipeline against it, and reports
// the resulting kernel launch handoff.
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/schollz/progressbar/v3"

	"github.com/tinyrange/snpboot/internal/machine"
	"github.com/tinyrange/snpboot/internal/platform"
)

func main() {
	// Check for debug flag early (before flag.Parse)
	for _, arg := range os.Args {
		if arg == "-debug" {
			slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
				Level: slog.LevelDebug,
			})))
			break
		}
	}

	if err := run(); err != nil {
		slog.Error("snpboot failed", "err", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath = flag.String("config", "", "machine config YAML (optional, defaults apply)")
		kernelPath = flag.String("kernel", "", "raw kernel image with a 16-byte launch header")
		progress   = flag.Bool("progress", true, "show page validation progress")
		_          = flag.Bool("debug", false, "enable debug logging")
	)
	flag.Parse()

	if *kernelPath == "" {
		return fmt.Errorf("missing required -kernel flag")
	}

	var cfg machine.Config
	if *configPath != "" {
		var err error
		cfg, err = machine.LoadConfig(*configPath)
		if err != nil {
			return err
		}
	}

	image, err := os.ReadFile(*kernelPath)
	if err != nil {
		return fmt.Errorf("read kernel image: %w", err)
	}

	m, err := machine.New(cfg, os.Stdout)
	if err != nil {
		return err
	}
	if err := m.LoadImage(image); err != nil {
		return err
	}

	var bar *progressbar.ProgressBar
	if *progress {
		bar = progressbar.DefaultBytes(-1, "validating kernel region")
		m.OnValidatePage = func(virt uint64) {
			bar.Add(platform.PageSize)
		}
	}

	result, err := m.Boot()
	if bar != nil {
		bar.Close()
		fmt.Println()
	}
	if err != nil {
		return err
	}

	fmt.Printf("launched kernel at entry %#x\n", result.Entry)
	fmt.Printf("  kernel region: [%#x, %#x)\n", result.Info.KernelStart, result.Info.KernelEnd)
	fmt.Printf("  virtual base:  %#x\n", result.Info.VirtBase)
	fmt.Printf("  cpuid page:    %#x\n", result.Info.CPUIDPage)
	fmt.Printf("  secrets page:  %#x\n", result.Info.SecretsPage)
	fmt.Printf("  handoff:       %#x\n", result.HandoffAddr)
	return nil
}
