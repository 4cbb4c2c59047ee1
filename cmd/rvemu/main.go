// Command rvemu boots a Linux kernel image under the RISC-V emulator,
// wiring internal/config (YAML boot config), internal/vmlog (slog
// logging), and the System32/System64 SoC loop together — the same
// flag-driven, slog-configured shape the teacher's cmd/cc/main.go uses
// for its own VM entry point, scaled down to this repo's single
// required flag (a config file) instead of cc's large flag surface.
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/tinyrange/riscv-vm/internal/config"
	"github.com/tinyrange/riscv-vm/internal/ninep"
	"github.com/tinyrange/riscv-vm/internal/ninep/hostfs"
	"github.com/tinyrange/riscv-vm/internal/riscv/system"
	"github.com/tinyrange/riscv-vm/internal/vmlog"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "rvemu: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "Path to a boot config YAML file (required)")
	snapshotOut := flag.String("save-snapshot", "", "Capture a snapshot to this path after the run halts or the instruction budget is exhausted")
	flag.Parse()

	if *configPath == "" {
		flag.Usage()
		return fmt.Errorf("-config is required")
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}

	level := slog.LevelInfo
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	log := vmlog.New(os.Stderr, level)

	kernelImage, err := os.ReadFile(cfg.KernelPath)
	if err != nil {
		return fmt.Errorf("rvemu: read kernel image: %w", err)
	}

	var initrdImage []byte
	if cfg.InitrdPath != "" {
		initrdImage, err = os.ReadFile(cfg.InitrdPath)
		if err != nil {
			return fmt.Errorf("rvemu: read initrd image: %w", err)
		}
	}

	var fs ninep.FileServer = ninep.NotImplementedServer{}
	if cfg.NinePRoot != "" {
		if _, err := os.Stat(cfg.NinePRoot); err != nil {
			return fmt.Errorf("rvemu: 9p root: %w", err)
		}
		fs = hostfs.New(cfg.NinePRoot)
	}

	var uartIn *os.File
	if cfg.UART == config.UARTBackendStdio {
		uartIn = os.Stdin
	}

	switch cfg.XLen {
	case config.XLen64:
		sys := system.NewSystem64(cfg.RAMSizeBytes(), os.Stdout, uartIn, cfg.MountTag, fs)
		sys.Log = vmlog.Component(log, "system64")
		if err := loadAndBoot64(sys, cfg, kernelImage, initrdImage); err != nil {
			return err
		}
		if err := sys.Run(budget(cfg)); err != nil {
			return fmt.Errorf("rvemu: run: %w", err)
		}
		return maybeSnapshot64(sys, *snapshotOut)
	case config.XLen32:
		sys := system.NewSystem32(cfg.RAMSizeBytes(), os.Stdout, uartIn, cfg.MountTag, fs)
		sys.Log = vmlog.Component(log, "system32")
		if err := loadAndBoot32(sys, cfg, kernelImage, initrdImage); err != nil {
			return err
		}
		if err := sys.Run(budget(cfg)); err != nil {
			return fmt.Errorf("rvemu: run: %w", err)
		}
		return maybeSnapshot32(sys, *snapshotOut)
	default:
		return fmt.Errorf("rvemu: unsupported xlen %d", cfg.XLen)
	}
}

// budget returns the instruction ceiling to pass to System.Run: a huge
// but finite value when the config leaves it unbounded, since Run's
// loop is a plain counted for-loop rather than an unbounded one.
func budget(cfg *config.System) uint64 {
	if cfg.MaxInstructions == 0 {
		return ^uint64(0)
	}
	return cfg.MaxInstructions
}

const (
	initrdAlign = 0x1000
	dtbAlign    = 0x1000
)

func loadAndBoot64(sys *system.System64, cfg *config.System, kernelImage, initrdImage []byte) error {
	ram := sys.Bus.RAM.Data
	kernelOffset := uint64(0)
	if len(kernelImage) > len(ram) {
		return fmt.Errorf("rvemu: kernel image larger than RAM")
	}
	copy(ram[kernelOffset:], kernelImage)

	layout := system.RV64DRAMBase
	initrdStart, initrdEnd := uint64(0), uint64(0)
	cursor := alignUp(uint64(len(kernelImage)), initrdAlign)
	if len(initrdImage) > 0 {
		if cursor+uint64(len(initrdImage)) > uint64(len(ram)) {
			return fmt.Errorf("rvemu: initrd does not fit in RAM")
		}
		copy(ram[cursor:], initrdImage)
		initrdStart = layout + cursor
		initrdEnd = initrdStart + uint64(len(initrdImage))
		cursor = alignUp(cursor+uint64(len(initrdImage)), dtbAlign)
	} else {
		cursor = alignUp(cursor, dtbAlign)
	}

	cmdline := cfg.Cmdline
	dtbBytes := dtbWithInitrd(sys.DTB(cmdline), initrdStart, initrdEnd)
	if cfg.DTBPath != "" {
		fromDisk, err := os.ReadFile(cfg.DTBPath)
		if err != nil {
			return fmt.Errorf("rvemu: read dtb: %w", err)
		}
		dtbBytes = fromDisk
	}
	if cursor+uint64(len(dtbBytes)) > uint64(len(ram)) {
		return fmt.Errorf("rvemu: dtb does not fit in RAM")
	}
	copy(ram[cursor:], dtbBytes)
	dtbAddr := layout + cursor

	sys.BootLinux(0, dtbAddr, layout)
	return nil
}

func loadAndBoot32(sys *system.System32, cfg *config.System, kernelImage, initrdImage []byte) error {
	ram := sys.Bus.RAM.Data
	if len(kernelImage) > len(ram) {
		return fmt.Errorf("rvemu: kernel image larger than RAM")
	}
	copy(ram, kernelImage)

	layout := system.RV32DRAMBase
	cursor := alignUp(uint64(len(kernelImage)), initrdAlign)
	initrdStart, initrdEnd := uint64(0), uint64(0)
	if len(initrdImage) > 0 {
		if cursor+uint64(len(initrdImage)) > uint64(len(ram)) {
			return fmt.Errorf("rvemu: initrd does not fit in RAM")
		}
		copy(ram[cursor:], initrdImage)
		initrdStart = layout + cursor
		initrdEnd = initrdStart + uint64(len(initrdImage))
		cursor = alignUp(cursor+uint64(len(initrdImage)), dtbAlign)
	} else {
		cursor = alignUp(cursor, dtbAlign)
	}

	dtbBytes := dtbWithInitrd(sys.DTB(cfg.Cmdline), initrdStart, initrdEnd)
	if cfg.DTBPath != "" {
		fromDisk, err := os.ReadFile(cfg.DTBPath)
		if err != nil {
			return fmt.Errorf("rvemu: read dtb: %w", err)
		}
		dtbBytes = fromDisk
	}
	if cursor+uint64(len(dtbBytes)) > uint64(len(ram)) {
		return fmt.Errorf("rvemu: dtb does not fit in RAM")
	}
	copy(ram[cursor:], dtbBytes)
	dtbAddr := layout + cursor

	sys.BootLinux(0, uint32(dtbAddr), uint32(layout))
	return nil
}

// dtbWithInitrd is a placeholder seam: a full implementation would patch
// /chosen's linux,initrd-start/end properties into the generated blob.
// Byte-exact DTB content is out of scope, so this currently returns the
// blob unmodified; initrdStart/initrdEnd are computed and available for
// a caller that wires in a DTB patcher.
func dtbWithInitrd(blob []byte, initrdStart, initrdEnd uint64) []byte {
	_ = initrdStart
	_ = initrdEnd
	return blob
}

func alignUp(v, align uint64) uint64 {
	return (v + align - 1) &^ (align - 1)
}

func maybeSnapshot64(sys *system.System64, path string) error {
	if path == "" {
		return nil
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("rvemu: create snapshot: %w", err)
	}
	defer f.Close()
	if err := sys.Capture(f); err != nil {
		return fmt.Errorf("rvemu: capture snapshot: %w", err)
	}
	return nil
}

func maybeSnapshot32(sys *system.System32, path string) error {
	if path == "" {
		return nil
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("rvemu: create snapshot: %w", err)
	}
	defer f.Close()
	if err := sys.Capture(f); err != nil {
		return fmt.Errorf("rvemu: capture snapshot: %w", err)
	}
	return nil
}
