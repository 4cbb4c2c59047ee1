// Package config loads a System's boot configuration from YAML, the
// same flat-struct-with-explicit-tags style the teacher uses for its
// own on-disk config formats (internal/bundle.Metadata,
// cmd/ccapp.SiteConfig): plain fields, `yaml:"..."` tags, a normalize
// step for defaults, no generic reflection walk of arbitrary shape.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// XLen selects which pipeline a System boots: 32 (RV32IMAFD/Sv32) or 64
// (RV64IMAFDC/Sv39-48-57).
type XLen int

const (
	XLen32 XLen = 32
	XLen64 XLen = 64
)

// UARTBackend selects the emulated console's input source: cmd/rvemu feeds
// host stdin into the UART for "stdio" and attaches no input for "buffer".
// Console output goes to host stdout with either backend.
type UARTBackend string

const (
	UARTBackendStdio  UARTBackend = "stdio"
	UARTBackendBuffer UARTBackend = "buffer"
)

// System is the on-disk shape of a boot configuration: everything
// NewSystem64/NewSystem32 and BootLinux need that isn't itself guest
// state.
type System struct {
	XLen XLen `yaml:"xlen"`

	RAMSizeMB uint64 `yaml:"ram_size_mb"`

	KernelPath string `yaml:"kernel_path"`
	InitrdPath string `yaml:"initrd_path,omitempty"`
	DTBPath    string `yaml:"dtb_path,omitempty"` // empty: generate one internally

	Cmdline string `yaml:"cmdline,omitempty"`

	UART UARTBackend `yaml:"uart_backend,omitempty"`

	// NinePRoot is the host directory backing the VirtIO-9P mount; when
	// empty, the transport is still present but backed by
	// ninep.NotImplementedServer.
	NinePRoot string `yaml:"ninep_root,omitempty"`
	MountTag  string `yaml:"mount_tag,omitempty"`

	LogLevel string `yaml:"log_level,omitempty"`

	MaxInstructions uint64 `yaml:"max_instructions,omitempty"` // 0: unbounded
}

const (
	defaultRAMSizeMB       = 256
	defaultCmdline         = "console=ttyS0 root=/dev/vda rw"
	defaultMountTag        = "hostshare"
	defaultMaxInstructions = 0
)

func (c *System) normalize() {
	if c.XLen == 0 {
		c.XLen = XLen64
	}
	if c.RAMSizeMB == 0 {
		c.RAMSizeMB = defaultRAMSizeMB
	}
	if c.Cmdline == "" {
		c.Cmdline = defaultCmdline
	}
	if c.UART == "" {
		c.UART = UARTBackendStdio
	}
	if c.MountTag == "" {
		c.MountTag = defaultMountTag
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
}

// Validate checks the fields Load can't default its way out of:
// a kernel image path must be set, RAM must be large enough to hold
// the boot ROM window, and XLen must name a real pipeline.
func (c *System) Validate() error {
	if c.KernelPath == "" {
		return fmt.Errorf("config: kernel_path is required")
	}
	if c.XLen != XLen32 && c.XLen != XLen64 {
		return fmt.Errorf("config: xlen must be 32 or 64, got %d", c.XLen)
	}
	const minRAMMB = 16
	if c.RAMSizeMB < minRAMMB {
		return fmt.Errorf("config: ram_size_mb must be at least %d, got %d", minRAMMB, c.RAMSizeMB)
	}
	return nil
}

// RAMSizeBytes is RAMSizeMB converted to the byte count bus.New wants.
func (c *System) RAMSizeBytes() uint64 { return c.RAMSizeMB * 1024 * 1024 }

// Load reads and parses a System config from path, applying defaults
// for anything left unset and validating the result.
func Load(path string) (*System, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var c System
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	c.normalize()
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	return &c, nil
}
