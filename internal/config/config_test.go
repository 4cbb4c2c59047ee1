package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "boot.yaml")
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, "kernel_path: /tmp/kernel\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.XLen != XLen64 {
		t.Fatalf("XLen = %d, want default %d", cfg.XLen, XLen64)
	}
	if cfg.RAMSizeMB != defaultRAMSizeMB {
		t.Fatalf("RAMSizeMB = %d, want default %d", cfg.RAMSizeMB, defaultRAMSizeMB)
	}
	if cfg.Cmdline != defaultCmdline {
		t.Fatalf("Cmdline = %q, want default %q", cfg.Cmdline, defaultCmdline)
	}
	if cfg.UART != UARTBackendStdio {
		t.Fatalf("UART = %q, want default stdio", cfg.UART)
	}
	if cfg.MountTag != defaultMountTag {
		t.Fatalf("MountTag = %q, want default %q", cfg.MountTag, defaultMountTag)
	}
}

func TestLoadHonorsExplicitFields(t *testing.T) {
	path := writeConfig(t, `
xlen: 32
ram_size_mb: 64
kernel_path: /tmp/kernel32
cmdline: "console=ttyS0"
uart_backend: buffer
ninep_root: /tmp/share
mount_tag: myshare
log_level: debug
max_instructions: 1000
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.XLen != XLen32 {
		t.Fatalf("XLen = %d, want 32", cfg.XLen)
	}
	if cfg.RAMSizeMB != 64 {
		t.Fatalf("RAMSizeMB = %d, want 64", cfg.RAMSizeMB)
	}
	if cfg.RAMSizeBytes() != 64*1024*1024 {
		t.Fatalf("RAMSizeBytes() = %d, want %d", cfg.RAMSizeBytes(), uint64(64*1024*1024))
	}
	if cfg.UART != UARTBackendBuffer {
		t.Fatalf("UART = %q, want buffer", cfg.UART)
	}
	if cfg.MaxInstructions != 1000 {
		t.Fatalf("MaxInstructions = %d, want 1000", cfg.MaxInstructions)
	}
}

func TestLoadRejectsMissingKernelPath(t *testing.T) {
	path := writeConfig(t, "ram_size_mb: 64\n")

	if _, err := Load(path); err == nil {
		t.Fatalf("expected error: kernel_path is required")
	}
}

func TestLoadRejectsUndersizedRAM(t *testing.T) {
	path := writeConfig(t, "kernel_path: /tmp/kernel\nram_size_mb: 1\n")

	if _, err := Load(path); err == nil {
		t.Fatalf("expected error: ram_size_mb below minimum")
	}
}

func TestLoadRejectsInvalidXLen(t *testing.T) {
	path := writeConfig(t, "kernel_path: /tmp/kernel\nxlen: 16\n")

	if _, err := Load(path); err == nil {
		t.Fatalf("expected error: invalid xlen")
	}
}

func TestLoadMissingFileReturnsWrappedError(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	if err == nil {
		t.Fatalf("expected error for missing config file")
	}
}
