// Package vmlog wraps log/slog the way every hv backend in the teacher
// does it (kvm.go, hvf_darwin_arm64.go, ccvm/vm.go, whp.go all call
// slog.Debug/Info/Warn/Error directly with flat key-value pairs) —
// System takes an injected *slog.Logger instead of calling the slog
// package-level functions, so a caller embedding this emulator in a
// larger program controls where the logs land.
package vmlog

import (
	"io"
	"log/slog"
)

// New builds a logger at the given level, writing text-handler output
// to w. level is one of slog.LevelDebug/Info/Warn/Error.
func New(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

// Discard is a logger that drops everything, for callers that don't
// want emulator logging at all.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// Component returns a logger scoped to one subsystem name, attached as
// a "component" key the same way the teacher tags its own log lines
// with a backend-name prefix (e.g. "kvm: ...").
func Component(base *slog.Logger, name string) *slog.Logger {
	if base == nil {
		base = Discard()
	}
	return base.With("component", name)
}
