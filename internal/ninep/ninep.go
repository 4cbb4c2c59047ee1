// Package ninep defines the collaborator boundary for the 9P filesystem
// protocol that rides over the VirtIO-MMIO transport. The protocol state
// machine itself (T-message/R-message marshalling, fid tracking, the
// backing filesystem) is out of scope per the core specification: it is an
// external collaborator whose interface this package only declares.
package ninep

// FileServer handles one raw 9P message and returns the raw reply message.
// A real implementation parses the T-message type, dispatches to a backing
// filesystem, and marshals an R-message (or Rlerror on a host I/O failure,
// per the error-handling boundary: host I/O errors never become
// architectural traps, they become Rlerror replies). This package ships
// only the interface; internal/riscv/device/virtio drives it.
type FileServer interface {
	HandleMessage(req []byte) (resp []byte, err error)
}

// NotImplementedServer answers every request with no reply bytes and
// ErrNotImplemented, so a transport can be exercised end to end (queue
// plumbing, interrupt raising) without a real filesystem backing it. It
// does not build an Rlerror message; ENOSYS below is the errno such a
// reply would carry.
type NotImplementedServer struct{}

const ENOSYS = 38

func (NotImplementedServer) HandleMessage(req []byte) ([]byte, error) {
	return nil, ErrNotImplemented
}

// ErrNotImplemented is returned by NotImplementedServer for every request.
var ErrNotImplemented = notImplementedError{}

type notImplementedError struct{}

func (notImplementedError) Error() string { return "ninep: protocol not implemented" }
