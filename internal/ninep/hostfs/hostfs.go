// Package hostfs is the host-directory-backed filesystem plumbing for
// the 9P transport: real host I/O (open/stat/readdir) rooted under one
// directory, with host errno translated to the Linux errno numbers 9P's
// Rlerror wire format carries. The 9P message layer proper (T-message
// parsing, R-message framing) is out of scope per spec's external-
// collaborator boundary, so HostFS does not itself implement
// ninep.FileServer's HandleMessage beyond falling back to
// ninep.NotImplementedServer — what it provides is the piece a full 9P
// implementation would call into for each Twalk/Topen/Tread/Treaddir:
// real file access, and the errno mapping that access needs at the
// protocol boundary.
package hostfs

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/tinyrange/riscv-vm/internal/ninep"
)

// HostFS roots 9P filesystem access at a single host directory. Paths
// presented by the guest are joined under Root and cleaned to prevent
// escaping it via "..".
type HostFS struct {
	Root string
}

// New returns a HostFS rooted at root. The directory must already exist;
// callers should validate with os.Stat before wiring it into a System.
func New(root string) *HostFS {
	return &HostFS{Root: root}
}

// HandleMessage is the ninep.FileServer hook. 9P message marshalling
// itself is out of scope for this repo, so this always returns no reply
// and ninep.ErrNotImplemented — a real 9P stack would parse the incoming
// T-message here and dispatch to Resolve/Open/Stat/ReadDir below instead.
func (h *HostFS) HandleMessage(req []byte) ([]byte, error) {
	return ninep.NotImplementedServer{}.HandleMessage(req)
}

// Resolve joins and cleans a guest-relative path under Root, refusing
// any path that would escape it.
func (h *HostFS) Resolve(guestPath string) (string, error) {
	cleaned := filepath.Clean("/" + guestPath)
	full := filepath.Join(h.Root, cleaned)
	if !strings.HasPrefix(full, filepath.Clean(h.Root)+string(filepath.Separator)) && full != filepath.Clean(h.Root) {
		return "", fmt.Errorf("hostfs: path %q escapes root", guestPath)
	}
	return full, nil
}

// Stat stats a guest-relative path, returning a 9P-mappable errno on
// failure.
func (h *HostFS) Stat(guestPath string) (fs.FileInfo, error) {
	full, err := h.Resolve(guestPath)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(full)
	if err != nil {
		return nil, toLinuxErrno(err)
	}
	return info, nil
}

// ReadDir lists a guest-relative directory, returning a 9P-mappable
// errno on failure.
func (h *HostFS) ReadDir(guestPath string) ([]fs.DirEntry, error) {
	full, err := h.Resolve(guestPath)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(full)
	if err != nil {
		return nil, toLinuxErrno(err)
	}
	return entries, nil
}

// Open opens a guest-relative path for reading, returning a
// 9P-mappable errno on failure.
func (h *HostFS) Open(guestPath string) (*os.File, error) {
	full, err := h.Resolve(guestPath)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(full)
	if err != nil {
		return nil, toLinuxErrno(err)
	}
	return f, nil
}

// LinuxErrno is a host I/O failure tagged with the Linux errno number a
// 9P Rlerror response should carry, per spec.md's "nearest 9P error
// number" mapping (ENOENT, EIO, EACCES, ...).
type LinuxErrno struct {
	Errno unix.Errno
	Err   error
}

func (e *LinuxErrno) Error() string { return e.Err.Error() }
func (e *LinuxErrno) Unwrap() error { return e.Err }

// toLinuxErrno maps a host os.* error to the Linux errno 9P's wire
// format expects. On Unix hosts the underlying syscall.Errno already
// is a Linux errno (or close enough cross-platform to pass through
// directly); anything that isn't a raw errno collapses to EIO, with
// the common path-level cases (not exist, permission, is-a-directory)
// special-cased first since those are the ones 9P clients actually
// branch on.
func toLinuxErrno(err error) error {
	switch {
	case os.IsNotExist(err):
		return &LinuxErrno{Errno: unix.ENOENT, Err: err}
	case os.IsPermission(err):
		return &LinuxErrno{Errno: unix.EACCES, Err: err}
	}

	var pathErr *fs.PathError
	if as, ok := err.(*fs.PathError); ok {
		pathErr = as
	}
	if pathErr != nil {
		if errno, ok := pathErr.Err.(unix.Errno); ok {
			return &LinuxErrno{Errno: errno, Err: err}
		}
	}

	return &LinuxErrno{Errno: unix.EIO, Err: err}
}
