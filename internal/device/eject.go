// Package device issues device-control requests against device nodes.
//
// Detaching is a three step sequence: open the node read-only, send a
// control request with no payload, close the node. Failures carry the
// operating system's own message and nothing else, so callers can show
// them to users verbatim.
package device

import (
	"errors"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/jbweber/attachdetach/internal/ioctl"
)

// EjectCode is DKIOCEJECT, the request that ejects a disk device.
var EjectCode = ioctl.MustNew('d', 21)

// OSError is a failed open or control request on a device node.
// Its message is exactly the operating system's error string.
type OSError struct {
	// Op is the failed step: "open" or "ioctl".
	Op string
	// Path is the device node.
	Path string
	// Err is the underlying errno.
	Err error
}

func (e *OSError) Error() string {
	return e.Err.Error()
}

func (e *OSError) Unwrap() error {
	return e.Err
}

// syscalls is the set of OS primitives the Ejector needs.
// In production it is satisfied by unixSyscalls.
type syscalls interface {
	Open(path string, mode int, perm uint32) (int, error)
	IoctlSetInt(fd int, req uint, value int) error
	Close(fd int) error
}

type unixSyscalls struct{}

func (unixSyscalls) Open(path string, mode int, perm uint32) (int, error) {
	return unix.Open(path, mode, perm)
}

func (unixSyscalls) IoctlSetInt(fd int, req uint, value int) error {
	return unix.IoctlSetInt(fd, req, value)
}

func (unixSyscalls) Close(fd int) error {
	return unix.Close(fd)
}

// Ejector detaches devices by sending a single control request.
type Ejector struct {
	// Code is the control request sent to the device.
	Code ioctl.Code

	sys syscalls
}

// NewEjector returns an Ejector that sends code.
func NewEjector(code ioctl.Code) *Ejector {
	return &Ejector{Code: code, sys: unixSyscalls{}}
}

// Detach ejects the device at path using EjectCode.
func Detach(path string) error {
	return NewEjector(EjectCode).Detach(path)
}

// Detach opens the device node at path and issues the ejector's control
// request on it. The descriptor is closed on every return path.
func (e *Ejector) Detach(path string) error {
	log := logrus.WithFields(logrus.Fields{"device": path, "request": e.Code})

	fd, err := e.sys.Open(path, unix.O_RDONLY, 0)
	if err != nil {
		return newOSError("open", path, err)
	}
	defer func() {
		if closeErr := e.sys.Close(fd); closeErr != nil {
			log.WithError(closeErr).Debug("failed to close device")
		}
	}()

	log.Debug("issuing control request")

	// No payload: the request is direction-void.
	if err := e.sys.IoctlSetInt(fd, e.Code.Request(), 0); err != nil {
		return newOSError("ioctl", path, err)
	}

	return nil
}

func newOSError(op, path string, err error) *OSError {
	var errno unix.Errno
	if errors.As(err, &errno) {
		err = errno
	}
	return &OSError{Op: op, Path: path, Err: err}
}
