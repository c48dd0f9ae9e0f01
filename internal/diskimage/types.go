package diskimage

import (
	"context"
	"errors"
	"net/url"

	"golang.org/x/sys/unix"

	"github.com/jbweber/attachdetach/internal/imagefmt"
)

var (
	// ErrNotAttached is returned when a device is not backed by a disk image.
	ErrNotAttached = errors.New("device is not attached to a disk image")

	// ErrUnsupported is returned by services unavailable on this platform.
	ErrUnsupported = errors.New("disk image service is not supported on this platform")
)

// AttachConfig holds the user-selected attach options.
type AttachConfig struct {
	// FileMode is passed to the service as the image open mode. Zero selects
	// the service default.
	FileMode int64
	// AutoMount asks the service to mount the device's filesystems.
	AutoMount bool
}

// AttachParams are the service-side parameters for one attach.
type AttachParams struct {
	// URL is the file URL of the image.
	URL *url.URL
	// Path is the local path behind URL.
	Path string
	// Image is the probed image format, when the service probes.
	Image imagefmt.Info

	FileMode  int64
	AutoMount bool
}

// DeviceHandle describes an attached device.
type DeviceHandle struct {
	// Name is the device name, e.g. disk4, loop3 or vdb.
	Name string `json:"name" yaml:"name"`
	// Path is the device node, or the guest target for guest disks.
	Path string `json:"path" yaml:"path"`
	// RegistryID identifies the device in the platform's device registry.
	RegistryID string `json:"registryID,omitempty" yaml:"registryID,omitempty"`
	// Directories lists the mount points of the device's filesystems.
	Directories []string `json:"directories,omitempty" yaml:"directories,omitempty"`
	// Image is the URL of the attached image.
	Image string `json:"image,omitempty" yaml:"image,omitempty"`
}

// Service is a platform disk image service.
type Service interface {
	// NewAttachParams validates the image and prepares attach parameters.
	NewAttachParams(ctx context.Context, image *url.URL) (*AttachParams, error)

	// Attach attaches the image described by params.
	Attach(ctx context.Context, params *AttachParams) (*DeviceHandle, error)

	// ImageURL returns the URL of the image backing device.
	ImageURL(ctx context.Context, device *url.URL) (*url.URL, error)

	// Detach removes the device at devicePath.
	Detach(ctx context.Context, devicePath string) error
}

// ReadOnly reports whether the file mode asks for read-only access.
// A zero file mode is the service default and never read-only.
func (p *AttachParams) ReadOnly() bool {
	return p.FileMode != 0 && int(p.FileMode)&unix.O_ACCMODE == unix.O_RDONLY
}
