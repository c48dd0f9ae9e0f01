// Package hdiutil attaches macOS disk images through hdiutil(1).
//
// hdiutil is the command-line front end of the DiskImages framework.
// Results are requested as property lists (-plist) and decoded with
// howett.net/plist. Detaching does not go through hdiutil: the device
// node is ejected directly with DKIOCEJECT.
package hdiutil

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"os/exec"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"howett.net/plist"

	"github.com/jbweber/attachdetach/internal/device"
	"github.com/jbweber/attachdetach/internal/diskimage"
	"github.com/jbweber/attachdetach/internal/naming"
)

// Name is the backend name used in configuration.
const Name = "hdiutil"

// runner runs hdiutil and returns its standard output.
type runner interface {
	Run(ctx context.Context, args ...string) ([]byte, error)
}

type execRunner struct {
	path string
}

func (r execRunner) Run(ctx context.Context, args ...string) ([]byte, error) {
	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, r.path, args...)
	cmd.Stderr = &stderr

	out, err := cmd.Output()
	if err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return nil, fmt.Errorf("%s %s: %s: %w", r.path, args[0], msg, err)
		}
		return nil, fmt.Errorf("%s %s: %w", r.path, args[0], err)
	}
	return out, nil
}

type attachResult struct {
	SystemEntities []systemEntity `plist:"system-entities"`
}

type infoResult struct {
	Images []imageInfo `plist:"images"`
}

type imageInfo struct {
	ImagePath      string         `plist:"image-path"`
	SystemEntities []systemEntity `plist:"system-entities"`
}

type systemEntity struct {
	DevEntry             string `plist:"dev-entry"`
	MountPoint           string `plist:"mount-point"`
	ContentHint          string `plist:"content-hint"`
	PotentiallyMountable bool   `plist:"potentially-mountable"`
}

// Service implements diskimage.Service with hdiutil.
type Service struct {
	fs      afero.Fs
	run     runner
	ejector *device.Ejector
}

// New returns a Service that runs the hdiutil found in PATH.
func New(fs afero.Fs) *Service {
	return &Service{
		fs:      fs,
		run:     execRunner{path: "hdiutil"},
		ejector: device.NewEjector(device.EjectCode),
	}
}

// NewAttachParams checks that the image exists. Format handling is left to
// the DiskImages framework.
func (s *Service) NewAttachParams(ctx context.Context, image *url.URL) (*diskimage.AttachParams, error) {
	p, err := diskimage.ImageFile(s.fs, image)
	if err != nil {
		return nil, err
	}
	return &diskimage.AttachParams{URL: image, Path: p}, nil
}

// Attach runs hdiutil attach and returns the whole-disk device.
func (s *Service) Attach(ctx context.Context, params *diskimage.AttachParams) (*diskimage.DeviceHandle, error) {
	args := attachArgs(params)
	logrus.WithField("args", args).Debug("running hdiutil")

	out, err := s.run.Run(ctx, args...)
	if err != nil {
		return nil, err
	}

	var res attachResult
	if _, err := plist.Unmarshal(out, &res); err != nil {
		return nil, fmt.Errorf("failed to decode hdiutil attach output: %w", err)
	}

	handle := handleFromEntities(res.SystemEntities)
	if handle == nil {
		return nil, fmt.Errorf("hdiutil attach reported no devices for %s", params.Path)
	}
	handle.Image = params.URL.String()

	return handle, nil
}

// ImageURL looks the device up in hdiutil info. Slices of an attached
// disk resolve to the disk's image.
func (s *Service) ImageURL(ctx context.Context, dev *url.URL) (*url.URL, error) {
	devPath, err := diskimage.LocalPath(dev)
	if err != nil {
		return nil, err
	}

	out, err := s.run.Run(ctx, "info", "-plist")
	if err != nil {
		return nil, err
	}

	var info infoResult
	if _, err := plist.Unmarshal(out, &info); err != nil {
		return nil, fmt.Errorf("failed to decode hdiutil info output: %w", err)
	}

	want := naming.WholeDisk(naming.DeviceName(devPath))
	for _, img := range info.Images {
		for _, e := range img.SystemEntities {
			if e.DevEntry == devPath || naming.WholeDisk(naming.DeviceName(e.DevEntry)) == want {
				return &url.URL{Scheme: "file", Path: img.ImagePath}, nil
			}
		}
	}

	return nil, fmt.Errorf("%w: %s", diskimage.ErrNotAttached, devPath)
}

// Detach ejects the device with DKIOCEJECT.
func (s *Service) Detach(ctx context.Context, devicePath string) error {
	return s.ejector.Detach(devicePath)
}

func attachArgs(params *diskimage.AttachParams) []string {
	args := []string{"attach", "-plist", "-nobrowse"}
	if !params.AutoMount {
		args = append(args, "-nomount")
	}
	if params.ReadOnly() {
		args = append(args, "-readonly")
	}
	return append(args, params.Path)
}

// handleFromEntities picks the whole-disk entity (the shortest dev-entry)
// and collects every mount point.
func handleFromEntities(entities []systemEntity) *diskimage.DeviceHandle {
	var disk string
	var dirs []string
	for _, e := range entities {
		if e.DevEntry != "" && (disk == "" || len(e.DevEntry) < len(disk)) {
			disk = e.DevEntry
		}
		if e.MountPoint != "" {
			dirs = append(dirs, e.MountPoint)
		}
	}
	if disk == "" {
		return nil
	}

	return &diskimage.DeviceHandle{
		Name:        naming.DeviceName(disk),
		Path:        disk,
		Directories: dirs,
	}
}
