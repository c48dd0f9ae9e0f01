// Package guest attaches disk images to a running libvirt domain as
// hot-plugged disks.
//
// Device names are guest target names (vdb, sdc). The image URL of a
// device is read back from the live domain XML.
package guest

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/digitalocean/go-libvirt"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"libvirt.org/go/libvirtxml"

	"github.com/jbweber/attachdetach/internal/diskimage"
	"github.com/jbweber/attachdetach/internal/imagefmt"
	"github.com/jbweber/attachdetach/internal/naming"
)

// Name is the backend name used in configuration.
const Name = "guest"

// QEMU truncates virtio-blk serials to 20 bytes.
const serialLength = 20

// LibvirtClient defines the libvirt operations needed for guest disks.
//
// In production, this is satisfied by *libvirt.Libvirt directly.
// In tests, this is satisfied by mock implementations.
type LibvirtClient interface {
	// DomainLookupByName looks up a domain by name
	DomainLookupByName(name string) (libvirt.Domain, error)

	// DomainGetXMLDesc returns the domain's XML description
	DomainGetXMLDesc(dom libvirt.Domain, flags libvirt.DomainXMLFlags) (string, error)

	// DomainAttachDeviceFlags hot-plugs a device
	DomainAttachDeviceFlags(dom libvirt.Domain, xml string, flags uint32) error

	// DomainDetachDeviceFlags hot-unplugs a device
	DomainDetachDeviceFlags(dom libvirt.Domain, xml string, flags uint32) error
}

// Service implements diskimage.Service against one libvirt domain.
type Service struct {
	fs     afero.Fs
	client LibvirtClient
	domain string
}

// New returns a Service attaching disks to domain.
func New(fs afero.Fs, client LibvirtClient, domain string) *Service {
	return &Service{fs: fs, client: client, domain: domain}
}

// NewAttachParams checks the image and probes its format, which decides
// the disk driver and bus.
func (s *Service) NewAttachParams(ctx context.Context, image *url.URL) (*diskimage.AttachParams, error) {
	if s.domain == "" {
		return nil, fmt.Errorf("no libvirt domain configured")
	}

	p, err := diskimage.ImageFile(s.fs, image)
	if err != nil {
		return nil, err
	}

	info, err := imagefmt.Detect(s.fs, p)
	if err != nil {
		return nil, err
	}

	s.warnIfUnreadable(p)

	return &diskimage.AttachParams{URL: image, Path: p, Image: info}, nil
}

// Attach hot-plugs the image into the domain on the next free target.
func (s *Service) Attach(ctx context.Context, params *diskimage.AttachParams) (*diskimage.DeviceHandle, error) {
	log := logrus.WithFields(logrus.Fields{"domain": s.domain, "image": params.Path})

	dom, def, err := s.lookup()
	if err != nil {
		return nil, err
	}

	prefix, bus := "vd", "virtio"
	if params.Image.Format == imagefmt.FormatISO {
		prefix, bus = "sd", "sata"
	}

	target, err := naming.NextDiskTarget(prefix, diskTargets(def))
	if err != nil {
		return nil, err
	}

	serial := strings.ReplaceAll(uuid.New().String(), "-", "")[:serialLength]
	disk := newDisk(params, target, bus, serial)

	diskXML, err := disk.Marshal()
	if err != nil {
		return nil, fmt.Errorf("failed to marshal disk XML: %w", err)
	}

	if params.AutoMount {
		log.Debug("auto-mount is left to the guest")
	}

	log.WithField("target", target).Debug("attaching disk to domain")
	if err := s.client.DomainAttachDeviceFlags(dom, diskXML, uint32(libvirt.DomainDeviceModifyLive)); err != nil {
		return nil, fmt.Errorf("failed to attach disk to domain %s: %w", s.domain, err)
	}

	return &diskimage.DeviceHandle{
		Name:       target,
		Path:       naming.DevicePath(target),
		RegistryID: serial,
		Image:      params.URL.String(),
	}, nil
}

// ImageURL returns the source file of the disk with the device's target name.
func (s *Service) ImageURL(ctx context.Context, dev *url.URL) (*url.URL, error) {
	devPath, err := diskimage.LocalPath(dev)
	if err != nil {
		return nil, err
	}

	_, def, err := s.lookup()
	if err != nil {
		return nil, err
	}

	disk, err := findDisk(def, naming.DeviceName(devPath))
	if err != nil {
		return nil, err
	}
	if disk.Source == nil || disk.Source.File == nil {
		return nil, fmt.Errorf("disk %s of domain %s is not backed by a file", disk.Target.Dev, s.domain)
	}

	return &url.URL{Scheme: "file", Path: disk.Source.File.File}, nil
}

// Detach hot-unplugs the disk with the device's target name.
func (s *Service) Detach(ctx context.Context, devicePath string) error {
	dom, def, err := s.lookup()
	if err != nil {
		return err
	}

	disk, err := findDisk(def, naming.DeviceName(devicePath))
	if err != nil {
		return err
	}

	diskXML, err := disk.Marshal()
	if err != nil {
		return fmt.Errorf("failed to marshal disk XML: %w", err)
	}

	logrus.WithFields(logrus.Fields{"domain": s.domain, "target": disk.Target.Dev}).Debug("detaching disk from domain")
	if err := s.client.DomainDetachDeviceFlags(dom, diskXML, uint32(libvirt.DomainDeviceModifyLive)); err != nil {
		return fmt.Errorf("failed to detach %s from domain %s: %w", disk.Target.Dev, s.domain, err)
	}

	return nil
}

func (s *Service) lookup() (libvirt.Domain, *libvirtxml.Domain, error) {
	dom, err := s.client.DomainLookupByName(s.domain)
	if err != nil {
		return libvirt.Domain{}, nil, fmt.Errorf("failed to look up domain %s: %w", s.domain, err)
	}

	xml, err := s.client.DomainGetXMLDesc(dom, 0)
	if err != nil {
		return libvirt.Domain{}, nil, fmt.Errorf("failed to get XML of domain %s: %w", s.domain, err)
	}

	def := &libvirtxml.Domain{}
	if err := def.Unmarshal(xml); err != nil {
		return libvirt.Domain{}, nil, fmt.Errorf("failed to parse XML of domain %s: %w", s.domain, err)
	}

	return dom, def, nil
}

func newDisk(params *diskimage.AttachParams, target, bus, serial string) *libvirtxml.DomainDisk {
	device, driverType := "disk", "raw"
	readOnly := params.ReadOnly()

	switch params.Image.Format {
	case imagefmt.FormatQCOW2:
		driverType = "qcow2"
	case imagefmt.FormatUDIF:
		// QEMU's dmg driver is read-only.
		driverType = "dmg"
		readOnly = true
	case imagefmt.FormatISO:
		device = "cdrom"
		readOnly = true
	}

	disk := &libvirtxml.DomainDisk{
		Device: device,
		Driver: &libvirtxml.DomainDiskDriver{
			Name: "qemu",
			Type: driverType,
		},
		Source: &libvirtxml.DomainDiskSource{
			File: &libvirtxml.DomainDiskSourceFile{
				File: params.Path,
			},
		},
		Target: &libvirtxml.DomainDiskTarget{
			Dev: target,
			Bus: bus,
		},
		Serial: serial,
	}
	if readOnly {
		disk.ReadOnly = &libvirtxml.DomainDiskReadOnly{}
	}

	return disk
}

func diskTargets(def *libvirtxml.Domain) []string {
	if def.Devices == nil {
		return nil
	}

	var used []string
	for _, d := range def.Devices.Disks {
		if d.Target != nil {
			used = append(used, d.Target.Dev)
		}
	}
	return used
}

func findDisk(def *libvirtxml.Domain, target string) (*libvirtxml.DomainDisk, error) {
	if def.Devices != nil {
		for i := range def.Devices.Disks {
			d := &def.Devices.Disks[i]
			if d.Target != nil && d.Target.Dev == target {
				return d, nil
			}
		}
	}
	return nil, fmt.Errorf("%w: no disk %s in domain %s", diskimage.ErrNotAttached, target, def.Name)
}
