// Package loop attaches disk images as Linux loop devices.
//
// Attaching asks /dev/loop-control for a free device and binds the image
// to it with LOOP_SET_FD. Image lookups read the backing file from sysfs.
// Detaching unmounts anything this tool mounted for the device and then
// sends LOOP_CLR_FD through the device ejector.
package loop

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"golang.org/x/sys/unix"

	"github.com/jbweber/attachdetach/internal/device"
	"github.com/jbweber/attachdetach/internal/diskimage"
	"github.com/jbweber/attachdetach/internal/imagefmt"
	"github.com/jbweber/attachdetach/internal/ioctl"
	"github.com/jbweber/attachdetach/internal/naming"
)

const (
	// Name is the backend name used in configuration.
	Name = "loop"

	// DefaultMountRoot is where auto-mounted filesystems are placed.
	DefaultMountRoot = "/run/attachdetach"

	controlPath     = "/dev/loop-control"
	sysBlockPath    = "/sys/block"
	filesystemsPath = "/proc/filesystems"
	mountsPath      = "/proc/self/mounts"
)

// ClearCode is LOOP_CLR_FD, which unbinds a loop device from its file.
var ClearCode = ioctl.MustNew('L', 1)

// Service implements diskimage.Service with loop devices.
type Service struct {
	fs        afero.Fs
	mountRoot string
	ejector   *device.Ejector
}

// New returns a loop Service. Auto-mounted filesystems go under mountRoot.
func New(fs afero.Fs, mountRoot string) *Service {
	if mountRoot == "" {
		mountRoot = DefaultMountRoot
	}
	return &Service{
		fs:        fs,
		mountRoot: mountRoot,
		ejector:   device.NewEjector(ClearCode),
	}
}

// NewAttachParams checks the image and rejects container formats a loop
// device cannot present.
func (s *Service) NewAttachParams(ctx context.Context, image *url.URL) (*diskimage.AttachParams, error) {
	if !supported {
		return nil, diskimage.ErrUnsupported
	}

	p, err := diskimage.ImageFile(s.fs, image)
	if err != nil {
		return nil, err
	}

	info, err := imagefmt.Detect(s.fs, p)
	if err != nil {
		return nil, err
	}
	switch info.Format {
	case imagefmt.FormatQCOW2, imagefmt.FormatUDIF:
		return nil, fmt.Errorf("%s is a %s image; loop devices expose raw bytes only", p, info.Format)
	}

	return &diskimage.AttachParams{URL: image, Path: p, Image: info}, nil
}

// Attach binds the image to a free loop device.
func (s *Service) Attach(ctx context.Context, params *diskimage.AttachParams) (*diskimage.DeviceHandle, error) {
	if !supported {
		return nil, diskimage.ErrUnsupported
	}
	return s.attach(ctx, params)
}

// ImageURL reads the backing file of the loop device from sysfs.
func (s *Service) ImageURL(ctx context.Context, dev *url.URL) (*url.URL, error) {
	if !supported {
		return nil, diskimage.ErrUnsupported
	}

	devPath, err := diskimage.LocalPath(dev)
	if err != nil {
		return nil, err
	}

	name := naming.DeviceName(devPath)
	data, err := afero.ReadFile(s.fs, path.Join(sysBlockPath, name, "loop", "backing_file"))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", diskimage.ErrNotAttached, devPath)
		}
		return nil, fmt.Errorf("failed to read backing file of %s: %w", name, err)
	}

	return &url.URL{Scheme: "file", Path: strings.TrimSpace(string(data))}, nil
}

// Detach unmounts the device's filesystems that live under the mount root
// and clears the loop device.
func (s *Service) Detach(ctx context.Context, devicePath string) error {
	if !supported {
		return diskimage.ErrUnsupported
	}

	targets, err := s.mountedTargets(devicePath)
	if err != nil {
		return err
	}
	for _, target := range targets {
		logrus.WithFields(logrus.Fields{"device": devicePath, "target": target}).Debug("unmounting")
		if err := unmount(target); err != nil {
			return fmt.Errorf("failed to unmount %s: %w", target, err)
		}
		_ = s.fs.Remove(target)
	}

	return s.ejector.Detach(devicePath)
}

// mountedTargets returns mount points under the mount root whose source is
// devicePath or one of its partitions.
func (s *Service) mountedTargets(devicePath string) ([]string, error) {
	data, err := afero.ReadFile(s.fs, mountsPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read mount table: %w", err)
	}

	var targets []string
	for _, m := range parseMounts(data) {
		if m.source != devicePath && !strings.HasPrefix(m.source, devicePath+"p") {
			continue
		}
		if !strings.HasPrefix(m.target, s.mountRoot+"/") {
			continue
		}
		targets = append(targets, m.target)
	}
	return targets, nil
}

// partitions lists partition device nodes of a loop device from sysfs.
func (s *Service) partitions(devicePath string) []string {
	name := naming.DeviceName(devicePath)
	matches, err := afero.Glob(s.fs, path.Join(sysBlockPath, name, name+"p*"))
	if err != nil {
		return nil
	}

	parts := make([]string, 0, len(matches))
	for _, m := range matches {
		parts = append(parts, naming.DevicePath(path.Base(m)))
	}
	return parts
}

// Partition nodes are created by devtmpfs after the partition scan
// returns, so mounting polls for them.
const (
	nodeWaitTimeout  = time.Second
	nodePollInterval = 20 * time.Millisecond
)

// waitForNodes polls until every path exists, timeout passes or ctx is
// done. It returns the paths still missing.
func (s *Service) waitForNodes(ctx context.Context, paths []string, timeout time.Duration) []string {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(nodePollInterval)
	defer ticker.Stop()

	for {
		var missing []string
		for _, p := range paths {
			if _, err := s.fs.Stat(p); err != nil {
				missing = append(missing, p)
			}
		}
		if len(missing) == 0 || !time.Now().Before(deadline) {
			return missing
		}

		select {
		case <-ctx.Done():
			return missing
		case <-ticker.C:
		}
	}
}

// blockFilesystems returns filesystem types from /proc/filesystems that
// need a block device, in kernel order.
func (s *Service) blockFilesystems() ([]string, error) {
	data, err := afero.ReadFile(s.fs, filesystemsPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", filesystemsPath, err)
	}
	return parseFilesystems(data), nil
}

// Open flags a file mode may carry for the backing file. Any other bit
// except the destructive ones is dropped.
const (
	keptOpenFlags        = unix.O_ACCMODE | unix.O_SYNC
	destructiveOpenFlags = unix.O_TRUNC | unix.O_CREAT | unix.O_APPEND | unix.O_EXCL
)

// openFlags maps a file mode to open(2) flags for the backing file.
// Zero means read-write with a read-only fallback. Modes that would
// create, truncate or append to the image are rejected.
func openFlags(fileMode int64) (flags int, fallback bool, err error) {
	if fileMode == 0 {
		return unix.O_RDWR, true, nil
	}
	if fileMode&destructiveOpenFlags != 0 {
		return 0, false, fmt.Errorf("file mode %#o would modify the image (O_TRUNC, O_CREAT, O_APPEND and O_EXCL are not allowed)", fileMode)
	}
	return int(fileMode) & keptOpenFlags, false, nil
}

func parseFilesystems(data []byte) []string {
	var types []string
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) != 1 {
			// "nodev <type>" or blank
			continue
		}
		types = append(types, fields[0])
	}
	return types
}

type mountEntry struct {
	source string
	target string
}

func parseMounts(data []byte) []mountEntry {
	var entries []mountEntry
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) < 2 {
			continue
		}
		entries = append(entries, mountEntry{
			source: unescapeMount(fields[0]),
			target: unescapeMount(fields[1]),
		})
	}
	return entries
}

// unescapeMount decodes the octal escapes (\040 etc.) used in /proc/self/mounts.
func unescapeMount(s string) string {
	if !strings.Contains(s, `\`) {
		return s
	}

	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] == '\\' && i+3 < len(s) && isOctal(s[i+1]) && isOctal(s[i+2]) && isOctal(s[i+3]) {
			b.WriteByte((s[i+1]-'0')<<6 | (s[i+2]-'0')<<3 | (s[i+3] - '0'))
			i += 3
			continue
		}
		b.WriteByte(s[i])
	}
	return b.String()
}

func isOctal(c byte) bool {
	return c >= '0' && c <= '7'
}
