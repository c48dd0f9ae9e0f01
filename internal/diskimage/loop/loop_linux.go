package loop

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/jbweber/attachdetach/internal/diskimage"
	"github.com/jbweber/attachdetach/internal/naming"
)

const supported = true

func (s *Service) attach(ctx context.Context, params *diskimage.AttachParams) (*diskimage.DeviceHandle, error) {
	backing, err := openBacking(params)
	if err != nil {
		return nil, err
	}
	defer func() { _ = backing.Close() }()

	ctl, err := os.OpenFile(controlPath, os.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to open loop control: %w", err)
	}
	defer func() { _ = ctl.Close() }()

	n, err := unix.IoctlRetInt(int(ctl.Fd()), unix.LOOP_CTL_GET_FREE)
	if err != nil {
		return nil, fmt.Errorf("failed to find a free loop device: %w", err)
	}

	devPath := naming.DevicePath(fmt.Sprintf("loop%d", n))
	log := logrus.WithFields(logrus.Fields{"device": devPath, "image": params.Path})

	dev, err := os.OpenFile(devPath, os.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", devPath, err)
	}
	defer func() { _ = dev.Close() }()

	log.Debug("binding image to loop device")
	if err := unix.IoctlSetInt(int(dev.Fd()), unix.LOOP_SET_FD, int(backing.Fd())); err != nil {
		return nil, fmt.Errorf("failed to bind %s to %s: %w", params.Path, devPath, err)
	}

	info := &unix.LoopInfo64{}
	copy(info.File_name[:len(info.File_name)-1], params.Path)
	if params.AutoMount {
		info.Flags |= unix.LO_FLAGS_PARTSCAN
	}
	if err := unix.IoctlLoopSetStatus64(int(dev.Fd()), info); err != nil {
		_ = unix.IoctlSetInt(int(dev.Fd()), unix.LOOP_CLR_FD, 0)
		return nil, fmt.Errorf("failed to configure %s: %w", devPath, err)
	}

	handle := &diskimage.DeviceHandle{
		Name:  naming.DeviceName(devPath),
		Path:  devPath,
		Image: params.URL.String(),
	}

	var st unix.Stat_t
	if err := unix.Fstat(int(dev.Fd()), &st); err == nil {
		rdev := uint64(st.Rdev)
		handle.RegistryID = fmt.Sprintf("%d:%d", unix.Major(rdev), unix.Minor(rdev))
	}

	if params.AutoMount {
		handle.Directories = s.mountAll(ctx, devPath, readOnlyFile(backing))
	}

	return handle, nil
}

// openBacking opens the image file with the flags its file mode selects.
func openBacking(params *diskimage.AttachParams) (*os.File, error) {
	flags, fallback, err := openFlags(params.FileMode)
	if err != nil {
		return nil, err
	}

	f, err := os.OpenFile(params.Path, flags|unix.O_CLOEXEC, 0)
	if err != nil && fallback && (errors.Is(err, unix.EACCES) || errors.Is(err, unix.EROFS) || errors.Is(err, unix.EPERM)) {
		logrus.WithField("image", params.Path).Debug("image is not writable, attaching read-only")
		f, err = os.OpenFile(params.Path, os.O_RDONLY|unix.O_CLOEXEC, 0)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open image: %w", err)
	}
	return f, nil
}

func readOnlyFile(f *os.File) bool {
	flags, err := unix.FcntlInt(f.Fd(), unix.F_GETFL, 0)
	if err != nil {
		return false
	}
	return flags&unix.O_ACCMODE == unix.O_RDONLY
}

// mountAll mounts the device and each of its partitions under the mount
// root, trying every block filesystem the kernel knows. Devices without a
// recognizable filesystem are skipped.
func (s *Service) mountAll(ctx context.Context, devPath string, readOnly bool) []string {
	log := logrus.WithField("device", devPath)

	fstypes, err := s.blockFilesystems()
	if err != nil {
		log.WithError(err).Warn("cannot auto-mount")
		return nil
	}

	var flags uintptr
	if readOnly {
		flags |= unix.MS_RDONLY
	}

	parts := s.partitions(devPath)
	if missing := s.waitForNodes(ctx, parts, nodeWaitTimeout); len(missing) > 0 {
		log.WithField("partitions", missing).Warn("partition device nodes did not appear")
	}

	var dirs []string
	for _, src := range append([]string{devPath}, parts...) {
		dir := naming.MountDir(s.mountRoot, src)
		if err := s.fs.MkdirAll(dir, 0o755); err != nil {
			log.WithError(err).Warnf("failed to create mount directory %s", dir)
			continue
		}

		mounted := false
		for _, fstype := range fstypes {
			if err := unix.Mount(src, dir, fstype, flags, ""); err == nil {
				log.WithFields(logrus.Fields{"source": src, "target": dir, "fstype": fstype}).Debug("mounted")
				mounted = true
				break
			}
		}

		if mounted {
			dirs = append(dirs, dir)
		} else {
			_ = s.fs.Remove(dir)
		}
	}

	if len(dirs) == 0 {
		log.Warn("no mountable filesystem found")
	}
	return dirs
}

func unmount(target string) error {
	return unix.Unmount(target, 0)
}
