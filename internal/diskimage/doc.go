// Package diskimage attaches disk image files as block devices and maps
// attached devices back to their images.
//
// The work is done by a platform Service. This package owns the contract
// and the thin operations on top of it:
//   - AttachImage builds attach parameters for an image and attaches it
//   - QueryOriginatingImage recovers the image URL behind a device
//   - ResolveSymlink follows a device symlink, falling back to the input
//
// Services live in subpackages:
//   - hdiutil: macOS disk images via hdiutil(1)
//   - loop: Linux loop devices via ioctl
//   - guest: disks hot-plugged into a libvirt domain
//
// Example usage:
//
//	svc := loop.New(afero.NewOsFs(), "/run/attachdetach")
//	handle, err := diskimage.AttachImage(ctx, svc, "disk.img", diskimage.AttachConfig{})
//	if err != nil {
//	    return err
//	}
//	fmt.Println(handle.Path)
package diskimage
