// Package naming holds the naming conventions for device nodes, guest disk
// targets and mount directories.
package naming

import (
	"fmt"
	"path"
	"strings"
)

// DevDir is the directory holding device nodes.
const DevDir = "/dev"

// DevicePath turns a disk name into a device node path.
// Bare names ("disk4", "loop0") live under /dev; anything containing a
// slash is returned as given.
//
// Example: disk4 → /dev/disk4
func DevicePath(name string) string {
	if name == "" || strings.Contains(name, "/") {
		return name
	}
	return path.Join(DevDir, name)
}

// DeviceName returns the final element of a device path.
//
// Example: /dev/disk4s1 → disk4s1
func DeviceName(devicePath string) string {
	return path.Base(devicePath)
}

// WholeDisk strips a BSD slice suffix from a disk name.
//
// Example: disk4s2 → disk4, loop0 → loop0
func WholeDisk(name string) string {
	if !strings.HasPrefix(name, "disk") {
		return name
	}
	rest := name[len("disk"):]
	if i := strings.IndexByte(rest, 's'); i > 0 {
		return "disk" + rest[:i]
	}
	return name
}

// MountDir returns the directory a device is auto-mounted on.
// Format: {root}/{device-name}
func MountDir(root, devicePath string) string {
	return path.Join(root, DeviceName(devicePath))
}

// NextDiskTarget returns the first target device name with the given
// prefix ("vd", "sd") that is not in used.
// Names follow the kernel's scheme: vda..vdz, vdaa..vdzz.
func NextDiskTarget(prefix string, used []string) (string, error) {
	taken := make(map[string]bool, len(used))
	for _, u := range used {
		taken[u] = true
	}

	for i := 0; i < 26+26*26; i++ {
		name := prefix + diskSuffix(i)
		if !taken[name] {
			return name, nil
		}
	}

	return "", fmt.Errorf("no free %s* disk target", prefix)
}

// diskSuffix converts an index into the a, b, ..., z, aa, ab, ... sequence.
func diskSuffix(i int) string {
	if i < 26 {
		return string(rune('a' + i))
	}
	i -= 26
	return string(rune('a'+i/26)) + string(rune('a'+i%26))
}
