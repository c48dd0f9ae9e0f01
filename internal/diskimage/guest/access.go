package guest

import (
	"bufio"
	"fmt"
	"io/fs"
	"os/user"
	"strconv"
	"strings"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
)

// qemuConfPath holds the account libvirt runs QEMU processes as.
const qemuConfPath = "/etc/libvirt/qemu.conf"

// Account names used by distribution packages when qemu.conf sets none.
var defaultQEMUUsers = []string{"qemu", "libvirt-qemu"}

// qemuAccount names the user and group of QEMU processes.
type qemuAccount struct {
	User  string
	Group string
}

// readQEMUAccount reads the user and group settings from qemu.conf.
// Missing settings are left empty.
func readQEMUAccount(afs afero.Fs) qemuAccount {
	var acct qemuAccount

	f, err := afs.Open(qemuConfPath)
	if err != nil {
		return acct
	}
	defer func() { _ = f.Close() }()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		value = strings.Trim(strings.TrimSpace(value), `"'`)

		switch strings.TrimSpace(key) {
		case "user":
			acct.User = value
		case "group":
			acct.Group = value
		}
	}

	return acct
}

// lookup resolves the account to numeric IDs.
func (a qemuAccount) lookup() (uid, gid uint32, err error) {
	candidates := defaultQEMUUsers
	if a.User != "" {
		candidates = []string{a.User}
	}

	var u *user.User
	for _, name := range candidates {
		if u, err = user.Lookup(name); err == nil {
			break
		}
	}
	if u == nil {
		return 0, 0, fmt.Errorf("failed to look up QEMU user: %w", err)
	}

	groupID := u.Gid
	if a.Group != "" {
		g, err := user.LookupGroup(a.Group)
		if err != nil {
			return 0, 0, fmt.Errorf("failed to look up QEMU group %s: %w", a.Group, err)
		}
		groupID = g.Gid
	}

	uid64, err := strconv.ParseUint(u.Uid, 10, 32)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid uid %q: %w", u.Uid, err)
	}
	gid64, err := strconv.ParseUint(groupID, 10, 32)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid gid %q: %w", groupID, err)
	}

	return uint32(uid64), uint32(gid64), nil
}

// readableBy reports whether a file with the given permissions and owner
// can be read by uid/gid.
func readableBy(perm fs.FileMode, fileUID, fileGID, uid, gid uint32) bool {
	switch {
	case uid == 0:
		return true
	case fileUID == uid:
		return perm&0o400 != 0
	case fileGID == gid:
		return perm&0o040 != 0
	default:
		return perm&0o004 != 0
	}
}

// warnIfUnreadable logs a warning when the QEMU account cannot read path.
// The image is opened by QEMU, not by this process.
func (s *Service) warnIfUnreadable(path string) {
	info, err := s.fs.Stat(path)
	if err != nil || info.Mode().Perm()&0o004 != 0 {
		return
	}

	st, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return
	}

	uid, gid, err := readQEMUAccount(s.fs).lookup()
	if err != nil {
		logrus.WithError(err).Debug("skipping image permission check")
		return
	}

	if !readableBy(info.Mode().Perm(), st.Uid, st.Gid, uid, gid) {
		logrus.WithFields(logrus.Fields{
			"image": path,
			"mode":  info.Mode().Perm().String(),
			"uid":   uid,
		}).Warn("image may not be readable by the QEMU process")
	}
}
