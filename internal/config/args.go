package config

import (
	"slices"
	"strconv"
	"strings"

	"github.com/jbweber/attachdetach/internal/diskimage"
)

var fileModePrefixes = []string{"--file-mode=", "-f="}

// FileModeFromArgs returns the first --file-mode=N or -f=N value in args
// that parses as a base-10 int64. Unparsable values are skipped. Returns 0
// when there is none.
func FileModeFromArgs(args []string) int64 {
	for _, arg := range args {
		if !hasFileModePrefix(arg) {
			continue
		}

		value := arg
		for _, prefix := range fileModePrefixes {
			value = strings.ReplaceAll(value, prefix, "")
		}

		if mode, err := strconv.ParseInt(value, 10, 64); err == nil {
			return mode
		}
	}
	return 0
}

// AutoMountFromArgs reports whether -s or --set-auto-mount appears in args.
func AutoMountFromArgs(args []string) bool {
	return slices.Contains(args, "-s") || slices.Contains(args, "--set-auto-mount")
}

// AttachConfigFromArgs derives the attach options from the command line.
func AttachConfigFromArgs(args []string) diskimage.AttachConfig {
	return diskimage.AttachConfig{
		FileMode:  FileModeFromArgs(args),
		AutoMount: AutoMountFromArgs(args),
	}
}

func hasFileModePrefix(arg string) bool {
	for _, prefix := range fileModePrefixes {
		if strings.HasPrefix(arg, prefix) {
			return true
		}
	}
	return false
}
