package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/afero"
	"github.com/spf13/viper"

	"github.com/jbweber/attachdetach/internal/diskimage/guest"
	"github.com/jbweber/attachdetach/internal/diskimage/hdiutil"
	"github.com/jbweber/attachdetach/internal/diskimage/loop"
	"github.com/jbweber/attachdetach/internal/libvirt"
	"github.com/jbweber/attachdetach/internal/output"
)

// Configuration keys.
const (
	KeyBackend        = "backend"
	KeyDomain         = "domain"
	KeyOutput         = "output"
	KeyMountRoot      = "mount-root"
	KeyLibvirtSocket  = "libvirt.socket"
	KeyLibvirtTimeout = "libvirt.timeout"
	KeyVerbose        = "verbose"
)

// EnvPrefix prefixes environment overrides, e.g. ATTACHDETACH_BACKEND.
const EnvPrefix = "ATTACHDETACH"

// Settings is the merged configuration of one invocation.
type Settings struct {
	Backend        string
	Domain         string
	Output         output.Format
	MountRoot      string
	LibvirtSocket  string
	LibvirtTimeout time.Duration
	Verbose        bool
}

// DefaultBackend returns the disk image service native to goos.
func DefaultBackend(goos string) string {
	if goos == "darwin" {
		return hdiutil.Name
	}
	return loop.Name
}

// NewViper returns a viper instance with defaults and environment
// overrides set up, reading config files from fs.
func NewViper(fs afero.Fs) *viper.Viper {
	v := viper.New()
	v.SetFs(fs)

	v.SetDefault(KeyBackend, DefaultBackend(runtime.GOOS))
	v.SetDefault(KeyOutput, string(output.FormatTable))
	v.SetDefault(KeyMountRoot, loop.DefaultMountRoot)
	v.SetDefault(KeyLibvirtSocket, libvirt.DefaultSocket)
	v.SetDefault(KeyLibvirtTimeout, libvirt.DefaultTimeout)
	v.SetDefault(KeyVerbose, false)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	return v
}

// DefaultConfigDir returns the directory searched for config.yaml.
func DefaultConfigDir() string {
	if dir := os.Getenv("XDG_CONFIG_HOME"); dir != "" {
		return filepath.Join(dir, "attachdetach")
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".config", "attachdetach")
	}
	return ""
}

// ReadConfigFile merges a config file into v. An explicit path must exist;
// otherwise config.yaml is looked up in dir and may be absent.
func ReadConfigFile(v *viper.Viper, path, dir string) error {
	if path != "" {
		v.SetConfigFile(path)
	} else {
		if dir == "" {
			return nil
		}
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(dir)
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path == "" && errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}

	return nil
}

// Load builds Settings from v and validates them.
func Load(v *viper.Viper) (*Settings, error) {
	s := &Settings{
		Backend:        v.GetString(KeyBackend),
		Domain:         v.GetString(KeyDomain),
		Output:         output.Format(v.GetString(KeyOutput)),
		MountRoot:      v.GetString(KeyMountRoot),
		LibvirtSocket:  v.GetString(KeyLibvirtSocket),
		LibvirtTimeout: v.GetDuration(KeyLibvirtTimeout),
		Verbose:        v.GetBool(KeyVerbose),
	}

	if err := s.Validate(); err != nil {
		return nil, err
	}

	return s, nil
}

// Validate checks the settings for consistency.
func (s *Settings) Validate() error {
	switch s.Backend {
	case hdiutil.Name, loop.Name:
	case guest.Name:
		if s.Domain == "" {
			return fmt.Errorf("backend %s requires a domain", guest.Name)
		}
	default:
		return fmt.Errorf("unknown backend: %s (valid backends: %s, %s, %s)",
			s.Backend, hdiutil.Name, loop.Name, guest.Name)
	}

	if err := output.ValidateFormat(string(s.Output)); err != nil {
		return err
	}

	if s.LibvirtTimeout <= 0 {
		return fmt.Errorf("libvirt timeout must be positive, got %s", s.LibvirtTimeout)
	}

	return nil
}
