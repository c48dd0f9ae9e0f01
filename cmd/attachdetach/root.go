package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"

	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/jbweber/attachdetach/internal/config"
	"github.com/jbweber/attachdetach/internal/diskimage"
	"github.com/jbweber/attachdetach/internal/naming"
	"github.com/jbweber/attachdetach/internal/output"
)

const (
	attachFlag     = "attach"
	detachFlag     = "detach"
	imageURLFlag   = "image-url"
	fileModeFlag   = "file-mode"
	autoMountFlag  = "set-auto-mount"
	regEntryIDFlag = "reg-entry-id"
	allDirsFlag    = "all-dirs"
	configFlag     = "config"
)

// serviceFactory opens the disk image service selected by settings.
// The returned function releases it.
type serviceFactory func(ctx context.Context, fs afero.Fs, s *config.Settings) (diskimage.Service, func(), error)

type app struct {
	fs         afero.Fs
	args       []string
	stdout     io.Writer
	stderr     io.Writer
	newService serviceFactory
}

func (a *app) rootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "attachdetach [--attach/-a | --detach/-d | --image-url/-i] FILE",
		Short: "Attach and detach disk images",
		Long: `attachdetach attaches a disk image file as a block device, detaches a
device again, or prints the image a device was attached from.

FILE is a disk image to attach, or a disk name to detach or query. Disk
names without a slash are looked up in /dev.

Example usage:
  attachdetach --attach installer.dmg
  attachdetach -a disk.img -s -o
  attachdetach --detach disk8
  attachdetach -i loop0`,
		Version:       fmt.Sprintf("%s (commit: %s)", version, commit),
		Args:          noArgs,
		SilenceErrors: true,
		SilenceUsage:  true,
		RunE:          a.runE,
	}

	cmd.SetOut(a.stdout)
	cmd.SetErr(a.stderr)
	cmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return &usageError{err: err}
	})

	flags := cmd.Flags()
	flags.StringP(attachFlag, "a", "", "attach the specified disk image file")
	flags.StringP(detachFlag, "d", "", "detach the specified disk name")
	flags.StringP(imageURLFlag, "i", "", "print the image URL the specified disk name was attached with")
	flags.StringP(fileModeFlag, "f", "", "file mode to attach the image with; must be a number")
	flags.BoolP(autoMountFlag, "s", false, "mount the image's filesystems while attaching")
	flags.BoolP(regEntryIDFlag, "r", false, "print the registry entry ID of the attached device")
	flags.BoolP(allDirsFlag, "o", false, "print all directories the image was mounted on")

	flags.String(config.KeyBackend, "", "disk image service: hdiutil, loop or guest")
	flags.String(config.KeyDomain, "", "libvirt domain for the guest backend")
	flags.String(config.KeyOutput, "", "output format: table, yaml or json")
	flags.String(config.KeyMountRoot, "", "directory loop devices are auto-mounted under")
	flags.String(configFlag, "", "config file (default $XDG_CONFIG_HOME/attachdetach/config.yaml)")
	flags.BoolP(config.KeyVerbose, "v", false, "enable debug logging")

	return cmd
}

func noArgs(_ *cobra.Command, args []string) error {
	if len(args) > 0 {
		return &usageError{err: fmt.Errorf("unexpected argument %q", args[0])}
	}
	return nil
}

func (a *app) runE(cmd *cobra.Command, _ []string) error {
	flags := cmd.Flags()

	var actions []string
	for _, name := range []string{attachFlag, detachFlag, imageURLFlag} {
		if flags.Changed(name) {
			actions = append(actions, name)
		}
	}
	if len(actions) != 1 {
		return &usageError{err: errors.New("exactly one of --attach, --detach or --image-url is required")}
	}

	settings, err := a.loadSettings(cmd)
	if err != nil {
		return &usageError{err: err}
	}

	a.setupLogging(settings)

	formatter, err := output.NewFormatter(output.Options{
		Format:          settings.Output,
		ShowRegistryID:  mustBool(cmd, regEntryIDFlag),
		ShowDirectories: mustBool(cmd, allDirsFlag),
	})
	if err != nil {
		return &usageError{err: err}
	}

	ctx := cmd.Context()
	svc, closeService, err := a.newService(ctx, a.fs, settings)
	if err != nil {
		return err
	}
	defer closeService()

	target, _ := flags.GetString(actions[0])

	var out string
	switch actions[0] {
	case attachFlag:
		out, err = a.attach(ctx, svc, formatter, target)
	case detachFlag:
		out, err = a.detach(ctx, svc, formatter, target)
	case imageURLFlag:
		out, err = a.imageURL(ctx, svc, formatter, target)
	}
	if err != nil {
		return err
	}

	_, err = fmt.Fprint(a.stdout, out)
	return err
}

func (a *app) attach(ctx context.Context, svc diskimage.Service, f output.Formatter, path string) (string, error) {
	cfg := config.AttachConfigFromArgs(a.args)

	handle, err := diskimage.AttachImage(ctx, svc, path, cfg)
	if err != nil {
		return "", fmt.Errorf("failed to attach %s: %w", path, err)
	}

	return f.FormatHandle(handle)
}

func (a *app) detach(ctx context.Context, svc diskimage.Service, f output.Formatter, name string) (string, error) {
	devicePath := a.resolveDevice(name)

	if err := svc.Detach(ctx, devicePath); err != nil {
		return "", fmt.Errorf("failed to detach %s: %w", devicePath, err)
	}

	return f.FormatDetached(devicePath)
}

func (a *app) imageURL(ctx context.Context, svc diskimage.Service, f output.Formatter, name string) (string, error) {
	devicePath := naming.DevicePath(name)

	u, err := diskimage.QueryOriginatingImage(ctx, svc, devicePath)
	if err != nil {
		return "", fmt.Errorf("failed to get image URL of %s: %w", devicePath, err)
	}

	return f.FormatImageURL(devicePath, u)
}

// resolveDevice turns a disk name into a device path, following one
// symlink level. Relative link targets are taken from the link's directory.
func (a *app) resolveDevice(name string) string {
	devicePath := naming.DevicePath(name)

	resolved := diskimage.ResolveSymlink(a.fs, devicePath)
	if resolved != devicePath && !filepath.IsAbs(resolved) {
		resolved = filepath.Join(filepath.Dir(devicePath), resolved)
	}

	if resolved != devicePath {
		logrus.WithFields(logrus.Fields{"device": devicePath, "target": resolved}).Debug("resolved device symlink")
	}
	return resolved
}

func (a *app) loadSettings(cmd *cobra.Command) (*config.Settings, error) {
	v := config.NewViper(a.fs)

	for _, key := range []string{config.KeyBackend, config.KeyDomain, config.KeyOutput, config.KeyMountRoot, config.KeyVerbose} {
		if err := bindChanged(v, cmd, key); err != nil {
			return nil, err
		}
	}

	configPath, _ := cmd.Flags().GetString(configFlag)
	if err := config.ReadConfigFile(v, configPath, config.DefaultConfigDir()); err != nil {
		return nil, err
	}

	return config.Load(v)
}

// bindChanged binds a flag to its key only when it was given, so empty
// flag defaults do not shadow config files and defaults.
func bindChanged(v *viper.Viper, cmd *cobra.Command, key string) error {
	f := cmd.Flags().Lookup(key)
	if f == nil || !f.Changed {
		return nil
	}
	if err := v.BindPFlag(key, f); err != nil {
		return fmt.Errorf("failed to bind flag %s: %w", key, err)
	}
	return nil
}

func (a *app) setupLogging(s *config.Settings) {
	logrus.SetOutput(a.stderr)
	logrus.SetFormatter(&logrus.TextFormatter{DisableTimestamp: true})
	if s.Verbose {
		logrus.SetLevel(logrus.DebugLevel)
	} else {
		logrus.SetLevel(logrus.InfoLevel)
	}
	logrus.WithField("backend", s.Backend).Debug("configuration loaded")
}

func mustBool(cmd *cobra.Command, name string) bool {
	v, _ := cmd.Flags().GetBool(name)
	return v
}
