package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/afero"
	"golang.org/x/sys/unix"

	"github.com/jbweber/attachdetach/internal/config"
	"github.com/jbweber/attachdetach/internal/device"
	"github.com/jbweber/attachdetach/internal/diskimage"
)

// mockService is a mock implementation of diskimage.Service for testing.
type mockService struct {
	attachFunc   func(params *diskimage.AttachParams) (*diskimage.DeviceHandle, error)
	imageURLFunc func(dev *url.URL) (*url.URL, error)
	detachFunc   func(devicePath string) error

	attachCalls   []*diskimage.AttachParams
	imageURLCalls []string
	detachCalls   []string
}

func newMockService() *mockService {
	return &mockService{
		attachFunc: func(params *diskimage.AttachParams) (*diskimage.DeviceHandle, error) {
			return &diskimage.DeviceHandle{
				Name:        "disk4",
				Path:        "/dev/disk4",
				RegistryID:  "4294971234",
				Directories: []string{"/Volumes/Installer"},
				Image:       params.URL.String(),
			}, nil
		},
		imageURLFunc: func(dev *url.URL) (*url.URL, error) {
			return &url.URL{Scheme: "file", Path: "/images/installer.dmg"}, nil
		},
		detachFunc: func(devicePath string) error {
			return nil
		},
	}
}

func (m *mockService) NewAttachParams(ctx context.Context, image *url.URL) (*diskimage.AttachParams, error) {
	return &diskimage.AttachParams{URL: image, Path: image.Path}, nil
}

func (m *mockService) Attach(ctx context.Context, params *diskimage.AttachParams) (*diskimage.DeviceHandle, error) {
	m.attachCalls = append(m.attachCalls, params)
	return m.attachFunc(params)
}

func (m *mockService) ImageURL(ctx context.Context, dev *url.URL) (*url.URL, error) {
	m.imageURLCalls = append(m.imageURLCalls, dev.Path)
	return m.imageURLFunc(dev)
}

func (m *mockService) Detach(ctx context.Context, devicePath string) error {
	m.detachCalls = append(m.detachCalls, devicePath)
	return m.detachFunc(devicePath)
}

type result struct {
	code     int
	stdout   string
	stderr   string
	settings *config.Settings
}

func runWith(t *testing.T, fs afero.Fs, svc *mockService, args ...string) result {
	t.Helper()

	var stdout, stderr bytes.Buffer
	var settings *config.Settings

	a := &app{
		fs:     fs,
		args:   args,
		stdout: &stdout,
		stderr: &stderr,
		newService: func(ctx context.Context, fs afero.Fs, s *config.Settings) (diskimage.Service, func(), error) {
			settings = s
			return svc, func() {}, nil
		},
	}

	code := a.run(context.Background())
	return result{code: code, stdout: stdout.String(), stderr: stderr.String(), settings: settings}
}

func TestRun_UsageErrors(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{name: "no action", args: nil},
		{name: "two actions", args: []string{"-a", "x.dmg", "-d", "disk4"}},
		{name: "unknown flag", args: []string{"--bogus"}},
		{name: "positional argument", args: []string{"-d", "disk4", "extra"}},
		{name: "invalid output", args: []string{"-d", "disk4", "--output", "xml"}},
		{name: "guest without domain", args: []string{"-d", "vdb", "--backend", "guest"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := newMockService()
			res := runWith(t, afero.NewMemMapFs(), svc, tt.args...)

			if res.code != exitUsage {
				t.Errorf("exit code = %d, want %d\nstderr: %s", res.code, exitUsage, res.stderr)
			}
			if !strings.Contains(res.stderr, "Usage:") {
				t.Errorf("expected usage text on stderr, got: %s", res.stderr)
			}
			if len(svc.attachCalls)+len(svc.detachCalls)+len(svc.imageURLCalls) != 0 {
				t.Error("service should not be called on a usage error")
			}
		})
	}
}

func TestRun_Attach(t *testing.T) {
	svc := newMockService()
	res := runWith(t, afero.NewMemMapFs(), svc, "-a", "/images/installer.dmg", "-f=42", "-s", "-r", "-o")

	if res.code != exitOK {
		t.Fatalf("exit code = %d, stderr: %s", res.code, res.stderr)
	}
	if len(svc.attachCalls) != 1 {
		t.Fatalf("Attach called %d times, want 1", len(svc.attachCalls))
	}

	params := svc.attachCalls[0]
	if params.FileMode != 42 {
		t.Errorf("FileMode = %d, want 42", params.FileMode)
	}
	if !params.AutoMount {
		t.Error("AutoMount = false, want true")
	}
	if params.URL.String() != "file:///images/installer.dmg" {
		t.Errorf("URL = %s", params.URL)
	}

	for _, want := range []string{"disk4", "/dev/disk4", "4294971234", "/Volumes/Installer"} {
		if !strings.Contains(res.stdout, want) {
			t.Errorf("stdout missing %q:\n%s", want, res.stdout)
		}
	}
}

func TestRun_AttachDefaults(t *testing.T) {
	svc := newMockService()
	res := runWith(t, afero.NewMemMapFs(), svc, "--attach", "/images/installer.dmg", "--output", "json")

	if res.code != exitOK {
		t.Fatalf("exit code = %d, stderr: %s", res.code, res.stderr)
	}

	params := svc.attachCalls[0]
	if params.FileMode != 0 || params.AutoMount {
		t.Errorf("params = %+v, want zero file mode and no auto-mount", params)
	}

	var got map[string]any
	if err := json.Unmarshal([]byte(res.stdout), &got); err != nil {
		t.Fatalf("stdout is not JSON: %v\n%s", err, res.stdout)
	}
	if _, ok := got["registryID"]; ok {
		t.Error("registryID should only be printed with -r")
	}
	if _, ok := got["directories"]; ok {
		t.Error("directories should only be printed with -o")
	}
}

func TestRun_AttachServiceError(t *testing.T) {
	svc := newMockService()
	svc.attachFunc = func(params *diskimage.AttachParams) (*diskimage.DeviceHandle, error) {
		return nil, errors.New("resource busy")
	}

	res := runWith(t, afero.NewMemMapFs(), svc, "-a", "/images/installer.dmg")

	if res.code != exitServiceError {
		t.Errorf("exit code = %d, want %d", res.code, exitServiceError)
	}
	if !strings.Contains(res.stderr, "resource busy") {
		t.Errorf("stderr missing service error: %s", res.stderr)
	}
	if res.stdout != "" {
		t.Errorf("stdout should be empty, got %q", res.stdout)
	}
}

func TestRun_Detach(t *testing.T) {
	svc := newMockService()
	res := runWith(t, afero.NewMemMapFs(), svc, "-d", "disk4")

	if res.code != exitOK {
		t.Fatalf("exit code = %d, stderr: %s", res.code, res.stderr)
	}
	if len(svc.detachCalls) != 1 || svc.detachCalls[0] != "/dev/disk4" {
		t.Errorf("detach calls = %v, want [/dev/disk4]", svc.detachCalls)
	}
	if res.stdout != "/dev/disk4 detached\n" {
		t.Errorf("stdout = %q", res.stdout)
	}
}

func TestRun_DetachOSError(t *testing.T) {
	svc := newMockService()
	svc.detachFunc = func(devicePath string) error {
		return &device.OSError{Op: "open", Path: devicePath, Err: unix.ENOENT}
	}

	res := runWith(t, afero.NewMemMapFs(), svc, "--detach", "disk99")

	if res.code != exitOSError {
		t.Errorf("exit code = %d, want %d", res.code, exitOSError)
	}
	if !strings.Contains(res.stderr, unix.ENOENT.Error()) {
		t.Errorf("stderr missing OS message: %s", res.stderr)
	}
}

func TestRun_DetachFollowsSymlink(t *testing.T) {
	dir := t.TempDir()
	link := filepath.Join(dir, "by-label")
	if err := os.Symlink("disk4", link); err != nil {
		t.Fatalf("failed to create symlink: %v", err)
	}

	svc := newMockService()
	res := runWith(t, afero.NewOsFs(), svc, "-d", link)

	if res.code != exitOK {
		t.Fatalf("exit code = %d, stderr: %s", res.code, res.stderr)
	}
	want := filepath.Join(dir, "disk4")
	if len(svc.detachCalls) != 1 || svc.detachCalls[0] != want {
		t.Errorf("detach calls = %v, want [%s]", svc.detachCalls, want)
	}
}

func TestRun_ImageURL(t *testing.T) {
	svc := newMockService()
	res := runWith(t, afero.NewMemMapFs(), svc, "-i", "disk4")

	if res.code != exitOK {
		t.Fatalf("exit code = %d, stderr: %s", res.code, res.stderr)
	}
	if len(svc.imageURLCalls) != 1 || svc.imageURLCalls[0] != "/dev/disk4" {
		t.Errorf("image URL calls = %v, want [/dev/disk4]", svc.imageURLCalls)
	}
	if res.stdout != "file:///images/installer.dmg\n" {
		t.Errorf("stdout = %q", res.stdout)
	}
}

func TestRun_ImageURLNotAttached(t *testing.T) {
	svc := newMockService()
	svc.imageURLFunc = func(dev *url.URL) (*url.URL, error) {
		return nil, fmt.Errorf("%w: %s", diskimage.ErrNotAttached, dev.Path)
	}

	res := runWith(t, afero.NewMemMapFs(), svc, "--image-url", "loop7")

	if res.code != exitServiceError {
		t.Errorf("exit code = %d, want %d", res.code, exitServiceError)
	}
}

func TestRun_SettingsFromFlags(t *testing.T) {
	svc := newMockService()
	res := runWith(t, afero.NewMemMapFs(), svc, "-d", "vdb", "--backend", "guest", "--domain", "test-vm", "-v")

	if res.code != exitOK {
		t.Fatalf("exit code = %d, stderr: %s", res.code, res.stderr)
	}
	if res.settings.Backend != "guest" || res.settings.Domain != "test-vm" {
		t.Errorf("settings = %+v", res.settings)
	}
	if !res.settings.Verbose {
		t.Error("Verbose = false, want true")
	}
}

func TestRun_SettingsFromConfigFile(t *testing.T) {
	fs := afero.NewMemMapFs()
	if err := afero.WriteFile(fs, "/etc/attachdetach.yaml", []byte("output: yaml\nmount-root: /mnt/ad\n"), 0o644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	svc := newMockService()
	res := runWith(t, fs, svc, "-d", "loop0", "--config", "/etc/attachdetach.yaml", "--output", "json")

	if res.code != exitOK {
		t.Fatalf("exit code = %d, stderr: %s", res.code, res.stderr)
	}
	if res.settings.Output != "json" {
		t.Errorf("Output = %q, flag should override config file", res.settings.Output)
	}
	if res.settings.MountRoot != "/mnt/ad" {
		t.Errorf("MountRoot = %q, want /mnt/ad", res.settings.MountRoot)
	}
}

func TestExitCode(t *testing.T) {
	osErr := &device.OSError{Op: "ioctl", Path: "/dev/disk4", Err: unix.ENOTTY}

	tests := []struct {
		name string
		err  error
		want int
	}{
		{name: "nil", err: nil, want: exitOK},
		{name: "usage", err: &usageError{err: errors.New("bad flag")}, want: exitUsage},
		{name: "os error", err: osErr, want: exitOSError},
		{name: "wrapped os error", err: fmt.Errorf("failed to detach: %w", osErr), want: exitOSError},
		{name: "service error", err: diskimage.ErrNotAttached, want: exitServiceError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := exitCode(tt.err); got != tt.want {
				t.Errorf("exitCode(%v) = %d, want %d", tt.err, got, tt.want)
			}
		})
	}
}
