package diskimage

import (
	"fmt"
	"net/url"
	"path/filepath"

	"github.com/spf13/afero"
)

// FileURL returns the absolute file URL for path.
func FileURL(path string) (*url.URL, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve %s: %w", path, err)
	}
	return &url.URL{Scheme: "file", Path: abs}, nil
}

// LocalPath returns the filesystem path of a file URL.
func LocalPath(u *url.URL) (string, error) {
	if u == nil {
		return "", fmt.Errorf("missing URL")
	}
	if u.Scheme != "file" {
		return "", fmt.Errorf("unsupported URL scheme %q (want file)", u.Scheme)
	}
	if u.Host != "" && u.Host != "localhost" {
		return "", fmt.Errorf("file URL %s refers to remote host %s", u, u.Host)
	}
	return u.Path, nil
}

// ImageFile checks that u names an existing regular file on fs and
// returns its path. Services call it from NewAttachParams.
func ImageFile(fs afero.Fs, u *url.URL) (string, error) {
	p, err := LocalPath(u)
	if err != nil {
		return "", err
	}

	info, err := fs.Stat(p)
	if err != nil {
		return "", fmt.Errorf("failed to stat image: %w", err)
	}
	if !info.Mode().IsRegular() {
		return "", fmt.Errorf("image %s is not a regular file", p)
	}

	return p, nil
}
