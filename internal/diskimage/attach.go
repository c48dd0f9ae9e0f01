package diskimage

import (
	"context"
	"fmt"
	"net/url"

	"github.com/sirupsen/logrus"
)

// AttachImage attaches the image at path through svc.
//
// Errors from building the attach parameters are returned before any
// attach is attempted. Errors from the service are returned unchanged and
// the handle is passed through as produced.
func AttachImage(ctx context.Context, svc Service, path string, cfg AttachConfig) (*DeviceHandle, error) {
	u, err := FileURL(path)
	if err != nil {
		return nil, err
	}

	params, err := svc.NewAttachParams(ctx, u)
	if err != nil {
		return nil, err
	}

	params.FileMode = cfg.FileMode
	params.AutoMount = cfg.AutoMount

	logrus.WithFields(logrus.Fields{
		"image":     u.String(),
		"fileMode":  cfg.FileMode,
		"autoMount": cfg.AutoMount,
	}).Debug("attaching image")

	return svc.Attach(ctx, params)
}

// QueryOriginatingImage returns the URL of the image devicePath was
// attached from. Service errors are returned unchanged.
func QueryOriginatingImage(ctx context.Context, svc Service, devicePath string) (*url.URL, error) {
	u, err := FileURL(devicePath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve device %s: %w", devicePath, err)
	}

	return svc.ImageURL(ctx, u)
}
