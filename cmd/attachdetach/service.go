package main

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/jbweber/attachdetach/internal/config"
	"github.com/jbweber/attachdetach/internal/diskimage"
	"github.com/jbweber/attachdetach/internal/diskimage/guest"
	"github.com/jbweber/attachdetach/internal/diskimage/hdiutil"
	"github.com/jbweber/attachdetach/internal/diskimage/loop"
	"github.com/jbweber/attachdetach/internal/libvirt"
)

// newService opens the backend named in s.
func newService(ctx context.Context, fs afero.Fs, s *config.Settings) (diskimage.Service, func(), error) {
	noop := func() {}

	switch s.Backend {
	case hdiutil.Name:
		return hdiutil.New(fs), noop, nil
	case loop.Name:
		return loop.New(fs, s.MountRoot), noop, nil
	case guest.Name:
		logrus.WithField("socket", s.LibvirtSocket).Debug("connecting to libvirt")

		client, err := libvirt.Connect(ctx, libvirt.Options{
			Socket:  s.LibvirtSocket,
			Timeout: s.LibvirtTimeout,
		})
		if err != nil {
			return nil, nil, err
		}

		if err := client.Ping(); err != nil {
			_ = client.Close()
			return nil, nil, err
		}

		closeClient := func() {
			if err := client.Close(); err != nil {
				logrus.WithError(err).Warn("failed to close libvirt connection")
			}
		}
		return guest.New(fs, client.Libvirt(), s.Domain), closeClient, nil
	default:
		return nil, nil, fmt.Errorf("unknown backend: %s", s.Backend)
	}
}
