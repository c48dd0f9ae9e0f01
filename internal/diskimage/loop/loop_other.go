//go:build !linux

package loop

import (
	"context"

	"github.com/jbweber/attachdetach/internal/diskimage"
)

const supported = false

func (s *Service) attach(ctx context.Context, params *diskimage.AttachParams) (*diskimage.DeviceHandle, error) {
	return nil, diskimage.ErrUnsupported
}

func unmount(target string) error {
	return diskimage.ErrUnsupported
}
