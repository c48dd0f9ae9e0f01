package diskimage

import (
	"context"
	"errors"
	"net/url"
	"sync"
)

// mockService is a mock implementation of Service for testing.
type mockService struct {
	mu sync.Mutex

	// Configurable behavior
	newAttachParamsFunc func(image *url.URL) (*AttachParams, error)
	attachFunc          func(params *AttachParams) (*DeviceHandle, error)
	imageURLFunc        func(device *url.URL) (*url.URL, error)
	detachFunc          func(devicePath string) error

	// Call tracking
	newAttachParamsCalls []*url.URL
	attachCalls          []*AttachParams
	imageURLCalls        []*url.URL
	detachCalls          []string
}

// newMockService creates a mock whose attach returns disk4 for any image.
func newMockService() *mockService {
	return &mockService{
		newAttachParamsFunc: func(image *url.URL) (*AttachParams, error) {
			return &AttachParams{URL: image, Path: image.Path}, nil
		},
		attachFunc: func(params *AttachParams) (*DeviceHandle, error) {
			return &DeviceHandle{Name: "disk4", Path: "/dev/disk4", Image: params.URL.String()}, nil
		},
		imageURLFunc: func(device *url.URL) (*url.URL, error) {
			return nil, errors.New("not attached")
		},
		detachFunc: func(devicePath string) error { return nil },
	}
}

func (m *mockService) NewAttachParams(ctx context.Context, image *url.URL) (*AttachParams, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.newAttachParamsCalls = append(m.newAttachParamsCalls, image)
	return m.newAttachParamsFunc(image)
}

func (m *mockService) Attach(ctx context.Context, params *AttachParams) (*DeviceHandle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attachCalls = append(m.attachCalls, params)
	return m.attachFunc(params)
}

func (m *mockService) ImageURL(ctx context.Context, device *url.URL) (*url.URL, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.imageURLCalls = append(m.imageURLCalls, device)
	return m.imageURLFunc(device)
}

func (m *mockService) Detach(ctx context.Context, devicePath string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.detachCalls = append(m.detachCalls, devicePath)
	return m.detachFunc(devicePath)
}
