package device

import (
	"sync"

	"golang.org/x/sys/unix"
)

// mockSyscalls is a mock implementation of the syscalls interface for testing.
type mockSyscalls struct {
	mu sync.Mutex

	// Configurable behavior
	openFunc  func(path string, mode int, perm uint32) (int, error)
	ioctlFunc func(fd int, req uint, value int) error
	closeFunc func(fd int) error

	// Call tracking
	openCalls  []string
	ioctlCalls []uint
	closeCalls []int
}

// newMockSyscalls creates a mock where every call succeeds and open returns fd 7.
func newMockSyscalls() *mockSyscalls {
	return &mockSyscalls{
		openFunc: func(path string, mode int, perm uint32) (int, error) {
			if mode != unix.O_RDONLY {
				return -1, unix.EINVAL
			}
			return 7, nil
		},
		ioctlFunc: func(fd int, req uint, value int) error { return nil },
		closeFunc: func(fd int) error { return nil },
	}
}

func (m *mockSyscalls) Open(path string, mode int, perm uint32) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.openCalls = append(m.openCalls, path)
	return m.openFunc(path, mode, perm)
}

func (m *mockSyscalls) IoctlSetInt(fd int, req uint, value int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ioctlCalls = append(m.ioctlCalls, req)
	return m.ioctlFunc(fd, req, value)
}

func (m *mockSyscalls) Close(fd int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closeCalls = append(m.closeCalls, fd)
	return m.closeFunc(fd)
}
