package guest

import (
	"fmt"
	"sync"

	"github.com/digitalocean/go-libvirt"
)

// mockLibvirtClient is a mock implementation of the LibvirtClient interface for testing.
type mockLibvirtClient struct {
	mu sync.Mutex

	// Configurable behavior
	domainLookupByNameFunc      func(name string) (libvirt.Domain, error)
	domainGetXMLDescFunc        func(dom libvirt.Domain, flags libvirt.DomainXMLFlags) (string, error)
	domainAttachDeviceFlagsFunc func(dom libvirt.Domain, xml string, flags uint32) error
	domainDetachDeviceFlagsFunc func(dom libvirt.Domain, xml string, flags uint32) error

	// Call tracking
	domainLookupByNameCalls      []string
	domainAttachDeviceFlagsCalls []string
	domainDetachDeviceFlagsCalls []string
	attachFlags                  []uint32
}

// newMockLibvirtClient creates a mock whose domain has the given XML.
func newMockLibvirtClient(domainXML string) *mockLibvirtClient {
	m := &mockLibvirtClient{}

	// Default: only "test-vm" exists
	m.domainLookupByNameFunc = func(name string) (libvirt.Domain, error) {
		if name == "test-vm" {
			return libvirt.Domain{Name: name}, nil
		}
		return libvirt.Domain{}, fmt.Errorf("domain not found: %s", name)
	}

	m.domainGetXMLDescFunc = func(dom libvirt.Domain, flags libvirt.DomainXMLFlags) (string, error) {
		return domainXML, nil
	}

	// Default: hot-plug succeeds
	m.domainAttachDeviceFlagsFunc = func(dom libvirt.Domain, xml string, flags uint32) error {
		return nil
	}
	m.domainDetachDeviceFlagsFunc = func(dom libvirt.Domain, xml string, flags uint32) error {
		return nil
	}

	return m
}

func (m *mockLibvirtClient) DomainLookupByName(name string) (libvirt.Domain, error) {
	m.mu.Lock()
	m.domainLookupByNameCalls = append(m.domainLookupByNameCalls, name)
	m.mu.Unlock()
	return m.domainLookupByNameFunc(name)
}

func (m *mockLibvirtClient) DomainGetXMLDesc(dom libvirt.Domain, flags libvirt.DomainXMLFlags) (string, error) {
	return m.domainGetXMLDescFunc(dom, flags)
}

func (m *mockLibvirtClient) DomainAttachDeviceFlags(dom libvirt.Domain, xml string, flags uint32) error {
	m.mu.Lock()
	m.domainAttachDeviceFlagsCalls = append(m.domainAttachDeviceFlagsCalls, xml)
	m.attachFlags = append(m.attachFlags, flags)
	m.mu.Unlock()
	return m.domainAttachDeviceFlagsFunc(dom, xml, flags)
}

func (m *mockLibvirtClient) DomainDetachDeviceFlags(dom libvirt.Domain, xml string, flags uint32) error {
	m.mu.Lock()
	m.domainDetachDeviceFlagsCalls = append(m.domainDetachDeviceFlagsCalls, xml)
	m.mu.Unlock()
	return m.domainDetachDeviceFlagsFunc(dom, xml, flags)
}
