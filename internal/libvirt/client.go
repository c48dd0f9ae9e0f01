package libvirt

import (
	"context"
	"fmt"
	"time"

	"github.com/digitalocean/go-libvirt"
	"github.com/digitalocean/go-libvirt/socket/dialers"
	"github.com/sirupsen/logrus"
)

const (
	// DefaultSocket is the qemu:///system daemon socket.
	DefaultSocket = "/var/run/libvirt/libvirt-sock"
	// DefaultTimeout bounds the socket dial.
	DefaultTimeout = 5 * time.Second
)

// Options configures a connection.
type Options struct {
	// Socket is the daemon's UNIX socket. Empty means DefaultSocket.
	Socket string
	// Timeout bounds the dial. Zero means DefaultTimeout.
	Timeout time.Duration
}

// Client wraps a go-libvirt connection.
type Client struct {
	libvirt *libvirt.Libvirt
	socket  string
}

// Connect dials the local libvirt daemon. The returned Client must be
// closed with Close. Cancelling ctx abandons a dial still in progress.
func Connect(ctx context.Context, opts Options) (*Client, error) {
	if opts.Socket == "" {
		opts.Socket = DefaultSocket
	}
	if opts.Timeout == 0 {
		opts.Timeout = DefaultTimeout
	}

	resultCh := make(chan dialResult, 1)

	go func() {
		dialer := dialers.NewLocal(
			dialers.WithSocket(opts.Socket),
			dialers.WithLocalTimeout(opts.Timeout),
		)

		l := libvirt.NewWithDialer(dialer)
		if err := l.Connect(); err != nil {
			resultCh <- dialResult{err: fmt.Errorf("failed to connect to libvirt at %s: %w", opts.Socket, err)}
			return
		}
		resultCh <- dialResult{client: &Client{libvirt: l, socket: opts.Socket}}
	}()

	select {
	case <-ctx.Done():
		go closeLateDial(resultCh)
		return nil, fmt.Errorf("connection cancelled: %w", ctx.Err())
	case res := <-resultCh:
		return res.client, res.err
	}
}

type dialResult struct {
	client *Client
	err    error
}

// closeLateDial waits for a dial abandoned by Connect and disconnects
// the client if the dial succeeded.
func closeLateDial(ch <-chan dialResult) {
	res := <-ch
	if res.client == nil {
		return
	}
	if err := res.client.Close(); err != nil {
		logrus.WithError(err).Debug("failed to close abandoned libvirt connection")
	}
}

// Close disconnects. It is safe to call on a nil or closed Client.
func (c *Client) Close() error {
	if c == nil || c.libvirt == nil {
		return nil
	}

	if err := c.libvirt.Disconnect(); err != nil {
		return fmt.Errorf("failed to disconnect from libvirt: %w", err)
	}
	c.libvirt = nil

	return nil
}

// Libvirt returns the underlying go-libvirt client. It satisfies the
// consumer-side interfaces of the packages that talk to libvirt.
func (c *Client) Libvirt() *libvirt.Libvirt {
	return c.libvirt
}

// Ping checks that the connection is alive.
func (c *Client) Ping() error {
	if c == nil || c.libvirt == nil {
		return fmt.Errorf("client not connected")
	}

	if _, err := c.libvirt.ConnectGetLibVersion(); err != nil {
		return fmt.Errorf("libvirt connection at %s is dead: %w", c.socket, err)
	}

	return nil
}
