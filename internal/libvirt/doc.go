// Package libvirt manages connections to the local libvirt daemon.
//
// Consumers such as the guest disk service declare their own interface
// with just the calls they need; the *libvirt.Libvirt returned by
// Client.Libvirt satisfies it.
//
//	client, err := libvirt.Connect(ctx, libvirt.Options{})
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	svc := guest.New(fs, client.Libvirt(), "web-1")
package libvirt
