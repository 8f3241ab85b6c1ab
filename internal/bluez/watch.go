//go:build linux

package bluez

import (
	"strings"

	dbus "github.com/godbus/dbus/v5"
)

// Watch calls fn each time a device's Connected property turns false. addr
// restricts the watch to one device; "" matches every device. The returned
// cancel is idempotent.
func (c *Client) Watch(addr string, fn func()) (func(), error) {
	conn, err := c.bus()
	if err != nil {
		return nil, err
	}
	match := []dbus.MatchOption{
		dbus.WithMatchInterface(propsIface),
		dbus.WithMatchMember("PropertiesChanged"),
		dbus.WithMatchArg(0, deviceIface),
	}
	if addr != "" {
		if _, ap, err := c.adapterPath(); err == nil {
			match = append(match, dbus.WithMatchObjectPath(devicePath(ap, addr)))
		}
	}
	if err := conn.AddMatchSignal(match...); err != nil {
		return nil, err
	}

	ch := make(chan *dbus.Signal, 16)
	conn.Signal(ch)
	stop := make(chan struct{})
	go func() {
		for {
			select {
			case <-stop:
				return
			case sig, ok := <-ch:
				if !ok {
					return
				}
				if peerDropped(sig, addr) {
					fn()
				}
			}
		}
	}()

	return c.track(func() {
		close(stop)
		conn.RemoveSignal(ch)
		_ = conn.RemoveMatchSignal(match...)
	}), nil
}

func peerDropped(sig *dbus.Signal, addr string) bool {
	if sig == nil || sig.Name != propsIface+".PropertiesChanged" {
		return false
	}
	if addr != "" && !strings.EqualFold(macFromPath(sig.Path), addr) {
		return false
	}
	connected, ok := changedBool(sig, deviceIface, "Connected")
	return ok && !connected
}
