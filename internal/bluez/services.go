//go:build linux

package bluez

import (
	"context"
	"errors"

	dbus "github.com/godbus/dbus/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"btserial/internal/discovery"
)

// SearchServices reports whether the device at handle offers class. BlueZ
// browses SDP itself and publishes the result in Device1.UUIDs; when the
// device has not been resolved yet a baseband connection is requested to
// trigger the browse. deliver runs once, on a goroutine owned by the Client,
// with one record (channel resolved at connect time) or none.
func (c *Client) SearchServices(ctx context.Context, handle string, class uuid.UUID, deliver func([]discovery.ServiceRecord)) error {
	if handle == "" {
		return errors.New("bluez: service search needs a device handle")
	}
	conn, err := c.bus()
	if err != nil {
		return err
	}
	path := dbus.ObjectPath(handle)

	match := []dbus.MatchOption{
		dbus.WithMatchObjectPath(path),
		dbus.WithMatchInterface(propsIface),
		dbus.WithMatchMember("PropertiesChanged"),
	}
	if err := conn.AddMatchSignal(match...); err != nil {
		return err
	}
	sigCh := make(chan *dbus.Signal, 8)
	conn.Signal(sigCh)

	go func() {
		defer func() {
			conn.RemoveSignal(sigCh)
			_ = conn.RemoveMatchSignal(match...)
		}()
		found := c.awaitServices(ctx, conn, path, class.String(), sigCh)
		var recs []discovery.ServiceRecord
		if found {
			recs = []discovery.ServiceRecord{{}}
		}
		deliver(recs)
	}()
	return nil
}

func (c *Client) awaitServices(ctx context.Context, conn *dbus.Conn, path dbus.ObjectPath, class string, sigCh <-chan *dbus.Signal) bool {
	log := c.log.With(zap.String("device", string(path)))
	check := func() (found, resolved bool) {
		if v, err := getProp(conn, path, deviceIface, "UUIDs"); err == nil {
			uuids, _ := v.Value().([]string)
			found = containsUUID(uuids, class)
		}
		resolved, _ = getBool(conn, path, deviceIface, "ServicesResolved")
		return found, resolved
	}

	found, resolved := check()
	if found || resolved {
		return found
	}
	// Connect returns once bluetoothd has browsed SDP; failure here is
	// common for devices with no auto-connect profile and not fatal.
	go func() {
		if err := conn.Object(bluezService, path).CallWithContext(ctx, deviceIface+".Connect", 0).Err; err != nil {
			log.Debug("bluez: connect for service browse", zap.Error(err))
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return false
		case sig := <-sigCh:
			if sig == nil || sig.Path != path {
				continue
			}
			if _, ok := changedBool(sig, deviceIface, "ServicesResolved"); !ok {
				if len(sig.Body) < 2 {
					continue
				}
				changed, _ := sig.Body[1].(map[string]dbus.Variant)
				if _, ok := changed["UUIDs"]; !ok {
					continue
				}
			}
			if found, resolved = check(); found || resolved {
				return found
			}
		}
	}
}

// Security reports the device's Paired and Bonded properties as the
// authenticated and encrypted flags. Unknown values read as false.
func (c *Client) Security(handle string) (authenticated, encrypted bool) {
	conn, err := c.bus()
	if err != nil {
		return false, false
	}
	path := dbus.ObjectPath(handle)
	authenticated, _ = getBool(conn, path, deviceIface, "Paired")
	encrypted, _ = getBool(conn, path, deviceIface, "Bonded")
	return authenticated, encrypted
}
