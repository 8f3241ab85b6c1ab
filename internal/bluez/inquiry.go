//go:build linux

package bluez

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	dbus "github.com/godbus/dbus/v5"
	"go.uber.org/zap"

	"btserial/internal/discovery"
	"btserial/internal/update"
)

// Powered reports the adapter's power state.
func (c *Client) Powered() (bool, error) {
	conn, ap, err := c.adapterPath()
	if err != nil {
		return false, err
	}
	return getBool(conn, ap, adapterIface, "Powered")
}

// SetPowered switches the adapter on or off.
func (c *Client) SetPowered(on bool) error {
	conn, ap, err := c.adapterPath()
	if err != nil {
		return err
	}
	return setProp(conn, ap, adapterIface, "Powered", on)
}

// Scan runs one inquiry, reporting each device under its name or alias.
func (c *Client) Scan(ctx context.Context, found discovery.FoundFunc) error {
	return c.inquire(ctx, found, true)
}

// Inquire runs one inquiry, reporting the remote name only; devices whose
// name request failed carry an empty name.
func (c *Client) Inquire(ctx context.Context, found discovery.FoundFunc) error {
	return c.inquire(ctx, found, false)
}

// inquire returns when the adapter stops discovering, the inquiry duration
// elapses or ctx ends. It fails only when discovery cannot start.
func (c *Client) inquire(ctx context.Context, found discovery.FoundFunc, alias bool) error {
	conn, ap, err := c.adapterPath()
	if err != nil {
		return err
	}

	// Subscribe before starting so no device falls between snapshot and
	// signals.
	sigCh := make(chan *dbus.Signal, 32)
	conn.Signal(sigCh)
	defer conn.RemoveSignal(sigCh)
	matches := [][]dbus.MatchOption{
		{dbus.WithMatchInterface(objManagerIface), dbus.WithMatchMember("InterfacesAdded")},
		{dbus.WithMatchObjectPath(ap), dbus.WithMatchInterface(propsIface), dbus.WithMatchMember("PropertiesChanged")},
	}
	for _, m := range matches {
		if err := conn.AddMatchSignal(m...); err != nil {
			return fmt.Errorf("bluez: AddMatchSignal: %w", err)
		}
		defer func(m []dbus.MatchOption) { _ = conn.RemoveMatchSignal(m...) }(m)
	}

	adapter := conn.Object(bluezService, ap)
	if call := adapter.Call(adapterIface+".StartDiscovery", 0); call.Err != nil && !isDBusError(call.Err, "org.bluez.Error.InProgress") {
		return fmt.Errorf("bluez: StartDiscovery: %w", call.Err)
	}
	defer func() { _ = adapter.Call(adapterIface+".StopDiscovery", 0).Err }()
	c.log.Info("bluez: inquiry started", zap.String("adapter", string(ap)), zap.Duration("duration", c.opts.InquiryDuration))

	prefix := string(ap) + "/"
	report := func(path dbus.ObjectPath, ifaces map[string]map[string]dbus.Variant) {
		if !strings.HasPrefix(string(path), prefix) {
			return
		}
		if d, ok := deviceFromIfaces(path, ifaces, alias); ok {
			found(d, string(path))
		}
	}

	// Prime from current managed objects.
	objs, err := getManagedObjects(conn)
	if err != nil {
		return err
	}
	for _, path := range sortedKeys(objs) {
		report(path, objs[path])
	}

	timer := time.NewTimer(c.opts.InquiryDuration)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-timer.C:
			return nil
		case sig := <-sigCh:
			if sig == nil || len(sig.Body) < 2 {
				continue
			}
			switch sig.Name {
			case objManagerIface + ".InterfacesAdded":
				path, _ := sig.Body[0].(dbus.ObjectPath)
				ifaces, _ := sig.Body[1].(map[string]map[string]dbus.Variant)
				if ifaces != nil {
					report(path, ifaces)
				}
			case propsIface + ".PropertiesChanged":
				if sig.Path != ap {
					continue
				}
				if on, ok := changedBool(sig, adapterIface, "Discovering"); ok && !on {
					c.log.Info("bluez: inquiry finished")
					return nil
				}
			}
		}
	}
}

func deviceFromIfaces(path dbus.ObjectPath, ifaces map[string]map[string]dbus.Variant, alias bool) (update.DeviceDescriptor, bool) {
	props, ok := ifaces[deviceIface]
	if !ok {
		return update.DeviceDescriptor{}, false
	}
	addr := stringProp(props, "Address")
	if addr == "" {
		addr = macFromPath(path)
	}
	name := stringProp(props, "Name")
	if name == "" && alias {
		name = stringProp(props, "Alias")
	}
	var uuids []string
	if v, ok := props["UUIDs"]; ok {
		uuids, _ = v.Value().([]string)
	}
	return update.DeviceDescriptor{Name: name, Address: strings.ToUpper(addr), ServiceUUIDs: uuids}, true
}

// changedBool extracts a boolean from a PropertiesChanged signal for iface.
func changedBool(sig *dbus.Signal, iface, name string) (value, ok bool) {
	if len(sig.Body) < 2 {
		return false, false
	}
	if got, _ := sig.Body[0].(string); got != iface {
		return false, false
	}
	changed, _ := sig.Body[1].(map[string]dbus.Variant)
	v, present := changed[name]
	if !present {
		return false, false
	}
	value, ok = v.Value().(bool)
	return value, ok
}

func isDBusError(err error, name string) bool {
	var de dbus.Error
	if errors.As(err, &de) {
		return de.Name == name
	}
	var dep *dbus.Error
	return errors.As(err, &dep) && dep.Name == name
}

func sortedKeys(objs managedObjects) []dbus.ObjectPath {
	out := make([]dbus.ObjectPath, 0, len(objs))
	for p := range objs {
		out = append(out, p)
	}
	sortObjectPaths(out)
	return out
}
