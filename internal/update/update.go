// Package update defines the lifecycle and data events produced by the
// Bluetooth serial components, and the bus that merges them into a single
// subscription.
package update

import (
	"fmt"
	"strings"
)

// Kind discriminates the variants of Update.
type Kind int

const (
	KindMessage Kind = iota
	KindDeviceDiscovered
	KindDeviceSelected
	KindNoDeviceSelected
	KindBluetoothNotEnabled
	KindPermissionsRejected
	KindDeviceConnected
	KindDeviceDisconnected
	KindDeviceNotFound
)

func (k Kind) String() string {
	switch k {
	case KindMessage:
		return "message"
	case KindDeviceDiscovered:
		return "device_discovered"
	case KindDeviceSelected:
		return "device_selected"
	case KindNoDeviceSelected:
		return "no_device_selected"
	case KindBluetoothNotEnabled:
		return "bluetooth_not_enabled"
	case KindPermissionsRejected:
		return "permissions_rejected"
	case KindDeviceConnected:
		return "device_connected"
	case KindDeviceDisconnected:
		return "device_disconnected"
	case KindDeviceNotFound:
		return "device_not_found"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// DeviceDescriptor identifies a remote device as presented to callers.
type DeviceDescriptor struct {
	Name         string
	Address      string   // platform address format, e.g. AA:BB:CC:DD:EE:FF
	ServiceUUIDs []string // advertised service classes, may be empty
}

// Key is the identity used to deduplicate discovered devices.
func (d DeviceDescriptor) Key() string {
	return d.Name + "\x00" + strings.ToUpper(d.Address)
}

func (d DeviceDescriptor) String() string {
	if d.Name == "" {
		return d.Address
	}
	return d.Name + " (" + d.Address + ")"
}

// Update is a single event. Values are built by the constructors below and
// are never modified afterwards; consumers must not mutate returned slices.
type Update struct {
	kind    Kind
	payload []byte
	device  DeviceDescriptor
	missing []string
}

// Message carries bytes read from the peer. p is copied.
func Message(p []byte) Update {
	buf := make([]byte, len(p))
	copy(buf, p)
	return Update{kind: KindMessage, payload: buf}
}

// DeviceDiscovered reports a newly found remote device.
func DeviceDiscovered(d DeviceDescriptor) Update {
	d.ServiceUUIDs = append([]string(nil), d.ServiceUUIDs...)
	return Update{kind: KindDeviceDiscovered, device: d}
}

// PermissionsRejected reports the permission identifiers that were denied.
func PermissionsRejected(missing []string) Update {
	return Update{kind: KindPermissionsRejected, missing: append([]string(nil), missing...)}
}

var (
	DeviceSelected      = Update{kind: KindDeviceSelected}
	NoDeviceSelected    = Update{kind: KindNoDeviceSelected}
	BluetoothNotEnabled = Update{kind: KindBluetoothNotEnabled}
	DeviceConnected     = Update{kind: KindDeviceConnected}
	DeviceDisconnected  = Update{kind: KindDeviceDisconnected}
	DeviceNotFound      = Update{kind: KindDeviceNotFound}
)

func (u Update) Kind() Kind { return u.kind }

// Payload is set for KindMessage.
func (u Update) Payload() []byte { return u.payload }

// Device is set for KindDeviceDiscovered.
func (u Update) Device() DeviceDescriptor { return u.device }

// Missing is set for KindPermissionsRejected.
func (u Update) Missing() []string { return u.missing }

func (u Update) String() string {
	switch u.kind {
	case KindMessage:
		return fmt.Sprintf("message(%d bytes)", len(u.payload))
	case KindDeviceDiscovered:
		return "device_discovered(" + u.device.String() + ")"
	case KindPermissionsRejected:
		return "permissions_rejected(" + strings.Join(u.missing, ",") + ")"
	default:
		return u.kind.String()
	}
}
