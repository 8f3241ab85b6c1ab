//go:build linux

package main

import (
	"time"

	"go.uber.org/zap"

	"btserial/internal/bluez"
	"btserial/internal/discovery"
	"btserial/internal/spp"
	"btserial/internal/transport"
	"btserial/internal/transport/rfcomm"
	"btserial/internal/transport/tty"
)

// newBackend wires BlueZ for discovery, preflight and listening. Outgoing
// links use native RFCOMM sockets when the kernel offers them and the
// channel is known, and BlueZ SPP profile connections otherwise. Peers
// mapped to a bound serial device are opened through it instead.
func newBackend(a *app) (spp.Backend, func(), error) {
	bz := bluez.New(bluez.Options{
		Adapter:         a.cfg.Adapter,
		InquiryDuration: time.Duration(a.cfg.InquiryDuration),
		Logger:          a.log.Named("bluez"),
	})
	profiles := bz.Profiles()

	native := rfcomm.Available()
	var dialer transport.Transport = profiles
	if native {
		dialer = rfcomm.New(a.cfg.Channels(), profiles, a.log.Named("rfcomm"))
	}
	if len(a.cfg.TTYPorts) > 0 {
		dialer = tty.New(a.cfg.TTYPorts, a.cfg.TTYBaud, dialer, a.log.Named("tty"))
	}
	a.log.Debug("sppctl: backend", zap.Bool("native_rfcomm", native), zap.Int("tty_ports", len(a.cfg.TTYPorts)))

	backend := spp.Backend{
		Transport:   transport.Compose(dialer, profiles),
		Watcher:     bz,
		Platform:    bz.Platform(a.console),
		Permissions: bluez.Permissions,
		Discovery: discovery.Capabilities{
			NativeSockets: native,
			Scanner:       bz,
			Inquirer:      bz,
		},
	}
	return backend, func() { _ = bz.Close() }, nil
}
