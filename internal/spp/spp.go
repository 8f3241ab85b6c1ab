// Package spp assembles the serial link components into a ready-to-use
// client and server. Each owns one update bus, one worker pool, one
// preflight controller and one connection; callers read every lifecycle and
// data event from Updates.
package spp

import (
	"errors"
	"time"

	"go.uber.org/zap"

	"btserial/internal/discovery"
	"btserial/internal/preflight"
	"btserial/internal/serial"
	"btserial/internal/transport"
	"btserial/internal/update"
	"btserial/internal/worker"
)

// Backend is what a platform supplies.
type Backend struct {
	Transport   transport.Transport
	Watcher     serial.DisconnectWatcher
	Platform    preflight.Platform
	Permissions preflight.PermissionSet
	Discovery   discovery.Capabilities
}

// Options configures a Client or Server. Zero values select the package
// defaults of the component concerned.
type Options struct {
	Backend

	BusCapacity       int
	WorkerLimit       int
	AutoDenyThreshold time.Duration
	SearchTimeout     time.Duration
	// ServerChannel is the RFCOMM channel a Server asks for.
	ServerChannel uint8
	Logger        *zap.Logger
}

func (o Options) validate() error {
	if o.Transport == nil {
		return errors.New("spp: backend has no transport")
	}
	if o.Platform == nil {
		return errors.New("spp: backend has no preflight platform")
	}
	return nil
}

// core is the part shared by both roles.
type core struct {
	bus  *update.Bus
	pool *worker.Pool
	pre  *preflight.Controller
	conn *serial.Conn
	log  *zap.Logger
}

func newCore(role serial.Role, opts Options) *core {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	bus := update.NewBus(opts.BusCapacity, log.Named("bus"))
	pool := worker.New(opts.WorkerLimit, log.Named("worker"))
	return &core{
		bus:  bus,
		pool: pool,
		log:  log,
		pre: preflight.New(opts.Platform, preflight.Options{
			Permissions: opts.Permissions,
			Threshold:   opts.AutoDenyThreshold,
			Bus:         bus,
			Logger:      log.Named("preflight"),
		}),
		conn: serial.New(role, serial.Options{
			Transport: opts.Transport,
			Watcher:   opts.Watcher,
			Pool:      pool,
			Bus:       bus,
			Logger:    log.Named("serial"),
			Channel:   opts.ServerChannel,
		}),
	}
}

// Updates is the single merged event subscription. It is closed by Close.
func (c *core) Updates() <-chan update.Update { return c.bus.Updates() }

// Send writes p to the connected peer.
func (c *core) Send(p []byte) error { return c.conn.Write(p) }

// Disconnect drops the current link; a new attempt may follow.
func (c *core) Disconnect() { c.conn.Disconnect() }

func (c *core) State() serial.State { return c.conn.State() }

// Dropped counts updates discarded because the subscriber fell behind.
func (c *core) Dropped() uint64 { return c.bus.Dropped() }

func (c *core) Peer() string { return c.conn.Peer() }

// Close tears the link down, stops every worker and ends the subscription.
func (c *core) Close() error {
	c.conn.Close()
	c.pool.Close()
	c.bus.Close()
	return nil
}
