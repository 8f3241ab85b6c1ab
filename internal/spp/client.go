package spp

import (
	"context"

	"btserial/internal/discovery"
	"btserial/internal/serial"
	"btserial/internal/transport"
	"btserial/internal/update"
)

// Client finds a peer and connects to it.
type Client struct {
	*core
	engine *discovery.Engine
}

func NewClient(opts Options) (*Client, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	c := newCore(serial.Client(), opts)
	engine, err := discovery.NewEngine(opts.Discovery, discovery.Deps{
		Bus:           c.bus,
		Connector:     c.conn,
		Pool:          c.pool,
		Logger:        c.log.Named("discovery"),
		SearchTimeout: opts.SearchTimeout,
	})
	if err != nil {
		c.Close()
		return nil, err
	}
	return &Client{core: c, engine: engine}, nil
}

// Start runs preflight and then discovery. ctx bounds the discovery and any
// connection that follows from it.
func (c *Client) Start(ctx context.Context) error {
	return c.pre.EnsureReady(ctx, func(ctx context.Context) error {
		if err := c.conn.BeginDiscovery(); err != nil {
			return err
		}
		if err := c.engine.Start(ctx); err != nil {
			c.conn.Disconnect()
			return err
		}
		return nil
	})
}

// Select connects to a device reported by DeviceDiscovered.
func (c *Client) Select(ctx context.Context, d update.DeviceDescriptor) error {
	return c.engine.Select(ctx, d)
}

// Connect runs preflight and then dials ep directly, skipping discovery.
func (c *Client) Connect(ctx context.Context, ep transport.Endpoint) error {
	return c.pre.EnsureReady(ctx, func(ctx context.Context) error {
		return c.conn.Connect(ctx, ep)
	})
}

// Devices lists the devices discovered so far.
func (c *Client) Devices() []update.DeviceDescriptor { return c.engine.Devices() }

// Strategy names the discovery strategy in use.
func (c *Client) Strategy() string { return c.engine.Name() }
