// Package tty reaches SPP peers through serial devices the OS already bound
// to them: /dev/rfcommN after `rfcomm bind` on Linux, or the outgoing COM port
// Windows creates for a paired SPP device.
package tty

import (
	"context"
	"fmt"
	"io"
	"strings"

	"go.uber.org/zap"

	"btserial/internal/transport"
)

// DefaultBaud is used when no rate is configured. RFCOMM ignores it, but the
// serial layer requires one.
const DefaultBaud = 115200

// Transport opens the serial device mapped to an endpoint's address and
// hands every other request to a fallback transport.
type Transport struct {
	ports    map[string]string // upper-case address -> device name
	baud     int
	fallback transport.Transport
	log      *zap.Logger
}

// New builds a Transport. fallback may be nil, in which case unmapped
// addresses and Listen fail with transport.ErrUnsupported.
func New(ports map[string]string, baud int, fallback transport.Transport, log *zap.Logger) *Transport {
	m := make(map[string]string, len(ports))
	for addr, dev := range ports {
		m[strings.ToUpper(addr)] = dev
	}
	if baud <= 0 {
		baud = DefaultBaud
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Transport{ports: m, baud: baud, fallback: fallback, log: log}
}

// Port returns the serial device mapped to addr.
func (t *Transport) Port(addr string) (string, bool) {
	dev, ok := t.ports[strings.ToUpper(addr)]
	return dev, ok
}

func (t *Transport) Connect(ctx context.Context, ep transport.Endpoint) (transport.Stream, error) {
	dev, ok := t.Port(ep.Address)
	if !ok {
		if t.fallback == nil {
			return nil, fmt.Errorf("tty: no serial device for %s: %w", ep.Address, transport.ErrUnsupported)
		}
		return t.fallback.Connect(ctx, ep)
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("tty: connect canceled: %w", err)
	}
	p, err := openPort(dev, t.baud)
	if err != nil {
		return nil, fmt.Errorf("tty: open %s: %w", dev, err)
	}
	t.log.Info("tty: opened serial device", zap.String("addr", ep.Address), zap.String("device", dev))
	return &stream{port: p, peer: strings.ToUpper(ep.Address)}, nil
}

func (t *Transport) Listen(ctx context.Context, svc transport.Service) (transport.Listener, error) {
	if t.fallback == nil {
		return nil, transport.ErrUnsupported
	}
	return t.fallback.Listen(ctx, svc)
}

type stream struct {
	port io.ReadWriteCloser
	peer string
}

func (s *stream) Read(p []byte) (int, error)  { return s.port.Read(p) }
func (s *stream) Write(p []byte) (int, error) { return s.port.Write(p) }
func (s *stream) Close() error                { return s.port.Close() }
func (s *stream) Peer() string                { return s.peer }
