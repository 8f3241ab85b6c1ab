// Package transport defines the platform boundary for RFCOMM serial links.
// The connection state machine is written once against these interfaces;
// each platform backend supplies an implementation chosen at startup.
package transport

import (
	"context"
	"errors"
	"io"

	"github.com/google/uuid"
)

// SPPUUIDString is the Serial Port Profile service class UUID. Both roles use
// it verbatim.
const SPPUUIDString = "00001101-0000-1000-8000-00805F9B34FB"

// SPP is SPPUUIDString parsed.
var SPP = uuid.MustParse(SPPUUIDString)

// ErrUnsupported is returned by transports that cannot perform an operation
// (for example a serial-device transport asked to listen).
var ErrUnsupported = errors.New("transport: operation not supported")

// Endpoint is everything a transport may need to reach a remote service.
// Only Address is always set; the rest depends on how the peer was found.
type Endpoint struct {
	Address  string // AA:BB:CC:DD:EE:FF
	Name     string
	Handle   string // native handle, e.g. a BlueZ device object path
	Channel  uint8  // RFCOMM channel, 0 when unknown
	URL      string // connection URL from a service record, if any
	Security int    // 0..2, see ConnectionURL
}

// Service describes a listening service record.
type Service struct {
	Name    string
	UUID    uuid.UUID
	Channel uint8 // 0 lets the stack choose
}

// Stream is an established RFCOMM link. Read and Write may be called from
// different goroutines; Close unblocks a pending Read.
type Stream interface {
	io.ReadWriteCloser
	// Peer returns the remote address, or "" when unknown.
	Peer() string
}

// Listener accepts incoming RFCOMM links for one service record.
type Listener interface {
	Accept(ctx context.Context) (Stream, error)
	Close() error
}

// Transport opens RFCOMM links on one platform.
type Transport interface {
	// Connect performs the blocking client handshake with ep.
	Connect(ctx context.Context, ep Endpoint) (Stream, error)
	// Listen publishes svc and returns a listener for it.
	Listen(ctx context.Context, svc Service) (Listener, error)
}
