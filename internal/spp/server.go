package spp

import (
	"context"
	"errors"

	"btserial/internal/serial"
)

// Server publishes an SPP record and serves one peer at a time.
type Server struct {
	*core
}

func NewServer(serviceName string, opts Options) (*Server, error) {
	if serviceName == "" {
		return nil, errors.New("spp: service name required")
	}
	if err := opts.validate(); err != nil {
		return nil, err
	}
	return &Server{core: newCore(serial.Server(serviceName), opts)}, nil
}

// Start runs preflight and then waits for a peer on a worker. Call it again
// after DeviceDisconnected to accept the next peer.
func (s *Server) Start(ctx context.Context) error {
	return s.pre.EnsureReady(ctx, s.conn.ListenAndAccept)
}
