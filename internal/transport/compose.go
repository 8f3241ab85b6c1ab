package transport

import "context"

type composed struct {
	dialer   Transport
	listener Transport
}

// Compose returns a Transport that connects with dialer and listens with
// listener. Backends use it when client sockets and service publication are
// handled by different native APIs.
func Compose(dialer, listener Transport) Transport {
	return composed{dialer: dialer, listener: listener}
}

func (c composed) Connect(ctx context.Context, ep Endpoint) (Stream, error) {
	return c.dialer.Connect(ctx, ep)
}

func (c composed) Listen(ctx context.Context, svc Service) (Listener, error) {
	return c.listener.Listen(ctx, svc)
}
