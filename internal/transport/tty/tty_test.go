package tty

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"btserial/internal/transport"
)

type recordingTransport struct {
	connected []transport.Endpoint
	listened  []transport.Service
}

var errFallback = errors.New("fallback reached")

func (r *recordingTransport) Connect(_ context.Context, ep transport.Endpoint) (transport.Stream, error) {
	r.connected = append(r.connected, ep)
	return nil, errFallback
}

func (r *recordingTransport) Listen(_ context.Context, svc transport.Service) (transport.Listener, error) {
	r.listened = append(r.listened, svc)
	return nil, errFallback
}

func TestPortLookupIgnoresCase(t *testing.T) {
	tr := New(map[string]string{"aa:bb:cc:dd:ee:ff": "/dev/rfcomm0"}, 0, nil, nil)
	dev, ok := tr.Port("AA:BB:CC:DD:EE:FF")
	require.True(t, ok)
	assert.Equal(t, "/dev/rfcomm0", dev)
	assert.Equal(t, DefaultBaud, tr.baud)
}

func TestUnmappedAddressUsesFallback(t *testing.T) {
	fb := &recordingTransport{}
	tr := New(nil, 9600, fb, nil)

	_, err := tr.Connect(context.Background(), transport.Endpoint{Address: "11:22:33:44:55:66"})
	assert.ErrorIs(t, err, errFallback)
	require.Len(t, fb.connected, 1)

	_, err = tr.Listen(context.Background(), transport.Service{Name: "svc"})
	assert.ErrorIs(t, err, errFallback)
	assert.Len(t, fb.listened, 1)
}

func TestWithoutFallbackIsUnsupported(t *testing.T) {
	tr := New(nil, 0, nil, nil)
	_, err := tr.Connect(context.Background(), transport.Endpoint{Address: "11:22:33:44:55:66"})
	assert.ErrorIs(t, err, transport.ErrUnsupported)
	_, err = tr.Listen(context.Background(), transport.Service{})
	assert.ErrorIs(t, err, transport.ErrUnsupported)
}

func TestOpenFailureIsWrapped(t *testing.T) {
	tr := New(map[string]string{"AA:BB:CC:DD:EE:FF": "/nonexistent/tty-for-test"}, 0, nil, nil)
	_, err := tr.Connect(context.Background(), transport.Endpoint{Address: "AA:BB:CC:DD:EE:FF"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "/nonexistent/tty-for-test")
}
