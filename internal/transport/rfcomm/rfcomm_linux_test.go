//go:build linux

package rfcomm

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"btserial/internal/transport"
)

func TestParseAddrReversesBytes(t *testing.T) {
	b, err := ParseAddr("AA:BB:CC:DD:EE:FF")
	require.NoError(t, err)
	assert.Equal(t, [6]byte{0xFF, 0xEE, 0xDD, 0xCC, 0xBB, 0xAA}, b)
}

func TestParseAddrRejectsInvalid(t *testing.T) {
	for _, s := range []string{"", "AA:BB", "00:00:00:00:fe:80:00:00:00:00:00:00:00:00:00:01", "nope"} {
		_, err := ParseAddr(s)
		assert.Error(t, err, s)
	}
}

func TestListenIsUnsupported(t *testing.T) {
	_, err := New(nil, nil, nil).Listen(context.Background(), transport.Service{Name: "x", UUID: transport.SPP})
	assert.ErrorIs(t, err, transport.ErrUnsupported)
}

func TestConnectRejectsBadEndpointBeforeDialing(t *testing.T) {
	tr := New([]uint8{1}, nil, nil)
	_, err := tr.Connect(context.Background(), transport.Endpoint{Address: "not-a-mac"})
	assert.Error(t, err)

	_, err = tr.Connect(context.Background(), transport.Endpoint{URL: "btspp://bogus"})
	assert.Error(t, err)
}

type fallbackTransport struct {
	dialed []transport.Endpoint
}

var errViaFallback = errors.New("via fallback")

func (f *fallbackTransport) Connect(_ context.Context, ep transport.Endpoint) (transport.Stream, error) {
	f.dialed = append(f.dialed, ep)
	return nil, errViaFallback
}

func (f *fallbackTransport) Listen(context.Context, transport.Service) (transport.Listener, error) {
	return nil, transport.ErrUnsupported
}

func TestUnknownChannelGoesToFallback(t *testing.T) {
	fb := &fallbackTransport{}
	ep := transport.Endpoint{Address: "AA:BB:CC:DD:EE:FF", Handle: "/org/bluez/hci0/dev_AA_BB_CC_DD_EE_FF"}

	_, err := New(nil, fb, nil).Connect(context.Background(), ep)
	assert.ErrorIs(t, err, errViaFallback)
	require.Len(t, fb.dialed, 1)
	assert.Equal(t, ep, fb.dialed[0])
}

func TestUnknownChannelWithoutFallbackFails(t *testing.T) {
	_, err := New(nil, nil, nil).Connect(context.Background(), transport.Endpoint{Address: "AA:BB:CC:DD:EE:FF"})
	assert.ErrorIs(t, err, ErrNoChannel)
}

func TestKnownChannelSkipsFallback(t *testing.T) {
	fb := &fallbackTransport{}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := New(nil, fb, nil).Connect(ctx, transport.Endpoint{Address: "AA:BB:CC:DD:EE:FF", Channel: 3})
	assert.NotErrorIs(t, err, errViaFallback)
	assert.Empty(t, fb.dialed)
}
