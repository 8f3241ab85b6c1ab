//go:build linux

// Package rfcomm opens RFCOMM client links with native Linux AF_BLUETOOTH
// sockets.
package rfcomm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"btserial/internal/transport"
)

// ErrNoChannel is returned when an endpoint's channel is unknown and there
// is neither a probe list nor a fallback to resolve it.
var ErrNoChannel = errors.New("rfcomm: channel unknown")

// Transport dials RFCOMM sockets directly when the endpoint names a channel.
// A socket carries no service class, so an endpoint without one is handed to
// fallback, which must select the SPP service itself. Listing probe channels
// opts in to dialing them blindly instead. Listen is unsupported; compose
// the Transport with a profile-based listener.
type Transport struct {
	probe    []uint8
	fallback transport.Transport
	log      *zap.Logger
}

// New returns a Transport. probe and fallback may both be empty.
func New(probe []uint8, fallback transport.Transport, log *zap.Logger) *Transport {
	if log == nil {
		log = zap.NewNop()
	}
	return &Transport{probe: probe, fallback: fallback, log: log}
}

// Available reports whether the kernel offers RFCOMM sockets to this process.
func Available() bool {
	fd, err := unix.Socket(unix.AF_BLUETOOTH, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, unix.BTPROTO_RFCOMM)
	if err != nil {
		return false
	}
	unix.Close(fd)
	return true
}

// ParseAddr converts "AA:BB:CC:DD:EE:FF" into the little-endian BD_ADDR
// layout the kernel expects.
func ParseAddr(s string) ([6]byte, error) {
	var b [6]byte
	hw, err := net.ParseMAC(s)
	if err != nil {
		return b, fmt.Errorf("rfcomm: parse address %q: %w", s, err)
	}
	if len(hw) != 6 {
		return b, fmt.Errorf("rfcomm: address %q is not 48-bit", s)
	}
	for i := 0; i < 6; i++ {
		b[i] = hw[5-i]
	}
	return b, nil
}

func (t *Transport) Connect(ctx context.Context, ep transport.Endpoint) (transport.Stream, error) {
	addr := ep.Address
	var channels []uint8
	switch {
	case ep.Channel != 0:
		channels = []uint8{ep.Channel}
	case ep.URL != "":
		a, ch, err := transport.ParseConnectionURL(ep.URL)
		if err != nil {
			return nil, err
		}
		addr, channels = a, []uint8{ch}
	case len(t.probe) > 0:
		channels = t.probe
	case t.fallback != nil:
		t.log.Debug("rfcomm: channel unknown, using fallback", zap.String("addr", addr))
		return t.fallback.Connect(ctx, ep)
	default:
		return nil, fmt.Errorf("rfcomm: connect %s: %w", addr, ErrNoChannel)
	}
	bd, err := ParseAddr(addr)
	if err != nil {
		return nil, err
	}

	var lastErr error
	for _, ch := range channels {
		f, err := dial(ctx, bd, ch)
		if err == nil {
			t.log.Info("rfcomm: connected", zap.String("addr", addr), zap.Uint8("channel", ch))
			return &stream{f: f, peer: strings.ToUpper(addr)}, nil
		}
		if ctx.Err() != nil {
			return nil, fmt.Errorf("rfcomm: connect canceled: %w", ctx.Err())
		}
		t.log.Debug("rfcomm: channel refused", zap.String("addr", addr), zap.Uint8("channel", ch), zap.Error(err))
		lastErr = err
	}
	return nil, fmt.Errorf("rfcomm: connect %s: %w", addr, lastErr)
}

func (t *Transport) Listen(context.Context, transport.Service) (transport.Listener, error) {
	return nil, transport.ErrUnsupported
}

// dial performs a non-blocking connect so ctx can abort the handshake.
func dial(ctx context.Context, addr [6]byte, channel uint8) (*os.File, error) {
	fd, err := unix.Socket(unix.AF_BLUETOOTH, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, unix.BTPROTO_RFCOMM)
	if err != nil {
		return nil, fmt.Errorf("socket: %w", err)
	}
	err = unix.Connect(fd, &unix.SockaddrRFCOMM{Addr: addr, Channel: channel})
	if err != nil && !errors.Is(err, unix.EINPROGRESS) {
		unix.Close(fd)
		return nil, fmt.Errorf("connect: %w", err)
	}

	// The fd is non-blocking, so the file joins the runtime poller and
	// deadlines interrupt waits.
	f := os.NewFile(uintptr(fd), "rfcomm")
	stop := context.AfterFunc(ctx, func() { _ = f.SetDeadline(time.Unix(1, 0)) })

	rc, err := f.SyscallConn()
	if err != nil {
		stop()
		f.Close()
		return nil, err
	}
	var connErr error
	werr := rc.Write(func(fd uintptr) bool {
		if _, err := unix.Getpeername(int(fd)); err == nil {
			return true
		}
		soErr, err := unix.GetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_ERROR)
		if err != nil {
			connErr = err
			return true
		}
		if soErr != 0 {
			connErr = unix.Errno(soErr)
			return true
		}
		return false
	})
	if !stop() {
		f.Close()
		return nil, ctx.Err()
	}
	if werr != nil {
		f.Close()
		return nil, werr
	}
	if connErr != nil {
		f.Close()
		return nil, connErr
	}
	return f, nil
}

type stream struct {
	f    *os.File
	peer string
}

func (s *stream) Read(p []byte) (int, error)  { return s.f.Read(p) }
func (s *stream) Write(p []byte) (int, error) { return s.f.Write(p) }
func (s *stream) Close() error                { return s.f.Close() }
func (s *stream) Peer() string                { return s.peer }
