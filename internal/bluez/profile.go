//go:build linux

package bluez

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	dbus "github.com/godbus/dbus/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"btserial/internal/transport"
)

const profilePathPrefix = "/org/btserial/profile/"

// ProfileTransport opens RFCOMM links by registering org.bluez.Profile1
// objects and letting bluetoothd hand over connected sockets.
type ProfileTransport struct {
	c *Client

	mu     sync.Mutex
	client *clientProfile
}

// Profiles returns the Profile1-based transport of c.
func (c *Client) Profiles() *ProfileTransport {
	return &ProfileTransport{c: c}
}

type delivery struct {
	fd   int
	peer dbus.ObjectPath
}

func rejectFD(fd int, reason string) *dbus.Error {
	_ = os.NewFile(uintptr(fd), "rfcomm").Close()
	return &dbus.Error{Name: "org.bluez.Error.Rejected", Body: []interface{}{reason}}
}

// serverProfile delivers exactly one incoming connection.
type serverProfile struct {
	mu       sync.Mutex
	ch       chan delivery
	accepted bool
}

func (p *serverProfile) Release() *dbus.Error                             { return nil }
func (p *serverProfile) Cancel() *dbus.Error                              { return nil }
func (p *serverProfile) RequestDisconnection(dbus.ObjectPath) *dbus.Error { return nil }

func (p *serverProfile) NewConnection(dev dbus.ObjectPath, fd dbus.UnixFD, _ map[string]dbus.Variant) *dbus.Error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.accepted {
		return rejectFD(int(fd), "already accepted")
	}
	select {
	case p.ch <- delivery{fd: int(fd), peer: dev}:
		p.accepted = true
		return nil
	default:
		return rejectFD(int(fd), "no receiver")
	}
}

// clientProfile routes each outgoing connection to the Connect call waiting
// for that device.
type clientProfile struct {
	mu      sync.Mutex
	pending map[dbus.ObjectPath]chan delivery
}

func (p *clientProfile) Release() *dbus.Error                             { return nil }
func (p *clientProfile) Cancel() *dbus.Error                              { return nil }
func (p *clientProfile) RequestDisconnection(dbus.ObjectPath) *dbus.Error { return nil }

func (p *clientProfile) NewConnection(dev dbus.ObjectPath, fd dbus.UnixFD, _ map[string]dbus.Variant) *dbus.Error {
	p.mu.Lock()
	ch, ok := p.pending[dev]
	delete(p.pending, dev)
	p.mu.Unlock()
	if !ok {
		return rejectFD(int(fd), "not expected")
	}
	ch <- delivery{fd: int(fd), peer: dev}
	return nil
}

func (p *clientProfile) expect(dev dbus.ObjectPath) chan delivery {
	ch := make(chan delivery, 1)
	p.mu.Lock()
	p.pending[dev] = ch
	p.mu.Unlock()
	return ch
}

// forget drops the wait for dev and closes a connection that raced in.
func (p *clientProfile) forget(dev dbus.ObjectPath, ch chan delivery) {
	p.mu.Lock()
	if p.pending[dev] == ch {
		delete(p.pending, dev)
	}
	p.mu.Unlock()
	select {
	case d := <-ch:
		_ = os.NewFile(uintptr(d.fd), "rfcomm").Close()
	default:
	}
}

func newProfilePath(role string) dbus.ObjectPath {
	id := strings.ReplaceAll(uuid.NewString(), "-", "")
	return dbus.ObjectPath(profilePathPrefix + role + "_" + id)
}

func registerProfile(conn *dbus.Conn, path dbus.ObjectPath, class uuid.UUID, opts map[string]dbus.Variant) (func(), error) {
	pm := conn.Object(bluezService, bluezRoot)
	if call := pm.Call(profileManagerIface+".RegisterProfile", 0, path, class.String(), opts); call.Err != nil {
		_ = conn.Export(nil, path, profileInterfaceName)
		return nil, fmt.Errorf("bluez: RegisterProfile: %w", call.Err)
	}
	return func() {
		_ = pm.Call(profileManagerIface+".UnregisterProfile", 0, path).Err
		_ = conn.Export(nil, path, profileInterfaceName)
	}, nil
}

// Listen registers a server profile for svc. The returned listener accepts
// one connection.
func (t *ProfileTransport) Listen(_ context.Context, svc transport.Service) (transport.Listener, error) {
	if svc.Name == "" {
		return nil, errors.New("bluez: service name required")
	}
	conn, err := t.c.bus()
	if err != nil {
		return nil, err
	}
	prof := &serverProfile{ch: make(chan delivery, 1)}
	path := newProfilePath("server")
	if err := conn.Export(prof, path, profileInterfaceName); err != nil {
		return nil, fmt.Errorf("bluez: export server profile: %w", err)
	}
	opts := map[string]dbus.Variant{
		"Name": dbus.MakeVariant(svc.Name),
		"Role": dbus.MakeVariant("server"),
	}
	if svc.Channel != 0 {
		// BlueZ expects Channel as a uint16 (not byte).
		opts["Channel"] = dbus.MakeVariant(uint16(svc.Channel))
	}
	unregister, err := registerProfile(conn, path, svc.UUID, opts)
	if err != nil {
		return nil, err
	}
	t.c.log.Info("bluez: server profile registered",
		zap.String("name", svc.Name), zap.Uint8("channel", svc.Channel), zap.String("path", string(path)))

	l := &listener{prof: prof, log: t.c.log}
	l.release = func() { l.once.Do(unregister) }
	t.c.onClose(l.release)
	return l, nil
}

type listener struct {
	prof    *serverProfile
	log     *zap.Logger
	once    sync.Once
	release func()
}

func (l *listener) Accept(ctx context.Context) (transport.Stream, error) {
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("bluez: accept canceled: %w", ctx.Err())
	case d := <-l.prof.ch:
		s, err := newStream(d.fd, macFromPath(d.peer))
		if err != nil {
			return nil, err
		}
		l.log.Info("bluez: accepted connection", zap.String("peer", s.peer))
		return s, nil
	}
}

func (l *listener) Close() error {
	l.release()
	return nil
}

// clientProfileLocked registers the shared client profile once.
func (t *ProfileTransport) clientProfileLocked(conn *dbus.Conn) (*clientProfile, error) {
	if t.client != nil {
		return t.client, nil
	}
	prof := &clientProfile{pending: make(map[dbus.ObjectPath]chan delivery)}
	path := newProfilePath("client")
	if err := conn.Export(prof, path, profileInterfaceName); err != nil {
		return nil, fmt.Errorf("bluez: export client profile: %w", err)
	}
	unregister, err := registerProfile(conn, path, transport.SPP, map[string]dbus.Variant{
		"Role": dbus.MakeVariant("client"),
	})
	if err != nil {
		return nil, err
	}
	t.c.onClose(unregister)
	t.client = prof
	return prof, nil
}

// Connect asks bluetoothd to connect the SPP profile of the endpoint's device
// and waits for the socket. The device is paired first if needed; a BlueZ
// agent registered elsewhere answers any pairing prompt.
func (t *ProfileTransport) Connect(ctx context.Context, ep transport.Endpoint) (transport.Stream, error) {
	conn, ap, err := t.c.adapterPath()
	if err != nil {
		return nil, err
	}
	dev := dbus.ObjectPath(ep.Handle)
	if dev == "" {
		if ep.Address == "" {
			return nil, errors.New("bluez: endpoint has neither handle nor address")
		}
		dev = devicePath(ap, ep.Address)
	}

	t.mu.Lock()
	prof, err := t.clientProfileLocked(conn)
	t.mu.Unlock()
	if err != nil {
		return nil, err
	}
	ch := prof.expect(dev)
	defer prof.forget(dev, ch)

	devObj := conn.Object(bluezService, dev)
	if paired, err := getBool(conn, dev, deviceIface, "Paired"); err == nil && !paired {
		t.c.log.Info("bluez: pairing", zap.String("device", string(dev)))
		if err := devObj.CallWithContext(ctx, deviceIface+".Pair", 0).Err; err != nil {
			return nil, fmt.Errorf("bluez: Pair: %w", err)
		}
	}
	if err := devObj.CallWithContext(ctx, deviceIface+".ConnectProfile", 0, strings.ToLower(transport.SPPUUIDString)).Err; err != nil {
		return nil, fmt.Errorf("bluez: ConnectProfile: %w", err)
	}

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("bluez: connect canceled: %w", ctx.Err())
	case d := <-ch:
		return newStream(d.fd, macFromPath(d.peer))
	}
}

// stream wraps a socket handed over by bluetoothd. The descriptor is made
// non-blocking so the runtime poller owns it and Close unblocks Read.
type stream struct {
	f    *os.File
	peer string
}

func newStream(fd int, peer string) (*stream, error) {
	if err := unix.SetNonblock(fd, true); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("bluez: set nonblock: %w", err)
	}
	return &stream{f: os.NewFile(uintptr(fd), "rfcomm"), peer: peer}, nil
}

func (s *stream) Read(p []byte) (int, error)  { return s.f.Read(p) }
func (s *stream) Write(p []byte) (int, error) { return s.f.Write(p) }
func (s *stream) Close() error                { return s.f.Close() }
func (s *stream) Peer() string                { return s.peer }
