// Package serial implements the role-fixed RFCOMM serial connection: connect
// or listen+accept on a worker, a read loop that publishes every chunk, a
// synchronous write, and idempotent teardown.
//
// Connection failures are never returned to a caller waiting on updates;
// they surface as a single update.DeviceDisconnected. Only programming errors
// (wrong role, reentry, writing while disconnected) are returned directly.
package serial

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"go.uber.org/zap"

	"btserial/internal/transport"
	"btserial/internal/update"
	"btserial/internal/worker"
)

// ReadBufferSize is the largest chunk a single Message carries.
const ReadBufferSize = 1024

// maxEmptyReads consecutive zero-length reads are treated as a dead link,
// matching the io.ErrNoProgress convention of bufio.
const maxEmptyReads = 100

var (
	ErrAlreadyConnected = errors.New("serial: already connected")
	ErrNotConnected     = errors.New("serial: not connected")
	ErrWrongRole        = errors.New("serial: operation not allowed for this role")
	ErrClosed           = errors.New("serial: closed")
)

// DisconnectWatcher delivers the platform's "peer disconnected" notification.
type DisconnectWatcher interface {
	// Watch calls fn when the ACL link to addr drops; addr "" matches any
	// peer. cancel deregisters and is safe to call more than once.
	Watch(addr string, fn func()) (cancel func(), err error)
}

// Options wires a Conn to its collaborators. Transport, Pool and Bus are
// required.
type Options struct {
	Transport transport.Transport
	Watcher   DisconnectWatcher
	Pool      *worker.Pool
	Bus       *update.Bus
	Logger    *zap.Logger
	// Channel is the RFCOMM channel a server asks for; 0 lets the stack pick.
	Channel uint8
}

// Conn owns at most one RFCOMM stream at a time.
type Conn struct {
	role    Role
	tr      transport.Transport
	watcher DisconnectWatcher
	pool    *worker.Pool
	bus     *update.Bus
	log     *zap.Logger
	channel uint8

	mu       sync.Mutex
	state    State
	attempt  uint64
	closed   bool
	stream   transport.Stream
	listener transport.Listener
	peer     string
	cancel   context.CancelFunc
	stopCtx  func() bool
	unwatch  func()

	writeMu sync.Mutex
}

// New creates an idle Conn for role.
func New(role Role, opts Options) *Conn {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Conn{
		role:    role,
		tr:      opts.Transport,
		watcher: opts.Watcher,
		pool:    opts.Pool,
		bus:     opts.Bus,
		log:     log.With(zap.Stringer("role", role)),
		channel: opts.Channel,
	}
}

func (c *Conn) Role() Role { return c.role }

// State returns the current lifecycle state.
func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Peer returns the address of the connected peer, if known.
func (c *Conn) Peer() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peer
}

// BeginDiscovery records that a client is looking for a peer.
func (c *Conn) BeginDiscovery() error {
	if c.role.IsServer() {
		return ErrWrongRole
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.checkReentryLocked(); err != nil {
		return err
	}
	c.state = StateDiscovering
	return nil
}

// AwaitSelection records that discovery results are waiting for a choice.
func (c *Conn) AwaitSelection() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateDiscovering {
		c.state = StateAwaitingSelection
	}
}

func (c *Conn) checkReentryLocked() error {
	if c.closed {
		return ErrClosed
	}
	if c.state.live() {
		return ErrAlreadyConnected
	}
	return nil
}

// Connect starts the client handshake with ep on a worker and returns
// immediately. ctx bounds the whole connection: cancelling it tears the link
// down.
func (c *Conn) Connect(ctx context.Context, ep transport.Endpoint) error {
	return c.connect(ctx, ep, false)
}

// ConnectSelected is Connect for a peer picked during discovery. The worker
// publishes update.DeviceSelected ahead of every other update of the
// attempt; a rejected call publishes nothing.
func (c *Conn) ConnectSelected(ctx context.Context, ep transport.Endpoint) error {
	return c.connect(ctx, ep, true)
}

func (c *Conn) connect(ctx context.Context, ep transport.Endpoint, selected bool) error {
	if c.role.IsServer() {
		return ErrWrongRole
	}
	id, attemptCtx, err := c.begin(ctx)
	if err != nil {
		return err
	}
	c.watch(id, ep.Address)

	err = c.pool.Go(attemptCtx, "serial-connect", func(ctx context.Context) {
		if selected && !c.publishIf(id, StateConnecting, update.DeviceSelected) {
			return
		}
		c.run(ctx, id, func(ctx context.Context) (transport.Stream, error) {
			return c.tr.Connect(ctx, ep)
		})
	})
	if err != nil {
		c.abort(id)
		return fmt.Errorf("serial: start connect: %w", err)
	}
	c.log.Info("serial: connecting", zap.String("addr", ep.Address), zap.Uint64("attempt", id))
	return nil
}

// ListenAndAccept publishes the service record and waits on a worker for one
// peer. It returns immediately.
func (c *Conn) ListenAndAccept(ctx context.Context) error {
	if !c.role.IsServer() {
		return ErrWrongRole
	}
	id, attemptCtx, err := c.begin(ctx)
	if err != nil {
		return err
	}

	err = c.pool.Go(attemptCtx, "serial-listen", func(ctx context.Context) {
		c.run(ctx, id, func(ctx context.Context) (transport.Stream, error) {
			return c.accept(ctx, id)
		})
	})
	if err != nil {
		c.abort(id)
		return fmt.Errorf("serial: start listen: %w", err)
	}
	c.log.Info("serial: listening", zap.String("service", c.role.ServiceName()), zap.Uint64("attempt", id))
	return nil
}

// begin atomically claims the connection for a new attempt.
func (c *Conn) begin(ctx context.Context) (uint64, context.Context, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.checkReentryLocked(); err != nil {
		return 0, nil, err
	}
	c.attempt++
	id := c.attempt
	attemptCtx, cancel := context.WithCancel(ctx)
	c.state = StateConnecting
	c.peer = ""
	c.cancel = cancel
	c.stopCtx = context.AfterFunc(attemptCtx, func() { c.disconnect(id) })
	return id, attemptCtx, nil
}

// abort rolls back an attempt that never reached a worker.
func (c *Conn) abort(id uint64) {
	c.mu.Lock()
	if c.attempt != id {
		c.mu.Unlock()
		return
	}
	release := c.detachLocked()
	c.state = StateIdle
	c.mu.Unlock()
	release()
}

func (c *Conn) watch(id uint64, addr string) {
	if c.watcher == nil {
		return
	}
	unwatch, err := c.watcher.Watch(addr, func() {
		c.log.Info("serial: peer disconnected", zap.String("addr", addr))
		c.disconnect(id)
	})
	if err != nil {
		c.log.Warn("serial: disconnect notification unavailable", zap.Error(err))
		return
	}
	c.mu.Lock()
	if c.attempt != id || !c.state.live() {
		c.mu.Unlock()
		unwatch()
		return
	}
	prev := c.unwatch
	c.unwatch = unwatch
	c.mu.Unlock()
	if prev != nil {
		prev()
	}
}

func (c *Conn) accept(ctx context.Context, id uint64) (transport.Stream, error) {
	l, err := c.tr.Listen(ctx, transport.Service{
		Name:    c.role.ServiceName(),
		UUID:    transport.SPP,
		Channel: c.channel,
	})
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	if c.attempt != id || !c.state.live() {
		c.mu.Unlock()
		l.Close()
		return nil, ErrClosed
	}
	c.listener = l
	c.mu.Unlock()

	s, err := l.Accept(ctx)

	c.mu.Lock()
	if c.listener == l {
		c.listener = nil
	}
	c.mu.Unlock()
	// One peer per listen; later callers are refused by the stack.
	if cerr := l.Close(); cerr != nil {
		c.log.Debug("serial: close listener", zap.Error(cerr))
	}
	if err != nil {
		return nil, err
	}
	c.watch(id, s.Peer())
	return s, nil
}

// run opens the stream and, on success, owns it for the read loop.
func (c *Conn) run(ctx context.Context, id uint64, open func(context.Context) (transport.Stream, error)) {
	s, err := open(ctx)
	if err != nil {
		if ctx.Err() == nil {
			c.log.Warn("serial: could not establish connection", zap.Uint64("attempt", id), zap.Error(err))
		}
		c.disconnect(id)
		return
	}

	c.mu.Lock()
	if c.attempt != id || c.state != StateConnecting {
		c.mu.Unlock()
		s.Close()
		return
	}
	c.stream = s
	c.peer = s.Peer()
	c.state = StateConnected
	c.bus.Publish(update.DeviceConnected)
	c.mu.Unlock()

	c.log.Info("serial: connected", zap.String("peer", s.Peer()), zap.Uint64("attempt", id))
	c.readLoop(id, s)
}

func (c *Conn) readLoop(id uint64, s transport.Stream) {
	buf := make([]byte, ReadBufferSize)
	empty := 0
	for {
		n, err := s.Read(buf)
		if n > 0 {
			empty = 0
			if !c.publishIf(id, StateConnected, update.Message(buf[:n])) {
				return
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				c.log.Info("serial: peer closed stream", zap.Uint64("attempt", id))
			} else {
				c.log.Debug("serial: read failed", zap.Uint64("attempt", id), zap.Error(err))
			}
			c.disconnect(id)
			return
		}
		if n == 0 {
			empty++
			if empty >= maxEmptyReads {
				c.log.Warn("serial: read made no progress", zap.Error(io.ErrNoProgress))
				c.disconnect(id)
				return
			}
		}
	}
}

// publishIf publishes u only while attempt id is in state st.
func (c *Conn) publishIf(id uint64, st State, u update.Update) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.attempt != id || c.state != st {
		return false
	}
	c.bus.Publish(u)
	return true
}

// Write sends p to the peer synchronously.
func (c *Conn) Write(p []byte) error {
	c.mu.Lock()
	if c.state != StateConnected || c.stream == nil {
		c.mu.Unlock()
		return ErrNotConnected
	}
	s, id := c.stream, c.attempt
	c.mu.Unlock()

	c.writeMu.Lock()
	_, err := s.Write(p)
	c.writeMu.Unlock()
	if err != nil {
		c.disconnect(id)
		return fmt.Errorf("serial: write: %w", err)
	}
	return nil
}

// Disconnect tears down the current attempt. It is idempotent: the
// DeviceDisconnected update is published once per attempt.
func (c *Conn) Disconnect() {
	c.mu.Lock()
	id := c.attempt
	if c.state == StateDiscovering || c.state == StateAwaitingSelection {
		c.state = StateIdle
	}
	c.mu.Unlock()
	c.disconnect(id)
}

// Close disconnects and rejects every later operation.
func (c *Conn) Close() {
	c.Disconnect()
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}

func (c *Conn) disconnect(id uint64) {
	c.mu.Lock()
	if c.attempt != id || !c.state.live() {
		c.mu.Unlock()
		return
	}
	c.state = StateDisconnected
	c.bus.Publish(update.DeviceDisconnected)
	release := c.detachLocked()
	c.mu.Unlock()

	release()
	c.log.Info("serial: disconnected", zap.Uint64("attempt", id))
}

// detachLocked ends the current attempt and returns the closing of its
// stream, listener and watch, to be run after mu is released. A transport
// whose Close blocks then holds up only the caller, never the state machine.
// Close errors are ignored.
func (c *Conn) detachLocked() (release func()) {
	if c.stopCtx != nil {
		c.stopCtx()
		c.stopCtx = nil
	}
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	s, l, unwatch := c.stream, c.listener, c.unwatch
	c.stream, c.listener, c.unwatch = nil, nil, nil
	return func() {
		if s != nil {
			_ = s.Close()
		}
		if l != nil {
			_ = l.Close()
		}
		if unwatch != nil {
			unwatch()
		}
	}
}
