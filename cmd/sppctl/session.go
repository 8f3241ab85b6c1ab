package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"btserial/internal/serial"
	"btserial/internal/spp"
	"btserial/internal/transport"
	"btserial/internal/update"
)

func (a *app) options(b spp.Backend) spp.Options {
	return spp.Options{
		Backend:           b,
		BusCapacity:       a.cfg.BusCapacity,
		WorkerLimit:       a.cfg.WorkerLimit,
		AutoDenyThreshold: time.Duration(a.cfg.AutoDenyThreshold),
		SearchTimeout:     time.Duration(a.cfg.SearchTimeout),
		ServerChannel:     a.cfg.ServerChannel,
		Logger:            a.log,
	}
}

func (a *app) newClient() (*spp.Client, func(), error) {
	b, release, err := newBackend(a)
	if err != nil {
		return nil, nil, err
	}
	c, err := spp.NewClient(a.options(b))
	if err != nil {
		release()
		return nil, nil, err
	}
	return c, func() { c.Close(); release() }, nil
}

// peer is the part of a Client or Server a chat session uses.
type peer interface {
	Send(p []byte) error
	Updates() <-chan update.Update
}

// chat pumps updates to handle and stdin lines to the peer until handle
// reports the session is over. intercept may consume a line before it is
// sent.
func (a *app) chat(ctx context.Context, p peer, handle func(update.Update) bool, intercept func(string) bool) {
	lines := a.console.Lines()
	for {
		select {
		case <-ctx.Done():
			return
		case u, ok := <-p.Updates():
			if !ok || handle(u) {
				return
			}
		case line, ok := <-lines:
			if !ok {
				lines = nil
				continue
			}
			if intercept != nil && intercept(line) {
				continue
			}
			if err := p.Send([]byte(line + "\n")); err != nil {
				if errors.Is(err, serial.ErrNotConnected) {
					a.console.Println(styleHint.Render("not connected yet"))
					continue
				}
				a.console.Println(styleWarn.Render(err.Error()))
			}
		}
	}
}

func runScan(ctx context.Context, a *app) error {
	c, release, err := a.newClient()
	if err != nil {
		return err
	}
	defer release()
	defer a.reportDropped(c)

	a.console.Println(styleHint.Render(fmt.Sprintf("scanning (%s)...", c.Strategy())))
	if err := c.Start(ctx); err != nil {
		return err
	}

	tick := time.NewTicker(200 * time.Millisecond)
	defer tick.Stop()
	n := 0
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-tick.C:
			if c.State() == serial.StateAwaitingSelection {
				a.console.Println(styleHint.Render(fmt.Sprintf("%d device(s) found", n)))
				return nil
			}
		case u, ok := <-c.Updates():
			if !ok {
				return nil
			}
			if u.Kind() == update.KindDeviceDiscovered {
				a.console.Println(renderDevice(n, u.Device()))
				n++
				continue
			}
			a.console.Println(render(u))
			if terminal(u) {
				return nil
			}
		}
	}
}

func runConnect(ctx context.Context, a *app, addr string) error {
	c, release, err := a.newClient()
	if err != nil {
		return err
	}
	defer release()

	if addr != "" {
		if _, err := net.ParseMAC(addr); err != nil {
			return fmt.Errorf("invalid address %q: %w", addr, err)
		}
		if err := c.Connect(ctx, transport.Endpoint{Address: strings.ToUpper(addr)}); err != nil {
			return err
		}
	} else {
		a.console.Println(styleHint.Render(fmt.Sprintf("scanning (%s); type a device number to connect", c.Strategy())))
		if err := c.Start(ctx); err != nil {
			return err
		}
	}

	var found []update.DeviceDescriptor
	selecting := addr == ""
	handle := func(u update.Update) bool {
		switch u.Kind() {
		case update.KindDeviceDiscovered:
			a.console.Println(renderDevice(len(found), u.Device()))
			found = append(found, u.Device())
			return false
		case update.KindDeviceConnected:
			selecting = false
			a.console.Println(render(u) + " " + stylePeer.Render(c.Peer()))
			return false
		}
		a.console.Println(render(u))
		return terminal(u)
	}
	pick := func(line string) bool {
		if !selecting {
			return false
		}
		i, err := strconv.Atoi(strings.TrimSpace(line))
		if err != nil || i < 0 || i >= len(found) {
			a.console.Println(styleHint.Render(fmt.Sprintf("enter 0..%d", len(found)-1)))
			return true
		}
		if err := c.Select(ctx, found[i]); err != nil {
			a.console.Println(styleWarn.Render(err.Error()))
			return true
		}
		selecting = false
		return true
	}
	a.chat(ctx, c, handle, pick)
	a.reportDropped(c)
	return nil
}

func runServe(ctx context.Context, a *app) error {
	b, release, err := newBackend(a)
	if err != nil {
		return err
	}
	defer release()
	s, err := spp.NewServer(a.cfg.ServiceName, a.options(b))
	if err != nil {
		return err
	}
	defer s.Close()

	listen := func() error {
		a.console.Println(styleHint.Render(fmt.Sprintf("waiting for a peer on %q (%s)",
			a.cfg.ServiceName, transport.ServerURL(transport.SPP, a.cfg.ServiceName))))
		return s.Start(ctx)
	}
	if err := listen(); err != nil {
		return err
	}

	loop := &serveLoop{
		once:   flagOnce,
		listen: listen,
		peer:   s.Peer,
		print:  a.console.Println,
		done:   func() bool { return ctx.Err() != nil },
	}
	a.chat(ctx, s, loop.handle, nil)
	a.reportDropped(s)
	if loop.err != nil {
		a.log.Warn("sppctl: serve stopped", zap.Error(loop.err))
	}
	return loop.err
}

// errNoPeer ends a serve session whose listener stopped before any peer
// connected, e.g. because the service record could not be registered.
var errNoPeer = errors.New("listening stopped before a peer connected")

// serveLoop decides what a server does with each update. After a peer
// leaves it listens again, unless once is set or the attempt never got a
// peer.
type serveLoop struct {
	once   bool
	listen func() error
	peer   func() string
	print  func(string)
	done   func() bool

	connected bool
	err       error
}

func (l *serveLoop) handle(u update.Update) bool {
	switch u.Kind() {
	case update.KindDeviceConnected:
		l.connected = true
		l.print(render(u) + " " + stylePeer.Render(l.peer()))
		return false
	case update.KindDeviceDisconnected:
		l.print(render(u))
		if l.done() {
			return true
		}
		if !l.connected {
			l.err = errNoPeer
			return true
		}
		if l.once {
			return true
		}
		l.connected = false
		if l.err = l.listen(); l.err != nil {
			return true
		}
		return false
	}
	l.print(render(u))
	return terminal(u)
}

type dropCounter interface {
	Dropped() uint64
}

// reportDropped tells the user when updates were lost to a full bus.
func (a *app) reportDropped(d dropCounter) {
	if n := d.Dropped(); n > 0 {
		a.console.Println(styleWarn.Render(fmt.Sprintf("%d update(s) dropped; output above is incomplete", n)))
	}
}
