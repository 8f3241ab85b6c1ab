//go:build linux

// Package bluez drives the BlueZ daemon over the system D-Bus: adapter power,
// inquiry, service lookup, disconnect notifications and RFCOMM links handed
// out through org.bluez.Profile1.
//
// A Client connects to the bus lazily on first use. Close releases every
// registration in reverse order and is idempotent.
package bluez

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	dbus "github.com/godbus/dbus/v5"
	"go.uber.org/zap"

	"btserial/internal/discovery"
	"btserial/internal/serial"
	"btserial/internal/transport"
)

const (
	bluezService         = "org.bluez"
	bluezRoot            = dbus.ObjectPath("/org/bluez")
	profileInterfaceName = "org.bluez.Profile1"
	profileManagerIface  = "org.bluez.ProfileManager1"
	deviceIface          = "org.bluez.Device1"
	adapterIface         = "org.bluez.Adapter1"
	objManagerIface      = "org.freedesktop.DBus.ObjectManager"
	propsIface           = "org.freedesktop.DBus.Properties"
)

// DefaultInquiryDuration approximates one classic inquiry (10.24s) plus name
// resolution. BlueZ keeps discovering until told to stop.
const DefaultInquiryDuration = 12 * time.Second

// ErrClosed is returned by every method after Close.
var ErrClosed = errors.New("bluez: closed")

// ErrNoAdapter is returned when no Adapter1 object exists.
var ErrNoAdapter = errors.New("bluez: no adapter")

// Options configures a Client.
type Options struct {
	// Adapter selects the controller, e.g. "hci0". Empty picks the first one.
	Adapter         string
	InquiryDuration time.Duration
	Logger          *zap.Logger
}

// Client is a handle on the BlueZ daemon.
type Client struct {
	opts Options
	log  *zap.Logger

	mu      sync.Mutex
	closed  bool
	conn    *dbus.Conn
	adapter dbus.ObjectPath
	// cleanup releases resources in Close (executed once, in reverse order).
	cleanup []func()
	// watches are the live Watch registrations, stopped first by Close.
	watches   map[uint64]func()
	nextWatch uint64
}

func New(opts Options) *Client {
	if opts.InquiryDuration <= 0 {
		opts.InquiryDuration = DefaultInquiryDuration
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{opts: opts, log: log}
}

// bus connects to the system bus if not yet connected.
func (c *Client) bus() (*dbus.Conn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}
	if c.conn != nil {
		return c.conn, nil
	}
	conn, err := dbus.SystemBus()
	if err != nil {
		return nil, fmt.Errorf("bluez: connect system bus: %w", err)
	}
	c.conn = conn
	// Close the bus last during cleanup.
	c.cleanup = append(c.cleanup, func() { conn.Close() })
	return conn, nil
}

// onClose registers fn to run during Close.
func (c *Client) onClose(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		fn()
		return
	}
	c.cleanup = append(c.cleanup, fn)
}

// track registers stop with Close until the returned cancel runs. cancel is
// idempotent and forgets the registration, so short-lived watches do not
// accumulate.
func (c *Client) track(stop func()) (cancel func()) {
	var once sync.Once
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		stop()
		return func() {}
	}
	if c.watches == nil {
		c.watches = make(map[uint64]func())
	}
	c.nextWatch++
	id := c.nextWatch
	run := func() { once.Do(stop) }
	c.watches[id] = run
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		delete(c.watches, id)
		c.mu.Unlock()
		run()
	}
}

// adapterPath resolves the configured adapter once.
func (c *Client) adapterPath() (*dbus.Conn, dbus.ObjectPath, error) {
	conn, err := c.bus()
	if err != nil {
		return nil, "", err
	}
	c.mu.Lock()
	cached := c.adapter
	c.mu.Unlock()
	if cached != "" {
		return conn, cached, nil
	}

	adapters, err := listAdapters(conn)
	if err != nil {
		return nil, "", err
	}
	var path dbus.ObjectPath
	for _, p := range adapters {
		if c.opts.Adapter == "" || strings.HasSuffix(string(p), "/"+c.opts.Adapter) {
			path = p
			break
		}
	}
	if path == "" {
		if c.opts.Adapter != "" {
			return nil, "", fmt.Errorf("bluez: adapter %s: %w", c.opts.Adapter, ErrNoAdapter)
		}
		return nil, "", ErrNoAdapter
	}
	c.mu.Lock()
	c.adapter = path
	c.mu.Unlock()
	c.log.Debug("bluez: using adapter", zap.String("path", string(path)))
	return conn, path, nil
}

// Close is safe for concurrent and redundant calls.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	cleanup := c.cleanup
	c.cleanup = nil
	watches := c.watches
	c.watches = nil
	c.mu.Unlock()

	for _, stop := range watches {
		stop()
	}
	for i := len(cleanup) - 1; i >= 0; i-- {
		if cleanup[i] != nil {
			cleanup[i]()
		}
	}
	return nil
}

// Helpers

type managedObjects = map[dbus.ObjectPath]map[string]map[string]dbus.Variant

func getManagedObjects(conn *dbus.Conn) (managedObjects, error) {
	var objs managedObjects
	obj := conn.Object(bluezService, dbus.ObjectPath("/"))
	if call := obj.Call(objManagerIface+".GetManagedObjects", 0); call.Err != nil {
		return nil, fmt.Errorf("bluez: GetManagedObjects: %w", call.Err)
	} else if err := call.Store(&objs); err != nil {
		return nil, fmt.Errorf("bluez: decode GetManagedObjects: %w", err)
	}
	return objs, nil
}

func listAdapters(conn *dbus.Conn) ([]dbus.ObjectPath, error) {
	objs, err := getManagedObjects(conn)
	if err != nil {
		return nil, err
	}
	var out []dbus.ObjectPath
	for path, ifaces := range objs {
		if _, ok := ifaces[adapterIface]; ok {
			out = append(out, path)
		}
	}
	sortObjectPaths(out)
	return out, nil
}

func sortObjectPaths(p []dbus.ObjectPath) {
	sort.Slice(p, func(i, j int) bool { return p[i] < p[j] })
}

func getProp(conn *dbus.Conn, path dbus.ObjectPath, iface, name string) (dbus.Variant, error) {
	var v dbus.Variant
	call := conn.Object(bluezService, path).Call(propsIface+".Get", 0, iface, name)
	if call.Err != nil {
		return v, fmt.Errorf("bluez: get %s.%s: %w", iface, name, call.Err)
	}
	if err := call.Store(&v); err != nil {
		return v, fmt.Errorf("bluez: decode %s.%s: %w", iface, name, err)
	}
	return v, nil
}

func getBool(conn *dbus.Conn, path dbus.ObjectPath, iface, name string) (bool, error) {
	v, err := getProp(conn, path, iface, name)
	if err != nil {
		return false, err
	}
	b, ok := v.Value().(bool)
	if !ok {
		return false, fmt.Errorf("bluez: %s.%s is %s, not bool", iface, name, v.Signature())
	}
	return b, nil
}

func setProp(conn *dbus.Conn, path dbus.ObjectPath, iface, name string, value interface{}) error {
	call := conn.Object(bluezService, path).Call(propsIface+".Set", 0, iface, name, dbus.MakeVariant(value))
	if call.Err != nil {
		return fmt.Errorf("bluez: set %s.%s: %w", iface, name, call.Err)
	}
	return nil
}

func stringProp(props map[string]dbus.Variant, name string) string {
	if v, ok := props[name]; ok {
		s, _ := v.Value().(string)
		return s
	}
	return ""
}

func containsUUID(list []string, target string) bool {
	for _, s := range list {
		if strings.EqualFold(s, target) {
			return true
		}
	}
	return false
}

func macFromPath(p dbus.ObjectPath) string {
	s := string(p)
	// Expect .../dev_XX_XX_XX_XX_XX_XX
	idx := strings.LastIndex(s, "/dev_")
	if idx < 0 {
		return ""
	}
	return strings.ReplaceAll(s[idx+5:], "_", ":")
}

// devicePath is the inverse of macFromPath under adapter.
func devicePath(adapter dbus.ObjectPath, addr string) dbus.ObjectPath {
	return dbus.ObjectPath(string(adapter) + "/dev_" + strings.ReplaceAll(strings.ToUpper(addr), ":", "_"))
}

var (
	_ discovery.Scanner        = (*Client)(nil)
	_ discovery.Inquirer       = (*Client)(nil)
	_ serial.DisconnectWatcher = (*Client)(nil)
	_ transport.Transport      = (*ProfileTransport)(nil)
)
