// Package discovery finds a peer for a client connection. The strategy is
// chosen from what the platform can do: an OS-managed pairing flow, a
// broadcast inquiry with native sockets, or an active inquiry followed by a
// service search.
package discovery

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"btserial/internal/transport"
	"btserial/internal/update"
	"btserial/internal/worker"
)

// DefaultSearchTimeout bounds the wait for service-search results.
const DefaultSearchTimeout = 15 * time.Second

var (
	// ErrUnknownDevice is returned when selecting a descriptor that was never
	// discovered.
	ErrUnknownDevice = errors.New("discovery: unknown device")
	// ErrManualSelection is returned by strategies whose selection happens in
	// the OS chooser.
	ErrManualSelection = errors.New("discovery: selection is handled by the platform")
	// ErrNoStrategy is returned when the platform offers no way to discover.
	ErrNoStrategy = errors.New("discovery: no strategy available")
)

// Connector receives the endpoint chosen by discovery.
type Connector interface {
	// ConnectSelected publishes update.DeviceSelected once the attempt is
	// admitted and connects to ep. Nothing is published when it fails.
	ConnectSelected(ctx context.Context, ep transport.Endpoint) error
	// AwaitSelection marks that results are waiting for a choice.
	AwaitSelection()
}

// Strategy is one way of finding and selecting a peer. Start and Select
// return once the work is handed to a worker.
type Strategy interface {
	Name() string
	Start(ctx context.Context) error
	Select(ctx context.Context, d update.DeviceDescriptor) error
	// Devices is a snapshot of what has been discovered so far.
	Devices() []update.DeviceDescriptor
}

// Capabilities lists what the platform offers. The first usable strategy in
// the order pairing, broadcast, service search wins.
type Capabilities struct {
	Associator Associator
	Chooser    DeviceChooser

	// NativeSockets reports that RFCOMM sockets can be opened directly from
	// an address, which makes a broadcast inquiry sufficient.
	NativeSockets bool
	Scanner       Scanner

	Inquirer Inquirer
}

// Deps are the collaborators every strategy shares. Bus, Connector and Pool
// are required.
type Deps struct {
	Bus           *update.Bus
	Connector     Connector
	Pool          *worker.Pool
	Logger        *zap.Logger
	SearchTimeout time.Duration
}

func (d *Deps) defaults() {
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	if d.SearchTimeout <= 0 {
		d.SearchTimeout = DefaultSearchTimeout
	}
}

// Engine runs the strategy picked for the platform.
type Engine struct {
	Strategy
}

// NewEngine picks a strategy from caps.
func NewEngine(caps Capabilities, deps Deps) (*Engine, error) {
	deps.defaults()
	var s Strategy
	switch {
	case caps.Associator != nil && caps.Chooser != nil:
		s = NewPairing(caps.Associator, caps.Chooser, deps)
	case caps.NativeSockets && caps.Scanner != nil:
		s = NewBroadcast(caps.Scanner, deps)
	case caps.Inquirer != nil:
		s = NewServiceSearch(caps.Inquirer, deps)
	default:
		return nil, ErrNoStrategy
	}
	deps.Logger.Info("discovery: strategy selected", zap.String("strategy", s.Name()))
	return &Engine{Strategy: s}, nil
}

type entry struct {
	desc   update.DeviceDescriptor
	handle string
}

// registry deduplicates discovered devices and remembers their native handle.
type registry struct {
	mu    sync.Mutex
	byKey map[string]entry
	order []string
}

func newRegistry() *registry {
	return &registry{byKey: make(map[string]entry)}
}

// add records d and reports whether it was new.
func (r *registry) add(d update.DeviceDescriptor, handle string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := d.Key()
	if _, ok := r.byKey[k]; ok {
		return false
	}
	r.byKey[k] = entry{desc: d, handle: handle}
	r.order = append(r.order, k)
	return true
}

func (r *registry) lookup(d update.DeviceDescriptor) (entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.byKey[d.Key()]
	return e, ok
}

func (r *registry) snapshot() []update.DeviceDescriptor {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]update.DeviceDescriptor, 0, len(r.order))
	for _, k := range r.order {
		out = append(out, r.byKey[k].desc)
	}
	return out
}

// startFailure maps an inquiry that could not start to its update.
func startFailure(powered func() (bool, error)) update.Update {
	if on, err := powered(); err == nil && !on {
		return update.BluetoothNotEnabled
	}
	return update.NoDeviceSelected
}
