package discovery

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"btserial/internal/transport"
	"btserial/internal/update"
)

// FoundFunc receives each device seen during an inquiry together with the
// platform's native handle for it.
type FoundFunc func(d update.DeviceDescriptor, handle string)

// Scanner runs a broadcast inquiry.
type Scanner interface {
	// Scan calls found for every device seen and returns when the inquiry
	// finishes or ctx ends. An error means the inquiry never started.
	Scan(ctx context.Context, found FoundFunc) error
	Powered() (bool, error)
}

// Broadcast discovers by inquiry and connects to a selected device's address
// directly.
type Broadcast struct {
	scanner Scanner
	deps    Deps
	reg     *registry
}

func NewBroadcast(s Scanner, deps Deps) *Broadcast {
	deps.defaults()
	return &Broadcast{scanner: s, deps: deps, reg: newRegistry()}
}

func (b *Broadcast) Name() string { return "broadcast" }

func (b *Broadcast) Start(ctx context.Context) error {
	if err := b.deps.Pool.Go(ctx, "discovery-inquiry", b.run); err != nil {
		return fmt.Errorf("discovery: start inquiry: %w", err)
	}
	return nil
}

func (b *Broadcast) run(ctx context.Context) {
	err := b.scanner.Scan(ctx, func(d update.DeviceDescriptor, handle string) {
		if b.reg.add(d, handle) {
			b.deps.Logger.Debug("discovery: device found", zap.Stringer("device", d))
			b.deps.Bus.Publish(update.DeviceDiscovered(d))
		}
	})
	if err != nil {
		b.deps.Logger.Warn("discovery: inquiry failed to start", zap.Error(err))
		b.deps.Bus.Publish(startFailure(b.scanner.Powered))
		return
	}
	b.deps.Logger.Info("discovery: inquiry finished", zap.Int("devices", len(b.reg.snapshot())))
	b.deps.Connector.AwaitSelection()
}

// Select connects to the handle previously seen for d.
func (b *Broadcast) Select(ctx context.Context, d update.DeviceDescriptor) error {
	e, ok := b.reg.lookup(d)
	if !ok {
		return ErrUnknownDevice
	}
	return b.deps.Connector.ConnectSelected(ctx, transport.Endpoint{
		Address: e.desc.Address,
		Name:    e.desc.Name,
		Handle:  e.handle,
	})
}

func (b *Broadcast) Devices() []update.DeviceDescriptor { return b.reg.snapshot() }
