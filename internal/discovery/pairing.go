package discovery

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"btserial/internal/transport"
	"btserial/internal/update"
)

// Association is the answer of an OS pairing flow.
type Association int

const (
	// AssociationPending means the OS produced candidates for the user to
	// choose from.
	AssociationPending Association = iota
	// AssociationCreated means the OS already bound a device.
	AssociationCreated
	AssociationFailed
)

// Associator starts the OS pairing flow. For AssociationCreated the endpoint
// of the bound device is returned.
type Associator interface {
	Associate(ctx context.Context) (Association, transport.Endpoint, error)
}

// DeviceChooser shows the OS device picker. ok is false when the user
// dismissed it.
type DeviceChooser interface {
	Choose(ctx context.Context) (ep transport.Endpoint, ok bool, err error)
}

// Pairing delegates discovery and selection to the OS.
type Pairing struct {
	assoc   Associator
	chooser DeviceChooser
	deps    Deps
}

func NewPairing(a Associator, c DeviceChooser, deps Deps) *Pairing {
	deps.defaults()
	return &Pairing{assoc: a, chooser: c, deps: deps}
}

func (p *Pairing) Name() string { return "pairing" }

func (p *Pairing) Start(ctx context.Context) error {
	// The connection outlives the association task, so it follows ctx.
	err := p.deps.Pool.Go(ctx, "discovery-associate", func(taskCtx context.Context) {
		p.run(taskCtx, ctx)
	})
	if err != nil {
		return fmt.Errorf("discovery: start association: %w", err)
	}
	return nil
}

func (p *Pairing) run(ctx, connCtx context.Context) {
	log := p.deps.Logger
	res, ep, err := p.assoc.Associate(ctx)
	if err != nil {
		log.Warn("discovery: association failed", zap.Error(err))
		res = AssociationFailed
	}

	switch res {
	case AssociationPending:
		p.deps.Connector.AwaitSelection()
		var ok bool
		ep, ok, err = p.chooser.Choose(ctx)
		if err != nil {
			log.Warn("discovery: chooser failed", zap.Error(err))
		}
		if err != nil || !ok {
			p.deps.Bus.Publish(update.NoDeviceSelected)
			return
		}
	case AssociationCreated:
	default:
		p.deps.Bus.Publish(update.NoDeviceSelected)
		return
	}

	if err := p.deps.Connector.ConnectSelected(connCtx, ep); err != nil {
		log.Warn("discovery: connect after association", zap.String("addr", ep.Address), zap.Error(err))
		p.deps.Bus.Publish(update.NoDeviceSelected)
	}
}

// Select always fails: the OS chooser owns selection.
func (p *Pairing) Select(context.Context, update.DeviceDescriptor) error {
	return ErrManualSelection
}

func (p *Pairing) Devices() []update.DeviceDescriptor { return nil }
