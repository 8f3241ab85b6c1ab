package discovery

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"btserial/internal/transport"
	"btserial/internal/update"
)

// UnknownName is reported for devices whose name could not be read.
const UnknownName = "unknown"

// ServiceRecord is one matching service found on a remote device.
type ServiceRecord struct {
	Channel uint8  // 0 when the stack resolves it at connect time
	URL     string // connection URL if the stack provides one
}

// Inquirer runs an active inquiry and searches a device's service records.
type Inquirer interface {
	// Inquire behaves like Scanner.Scan; a descriptor may carry an empty
	// name when the remote name request failed.
	Inquire(ctx context.Context, found FoundFunc) error
	// SearchServices starts a search for class on handle and returns. deliver
	// is called exactly once, from the stack's own goroutine, with the
	// records found.
	SearchServices(ctx context.Context, handle string, class uuid.UUID, deliver func([]ServiceRecord)) error
	// Security reports whether the link to handle is authenticated and
	// encrypted.
	Security(handle string) (authenticated, encrypted bool)
	Powered() (bool, error)
}

// ServiceSearch discovers by inquiry and, on selection, resolves the SPP
// record before connecting.
type ServiceSearch struct {
	inq  Inquirer
	deps Deps
	reg  *registry
}

func NewServiceSearch(inq Inquirer, deps Deps) *ServiceSearch {
	deps.defaults()
	return &ServiceSearch{inq: inq, deps: deps, reg: newRegistry()}
}

func (s *ServiceSearch) Name() string { return "service-search" }

func (s *ServiceSearch) Start(ctx context.Context) error {
	if err := s.deps.Pool.Go(ctx, "discovery-inquiry", s.run); err != nil {
		return fmt.Errorf("discovery: start inquiry: %w", err)
	}
	return nil
}

func (s *ServiceSearch) run(ctx context.Context) {
	err := s.inq.Inquire(ctx, func(d update.DeviceDescriptor, handle string) {
		if d.Name == "" {
			d.Name = UnknownName
		}
		if s.reg.add(d, handle) {
			s.deps.Bus.Publish(update.DeviceDiscovered(d))
		}
	})
	if err != nil {
		s.deps.Logger.Warn("discovery: inquiry failed to start", zap.Error(err))
		s.deps.Bus.Publish(startFailure(s.inq.Powered))
		return
	}
	s.deps.Connector.AwaitSelection()
}

// Select runs the service search for d on a worker.
func (s *ServiceSearch) Select(ctx context.Context, d update.DeviceDescriptor) error {
	e, ok := s.reg.lookup(d)
	if !ok {
		return ErrUnknownDevice
	}
	err := s.deps.Pool.Go(ctx, "discovery-service-search", func(taskCtx context.Context) {
		s.search(taskCtx, ctx, e)
	})
	if err != nil {
		return fmt.Errorf("discovery: start service search: %w", err)
	}
	return nil
}

// search waits for records on ctx; the connection it starts follows connCtx.
func (s *ServiceSearch) search(ctx, connCtx context.Context, e entry) {
	log := s.deps.Logger.With(zap.String("addr", e.desc.Address))

	// Single slot; a second delivery is dropped so the stack's goroutine
	// never blocks on us.
	slot := make(chan []ServiceRecord, 1)
	err := s.inq.SearchServices(ctx, e.handle, transport.SPP, func(recs []ServiceRecord) {
		select {
		case slot <- recs:
		default:
		}
	})
	if err != nil {
		log.Warn("discovery: service search failed", zap.Error(err))
		s.deps.Bus.Publish(update.DeviceNotFound)
		return
	}

	timer := time.NewTimer(s.deps.SearchTimeout)
	defer timer.Stop()

	var recs []ServiceRecord
	select {
	case recs = <-slot:
	case <-timer.C:
		log.Info("discovery: service search timed out", zap.Duration("timeout", s.deps.SearchTimeout))
	case <-ctx.Done():
		return
	}
	if len(recs) == 0 {
		s.deps.Bus.Publish(update.DeviceNotFound)
		return
	}

	auth, enc := s.inq.Security(e.handle)
	tier := transport.SecurityTier(auth, enc)
	rec := recs[0]
	url := rec.URL
	if url == "" && rec.Channel != 0 {
		url = transport.ConnectionURL(e.desc.Address, rec.Channel, tier)
	}

	err = s.deps.Connector.ConnectSelected(connCtx, transport.Endpoint{
		Address:  e.desc.Address,
		Name:     e.desc.Name,
		Handle:   e.handle,
		Channel:  rec.Channel,
		URL:      url,
		Security: tier,
	})
	if err != nil {
		log.Warn("discovery: connect after service search", zap.Error(err))
		s.deps.Bus.Publish(update.NoDeviceSelected)
	}
}

func (s *ServiceSearch) Devices() []update.DeviceDescriptor { return s.reg.snapshot() }
