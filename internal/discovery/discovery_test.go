package discovery

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"btserial/internal/transport"
	"btserial/internal/update"
	"btserial/internal/worker"
)

// recordingConnector announces the selection like serial.Conn does and
// records the endpoint, or refuses with err.
type recordingConnector struct {
	bus *update.Bus

	mu       sync.Mutex
	eps      []transport.Endpoint
	err      error
	awaiting int
	done     chan struct{}
}

func newRecordingConnector(bus *update.Bus) *recordingConnector {
	return &recordingConnector{bus: bus, done: make(chan struct{}, 8)}
}

func (c *recordingConnector) ConnectSelected(_ context.Context, ep transport.Endpoint) error {
	c.mu.Lock()
	if c.err != nil {
		c.mu.Unlock()
		return c.err
	}
	c.eps = append(c.eps, ep)
	c.mu.Unlock()
	c.bus.Publish(update.DeviceSelected)
	c.done <- struct{}{}
	return nil
}

func (c *recordingConnector) refuse(err error) {
	c.mu.Lock()
	c.err = err
	c.mu.Unlock()
}

func (c *recordingConnector) AwaitSelection() {
	c.mu.Lock()
	c.awaiting++
	c.mu.Unlock()
}

func (c *recordingConnector) endpoints() []transport.Endpoint {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]transport.Endpoint(nil), c.eps...)
}

type fakeScanner struct {
	devices []update.DeviceDescriptor
	err     error
	powered bool
}

func (s *fakeScanner) Scan(_ context.Context, found FoundFunc) error {
	if s.err != nil {
		return s.err
	}
	for _, d := range s.devices {
		found(d, "/org/bluez/hci0/dev_"+d.Address)
	}
	return nil
}

func (s *fakeScanner) Powered() (bool, error) { return s.powered, nil }

type fakeInquirer struct {
	fakeScanner
	records []ServiceRecord
	// silent suppresses delivery to exercise the timeout.
	silent bool
	auth   bool
	enc    bool
	class  uuid.UUID
}

func (i *fakeInquirer) Inquire(ctx context.Context, found FoundFunc) error {
	return i.Scan(ctx, found)
}

func (i *fakeInquirer) SearchServices(_ context.Context, _ string, class uuid.UUID, deliver func([]ServiceRecord)) error {
	i.class = class
	if i.silent {
		return nil
	}
	go func() {
		deliver(i.records)
		deliver(i.records)
	}()
	return nil
}

func (i *fakeInquirer) Security(string) (bool, bool) { return i.auth, i.enc }

type fixture struct {
	bus  *update.Bus
	conn *recordingConnector
	deps Deps
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	bus := update.NewBus(16, nil)
	pool := worker.New(4, nil)
	t.Cleanup(func() {
		pool.Close()
		bus.Close()
	})
	conn := newRecordingConnector(bus)
	return &fixture{
		bus:  bus,
		conn: conn,
		deps: Deps{Bus: bus, Connector: conn, Pool: pool, SearchTimeout: 100 * time.Millisecond},
	}
}

func (f *fixture) next(t *testing.T) update.Update {
	t.Helper()
	select {
	case u := <-f.bus.Updates():
		return u
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for update")
		return update.Update{}
	}
}

func (f *fixture) quiet(t *testing.T) {
	t.Helper()
	select {
	case u := <-f.bus.Updates():
		t.Fatalf("unexpected update %v", u)
	case <-time.After(50 * time.Millisecond):
	}
}

var (
	devA = update.DeviceDescriptor{Name: "printer", Address: "AA:BB:CC:DD:EE:01"}
	devB = update.DeviceDescriptor{Name: "scale", Address: "AA:BB:CC:DD:EE:02"}
)

func TestBroadcastDeduplicatesAndSelects(t *testing.T) {
	f := newFixture(t)
	lower := devA
	lower.Address = "aa:bb:cc:dd:ee:01"
	b := NewBroadcast(&fakeScanner{devices: []update.DeviceDescriptor{devA, lower, devB, devA}}, f.deps)

	require.NoError(t, b.Start(context.Background()))
	assert.Equal(t, devA, f.next(t).Device())
	assert.Equal(t, devB, f.next(t).Device())
	f.quiet(t)
	assert.Equal(t, []update.DeviceDescriptor{devA, devB}, b.Devices())

	require.NoError(t, b.Select(context.Background(), devB))
	assert.Equal(t, update.KindDeviceSelected, f.next(t).Kind())
	eps := f.conn.endpoints()
	require.Len(t, eps, 1)
	assert.Equal(t, "/org/bluez/hci0/dev_"+devB.Address, eps[0].Handle)
	assert.Equal(t, devB.Address, eps[0].Address)

	assert.ErrorIs(t, b.Select(context.Background(), update.DeviceDescriptor{Name: "ghost"}), ErrUnknownDevice)
}

func TestBroadcastRefusedSelectionIsNotAnnounced(t *testing.T) {
	f := newFixture(t)
	b := NewBroadcast(&fakeScanner{devices: []update.DeviceDescriptor{devA}}, f.deps)
	require.NoError(t, b.Start(context.Background()))
	f.next(t)

	busy := errors.New("already connected")
	f.conn.refuse(busy)
	assert.ErrorIs(t, b.Select(context.Background(), devA), busy)
	f.quiet(t)
}

func TestServiceSearchRefusedConnectIsNoDeviceSelected(t *testing.T) {
	f := newFixture(t)
	inq := &fakeInquirer{fakeScanner: fakeScanner{devices: []update.DeviceDescriptor{devA}}, records: []ServiceRecord{{Channel: 3}}}
	s := NewServiceSearch(inq, f.deps)
	require.NoError(t, s.Start(context.Background()))
	f.next(t)

	f.conn.refuse(errors.New("already connected"))
	require.NoError(t, s.Select(context.Background(), devA))
	assert.Equal(t, update.KindNoDeviceSelected, f.next(t).Kind())
	f.quiet(t)
}

func TestBroadcastStartFailure(t *testing.T) {
	f := newFixture(t)
	b := NewBroadcast(&fakeScanner{err: errors.New("not ready"), powered: false}, f.deps)
	require.NoError(t, b.Start(context.Background()))
	assert.Equal(t, update.KindBluetoothNotEnabled, f.next(t).Kind())

	f2 := newFixture(t)
	b2 := NewBroadcast(&fakeScanner{err: errors.New("busy"), powered: true}, f2.deps)
	require.NoError(t, b2.Start(context.Background()))
	assert.Equal(t, update.KindNoDeviceSelected, f2.next(t).Kind())
}

func TestServiceSearchNamesUnknownDevices(t *testing.T) {
	f := newFixture(t)
	inq := &fakeInquirer{fakeScanner: fakeScanner{devices: []update.DeviceDescriptor{{Address: devA.Address}}}}
	s := NewServiceSearch(inq, f.deps)

	require.NoError(t, s.Start(context.Background()))
	assert.Equal(t, UnknownName, f.next(t).Device().Name)
}

func TestServiceSearchZeroRecordsIsNotFound(t *testing.T) {
	f := newFixture(t)
	inq := &fakeInquirer{fakeScanner: fakeScanner{devices: []update.DeviceDescriptor{devA}}}
	s := NewServiceSearch(inq, f.deps)
	require.NoError(t, s.Start(context.Background()))
	f.next(t)

	require.NoError(t, s.Select(context.Background(), devA))
	assert.Equal(t, update.KindDeviceNotFound, f.next(t).Kind())
	f.quiet(t)
	assert.Empty(t, f.conn.endpoints())
	assert.Equal(t, transport.SPP, inq.class)
}

func TestServiceSearchTimeoutIsNotFound(t *testing.T) {
	f := newFixture(t)
	inq := &fakeInquirer{fakeScanner: fakeScanner{devices: []update.DeviceDescriptor{devA}}, silent: true}
	s := NewServiceSearch(inq, f.deps)
	require.NoError(t, s.Start(context.Background()))
	f.next(t)

	require.NoError(t, s.Select(context.Background(), devA))
	assert.Equal(t, update.KindDeviceNotFound, f.next(t).Kind())
}

func TestServiceSearchConnectsWithFirstRecordAndTier(t *testing.T) {
	f := newFixture(t)
	inq := &fakeInquirer{
		fakeScanner: fakeScanner{devices: []update.DeviceDescriptor{devA}},
		records:     []ServiceRecord{{Channel: 3}, {Channel: 7}},
		auth:        true,
		enc:         true,
	}
	s := NewServiceSearch(inq, f.deps)
	require.NoError(t, s.Start(context.Background()))
	f.next(t)

	require.NoError(t, s.Select(context.Background(), devA))
	assert.Equal(t, update.KindDeviceSelected, f.next(t).Kind())
	<-f.conn.done
	eps := f.conn.endpoints()
	require.Len(t, eps, 1)
	assert.Equal(t, uint8(3), eps[0].Channel)
	assert.Equal(t, transport.SecurityEncrypt, eps[0].Security)
	assert.Equal(t, transport.ConnectionURL(devA.Address, 3, transport.SecurityEncrypt), eps[0].URL)
}

type fakeAssociator struct {
	res Association
	ep  transport.Endpoint
	err error
}

func (a fakeAssociator) Associate(context.Context) (Association, transport.Endpoint, error) {
	return a.res, a.ep, a.err
}

type fakeChooser struct {
	ep transport.Endpoint
	ok bool
}

func (c fakeChooser) Choose(context.Context) (transport.Endpoint, bool, error) { return c.ep, c.ok, nil }

func TestPairingOutcomes(t *testing.T) {
	bound := transport.Endpoint{Address: devA.Address}
	picked := transport.Endpoint{Address: devB.Address}

	cases := []struct {
		name    string
		assoc   fakeAssociator
		chooser fakeChooser
		want    update.Kind
		addr    string
	}{
		{"created", fakeAssociator{res: AssociationCreated, ep: bound}, fakeChooser{}, update.KindDeviceSelected, devA.Address},
		{"pending-chosen", fakeAssociator{res: AssociationPending}, fakeChooser{ep: picked, ok: true}, update.KindDeviceSelected, devB.Address},
		{"pending-dismissed", fakeAssociator{res: AssociationPending}, fakeChooser{}, update.KindNoDeviceSelected, ""},
		{"failed", fakeAssociator{res: AssociationFailed}, fakeChooser{}, update.KindNoDeviceSelected, ""},
		{"error", fakeAssociator{err: errors.New("no companion")}, fakeChooser{}, update.KindNoDeviceSelected, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			p := NewPairing(tc.assoc, tc.chooser, f.deps)
			require.NoError(t, p.Start(context.Background()))
			assert.Equal(t, tc.want, f.next(t).Kind())
			if tc.addr == "" {
				f.quiet(t)
				assert.Empty(t, f.conn.endpoints())
				return
			}
			<-f.conn.done
			assert.Equal(t, tc.addr, f.conn.endpoints()[0].Address)
		})
	}
	assert.ErrorIs(t, NewPairing(fakeAssociator{}, fakeChooser{}, newFixture(t).deps).Select(context.Background(), devA), ErrManualSelection)
}

func TestEnginePicksStrategyFromCapabilities(t *testing.T) {
	deps := newFixture(t).deps
	inq := &fakeInquirer{}

	e, err := NewEngine(Capabilities{Associator: fakeAssociator{}, Chooser: fakeChooser{}, Inquirer: inq}, deps)
	require.NoError(t, err)
	assert.Equal(t, "pairing", e.Name())

	e, err = NewEngine(Capabilities{NativeSockets: true, Scanner: &fakeScanner{}, Inquirer: inq}, deps)
	require.NoError(t, err)
	assert.Equal(t, "broadcast", e.Name())

	e, err = NewEngine(Capabilities{Scanner: &fakeScanner{}, Inquirer: inq}, deps)
	require.NoError(t, err)
	assert.Equal(t, "service-search", e.Name())

	_, err = NewEngine(Capabilities{}, deps)
	assert.ErrorIs(t, err, ErrNoStrategy)
}
