package preflight

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"btserial/internal/update"
)

// scriptedPlatform answers every prompt from its fields and records calls.
type scriptedPlatform struct {
	version   int
	granted   map[string]bool
	rationale bool
	reasonOK  bool
	outcome   Outcome
	// grantOnSettings is applied when the user returns from settings.
	grantOnSettings []string
	enable          bool
	enableErr       error

	requested  [][]string
	redirected [][]string
	reasons    int
	enables    int
}

func (p *scriptedPlatform) Version() int { return p.version }

func (p *scriptedPlatform) Missing(ids []string) []string {
	var out []string
	for _, id := range ids {
		if !p.granted[id] {
			out = append(out, id)
		}
	}
	return out
}

func (p *scriptedPlatform) ShouldShowRationale([]string) bool { return p.rationale }

func (p *scriptedPlatform) ShowReason(context.Context, []string) (bool, error) {
	p.reasons++
	return p.reasonOK, nil
}

func (p *scriptedPlatform) RequestPermissions(_ context.Context, ids []string) (Outcome, error) {
	p.requested = append(p.requested, ids)
	for id, ok := range p.outcome.Grants {
		if ok {
			p.granted[id] = true
		}
	}
	return p.outcome, nil
}

func (p *scriptedPlatform) RedirectToSettings(_ context.Context, ids []string) error {
	p.redirected = append(p.redirected, ids)
	for _, id := range p.grantOnSettings {
		p.granted[id] = true
	}
	return nil
}

func (p *scriptedPlatform) RequestEnable(context.Context) (bool, error) {
	p.enables++
	return p.enable, p.enableErr
}

var testPerms = PermissionSet{0: {"scan", "connect"}}

func newController(p *scriptedPlatform) (*Controller, *update.Bus) {
	bus := update.NewBus(8, nil)
	return New(p, Options{Permissions: testPerms, Bus: bus}), bus
}

func drain(bus *update.Bus) []update.Update {
	var out []update.Update
	for {
		select {
		case u := <-bus.Updates():
			out = append(out, u)
		default:
			return out
		}
	}
}

func startRecorder() (func(context.Context) error, *int) {
	n := 0
	return func(context.Context) error { n++; return nil }, &n
}

func TestAllGrantedGoesStraightToEnable(t *testing.T) {
	p := &scriptedPlatform{granted: map[string]bool{"scan": true, "connect": true}, enable: true}
	c, bus := newController(p)
	start, started := startRecorder()

	require.NoError(t, c.EnsureReady(context.Background(), start))
	assert.Equal(t, 1, *started)
	assert.Empty(t, p.requested)
	assert.Empty(t, drain(bus))
	assert.Equal(t, StateGranted, c.State())
}

func TestFastDenialRedirectsToSettings(t *testing.T) {
	p := &scriptedPlatform{
		granted: map[string]bool{},
		outcome: Outcome{Grants: map[string]bool{"scan": false, "connect": false}, Elapsed: 100 * time.Millisecond},
	}
	c, bus := newController(p)
	start, started := startRecorder()

	require.NoError(t, c.EnsureReady(context.Background(), start))
	assert.Equal(t, [][]string{{"scan", "connect"}}, p.redirected)
	got := drain(bus)
	require.Len(t, got, 1)
	assert.Equal(t, update.KindPermissionsRejected, got[0].Kind())
	assert.Equal(t, []string{"scan", "connect"}, got[0].Missing())
	assert.Zero(t, *started)
}

func TestSlowDenialRejectsExactIDs(t *testing.T) {
	p := &scriptedPlatform{
		granted: map[string]bool{},
		outcome: Outcome{Grants: map[string]bool{"scan": true, "connect": false}, Elapsed: 400 * time.Millisecond},
	}
	c, bus := newController(p)

	require.NoError(t, c.EnsureReady(context.Background(), nil))
	assert.Empty(t, p.redirected)
	got := drain(bus)
	require.Len(t, got, 1)
	assert.Equal(t, []string{"connect"}, got[0].Missing())
	assert.Equal(t, StateDenied, c.State())
}

func TestSettingsGrantContinuesToEnable(t *testing.T) {
	p := &scriptedPlatform{
		granted:         map[string]bool{},
		outcome:         Outcome{Grants: map[string]bool{}, Elapsed: 10 * time.Millisecond},
		grantOnSettings: []string{"scan", "connect"},
		enable:          true,
	}
	c, bus := newController(p)
	start, started := startRecorder()

	require.NoError(t, c.EnsureReady(context.Background(), start))
	assert.Len(t, p.redirected, 1)
	assert.Equal(t, 1, *started)
	assert.Empty(t, drain(bus))
}

func TestSettingsPartialGrantReportsStillMissing(t *testing.T) {
	p := &scriptedPlatform{
		granted:         map[string]bool{},
		outcome:         Outcome{Grants: map[string]bool{}, Elapsed: 10 * time.Millisecond},
		grantOnSettings: []string{"scan"},
	}
	c, bus := newController(p)

	require.NoError(t, c.EnsureReady(context.Background(), nil))
	got := drain(bus)
	require.Len(t, got, 1)
	assert.Equal(t, []string{"connect"}, got[0].Missing())
}

func TestElapsedMeasuredWhenOutcomeOmitsIt(t *testing.T) {
	p := &scriptedPlatform{
		granted: map[string]bool{},
		outcome: Outcome{Grants: map[string]bool{}},
	}
	bus := update.NewBus(8, nil)
	clock := time.Unix(0, 0)
	c := New(p, Options{Permissions: testPerms, Bus: bus, Now: func() time.Time {
		clock = clock.Add(time.Second)
		return clock
	}})

	require.NoError(t, c.EnsureReady(context.Background(), nil))
	assert.Empty(t, p.redirected)
	assert.Equal(t, []string{"scan", "connect"}, drain(bus)[0].Missing())
}

func TestRationaleDeclinedRejectsWithoutRequest(t *testing.T) {
	p := &scriptedPlatform{granted: map[string]bool{"scan": true}, rationale: true}
	c, bus := newController(p)

	require.NoError(t, c.EnsureReady(context.Background(), nil))
	assert.Equal(t, 1, p.reasons)
	assert.Empty(t, p.requested)
	assert.Equal(t, []string{"connect"}, drain(bus)[0].Missing())
}

func TestRationaleAcceptedRequests(t *testing.T) {
	p := &scriptedPlatform{
		granted:   map[string]bool{},
		rationale: true,
		reasonOK:  true,
		outcome:   Outcome{Grants: map[string]bool{"scan": true, "connect": true}, Elapsed: time.Second},
		enable:    true,
	}
	c, _ := newController(p)
	start, started := startRecorder()

	require.NoError(t, c.EnsureReady(context.Background(), start))
	assert.Len(t, p.requested, 1)
	assert.Equal(t, 1, *started)
}

func TestEnableDeclined(t *testing.T) {
	p := &scriptedPlatform{granted: map[string]bool{"scan": true, "connect": true}}
	c, bus := newController(p)
	start, started := startRecorder()

	require.NoError(t, c.EnsureReady(context.Background(), start))
	got := drain(bus)
	require.Len(t, got, 1)
	assert.Equal(t, update.KindBluetoothNotEnabled, got[0].Kind())
	assert.Zero(t, *started)
}

func TestPlatformErrorIsReturned(t *testing.T) {
	boom := errors.New("boom")
	p := &scriptedPlatform{granted: map[string]bool{"scan": true, "connect": true}, enableErr: boom}
	c, bus := newController(p)

	assert.ErrorIs(t, c.EnsureReady(context.Background(), nil), boom)
	assert.Empty(t, drain(bus))
}

func TestPermissionSetResolve(t *testing.T) {
	assert.Len(t, AndroidPermissions.Resolve(30), 4)
	assert.Equal(t, []string{
		"android.permission.BLUETOOTH_SCAN",
		"android.permission.BLUETOOTH_CONNECT",
	}, AndroidPermissions.Resolve(33))
	assert.Contains(t, AndroidPermissions.Resolve(35), "android.permission.FOREGROUND_SERVICE")
	assert.Nil(t, PermissionSet{5: {"x"}}.Resolve(4))
}
