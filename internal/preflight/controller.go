// Package preflight acquires the permissions and adapter state a Bluetooth
// serial link needs before discovery or listening may start.
package preflight

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"btserial/internal/update"
)

// DefaultAutoDenyThreshold separates a denial the platform issued on its own
// (the user was never asked) from one the user chose.
const DefaultAutoDenyThreshold = 250 * time.Millisecond

// State is the position of a Controller in the permission flow.
type State int

const (
	StateNotChecked State = iota
	StateRequesting
	StateReasonDialog
	StateSettingsDialog
	StateGranted
	StateDenied
)

func (s State) String() string {
	switch s {
	case StateNotChecked:
		return "not_checked"
	case StateRequesting:
		return "requesting"
	case StateReasonDialog:
		return "dialog_pending(reason)"
	case StateSettingsDialog:
		return "dialog_pending(settings)"
	case StateGranted:
		return "granted"
	case StateDenied:
		return "denied"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Outcome is the asynchronous answer to a permission request.
type Outcome struct {
	Grants map[string]bool
	// Elapsed is the time between request and answer. Zero lets the
	// Controller measure it.
	Elapsed time.Duration
}

// Platform is the host side of the flow. Dialogs and their text live there;
// every method blocks until the user or OS has answered.
type Platform interface {
	// Version is the capability version used to resolve the PermissionSet.
	Version() int
	// Missing returns the subset of ids not currently granted, in order.
	Missing(ids []string) []string
	ShouldShowRationale(ids []string) bool
	// ShowReason explains why ids are needed and reports whether the user
	// agreed to continue.
	ShowReason(ctx context.Context, ids []string) (bool, error)
	RequestPermissions(ctx context.Context, ids []string) (Outcome, error)
	// RedirectToSettings sends the user to the system settings and returns
	// once they are back.
	RedirectToSettings(ctx context.Context, ids []string) error
	// RequestEnable asks for the adapter to be switched on.
	RequestEnable(ctx context.Context) (bool, error)
}

// Options configures a Controller. Bus is required.
type Options struct {
	Permissions PermissionSet
	// Threshold defaults to DefaultAutoDenyThreshold.
	Threshold time.Duration
	Bus       *update.Bus
	Logger    *zap.Logger
	Now       func() time.Time
}

// Controller runs the check, request, escalate, enable sequence. Its only
// side effects are bus updates and the start hook.
type Controller struct {
	p         Platform
	perms     PermissionSet
	threshold time.Duration
	bus       *update.Bus
	log       *zap.Logger
	now       func() time.Time

	mu    sync.Mutex
	state State
}

func New(p Platform, opts Options) *Controller {
	c := &Controller{
		p:         p,
		perms:     opts.Permissions,
		threshold: opts.Threshold,
		bus:       opts.Bus,
		log:       opts.Logger,
		now:       opts.Now,
	}
	if c.threshold <= 0 {
		c.threshold = DefaultAutoDenyThreshold
	}
	if c.log == nil {
		c.log = zap.NewNop()
	}
	if c.now == nil {
		c.now = time.Now
	}
	return c
}

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Controller) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
	c.log.Debug("preflight: state", zap.Stringer("state", s))
}

// EnsureReady walks the flow once and calls start when permissions are held
// and the adapter is on. Refusals are reported on the bus; the returned error
// is reserved for platform failures, cancellation and the error of start.
func (c *Controller) EnsureReady(ctx context.Context, start func(context.Context) error) error {
	ids := c.perms.Resolve(c.p.Version())
	missing := c.p.Missing(ids)
	if len(missing) == 0 {
		c.setState(StateGranted)
		return c.enable(ctx, start)
	}

	if c.p.ShouldShowRationale(missing) {
		c.setState(StateReasonDialog)
		ok, err := c.p.ShowReason(ctx, missing)
		if err != nil {
			return fmt.Errorf("preflight: show reason: %w", err)
		}
		if !ok {
			c.reject(missing)
			return nil
		}
	}
	return c.request(ctx, ids, missing, start)
}

func (c *Controller) request(ctx context.Context, ids, missing []string, start func(context.Context) error) error {
	c.setState(StateRequesting)
	t0 := c.now()
	out, err := c.p.RequestPermissions(ctx, missing)
	if err != nil {
		return fmt.Errorf("preflight: request permissions: %w", err)
	}
	elapsed := out.Elapsed
	if elapsed <= 0 {
		elapsed = c.now().Sub(t0)
	}

	var denied []string
	for _, id := range missing {
		if !out.Grants[id] {
			denied = append(denied, id)
		}
	}
	if len(denied) == 0 {
		c.setState(StateGranted)
		return c.enable(ctx, start)
	}

	if elapsed >= c.threshold {
		c.log.Info("preflight: permissions denied", zap.Strings("denied", denied), zap.Duration("elapsed", elapsed))
		c.reject(denied)
		return nil
	}

	// Answered faster than a person could: the platform no longer shows the
	// dialog, so only the settings screen can grant.
	c.log.Info("preflight: permissions auto-denied, redirecting to settings",
		zap.Strings("denied", denied), zap.Duration("elapsed", elapsed))
	c.setState(StateSettingsDialog)
	if err := c.p.RedirectToSettings(ctx, denied); err != nil {
		return fmt.Errorf("preflight: redirect to settings: %w", err)
	}
	if still := c.p.Missing(ids); len(still) > 0 {
		c.reject(still)
		return nil
	}
	c.setState(StateGranted)
	return c.enable(ctx, start)
}

func (c *Controller) reject(missing []string) {
	c.setState(StateDenied)
	c.bus.Publish(update.PermissionsRejected(missing))
}

func (c *Controller) enable(ctx context.Context, start func(context.Context) error) error {
	ok, err := c.p.RequestEnable(ctx)
	if err != nil {
		return fmt.Errorf("preflight: request enable: %w", err)
	}
	if !ok {
		c.log.Info("preflight: adapter left disabled")
		c.bus.Publish(update.BluetoothNotEnabled)
		return nil
	}
	if start == nil {
		return nil
	}
	return start(ctx)
}
