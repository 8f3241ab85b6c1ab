//go:build linux

package bluez

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"btserial/internal/preflight"
)

// Capabilities a Linux host must provide before the link can be used.
const (
	PermSystemBus = "system-bus"
	PermBlueZ     = "bluez-service"
)

// APIVersion is the BlueZ D-Bus API generation the backend targets.
const APIVersion = 5

// Permissions is the Linux permission table.
var Permissions = preflight.PermissionSet{
	APIVersion: {PermSystemBus, PermBlueZ},
}

// Prompter talks to the person at the terminal.
type Prompter interface {
	Confirm(ctx context.Context, question string) (bool, error)
	Notify(msg string)
}

// Platform is the preflight host for Linux. A "permission" is a capability
// probed on the system; it cannot be granted from here, so every request
// answers at once and the user is pointed at the fix instead.
type Platform struct {
	c      *Client
	prompt Prompter
	log    *zap.Logger
}

var _ preflight.Platform = (*Platform)(nil)

func (c *Client) Platform(prompt Prompter) *Platform {
	return &Platform{c: c, prompt: prompt, log: c.log}
}

func (p *Platform) Version() int { return APIVersion }

func (p *Platform) Missing(ids []string) []string {
	var out []string
	for _, id := range ids {
		if !p.granted(id) {
			out = append(out, id)
		}
	}
	return out
}

func (p *Platform) granted(id string) bool {
	switch id {
	case PermSystemBus:
		_, err := p.c.bus()
		return err == nil
	case PermBlueZ:
		conn, err := p.c.bus()
		if err != nil {
			return false
		}
		var has bool
		err = conn.BusObject().Call("org.freedesktop.DBus.NameHasOwner", 0, bluezService).Store(&has)
		return err == nil && has
	default:
		return false
	}
}

func (p *Platform) ShouldShowRationale([]string) bool { return false }

func (p *Platform) ShowReason(ctx context.Context, ids []string) (bool, error) {
	return p.prompt.Confirm(ctx, "Bluetooth access needs "+strings.Join(ids, ", ")+". Continue?")
}

// RequestPermissions re-probes ids. The answer is immediate, which the
// controller treats as a platform denial.
func (p *Platform) RequestPermissions(_ context.Context, ids []string) (preflight.Outcome, error) {
	start := time.Now()
	grants := make(map[string]bool, len(ids))
	for _, id := range ids {
		grants[id] = p.granted(id)
	}
	return preflight.Outcome{Grants: grants, Elapsed: time.Since(start)}, nil
}

var fixHints = map[string]string{
	PermSystemBus: "the system D-Bus is unreachable; check DBUS_SYSTEM_BUS_ADDRESS and that dbus-daemon is running",
	PermBlueZ:     "bluetoothd is not running; try `sudo systemctl start bluetooth`",
}

// RedirectToSettings prints how to fix each missing capability and waits
// until the user is done.
func (p *Platform) RedirectToSettings(ctx context.Context, ids []string) error {
	for _, id := range ids {
		if hint, ok := fixHints[id]; ok {
			p.prompt.Notify(hint)
		}
	}
	if _, err := p.prompt.Confirm(ctx, "Press enter to check again"); err != nil {
		return fmt.Errorf("bluez: settings prompt: %w", err)
	}
	return nil
}

// RequestEnable powers the adapter on after confirmation.
func (p *Platform) RequestEnable(ctx context.Context) (bool, error) {
	on, err := p.c.Powered()
	if err != nil {
		return false, err
	}
	if on {
		return true, nil
	}
	ok, err := p.prompt.Confirm(ctx, "Bluetooth adapter is off. Turn it on?")
	if err != nil || !ok {
		return false, err
	}
	if err := p.c.SetPowered(true); err != nil {
		p.log.Warn("bluez: power on failed", zap.Error(err))
		return false, nil
	}
	return true, nil
}
