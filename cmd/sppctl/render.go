package main

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"btserial/internal/update"
)

var (
	colorOK    = lipgloss.Color("#00CC33")
	colorWarn  = lipgloss.Color("#FFAA00")
	colorError = lipgloss.Color("#FF3300")
	colorDim   = lipgloss.Color("#808080")
	colorPeer  = lipgloss.Color("#00AAFF")

	styleOK     = lipgloss.NewStyle().Foreground(colorOK).Bold(true)
	styleWarn   = lipgloss.NewStyle().Foreground(colorWarn).Bold(true)
	styleError  = lipgloss.NewStyle().Foreground(colorError).Bold(true)
	styleHint   = lipgloss.NewStyle().Foreground(colorDim).Italic(true)
	stylePrompt = lipgloss.NewStyle().Bold(true)
	styleIndex  = lipgloss.NewStyle().Foreground(colorDim).Width(5)
	styleName   = lipgloss.NewStyle().Bold(true).Width(24)
	styleAddr   = lipgloss.NewStyle().Foreground(colorDim)
	stylePeer   = lipgloss.NewStyle().Foreground(colorPeer)
)

// renderDevice is one line of a device list.
func renderDevice(i int, d update.DeviceDescriptor) string {
	name := d.Name
	if name == "" {
		name = "(no name)"
	}
	return styleIndex.Render(fmt.Sprintf("[%d]", i)) + styleName.Render(name) + styleAddr.Render(d.Address)
}

// render formats an update for the terminal. Device discoveries are
// rendered by the caller, which knows their index.
func render(u update.Update) string {
	switch u.Kind() {
	case update.KindMessage:
		return stylePeer.Render("< ") + strings.TrimRight(string(u.Payload()), "\r\n")
	case update.KindDeviceDiscovered:
		return renderDevice(0, u.Device())
	case update.KindDeviceSelected:
		return styleHint.Render("device selected, connecting...")
	case update.KindNoDeviceSelected:
		return styleWarn.Render("no device selected")
	case update.KindBluetoothNotEnabled:
		return styleError.Render("Bluetooth is not enabled")
	case update.KindPermissionsRejected:
		return styleError.Render("missing capabilities: " + strings.Join(u.Missing(), ", "))
	case update.KindDeviceConnected:
		return styleOK.Render("connected")
	case update.KindDeviceDisconnected:
		return styleWarn.Render("disconnected")
	case update.KindDeviceNotFound:
		return styleError.Render("device offers no serial port service")
	default:
		return u.String()
	}
}

// terminal reports whether u ends an interactive session.
func terminal(u update.Update) bool {
	switch u.Kind() {
	case update.KindNoDeviceSelected,
		update.KindBluetoothNotEnabled,
		update.KindPermissionsRejected,
		update.KindDeviceDisconnected,
		update.KindDeviceNotFound:
		return true
	default:
		return false
	}
}
