package serial

import "fmt"

// Role fixes which side of the link a Conn plays.
type Role struct {
	server      bool
	serviceName string
}

// Client returns the connection-initiating role.
func Client() Role { return Role{} }

// Server returns the accepting role publishing serviceName.
func Server(serviceName string) Role { return Role{server: true, serviceName: serviceName} }

func (r Role) IsServer() bool      { return r.server }
func (r Role) ServiceName() string { return r.serviceName }

func (r Role) String() string {
	if r.server {
		return fmt.Sprintf("server(%s)", r.serviceName)
	}
	return "client"
}

// State is the lifecycle position of a Conn.
type State int

const (
	StateIdle State = iota
	StateDiscovering
	StateAwaitingSelection
	StateConnecting
	StateConnected
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateDiscovering:
		return "discovering"
	case StateAwaitingSelection:
		return "awaiting_selection"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// live reports whether an attempt owns, or is about to own, a socket.
func (s State) live() bool {
	return s == StateConnecting || s == StateConnected
}
