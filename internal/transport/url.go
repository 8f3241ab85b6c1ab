package transport

import (
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// Security tiers for client connection URLs: authenticated and encrypted each
// add one.
const (
	SecurityNone         = 0
	SecurityAuthenticate = 1
	SecurityEncrypt      = 2
)

// SecurityTier sums the two device properties into a tier.
func SecurityTier(authenticated, encrypted bool) int {
	tier := 0
	if authenticated {
		tier++
	}
	if encrypted {
		tier++
	}
	return tier
}

// ServerURL is the connection URL a listening service is published under on
// stacks that address services by URL.
func ServerURL(svc uuid.UUID, name string) string {
	return "btspp://localhost:" + svc.String() + ";name=" + name
}

// ConnectionURL builds the client URL for an RFCOMM channel on addr.
func ConnectionURL(addr string, channel uint8, security int) string {
	var b strings.Builder
	b.WriteString("btspp://")
	b.WriteString(strings.ToUpper(strings.ReplaceAll(addr, ":", "")))
	b.WriteString(":")
	b.WriteString(strconv.Itoa(int(channel)))
	switch {
	case security >= SecurityEncrypt:
		b.WriteString(";authenticate=true;encrypt=true")
	case security == SecurityAuthenticate:
		b.WriteString(";authenticate=true;encrypt=false")
	default:
		b.WriteString(";authenticate=false;encrypt=false")
	}
	b.WriteString(";master=false")
	return b.String()
}

// ParseConnectionURL extracts the address and channel from a client URL.
func ParseConnectionURL(raw string) (addr string, channel uint8, err error) {
	rest, ok := strings.CutPrefix(raw, "btspp://")
	if !ok {
		return "", 0, fmt.Errorf("transport: not a btspp url: %q", raw)
	}
	if i := strings.IndexByte(rest, ';'); i >= 0 {
		rest = rest[:i]
	}
	host, port, ok := strings.Cut(rest, ":")
	if !ok || len(host) != 12 {
		return "", 0, fmt.Errorf("transport: malformed btspp url: %q", raw)
	}
	ch, err := strconv.ParseUint(port, 10, 8)
	if err != nil || ch == 0 || ch > 30 {
		return "", 0, fmt.Errorf("transport: bad rfcomm channel in %q", raw)
	}
	parts := make([]string, 0, 6)
	for i := 0; i < 12; i += 2 {
		parts = append(parts, host[i:i+2])
	}
	hw, err := net.ParseMAC(strings.Join(parts, ":"))
	if err != nil {
		return "", 0, fmt.Errorf("transport: bad address in %q: %w", raw, err)
	}
	return strings.ToUpper(hw.String()), uint8(ch), nil
}
