// Package validation holds input validators shared by the packet-filter
// adapter and the configuration loader. Everything that ends up on an
// iptables command line must pass through here first.
package validation

import (
	"fmt"
	"net"
	"regexp"
	"strings"
)

var (
	// Chain names follow iptables conventions: alphanumeric plus -_,
	// max 28 characters (the kernel limit is 29 including NUL).
	chainNameRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]{1,28}$`)

	// Characters that must never reach a shell or command line.
	dangerousChars = []string{";", "|", "&", "$", "`", "(", ")", "<", ">", "\\", "\"", "'", "\n", "\r", " "}
)

// ValidateAddress validates a bare IPv4 or IPv6 address. CIDR ranges
// are rejected: session rules always target a single source host.
func ValidateAddress(addr string) error {
	if addr == "" {
		return fmt.Errorf("address cannot be empty")
	}
	if strings.Contains(addr, "/") {
		return fmt.Errorf("CIDR ranges not accepted: %s", addr)
	}
	if net.ParseIP(addr) == nil {
		return fmt.Errorf("invalid IP address: %s", addr)
	}
	return nil
}

// IsIPv6 reports whether addr is an IPv6 address. Callers must have
// validated addr first; unparseable input is treated as IPv4 so the
// adapter routes it to the v4 binary, which will then reject it.
func IsIPv6(addr string) bool {
	ip := net.ParseIP(addr)
	return ip != nil && ip.To4() == nil
}

// ValidateChainName validates a packet-filter chain name.
func ValidateChainName(name string) error {
	if name == "" {
		return fmt.Errorf("chain name cannot be empty")
	}
	if !chainNameRegex.MatchString(name) {
		return fmt.Errorf("invalid chain name: %s (must be alphanumeric with -_, max 28 chars)", name)
	}
	for _, c := range dangerousChars {
		if strings.Contains(name, c) {
			return fmt.Errorf("chain name contains dangerous character: %s", c)
		}
	}
	return nil
}

// ValidatePortNumber validates a TCP/UDP port number.
func ValidatePortNumber(port int) error {
	if port < 1 || port > 65535 {
		return fmt.Errorf("invalid port number: %d (must be 1-65535)", port)
	}
	return nil
}

// SanitizeString strips dangerous characters from a string before it is
// written to logs or notifications.
func SanitizeString(s string) string {
	for _, c := range dangerousChars {
		s = strings.ReplaceAll(s, c, "")
	}
	return s
}
