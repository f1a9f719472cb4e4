package registration

import (
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/openebl/idsreg/pkg/model"
)

// ParseAddress turns "host", "host:port", "[v6]", "[v6]:port" or a bare IPv6
// literal into a dialable "host:port", using defaultPort when none is given.
func ParseAddress(addr string, defaultPort int) (string, error) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return "", fmt.Errorf("empty address: %w", model.ErrInvalidParameter)
	}

	host, port := addr, ""
	switch {
	case strings.HasPrefix(addr, "["):
		end := strings.Index(addr, "]")
		if end < 0 {
			return "", fmt.Errorf("address %q: missing ']': %w", addr, model.ErrInvalidParameter)
		}
		host = addr[1:end]
		rest := addr[end+1:]
		if rest != "" {
			if !strings.HasPrefix(rest, ":") {
				return "", fmt.Errorf("address %q: unexpected %q after ']': %w", addr, rest, model.ErrInvalidParameter)
			}
			port = rest[1:]
		}
	case strings.Count(addr, ":") == 1:
		host, port, _ = strings.Cut(addr, ":")
	}

	if host == "" {
		return "", fmt.Errorf("address %q: empty host: %w", addr, model.ErrInvalidParameter)
	}
	if port == "" {
		port = strconv.Itoa(defaultPort)
	}
	if value, err := strconv.ParseUint(port, 10, 16); err != nil || value == 0 {
		return "", fmt.Errorf("address %q: invalid port %q: %w", addr, port, model.ErrInvalidParameter)
	}
	return net.JoinHostPort(host, port), nil
}
