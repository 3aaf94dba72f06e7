package transmit

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
)

// DefaultPort is the receiver's well-known port.
const DefaultPort = 48123

const maxHostLength = 253

// ErrInvalidTarget is returned for a host/port pair that can never be dialed.
var ErrInvalidTarget = errors.New("invalid target")

// Target is the remote endpoint of one stream session. It does not change
// for the lifetime of the session.
type Target struct {
	Host string
	Port int
}

// Addr returns the dialable host:port form.
func (t Target) Addr() string {
	return net.JoinHostPort(t.Host, strconv.Itoa(t.Port))
}

func (t Target) String() string { return t.Addr() }

// ValidateTarget checks that host and port are well formed before any dial:
//   - port in 1..65535
//   - host is an IP literal or a syntactically valid DNS name
//   - no scheme, path, or embedded port in host
//   - unspecified and multicast addresses are rejected (a stream needs one peer)
func ValidateTarget(host string, port int) (Target, error) {
	host = strings.TrimSpace(host)
	if port < 1 || port > 65535 {
		return Target{}, fmt.Errorf("%w: port %d out of range", ErrInvalidTarget, port)
	}
	if host == "" {
		return Target{}, fmt.Errorf("%w: empty host", ErrInvalidTarget)
	}
	if len(host) > maxHostLength {
		return Target{}, fmt.Errorf("%w: host too long (%d chars, max %d)", ErrInvalidTarget, len(host), maxHostLength)
	}

	if ip := net.ParseIP(strings.Trim(host, "[]")); ip != nil {
		if ip.IsUnspecified() {
			return Target{}, fmt.Errorf("%w: unspecified address %s", ErrInvalidTarget, ip)
		}
		if ip.IsMulticast() {
			return Target{}, fmt.Errorf("%w: multicast address %s", ErrInvalidTarget, ip)
		}
		return Target{Host: ip.String(), Port: port}, nil
	}

	if !validHostname(host) {
		return Target{}, fmt.Errorf("%w: malformed host %q", ErrInvalidTarget, host)
	}
	return Target{Host: host, Port: port}, nil
}

func validHostname(host string) bool {
	host = strings.TrimSuffix(host, ".")
	if host == "" {
		return false
	}
	for _, label := range strings.Split(host, ".") {
		if len(label) == 0 || len(label) > 63 {
			return false
		}
		if label[0] == '-' || label[len(label)-1] == '-' {
			return false
		}
		for _, c := range label {
			switch {
			case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-':
			default:
				return false
			}
		}
	}
	return true
}
