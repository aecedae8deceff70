package directory

import (
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/miekg/dns"
)

// AddressClass distinguishes the two kinds of dial address a directory
// Tuple can carry.
type AddressClass int

const (
	// ClassClearnet is a regular IP or DNS hostname.
	ClassClearnet AddressClass = iota
	// ClassOnion is a Tor v3 hidden-service hostname.
	ClassOnion
)

func (c AddressClass) String() string {
	switch c {
	case ClassOnion:
		return "onion"
	default:
		return "clearnet"
	}
}

// ClassifyAddress splits a "host:port" dial address into its host, port,
// and AddressClass, validating the host as a well-formed DNS name (or IP
// literal) along the way via dns.IsDomainName, the same syntactic check
// used to validate a name before issuing it in a DNS question.
func ClassifyAddress(address string) (host string, port uint16, class AddressClass, err error) {
	h, p, err := net.SplitHostPort(address)
	if err != nil {
		return "", 0, 0, fmt.Errorf("directory: split address %q: %w", address, err)
	}

	portNum, err := strconv.ParseUint(p, 10, 16)
	if err != nil {
		return "", 0, 0, fmt.Errorf("directory: bad port in %q: %w", address, err)
	}

	if strings.HasSuffix(strings.ToLower(h), ".onion") {
		return h, uint16(portNum), ClassOnion, nil
	}

	if net.ParseIP(h) == nil {
		if _, ok := dns.IsDomainName(h); !ok {
			return "", 0, 0, fmt.Errorf("directory: %q is not a valid hostname or IP", h)
		}
	}

	return h, uint16(portNum), ClassClearnet, nil
}
