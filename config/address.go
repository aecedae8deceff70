package config

import (
	"net"
	"strconv"
	"strings"
)

var loopbackAddrs = []string{"localhost", "127.0.0.1", "[::1]"}

// tcpResolver matches net.ResolveTCPAddr's signature so tests can inject a
// resolver that never touches the network.
type tcpResolver = func(network, addr string) (*net.TCPAddr, error)

// NormalizeAddresses parses every entry in addrs with ParseAddressString and
// drops duplicates, preserving first-seen order.
func NormalizeAddresses(addrs []string, defaultPort string, resolver tcpResolver) ([]net.Addr, error) {
	result := make([]net.Addr, 0, len(addrs))
	seen := make(map[string]struct{}, len(addrs))

	for _, addr := range addrs {
		parsed, err := ParseAddressString(addr, defaultPort, resolver)
		if err != nil {
			return nil, err
		}
		if _, ok := seen[parsed.String()]; ok {
			continue
		}
		seen[parsed.String()] = struct{}{}
		result = append(result, parsed)
	}
	return result, nil
}

// ParseAddressString converts strAddress, in "network://host:port",
// "network:host:port", "host:port", or bare-port form, into a net.Addr.
// Only tcp and unix-socket networks are supported: this module has no use
// for UDP or raw IP sockets.
func ParseAddressString(strAddress string, defaultPort string, resolver tcpResolver) (net.Addr, error) {
	var network, addr string

	switch {
	case strings.Contains(strAddress, "://"):
		parts := strings.SplitN(strAddress, "://", 2)
		network, addr = parts[0], parts[1]
	case strings.Contains(strAddress, ":"):
		parts := strings.SplitN(strAddress, ":", 2)
		network, addr = parts[0], parts[1]
	}

	switch network {
	case "unix", "unixpacket":
		return net.ResolveUnixAddr(network, addr)

	case "tcp", "tcp4", "tcp6":
		return resolver(network, verifyPort(addr, defaultPort))

	default:
		addrWithPort := verifyPort(strAddress, defaultPort)
		host, _, _ := net.SplitHostPort(addrWithPort)

		if host == "" || IsLoopback(host) {
			return net.ResolveTCPAddr("tcp", addrWithPort)
		}
		return resolver("tcp", addrWithPort)
	}
}

// IsLoopback reports whether addr names a loopback interface.
func IsLoopback(addr string) bool {
	for _, l := range loopbackAddrs {
		if strings.Contains(addr, l) {
			return true
		}
	}
	return false
}

// IsUnix reports whether addr describes a Unix socket address.
func IsUnix(addr net.Addr) bool {
	return strings.HasPrefix(addr.Network(), "unix")
}

// EnforceSafeAuthentication refuses to start an RPC server on a publicly
// reachable address with macaroon authentication disabled.
func EnforceSafeAuthentication(addrs []net.Addr, macaroonsActive bool) error {
	for _, addr := range addrs {
		if IsLoopback(addr.String()) || IsUnix(addr) {
			continue
		}
		if !macaroonsActive {
			return errPublicInterfaceNoAuth(addr.String())
		}
	}
	return nil
}

type addrAuthError string

func (e addrAuthError) Error() string {
	return "refusing to listen on publicly reachable address " + string(e) +
		" with authentication disabled"
}

func errPublicInterfaceNoAuth(addr string) error {
	return addrAuthError(addr)
}

// verifyPort ensures address carries both a host and a port, filling in
// defaultPort when one is missing and treating a bare integer as a
// localhost port shorthand.
func verifyPort(address string, defaultPort string) string {
	host, port, err := net.SplitHostPort(address)
	if err != nil {
		if _, err := strconv.Atoi(address); err == nil {
			return net.JoinHostPort("localhost", address)
		}
		if strings.HasPrefix(address, "[") {
			return address + ":" + defaultPort
		}
		return net.JoinHostPort(address, defaultPort)
	}

	if host == "" && port == "" {
		return ":" + defaultPort
	}
	return address
}
