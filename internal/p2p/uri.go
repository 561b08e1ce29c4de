package p2p

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/multiformats/go-multiaddr"
)

// URI errors
var (
	ErrMalformedURI = errors.New("malformed node URI")
)

// NodeURI identifies a reachable node: <nodePubKey>@<host>:<port>.
type NodeURI struct {
	PubKey string
	Host   string
	Port   uint16
}

// ParseURI parses a node URI string.
func ParseURI(s string) (NodeURI, error) {
	at := strings.IndexByte(s, '@')
	if at <= 0 {
		return NodeURI{}, fmt.Errorf("%w: missing node pubkey in %q", ErrMalformedURI, s)
	}

	pubKey := s[:at]
	if len(pubKey) != 66 {
		return NodeURI{}, fmt.Errorf("%w: node pubkey must be 33 hex-encoded bytes", ErrMalformedURI)
	}

	host, portStr, err := net.SplitHostPort(s[at+1:])
	if err != nil {
		return NodeURI{}, fmt.Errorf("%w: %v", ErrMalformedURI, err)
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return NodeURI{}, fmt.Errorf("%w: invalid port %q", ErrMalformedURI, portStr)
	}

	return NodeURI{PubKey: pubKey, Host: host, Port: uint16(port)}, nil
}

// String formats the URI as <pubkey>@<host>:<port>.
func (u NodeURI) String() string {
	return fmt.Sprintf("%s@%s", u.PubKey, net.JoinHostPort(u.Host, strconv.Itoa(int(u.Port))))
}

// Addr returns the host:port portion.
func (u NodeURI) Addr() string {
	return net.JoinHostPort(u.Host, strconv.Itoa(int(u.Port)))
}

// IsTor reports whether the URI points at an onion service.
func (u NodeURI) IsTor() bool {
	return strings.HasSuffix(u.Host, ".onion")
}

// Multiaddr converts the host and port to a dialable multiaddr.
func (u NodeURI) Multiaddr() (multiaddr.Multiaddr, error) {
	var s string
	switch {
	case net.ParseIP(u.Host) != nil && strings.Contains(u.Host, ":"):
		s = fmt.Sprintf("/ip6/%s/tcp/%d", u.Host, u.Port)
	case net.ParseIP(u.Host) != nil:
		s = fmt.Sprintf("/ip4/%s/tcp/%d", u.Host, u.Port)
	default:
		s = fmt.Sprintf("/dns4/%s/tcp/%d", u.Host, u.Port)
	}
	return multiaddr.NewMultiaddr(s)
}

// AddrToMultiaddr converts a plain host:port address to a multiaddr.
func AddrToMultiaddr(addr string) (multiaddr.Multiaddr, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, fmt.Errorf("invalid address %q: %w", addr, err)
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return nil, fmt.Errorf("invalid port in %q: %w", addr, err)
	}
	return NodeURI{Host: host, Port: uint16(port)}.Multiaddr()
}

// isTorAddr reports whether a host:port address points at an onion service.
func isTorAddr(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return strings.HasSuffix(addr, ".onion")
	}
	return strings.HasSuffix(host, ".onion")
}
