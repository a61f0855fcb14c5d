// Package utils holds small helpers shared by the simulator driver.
package utils

import (
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/oklog/ulid/v2"
)

var ErrNoIP = errors.New("utils: address carries no IP")

// RemoteIP extracts the peer IP of a connection address. IPv4-mapped IPv6
// addresses are returned in their 4-byte form so that scope keys and
// subnet masks treat them as IPv4.
func RemoteIP(addr net.Addr) (net.IP, error) {
	if addr == nil {
		return nil, fmt.Errorf("%w: nil address", ErrNoIP)
	}

	var ip net.IP
	switch a := addr.(type) {
	case *net.TCPAddr:
		ip = a.IP
	case *net.UDPAddr:
		ip = a.IP
	case *net.IPAddr:
		ip = a.IP
	default:
		host, _, err := net.SplitHostPort(addr.String())
		if err != nil {
			host = addr.String()
		}
		// Strip an IPv6 zone, "fe80::1%eth0".
		host, _, _ = strings.Cut(host, "%")
		ip = net.ParseIP(host)
	}
	if ip == nil {
		return nil, fmt.Errorf("%w: %v", ErrNoIP, addr)
	}
	if v4 := ip.To4(); v4 != nil {
		return v4, nil
	}
	return ip, nil
}

// NewSessionID returns a lexically sortable, unique session identifier.
func NewSessionID() string {
	return ulid.Make().String()
}
