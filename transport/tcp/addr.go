//go:build linux

// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package tcp

import (
	"fmt"
	"net"
	"strconv"

	"golang.org/x/sys/unix"
)

// ParseAddr converts "host:port" into an IPv4 socket address. An empty
// host means INADDR_ANY.
func ParseAddr(s string) (*unix.SockaddrInet4, error) {
	host, portStr, err := net.SplitHostPort(s)
	if err != nil {
		return nil, fmt.Errorf("tcp: bad address %q: %w", s, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 0 || port > 65535 {
		return nil, fmt.Errorf("tcp: bad port in %q", s)
	}

	sa := &unix.SockaddrInet4{Port: port}
	if host != "" {
		ip := net.ParseIP(host)
		if ip == nil || ip.To4() == nil {
			return nil, fmt.Errorf("tcp: not an IPv4 address: %q", host)
		}
		copy(sa.Addr[:], ip.To4())
	}
	return sa, nil
}
