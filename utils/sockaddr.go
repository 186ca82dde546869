package utils

import (
	"fmt"
	"net"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// ResolveSockaddr turns "host:port" into a raw socket address and its family.
// Host names are looked up, so it may block.
func ResolveSockaddr(address string) (unix.Sockaddr, int, error) {
	tcpAddr, err := net.ResolveTCPAddr("tcp", address)
	if err != nil {
		return nil, 0, err
	}
	sa, family := tcpSockaddr(tcpAddr)
	return sa, family, nil
}

// LiteralSockaddr is ResolveSockaddr for an IP literal host. It never does a
// lookup and fails for host names.
func LiteralSockaddr(address string) (unix.Sockaddr, int, error) {
	host, port, err := net.SplitHostPort(address)
	if err != nil {
		return nil, 0, err
	}
	p, err := strconv.ParseUint(port, 10, 16)
	if err != nil {
		return nil, 0, fmt.Errorf("invalid port in %s", address)
	}
	tcpAddr := &net.TCPAddr{Port: int(p)}
	if host != "" {
		ip, zone, _ := strings.Cut(host, "%")
		if tcpAddr.IP = net.ParseIP(ip); tcpAddr.IP == nil {
			return nil, 0, fmt.Errorf("%s is not an ip address", host)
		}
		tcpAddr.Zone = zone
	}
	sa, family := tcpSockaddr(tcpAddr)
	return sa, family, nil
}

// IsLiteral tells whether the host of address needs no lookup.
func IsLiteral(address string) bool {
	host, _, err := net.SplitHostPort(address)
	if err != nil {
		return false
	}
	ip, _, _ := strings.Cut(host, "%")
	return host == "" || net.ParseIP(ip) != nil
}

func tcpSockaddr(tcpAddr *net.TCPAddr) (unix.Sockaddr, int) {
	if ip4 := tcpAddr.IP.To4(); ip4 != nil || tcpAddr.IP == nil {
		sa := &unix.SockaddrInet4{Port: tcpAddr.Port}
		if ip4 != nil {
			copy(sa.Addr[:], ip4)
		}
		return sa, unix.AF_INET
	}
	sa := &unix.SockaddrInet6{Port: tcpAddr.Port}
	copy(sa.Addr[:], tcpAddr.IP.To16())
	if tcpAddr.Zone != "" {
		if ifi, err := net.InterfaceByName(tcpAddr.Zone); err == nil {
			sa.ZoneId = uint32(ifi.Index)
		}
	}
	return sa, unix.AF_INET6
}

// SockaddrToTCPAddr converts a raw socket address; nil for non-inet families.
func SockaddrToTCPAddr(sa unix.Sockaddr) *net.TCPAddr {
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		return &net.TCPAddr{IP: net.IPv4(a.Addr[0], a.Addr[1], a.Addr[2], a.Addr[3]), Port: a.Port}
	case *unix.SockaddrInet6:
		ip := make(net.IP, net.IPv6len)
		copy(ip, a.Addr[:])
		zone := ""
		if a.ZoneId != 0 {
			if ifi, err := net.InterfaceByIndex(int(a.ZoneId)); err == nil {
				zone = ifi.Name
			}
		}
		return &net.TCPAddr{IP: ip, Port: a.Port, Zone: zone}
	}
	return nil
}
