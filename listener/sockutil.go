package listener

import (
	"fmt"
	"net"

	"golang.org/x/sys/unix"
)

// bindSocket creates, tunes, and binds a non-blocking TCP listening socket
// for address ("host:port"). Grounded on original_source/src/Acceptor.cc's
// constructor: setKeepAlive/setReuseAddr/setNoDelay/setnonblock, then bind.
func bindSocket(network, address string, opts Options) (int, net.Addr, error) {
	if network != "tcp" && network != "tcp4" && network != "tcp6" {
		return -1, nil, fmt.Errorf("listener: unsupported network %q", network)
	}

	tcpAddr, err := net.ResolveTCPAddr(network, address)
	if err != nil {
		return -1, nil, err
	}

	domain := unix.AF_INET
	if tcpAddr.IP != nil && tcpAddr.IP.To4() == nil {
		domain = unix.AF_INET6
	}

	fd, err := unix.Socket(domain, unix.SOCK_STREAM, 0)
	if err != nil {
		return -1, nil, err
	}

	if opts.ReuseAddr {
		_ = unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
	}
	if opts.KeepAlive {
		_ = unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_KEEPALIVE, 1)
	}
	if opts.NoDelay {
		_ = unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		_ = unix.Close(fd)
		return -1, nil, err
	}

	sa, err := addrToSockaddr(domain, tcpAddr)
	if err != nil {
		_ = unix.Close(fd)
		return -1, nil, err
	}
	if err := unix.Bind(fd, sa); err != nil {
		_ = unix.Close(fd)
		return -1, nil, err
	}

	boundAddr, err := localAddr(fd)
	if err != nil {
		boundAddr = tcpAddr
	}
	return fd, boundAddr, nil
}

func addrToSockaddr(domain int, addr *net.TCPAddr) (unix.Sockaddr, error) {
	if domain == unix.AF_INET6 {
		sa := &unix.SockaddrInet6{Port: addr.Port}
		if addr.IP != nil {
			copy(sa.Addr[:], addr.IP.To16())
		}
		return sa, nil
	}
	sa := &unix.SockaddrInet4{Port: addr.Port}
	if addr.IP != nil {
		ip4 := addr.IP.To4()
		copy(sa.Addr[:], ip4)
	}
	return sa, nil
}

func localAddr(fd int) (net.Addr, error) {
	sa, err := unix.Getsockname(fd)
	if err != nil {
		return nil, err
	}
	return sockaddrToAddr(sa), nil
}

func sockaddrToAddr(sa unix.Sockaddr) net.Addr {
	switch v := sa.(type) {
	case *unix.SockaddrInet4:
		return &net.TCPAddr{IP: append(net.IP(nil), v.Addr[:]...), Port: v.Port}
	case *unix.SockaddrInet6:
		return &net.TCPAddr{IP: append(net.IP(nil), v.Addr[:]...), Port: v.Port}
	default:
		return nil
	}
}
