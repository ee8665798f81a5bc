//go:build !windows

package autoiface

import (
	"context"
	"fmt"
	"net"
	"syscall"

	"golang.org/x/sys/unix"
)

// reusableListenConfig sets SO_REUSEPORT so the discovery port can be
// shared with other Reticulum instances on the same host, matching
// Python RNS's multicast socket options. net.ListenConfig doesn't
// expose this option directly; golang.org/x/sys/unix is needed to set
// it from the Control callback.
var reusableListenConfig = net.ListenConfig{
	Control: func(network, address string, c syscall.RawConn) error {
		var sockErr error
		err := c.Control(func(fd uintptr) {
			sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
		})
		if err != nil {
			return err
		}
		return sockErr
	},
}

type udpSocket struct {
	conn *net.UDPConn
}

func (s *udpSocket) WriteToUDP(b []byte, addr *net.UDPAddr) (int, error) {
	return s.conn.WriteToUDP(b, addr)
}

func (s *udpSocket) ReadFromUDP(b []byte) (int, *net.UDPAddr, error) {
	s.conn.SetReadDeadline(readDeadline())
	n, addr, err := s.conn.ReadFromUDP(b)
	if isTimeout(err) {
		return 0, nil, nil
	}
	return n, addr, err
}

func (s *udpSocket) Close() error { return s.conn.Close() }

// OpenDiscoverySocket joins the multicast group on ifi and binds the
// discovery port, returning a Socket ready for ReadFromUDP/WriteToUDP.
func OpenDiscoverySocket(ctx context.Context, ifi *net.Interface, group net.IP, port int) (Socket, error) {
	lc := reusableListenConfig
	pc, err := lc.ListenPacket(ctx, "udp6", fmt.Sprintf("[::]:%d", port))
	if err != nil {
		return nil, fmt.Errorf("autoiface: listen discovery socket: %w", err)
	}
	conn := pc.(*net.UDPConn)

	p := ipv6PacketConn(conn)
	if err := p.JoinGroup(ifi, &net.UDPAddr{IP: group}); err != nil {
		conn.Close()
		return nil, fmt.Errorf("autoiface: join multicast group: %w", err)
	}
	return &udpSocket{conn: conn}, nil
}

// OpenUnicastSocket binds a plain UDP6 socket for reverse-peering or
// data traffic (no multicast join).
func OpenUnicastSocket(ctx context.Context, port int) (Socket, error) {
	lc := reusableListenConfig
	pc, err := lc.ListenPacket(ctx, "udp6", fmt.Sprintf("[::]:%d", port))
	if err != nil {
		return nil, fmt.Errorf("autoiface: listen unicast socket on port %d: %w", port, err)
	}
	return &udpSocket{conn: pc.(*net.UDPConn)}, nil
}
