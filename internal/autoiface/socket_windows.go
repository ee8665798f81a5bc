//go:build windows

package autoiface

import (
	"context"
	"fmt"
	"net"
)

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
// discovery port. Windows has no SO_REUSEPORT equivalent exposed the
// way Unix does, so this omits the reusable-listen-config used there.
func OpenDiscoverySocket(ctx context.Context, ifi *net.Interface, group net.IP, port int) (Socket, error) {
	var lc net.ListenConfig
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

func OpenUnicastSocket(ctx context.Context, port int) (Socket, error) {
	var lc net.ListenConfig
	pc, err := lc.ListenPacket(ctx, "udp6", fmt.Sprintf("[::]:%d", port))
	if err != nil {
		return nil, fmt.Errorf("autoiface: listen unicast socket on port %d: %w", port, err)
	}
	return &udpSocket{conn: pc.(*net.UDPConn)}, nil
}
