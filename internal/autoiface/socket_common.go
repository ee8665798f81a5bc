package autoiface

import (
	"net"
	"time"

	"golang.org/x/net/ipv6"
)

// pollInterval bounds how long a single ReadFromUDP call blocks before
// returning control to the cooperative scheduler loop.
const pollInterval = 20 * time.Millisecond

func readDeadline() time.Time {
	return time.Now().Add(pollInterval)
}

func isTimeout(err error) bool {
	ne, ok := err.(net.Error)
	return ok && ne.Timeout()
}

func ipv6PacketConn(conn *net.UDPConn) *ipv6.PacketConn {
	return ipv6.NewPacketConn(conn)
}
