//go:build linux

package tcpiface

import "golang.org/x/sys/unix"

// setExtraKeepaliveTuning sets TCP_USER_TIMEOUT (Linux 2.6.37+),
// bounding how long unacknowledged data may sit before the kernel
// reports the connection as dead, matching the Reticulum reference
// TCP server's own 24s timeout.
func setExtraKeepaliveTuning(fd int) {
	_ = unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_USER_TIMEOUT, tcpUserTimeoutMS)
}
