//go:build !windows

package tcpiface

import "golang.org/x/sys/unix"

// setPlatformKeepaliveTuning sets the fine-grained keepalive interval
// and probe-count that net.TCPConn does not expose directly, then
// layers on whatever extra platform-specific tuning is available
// (TCP_USER_TIMEOUT on Linux; a no-op elsewhere).
var setPlatformKeepaliveTuning = func(fd int) error {
	if err := unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_KEEPINTVL, int(tcpKeepIntvl.Seconds())); err != nil {
		return err
	}
	if err := unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_KEEPCNT, tcpKeepCnt); err != nil {
		return err
	}
	setExtraKeepaliveTuning(fd)
	return nil
}
