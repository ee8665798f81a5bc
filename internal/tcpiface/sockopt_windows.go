//go:build windows

package tcpiface

// setPlatformKeepaliveTuning is a no-op on Windows: net.TCPConn's
// SetKeepAlivePeriod already configures the interval via SIO_KEEPALIVE_VALS,
// and Windows has no probe-count or TCP_USER_TIMEOUT equivalent exposed
// through a plain syscall socket option.
var setPlatformKeepaliveTuning = func(fd int) error { return nil }
