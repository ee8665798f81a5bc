//go:build !windows && !linux

package tcpiface

// setExtraKeepaliveTuning is a no-op on BSD/macOS: TCP_USER_TIMEOUT is
// Linux-specific, and the coarse SetKeepAlivePeriod already applied in
// configureSocket is the best available control on these platforms.
func setExtraKeepaliveTuning(fd int) {}
