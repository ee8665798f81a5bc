// Package tcpiface implements the reconnecting, HDLC-framed TCP client
// transport that bridges this node to a Reticulum TCP server interface
// over WiFi/Ethernet.
package tcpiface

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	pkgerrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"meshnode/internal/hdlc"
)

const (
	BitrateGuess = 10_000_000
	HWMTU        = 1064

	ReconnectWait  = 5 * time.Second
	ConnectTimeout = 5 * time.Second

	tcpKeepIdle  = 5 * time.Second
	tcpKeepIntvl = 2 * time.Second
	tcpKeepCnt   = 12

	tcpUserTimeoutMS = 24000

	lowMemorySkipThreshold = 20 * 1024
)

// MemoryProbe reports the current largest free allocation estimate,
// used to skip a reconnect attempt under memory pressure exactly as
// the embedded original does (a hosted Go process always has ample
// memory, so the default probe never trips this; it exists so an
// embedder with real constraints can plug one in).
type MemoryProbe func() uint64

func defaultMemoryProbe() uint64 { return lowMemorySkipThreshold + 1 }

// Interface is the reconnecting TCP client transport. It is safe to
// drive from a single goroutine calling Loop periodically, matching
// the cooperative scheduler model the rest of the node uses.
type Interface struct {
	log *logrus.Entry

	host string
	port int

	conn   net.Conn
	online atomic.Bool

	lastConnectAttempt time.Time
	reconnected        atomic.Bool

	extractor hdlc.Extractor
	readBuf   [4096]byte

	mu sync.Mutex

	MemoryProbe MemoryProbe

	// OnFrame delivers one deframed packet to the transport core.
	OnFrame func([]byte)
}

func New(log *logrus.Entry, host string, port int) *Interface {
	return &Interface{
		log:         log.WithField("iface", "tcp"),
		host:        host,
		port:        port,
		MemoryProbe: defaultMemoryProbe,
	}
}

// Start attempts the initial connection. A failure here is non-fatal;
// Loop retries on the usual cadence.
func (i *Interface) Start() error {
	if i.host == "" {
		return errors.New("tcpiface: no target host configured")
	}
	if err := i.connect(); err != nil {
		i.log.WithError(err).Info("initial connection failed, will retry in background")
	}
	return nil
}

func (i *Interface) Stop() {
	i.disconnect()
}

func (i *Interface) connect() error {
	ctx, cancel := context.WithTimeout(context.Background(), ConnectTimeout)
	defer cancel()

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", net.JoinHostPort(i.host, itoa(i.port)))
	if err != nil {
		return pkgerrors.Wrapf(err, "tcpiface: dial %s:%d", i.host, i.port)
	}

	if err := configureSocket(conn); err != nil {
		i.log.WithError(err).Debug("socket option configuration incomplete")
	}

	i.mu.Lock()
	i.conn = conn
	i.extractor = hdlc.Extractor{}
	i.mu.Unlock()

	i.online.Store(true)
	i.reconnected.Store(true)
	i.log.WithField("host", i.host).WithField("port", i.port).Info("connected")
	return nil
}

// configureSocket applies the Reticulum-compatible socket tuning:
// TCP_NODELAY, SO_KEEPALIVE with a 5s/2s/12-probe cadence, and (where
// the platform exposes it) TCP_USER_TIMEOUT, mirroring the options set
// in the original stream transport.
func configureSocket(conn net.Conn) error {
	tc, ok := conn.(*net.TCPConn)
	if !ok {
		return nil
	}
	if err := tc.SetNoDelay(true); err != nil {
		return err
	}
	if err := tc.SetKeepAlive(true); err != nil {
		return err
	}
	if err := tc.SetKeepAlivePeriod(tcpKeepIdle); err != nil {
		return err
	}

	rawConn, err := tc.SyscallConn()
	if err != nil {
		return err
	}
	var sockErr error
	err = rawConn.Control(func(fd uintptr) {
		sockErr = setPlatformKeepaliveTuning(int(fd))
	})
	if err != nil {
		return err
	}
	return sockErr
}

func (i *Interface) disconnect() {
	i.mu.Lock()
	conn := i.conn
	i.conn = nil
	i.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
	i.online.Store(false)
}

func (i *Interface) handleDisconnect() {
	if i.online.Load() {
		i.log.Info("connection lost, will attempt reconnection")
		i.disconnect()
		i.lastConnectAttempt = time.Now()
	}
}

// Loop performs one iteration of read/reconnect work. A read waits at
// most a 10ms deadline; a reconnect attempt dials synchronously and
// can block for up to ConnectTimeout.
func (i *Interface) Loop(now time.Time) {
	if !i.online.Load() {
		if now.Sub(i.lastConnectAttempt) < ReconnectWait {
			return
		}
		i.lastConnectAttempt = now
		if i.MemoryProbe() < lowMemorySkipThreshold {
			i.log.Debug("skipping reconnect: low memory")
			return
		}
		if err := i.connect(); err != nil {
			i.log.WithError(err).Debug("reconnect failed")
		}
		return
	}

	i.mu.Lock()
	conn := i.conn
	i.mu.Unlock()
	if conn == nil {
		return
	}

	_ = conn.SetReadDeadline(time.Now().Add(10 * time.Millisecond))
	n, err := conn.Read(i.readBuf[:])
	if n > 0 {
		frames := i.extractor.Feed(i.readBuf[:n])
		for _, f := range frames {
			if i.OnFrame != nil {
				i.OnFrame(f)
			}
		}
	}
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return // no data available yet, normal for a non-blocking poll
		}
		if errors.Is(err, net.ErrClosed) {
			return
		}
		i.handleDisconnect()
	}
}

// SendOutgoing HDLC-frames data and writes it to the server.
func (i *Interface) SendOutgoing(data []byte) error {
	i.mu.Lock()
	conn := i.conn
	i.mu.Unlock()
	if conn == nil {
		return errors.New("tcpiface: not connected")
	}
	frame := hdlc.Frame(data)
	_, err := conn.Write(frame)
	if err != nil {
		i.handleDisconnect()
	}
	return err
}

// CheckReconnected is an edge-triggered flag: it returns true once and
// resets, the first time Loop has observed after a (re)connection, so
// the application can re-announce immediately.
func (i *Interface) CheckReconnected() bool {
	return i.reconnected.CompareAndSwap(true, false)
}

func (i *Interface) Online() bool { return i.online.Load() }

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	pos := len(buf)
	for n > 0 {
		pos--
		buf[pos] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		pos--
		buf[pos] = '-'
	}
	return string(buf[pos:])
}
