package meshnode

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net"
	"time"

	"github.com/sirupsen/logrus"

	"meshnode/internal/autoiface"
	"meshnode/internal/ble"
	"meshnode/internal/lora"
	"meshnode/internal/reticulum"
	"meshnode/internal/tcpiface"
)

// link is what Node drives each tick and what plugs into
// internal/reticulum.TransportInterface. One adapter per transport
// package normalizes the four slightly different Start/Stop/inbound
// shapes (ble.Interface, tcpiface.Interface, lora.Interface,
// autoiface.Interface) behind a single contract.
type link interface {
	Name() string
	Start() error
	Stop() error
	Tick(now time.Time)
	Online() bool
	SendOutgoing(data []byte) error
}

// bleLink adapts internal/ble's dual-role GATT interface.
type bleLink struct {
	iface *ble.Interface
}

func newBLELink(log *logrus.Entry, core *reticulum.Core, deviceName string) (*bleLink, error) {
	platform, err := ble.NewPlatform()
	if err != nil {
		return nil, fmt.Errorf("ble: resolve platform: %w", err)
	}
	// BLE's peer identity is 16 bytes; derive it from our Reticulum
	// identity's hex hash rather than pulling in a second identity
	// scheme, so the same node presents one identity across transports.
	raw, err := hex.DecodeString(core.Identity().HexHash)
	if err != nil {
		return nil, fmt.Errorf("ble: decode identity hash: %w", err)
	}
	var localIdentity ble.Identity
	copy(localIdentity[:], raw)

	l := &bleLink{iface: ble.NewInterface(log, platform, localIdentity, deviceName)}
	l.iface.OnPacket = func(peer ble.Identity, packet []byte) {
		core.ProcessInbound(packet, l.Name())
	}
	return l, nil
}

func (l *bleLink) Name() string                     { return "ble" }
func (l *bleLink) Start() error                      { return l.iface.Start() }
func (l *bleLink) Stop() error                        { return l.iface.Stop() }
func (l *bleLink) Tick(now time.Time)                 { l.iface.Loop(now) }
func (l *bleLink) Online() bool                       { return l.iface.PeerCount() > 0 }
func (l *bleLink) SendOutgoing(data []byte) error {
	l.iface.SendOutgoing(data)
	return nil
}

// tcpLink adapts internal/tcpiface's reconnecting TCP client.
type tcpLink struct {
	iface *tcpiface.Interface
}

func newTCPLink(log *logrus.Entry, core *reticulum.Core, host string, port int) *tcpLink {
	l := &tcpLink{iface: tcpiface.New(log, host, port)}
	l.iface.OnFrame = func(data []byte) {
		core.ProcessInbound(data, l.Name())
	}
	return l
}

func (l *tcpLink) Name() string                     { return "tcp" }
func (l *tcpLink) Start() error                      { return l.iface.Start() }
func (l *tcpLink) Stop() error                        { l.iface.Stop(); return nil }
func (l *tcpLink) Tick(now time.Time)                 { l.iface.Loop(now) }
func (l *tcpLink) Online() bool                       { return l.iface.Online() }
func (l *tcpLink) SendOutgoing(data []byte) error     { return l.iface.SendOutgoing(data) }

// loraLink adapts internal/lora's half-duplex RNode-compatible radio.
type loraLink struct {
	iface *lora.Interface
}

func newLoRaLink(log *logrus.Entry, core *reticulum.Core, device string, baud int, cfg lora.Config) (*loraLink, error) {
	port, err := lora.OpenSerialPort(device, baud)
	if err != nil {
		return nil, fmt.Errorf("lora: open serial port %s: %w", device, err)
	}
	l := &loraLink{iface: lora.New(log, port, cfg)}
	l.iface.OnReceive = func(data []byte) {
		core.ProcessInbound(data, l.Name())
	}
	return l, nil
}

func (l *loraLink) Name() string { return "lora" }
func (l *loraLink) Start() error  { return l.iface.Start() }
func (l *loraLink) Stop() error   { return l.iface.Stop() }
func (l *loraLink) Tick(now time.Time) { l.iface.Poll() }

// Online always reports true, before Start and after Stop alike: LoRa
// is a connectionless broadcast medium with no peer-up/down signal,
// and the serial port's state is not consulted.
func (l *loraLink) Online() bool                   { return true }
func (l *loraLink) SendOutgoing(data []byte) error { return l.iface.SendOutgoing(data) }

// autoLink adapts internal/autoiface's IPv6 multicast discovery
// transport, opening the real multicast/unicast/data sockets that
// package deliberately leaves to its caller (see autoiface.Interface.Start).
type autoLink struct {
	iface  *autoiface.Interface
	cancel context.CancelFunc
}

func newAutoLink(log *logrus.Entry, core *reticulum.Core) (*autoLink, error) {
	ifi, linkLocal, err := resolveMulticastInterface()
	if err != nil {
		return nil, fmt.Errorf("autointerface: %w", err)
	}

	iface := autoiface.New(log)
	iface.SetLinkLocal(linkLocal, ifi.Index)

	ctx, cancel := context.WithCancel(context.Background())
	group := autoMulticastGroup(iface.GroupID)
	discovery, err := autoiface.OpenDiscoverySocket(ctx, ifi, group, iface.DiscoveryPort)
	if err != nil {
		cancel()
		return nil, err
	}
	unicast, err := autoiface.OpenUnicastSocket(ctx, iface.UnicastDiscoveryPort)
	if err != nil {
		cancel()
		discovery.Close()
		return nil, err
	}
	data, err := autoiface.OpenUnicastSocket(ctx, iface.DataPort)
	if err != nil {
		cancel()
		discovery.Close()
		unicast.Close()
		return nil, err
	}
	iface.SetSockets(discovery, unicast, data)

	l := &autoLink{iface: iface, cancel: cancel}
	iface.OnData = func(data []byte) {
		core.ProcessInbound(data, l.Name())
	}
	return l, nil
}

func (l *autoLink) Name() string                     { return "autointerface" }
func (l *autoLink) Start() error                      { return l.iface.Start() }
func (l *autoLink) Stop() error {
	l.cancel()
	l.iface.Stop()
	return nil
}
func (l *autoLink) Tick(now time.Time)                 { l.iface.Loop(now) }
func (l *autoLink) Online() bool                       { return l.iface.PeerCount() > 0 }
func (l *autoLink) SendOutgoing(data []byte) error {
	l.iface.SendOutgoing(data)
	return nil
}

// autoMulticastGroup mirrors autoiface's own unexported
// calculateMulticastAddress: ff12::<first 14 bytes of sha256(groupID)>.
func autoMulticastGroup(groupID string) net.IP {
	sum := sha256.Sum256([]byte(groupID))
	addr := make(net.IP, 16)
	addr[0] = 0xff
	addr[1] = 0x12
	copy(addr[2:], sum[:14])
	return addr
}

// resolveMulticastInterface picks the first up, multicast-capable,
// non-loopback interface that has a link-local IPv6 address, which is
// what AutoInterface needs to join its discovery group on.
func resolveMulticastInterface() (*net.Interface, net.IP, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, nil, fmt.Errorf("list network interfaces: %w", err)
	}
	for _, ifi := range ifaces {
		if ifi.Flags&net.FlagUp == 0 || ifi.Flags&net.FlagLoopback != 0 || ifi.Flags&net.FlagMulticast == 0 {
			continue
		}
		addrs, err := ifi.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			ipnet, ok := addr.(*net.IPNet)
			if !ok || ipnet.IP.To4() != nil || !ipnet.IP.IsLinkLocalUnicast() {
				continue
			}
			ifiCopy := ifi
			return &ifiCopy, ipnet.IP, nil
		}
	}
	return nil, nil, fmt.Errorf("no multicast-capable interface with a link-local IPv6 address found")
}
