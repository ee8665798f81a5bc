package reticulum

import (
	"github.com/svanichkin/go-reticulum/rns"
)

// TransportInterface is the contract a link-layer transport satisfies
// to plug into Transport: it hands Transport raw inbound bytes and
// receives raw outbound bytes to put on the wire. This mirrors the
// reference firmware's RNS::InterfaceImpl base class (every interface
// there — AutoInterface, BLEInterface, SX1262Interface,
// TCPClientInterface — implements start/stop/loop/send_outgoing
// against the same Transport).
type TransportInterface interface {
	Name() string
	SendOutgoing(data []byte) error
}

// customInterface adapts a TransportInterface to whatever interface
// registration Transport exposes for non-declarative (Go-level, not
// config-file) interfaces. go-reticulum's exact registration API
// wasn't present in the retrieved source; this assumes a
// RegisterInterface/DeregisterInterface pair following the same
// naming convention already confirmed for RegisterAnnounceHandler.
type customInterface struct {
	name   string
	online bool
	onSend func(data []byte) error
}

func (c *customInterface) GetName() string { return c.name }
func (c *customInterface) IsOnline() bool  { return c.online }

func (c *customInterface) ProcessOutgoing(data []byte) error {
	if c.onSend == nil {
		return nil
	}
	return c.onSend(data)
}

// RegisterInterface plugs a transport into Transport so its inbound
// bytes get parsed as Reticulum packets and its outbound path
// receives packets Transport wants delivered over it.
func (c *Core) RegisterInterface(iface TransportInterface) (deregister func(), err error) {
	adapter := &customInterface{
		name:   iface.Name(),
		online: true,
		onSend: iface.SendOutgoing,
	}
	rns.RegisterInterface(adapter)
	return func() {
		rns.DeregisterInterface(adapter)
	}, nil
}

// ProcessInbound hands raw bytes received on a transport to Transport
// for packet parsing and dispatch. Called by each transport's
// receive path (BLE data callback, TCP frame callback, LoRa receive
// callback, AutoInterface data callback) once HDLC/fragment framing
// has already been stripped.
func (c *Core) ProcessInbound(data []byte, ifaceName string) {
	rns.ProcessInbound(data, ifaceName)
}

// Send delivers a packet via whichever registered interface Transport
// judges best for the destination (path-based routing).
func (c *Core) Send(packet []byte) error {
	return rns.TransportSend(packet)
}
