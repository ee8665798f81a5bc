// Package autoiface implements link-local IPv6 multicast peer
// discovery with a unicast data path, interoperable with Reticulum's
// own AutoInterface: multicast announce/echo on one port, reverse
// unicast peering on the next port up, and a separate unicast data
// port once peers are known.
package autoiface

import (
	"crypto/sha256"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	DefaultDiscoveryPort = 29716
	DefaultDataPort      = 42671
	DefaultGroupID       = "reticulum"

	PeeringTimeout        = 22 * time.Second
	AnnounceInterval      = 1600 * time.Millisecond
	McastEchoTimeout      = 6500 * time.Millisecond
	ReversePeeringInterval = 5200 * time.Millisecond // ANNOUNCE_INTERVAL * 3.25
	PeerJobInterval        = 4 * time.Second

	DequeSize = 48
	DequeTTL  = 750 * time.Millisecond

	TokenSize = 32 // full_hash output length

	HWMTU        = 1196
	BitrateGuess = 10_000_000
)

// fullHash matches Reticulum's full_hash: plain SHA-256 over the
// concatenated bytes, with no truncation (32-byte digest).
func fullHash(data []byte) []byte {
	sum := sha256.Sum256(data)
	return sum[:]
}

// Peer mirrors AutoInterfacePeer: a lightweight record of a discovered
// neighbor, not a full interface in its own right.
type Peer struct {
	Address      net.IP // 16-byte IPv6
	DataPort     int
	LastHeard    time.Time
	LastOutbound time.Time
	IsLocal      bool
}

func (p *Peer) sameAddress(addr net.IP) bool {
	return p.Address.Equal(addr)
}

type dequeEntry struct {
	hash      [32]byte
	timestamp time.Time
}

// Socket is the minimal send/receive contract the interface needs
// from a UDP transport, so the discovery/data/reverse-peering logic
// can be exercised without opening real sockets.
type Socket interface {
	WriteToUDP(b []byte, addr *net.UDPAddr) (int, error)
	ReadFromUDP(b []byte) (int, *net.UDPAddr, error)
	Close() error
}

// Interface drives IPv6 multicast discovery plus the unicast
// reverse-peering and data paths.
type Interface struct {
	log *logrus.Entry

	GroupID            string
	DiscoveryPort      int
	UnicastDiscoveryPort int
	DataPort           int
	IfaceName          string

	discoverySock Socket
	unicastSock   Socket
	dataSock      Socket

	multicastAddr net.IP
	linkLocal     net.IP
	discoveryToken []byte
	scopeID       int

	mu              sync.Mutex
	online          bool
	peers           []*Peer
	deque           []dequeEntry
	lastAnnounce    time.Time
	lastPeerJob     time.Time
	lastMcastEcho   time.Time
	initialEcho     bool
	timedOut        bool
	carrierChanged  bool

	OnData func(data []byte)
}

func New(log *logrus.Entry) *Interface {
	return &Interface{
		log:                  log.WithField("iface", "auto"),
		GroupID:              DefaultGroupID,
		DiscoveryPort:        DefaultDiscoveryPort,
		UnicastDiscoveryPort: DefaultDiscoveryPort + 1,
		DataPort:             DefaultDataPort,
	}
}

// calculateMulticastAddress derives a group-scoped IPv6 multicast
// address from the group id, matching Reticulum's Python
// implementation: ff12::<first 14 bytes of full_hash(group_id)>,
// using the variable-scope multicast prefix ff12 (link-local scope).
func (i *Interface) calculateMulticastAddress() net.IP {
	h := fullHash([]byte(i.GroupID))
	addr := make(net.IP, 16)
	addr[0] = 0xff
	addr[1] = 0x12
	copy(addr[2:], h[:14])
	return addr
}

func (i *Interface) calculateDiscoveryToken() []byte {
	buf := append([]byte(i.GroupID), i.linkLocal.To16()...)
	return fullHash(buf)
}

// SetLinkLocal lets callers supply the interface's link-local address
// directly (useful for tests and for platforms where resolving it
// requires OS-specific interface enumeration done by the caller).
func (i *Interface) SetLinkLocal(addr net.IP, scopeID int) {
	i.linkLocal = addr
	i.scopeID = scopeID
}

// Start computes addressing and marks the interface online. Socket
// setup is the caller's responsibility (via SetSockets) so the core
// logic stays testable without real network access.
func (i *Interface) Start() error {
	if i.linkLocal == nil {
		return fmt.Errorf("autoiface: link-local address not set")
	}
	if i.GroupID == "" {
		i.GroupID = DefaultGroupID
	}
	i.multicastAddr = i.calculateMulticastAddress()
	i.discoveryToken = i.calculateDiscoveryToken()

	i.mu.Lock()
	i.online = true
	i.mu.Unlock()

	i.log.WithFields(logrus.Fields{
		"group_id":       i.GroupID,
		"multicast_addr": i.multicastAddr.String(),
		"link_local":     i.linkLocal.String(),
		"token":          fmt.Sprintf("%x", i.discoveryToken),
	}).Info("autointerface started")
	return nil
}

// SetSockets wires up the already-opened discovery/unicast/data
// sockets (see socket_unix.go and socket_windows.go for the real
// implementations).
func (i *Interface) SetSockets(discovery, unicast, data Socket) {
	i.discoverySock = discovery
	i.unicastSock = unicast
	i.dataSock = data
}

func (i *Interface) Stop() {
	i.mu.Lock()
	i.online = false
	i.peers = nil
	i.mu.Unlock()
	if i.discoverySock != nil {
		i.discoverySock.Close()
	}
	if i.unicastSock != nil {
		i.unicastSock.Close()
	}
	if i.dataSock != nil {
		i.dataSock.Close()
	}
}

func (i *Interface) isOnline() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.online
}

// Loop runs one iteration of the cooperative scheduler tick: announce,
// process discovery/unicast/data, reverse-peer, echo/expiry bookkeeping.
func (i *Interface) Loop(now time.Time) {
	if !i.isOnline() {
		return
	}

	i.mu.Lock()
	needAnnounce := now.Sub(i.lastAnnounce) >= AnnounceInterval
	needPeerJob := now.Sub(i.lastPeerJob) >= PeerJobInterval
	i.mu.Unlock()

	if needAnnounce {
		i.sendAnnounce()
		i.mu.Lock()
		i.lastAnnounce = now
		i.mu.Unlock()
	}

	i.processDiscovery(now)
	i.processUnicastDiscovery(now)
	i.sendReversePeering(now)
	i.processData(now)
	i.checkEchoTimeout(now)
	i.expireStalePeers(now)
	i.expireDequeEntries(now)

	if needPeerJob {
		i.mu.Lock()
		i.lastPeerJob = now
		i.mu.Unlock()
	}
}

func (i *Interface) sendAnnounce() {
	if i.discoverySock == nil {
		return
	}
	dst := &net.UDPAddr{IP: i.multicastAddr, Port: i.DiscoveryPort, Zone: zoneName(i.scopeID)}
	if _, err := i.discoverySock.WriteToUDP(i.discoveryToken, dst); err != nil {
		i.log.WithError(err).Debug("announce send failed")
	}
}

func zoneName(scopeID int) string {
	if scopeID == 0 {
		return ""
	}
	iface, err := net.InterfaceByIndex(scopeID)
	if err != nil {
		return ""
	}
	return iface.Name
}

// processDiscovery drains pending multicast discovery datagrams,
// recognizing our own echo and other peers' tokens.
func (i *Interface) processDiscovery(now time.Time) {
	if i.discoverySock == nil {
		return
	}
	for {
		buf := make([]byte, TokenSize+16)
		n, from, err := i.discoverySock.ReadFromUDP(buf)
		if err != nil || n == 0 {
			return
		}
		token := buf[:n]
		i.handleDiscoveryToken(token, from, now)
	}
}

func (i *Interface) handleDiscoveryToken(token []byte, from *net.UDPAddr, now time.Time) {
	isOwn := string(token) == string(i.discoveryToken)
	if isOwn {
		i.mu.Lock()
		i.lastMcastEcho = now
		i.initialEcho = true
		if i.timedOut {
			i.timedOut = false
			i.carrierChanged = true
		}
		i.mu.Unlock()
		return
	}
	if from == nil {
		return
	}
	i.addOrRefreshPeer(from.IP, i.DataPort, now, false)
}

func (i *Interface) processUnicastDiscovery(now time.Time) {
	if i.unicastSock == nil {
		return
	}
	for {
		buf := make([]byte, TokenSize+16)
		n, from, err := i.unicastSock.ReadFromUDP(buf)
		if err != nil || n == 0 {
			return
		}
		if from == nil {
			continue
		}
		i.addOrRefreshPeer(from.IP, i.DataPort, now, false)
	}
}

// sendReversePeering unicasts our discovery token to every known peer
// we haven't reverse-peered with recently, so peers that only saw us
// via multicast echo (and thus don't have our address yet) learn it.
func (i *Interface) sendReversePeering(now time.Time) {
	if i.unicastSock == nil {
		return
	}
	i.mu.Lock()
	due := make([]*Peer, 0, len(i.peers))
	for _, p := range i.peers {
		if p.IsLocal {
			continue
		}
		if now.Sub(p.LastOutbound) >= ReversePeeringInterval {
			due = append(due, p)
		}
	}
	i.mu.Unlock()

	for _, p := range due {
		dst := &net.UDPAddr{IP: p.Address, Port: i.UnicastDiscoveryPort}
		if _, err := i.unicastSock.WriteToUDP(i.discoveryToken, dst); err == nil {
			i.mu.Lock()
			p.LastOutbound = now
			i.mu.Unlock()
		}
	}
}

func (i *Interface) processData(now time.Time) {
	if i.dataSock == nil {
		return
	}
	for {
		buf := make([]byte, HWMTU)
		n, _, err := i.dataSock.ReadFromUDP(buf)
		if err != nil || n == 0 {
			return
		}
		payload := buf[:n]
		if i.isDuplicate(payload, now) {
			continue
		}
		i.addToDeque(payload, now)
		if i.OnData != nil {
			i.OnData(payload)
		}
	}
}

// SendOutgoing unicasts data to every known peer's data port.
func (i *Interface) SendOutgoing(data []byte) {
	if !i.isOnline() || i.dataSock == nil {
		return
	}
	i.mu.Lock()
	peers := make([]*Peer, len(i.peers))
	copy(peers, i.peers)
	i.mu.Unlock()

	for _, p := range peers {
		if p.IsLocal {
			continue
		}
		dst := &net.UDPAddr{IP: p.Address, Port: p.DataPort}
		i.dataSock.WriteToUDP(data, dst)
	}
}

func (i *Interface) checkEchoTimeout(now time.Time) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if !i.initialEcho {
		return
	}
	if now.Sub(i.lastMcastEcho) >= McastEchoTimeout {
		if !i.timedOut {
			i.timedOut = true
			i.carrierChanged = true
		}
	}
}

// CarrierChanged reports and clears the edge-triggered carrier flag.
func (i *Interface) CarrierChanged() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	changed := i.carrierChanged
	i.carrierChanged = false
	return changed
}

func (i *Interface) IsTimedOut() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.timedOut
}

func (i *Interface) addOrRefreshPeer(addr net.IP, port int, now time.Time, isLocal bool) {
	i.mu.Lock()
	defer i.mu.Unlock()
	for _, p := range i.peers {
		if p.sameAddress(addr) {
			p.LastHeard = now
			return
		}
	}
	i.peers = append(i.peers, &Peer{
		Address:   append(net.IP(nil), addr...),
		DataPort:  port,
		LastHeard: now,
		IsLocal:   isLocal,
	})
}

func (i *Interface) expireStalePeers(now time.Time) {
	i.mu.Lock()
	defer i.mu.Unlock()
	kept := i.peers[:0]
	for _, p := range i.peers {
		if now.Sub(p.LastHeard) < PeeringTimeout {
			kept = append(kept, p)
		}
	}
	i.peers = kept
}

func (i *Interface) PeerCount() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return len(i.peers)
}

// isDuplicate checks the dedup deque for the packet's hash, ignoring
// any entry whose TTL has already elapsed so a packet is never
// reported as a duplicate past DequeTTL regardless of when
// expireDequeEntries next runs.
func (i *Interface) isDuplicate(packet []byte, now time.Time) bool {
	h := sha256.Sum256(packet)
	i.mu.Lock()
	defer i.mu.Unlock()
	for _, e := range i.deque {
		if e.hash == h && now.Sub(e.timestamp) < DequeTTL {
			return true
		}
	}
	return false
}

func (i *Interface) addToDeque(packet []byte, now time.Time) {
	h := sha256.Sum256(packet)
	i.mu.Lock()
	defer i.mu.Unlock()
	i.deque = append(i.deque, dequeEntry{hash: h, timestamp: now})
	if len(i.deque) > DequeSize {
		i.deque = i.deque[len(i.deque)-DequeSize:]
	}
}

func (i *Interface) expireDequeEntries(now time.Time) {
	i.mu.Lock()
	defer i.mu.Unlock()
	kept := i.deque[:0]
	for _, e := range i.deque {
		if now.Sub(e.timestamp) < DequeTTL {
			kept = append(kept, e)
		}
	}
	i.deque = kept
}
