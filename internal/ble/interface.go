package ble

import (
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const (
	maxPendingHandshakes = 32
	maxPendingData       = 64
)

type pendingHandshake struct {
	mac       MAC
	identity  Identity
	isCentral bool
}

type pendingData struct {
	identity Identity
	data     []byte
}

// Interface orchestrates the fragmenter/reassembler (B), peer manager
// and identity manager (C), and GATT operation queue (D) behind one
// platform backend, and feeds reassembled packets up to the transport
// core. All platform-callback-invoked methods defer their heavy work
// onto bounded pending slices drained from Loop, mirroring the
// original firmware's recursive-mutex design: callbacks never
// reenter the BLE stack directly.
type Interface struct {
	mu sync.Mutex // recursive in spirit: only ever taken from Loop or from goroutines spawned by platform callbacks, never re-entered synchronously within a single callback chain

	log *logrus.Entry

	platform IBLEPlatform
	peers    *PeerManager
	identity *IdentityManager
	reassm   *Reassembler
	opqueue  *OperationQueue

	fragmenters map[Identity]*Fragmenter
	handleToMAC map[ConnectionHandle]MAC

	localIdentity Identity
	deviceName    string
	role          Role

	pendingHandshakes []pendingHandshake
	pendingData       []pendingData

	lastScan        time.Time
	lastKeepalive   time.Time
	lastMaintenance time.Time

	// OnPacket delivers a fully reassembled packet from a known peer
	// identity to the transport core (component I).
	OnPacket func(peer Identity, packet []byte)
}

// NewInterface wires all BLE sub-components together behind platform.
func NewInterface(log *logrus.Entry, platform IBLEPlatform, localIdentity Identity, deviceName string) *Interface {
	iface := &Interface{
		log:           log,
		platform:      platform,
		peers:         NewPeerManager(),
		identity:      NewIdentityManager(),
		reassm:        NewReassembler(),
		fragmenters:   make(map[Identity]*Fragmenter),
		handleToMAC:   make(map[ConnectionHandle]MAC),
		localIdentity: localIdentity,
		deviceName:    deviceName,
		role:          RoleDual,
	}
	iface.opqueue = NewOperationQueue(iface.executeOp)

	iface.identity.OnComplete = iface.onHandshakeCompleteCallback
	iface.identity.OnFailed = func(mac MAC, reason string) {
		iface.log.WithField("mac", mac).WithField("reason", reason).Warn("ble handshake failed")
	}
	iface.reassm.OnReassembled = func(peer Identity, packet []byte) {
		if iface.OnPacket != nil {
			iface.OnPacket(peer, packet)
		}
	}
	iface.reassm.OnTimeout = func(peer Identity, reason string) {
		iface.log.WithField("peer", peer).WithField("reason", reason).Debug("ble reassembly timeout")
	}

	platform.SetCallbacks(PlatformCallbacks{
		OnScanResult:          iface.onScanResult,
		OnConnected:           iface.onConnected,
		OnDisconnected:        iface.onDisconnected,
		OnMTUChanged:          iface.onMTUChanged,
		OnDataReceived:        iface.onDataReceived,
		OnCentralConnected:    iface.onCentralConnected,
		OnCentralDisconnected: iface.onCentralDisconnected,
		OnWriteReceived:       iface.onDataReceived,
	})
	return iface
}

func (i *Interface) Start() error {
	i.peers.SetLocalMAC(MAC{}) // populated by the platform once the local adapter address is known
	return i.platform.Start(i.role, i.deviceName)
}

func (i *Interface) Stop() error {
	i.opqueue.Clear()
	return i.platform.Stop()
}

// Loop drains deferred callback work and runs periodic maintenance. It
// is meant to be called from the owning node's cooperative scheduler
// tick, not a dedicated goroutine, except when run via RunTask.
func (i *Interface) Loop(now time.Time) {
	i.drainPending(now)

	if now.Sub(i.lastScan) >= ScanInterval {
		i.lastScan = now
		_ = i.platform.Scan(i.onScanResult)
	}
	if now.Sub(i.lastMaintenance) >= MaintenanceInterval {
		i.lastMaintenance = now
		i.performMaintenance(now)
	}
	if now.Sub(i.lastKeepalive) >= KeepaliveInterval {
		i.lastKeepalive = now
		i.sendKeepalives()
	}
}

// RunTask runs Loop on its own ticker, for platforms where BLE
// operations should not share the main cooperative scheduler tick
// (matching the original firmware's optional dedicated BLE task).
func (i *Interface) RunTask(stop <-chan struct{}) {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case now := <-ticker.C:
			i.Loop(now)
		}
	}
}

func (i *Interface) performMaintenance(now time.Time) {
	i.peers.CheckBlacklistExpirations(now)
	i.peers.RecalculateScores(now)
	i.identity.CheckTimeouts(now)
	i.reassm.CheckTimeouts(now)
}

func (i *Interface) sendKeepalives() {
	// Keepalive is an empty END fragment sent to every connected,
	// handshaken peer; this keeps idle GATT connections from being
	// dropped by platforms that time out silent links.
	i.mu.Lock()
	handles := make([]ConnectionHandle, 0, len(i.handleToMAC))
	for h, mac := range i.handleToMAC {
		if _, ok := i.identity.GetIdentityForMAC(mac); ok {
			handles = append(handles, h)
		}
	}
	i.mu.Unlock()
	for _, h := range handles {
		frag := CreateFragment(FragmentEnd, 0, 1, nil)
		i.opqueue.Enqueue(NewGATTOperation(h, OpWrite).WithPayload(frag).Build(), time.Now())
	}
}

func (i *Interface) drainPending(now time.Time) {
	i.mu.Lock()
	handshakes := i.pendingHandshakes
	i.pendingHandshakes = nil
	data := i.pendingData
	i.pendingData = nil
	i.mu.Unlock()

	for _, h := range handshakes {
		i.log.WithField("mac", h.mac).WithField("identity", h.identity).Info("ble peer handshake complete")
		i.peers.PromoteIdentity(h.mac, h.identity)
	}
	for _, d := range data {
		packet, done, err := i.reassm.ProcessFragment(d.identity, d.data, now)
		if err != nil {
			i.log.WithField("peer", d.identity).WithError(err).Debug("ble fragment rejected")
			continue
		}
		if done && i.OnPacket != nil {
			i.OnPacket(d.identity, packet)
		}
	}
}

// --- platform callbacks: all defer to pending slices, never block ---

func (i *Interface) onScanResult(result ScanResult) {
	now := time.Now()
	rec, err := i.peers.Discover(result, now)
	if err != nil {
		i.log.WithError(err).Debug("ble discover dropped: pool full")
		return
	}
	if rec.State != StateDiscovered {
		return
	}
	if !i.peers.ShouldInitiateConnection(result.MAC) {
		return // the remote side has the smaller MAC and will initiate
	}
	go i.tryConnect(result.MAC)
}

func (i *Interface) tryConnect(mac MAC) {
	handle, err := i.platform.Connect(mac)
	if err != nil {
		err = errors.Wrapf(err, "ble: connect attempt to %s failed", mac)
		i.log.WithField("mac", mac).WithError(err).Debug("connection attempt failed")
		i.peers.RecordFailure(i.identityOrZero(mac), time.Now())
		return
	}
	i.onConnected(handle, mac)
}

func (i *Interface) identityOrZero(mac MAC) Identity {
	id, _ := i.identity.GetIdentityForMAC(mac)
	return id
}

func (i *Interface) onConnected(handle ConnectionHandle, mac MAC) {
	i.mu.Lock()
	i.handleToMAC[handle] = mac
	i.mu.Unlock()
	_ = i.identity.InitiateHandshake(mac, true, time.Now())
	// Send our local identity as the handshake payload.
	i.opqueue.Enqueue(NewGATTOperation(handle, OpWrite).WithPayload(i.localIdentity[:]).Build(), time.Now())
}

func (i *Interface) onCentralConnected(handle ConnectionHandle, mac MAC) {
	i.mu.Lock()
	i.handleToMAC[handle] = mac
	i.mu.Unlock()
	_ = i.identity.InitiateHandshake(mac, false, time.Now())
}

func (i *Interface) onCentralDisconnected(handle ConnectionHandle) {
	i.onDisconnected(handle, 0)
}

func (i *Interface) onDisconnected(handle ConnectionHandle, reason uint8) {
	i.mu.Lock()
	mac, ok := i.handleToMAC[handle]
	delete(i.handleToMAC, handle)
	i.mu.Unlock()
	i.opqueue.ClearForConnection(handle)
	if !ok {
		return
	}
	if id, known := i.identity.GetIdentityForMAC(mac); known {
		i.peers.RecordFailure(id, time.Now())
	}
}

func (i *Interface) onMTUChanged(handle ConnectionHandle, mtu int) {
	i.mu.Lock()
	mac := i.handleToMAC[handle]
	i.mu.Unlock()
	if id, known := i.identity.GetIdentityForMAC(mac); known {
		i.mu.Lock()
		f, ok := i.fragmenters[id]
		i.mu.Unlock()
		if ok {
			f.SetMTU(mtu)
		}
	}
}

func (i *Interface) onDataReceived(handle ConnectionHandle, data []byte) {
	i.mu.Lock()
	mac := i.handleToMAC[handle]
	i.mu.Unlock()

	if IsHandshakeData(data) && i.identity.IsHandshakeInProgress(mac) {
		if err := i.identity.ProcessReceivedData(mac, data, time.Now()); err != nil {
			i.log.WithField("mac", mac).WithError(err).Debug("ble handshake data rejected")
		}
		return
	}

	id, known := i.identity.GetIdentityForMAC(mac)
	if !known {
		return
	}

	i.mu.Lock()
	if len(i.pendingData) < maxPendingData {
		i.pendingData = append(i.pendingData, pendingData{identity: id, data: append([]byte(nil), data...)})
	}
	i.mu.Unlock()
}

func (i *Interface) onHandshakeCompleteCallback(mac MAC, identity Identity, isCentral bool) {
	i.mu.Lock()
	if len(i.pendingHandshakes) < maxPendingHandshakes {
		i.pendingHandshakes = append(i.pendingHandshakes, pendingHandshake{mac: mac, identity: identity, isCentral: isCentral})
	}
	if _, ok := i.fragmenters[identity]; !ok {
		i.fragmenters[identity] = NewFragmenter(DefaultMTU)
	}
	i.mu.Unlock()
}

func (i *Interface) executeOp(op *GATTOperation) {
	var err error
	switch op.Type {
	case OpWrite:
		err = i.platform.Write(op.Handle, op.Payload)
	case OpRequestMTU:
		err = i.platform.RequestMTU(op.Handle, DefaultMTU)
	}
	result := OpSuccess
	if err != nil {
		result = OpFailure
	}
	i.opqueue.Complete(op.Handle, result, nil, time.Now())
}

// SendOutgoing fragments data per-peer (one fragmenter per identity,
// MTU cached from the handshake/negotiation) and enqueues the writes.
func (i *Interface) SendOutgoing(data []byte) {
	i.mu.Lock()
	targets := make(map[Identity]ConnectionHandle, len(i.handleToMAC))
	for h, mac := range i.handleToMAC {
		if id, ok := i.identity.GetIdentityForMAC(mac); ok {
			targets[id] = h
		}
	}
	i.mu.Unlock()

	// Best-scored peers first: under fragmenter/opqueue backpressure this
	// favors the peers most likely to actually deliver the message.
	order := i.peers.RankedIdentities()
	ids := make([]Identity, 0, len(targets))
	seen := make(map[Identity]bool, len(targets))
	for _, id := range order {
		if _, ok := targets[id]; ok && !seen[id] {
			ids = append(ids, id)
			seen[id] = true
		}
	}
	for id := range targets {
		if !seen[id] {
			ids = append(ids, id)
		}
	}

	for _, id := range ids {
		h := targets[id]
		i.mu.Lock()
		f, ok := i.fragmenters[id]
		if !ok {
			f = NewFragmenter(DefaultMTU)
			i.fragmenters[id] = f
		}
		i.mu.Unlock()

		frags, err := f.Fragment(data, 0)
		if err != nil {
			continue
		}
		for _, frag := range frags {
			i.opqueue.Enqueue(NewGATTOperation(h, OpWrite).WithPayload(frag).Build(), time.Now())
		}
	}
}

func (i *Interface) PeerCount() int { return i.peers.Count() }
