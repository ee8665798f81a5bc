package autoiface

import (
	"net"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
)

type fakeSocket struct {
	sent   []sentDatagram
	inbox  []recvDatagram
	closed bool
}

type sentDatagram struct {
	data []byte
	dst  *net.UDPAddr
}

type recvDatagram struct {
	data []byte
	from *net.UDPAddr
}

func (f *fakeSocket) WriteToUDP(b []byte, addr *net.UDPAddr) (int, error) {
	cp := make([]byte, len(b))
	copy(cp, b)
	f.sent = append(f.sent, sentDatagram{data: cp, dst: addr})
	return len(b), nil
}

func (f *fakeSocket) ReadFromUDP(b []byte) (int, *net.UDPAddr, error) {
	if len(f.inbox) == 0 {
		return 0, nil, nil
	}
	next := f.inbox[0]
	f.inbox = f.inbox[1:]
	return copy(b, next.data), next.from, nil
}

func (f *fakeSocket) Close() error { f.closed = true; return nil }

func newTestIface() (*Interface, *fakeSocket, *fakeSocket, *fakeSocket) {
	i := New(logrus.NewEntry(logrus.New()))
	i.SetLinkLocal(net.ParseIP("fe80::1234:5678:9abc:def0"), 1)
	disc, uni, data := &fakeSocket{}, &fakeSocket{}, &fakeSocket{}
	i.SetSockets(disc, uni, data)
	return i, disc, uni, data
}

func TestDiscoveryTokenMatchesSpecExample(t *testing.T) {
	i, _, _, _ := newTestIface()
	if err := i.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	if len(i.discoveryToken) != TokenSize {
		t.Fatalf("token length = %d, want %d", len(i.discoveryToken), TokenSize)
	}
	// token must be a deterministic function of group id + link-local addr
	again := i.calculateDiscoveryToken()
	if string(again) != string(i.discoveryToken) {
		t.Fatal("discovery token is not deterministic")
	}
	want := fullHash(append([]byte(DefaultGroupID), net.ParseIP("fe80::1234:5678:9abc:def0").To16()...))
	if string(i.discoveryToken) != string(want) {
		t.Fatalf("token = %x, want full_hash(group id || link-local address) = %x", i.discoveryToken, want)
	}
}

func TestMulticastAddressIsLinkLocalScoped(t *testing.T) {
	i, _, _, _ := newTestIface()
	if err := i.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	if i.multicastAddr[0] != 0xff || i.multicastAddr[1] != 0x12 {
		t.Fatalf("multicast address not ff12-prefixed: %v", i.multicastAddr)
	}
}

func TestAnnounceSendsTokenToMulticastGroup(t *testing.T) {
	i, disc, _, _ := newTestIface()
	i.Start()
	i.sendAnnounce()
	if len(disc.sent) != 1 {
		t.Fatalf("expected 1 announce, got %d", len(disc.sent))
	}
	if string(disc.sent[0].data) != string(i.discoveryToken) {
		t.Fatal("announce payload should be the discovery token")
	}
	if disc.sent[0].dst.Port != i.DiscoveryPort {
		t.Fatalf("announce port = %d, want %d", disc.sent[0].dst.Port, i.DiscoveryPort)
	}
}

func TestOwnEchoClearsTimeoutAndDoesNotAddPeer(t *testing.T) {
	i, disc, _, _ := newTestIface()
	i.Start()
	now := time.Now()

	i.mu.Lock()
	i.timedOut = true
	i.mu.Unlock()

	disc.inbox = append(disc.inbox, recvDatagram{data: i.discoveryToken, from: &net.UDPAddr{IP: i.linkLocal, Port: i.DiscoveryPort}})
	i.processDiscovery(now)

	if i.IsTimedOut() {
		t.Fatal("own echo should clear timed-out state")
	}
	if !i.CarrierChanged() {
		t.Fatal("clearing a timeout should raise carrier-changed")
	}
	if i.PeerCount() != 0 {
		t.Fatal("own echo must not be added as a peer")
	}
}

func TestForeignTokenAddsPeer(t *testing.T) {
	i, disc, _, _ := newTestIface()
	i.Start()
	now := time.Now()

	foreignToken := []byte("not-our-token-not-our-token-abc")
	from := &net.UDPAddr{IP: net.ParseIP("fe80::dead:beef:1:1"), Port: i.DiscoveryPort}
	disc.inbox = append(disc.inbox, recvDatagram{data: foreignToken, from: from})
	i.processDiscovery(now)

	if i.PeerCount() != 1 {
		t.Fatalf("expected 1 peer, got %d", i.PeerCount())
	}
}

func TestEchoTimeoutRaisesCarrierChangedOnce(t *testing.T) {
	i, disc, _, _ := newTestIface()
	i.Start()

	t0 := time.Now()
	disc.inbox = append(disc.inbox, recvDatagram{data: i.discoveryToken, from: &net.UDPAddr{IP: i.linkLocal}})
	i.processDiscovery(t0)

	later := t0.Add(McastEchoTimeout + time.Second)
	i.checkEchoTimeout(later)
	if !i.IsTimedOut() {
		t.Fatal("expected timed-out after echo timeout elapses")
	}
	if !i.CarrierChanged() {
		t.Fatal("expected carrier-changed edge on timeout")
	}
	if i.CarrierChanged() {
		t.Fatal("carrier-changed must clear after being read once")
	}
}

func TestExpireStalePeersRemovesOldEntries(t *testing.T) {
	i, _, _, _ := newTestIface()
	i.Start()
	now := time.Now()
	i.addOrRefreshPeer(net.ParseIP("fe80::1"), i.DataPort, now.Add(-PeeringTimeout-time.Second), false)
	i.addOrRefreshPeer(net.ParseIP("fe80::2"), i.DataPort, now, false)

	i.expireStalePeers(now)
	if i.PeerCount() != 1 {
		t.Fatalf("expected 1 surviving peer, got %d", i.PeerCount())
	}
}

func TestDedupDequeDropsRepeatWithinTTL(t *testing.T) {
	i, _, _, data := newTestIface()
	i.Start()

	var delivered int
	i.OnData = func([]byte) { delivered++ }

	packet := []byte("hello")
	now := time.Now()
	data.inbox = append(data.inbox, recvDatagram{data: packet}, recvDatagram{data: packet})
	i.processData(now)

	if delivered != 1 {
		t.Fatalf("expected 1 delivery for duplicate packets, got %d", delivered)
	}
}

func TestDedupDequeForgetsAfterTTL(t *testing.T) {
	i, _, _, data := newTestIface()
	i.Start()

	var delivered int
	i.OnData = func([]byte) { delivered++ }

	packet := []byte("hello")
	t0 := time.Now()
	data.inbox = append(data.inbox, recvDatagram{data: packet})
	i.processData(t0)

	i.expireDequeEntries(t0.Add(DequeTTL + time.Second))

	data.inbox = append(data.inbox, recvDatagram{data: packet})
	i.processData(t0.Add(DequeTTL + time.Second))

	if delivered != 2 {
		t.Fatalf("expected delivery to repeat after TTL expiry, got %d", delivered)
	}
}
