package propagation

import (
	"sync"
	"testing"
	"time"
)

type memPinStore struct {
	mu  sync.Mutex
	pin string
}

func (m *memPinStore) LoadPin() (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pin, nil
}

func (m *memPinStore) SavePin(hashHex string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pin = hashHex
	return nil
}

func newTestManager() *Manager {
	return &Manager{
		nodes: make(map[string]*Node),
	}
}

func TestScoreFavorsFewerHopsAndRecency(t *testing.T) {
	now := time.Now()
	near := Node{HashHex: "a", Hops: 1, Enabled: true, LastSeen: now}
	far := Node{HashHex: "b", Hops: 5, Enabled: true, LastSeen: now}
	if near.score(now) <= far.score(now) {
		t.Fatalf("near-hop node should score higher: near=%v far=%v", near.score(now), far.score(now))
	}

	fresh := Node{HashHex: "c", Hops: 1, Enabled: true, LastSeen: now}
	stale := Node{HashHex: "d", Hops: 1, Enabled: true, LastSeen: now.Add(-2 * livelinessHalfLife)}
	if fresh.score(now) <= stale.score(now) {
		t.Fatalf("fresh node should score higher than stale: fresh=%v stale=%v", fresh.score(now), stale.score(now))
	}
}

func TestDisabledNodeNeverSelected(t *testing.T) {
	m := newTestManager()
	now := time.Now()
	m.nodes["a"] = &Node{HashHex: "a", Hops: 0, Enabled: false, LastSeen: now}
	m.nodes["b"] = &Node{HashHex: "b", Hops: 3, Enabled: true, LastSeen: now}

	got, ok := m.EffectiveNode()
	if !ok {
		t.Fatal("expected an effective node")
	}
	if got.HashHex != "b" {
		t.Fatalf("effective node = %q, want %q (disabled node should be skipped)", got.HashHex, "b")
	}
}

func TestPinOverridesScore(t *testing.T) {
	m := newTestManager()
	pins := &memPinStore{}
	m.pins = pins
	now := time.Now()
	m.nodes["best"] = &Node{HashHex: "best", Hops: 0, Enabled: true, LastSeen: now}
	m.nodes["worst"] = &Node{HashHex: "worst", Hops: 9, Enabled: true, LastSeen: now.Add(-48 * time.Hour)}

	if err := m.Pin("worst"); err != nil {
		t.Fatalf("Pin: %v", err)
	}

	got, ok := m.EffectiveNode()
	if !ok {
		t.Fatal("expected an effective node")
	}
	if got.HashHex != "worst" {
		t.Fatalf("effective node = %q, want pinned %q", got.HashHex, "worst")
	}

	stored, _ := pins.LoadPin()
	if stored != "worst" {
		t.Fatalf("pin not persisted: got %q", stored)
	}

	if err := m.Unpin(); err != nil {
		t.Fatalf("Unpin: %v", err)
	}
	got, ok = m.EffectiveNode()
	if !ok {
		t.Fatal("expected an effective node after unpin")
	}
	if got.HashHex != "best" {
		t.Fatalf("effective node after unpin = %q, want best-scoring %q", got.HashHex, "best")
	}
}

func TestKnownNodesSortedByScore(t *testing.T) {
	m := newTestManager()
	now := time.Now()
	m.nodes["low"] = &Node{HashHex: "low", Hops: 8, Enabled: true, LastSeen: now}
	m.nodes["high"] = &Node{HashHex: "high", Hops: 0, Enabled: true, LastSeen: now}

	nodes := m.KnownNodes()
	if len(nodes) != 2 {
		t.Fatalf("expected 2 nodes, got %d", len(nodes))
	}
	if nodes[0].HashHex != "high" {
		t.Fatalf("nodes[0] = %q, want highest-scoring %q first", nodes[0].HashHex, "high")
	}
}

type fakeRequester struct {
	requested []byte
	err       error
}

func (f *fakeRequester) RequestMessagesFromPropagationNode(nodeHash []byte) error {
	f.requested = nodeHash
	return f.err
}

func TestSyncUsesEffectiveNode(t *testing.T) {
	m := newTestManager()
	now := time.Now()
	m.nodes["ab12"] = &Node{HashHex: "ab12", Hops: 0, Enabled: true, LastSeen: now}

	req := &fakeRequester{}
	if err := m.Sync(req); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if len(req.requested) == 0 {
		t.Fatal("expected RequestMessagesFromPropagationNode to be called with a decoded hash")
	}
	if m.LastPull().IsZero() {
		t.Fatal("expected LastPull to be updated after a successful sync")
	}
}

func TestSyncWithNoKnownNodesIsNoop(t *testing.T) {
	m := newTestManager()
	req := &fakeRequester{}
	if err := m.Sync(req); err != nil {
		t.Fatalf("Sync with no nodes should be a no-op, got error: %v", err)
	}
	if req.requested != nil {
		t.Fatal("RequestMessagesFromPropagationNode should not be called with no known nodes")
	}
}
