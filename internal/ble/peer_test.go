package ble

import (
	"testing"
	"time"
)

func TestPeerManagerPoolFull(t *testing.T) {
	pm := NewPeerManager()
	now := time.Now()

	for i := 0; i < PeersPoolSize; i++ {
		mac := MAC{byte(i)}
		if _, err := pm.Discover(ScanResult{MAC: mac, RSSI: -50}, now); err != nil {
			t.Fatalf("discover %d: %v", i, err)
		}
	}

	_, err := pm.Discover(ScanResult{MAC: MAC{0xFF}, RSSI: -50}, now)
	if err != ErrPeersPoolFull {
		t.Fatalf("expected ErrPeersPoolFull once pool is exhausted, got %v", err)
	}
}

func TestBlacklistMonotonicWithinFailureBurst(t *testing.T) {
	pm := NewPeerManager()
	now := time.Now()

	var id Identity
	id[0] = 0x01
	pm.PromoteIdentity(MAC{0x01}, id)

	var last time.Time
	for i := 0; i < 5; i++ {
		pm.RecordFailure(id, now)
		rec, ok := pm.ByIdentity(id)
		if !ok {
			t.Fatal("peer vanished")
		}
		if rec.BlacklistedUntil.Before(last) {
			t.Fatalf("blacklisted_until decreased on failure %d: %v < %v", i, rec.BlacklistedUntil, last)
		}
		last = rec.BlacklistedUntil
	}

	pm.RecordSuccess(id)
	rec, _ := pm.ByIdentity(id)
	if rec.ConsecutiveFailures != 0 {
		t.Fatalf("success should reset consecutive failures, got %d", rec.ConsecutiveFailures)
	}
}

func TestBlacklistExpirySweepsBackToDiscovered(t *testing.T) {
	pm := NewPeerManager()
	now := time.Now()

	var id Identity
	id[0] = 0x02
	pm.PromoteIdentity(MAC{0x02}, id)
	pm.RecordFailure(id, now)

	rec, _ := pm.ByIdentity(id)
	if rec.State != StateBlacklisted {
		t.Fatalf("expected BLACKLISTED after failure, got %v", rec.State)
	}

	pm.CheckBlacklistExpirations(rec.BlacklistedUntil.Add(-time.Second))
	rec, _ = pm.ByIdentity(id)
	if rec.State != StateBlacklisted {
		t.Fatalf("should still be blacklisted before expiry, got %v", rec.State)
	}

	pm.CheckBlacklistExpirations(rec.BlacklistedUntil.Add(time.Second))
	rec, _ = pm.ByIdentity(id)
	if rec.State != StateDiscovered {
		t.Fatalf("expected DISCOVERED after blacklist expiry, got %v", rec.State)
	}
}

func TestScoreWithinUnitRange(t *testing.T) {
	pm := NewPeerManager()
	now := time.Now()

	rec := PeerRecord{RSSIAvg: -40, Successes: 10, Failures: 1, lastActive: now}
	score := pm.Score(&rec, now)
	if score < 0 || score > 1 {
		t.Fatalf("score out of [0,1] range: %v", score)
	}
}

func TestConnectionDirectionTieBreakExactlyOne(t *testing.T) {
	a := MAC{0xAA, 0xBB, 0xCC, 0x00, 0x00, 0x01}
	b := MAC{0xAA, 0xBB, 0xCC, 0x00, 0x00, 0x02}

	pmA := NewPeerManager()
	pmA.SetLocalMAC(a)
	pmB := NewPeerManager()
	pmB.SetLocalMAC(b)

	aInitiates := pmA.ShouldInitiateConnection(b)
	bInitiates := pmB.ShouldInitiateConnection(a)
	if aInitiates == bInitiates {
		t.Fatalf("exactly one side must initiate: a=%v b=%v", aInitiates, bInitiates)
	}
	if !aInitiates {
		t.Fatal("AA:BB:CC:00:00:01 should initiate against …:02 per spec example")
	}
}
