package ble

import (
	"errors"
	"math"
	"sync"
	"time"

	"golang.org/x/exp/slices"
)

var ErrPeersPoolFull = errors.New("ble: peer pool full")

// PeerRecord mirrors the data model's PeerRecord (BLE): per-peer state
// tracked across scan discovery, handshake, and connection lifetime.
type PeerRecord struct {
	MAC      MAC
	Identity Identity
	HasID    bool

	State PeerState
	RSSI  int8
	RSSIAvg float64

	PacketsSent       uint64
	PacketsReceived   uint64
	ConnectionAttempts uint64
	Successes          uint64
	Failures           uint64
	ConsecutiveFailures int

	BlacklistedUntil time.Time
	Handle           ConnectionHandle
	HasHandle        bool
	MTU              int

	score      float64
	lastActive time.Time
}

// PeerManager keeps PeerRecords in a fixed-size slab pool and finds
// them by identity, MAC or connection handle with a linear scan over
// the pool slots; there are no separate index maps. It owns
// scoring/blacklist/failure-retry policy per §4.C.
type PeerManager struct {
	mu       sync.Mutex
	slots    [PeersPoolSize]PeerRecord
	slotUsed [PeersPoolSize]bool
	localMAC MAC
}

func NewPeerManager() *PeerManager {
	return &PeerManager{}
}

func (m *PeerManager) SetLocalMAC(mac MAC) {
	m.mu.Lock()
	m.localMAC = mac
	m.mu.Unlock()
}

func (m *PeerManager) findByMACLocked(mac MAC) *PeerRecord {
	for i := range m.slots {
		if m.slotUsed[i] && m.slots[i].MAC == mac {
			return &m.slots[i]
		}
	}
	return nil
}

func (m *PeerManager) findByIdentityLocked(id Identity) *PeerRecord {
	for i := range m.slots {
		if m.slotUsed[i] && m.slots[i].HasID && m.slots[i].Identity == id {
			return &m.slots[i]
		}
	}
	return nil
}

func (m *PeerManager) freeSlotLocked() *PeerRecord {
	for i := range m.slots {
		if !m.slotUsed[i] {
			m.slotUsed[i] = true
			m.slots[i] = PeerRecord{}
			return &m.slots[i]
		}
	}
	return nil
}

// Discover records (or refreshes) a scan result, creating a MAC-keyed
// record if none exists yet.
func (m *PeerManager) Discover(result ScanResult, now time.Time) (*PeerRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec := m.findByMACLocked(result.MAC)
	if rec == nil {
		rec = m.freeSlotLocked()
		if rec == nil {
			return nil, ErrPeersPoolFull
		}
		rec.MAC = result.MAC
		rec.State = StateDiscovered
	}
	rec.RSSI = result.RSSI
	rec.RSSIAvg = smoothRSSI(rec.RSSIAvg, float64(result.RSSI))
	rec.lastActive = now
	if result.HasIdentity && !rec.HasID {
		rec.Identity = result.IdentityHint
		rec.HasID = true
	}
	return rec, nil
}

func smoothRSSI(avg, sample float64) float64 {
	const alpha = 0.3
	if avg == 0 {
		return sample
	}
	return avg*(1-alpha) + sample*alpha
}

// PromoteIdentity moves a MAC-only record into the identity index once
// a handshake completes, preserving its counters.
func (m *PeerManager) PromoteIdentity(mac MAC, id Identity) *PeerRecord {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec := m.findByMACLocked(mac)
	if rec == nil {
		rec = m.freeSlotLocked()
		if rec == nil {
			return nil
		}
		rec.MAC = mac
	}
	rec.Identity = id
	rec.HasID = true
	rec.State = StateConnected
	return rec
}

func (m *PeerManager) ByIdentity(id Identity) (PeerRecord, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec := m.findByIdentityLocked(id)
	if rec == nil {
		return PeerRecord{}, false
	}
	return *rec, true
}

func (m *PeerManager) ByHandle(h ConnectionHandle) (PeerRecord, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.slots {
		if m.slotUsed[i] && m.slots[i].HasHandle && m.slots[i].Handle == h {
			return m.slots[i], true
		}
	}
	return PeerRecord{}, false
}

// RecordSuccess resets the failure counter and bumps success stats.
func (m *PeerManager) RecordSuccess(id Identity) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec := m.findByIdentityLocked(id)
	if rec == nil {
		return
	}
	rec.Successes++
	rec.ConsecutiveFailures = 0
	rec.State = StateConnected
}

// RecordFailure applies the exponential-backoff blacklist policy: each
// failure increases consecutive_failures and pushes BlacklistedUntil
// out by exponential_backoff(consecutive_failures) capped at a ceiling.
func (m *PeerManager) RecordFailure(id Identity, now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec := m.findByIdentityLocked(id)
	if rec == nil {
		return
	}
	rec.Failures++
	rec.ConsecutiveFailures++
	backoff := blacklistBase * time.Duration(1<<min(rec.ConsecutiveFailures, 20))
	if backoff > blacklistCeiling {
		backoff = blacklistCeiling
	}
	rec.BlacklistedUntil = now.Add(backoff)
	rec.State = StateBlacklisted
}

// CheckBlacklistExpirations transitions expired BLACKLISTED records
// back to DISCOVERED.
func (m *PeerManager) CheckBlacklistExpirations(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.slots {
		rec := &m.slots[i]
		if m.slotUsed[i] && rec.State == StateBlacklisted && now.After(rec.BlacklistedUntil) {
			rec.State = StateDiscovered
		}
	}
}

// Score recomputes and caches the weighted scoring function from §4.C.
func (m *PeerManager) Score(rec *PeerRecord, now time.Time) float64 {
	normRSSI := (rec.RSSIAvg - rssiMin) / (rssiMax - rssiMin)
	if normRSSI < 0 {
		normRSSI = 0
	}
	if normRSSI > 1 {
		normRSSI = 1
	}

	attempts := rec.Successes + rec.Failures
	successRate := 1.0
	if attempts > 0 {
		successRate = float64(rec.Successes) / float64(attempts)
	}

	sinceActive := now.Sub(rec.lastActive)
	recency := 1 - math.Min(1, sinceActive.Seconds()/activityHorizon.Seconds())

	throughput := saturate(float64(rec.PacketsSent+rec.PacketsReceived), 1000)

	penalty := 1.0 / float64(1+rec.ConsecutiveFailures)

	score := 0.35*normRSSI + 0.25*successRate + 0.2*recency + 0.1*throughput + 0.1*penalty
	rec.score = score
	return score
}

func saturate(v, max float64) float64 {
	if v >= max {
		return 1
	}
	return v / max
}

// RecalculateScores recomputes scores for every tracked peer.
func (m *PeerManager) RecalculateScores(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.slots {
		if m.slotUsed[i] {
			m.Score(&m.slots[i], now)
		}
	}
}

// ShouldInitiateConnection applies the connection-direction tie-break:
// the peer with the lexicographically smaller MAC initiates.
func (m *PeerManager) ShouldInitiateConnection(remote MAC) bool {
	m.mu.Lock()
	local := m.localMAC
	m.mu.Unlock()
	return local.Less(remote)
}

// Remove erases a record outright (explicit removal or stale timeout).
func (m *PeerManager) Remove(id Identity) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.slots {
		if m.slotUsed[i] && m.slots[i].HasID && m.slots[i].Identity == id {
			m.slotUsed[i] = false
			m.slots[i] = PeerRecord{}
			return
		}
	}
}

// RankedIdentities returns every identity-known peer's identity,
// whatever its connection state, ordered best-score-first, breaking
// ties on identity bytes so SendOutgoing's fan-out order is
// deterministic across runs rather than depending on map iteration
// order.
func (m *PeerManager) RankedIdentities() []Identity {
	m.mu.Lock()
	type ranked struct {
		id    Identity
		score float64
	}
	out := make([]ranked, 0, len(m.slots))
	for i := range m.slots {
		if m.slotUsed[i] && m.slots[i].HasID {
			out = append(out, ranked{id: m.slots[i].Identity, score: m.slots[i].score})
		}
	}
	m.mu.Unlock()

	slices.SortFunc(out, func(a, b ranked) int {
		if a.score != b.score {
			if a.score > b.score {
				return -1
			}
			return 1
		}
		for k := range a.id {
			if a.id[k] != b.id[k] {
				if a.id[k] < b.id[k] {
					return -1
				}
				return 1
			}
		}
		return 0
	})

	ids := make([]Identity, len(out))
	for i, r := range out {
		ids[i] = r.id
	}
	return ids
}

func (m *PeerManager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, used := range m.slotUsed {
		if used {
			n++
		}
	}
	return n
}
