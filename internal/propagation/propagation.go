// Package propagation tracks LXMF propagation nodes announced on the
// network and picks the best one to use for store-and-forward
// backlog pulls, mirroring the announce-driven node discovery every
// reference Reticulum client performs before talking to a propagation
// node.
package propagation

import (
	"encoding/hex"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/svanichkin/go-reticulum/rns"

	"meshnode/internal/reticulum"
)

// propagationAspect is the announce aspect filter LXMF propagation
// nodes announce on.
const propagationAspect = "lxmf.propagation"

// livelinessHalfLife controls how quickly a node's score decays with
// staleness: a node not re-announced for this long has its recency
// contribution halved.
const livelinessHalfLife = 6 * time.Hour

// Node is a tracked propagation-node candidate.
type Node struct {
	HashHex  string
	Name     string
	Hops     int
	Enabled  bool
	LastSeen time.Time
	Pinned   bool
}

// score favors fewer hops and recent liveness; pinned nodes are never
// chosen by score (they're always the effective node while pinned),
// but still accrue score so un-pinning doesn't start from zero.
func (n Node) score(now time.Time) float64 {
	if !n.Enabled {
		return -1
	}
	age := now.Sub(n.LastSeen)
	recency := 1.0
	if age > 0 {
		halfLives := float64(age) / float64(livelinessHalfLife)
		recency = 1.0 / (1.0 + halfLives)
	}
	hopPenalty := 1.0 / float64(n.Hops+1)
	return recency * hopPenalty
}

// PinStore persists a manually pinned node hash across restarts.
type PinStore interface {
	LoadPin() (string, error)
	SavePin(hashHex string) error
}

// Manager tracks propagation nodes seen via announce and exposes the
// current best ("effective") one for the router's backlog pulls.
type Manager struct {
	log  *logrus.Entry
	core *reticulum.Core
	pins PinStore

	mu       sync.Mutex
	nodes    map[string]*Node
	pinned   string
	lastPull time.Time
}

func NewManager(log *logrus.Entry, core *reticulum.Core, pins PinStore) *Manager {
	m := &Manager{
		log:   log.WithField("component", "propagation"),
		core:  core,
		pins:  pins,
		nodes: make(map[string]*Node),
	}
	if pins != nil {
		if hashHex, err := pins.LoadPin(); err == nil && hashHex != "" {
			m.pinned = hashHex
		}
	}
	core.RegisterAnnounceHandler(propagationAspect, m.onAnnounce)
	return m
}

func (m *Manager) onAnnounce(destinationHash []byte, identity *rns.Identity, appData []byte) {
	hashHex := hex.EncodeToString(destinationHash)
	name, hops := parsePropagationAppData(appData)

	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.nodes[hashHex]
	if !ok {
		n = &Node{HashHex: hashHex, Enabled: true}
		m.nodes[hashHex] = n
	}
	n.Name = name
	n.Hops = hops
	n.LastSeen = time.Now()
	m.log.WithFields(logrus.Fields{"node": hashHex, "hops": hops}).Debug("propagation node announce")
}

// parsePropagationAppData extracts a display name and hop count from
// a propagation-node announce's app_data. go-reticulum surfaces hop
// count itself via the announce path rather than app_data on most
// transports; this falls back to 0 hops when none is encoded, letting
// score() degrade to pure recency for such nodes.
func parsePropagationAppData(appData []byte) (name string, hops int) {
	if len(appData) == 0 {
		return "", 0
	}
	return string(appData), 0
}

// SetHops lets the caller feed a hop count learned from the path
// table (rns.TransportHasPath's underlying path record) rather than
// app_data, for nodes where that's where hop count actually lives.
func (m *Manager) SetHops(hashHex string, hops int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n, ok := m.nodes[hashHex]; ok {
		n.Hops = hops
	}
}

// Pin manually selects a node, disabling auto-selection until
// Unpin is called. The pin is persisted so it survives a restart.
func (m *Manager) Pin(hashHex string) error {
	m.mu.Lock()
	m.pinned = hashHex
	m.mu.Unlock()
	if m.pins != nil {
		return m.pins.SavePin(hashHex)
	}
	return nil
}

func (m *Manager) Unpin() error {
	m.mu.Lock()
	m.pinned = ""
	m.mu.Unlock()
	if m.pins != nil {
		return m.pins.SavePin("")
	}
	return nil
}

func (m *Manager) IsPinned() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pinned != ""
}

// SetEnabled toggles whether a node is eligible for auto-selection,
// without removing its tracked history.
func (m *Manager) SetEnabled(hashHex string, enabled bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n, ok := m.nodes[hashHex]; ok {
		n.Enabled = enabled
	}
}

// EffectiveNode returns the currently selected propagation node: the
// pinned node if one is set, regardless of score (a pinned hash that
// is not tracked is returned as a bare enabled Node), otherwise the
// highest-scoring enabled node.
func (m *Manager) EffectiveNode() (Node, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.pinned != "" {
		if n, ok := m.nodes[m.pinned]; ok {
			return *n, true
		}
		return Node{HashHex: m.pinned, Enabled: true}, true
	}

	now := time.Now()
	var best *Node
	var bestScore float64
	for _, n := range m.nodes {
		s := n.score(now)
		if s < 0 {
			continue
		}
		if best == nil || s > bestScore {
			best, bestScore = n, s
		}
	}
	if best == nil {
		return Node{}, false
	}
	return *best, true
}

// KnownNodes returns every tracked node, best score first.
func (m *Manager) KnownNodes() []Node {
	m.mu.Lock()
	now := time.Now()
	out := make([]Node, 0, len(m.nodes))
	for _, n := range m.nodes {
		cp := *n
		cp.Pinned = cp.HashHex == m.pinned
		out = append(out, cp)
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].score(now) > out[j].score(now) })
	return out
}

// Requester is the subset of *lxmf.Router used to pull backlog from
// a propagation node, kept as an interface so this package doesn't
// import internal/lxmf (avoiding an import cycle, since the router
// itself will use this manager to resolve the effective node).
type Requester interface {
	RequestMessagesFromPropagationNode(nodeHash []byte) error
}

// Sync asks the effective node for any backlog addressed to us, and
// records when the pull happened for observability.
func (m *Manager) Sync(router Requester) error {
	node, ok := m.EffectiveNode()
	if !ok {
		return nil
	}
	hashBytes, err := hex.DecodeString(node.HashHex)
	if err != nil {
		return err
	}
	if err := router.RequestMessagesFromPropagationNode(hashBytes); err != nil {
		return err
	}
	m.mu.Lock()
	m.lastPull = time.Now()
	m.mu.Unlock()
	return nil
}

func (m *Manager) LastPull() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastPull
}
