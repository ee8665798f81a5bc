// Package reticulum adapts the svanichkin/go-reticulum Transport
// core (Identity, Destination, announce propagation) for a node that
// drives its own link-layer interfaces instead of Reticulum's
// built-in, config-declared ones. Each transport package
// (internal/ble, internal/tcpiface, internal/lora, internal/autoiface)
// plugs in through the TransportInterface contract in interface.go rather
// than through an `[interfaces]` config block.
package reticulum

import (
	"encoding/hex"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/svanichkin/go-reticulum/rns"
	umsgpack "github.com/svanichkin/go-reticulum/rns/vendor"
)

// Core wraps the running Reticulum instance and our own identity.
type Core struct {
	log      *logrus.Entry
	instance *rns.Reticulum
	identity *rns.Identity

	mu        sync.Mutex
	announces map[string]AnnounceEntry
}

// AnnounceEntry is a UI-facing snapshot of a received announce,
// indexed by destination hash hex.
type AnnounceEntry struct {
	DestinationHashHex string `json:"destination_hash_hex"`
	DisplayName        string `json:"display_name,omitempty"`
	LastSeen           int64  `json:"last_seen"`
	AppDataLen         int    `json:"app_data_len,omitempty"`
}

// Config carries the minimal Reticulum-core settings this node needs;
// all transport interfaces are registered programmatically rather
// than declared in the config text, so no `[interfaces]` block exists.
type Config struct {
	ConfigText   string
	LogLevel     int
	IdentityPath string
}

func StartCore(log *logrus.Entry, cfg Config) (*Core, error) {
	level := cfg.LogLevel
	ret, err := rns.NewReticulum(cfg.ConfigText, &level, rns.LOG_STDOUT, nil, false, nil)
	if err != nil {
		return nil, fmt.Errorf("reticulum: start core: %w", err)
	}

	var id *rns.Identity
	if cfg.IdentityPath != "" {
		id, err = rns.IdentityFromFile(cfg.IdentityPath)
	}
	if id == nil {
		id, err = rns.NewIdentity()
	}
	if err != nil {
		return nil, fmt.Errorf("reticulum: load identity: %w", err)
	}

	c := &Core{
		log:       log.WithField("component", "reticulum"),
		instance:  ret,
		identity:  id,
		announces: make(map[string]AnnounceEntry),
	}
	c.registerAnnounceLogger()
	return c, nil
}

func (c *Core) Identity() *rns.Identity  { return c.identity }
func (c *Core) Instance() *rns.Reticulum { return c.instance }

// RecallIdentity looks up a peer identity Transport already knows
// about (from a received announce or cached path).
func (c *Core) RecallIdentity(destinationHash []byte) *rns.Identity {
	return rns.IdentityRecall(destinationHash)
}

// RecallAppData returns the last-announced application data for a
// destination, or nil if Transport has no cached identity for it.
func (c *Core) RecallAppData(destinationHash []byte) []byte {
	id := rns.IdentityRecall(destinationHash)
	if id == nil {
		return nil
	}
	return id.AppData
}

// HasPath reports whether Transport currently has a known path to the
// destination.
func (c *Core) HasPath(destinationHash []byte) bool {
	return rns.TransportHasPath(destinationHash)
}

// RequestPath asks Transport to solicit a path (and therefore a fresh
// announce) for a destination we don't yet have app data for.
func (c *Core) RequestPath(destinationHash []byte) {
	rns.TransportRequestPath(destinationHash)
}

func (c *Core) Logf(level rns.LogLevel, format string, args ...any) {
	rns.Logf(level, format, args...)
}

// announceHandler adapts our own AnnounceEntry bookkeeping to the
// rns.RegisterAnnounceHandler contract (AspectFilter/ReceivedAnnounce).
type announceHandler struct {
	core         *Core
	aspectFilter string
}

func (h *announceHandler) AspectFilter() string { return h.aspectFilter }

func (h *announceHandler) ReceivedAnnounce(destinationHash []byte, announcedIdentity *rns.Identity, appData []byte) {
	h.core.recordAnnounce(destinationHash, appData)
}

func (c *Core) registerAnnounceLogger() {
	h := &announceHandler{core: c, aspectFilter: ""}
	rns.RegisterAnnounceHandler(h)
}

// RegisterAnnounceHandler lets a higher-level component (e.g. the
// propagation-node manager) subscribe to announces on a specific
// aspect filter such as "lxmf.propagation".
func (c *Core) RegisterAnnounceHandler(aspectFilter string, onAnnounce func(destinationHash []byte, identity *rns.Identity, appData []byte)) {
	rns.RegisterAnnounceHandler(&funcAnnounceHandler{aspectFilter: aspectFilter, fn: onAnnounce})
}

type funcAnnounceHandler struct {
	aspectFilter string
	fn           func(destinationHash []byte, identity *rns.Identity, appData []byte)
}

func (h *funcAnnounceHandler) AspectFilter() string { return h.aspectFilter }
func (h *funcAnnounceHandler) ReceivedAnnounce(destinationHash []byte, identity *rns.Identity, appData []byte) {
	if h.fn != nil {
		h.fn(destinationHash, identity, appData)
	}
}

func (c *Core) recordAnnounce(destinationHash, appData []byte) {
	destHex := hex.EncodeToString(destinationHash)
	entry := AnnounceEntry{
		DestinationHashHex: destHex,
		DisplayName:        displayNameFromAppData(appData),
		LastSeen:           time.Now().Unix(),
		AppDataLen:         len(appData),
	}
	c.mu.Lock()
	c.announces[destHex] = entry
	c.mu.Unlock()
}

// KnownAnnounces returns a snapshot of every destination we've seen
// announced, most recent first.
func (c *Core) KnownAnnounces() []AnnounceEntry {
	c.mu.Lock()
	out := make([]AnnounceEntry, 0, len(c.announces))
	for _, e := range c.announces {
		out = append(out, e)
	}
	c.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].LastSeen > out[j].LastSeen })
	return out
}

// displayNameFromAppData mirrors LXMF's announce app-data convention:
// msgpack([display_name_bytes, stamp_cost?, avatar?]).
func displayNameFromAppData(appData []byte) string {
	if len(appData) == 0 {
		return ""
	}
	var unpacked []any
	if err := umsgpack.Unpackb(appData, &unpacked); err != nil || len(unpacked) == 0 {
		return ""
	}
	switch v := unpacked[0].(type) {
	case []byte:
		return string(v)
	case string:
		return v
	}
	return ""
}
