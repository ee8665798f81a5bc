// Package meshnode ties together the Reticulum transport core, the
// LXMF message pipeline, and this node's own link-layer transports
// (AutoInterface, BLE, LoRa, TCP) behind one orchestrator, the way
// runcore's node.go does for the stock go-reticulum interface set —
// except every transport here registers itself with Transport in Go
// rather than being declared in an `[interfaces]` config block.
package meshnode

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/svanichkin/configobj"
	golxmf "github.com/svanichkin/go-lxmf/lxmf"
	"github.com/svanichkin/go-reticulum/rns"
	umsgpack "github.com/svanichkin/go-reticulum/rns/vendor"

	lxmfrouter "meshnode/internal/lxmf"
	"meshnode/internal/lora"
	"meshnode/internal/profile"
	"meshnode/internal/propagation"
	"meshnode/internal/reticulum"
)

// Options configures a Node. Every EnableX flag controls whether that
// transport is compiled into this run at all; once enabled, a
// transport can still be turned on/off at runtime via
// SetInterfaceEnabled, with the choice persisted under ConfigDir.
type Options struct {
	ConfigDir   string
	DisplayName string
	LogLevel    int

	DeliveryStampCost *int
	ResetLXMFState    bool
	ResetRNSConfig    bool

	EnableAutoInterface bool

	EnableBLE     bool
	BLEDeviceName string

	EnableTCP bool
	TCPHost   string
	TCPPort   int

	EnableLoRa bool
	LoRaDevice string
	LoRaBaud   int
	LoRaConfig lora.Config

	PropagationNodeHashHex string
	FallbackToPropagation  bool
	PropagationOnly        bool
}

// Node is the application orchestrator: it owns the transport core,
// the LXMF router/store, the profile (avatar/attachment) and
// propagation-node managers, and the set of link-layer transports it
// drives once per main-loop tick.
type Node struct {
	opts Options
	log  *logrus.Entry

	core        *reticulum.Core
	store       *lxmfrouter.Store
	router      *lxmfrouter.Router
	profile     *profile.Manager
	propagation *propagation.Manager

	linksMu sync.Mutex
	links   map[string]link

	inboundMu   sync.RWMutex
	onInboundFn func(*golxmf.LXMessage)

	displayNameMu  sync.RWMutex
	displayNameVal string

	avatarMu sync.Mutex

	stop     chan struct{}
	stopOnce sync.Once

	ifaceStateMu   sync.Mutex
	ifaceOfflineAt map[string]time.Time
	lastIfaceReset time.Time

	announceInFlight int32
	announceQueued   int32
}

// Start brings up the transport core, message pipeline, and every
// configured transport, then begins the cooperative main loop.
func Start(opts Options) (*Node, error) {
	if opts.ConfigDir == "" {
		opts.ConfigDir = ".meshnode"
	}
	if opts.LogLevel == 0 {
		opts.LogLevel = 4
	}
	log := newLogger(opts.LogLevel)

	if _, err := EnsureConfig(opts.ConfigDir, opts.DisplayName); err != nil {
		return nil, fmt.Errorf("meshnode: ensure config: %w", err)
	}
	if opts.ResetRNSConfig {
		if _, err := ResetRNSConfig(opts.ConfigDir, opts.LogLevel); err != nil {
			return nil, fmt.Errorf("meshnode: reset rns config: %w", err)
		}
	} else if _, err := EnsureRNSConfig(opts.ConfigDir, opts.LogLevel); err != nil {
		return nil, fmt.Errorf("meshnode: ensure rns config: %w", err)
	}
	layout := ResolveLayout(opts.ConfigDir)

	if opts.ResetLXMFState {
		_ = os.RemoveAll(filepath.Join(layout.StorageDir, "ratchets"))
	}

	rnsConfigText, err := os.ReadFile(layout.RNSConfigPath)
	if err != nil {
		return nil, fmt.Errorf("meshnode: read rns config: %w", err)
	}

	identityExisted := fileExists(layout.IdentityPath)
	core, err := reticulum.StartCore(log, reticulum.Config{
		ConfigText:   string(rnsConfigText),
		LogLevel:     opts.LogLevel,
		IdentityPath: layout.IdentityPath,
	})
	if err != nil {
		return nil, err
	}
	if !identityExisted {
		if err := core.Identity().Save(layout.IdentityPath); err != nil {
			return nil, fmt.Errorf("meshnode: save identity: %w", err)
		}
	}

	store, err := lxmfrouter.NewStore(layout.StorageDir)
	if err != nil {
		return nil, fmt.Errorf("meshnode: start message store: %w", err)
	}
	router, err := lxmfrouter.NewRouter(log, core, store, opts.DisplayName, opts.DeliveryStampCost)
	if err != nil {
		return nil, fmt.Errorf("meshnode: start lxmf router: %w", err)
	}

	profileMgr := profile.NewManager(log, core, layout.StorageDir)
	if err := profileMgr.Start(router.DeliveryDestination()); err != nil {
		return nil, fmt.Errorf("meshnode: start profile manager: %w", err)
	}

	pins := propagation.NewFilePinStore(layout.StorageDir)
	propMgr := propagation.NewManager(log, core, pins)

	n := &Node{
		opts:           opts,
		log:            log,
		core:           core,
		store:          store,
		router:         router,
		profile:        profileMgr,
		propagation:    propMgr,
		links:          make(map[string]link),
		stop:           make(chan struct{}),
		ifaceOfflineAt: make(map[string]time.Time),
		displayNameVal: opts.DisplayName,
	}

	_ = n.loadAvatarFromDisk()

	router.RegisterDeliveryCallback(func(m *golxmf.LXMessage) {
		if cb := n.inboundHandler(); cb != nil && m != nil {
			cb(m)
		}
	})
	router.SetFallbackToPropagation(opts.FallbackToPropagation)
	router.SetPropagationOnly(opts.PropagationOnly)

	if opts.PropagationNodeHashHex != "" {
		if err := propMgr.Pin(opts.PropagationNodeHashHex); err != nil {
			log.WithError(err).Warn("propagation: failed to persist pinned node")
		}
	}
	if effective, ok := propMgr.EffectiveNode(); ok {
		if hashBytes, err := hex.DecodeString(effective.HashHex); err == nil {
			router.SetOutboundPropagationNode(hashBytes)
		}
	}

	if err := n.startConfiguredLinks(); err != nil {
		log.WithError(err).Warn("one or more transports failed to start")
	}

	go n.mainLoop()
	go n.watchdogLoop()
	n.startPeriodicAnnounce(60 * time.Second)
	n.startPropagationSync(10 * time.Minute)

	return n, nil
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

// startConfiguredLinks builds every transport enabled in Options,
// always registering it with Transport (so path-based routing can
// target it once it comes online), but only starting it if the saved
// per-interface preference allows.
func (n *Node) startConfiguredLinks() error {
	var firstErr error
	try := func(name string, build func() (link, error)) {
		l, err := build()
		if err != nil {
			n.log.WithError(err).WithField("iface", name).Warn("interface unavailable")
			if firstErr == nil {
				firstErr = err
			}
			return
		}
		if _, err := n.core.RegisterInterface(l); err != nil {
			n.log.WithError(err).WithField("iface", name).Warn("interface failed to register with transport core")
		}
		n.linksMu.Lock()
		n.links[name] = l
		n.linksMu.Unlock()

		if !n.isInterfaceEnabled(name) {
			n.log.WithField("iface", name).Info("interface disabled by saved preference, not starting")
			return
		}
		if err := l.Start(); err != nil {
			n.log.WithError(err).WithField("iface", name).Warn("interface failed to start")
			if firstErr == nil {
				firstErr = err
			}
		}
	}

	if n.opts.EnableAutoInterface {
		try("autointerface", func() (link, error) { return newAutoLink(n.log, n.core) })
	}
	if n.opts.EnableTCP {
		try("tcp", func() (link, error) { return newTCPLink(n.log, n.core, n.opts.TCPHost, n.opts.TCPPort), nil })
	}
	if n.opts.EnableBLE {
		try("ble", func() (link, error) { return newBLELink(n.log, n.core, n.opts.BLEDeviceName) })
	}
	if n.opts.EnableLoRa {
		try("lora", func() (link, error) {
			return newLoRaLink(n.log, n.core, n.opts.LoRaDevice, n.opts.LoRaBaud, n.opts.LoRaConfig)
		})
	}
	return firstErr
}

func (n *Node) linkList() []link {
	n.linksMu.Lock()
	defer n.linksMu.Unlock()
	out := make([]link, 0, len(n.links))
	for _, l := range n.links {
		out = append(out, l)
	}
	return out
}

// mainLoop drives every registered transport once per tick,
// cooperative-scheduler style: every Tick runs on this goroutine, so a
// transport's I/O delays the others' ticks (reads use short deadlines;
// the TCP reconnect dial can take up to its connect timeout).
func (n *Node) mainLoop() {
	t := time.NewTicker(20 * time.Millisecond)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			now := time.Now()
			for _, l := range n.linkList() {
				l.Tick(now)
			}
		case <-n.stop:
			return
		}
	}
}

// watchdogLoop guards against a failure mode mobile platforms show
// after suspend/resume: sockets left half-dead, looking connected but
// passing no traffic. If every transport has been offline for more
// than 6 seconds and nothing has been reset in the last 12, it halts
// and restarts every transport to recreate their sockets.
func (n *Node) watchdogLoop() {
	t := time.NewTicker(2 * time.Second)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			n.maybeResetOnStall("watchdog")
		case <-n.stop:
			return
		}
	}
}

func (n *Node) maybeResetOnStall(reason string) {
	links := n.linkList()
	if len(links) == 0 {
		return
	}

	now := time.Now()
	anyOnline := false
	shortestOffline := time.Duration(-1)

	n.ifaceStateMu.Lock()
	for _, l := range links {
		name := l.Name()
		if l.Online() {
			anyOnline = true
			delete(n.ifaceOfflineAt, name)
			continue
		}
		start, ok := n.ifaceOfflineAt[name]
		if !ok {
			n.ifaceOfflineAt[name] = now
			start = now
		}
		if d := now.Sub(start); shortestOffline < 0 || d < shortestOffline {
			shortestOffline = d
		}
	}
	lastReset := n.lastIfaceReset
	n.ifaceStateMu.Unlock()

	if anyOnline || shortestOffline < 6*time.Second {
		return
	}
	if !lastReset.IsZero() && time.Since(lastReset) < 12*time.Second {
		return
	}

	n.ifaceStateMu.Lock()
	n.lastIfaceReset = time.Now()
	n.ifaceStateMu.Unlock()
	n.log.WithField("offline_for", shortestOffline).Debugf("%s: watchdog resetting all transports", reason)
	n.resetLinks(reason, links)
}

func (n *Node) resetLinks(reason string, links []link) {
	for _, l := range links {
		if err := l.Stop(); err != nil {
			n.log.WithError(err).WithField("iface", l.Name()).Debugf("%s: stop failed", reason)
		}
	}
	time.Sleep(400 * time.Millisecond)
	for _, l := range links {
		if !n.isInterfaceEnabled(l.Name()) {
			continue
		}
		if err := l.Start(); err != nil {
			n.log.WithError(err).WithField("iface", l.Name()).Debugf("%s: restart failed", reason)
		}
	}
}

// AnnounceDelivery broadcasts this node's delivery destination with a
// reason of "manual" (an operator- or UI-triggered announce).
func (n *Node) AnnounceDelivery() { n.AnnounceDeliveryWithReason("manual") }

// AnnounceDeliveryWithReason waits briefly for a usable transport
// (preferring TCP for the first 6 seconds of the wait, since it is
// usually the path to the wider network) before announcing, so an
// announce fired immediately at startup doesn't race every transport
// still coming online.
func (n *Node) AnnounceDeliveryWithReason(reason string) {
	if n == nil || n.router == nil {
		return
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = "manual"
	}

	if !atomic.CompareAndSwapInt32(&n.announceInFlight, 0, 1) {
		atomic.StoreInt32(&n.announceQueued, 1)
		return
	}

	stopCh := n.stop
	go func() {
		defer func() {
			atomic.StoreInt32(&n.announceInFlight, 0)
			if atomic.SwapInt32(&n.announceQueued, 0) == 1 {
				n.AnnounceDeliveryWithReason("queued")
			}
		}()

		if reason == "resume" {
			n.resetLinks(reason, n.linkList())
		}

		deadline := time.Now().Add(20 * time.Second)
		preferDeadline := time.Now().Add(6 * time.Second)
		for {
			select {
			case <-stopCh:
				return
			default:
			}

			if n.announceReady(preferDeadline) {
				time.Sleep(1 * time.Second)
				if n.announceReady(time.Now()) {
					break
				}
			}
			if time.Now().After(deadline) {
				n.log.WithField("reason", reason).Info("announce skipped: no usable transport online")
				return
			}
			time.Sleep(500 * time.Millisecond)
		}

		n.log.WithField("reason", reason).Info("announcing delivery destination")
		n.router.AnnounceAppData(n.announceAppData())
	}()
}

func (n *Node) announceReady(preferDeadline time.Time) bool {
	links := n.linkList()
	if len(links) == 0 {
		// No transports configured: there's nothing to wait on, so a
		// loopback-only node can still announce (eg for local tests).
		return true
	}
	anyOnline := false
	hasTCP := false
	tcpOnline := false
	for _, l := range links {
		if l.Name() == "tcp" {
			hasTCP = true
		}
		if l.Online() {
			anyOnline = true
			if l.Name() == "tcp" {
				tcpOnline = true
			}
		}
	}
	if !anyOnline {
		return false
	}
	if hasTCP && !tcpOnline && time.Now().Before(preferDeadline) {
		return false
	}
	return true
}

func (n *Node) startPeriodicAnnounce(interval time.Duration) {
	if interval <= 0 {
		return
	}
	t := time.NewTicker(interval)
	go func() {
		defer t.Stop()
		for {
			select {
			case <-t.C:
				n.AnnounceDeliveryWithReason("periodic")
			case <-n.stop:
				return
			}
		}
	}()
}

func (n *Node) startPropagationSync(interval time.Duration) {
	if interval <= 0 {
		return
	}
	t := time.NewTicker(interval)
	go func() {
		defer t.Stop()
		for {
			select {
			case <-t.C:
				if err := n.propagation.Sync(n.router); err != nil {
					n.log.WithError(err).Debug("propagation: backlog sync failed")
				}
			case <-n.stop:
				return
			}
		}
	}()
}

// announceAppData mirrors go-lxmf's own announce app-data shape:
// msgpack([display_name_bytes, stamp_cost?, avatar?]).
func (n *Node) announceAppData() []byte {
	var displayNameBytes []byte
	if name := n.displayName(); name != "" {
		displayNameBytes = []byte(name)
	}

	var stampCost any
	if n.opts.DeliveryStampCost != nil && *n.opts.DeliveryStampCost > 0 && *n.opts.DeliveryStampCost < 255 {
		stampCost = *n.opts.DeliveryStampCost
	}

	var avatar any
	if png, hash, mime, mtime := n.profile.AvatarInfo(); len(hash) > 0 {
		if mime == "" {
			mime = "image/png"
		}
		avatar = map[any]any{"h": hash, "t": mime, "s": len(png), "u": mtime}
	}

	data, err := umsgpack.Packb([]any{displayNameBytes, stampCost, avatar})
	if err != nil {
		return nil
	}
	return data
}

func (n *Node) displayName() string {
	n.displayNameMu.RLock()
	defer n.displayNameMu.RUnlock()
	return n.displayNameVal
}

// SetDisplayName updates the LXMF announce app-data display name for
// this node and persists it to the daemon config. Call
// AnnounceDelivery afterwards to broadcast the change.
func (n *Node) SetDisplayName(name string) error {
	n.displayNameMu.Lock()
	n.displayNameVal = name
	n.displayNameMu.Unlock()
	return UpdateDisplayName(n.opts.ConfigDir, name)
}

func (n *Node) avatarPath() string     { return filepath.Join(n.opts.ConfigDir, "avatar.bin") }
func (n *Node) avatarMimePath() string { return filepath.Join(n.opts.ConfigDir, "avatar.mime") }

func (n *Node) loadAvatarFromDisk() error {
	b, err := os.ReadFile(n.avatarPath())
	if err != nil {
		return err
	}
	mime := strings.TrimSpace(string(readFileOrNil(n.avatarMimePath())))
	if mime == "" {
		mime = detectAvatarMime(b)
	}
	mtime := time.Now().Unix()
	if st, err := os.Stat(n.avatarPath()); err == nil {
		mtime = st.ModTime().Unix()
	}
	n.profile.SetAvatarWithTimestamp(b, mime, mtime)
	return nil
}

func readFileOrNil(path string) []byte {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	return b
}

// SetAvatarPNG sets and persists this node's served avatar image.
func (n *Node) SetAvatarPNG(png []byte) error { return n.setAvatarImage("", png) }

func (n *Node) setAvatarImage(mime string, data []byte) error {
	if len(data) == 0 {
		return errors.New("meshnode: empty avatar")
	}
	mime = strings.TrimSpace(mime)
	if mime == "" {
		mime = detectAvatarMime(data)
	}
	if mime == "" {
		return errors.New("meshnode: unknown avatar mime")
	}

	n.avatarMu.Lock()
	defer n.avatarMu.Unlock()

	now := time.Now().Unix()
	n.profile.SetAvatarWithTimestamp(data, mime, now)
	if err := os.WriteFile(n.avatarPath(), data, 0o644); err != nil {
		return fmt.Errorf("meshnode: write avatar: %w", err)
	}
	return os.WriteFile(n.avatarMimePath(), []byte(mime), 0o644)
}

// ClearAvatar removes this node's served avatar image.
func (n *Node) ClearAvatar() error {
	n.avatarMu.Lock()
	defer n.avatarMu.Unlock()
	n.profile.ClearAvatar()
	_ = os.Remove(n.avatarPath())
	_ = os.Remove(n.avatarMimePath())
	return nil
}

func detectAvatarMime(data []byte) string {
	if len(data) >= 8 && bytes.Equal(data[:8], []byte{0x89, 'P', 'N', 'G', 0x0d, 0x0a, 0x1a, 0x0a}) {
		return "image/png"
	}
	if len(data) >= 3 && data[0] == 0xff && data[1] == 0xd8 && data[2] == 0xff {
		return "image/jpeg"
	}
	if len(data) >= 12 && bytes.Equal(data[4:8], []byte("ftyp")) {
		switch string(data[8:12]) {
		case "heic", "heix", "hevc", "hevx", "mif1", "msf1":
			return "image/heic"
		}
	}
	return ""
}

// Router exposes the LXMF router for callers (the daemon entrypoint)
// that need to apply propagation-node or transfer-limit configuration
// beyond what Node's own surface covers.
func (n *Node) Router() *lxmfrouter.Router { return n.router }

// Propagation exposes the propagation-node manager for introspection
// and pinning from an operator surface.
func (n *Node) Propagation() *propagation.Manager { return n.propagation }

func (n *Node) DestinationHashHex() string {
	if n == nil || n.router == nil {
		return ""
	}
	return hex.EncodeToString(n.router.DeliveryDestination().Hash())
}

// SendOptions mirrors go-lxmf's LXMessage construction parameters for
// an outbound send.
type SendOptions struct {
	Method        byte
	IncludeTicket bool
	StampCost     *int
	Fields        map[any]any
	Title         string
	Content       string
}

// SendHex builds and routes an outbound LXMF message to a hex-encoded
// destination hash, looping back locally if the destination is this
// node's own delivery destination.
func (n *Node) SendHex(destinationHashHex string, msg SendOptions) (*golxmf.LXMessage, error) {
	if n == nil || n.router == nil {
		return nil, errors.New("meshnode: node not started")
	}
	if msg.Method == 0 {
		msg.Method = golxmf.MethodOpportunistic
	}
	destHash, err := hex.DecodeString(destinationHashHex)
	if err != nil {
		return nil, fmt.Errorf("meshnode: decode destination hash: %w", err)
	}
	if len(destHash) != golxmf.DestinationLength {
		return nil, fmt.Errorf("meshnode: invalid destination hash length: got %d want %d", len(destHash), golxmf.DestinationLength)
	}

	deliveryDest := n.router.DeliveryDestination()
	selfSend := bytes.Equal(destHash, deliveryDest.Hash())

	var remoteIdentity *rns.Identity
	if selfSend {
		remoteIdentity = n.core.Identity()
	} else {
		remoteIdentity = n.core.RecallIdentity(destHash)
	}
	if remoteIdentity == nil {
		return nil, errors.New("meshnode: unknown destination identity (need an announce from the peer before you can send)")
	}

	outDest, err := rns.NewDestination(remoteIdentity, rns.DestinationOUT, rns.DestinationSINGLE, golxmf.AppName, "delivery")
	if err != nil {
		return nil, fmt.Errorf("meshnode: create outbound destination: %w", err)
	}

	lxm, err := golxmf.NewLXMessage(outDest, deliveryDest, msg.Content, msg.Title, msg.Fields, msg.Method, nil, nil, msg.StampCost, msg.IncludeTicket)
	if err != nil {
		return nil, err
	}

	if selfSend {
		if err := n.router.LoopbackDeliver(lxm); err != nil {
			return nil, err
		}
		return lxm, nil
	}

	if err := n.router.HandleOutbound(lxm, destHash); err != nil {
		return nil, err
	}
	return lxm, nil
}

// WaitForIdentityHex resolves a destination hash to its Reticulum
// identity, soliciting a path and polling Transport's cache until it
// shows up or timeout elapses. A timeout of 0 waits indefinitely.
func (n *Node) WaitForIdentityHex(destinationHashHex string, timeout time.Duration) (*rns.Identity, error) {
	destHash, err := hex.DecodeString(destinationHashHex)
	if err != nil {
		return nil, fmt.Errorf("meshnode: decode destination hash: %w", err)
	}
	if len(destHash) != golxmf.DestinationLength {
		return nil, fmt.Errorf("meshnode: invalid destination hash length: got %d want %d", len(destHash), golxmf.DestinationLength)
	}

	if n.router != nil && bytes.Equal(destHash, n.router.DeliveryDestination().Hash()) {
		return n.core.Identity(), nil
	}
	if n.core.RecallIdentity(destHash) == nil {
		n.core.RequestPath(destHash)
	}

	deadline := time.Now().Add(timeout)
	for {
		if id := n.core.RecallIdentity(destHash); id != nil {
			return id, nil
		}
		if timeout > 0 && time.Now().After(deadline) {
			return nil, errors.New("meshnode: timeout waiting for destination identity")
		}
		time.Sleep(100 * time.Millisecond)
	}
}

func (n *Node) SetInboundHandler(cb func(*golxmf.LXMessage)) {
	n.inboundMu.Lock()
	n.onInboundFn = cb
	n.inboundMu.Unlock()
}

func (n *Node) inboundHandler() func(*golxmf.LXMessage) {
	n.inboundMu.RLock()
	defer n.inboundMu.RUnlock()
	return n.onInboundFn
}

// Restart rebuilds the LXMF router (and its delivery destination)
// while keeping the transport core and identity, then re-announces.
// UI clients use this after changing router-level settings (eg
// propagation fallback) that only take effect on a fresh router.
func (n *Node) Restart() error {
	if n == nil {
		return errors.New("meshnode: node not started")
	}
	if n.router != nil {
		n.router.Close()
	}

	router, err := lxmfrouter.NewRouter(n.log, n.core, n.store, n.displayName(), n.opts.DeliveryStampCost)
	if err != nil {
		return fmt.Errorf("meshnode: restart lxmf router: %w", err)
	}
	router.RegisterDeliveryCallback(func(m *golxmf.LXMessage) {
		if cb := n.inboundHandler(); cb != nil && m != nil {
			cb(m)
		}
	})
	router.SetFallbackToPropagation(n.opts.FallbackToPropagation)
	router.SetPropagationOnly(n.opts.PropagationOnly)
	if effective, ok := n.propagation.EffectiveNode(); ok {
		if hashBytes, err := hex.DecodeString(effective.HashHex); err == nil {
			router.SetOutboundPropagationNode(hashBytes)
		}
	}

	n.router = router
	n.AnnounceDeliveryWithReason("restart")
	return nil
}

// Close stops every transport and persists router state.
func (n *Node) Close() error {
	if n == nil {
		return nil
	}
	n.stopOnce.Do(func() { close(n.stop) })
	for _, l := range n.linkList() {
		_ = l.Stop()
	}
	if n.router != nil {
		n.router.Close()
	}
	return nil
}

func (n *Node) interfaceStatePath() string { return filepath.Join(n.opts.ConfigDir, "interfaces") }

func (n *Node) isInterfaceEnabled(name string) bool {
	cfg, err := configobj.Load(n.interfaceStatePath())
	if err != nil || !cfg.HasSection("interfaces") {
		return true // no persisted preference yet: transports start enabled
	}
	v, ok := cfg.Section("interfaces").Get(name)
	if !ok {
		return true
	}
	return parseTruthyString(v)
}

func (n *Node) saveInterfaceEnablement(name string, enabled bool) error {
	path := n.interfaceStatePath()
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := os.WriteFile(path, []byte("[interfaces]\n"), 0o644); err != nil {
			return fmt.Errorf("meshnode: write default interfaces file: %w", err)
		}
	}
	cfg, err := configobj.Load(path)
	if err != nil {
		return fmt.Errorf("meshnode: load interfaces file: %w", err)
	}
	if !cfg.HasSection("interfaces") {
		cfg.Section("interfaces")
	}
	cfg.Section("interfaces").Set(name, ternaryString(enabled, "Yes", "No"))
	return cfg.Save(path)
}

func parseTruthyString(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "1", "y", "yes", "true", "on":
		return true
	default:
		return false
	}
}

func ternaryString(cond bool, t, f string) string {
	if cond {
		return t
	}
	return f
}

// SetInterfaceEnabled starts or stops a registered transport by name
// ("autointerface", "ble", "tcp", "lora") and persists the choice so
// it survives a restart.
func (n *Node) SetInterfaceEnabled(name string, enabled bool) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("meshnode: missing interface name")
	}
	n.linksMu.Lock()
	l, ok := n.links[name]
	n.linksMu.Unlock()
	if !ok {
		return fmt.Errorf("meshnode: unknown interface %q", name)
	}

	if enabled {
		if err := l.Start(); err != nil {
			return fmt.Errorf("meshnode: start %s: %w", name, err)
		}
	} else {
		if err := l.Stop(); err != nil {
			return fmt.Errorf("meshnode: stop %s: %w", name, err)
		}
	}
	return n.saveInterfaceEnablement(name, enabled)
}

type interfaceStat struct {
	Name   string `json:"name"`
	Online bool   `json:"online"`
}

// InterfaceStatsJSON returns JSON-encoded online/offline status for
// every registered transport.
func (n *Node) InterfaceStatsJSON() string {
	links := n.linkList()
	out := make([]interfaceStat, 0, len(links))
	for _, l := range links {
		out = append(out, interfaceStat{Name: l.Name(), Online: l.Online()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	b, err := json.Marshal(map[string]any{"interfaces": out})
	if err != nil {
		return `{"interfaces":[],"error":"marshal failed"}`
	}
	return string(b)
}

type configuredInterfaceEntry struct {
	Name    string `json:"name"`
	Enabled bool   `json:"enabled"`
}

// ConfiguredInterfacesJSON returns every registered transport and its
// persisted enablement preference (not necessarily its live status).
func (n *Node) ConfiguredInterfacesJSON() string {
	links := n.linkList()
	out := make([]configuredInterfaceEntry, 0, len(links))
	for _, l := range links {
		out = append(out, configuredInterfaceEntry{Name: l.Name(), Enabled: n.isInterfaceEnabled(l.Name())})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	b, err := json.Marshal(map[string]any{"interfaces": out})
	if err != nil {
		return `{"interfaces":[],"error":"marshal failed"}`
	}
	return string(b)
}

// AnnouncesJSON returns every destination this node has seen
// announced, most recent first.
func (n *Node) AnnouncesJSON() string {
	b, err := json.Marshal(map[string]any{"announces": n.core.KnownAnnounces()})
	if err != nil {
		return `{"announces":[],"error":"marshal failed"}`
	}
	return string(b)
}
