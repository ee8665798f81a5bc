package lxmf

import (
	"encoding/hex"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/svanichkin/go-lxmf/lxmf"
	"github.com/svanichkin/go-reticulum/rns"

	"meshnode/internal/reticulum"
)

// deliveredWithinTimeout bounds how long a direct send waits for a
// delivery proof before the router considers trying propagation as a
// fallback, matching the "SENT, then DELIVERED on receipt of a
// delivery proof within a timeout" outbound policy.
const deliveredWithinTimeout = 15 * time.Second

// Router wraps the real go-lxmf LXMRouter (which already speaks the
// wire protocol and handles Reticulum-level delivery) with the
// outbound transport-selection policy and local persistence this node
// layers on top.
type Router struct {
	log   *logrus.Entry
	core  *reticulum.Core
	inner *lxmf.LXMRouter
	store *Store

	deliveryDest *rns.Destination

	mu              sync.Mutex
	propagationOnly bool
	fallbackToProp  bool
	propagationNode []byte

	deliveryCallback  func(*lxmf.LXMessage)
	deliveredCallback func(*lxmf.LXMessage)
}

func NewRouter(log *logrus.Entry, core *reticulum.Core, store *Store, displayName string, deliveryStampCost *int) (*Router, error) {
	inner, err := lxmf.NewLXMRouter(core.Identity(), store.root)
	if err != nil {
		return nil, err
	}
	deliveryDest := inner.RegisterDeliveryIdentity(core.Identity(), displayName, deliveryStampCost)

	r := &Router{
		log:          log.WithField("component", "lxmf-router"),
		core:         core,
		inner:        inner,
		store:        store,
		deliveryDest: deliveryDest,
	}
	inner.RegisterDeliveryCallback(r.onDelivered)
	return r, nil
}

func (r *Router) DeliveryDestination() *rns.Destination { return r.deliveryDest }

// SetOutboundPropagationNode pins the propagation node used for
// fallback/propagation-only sends.
func (r *Router) SetOutboundPropagationNode(nodeHash []byte) {
	r.mu.Lock()
	r.propagationNode = nodeHash
	r.mu.Unlock()
}

func (r *Router) SetFallbackToPropagation(enabled bool) {
	r.mu.Lock()
	r.fallbackToProp = enabled
	r.mu.Unlock()
}

func (r *Router) SetPropagationOnly(enabled bool) {
	r.mu.Lock()
	r.propagationOnly = enabled
	r.mu.Unlock()
}

func (r *Router) RegisterDeliveryCallback(fn func(*lxmf.LXMessage)) {
	r.mu.Lock()
	r.deliveryCallback = fn
	r.mu.Unlock()
}

func (r *Router) RegisterDeliveredCallback(fn func(*lxmf.LXMessage)) {
	r.mu.Lock()
	r.deliveredCallback = fn
	r.mu.Unlock()
}

// HandleOutbound packs, hashes, persists, and enqueues an outbound
// message, applying the outbound selection policy: propagation-only,
// else direct-if-pathed, else propagation-fallback, else failed.
func (r *Router) HandleOutbound(msg *lxmf.LXMessage, destinationHash []byte) error {
	if err := msg.Pack(false); err != nil {
		return err
	}
	hashHex := HashFor(msg.Packed)
	peerHex := hex.EncodeToString(destinationHash)

	r.mu.Lock()
	propagationOnly := r.propagationOnly
	fallback := r.fallbackToProp
	propNode := r.propagationNode
	r.mu.Unlock()

	if err := r.store.SaveMessage(hashHex, peerHex, msg.Packed, StateOutbound, true); err != nil {
		r.log.WithError(err).Warn("failed to persist outbound message")
	}

	switch {
	case propagationOnly:
		return r.sendViaPropagation(hashHex, propNode, msg)

	case r.core.HasPath(destinationHash):
		r.store.UpdateMessageState(hashHex, StateSending)
		r.inner.HandleOutbound(msg)
		r.store.UpdateMessageState(hashHex, StateSent)
		go r.awaitDeliveryOrFallback(hashHex, propNode, msg, fallback)
		return nil

	case fallback:
		return r.sendViaPropagation(hashHex, propNode, msg)

	default:
		r.store.UpdateMessageState(hashHex, StateFailed)
		return errors.New("lxmf: no path to destination and no propagation fallback configured")
	}
}

func (r *Router) awaitDeliveryOrFallback(hashHex string, propNode []byte, msg *lxmf.LXMessage, fallback bool) {
	deadline := time.Now().Add(deliveredWithinTimeout)
	for time.Now().Before(deadline) {
		meta, err := r.store.ReadMetadata(hashHex)
		if err == nil && meta.State == StateDelivered {
			return
		}
		time.Sleep(250 * time.Millisecond)
	}
	if fallback {
		r.sendViaPropagation(hashHex, propNode, msg)
	}
}

func (r *Router) sendViaPropagation(hashHex string, propNode []byte, msg *lxmf.LXMessage) error {
	if len(propNode) == 0 {
		r.store.UpdateMessageState(hashHex, StateFailed)
		return errors.New("lxmf: no propagation node configured")
	}
	ok := r.inner.LXMDelivery(msg.Packed, rns.DestinationSINGLE, nil, nil, lxmf.MethodPropagated, false, false)
	if !ok {
		r.store.UpdateMessageState(hashHex, StateFailed)
		return errors.New("lxmf: propagation send failed")
	}
	return r.store.UpdateMessageState(hashHex, StatePropagated)
}

// onDelivered is the sink for go-lxmf's own delivery callback: it
// persists the inbound/delivered message and forwards to whichever
// application-level callback is registered.
func (r *Router) onDelivered(msg *lxmf.LXMessage) {
	hashHex := HashFor(msg.Packed)
	peerHex := ""
	if msg.Source != nil {
		peerHex = hex.EncodeToString(msg.Source.Hash())
	}

	r.mu.Lock()
	delivery := r.deliveryCallback
	delivered := r.deliveredCallback
	r.mu.Unlock()

	// go-lxmf delivers both freshly-received inbound messages and
	// delivery confirmations for our own outbound ones through the
	// same callback; tell them apart by whether we already have an
	// outbound record for this hash.
	if _, err := r.store.ReadMetadata(hashHex); err == nil {
		r.store.UpdateMessageState(hashHex, StateDelivered)
		if delivered != nil {
			delivered(msg)
		}
		return
	}

	r.store.SaveMessage(hashHex, peerHex, msg.Packed, StateInbound, false)
	if delivery != nil {
		delivery(msg)
	}
}

// Announce emits our delivery destination's identity-only announce.
func (r *Router) Announce() {
	if pkt := r.deliveryDest.Announce(nil, false, nil, nil, false); pkt != nil {
		pkt.Send()
	}
}

// AnnounceAppData emits our delivery destination's announce carrying
// application-level metadata (display name, stamp cost, avatar),
// mirroring go-lxmf's own GetAnnounceAppData shape without depending
// on its unexported internals.
func (r *Router) AnnounceAppData(appData []byte) {
	if pkt := r.deliveryDest.Announce(appData, false, nil, nil, false); pkt != nil {
		pkt.Send()
	}
}

// LoopbackDeliver feeds an outbound message straight into the inner
// router's delivery path instead of putting it on the wire, for the
// "send to self" shortcut where there is no path and none is needed.
func (r *Router) LoopbackDeliver(msg *lxmf.LXMessage) error {
	if err := msg.Pack(false); err != nil {
		return err
	}
	if !r.inner.LXMDelivery(msg.Packed, rns.DestinationSINGLE, nil, nil, msg.Method, true, false) {
		return errors.New("lxmf: local loopback delivery failed")
	}
	hashHex := HashFor(msg.Packed)
	return r.store.SaveMessage(hashHex, hex.EncodeToString(r.deliveryDest.Hash()), msg.Packed, StateDelivered, true)
}

// RequestMessagesFromPropagationNode opens a short-lived link to the
// effective propagation node and pulls any backlog addressed to us.
// The actual node selection comes from internal/propagation; this
// just takes the resolved hash and delegates to the inner router.
func (r *Router) RequestMessagesFromPropagationNode(nodeHash []byte) error {
	if len(nodeHash) == 0 {
		return errors.New("lxmf: no propagation node available")
	}
	return r.inner.RequestMessagesFromPropagationNode(nodeHash)
}

// SetAutoPeer controls whether this router peers automatically with
// propagation nodes it sees announced, passed through to the inner
// go-lxmf router's own field.
func (r *Router) SetAutoPeer(enabled bool) { r.inner.AutoPeer = enabled }

func (r *Router) SetAutoPeerMaxDepth(depth int) { r.inner.AutoPeerMaxDepth = depth }

func (r *Router) SetMaxPeers(n int) {
	if n > 0 {
		r.inner.MaxPeers = n
	}
}

func (r *Router) SetDeliveryPerTransferLimit(n int) { r.inner.DeliveryPerTransferLimit = n }

// EnablePropagationNode turns this node into an LXMF propagation node.
func (r *Router) EnablePropagationNode() error { return r.inner.EnablePropagation() }

func (r *Router) AnnouncePropagationNode() { r.inner.AnnouncePropagationNode() }

func (r *Router) PropagationDestinationHashHex() string {
	if r.inner.PropagationDestination == nil {
		return ""
	}
	return hex.EncodeToString(r.inner.PropagationDestination.Hash())
}

func (r *Router) Close() {
	r.inner.ExitHandler()
}
