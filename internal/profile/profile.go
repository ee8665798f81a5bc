// Package profile serves and fetches avatars and attachments over a
// dedicated "profile" aspect destination, so a peer can pull either
// by content hash on demand instead of having it pushed inline with
// every message.
package profile

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/svanichkin/go-reticulum/rns"

	"meshnode/internal/reticulum"
)

const (
	AppName       = "meshnode"
	Aspect        = "profile"
	avatarReqPath = "/avatar"
	avatarResKind = "avatar"
	attachReqPath = "/attachment"
	attachResKind = "attachment"
)

// Manager owns the profile destination, the local avatar, and the
// on-disk outgoing/incoming attachment store.
type Manager struct {
	log  *logrus.Entry
	core *reticulum.Core
	dir  string

	dest *rns.Destination

	mu          sync.Mutex
	avatarPNG   []byte
	avatarHash  []byte
	avatarMime  string
	avatarMTime int64
}

func NewManager(log *logrus.Entry, core *reticulum.Core, storageDir string) *Manager {
	return &Manager{
		log:  log.WithField("component", "profile"),
		core: core,
		dir:  storageDir,
	}
}

// Start creates the profile destination and registers avatar and
// attachment request handlers on it, plus on any extra destination
// the caller wants the same handlers mirrored onto (the node's LXMF
// delivery destination, so avatar/attachment requests work whether a
// peer knows our profile destination or just our delivery one).
func (m *Manager) Start(extraDestinations ...*rns.Destination) error {
	dest, err := rns.NewDestination(m.core.Identity(), rns.DestinationIN, rns.DestinationSINGLE, AppName, Aspect)
	if err != nil {
		return fmt.Errorf("profile: create destination: %w", err)
	}
	if err := m.registerAvatarHandler(dest); err != nil {
		return err
	}
	if err := m.registerAttachmentHandler(dest); err != nil {
		return err
	}
	m.dest = dest

	for _, extra := range extraDestinations {
		if err := m.registerAvatarHandler(extra); err != nil {
			return err
		}
		if err := m.registerAttachmentHandler(extra); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) Destination() *rns.Destination { return m.dest }

// SetAvatar updates the locally-served avatar image.
func (m *Manager) SetAvatar(png []byte, mime string) {
	m.SetAvatarWithTimestamp(png, mime, time.Now().Unix())
}

// SetAvatarWithTimestamp is SetAvatar with an explicit updated-at
// time, for restoring a previously saved avatar without bumping its
// announced modification time.
func (m *Manager) SetAvatarWithTimestamp(png []byte, mime string, mtime int64) {
	hash := sha256.Sum256(png)
	m.mu.Lock()
	m.avatarPNG = append([]byte(nil), png...)
	m.avatarHash = hash[:]
	m.avatarMime = mime
	m.avatarMTime = mtime
	m.mu.Unlock()
}

// ClearAvatar drops the locally-served avatar image.
func (m *Manager) ClearAvatar() {
	m.mu.Lock()
	m.avatarPNG = nil
	m.avatarHash = nil
	m.avatarMime = ""
	m.avatarMTime = 0
	m.mu.Unlock()
}

// AvatarInfo returns the currently served avatar image and its
// metadata, so callers (the announce-app-data builder, disk
// persistence) don't need their own copy of this state.
func (m *Manager) AvatarInfo() (png []byte, hash []byte, mime string, mtime int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]byte(nil), m.avatarPNG...), append([]byte(nil), m.avatarHash...), m.avatarMime, m.avatarMTime
}

func (m *Manager) registerAvatarHandler(dest *rns.Destination) error {
	if dest == nil {
		return nil
	}
	return dest.RegisterRequestHandler(
		avatarReqPath,
		func(path string, reqData any, requestID []byte, linkID []byte, remoteIdentity *rns.Identity, requestedAt time.Time) any {
			return m.handleAvatarRequest(reqData, linkID, remoteIdentity)
		},
		rns.DestinationALLOW_ALL,
		nil,
		true,
	)
}

func (m *Manager) handleAvatarRequest(reqData any, linkID []byte, remoteIdentity *rns.Identity) any {
	remoteHex := identityHex(remoteIdentity)

	m.mu.Lock()
	hash := append([]byte(nil), m.avatarHash...)
	data := append([]byte(nil), m.avatarPNG...)
	mime := m.avatarMime
	mtime := m.avatarMTime
	m.mu.Unlock()

	if len(hash) == 0 || len(data) == 0 {
		m.log.WithField("remote", remoteHex).Debug("avatar request: none available")
		return map[any]any{"ok": false}
	}

	if knownHash := requestedHash(reqData); len(knownHash) > 0 && bytes.Equal(knownHash, hash) {
		m.log.WithField("remote", remoteHex).Debug("avatar request: unchanged")
		return map[any]any{"ok": true, "unchanged": true, "h": hash, "t": mime, "s": len(data), "u": mtime}
	}

	link := findActiveLink(linkID)
	if link == nil {
		m.log.WithField("remote", remoteHex).Debug("avatar request: link not found")
		return map[any]any{"ok": false, "error": "link not found"}
	}

	meta := map[any]any{"kind": avatarResKind, "h": hash, "t": mime, "s": len(data), "u": mtime}
	if _, err := rns.NewResource(data, nil, link, meta, true, false, nil, nil, nil, 0, nil, nil, false, 0); err != nil {
		m.log.WithFields(logrus.Fields{"remote": remoteHex, "err": err}).Debug("avatar request: resource send failed")
		return map[any]any{"ok": false, "error": "resource send failed"}
	}
	return map[any]any{"ok": true, "h": hash, "t": mime, "s": len(data), "u": mtime, "resource": true}
}

func requestedHash(reqData any) []byte {
	m, ok := reqData.(map[any]any)
	if !ok {
		return nil
	}
	if hv, ok := m["h"]; ok {
		if b, ok := hv.([]byte); ok {
			return b
		}
	}
	return nil
}

func identityHex(id *rns.Identity) string {
	if id == nil {
		return ""
	}
	return id.HexHash
}

func findActiveLink(linkID []byte) *rns.Link {
	if len(linkID) == 0 {
		return nil
	}
	for _, l := range rns.TransportActiveLinks() {
		if l == nil || len(l.LinkID) == 0 {
			continue
		}
		if bytes.Equal(l.LinkID, linkID) {
			return l
		}
	}
	return nil
}

// AvatarFetch is the result of a remote avatar pull.
type AvatarFetch struct {
	HashHex    string
	Data       []byte
	Mime       string
	Unchanged  bool
	NotPresent bool
}

// FetchAvatar requests a peer's avatar over its profile (falling back
// to its LXMF delivery) destination, skipping the transfer entirely
// if knownHashHex already matches what the peer holds.
func (m *Manager) FetchAvatar(remoteIdentity *rns.Identity, knownHashHex string, deliveryAppName, deliveryAspect string, timeout time.Duration) (AvatarFetch, error) {
	if remoteIdentity == nil {
		return AvatarFetch{}, errors.New("profile: nil remote identity")
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	var knownHash []byte
	if knownHashHex != "" {
		knownHash, _ = hex.DecodeString(knownHashHex)
	}

	candidates := []struct{ app, aspect string }{
		{AppName, Aspect},
		{deliveryAppName, deliveryAspect},
	}

	var lastErr error
	for _, c := range candidates {
		outDest, err := rns.NewDestination(remoteIdentity, rns.DestinationOUT, rns.DestinationSINGLE, c.app, c.aspect)
		if err != nil {
			lastErr = fmt.Errorf("profile: create outbound destination %s/%s: %w", c.app, c.aspect, err)
			continue
		}
		resp, err := m.requestViaLink(outDest, avatarReqPath, knownHash, avatarResKind, timeout)
		if err == nil {
			return AvatarFetch{
				HashHex:    resp.hashHex,
				Data:       resp.data,
				Mime:       resp.mime,
				Unchanged:  resp.unchanged,
				NotPresent: resp.notPresent,
			}, nil
		}
		lastErr = err
	}
	if lastErr != nil {
		return AvatarFetch{}, lastErr
	}
	return AvatarFetch{}, errors.New("profile: avatar request failed")
}

func (m *Manager) registerAttachmentHandler(dest *rns.Destination) error {
	if dest == nil {
		return nil
	}
	return dest.RegisterRequestHandler(
		attachReqPath,
		func(path string, reqData any, requestID []byte, linkID []byte, remoteIdentity *rns.Identity, requestedAt time.Time) any {
			return m.handleAttachmentRequest(reqData, linkID, remoteIdentity)
		},
		rns.DestinationALLOW_ALL,
		nil,
		true,
	)
}

func (m *Manager) handleAttachmentRequest(reqData any, linkID []byte, remoteIdentity *rns.Identity) any {
	remoteHex := identityHex(remoteIdentity)
	reqHash := requestedHash(reqData)
	if len(reqHash) == 0 {
		m.log.WithField("remote", remoteHex).Debug("attachment request: missing hash")
		return map[any]any{"ok": false, "error": "missing hash"}
	}

	hashHex := hex.EncodeToString(reqHash)
	info, data, err := m.LoadOutgoingAttachment(hashHex)
	if err != nil || len(data) == 0 {
		m.log.WithFields(logrus.Fields{"remote": remoteHex, "hash": hashHex}).Debug("attachment request: not found")
		return map[any]any{"ok": false}
	}

	link := findActiveLink(linkID)
	if link == nil {
		m.log.WithField("remote", remoteHex).Debug("attachment request: link not found")
		return map[any]any{"ok": false, "error": "link not found"}
	}

	meta := map[any]any{"kind": attachResKind, "h": reqHash, "t": info.Mime, "n": info.Name, "s": info.Size, "u": info.Updated}
	if _, err := rns.NewResource(data, nil, link, meta, true, false, nil, nil, nil, 0, nil, nil, false, 0); err != nil {
		m.log.WithFields(logrus.Fields{"remote": remoteHex, "err": err}).Debug("attachment request: resource send failed")
		return map[any]any{"ok": false, "error": "resource send failed"}
	}
	return map[any]any{"ok": true, "h": reqHash, "t": info.Mime, "n": info.Name, "s": info.Size, "u": info.Updated, "resource": true}
}
