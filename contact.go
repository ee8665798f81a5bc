package meshnode

import (
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	golxmf "github.com/svanichkin/go-lxmf/lxmf"
	umsgpack "github.com/svanichkin/go-reticulum/rns/vendor"
)

// ContactAvatarInfo is the avatar metadata carried in a peer's
// announce app-data, letting a caller decide whether to pull the full
// image via internal/profile before showing anything stale.
type ContactAvatarInfo struct {
	HashHex string `json:"hash_hex,omitempty"`
	Mime    string `json:"mime,omitempty"`
	Size    int    `json:"size,omitempty"`
	Updated int64  `json:"updated,omitempty"`
}

// ContactInfo is the resolved identity of a peer we've seen announced
// or cached, without requiring an active link to it.
type ContactInfo struct {
	DisplayName string             `json:"display_name,omitempty"`
	Avatar      *ContactAvatarInfo `json:"avatar,omitempty"`
}

// ContactInfo resolves a destination hash to its most recently
// announced display name and avatar metadata. With timeout <= 0 this
// only consults Transport's identity cache; with a positive timeout
// it first solicits a path (which prompts the owning peer, or a
// router along the way, to re-announce) and polls the cache until
// app_data shows up or the deadline passes.
func (n *Node) ContactInfo(destinationHashHex string, timeout time.Duration) (ContactInfo, error) {
	if n == nil || n.core == nil {
		return ContactInfo{}, errors.New("node not started")
	}
	destHash, err := hex.DecodeString(destinationHashHex)
	if err != nil {
		return ContactInfo{}, fmt.Errorf("decode destination hash: %w", err)
	}
	if len(destHash) != 16 {
		return ContactInfo{}, fmt.Errorf("invalid destination hash length: got %d want %d", len(destHash), 16)
	}

	var appData []byte
	if timeout <= 0 {
		appData = n.core.RecallAppData(destHash)
		if len(appData) == 0 {
			return ContactInfo{}, nil
		}
	} else {
		n.core.RequestPath(destHash)
		deadline := time.Now().Add(timeout)
		for {
			appData = n.core.RecallAppData(destHash)
			if len(appData) > 0 {
				break
			}
			if time.Now().After(deadline) {
				return ContactInfo{}, nil
			}
			time.Sleep(120 * time.Millisecond)
		}
	}

	var unpacked []any
	if err := umsgpack.Unpackb(appData, &unpacked); err != nil {
		return ContactInfo{}, nil
	}

	out := ContactInfo{}
	if len(unpacked) > 0 {
		switch v := unpacked[0].(type) {
		case []byte:
			if len(v) > 0 {
				out.DisplayName = string(v)
			}
		case string:
			out.DisplayName = v
		}
	}

	if len(unpacked) > 2 {
		if m, ok := unpacked[2].(map[any]any); ok {
			av := &ContactAvatarInfo{}
			if hv, ok := m["h"]; ok {
				if b, ok := hv.([]byte); ok && len(b) > 0 {
					av.HashHex = hex.EncodeToString(b)
				}
			}
			if tv, ok := m["t"]; ok {
				if s, ok := tv.(string); ok {
					av.Mime = s
				}
			}
			if sv, ok := m["s"]; ok {
				switch n := sv.(type) {
				case int:
					av.Size = n
				case int64:
					av.Size = int(n)
				case float64:
					av.Size = int(n)
				}
			}
			if uv, ok := m["u"]; ok {
				switch n := uv.(type) {
				case int64:
					av.Updated = n
				case int:
					av.Updated = int64(n)
				case float64:
					av.Updated = int64(n)
				}
			}
			if av.HashHex != "" || av.Mime != "" || av.Size != 0 || av.Updated != 0 {
				out.Avatar = av
			}
		}
	}

	return out, nil
}

// ContactAvatarFetch is the base64-friendly wire shape for a pulled
// peer avatar, ready to hand back to a CLI/FFI caller without making
// them deal with raw bytes.
type ContactAvatarFetch struct {
	DataBase64 string `json:"data_base64,omitempty"`
	Mime       string `json:"mime,omitempty"`
	HashHex    string `json:"hash_hex,omitempty"`
	Unchanged  bool   `json:"unchanged,omitempty"`
	NotPresent bool   `json:"not_present,omitempty"`
}

// ContactAvatarPNGBase64 resolves a peer's identity, then pulls its
// avatar over the profile destination (falling back to its LXMF
// delivery destination), skipping the transfer if knownAvatarHashHex
// already matches what the peer holds.
func (n *Node) ContactAvatarPNGBase64(destinationHashHex, knownAvatarHashHex string, timeout time.Duration) (ContactAvatarFetch, error) {
	if n == nil || n.core == nil || n.profile == nil {
		return ContactAvatarFetch{}, errors.New("node not started")
	}
	destHash, err := hex.DecodeString(destinationHashHex)
	if err != nil {
		return ContactAvatarFetch{}, fmt.Errorf("decode destination hash: %w", err)
	}

	remoteIdentity := n.core.RecallIdentity(destHash)
	if remoteIdentity == nil {
		n.core.RequestPath(destHash)
		return ContactAvatarFetch{}, errors.New("unknown destination identity, path requested")
	}

	fetch, err := n.profile.FetchAvatar(remoteIdentity, knownAvatarHashHex, golxmf.AppName, "delivery", timeout)
	if err != nil {
		return ContactAvatarFetch{}, err
	}

	out := ContactAvatarFetch{
		Mime:       fetch.Mime,
		HashHex:    fetch.HashHex,
		Unchanged:  fetch.Unchanged,
		NotPresent: fetch.NotPresent,
	}
	if len(fetch.Data) > 0 {
		out.DataBase64 = base64.StdEncoding.EncodeToString(fetch.Data)
	}
	return out, nil
}
