package profile

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/svanichkin/go-reticulum/rns"
)

// AttachmentInfo is the fast, content-free metadata for a stored
// attachment, outgoing or cached-from-a-peer.
type AttachmentInfo struct {
	HashHex  string
	Mime     string
	Name     string
	Size     int
	Updated  int64
	Outgoing bool
}

// AttachmentFetch is the result of a remote attachment pull.
type AttachmentFetch struct {
	HashHex    string
	Path       string
	Mime       string
	Name       string
	Size       int
	NotPresent bool
}

func (m *Manager) outgoingDir() string {
	return filepath.Join(m.dir, "attachments", "out")
}

func (m *Manager) incomingDir(remoteHashHex string) string {
	remoteHashHex = strings.ToLower(strings.TrimSpace(remoteHashHex))
	return filepath.Join(m.dir, "attachments", "in", remoteHashHex)
}

func sanitizeAttachmentName(name string) string {
	name = strings.TrimSpace(filepath.Base(name))
	name = strings.Map(func(r rune) rune {
		switch r {
		case 0, '/', '\\', ':':
			return '-'
		default:
			if r < 32 {
				return -1
			}
			return r
		}
	}, name)
	if len(name) > 180 {
		name = name[:180]
	}
	return name
}

// StoreOutgoingAttachment persists a locally originated attachment
// under its content hash, so it can be served on demand rather than
// inlined in every LXMF message referencing it. Idempotent: a repeat
// store of the same bytes leaves the body untouched.
func (m *Manager) StoreOutgoingAttachment(data []byte, mime, name string) (AttachmentInfo, error) {
	if len(data) == 0 {
		return AttachmentInfo{}, errors.New("profile: empty attachment")
	}
	sum := sha256.Sum256(data)
	hashHex := hex.EncodeToString(sum[:])

	outDir := m.outgoingDir()
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return AttachmentInfo{}, fmt.Errorf("profile: create attachment dir: %w", err)
	}
	binPath := filepath.Join(outDir, hashHex+".bin")
	mimePath := filepath.Join(outDir, hashHex+".mime")
	namePath := filepath.Join(outDir, hashHex+".name")

	if _, err := os.Stat(binPath); errors.Is(err, os.ErrNotExist) {
		if err := os.WriteFile(binPath, data, 0o644); err != nil {
			return AttachmentInfo{}, fmt.Errorf("profile: write attachment: %w", err)
		}
	}

	mime = strings.TrimSpace(mime)
	if mime != "" {
		os.WriteFile(mimePath, []byte(mime), 0o644)
	}
	name = sanitizeAttachmentName(name)
	if name != "" {
		os.WriteFile(namePath, []byte(name), 0o644)
	}

	st, _ := os.Stat(binPath)
	updated := int64(0)
	if st != nil {
		updated = st.ModTime().Unix()
	}
	return AttachmentInfo{HashHex: hashHex, Mime: mime, Name: name, Size: len(data), Updated: updated, Outgoing: true}, nil
}

// LoadOutgoingAttachment reads a previously stored outgoing
// attachment back by its content hash.
func (m *Manager) LoadOutgoingAttachment(hashHex string) (AttachmentInfo, []byte, error) {
	hashHex = strings.ToLower(strings.TrimSpace(hashHex))
	if hashHex == "" {
		return AttachmentInfo{}, nil, errors.New("profile: empty hash")
	}
	binPath := filepath.Join(m.outgoingDir(), hashHex+".bin")
	data, err := os.ReadFile(binPath)
	if err != nil {
		return AttachmentInfo{}, nil, err
	}
	mime := strings.TrimSpace(string(readFileOrEmpty(filepath.Join(m.outgoingDir(), hashHex+".mime"))))
	name := strings.TrimSpace(string(readFileOrEmpty(filepath.Join(m.outgoingDir(), hashHex+".name"))))
	st, _ := os.Stat(binPath)
	updated := int64(0)
	if st != nil {
		updated = st.ModTime().Unix()
	}
	return AttachmentInfo{HashHex: hashHex, Mime: mime, Name: name, Size: len(data), Updated: updated, Outgoing: true}, data, nil
}

func readFileOrEmpty(path string) []byte {
	b, _ := os.ReadFile(path)
	return b
}

// FetchAttachment requests a peer's attachment by content hash over
// its profile (falling back to its LXMF delivery) destination,
// caching the result locally under the remote's hash on success.
func (m *Manager) FetchAttachment(remoteHashHex string, remoteIdentity *rns.Identity, attachmentHashHex string, deliveryAppName, deliveryAspect string, timeout time.Duration) (AttachmentFetch, error) {
	remote := strings.ToLower(strings.TrimSpace(remoteHashHex))
	hashHex := strings.ToLower(strings.TrimSpace(attachmentHashHex))
	if remote == "" || hashHex == "" {
		return AttachmentFetch{}, errors.New("profile: missing params")
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	cachePath := filepath.Join(m.incomingDir(remote), hashHex+".bin")
	if st, err := os.Stat(cachePath); err == nil && st.Size() > 0 {
		mime := strings.TrimSpace(string(readFileOrEmpty(filepath.Join(m.incomingDir(remote), hashHex+".mime"))))
		name := strings.TrimSpace(string(readFileOrEmpty(filepath.Join(m.incomingDir(remote), hashHex+".name"))))
		return AttachmentFetch{HashHex: hashHex, Path: cachePath, Mime: mime, Name: name, Size: int(st.Size())}, nil
	}

	if remoteIdentity == nil {
		return AttachmentFetch{}, errors.New("profile: unknown remote identity")
	}
	hashBytes, err := hex.DecodeString(hashHex)
	if err != nil || len(hashBytes) == 0 {
		return AttachmentFetch{}, errors.New("profile: invalid attachment hash")
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
		resp, err := m.requestViaLink(outDest, attachReqPath, hashBytes, attachResKind, timeout)
		if err != nil {
			lastErr = err
			continue
		}
		if resp.notPresent {
			return AttachmentFetch{NotPresent: true}, nil
		}
		if err := os.MkdirAll(m.incomingDir(remote), 0o755); err != nil {
			return AttachmentFetch{}, fmt.Errorf("profile: create incoming cache dir: %w", err)
		}
		if len(resp.data) > 0 {
			os.WriteFile(filepath.Join(m.incomingDir(remote), hashHex+".bin"), resp.data, 0o644)
			if resp.mime != "" {
				os.WriteFile(filepath.Join(m.incomingDir(remote), hashHex+".mime"), []byte(resp.mime), 0o644)
			}
			if resp.name != "" {
				os.WriteFile(filepath.Join(m.incomingDir(remote), hashHex+".name"), []byte(resp.name), 0o644)
			}
		}
		return AttachmentFetch{
			HashHex: hashHex,
			Path:    filepath.Join(m.incomingDir(remote), hashHex+".bin"),
			Mime:    resp.mime,
			Name:    resp.name,
			Size:    len(resp.data),
		}, nil
	}
	if lastErr != nil {
		return AttachmentFetch{}, lastErr
	}
	return AttachmentFetch{}, errors.New("profile: attachment request failed")
}
