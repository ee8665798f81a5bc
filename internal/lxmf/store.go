// Package lxmf implements the message store and outbound/inbound
// delivery policy on top of the real github.com/svanichkin/go-lxmf
// router, which already speaks the LXMF wire protocol and owns
// Reticulum-level delivery mechanics; this package adds the
// content-addressed persistence, conversation indexing, and the
// outbound transport-selection policy described for this node.
package lxmf

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/dsnet/compress/bzip2"
)

// MessageState mirrors the LXMF delivery lifecycle this node tracks
// locally, independent of whatever internal state go-lxmf's own
// *lxmf.LXMessage carries.
type MessageState string

const (
	StateOutbound   MessageState = "outbound"
	StateSending    MessageState = "sending"
	StateSent       MessageState = "sent"
	StateDelivered  MessageState = "delivered"
	StateFailed     MessageState = "failed"
	StatePropagated MessageState = "propagated"
	StateInbound    MessageState = "inbound"
)

// compressionThreshold is the payload size above which stored bodies
// are bzip2-compressed, matching the sort of size-gated compression
// a store synced to a propagation node benefits from.
const compressionThreshold = 2048

// meta is the small sidecar written next to every stored message body
// so callers can answer "what state/when/who" without parsing the
// full LXMF envelope and signature.
type meta struct {
	Hash       string       `json:"hash"`
	Peer       string       `json:"peer"`
	State      MessageState `json:"state"`
	Timestamp  int64        `json:"timestamp"`
	Outgoing   bool         `json:"outgoing"`
	Compressed bool         `json:"compressed,omitempty"`
}

// Store is a content-addressed, file-backed message store: messages/
// <hash>.msg holds the packed LXMessage bytes, messages/<hash>.meta
// holds the sidecar above, and conversations/<peer>.idx is an
// append-only, newline-separated list of message hashes for that peer
// — the same idempotent-write-plus-sidecar-file shape the node uses
// for attachment storage.
type Store struct {
	mu   sync.Mutex
	root string
}

func NewStore(storageDir string) (*Store, error) {
	for _, sub := range []string{"messages", "conversations"} {
		if err := os.MkdirAll(filepath.Join(storageDir, sub), 0o755); err != nil {
			return nil, fmt.Errorf("lxmf: create %s dir: %w", sub, err)
		}
	}
	return &Store{root: storageDir}, nil
}

func (s *Store) messagePath(hashHex string) string {
	return filepath.Join(s.root, "messages", hashHex+".msg")
}

func (s *Store) metaPath(hashHex string) string {
	return filepath.Join(s.root, "messages", hashHex+".meta")
}

func (s *Store) conversationPath(peerHex string) string {
	return filepath.Join(s.root, "conversations", peerHex+".idx")
}

// HashFor computes the content-addressing key for a packed message.
func HashFor(packed []byte) string {
	sum := sha256.Sum256(packed)
	return hex.EncodeToString(sum[:])
}

// SaveMessage persists a packed LXMessage body, idempotent on hash: a
// second save of the same content is a no-op on both the body and the
// sidecar, leaving exactly one copy on disk with whatever state was
// already recorded there. State only ever moves forward through
// UpdateMessageState; SaveMessage never demotes it.
func (s *Store) SaveMessage(hashHex string, peerHex string, packed []byte, state MessageState, outgoing bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	binPath := s.messagePath(hashHex)
	compressed := len(packed) > compressionThreshold
	if _, err := os.Stat(binPath); errors.Is(err, os.ErrNotExist) {
		body := packed
		if compressed {
			var err error
			body, err = compressBzip2(packed)
			if err != nil {
				return fmt.Errorf("lxmf: compress message body: %w", err)
			}
		}
		if err := os.WriteFile(binPath, body, 0o644); err != nil {
			return fmt.Errorf("lxmf: write message body: %w", err)
		}
	}

	if _, err := s.readMeta(hashHex); err == nil {
		// Sidecar already exists: leave its state/timestamp untouched.
		return s.appendToConversation(peerHex, hashHex)
	}

	m := meta{
		Hash:       hashHex,
		Peer:       peerHex,
		State:      state,
		Timestamp:  time.Now().Unix(),
		Outgoing:   outgoing,
		Compressed: compressed,
	}
	if err := s.writeMeta(hashHex, m); err != nil {
		return err
	}
	return s.appendToConversation(peerHex, hashHex)
}

func (s *Store) writeMeta(hashHex string, m meta) error {
	b, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("lxmf: marshal meta: %w", err)
	}
	return os.WriteFile(s.metaPath(hashHex), b, 0o644)
}

func (s *Store) appendToConversation(peerHex, hashHex string) error {
	path := s.conversationPath(peerHex)
	existing, _ := os.ReadFile(path)
	for _, line := range strings.Split(string(existing), "\n") {
		if line == hashHex {
			return nil // idempotent: already indexed
		}
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("lxmf: open conversation index: %w", err)
	}
	defer f.Close()
	_, err = f.WriteString(hashHex + "\n")
	return err
}

// UpdateMessageState mutates only the sidecar's state field, leaving
// the stored body untouched.
func (s *Store) UpdateMessageState(hashHex string, state MessageState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, err := s.readMeta(hashHex)
	if err != nil {
		return err
	}
	m.State = state
	return s.writeMeta(hashHex, m)
}

func (s *Store) readMeta(hashHex string) (meta, error) {
	b, err := os.ReadFile(s.metaPath(hashHex))
	if err != nil {
		return meta{}, fmt.Errorf("lxmf: read meta %s: %w", hashHex, err)
	}
	var m meta
	if err := json.Unmarshal(b, &m); err != nil {
		return meta{}, fmt.Errorf("lxmf: decode meta %s: %w", hashHex, err)
	}
	return m, nil
}

// MessageMetadata is the fast, envelope-free read spec's store
// contract asks for: state, timestamp, and enough context to render a
// conversation list without unpacking the signed body.
type MessageMetadata struct {
	Hash      string
	Peer      string
	State     MessageState
	Timestamp int64
	Outgoing  bool
}

func (s *Store) ReadMetadata(hashHex string) (MessageMetadata, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, err := s.readMeta(hashHex)
	if err != nil {
		return MessageMetadata{}, err
	}
	return MessageMetadata{Hash: m.Hash, Peer: m.Peer, State: m.State, Timestamp: m.Timestamp, Outgoing: m.Outgoing}, nil
}

// LoadMessage reads and decompresses (if needed) a stored message
// body, ready for lxmf.UnpackMessage.
func (s *Store) LoadMessage(hashHex string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, err := s.readMeta(hashHex)
	if err != nil {
		return nil, err
	}
	body, err := os.ReadFile(s.messagePath(hashHex))
	if err != nil {
		return nil, fmt.Errorf("lxmf: read message body: %w", err)
	}
	if m.Compressed {
		return decompressBzip2(body)
	}
	return body, nil
}

// GetConversations lists every peer hash this store holds messages
// for, by scanning the conversation index directory.
func (s *Store) GetConversations() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries, err := os.ReadDir(filepath.Join(s.root, "conversations"))
	if err != nil {
		return nil, fmt.Errorf("lxmf: list conversations: %w", err)
	}
	var peers []string
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".idx") {
			peers = append(peers, strings.TrimSuffix(e.Name(), ".idx"))
		}
	}
	return peers, nil
}

// GetMessagesForConversation returns the ordered message hashes for a
// peer, oldest first (append order).
func (s *Store) GetMessagesForConversation(peerHex string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, err := os.ReadFile(s.conversationPath(peerHex))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lxmf: read conversation index: %w", err)
	}
	var hashes []string
	for _, line := range strings.Split(strings.TrimSpace(string(b)), "\n") {
		if line != "" {
			hashes = append(hashes, line)
		}
	}
	return hashes, nil
}

// DeleteConversation removes the index and every stored message body
// and sidecar belonging to a peer.
func (s *Store) DeleteConversation(peerHex string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	hashes, err := s.getMessagesForConversationLocked(peerHex)
	if err != nil {
		return err
	}
	for _, h := range hashes {
		os.Remove(s.messagePath(h))
		os.Remove(s.metaPath(h))
	}
	if err := os.Remove(s.conversationPath(peerHex)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("lxmf: remove conversation index: %w", err)
	}
	return nil
}

func (s *Store) getMessagesForConversationLocked(peerHex string) ([]string, error) {
	b, err := os.ReadFile(s.conversationPath(peerHex))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var hashes []string
	for _, line := range strings.Split(strings.TrimSpace(string(b)), "\n") {
		if line != "" {
			hashes = append(hashes, line)
		}
	}
	return hashes, nil
}

func compressBzip2(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := bzip2.NewWriter(&buf, &bzip2.WriterConfig{Level: 6})
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decompressBzip2(data []byte) ([]byte, error) {
	r, err := bzip2.NewReader(bytes.NewReader(data), nil)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}
