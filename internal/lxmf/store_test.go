package lxmf

import (
	"bytes"
	"os"
	"testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := NewStore(dir)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	return s
}

func TestSaveMessageIsIdempotentOnHash(t *testing.T) {
	s := newTestStore(t)
	body := []byte("hello mesh")
	hashHex := HashFor(body)

	if err := s.SaveMessage(hashHex, "peerA", body, StateOutbound, true); err != nil {
		t.Fatalf("first SaveMessage: %v", err)
	}
	if err := s.SaveMessage(hashHex, "peerA", body, StateSent, true); err != nil {
		t.Fatalf("second SaveMessage: %v", err)
	}

	loaded, err := s.LoadMessage(hashHex)
	if err != nil {
		t.Fatalf("LoadMessage: %v", err)
	}
	if !bytes.Equal(loaded, body) {
		t.Fatalf("loaded body mismatch: got %q want %q", loaded, body)
	}

	meta, err := s.ReadMetadata(hashHex)
	if err != nil {
		t.Fatalf("ReadMetadata: %v", err)
	}
	if meta.State != StateOutbound {
		t.Fatalf("state = %q, want %q (second save must preserve the existing state, not demote it)", meta.State, StateOutbound)
	}

	hashes, err := s.GetMessagesForConversation("peerA")
	if err != nil {
		t.Fatalf("GetMessagesForConversation: %v", err)
	}
	if len(hashes) != 1 {
		t.Fatalf("conversation index has %d entries, want 1 (idempotent append)", len(hashes))
	}
}

func TestUpdateMessageStateLeavesBodyUntouched(t *testing.T) {
	s := newTestStore(t)
	body := []byte("state transition test")
	hashHex := HashFor(body)

	if err := s.SaveMessage(hashHex, "peerB", body, StateSending, true); err != nil {
		t.Fatalf("SaveMessage: %v", err)
	}
	if err := s.UpdateMessageState(hashHex, StateDelivered); err != nil {
		t.Fatalf("UpdateMessageState: %v", err)
	}

	meta, err := s.ReadMetadata(hashHex)
	if err != nil {
		t.Fatalf("ReadMetadata: %v", err)
	}
	if meta.State != StateDelivered {
		t.Fatalf("state = %q, want %q", meta.State, StateDelivered)
	}

	loaded, err := s.LoadMessage(hashHex)
	if err != nil {
		t.Fatalf("LoadMessage: %v", err)
	}
	if !bytes.Equal(loaded, body) {
		t.Fatalf("body changed after state update")
	}
}

func TestConversationsAndOrdering(t *testing.T) {
	s := newTestStore(t)
	first := []byte("first message")
	second := []byte("second message")

	if err := s.SaveMessage(HashFor(first), "peerC", first, StateInbound, false); err != nil {
		t.Fatalf("SaveMessage first: %v", err)
	}
	if err := s.SaveMessage(HashFor(second), "peerC", second, StateInbound, false); err != nil {
		t.Fatalf("SaveMessage second: %v", err)
	}

	peers, err := s.GetConversations()
	if err != nil {
		t.Fatalf("GetConversations: %v", err)
	}
	if len(peers) != 1 || peers[0] != "peerC" {
		t.Fatalf("GetConversations = %v, want [peerC]", peers)
	}

	hashes, err := s.GetMessagesForConversation("peerC")
	if err != nil {
		t.Fatalf("GetMessagesForConversation: %v", err)
	}
	if len(hashes) != 2 || hashes[0] != HashFor(first) || hashes[1] != HashFor(second) {
		t.Fatalf("GetMessagesForConversation = %v, want append-order [first, second]", hashes)
	}
}

func TestDeleteConversationRemovesAllArtifacts(t *testing.T) {
	s := newTestStore(t)
	body := []byte("to be deleted")
	hashHex := HashFor(body)
	if err := s.SaveMessage(hashHex, "peerD", body, StateInbound, false); err != nil {
		t.Fatalf("SaveMessage: %v", err)
	}

	if err := s.DeleteConversation("peerD"); err != nil {
		t.Fatalf("DeleteConversation: %v", err)
	}

	if _, err := os.Stat(s.messagePath(hashHex)); !os.IsNotExist(err) {
		t.Fatalf("message body still present after delete")
	}
	if _, err := os.Stat(s.metaPath(hashHex)); !os.IsNotExist(err) {
		t.Fatalf("meta sidecar still present after delete")
	}
	if _, err := os.Stat(s.conversationPath("peerD")); !os.IsNotExist(err) {
		t.Fatalf("conversation index still present after delete")
	}

	hashes, err := s.GetMessagesForConversation("peerD")
	if err != nil {
		t.Fatalf("GetMessagesForConversation after delete: %v", err)
	}
	if len(hashes) != 0 {
		t.Fatalf("expected no messages after delete, got %v", hashes)
	}
}

func TestCompressionAboveThreshold(t *testing.T) {
	s := newTestStore(t)
	body := bytes.Repeat([]byte("x"), compressionThreshold+1)
	hashHex := HashFor(body)

	if err := s.SaveMessage(hashHex, "peerE", body, StateInbound, false); err != nil {
		t.Fatalf("SaveMessage: %v", err)
	}

	raw, err := os.ReadFile(s.messagePath(hashHex))
	if err != nil {
		t.Fatalf("read stored body: %v", err)
	}
	if len(raw) >= len(body) {
		t.Fatalf("stored body len %d not smaller than original %d, expected compression", len(raw), len(body))
	}

	loaded, err := s.LoadMessage(hashHex)
	if err != nil {
		t.Fatalf("LoadMessage: %v", err)
	}
	if !bytes.Equal(loaded, body) {
		t.Fatalf("decompressed body mismatch")
	}
}

func TestNoCompressionBelowThreshold(t *testing.T) {
	s := newTestStore(t)
	body := []byte("short body")
	hashHex := HashFor(body)
	if err := s.SaveMessage(hashHex, "peerF", body, StateInbound, false); err != nil {
		t.Fatalf("SaveMessage: %v", err)
	}
	raw, err := os.ReadFile(s.messagePath(hashHex))
	if err != nil {
		t.Fatalf("read stored body: %v", err)
	}
	if !bytes.Equal(raw, body) {
		t.Fatalf("short body should be stored uncompressed, got %d bytes for %d byte input", len(raw), len(body))
	}
}
