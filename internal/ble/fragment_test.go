package ble

import (
	"bytes"
	"testing"
	"time"
)

func TestFragmentMTU23Payload18Message40(t *testing.T) {
	f := NewFragmenter(23)
	if got := f.PayloadSize(); got != 18 {
		t.Fatalf("PayloadSize() = %d, want 18", got)
	}

	msg := make([]byte, 40)
	for i := range msg {
		msg[i] = byte(i)
	}

	frags, err := f.Fragment(msg, 0)
	if err != nil {
		t.Fatalf("Fragment: %v", err)
	}
	if len(frags) != 3 {
		t.Fatalf("got %d fragments, want 3", len(frags))
	}

	typ0, seq0, total0, ok0 := ParseHeader(frags[0])
	if !ok0 || typ0 != FragmentStart || seq0 != 0 || total0 != 3 {
		t.Fatalf("frag0 header = %v %v %v %v", typ0, seq0, total0, ok0)
	}
	typ1, seq1, total1, ok1 := ParseHeader(frags[1])
	if !ok1 || typ1 != FragmentContinue || seq1 != 1 || total1 != 3 {
		t.Fatalf("frag1 header = %v %v %v %v", typ1, seq1, total1, ok1)
	}
	typ2, seq2, total2, ok2 := ParseHeader(frags[2])
	if !ok2 || typ2 != FragmentEnd || seq2 != 2 || total2 != 3 {
		t.Fatalf("frag2 header = %v %v %v %v", typ2, seq2, total2, ok2)
	}
}

func TestReassembleRoundTrip(t *testing.T) {
	f := NewFragmenter(23)
	msg := []byte("the quick brown fox jumps over the lazy dog")
	frags, err := f.Fragment(msg, 0)
	if err != nil {
		t.Fatal(err)
	}

	r := NewReassembler()
	var peer Identity
	peer[0] = 0xAB

	var out []byte
	done := false
	for _, frag := range frags {
		packet, complete, err := r.ProcessFragment(peer, frag, time.Now())
		if err != nil {
			t.Fatalf("ProcessFragment: %v", err)
		}
		if complete {
			out = packet
			done = true
		}
	}
	if !done {
		t.Fatal("reassembly never completed")
	}
	if !bytes.Equal(out, msg) {
		t.Fatalf("got %q want %q", out, msg)
	}
}

func TestReassembleEmptyMessage(t *testing.T) {
	r := NewReassembler()
	var peer Identity
	frag := CreateFragment(FragmentEnd, 0, 1, nil)
	packet, complete, err := r.ProcessFragment(peer, frag, time.Now())
	if err != nil || !complete {
		t.Fatalf("expected immediate completion, got complete=%v err=%v", complete, err)
	}
	if len(packet) != 0 {
		t.Fatalf("expected empty packet, got %d bytes", len(packet))
	}
}

func TestReassembleMaxFragmentsSucceedsOneOverFails(t *testing.T) {
	r := NewReassembler()
	var peerOK, peerBad Identity
	peerOK[0], peerBad[0] = 1, 2

	start := CreateFragment(FragmentStart, 0, MaxFragmentsPerReassembly, []byte("x"))
	if _, _, err := r.ProcessFragment(peerOK, start, time.Now()); err != nil {
		t.Fatalf("total=32 should be accepted at START: %v", err)
	}

	badStart := CreateFragment(FragmentStart, 0, MaxFragmentsPerReassembly+1, []byte("x"))
	if _, _, err := r.ProcessFragment(peerBad, badStart, time.Now()); err == nil {
		t.Fatal("total=33 should fail cleanly at START")
	}
}

func TestReassembleDuplicateFragmentTolerated(t *testing.T) {
	r := NewReassembler()
	var peer Identity
	start := CreateFragment(FragmentStart, 0, 2, []byte("a"))
	if _, _, err := r.ProcessFragment(peer, start, time.Now()); err != nil {
		t.Fatal(err)
	}
	// Resend the same START fragment; must not error.
	if _, _, err := r.ProcessFragment(peer, start, time.Now()); err != nil {
		t.Fatalf("duplicate fragment should be tolerated, got %v", err)
	}
}

func TestReassembleSurvivesMACRotation(t *testing.T) {
	r := NewReassembler()
	var peer Identity
	peer[0] = 0x42

	start := CreateFragment(FragmentStart, 0, 2, []byte("half1"))
	end := CreateFragment(FragmentEnd, 1, 2, []byte("half2"))

	// Reassembly is keyed by stable identity, not MAC, so it does not
	// matter that the two fragments notionally arrived under different
	// BLE addresses as long as the identity is the same.
	if _, _, err := r.ProcessFragment(peer, start, time.Now()); err != nil {
		t.Fatal(err)
	}
	packet, complete, err := r.ProcessFragment(peer, end, time.Now())
	if err != nil || !complete {
		t.Fatalf("complete=%v err=%v", complete, err)
	}
	if string(packet) != "half1half2" {
		t.Fatalf("got %q", packet)
	}
}

func TestConnectionDirectionTieBreak(t *testing.T) {
	pm := NewPeerManager()
	pm.SetLocalMAC(MAC{0x00, 0x11, 0x22, 0x33, 0x44, 0x55})

	lowerRemote := MAC{0x00, 0x00, 0x00, 0x00, 0x00, 0x01}
	higherRemote := MAC{0xFF, 0x00, 0x00, 0x00, 0x00, 0x00}

	if pm.ShouldInitiateConnection(lowerRemote) {
		t.Fatal("local MAC is higher than remote; local should not initiate")
	}
	if !pm.ShouldInitiateConnection(higherRemote) {
		t.Fatal("local MAC is lower than remote; local should initiate")
	}
}
