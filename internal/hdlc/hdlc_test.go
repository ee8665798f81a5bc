package hdlc

import (
	"bytes"
	"testing"
)

func TestFrameRoundTrip(t *testing.T) {
	b := []byte{0x41, 0x42, 0x7D, 0x43}
	want := []byte{0x7E, 0x41, 0x42, 0x7D, 0x5D, 0x43, 0x7E}

	got := Frame(b)
	if !bytes.Equal(got, want) {
		t.Fatalf("Frame(% x) = % x, want % x", b, got, want)
	}
}

func TestEscapeFlagByte(t *testing.T) {
	b := []byte{0x7E}
	want := []byte{0x7D, 0x5E}
	if got := Escape(b); !bytes.Equal(got, want) {
		t.Fatalf("Escape(% x) = % x, want % x", b, got, want)
	}
}

func TestUnescapeIncompleteEscapeFails(t *testing.T) {
	_, ok := Unescape([]byte{0x41, 0x7D})
	if ok {
		t.Fatal("expected Unescape to fail on trailing escape byte")
	}
}

func TestUnescapeRoundTrip(t *testing.T) {
	data := []byte{0x00, 0x7E, 0x7D, 0xFF, 0x20}
	escaped := Escape(data)
	got, ok := Unescape(escaped)
	if !ok {
		t.Fatal("Unescape failed on valid input")
	}
	if !bytes.Equal(got, data) {
		t.Fatalf("round trip mismatch: got % x want % x", got, data)
	}
}

func TestExtractorSkipsGarbageAndEmptyFrames(t *testing.T) {
	var e Extractor
	frame1 := Frame([]byte("hello"))
	frame2 := Frame([]byte("world"))

	var stream []byte
	stream = append(stream, 0x01, 0x02, 0x03) // garbage before first flag
	stream = append(stream, frame1...)
	stream = append(stream, Flag) // back-to-back flag, empty frame
	stream = append(stream, frame2...)

	frames := e.Feed(stream)
	if len(frames) != 2 {
		t.Fatalf("got %d frames, want 2", len(frames))
	}
	if string(frames[0]) != "hello" || string(frames[1]) != "world" {
		t.Fatalf("unexpected frame contents: %q %q", frames[0], frames[1])
	}
}

func TestExtractorHandlesSplitFrame(t *testing.T) {
	var e Extractor
	full := Frame([]byte("split-me"))

	first := e.Feed(full[:3])
	if len(first) != 0 {
		t.Fatalf("expected no frames yet, got %d", len(first))
	}
	second := e.Feed(full[3:])
	if len(second) != 1 || string(second[0]) != "split-me" {
		t.Fatalf("unexpected result after feeding remainder: %v", second)
	}
}

func TestExtractorDropsUnescapableFrame(t *testing.T) {
	var e Extractor
	// A frame whose payload ends in a dangling escape byte.
	bad := append([]byte{Flag}, 0x41, Esc)
	bad = append(bad, Flag)
	good := Frame([]byte("ok"))

	frames := e.Feed(append(bad, good...))
	if len(frames) != 1 || string(frames[0]) != "ok" {
		t.Fatalf("expected only the valid frame to survive, got %v", frames)
	}
}
