package lora

import (
	"io"
	"math"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"
)

type fakePort struct {
	mu     sync.Mutex
	writes [][]byte
	inbox  [][]byte
	closed bool
}

func (f *fakePort) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]byte, len(p))
	copy(cp, p)
	f.writes = append(f.writes, cp)
	return len(p), nil
}

func (f *fakePort) Read(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.inbox) == 0 {
		return 0, nil
	}
	next := f.inbox[0]
	f.inbox = f.inbox[1:]
	if len(next) > len(p) {
		return 0, io.ErrShortBuffer
	}
	return copy(p, next), nil
}

func (f *fakePort) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakePort) queue(frame []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inbox = append(f.inbox, frame)
}

func newTestInterface(p *fakePort) *Interface {
	return New(logrus.NewEntry(logrus.New()), p, DefaultConfig())
}

func TestDefaultConfigBitrateMatchesFormula(t *testing.T) {
	c := DefaultConfig()
	sf := float64(c.SpreadingFactor)
	want := sf * ((4.0 / float64(c.CodingRate)) / (math.Pow(2, sf) / (c.BandwidthKHz / 1000.0))) * 1000.0
	if got := c.Bitrate(); got != want {
		t.Fatalf("bitrate = %v, want %v", got, want)
	}
	// sanity: with BW given in kHz this formula puts SF7/CR5/BW62.5 at
	// about 2.7; it must be positive and not absurdly large.
	if c.Bitrate() <= 0 || c.Bitrate() > 100_000 {
		t.Fatalf("bitrate out of sane range: %v", c.Bitrate())
	}
}

func TestStartRequiresPort(t *testing.T) {
	i := New(logrus.NewEntry(logrus.New()), nil, DefaultConfig())
	if err := i.Start(); err == nil {
		t.Fatal("expected error starting with no port")
	}
}

func TestSendOutgoingFramesWithRandomHeaderByte(t *testing.T) {
	p := &fakePort{}
	i := newTestInterface(p)
	if err := i.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	payload := []byte("hello mesh")
	if err := i.SendOutgoing(payload); err != nil {
		t.Fatalf("send: %v", err)
	}
	if len(p.writes) != 1 {
		t.Fatalf("expected 1 write, got %d", len(p.writes))
	}
	frame := p.writes[0]
	if len(frame) != len(payload)+1 {
		t.Fatalf("frame length = %d, want %d", len(frame), len(payload)+1)
	}
	if string(frame[1:]) != string(payload) {
		t.Fatalf("payload mismatch: got %q", frame[1:])
	}
	if i.IsTransmitting() {
		t.Fatal("should not still be transmitting after send completes")
	}
}

func TestPollDeliversUnframedPayload(t *testing.T) {
	p := &fakePort{}
	i := newTestInterface(p)
	if err := i.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}

	var received []byte
	i.OnReceive = func(b []byte) { received = b }

	p.queue(append([]byte{0xAA}, []byte("incoming")...))
	i.Poll()

	if string(received) != "incoming" {
		t.Fatalf("received = %q, want %q", received, "incoming")
	}
}

func TestPollSkipsWhileTransmitting(t *testing.T) {
	p := &fakePort{}
	i := newTestInterface(p)
	if err := i.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	i.mu.Lock()
	i.transmitting = true
	i.mu.Unlock()

	var received []byte
	i.OnReceive = func(b []byte) { received = b }
	p.queue(append([]byte{0xAA}, []byte("incoming")...))
	i.Poll()

	if received != nil {
		t.Fatal("should not have delivered data while transmitting")
	}
}

func TestStopClosesPort(t *testing.T) {
	p := &fakePort{}
	i := newTestInterface(p)
	if err := i.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := i.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if !p.closed {
		t.Fatal("expected port to be closed on stop")
	}
}
