package tcpiface

import (
	"testing"

	"github.com/sirupsen/logrus"

	"meshnode/internal/hdlc"
)

func TestCheckReconnectedEdgeTriggered(t *testing.T) {
	i := New(logrus.NewEntry(logrus.New()), "127.0.0.1", 4242)
	if i.CheckReconnected() {
		t.Fatal("should not report reconnected before any connection")
	}
	i.reconnected.Store(true)
	if !i.CheckReconnected() {
		t.Fatal("expected true on first check after connecting")
	}
	if i.CheckReconnected() {
		t.Fatal("flag should clear after being read once")
	}
}

func TestFrameDeliveryThroughExtractor(t *testing.T) {
	i := New(logrus.NewEntry(logrus.New()), "127.0.0.1", 4242)
	var got [][]byte
	i.OnFrame = func(b []byte) { got = append(got, b) }

	frame := hdlc.Frame([]byte("payload"))
	frames := i.extractor.Feed(frame)
	for _, f := range frames {
		i.OnFrame(f)
	}
	if len(got) != 1 || string(got[0]) != "payload" {
		t.Fatalf("got %v", got)
	}
}
