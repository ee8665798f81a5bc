package meshnode

import (
	"testing"
	"time"
)

type fakeLink struct {
	name   string
	online bool
}

func (f *fakeLink) Name() string                  { return f.name }
func (f *fakeLink) Start() error                   { f.online = true; return nil }
func (f *fakeLink) Stop() error                    { f.online = false; return nil }
func (f *fakeLink) Tick(time.Time)                 {}
func (f *fakeLink) Online() bool                   { return f.online }
func (f *fakeLink) SendOutgoing(data []byte) error { return nil }

func newTestNode(t *testing.T) *Node {
	t.Helper()
	return &Node{
		opts:           Options{ConfigDir: t.TempDir()},
		links:          make(map[string]link),
		stop:           make(chan struct{}),
		ifaceOfflineAt: make(map[string]time.Time),
	}
}

func TestAnnounceReadyNoLinks(t *testing.T) {
	n := newTestNode(t)
	if !n.announceReady(time.Now()) {
		t.Error("announceReady() with no configured links = false, want true")
	}
}

func TestAnnounceReadyWaitsForTCPPreference(t *testing.T) {
	n := newTestNode(t)
	n.links["tcp"] = &fakeLink{name: "tcp", online: false}
	n.links["autointerface"] = &fakeLink{name: "autointerface", online: true}

	preferDeadline := time.Now().Add(time.Hour)
	if n.announceReady(preferDeadline) {
		t.Error("announceReady() should wait for tcp while within the preference window")
	}
	if !n.announceReady(time.Now().Add(-time.Second)) {
		t.Error("announceReady() should fall back to any online link once the preference window has passed")
	}
}

func TestAnnounceReadyNoneOnline(t *testing.T) {
	n := newTestNode(t)
	n.links["ble"] = &fakeLink{name: "ble", online: false}
	if n.announceReady(time.Now()) {
		t.Error("announceReady() with every link offline = true, want false")
	}
}

func TestSetInterfaceEnabledPersistsAndStartsStops(t *testing.T) {
	n := newTestNode(t)
	fl := &fakeLink{name: "lora"}
	n.links["lora"] = fl

	if err := n.SetInterfaceEnabled("lora", true); err != nil {
		t.Fatalf("SetInterfaceEnabled(true): %v", err)
	}
	if !fl.online {
		t.Error("expected link to be started")
	}
	if !n.isInterfaceEnabled("lora") {
		t.Error("expected persisted preference to read back enabled")
	}

	if err := n.SetInterfaceEnabled("lora", false); err != nil {
		t.Fatalf("SetInterfaceEnabled(false): %v", err)
	}
	if fl.online {
		t.Error("expected link to be stopped")
	}
	if n.isInterfaceEnabled("lora") {
		t.Error("expected persisted preference to read back disabled")
	}
}

func TestSetInterfaceEnabledUnknownName(t *testing.T) {
	n := newTestNode(t)
	if err := n.SetInterfaceEnabled("nope", true); err == nil {
		t.Error("expected error for unknown interface name")
	}
}

func TestDetectAvatarMime(t *testing.T) {
	cases := []struct {
		name string
		data []byte
		want string
	}{
		{"png", []byte{0x89, 'P', 'N', 'G', 0x0d, 0x0a, 0x1a, 0x0a, 0, 0}, "image/png"},
		{"jpeg", []byte{0xff, 0xd8, 0xff, 0xe0, 0, 0}, "image/jpeg"},
		{"heic", append([]byte{0, 0, 0, 0x18}, append([]byte("ftyp"), []byte("heic")...)...), "image/heic"},
		{"unknown", []byte{1, 2, 3}, ""},
		{"empty", nil, ""},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := detectAvatarMime(c.data); got != c.want {
				t.Errorf("detectAvatarMime(%q) = %q, want %q", c.name, got, c.want)
			}
		})
	}
}

func TestParseTruthyString(t *testing.T) {
	truthy := []string{"1", "y", "Y", "yes", "Yes", "true", "TRUE", "on", " yes "}
	for _, s := range truthy {
		if !parseTruthyString(s) {
			t.Errorf("parseTruthyString(%q) = false, want true", s)
		}
	}
	falsy := []string{"0", "no", "false", "off", "", "maybe"}
	for _, s := range falsy {
		if parseTruthyString(s) {
			t.Errorf("parseTruthyString(%q) = true, want false", s)
		}
	}
}

func TestTernaryString(t *testing.T) {
	if got := ternaryString(true, "Yes", "No"); got != "Yes" {
		t.Errorf("ternaryString(true, ...) = %q, want Yes", got)
	}
	if got := ternaryString(false, "Yes", "No"); got != "No" {
		t.Errorf("ternaryString(false, ...) = %q, want No", got)
	}
}

func TestFileExists(t *testing.T) {
	dir := t.TempDir()
	missing := dir + "/nope"
	if fileExists(missing) {
		t.Errorf("fileExists(%q) = true, want false", missing)
	}
}
