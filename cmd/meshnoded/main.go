// Command meshnoded is the daemon entrypoint: it loads an lxmd-style
// config directory, starts a Node with whichever transports the flags
// and config enable, and keeps the process alive while the Node's own
// goroutines drive the mesh.
package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/svanichkin/configobj"
	golxmf "github.com/svanichkin/go-lxmf/lxmf"
	"github.com/svanichkin/go-reticulum/rns"

	"meshnode"
	"meshnode/internal/lora"
)

const (
	deferredJobsDelay = 10 * time.Second
	jobsInterval      = 5 * time.Second
)

type activeConfiguration struct {
	DisplayName                     string
	PeerAnnounceAtStart             bool
	PeerAnnounceInterval            time.Duration
	DeliveryTransferMaxAcceptedSize int
	OnInbound                       string

	EnablePropagationNode bool
	NodeAnnounceAtStart   bool
	AutoPeer              bool
	AutoPeerMaxDepth      int
	NodeAnnounceInterval  time.Duration
	MaxPeers              int
}

var (
	messagesDir  string
	lxmdConfig   *configobj.Config
	activeConfig = activeConfiguration{}

	node *meshnode.Node

	lastPeerAnnounce time.Time
	lastNodeAnnounce time.Time
)

func getSection(name string) *configobj.Section {
	if lxmdConfig == nil {
		return nil
	}
	return lxmdConfig.Section(name)
}

func stringKey(section, key, def string) string {
	sec := getSection(section)
	if sec == nil {
		return def
	}
	if value, ok := sec.Get(key); ok && value != "" {
		return value
	}
	return def
}

func boolKey(section, key string, def bool) bool {
	sec := getSection(section)
	if sec == nil {
		return def
	}
	if value, err := sec.AsBool(key); err == nil {
		return value
	}
	return def
}

func intKey(section, key string, def int) int {
	sec := getSection(section)
	if sec == nil {
		return def
	}
	if value, err := sec.AsInt(key); err == nil {
		return value
	}
	return def
}

func floatKey(section, key string, def float64) float64 {
	sec := getSection(section)
	if sec == nil {
		return def
	}
	if value, err := sec.AsFloat(key); err == nil {
		return value
	}
	return def
}

func applyConfig() error {
	if lxmdConfig == nil {
		return errors.New("configuration missing")
	}

	activeConfig.DisplayName = stringKey("lxmf", "display_name", "Anonymous Peer")
	activeConfig.PeerAnnounceAtStart = boolKey("lxmf", "announce_at_start", false)
	activeConfig.PeerAnnounceInterval = time.Duration(intKey("lxmf", "announce_interval", 0)) * time.Minute
	activeConfig.DeliveryTransferMaxAcceptedSize = int(floatKey("lxmf", "delivery_transfer_max_accepted_size", 1000))

	activeConfig.EnablePropagationNode = boolKey("propagation", "enable_node", false)
	activeConfig.NodeAnnounceAtStart = boolKey("propagation", "announce_at_start", true)
	activeConfig.NodeAnnounceInterval = time.Duration(intKey("propagation", "announce_interval", 360)) * time.Minute
	activeConfig.AutoPeer = boolKey("propagation", "autopeer", true)
	activeConfig.AutoPeerMaxDepth = intKey("propagation", "autopeer_maxdepth", 4)
	activeConfig.MaxPeers = intKey("propagation", "max_peers", 20)

	return nil
}

type transportFlags struct {
	autoInterface bool

	tcp     bool
	tcpHost string
	tcpPort int

	ble       bool
	bleDevice string

	loRa       bool
	loRaDevice string
	loRaBaud   int

	pinPropagation string
	fallback       bool
	propagateOnly  bool

	resetRNSConfig bool
}

func programSetup(configDir string, tf transportFlags, forcePropagationNode bool, onInbound string, verbosity, quietness int, resetLXMF bool) {
	if configDir == "" {
		home, _ := os.UserHomeDir()
		if home != "" {
			configDir = filepath.Join(home, ".config", "meshnoded")
		} else {
			configDir = ".meshnoded"
		}
	}

	layout, err := meshnode.EnsureConfig(configDir, "")
	if err != nil {
		fmt.Fprintln(os.Stderr, "could not create config dir:", err)
		os.Exit(1)
	}
	if err := os.MkdirAll(layout.MessagesDir, 0o755); err != nil {
		fmt.Fprintln(os.Stderr, "could not create storage dirs:", err)
		os.Exit(1)
	}
	messagesDir = layout.MessagesDir

	lxmdConfig, err = configobj.Load(layout.ConfigPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "could not parse config:", err)
		os.Exit(1)
	}
	if err := applyConfig(); err != nil {
		fmt.Fprintln(os.Stderr, "error applying config:", err)
		os.Exit(1)
	}

	level := 4 + verbosity - quietness
	if level < 0 {
		level = 0
	}
	if level > 7 {
		level = 7
	}

	opts := meshnode.Options{
		ConfigDir:      configDir,
		DisplayName:    activeConfig.DisplayName,
		LogLevel:       level,
		ResetLXMFState: resetLXMF,
		ResetRNSConfig: tf.resetRNSConfig,

		EnableAutoInterface: tf.autoInterface,

		EnableBLE:     tf.ble,
		BLEDeviceName: tf.bleDevice,

		EnableTCP: tf.tcp,
		TCPHost:   tf.tcpHost,
		TCPPort:   tf.tcpPort,

		EnableLoRa: tf.loRa,
		LoRaDevice: tf.loRaDevice,
		LoRaBaud:   tf.loRaBaud,
		LoRaConfig: lora.DefaultConfig(),

		PropagationNodeHashHex: tf.pinPropagation,
		FallbackToPropagation:  tf.fallback,
		PropagationOnly:        tf.propagateOnly,
	}
	node, err = meshnode.Start(opts)
	if err != nil {
		fmt.Fprintln(os.Stderr, "start:", err)
		os.Exit(1)
	}

	router := node.Router()
	router.SetDeliveryPerTransferLimit(activeConfig.DeliveryTransferMaxAcceptedSize)
	router.SetAutoPeer(activeConfig.AutoPeer)
	router.SetAutoPeerMaxDepth(activeConfig.AutoPeerMaxDepth)
	if activeConfig.MaxPeers > 0 {
		router.SetMaxPeers(activeConfig.MaxPeers)
	}

	if onInbound != "" {
		activeConfig.OnInbound = onInbound
	}

	node.SetInboundHandler(func(m *golxmf.LXMessage) {
		if m == nil {
			return
		}
		written, err := m.WriteToDirectory(messagesDir)
		if err != nil {
			rns.Log("Error saving inbound LXMF message: "+err.Error(), rns.LOG_ERROR)
			return
		}
		rns.Log("Received "+m.String()+" written to "+written, rns.LOG_INFO)
		if activeConfig.OnInbound != "" {
			cmd := exec.Command(activeConfig.OnInbound, written)
			cmd.Stdout = os.Stdout
			cmd.Stderr = os.Stderr
			if err := cmd.Run(); err != nil {
				rns.Log("Inbound action failed: "+err.Error(), rns.LOG_ERROR)
			}
		}
	})

	rns.Log("LXMF Router ready to receive on "+node.DestinationHashHex(), rns.LOG_NOTICE)

	if forcePropagationNode {
		activeConfig.EnablePropagationNode = true
	}
	if activeConfig.EnablePropagationNode {
		if err := router.EnablePropagationNode(); err != nil {
			rns.Log("Failed to start propagation node: "+err.Error(), rns.LOG_ERROR)
		} else if dest := router.PropagationDestinationHashHex(); dest != "" {
			rns.Log("LXMF Propagation Node started on "+dest, rns.LOG_NOTICE)
		}
	}

	time.Sleep(100 * time.Millisecond)
	go deferredStartJobs()

	select {}
}

func deferredStartJobs() {
	time.Sleep(deferredJobsDelay)
	if node == nil || node.Router() == nil {
		return
	}
	if activeConfig.PeerAnnounceAtStart {
		node.AnnounceDeliveryWithReason("startup")
	}
	if activeConfig.EnablePropagationNode && activeConfig.NodeAnnounceAtStart {
		node.Router().AnnouncePropagationNode()
	}
	lastPeerAnnounce = time.Now()
	lastNodeAnnounce = time.Now()
	go jobs()
}

func jobs() {
	for {
		if node != nil && node.Router() != nil {
			if activeConfig.PeerAnnounceInterval > 0 && time.Since(lastPeerAnnounce) >= activeConfig.PeerAnnounceInterval {
				node.AnnounceDeliveryWithReason("periodic")
				lastPeerAnnounce = time.Now()
			}
			if activeConfig.EnablePropagationNode && activeConfig.NodeAnnounceInterval > 0 && time.Since(lastNodeAnnounce) >= activeConfig.NodeAnnounceInterval {
				node.Router().AnnouncePropagationNode()
				lastNodeAnnounce = time.Now()
			}
		}
		time.Sleep(jobsInterval)
	}
}

func main() {
	configDir := flag.String("config", "", "path to config directory")
	propagationNode := flag.Bool("propagation-node", false, "run as an LXMF Propagation Node")
	pinPropagation := flag.String("pin-propagation-node", "", "hex destination hash of an upstream propagation node to sync against")
	fallback := flag.Bool("fallback-propagation", true, "fall back to propagation delivery when a direct send isn't confirmed in time")
	propagateOnly := flag.Bool("propagation-only", false, "always route outbound messages via propagation, never direct")
	onInbound := flag.String("on-inbound", "", "command run when a message is received (arg: message file path)")
	resetLXMF := flag.Bool("reset-lxmf", false, "remove LXMF transient state under config dir before starting")
	resetRNS := flag.Bool("reset-rns-config", false, "overwrite the Reticulum core config with defaults before starting")
	version := flag.Bool("version", false, "print version and exit")

	autoInterface := flag.Bool("autointerface", true, "enable IPv6 multicast AutoInterface discovery")
	tcp := flag.Bool("tcp", false, "enable the TCP client transport")
	tcpHost := flag.String("tcp-host", "", "TCP transport remote host")
	tcpPort := flag.Int("tcp-port", 4965, "TCP transport remote port")
	ble := flag.Bool("ble", false, "enable the BLE mesh transport")
	bleDevice := flag.String("ble-device", "", "BLE local device/advertised name")
	loRa := flag.Bool("lora", false, "enable the LoRa (SX1262/RNode) transport")
	loRaDevice := flag.String("lora-device", "", "serial device path for the LoRa radio")
	loRaBaud := flag.Int("lora-baud", 115200, "serial baud rate for the LoRa radio")

	var verboseCount int
	var quietCount int
	flag.BoolFunc("v", "increase verbosity", func(string) error { verboseCount++; return nil })
	flag.BoolFunc("verbose", "increase verbosity", func(string) error { verboseCount++; return nil })
	flag.BoolFunc("q", "increase quietness", func(string) error { quietCount++; return nil })
	flag.BoolFunc("quiet", "increase quietness", func(string) error { quietCount++; return nil })
	flag.Parse()

	if *version {
		fmt.Printf("meshnoded %s\n", golxmf.Version)
		return
	}

	tf := transportFlags{
		autoInterface:  *autoInterface,
		tcp:            *tcp,
		tcpHost:        *tcpHost,
		tcpPort:        *tcpPort,
		ble:            *ble,
		bleDevice:      *bleDevice,
		loRa:           *loRa,
		loRaDevice:     *loRaDevice,
		loRaBaud:       *loRaBaud,
		pinPropagation: *pinPropagation,
		fallback:       *fallback,
		propagateOnly:  *propagateOnly,
		resetRNSConfig: *resetRNS,
	}

	programSetup(*configDir, tf, *propagationNode, *onInbound, verboseCount, quietCount, *resetLXMF)
}
