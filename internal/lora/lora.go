// Package lora implements the half-duplex LoRa radio transport. This
// node targets hosted operating systems rather than bare SPI-attached
// hardware, so it drives an RNode-compatible radio over a serial port
// instead of bit-banging an SX1262 directly — the wire framing and
// bitrate accounting are unchanged from the SPI-attached original.
package lora

import (
	"errors"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	// HWMTU matches the original LoRaInterface/SX1262Interface MTU.
	HWMTU = 508

	// PollInterval is how often the owning node should call Poll.
	PollInterval = 10 * time.Millisecond
)

// Config mirrors SX1262Config; defaults match RNode for interoperability.
type Config struct {
	FrequencyMHz    float64
	BandwidthKHz    float64
	SpreadingFactor int
	CodingRate      int // denominator of 4/CodingRate
	TXPowerDBm      int
	SyncWord        byte
	PreambleLength  int
}

func DefaultConfig() Config {
	return Config{
		FrequencyMHz:    927.25,
		BandwidthKHz:    62.5,
		SpreadingFactor: 7,
		CodingRate:      5,
		TXPowerDBm:      17,
		SyncWord:        0x12,
		PreambleLength:  20,
	}
}

// Bitrate computes the effective bits/s for the configured modulation
// parameters: sf * ((4/cr) / (2^sf / (bw_khz/1000))) * 1000.
func (c Config) Bitrate() float64 {
	sf := float64(c.SpreadingFactor)
	return sf * ((4.0 / float64(c.CodingRate)) / (math.Pow(2, sf) / (c.BandwidthKHz / 1000.0))) * 1000.0
}

// Port abstracts the serial transport to the radio so the framing and
// half-duplex state machine can be tested without real hardware.
type Port interface {
	Write(p []byte) (int, error)
	Read(p []byte) (int, error)
	Close() error
}

// Interface drives a half-duplex RNode-compatible LoRa radio over a
// serial port. Only one of send/receive is active at a time, matching
// the original's SPI-mutex-arbitrated half duplex behavior (here the
// arbitration is over the one shared serial handle instead of a
// shared SPI bus).
type Interface struct {
	log    *logrus.Entry
	config Config
	port   Port

	mu           sync.Mutex
	transmitting bool
	online       bool

	lastRSSI float64
	lastSNR  float64

	OnReceive func([]byte)
}

func New(log *logrus.Entry, port Port, config Config) *Interface {
	return &Interface{
		log:    log.WithField("iface", "lora"),
		config: config,
		port:   port,
	}
}

func (i *Interface) Start() error {
	if i.port == nil {
		return errors.New("lora: no serial port configured")
	}
	i.mu.Lock()
	i.online = true
	i.mu.Unlock()
	i.log.WithField("bitrate_kbps", i.config.Bitrate()/1000).Info("lora interface started")
	return i.startReceive()
}

func (i *Interface) Stop() error {
	i.mu.Lock()
	i.online = false
	i.mu.Unlock()
	return i.port.Close()
}

func (i *Interface) startReceive() error {
	// An RNode-compatible radio free-runs in receive mode between
	// transmits; nothing to arm explicitly over the serial framing,
	// mirroring the original's "restart receive immediately after
	// transmit completes" behavior.
	return nil
}

// SendOutgoing wraps data in the RNode wire format (one random byte
// header, then payload) and writes it, then immediately re-arms
// receive — the radio is half-duplex so no data can be read while
// transmitting.
func (i *Interface) SendOutgoing(data []byte) error {
	i.mu.Lock()
	if !i.online {
		i.mu.Unlock()
		return errors.New("lora: interface offline")
	}
	i.transmitting = true
	i.mu.Unlock()

	defer func() {
		i.mu.Lock()
		i.transmitting = false
		i.mu.Unlock()
		_ = i.startReceive()
	}()

	frame := frameRNode(data)
	_, err := i.port.Write(frame)
	return err
}

// frameRNode prepends a single random byte to the payload, matching
// the RNode KISS-adjacent framing the reference radio firmware uses
// for air-compatibility.
func frameRNode(data []byte) []byte {
	out := make([]byte, 0, len(data)+1)
	out = append(out, byte(rand.Intn(256)))
	out = append(out, data...)
	return out
}

// unframeRNode strips the random header byte from a received frame.
func unframeRNode(frame []byte) ([]byte, error) {
	if len(frame) < 1 {
		return nil, errors.New("lora: frame too short")
	}
	return frame[1:], nil
}

// Poll reads and delivers one pending RX buffer from the port, if any
// (serial ports are message-oriented here: the RNode firmware on the
// other end frames each packet so one Read call yields one frame).
func (i *Interface) Poll() {
	i.mu.Lock()
	transmitting := i.transmitting
	i.mu.Unlock()
	if transmitting {
		return // half duplex: never read while transmitting
	}

	buf := make([]byte, HWMTU)
	n, err := i.port.Read(buf)
	if err != nil || n == 0 {
		return
	}
	payload, err := unframeRNode(buf[:n])
	if err != nil {
		i.log.WithError(err).Debug("dropped malformed lora frame")
		return
	}
	if i.OnReceive != nil {
		i.OnReceive(payload)
	}
}

func (i *Interface) IsTransmitting() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.transmitting
}

func (i *Interface) RSSI() float64 {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.lastRSSI
}

func (i *Interface) SNR() float64 {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.lastSNR
}

func (i *Interface) SetLastSignal(rssi, snr float64) {
	i.mu.Lock()
	i.lastRSSI, i.lastSNR = rssi, snr
	i.mu.Unlock()
}
