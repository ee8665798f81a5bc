package lora

import (
	"fmt"
	"time"

	goserial "go.bug.st/serial"
)

const (
	defaultBaud = 115200
	readTimeout = 100 * time.Millisecond
)

// bugstPort wraps go.bug.st/serial as the primary serial backend for
// an RNode-compatible radio attached over USB-serial.
type bugstPort struct {
	port goserial.Port
}

// OpenSerialPort opens an RNode-compatible serial device using the
// portable go.bug.st/serial backend.
func OpenSerialPort(device string, baud int) (Port, error) {
	if baud == 0 {
		baud = defaultBaud
	}
	mode := &goserial.Mode{
		BaudRate: baud,
		Parity:   goserial.NoParity,
		DataBits: 8,
		StopBits: goserial.OneStopBit,
	}
	p, err := goserial.Open(device, mode)
	if err != nil {
		return nil, fmt.Errorf("lora: opening serial port %s: %w", device, err)
	}
	if err := p.SetReadTimeout(readTimeout); err != nil {
		p.Close()
		return nil, fmt.Errorf("lora: setting read timeout: %w", err)
	}
	return &bugstPort{port: p}, nil
}

func (b *bugstPort) Write(p []byte) (int, error) { return b.port.Write(p) }
func (b *bugstPort) Read(p []byte) (int, error)   { return b.port.Read(p) }
func (b *bugstPort) Close() error                 { return b.port.Close() }
