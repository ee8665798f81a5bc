//go:build loratarm

package lora

import (
	"fmt"

	tarmserial "github.com/tarm/serial"
)

// tarmPort is an alternate serial backend selected with the loratarm
// build tag, for platforms or deployments where go.bug.st/serial's
// cgo-free termios handling doesn't suit the target toolchain.
type tarmPort struct {
	port *tarmserial.Port
}

func OpenSerialPortTarm(device string, baud int) (Port, error) {
	if baud == 0 {
		baud = defaultBaud
	}
	cfg := &tarmserial.Config{Name: device, Baud: baud, ReadTimeout: readTimeout}
	p, err := tarmserial.OpenPort(cfg)
	if err != nil {
		return nil, fmt.Errorf("lora: opening serial port %s via tarm/serial: %w", device, err)
	}
	return &tarmPort{port: p}, nil
}

func (t *tarmPort) Write(p []byte) (int, error) { return t.port.Write(p) }
func (t *tarmPort) Read(p []byte) (int, error)  { return t.port.Read(p) }
func (t *tarmPort) Close() error                { return t.port.Close() }
