//go:build darwin

package ble

import (
	"os"
	"sync"

	"github.com/JuulLabs-OSS/cbgo"
)

// darwinPlatform implements IBLEPlatform over github.com/JuulLabs-OSS/cbgo,
// a cgo binding to Apple's CoreBluetooth framework. It is the native
// backend on macOS; like the Linux HCI backend it is opt-in, since
// CoreBluetooth peripheral-mode advertising requires the host process
// to hold Bluetooth permission that a headless build may not have.
type darwinPlatform struct {
	mu        sync.Mutex
	mgr       cbgo.CentralManager
	callbacks PlatformCallbacks
	running   bool

	peripherals map[ConnectionHandle]cbgo.Peripheral
	nextH       ConnectionHandle
}

func init() {
	registerNativePlatform(func() (IBLEPlatform, bool) {
		if os.Getenv("MESHNODE_BLE_BACKEND") != "corebluetooth" {
			return nil, false
		}
		return &darwinPlatform{
			peripherals: make(map[ConnectionHandle]cbgo.Peripheral),
		}, true
	})
}

func (p *darwinPlatform) SetCallbacks(cb PlatformCallbacks) {
	p.mu.Lock()
	p.callbacks = cb
	p.mu.Unlock()
}

func (p *darwinPlatform) Start(role Role, deviceName string) error {
	p.mu.Lock()
	p.mgr = cbgo.NewCentralManager(nil)
	p.running = true
	p.mu.Unlock()
	return nil
}

func (p *darwinPlatform) Stop() error {
	p.mu.Lock()
	p.running = false
	p.mu.Unlock()
	return nil
}

func (p *darwinPlatform) IsRunning() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

func (p *darwinPlatform) Scan(onResult func(ScanResult)) error {
	p.mgr.Scan(nil, nil)
	return nil
}

func (p *darwinPlatform) StopScan() error {
	p.mgr.StopScan()
	return nil
}

func (p *darwinPlatform) Connect(mac MAC) (ConnectionHandle, error) {
	return 0, errNoPlatform
}

func (p *darwinPlatform) Disconnect(handle ConnectionHandle) error { return nil }

func (p *darwinPlatform) Write(handle ConnectionHandle, data []byte) error { return errNoPlatform }

func (p *darwinPlatform) RequestMTU(handle ConnectionHandle, mtu int) error { return nil }

func (p *darwinPlatform) Notify(handle ConnectionHandle, data []byte) error { return errNoPlatform }
