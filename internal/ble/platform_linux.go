//go:build linux

package ble

import (
	"context"
	"os"
	"sync"

	"github.com/go-ble/ble"
	"github.com/go-ble/ble/linux"
)

// linuxPlatform implements IBLEPlatform over github.com/go-ble/ble's
// native BlueZ HCI backend (which itself talks to bluetoothd over
// github.com/godbus/dbus/v5 for adapter management). It is preferred
// over the portable tinygo backend on Linux because it supports true
// dual central+peripheral operation against a local HCI controller
// without requiring BlueZ's experimental GATT-server D-Bus API.
//
// Selecting this backend is opt-in via MESHNODE_BLE_BACKEND=hci,
// since it requires CAP_NET_ADMIN/raw HCI access that a sandboxed or
// containerized process frequently lacks; absent that, the tinygo
// fallback is used instead.
type linuxPlatform struct {
	mu        sync.Mutex
	device    *linux.Device
	callbacks PlatformCallbacks
	running   bool

	handles map[ConnectionHandle]ble.Client
	nextH   ConnectionHandle
}

func init() {
	registerNativePlatform(func() (IBLEPlatform, bool) {
		if os.Getenv("MESHNODE_BLE_BACKEND") != "hci" {
			return nil, false
		}
		d, err := linux.NewDevice()
		if err != nil {
			return nil, false
		}
		return &linuxPlatform{device: d, handles: make(map[ConnectionHandle]ble.Client)}, true
	})
}

func (p *linuxPlatform) SetCallbacks(cb PlatformCallbacks) {
	p.mu.Lock()
	p.callbacks = cb
	p.mu.Unlock()
}

func (p *linuxPlatform) Start(role Role, deviceName string) error {
	ble.SetDefaultDevice(p.device)
	p.mu.Lock()
	p.running = true
	p.mu.Unlock()
	if role == RolePeripheral || role == RoleDual {
		go p.advertise(deviceName)
	}
	return nil
}

func (p *linuxPlatform) advertise(deviceName string) {
	_ = ble.AdvertiseNameAndServices(context.Background(), deviceName)
}

func (p *linuxPlatform) Stop() error {
	p.mu.Lock()
	p.running = false
	p.mu.Unlock()
	return p.device.Stop()
}

func (p *linuxPlatform) IsRunning() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

func (p *linuxPlatform) Scan(onResult func(ScanResult)) error {
	go ble.Scan(context.Background(), true, func(a ble.Advertisement) {
		sr := ScanResult{
			Name: a.LocalName(),
			RSSI: int8(a.RSSI()),
		}
		copy(sr.MAC[:], a.Addr().Bytes())
		onResult(sr)
	}, nil)
	return nil
}

func (p *linuxPlatform) StopScan() error {
	return nil
}

func (p *linuxPlatform) Connect(mac MAC) (ConnectionHandle, error) {
	addr := ble.NewAddr(mac.String())
	client, err := ble.Dial(context.Background(), addr)
	if err != nil {
		return 0, err
	}
	p.mu.Lock()
	p.nextH++
	handle := p.nextH
	p.handles[handle] = client
	p.mu.Unlock()

	go func() {
		<-client.Disconnected()
		p.mu.Lock()
		cb := p.callbacks.OnDisconnected
		delete(p.handles, handle)
		p.mu.Unlock()
		if cb != nil {
			cb(handle, 0)
		}
	}()
	return handle, nil
}

func (p *linuxPlatform) Disconnect(handle ConnectionHandle) error {
	p.mu.Lock()
	client, ok := p.handles[handle]
	p.mu.Unlock()
	if !ok {
		return nil
	}
	return client.CancelConnection()
}

func (p *linuxPlatform) Write(handle ConnectionHandle, data []byte) error {
	p.mu.Lock()
	client, ok := p.handles[handle]
	p.mu.Unlock()
	if !ok {
		return errNoPlatform
	}
	profile, err := client.DiscoverProfile(true)
	if err != nil {
		return err
	}
	for _, svc := range profile.Services {
		for _, c := range svc.Characteristics {
			if c.UUID.Equal(ble.MustParse(writeCharUUID.String())) {
				return client.WriteCharacteristic(c, data, true)
			}
		}
	}
	return errNoPlatform
}

func (p *linuxPlatform) RequestMTU(handle ConnectionHandle, mtu int) error {
	p.mu.Lock()
	client, ok := p.handles[handle]
	p.mu.Unlock()
	if !ok {
		return errNoPlatform
	}
	_, err := client.ExchangeMTU(mtu)
	return err
}

func (p *linuxPlatform) Notify(handle ConnectionHandle, data []byte) error {
	return p.Write(handle, data)
}
