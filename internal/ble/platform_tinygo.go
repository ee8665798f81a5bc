package ble

import (
	"sync"

	"tinygo.org/x/bluetooth"
)

// serviceUUID/characteristicUUID identify the mesh GATT profile: one
// write characteristic the central writes fragments to, and one notify
// characteristic the peripheral pushes fragments back on.
var (
	serviceUUID    = bluetooth.NewUUID([16]byte{0x72, 0x6e, 0x73, 0x2d, 0x6d, 0x65, 0x73, 0x68, 0, 0, 0, 0, 0, 0, 0, 0x01})
	writeCharUUID  = bluetooth.NewUUID([16]byte{0x72, 0x6e, 0x73, 0x2d, 0x6d, 0x65, 0x73, 0x68, 0, 0, 0, 0, 0, 0, 0, 0x02})
	notifyCharUUID = bluetooth.NewUUID([16]byte{0x72, 0x6e, 0x73, 0x2d, 0x6d, 0x65, 0x73, 0x68, 0, 0, 0, 0, 0, 0, 0, 0x03})
)

// tinygoPlatform implements IBLEPlatform over tinygo.org/x/bluetooth,
// which provides both the central and peripheral roles on every OS it
// supports (Linux via BlueZ D-Bus, macOS via CoreBluetooth, Windows via
// WinRT, plus bare-metal SoftDevice targets) behind one API. This is
// the default backend registered for every build.
type tinygoPlatform struct {
	mu       sync.Mutex
	adapter  *bluetooth.Adapter
	role     Role
	running  bool
	callbacks PlatformCallbacks

	conns map[ConnectionHandle]bluetooth.Device
	chars map[ConnectionHandle]bluetooth.DeviceCharacteristic
	nextH ConnectionHandle

	notifyChar bluetooth.Characteristic
}

func init() {
	registerPlatform(func() (IBLEPlatform, bool) {
		return &tinygoPlatform{
			adapter: bluetooth.DefaultAdapter,
			conns:   make(map[ConnectionHandle]bluetooth.Device),
			chars:   make(map[ConnectionHandle]bluetooth.DeviceCharacteristic),
		}, true
	})
}

func (p *tinygoPlatform) SetCallbacks(cb PlatformCallbacks) {
	p.mu.Lock()
	p.callbacks = cb
	p.mu.Unlock()
}

func (p *tinygoPlatform) Start(role Role, deviceName string) error {
	if err := p.adapter.Enable(); err != nil {
		return err
	}
	p.role = role

	if role == RolePeripheral || role == RoleDual {
		if err := p.startPeripheral(deviceName); err != nil {
			return err
		}
	}
	p.mu.Lock()
	p.running = true
	p.mu.Unlock()
	return nil
}

func (p *tinygoPlatform) startPeripheral(deviceName string) error {
	adv := p.adapter.DefaultAdvertisement()
	if err := adv.Configure(bluetooth.AdvertisementOptions{
		LocalName:    deviceName,
		ServiceUUIDs: []bluetooth.UUID{serviceUUID},
	}); err != nil {
		return err
	}

	if err := p.adapter.AddService(&bluetooth.Service{
		UUID: serviceUUID,
		Characteristics: []bluetooth.CharacteristicConfig{
			{
				Handle: &p.notifyChar,
				UUID:   notifyCharUUID,
				Flags:  bluetooth.CharacteristicNotifyPermission,
			},
			{
				UUID:  writeCharUUID,
				Flags: bluetooth.CharacteristicWritePermission,
				WriteEvent: func(client bluetooth.Connection, offset int, value []byte) {
					p.mu.Lock()
					cb := p.callbacks.OnWriteReceived
					p.mu.Unlock()
					if cb != nil {
						cb(ConnectionHandle(uintptr(0)), append([]byte(nil), value...))
					}
				},
			},
		},
	}); err != nil {
		return err
	}

	return adv.Start()
}

func (p *tinygoPlatform) Stop() error {
	p.mu.Lock()
	p.running = false
	p.mu.Unlock()
	return nil
}

func (p *tinygoPlatform) IsRunning() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

func (p *tinygoPlatform) Scan(onResult func(ScanResult)) error {
	return p.adapter.Scan(func(adapter *bluetooth.Adapter, result bluetooth.ScanResult) {
		sr := ScanResult{
			Name: result.LocalName(),
			RSSI: int8(result.RSSI),
		}
		copy(sr.MAC[:], result.Address.Bytes())
		onResult(sr)
	})
}

func (p *tinygoPlatform) StopScan() error {
	return p.adapter.StopScan()
}

func (p *tinygoPlatform) Connect(mac MAC) (ConnectionHandle, error) {
	addr := bluetooth.Address{}
	addr.Set(mac[:])

	device, err := p.adapter.Connect(addr, bluetooth.ConnectionParams{})
	if err != nil {
		return 0, err
	}
	services, err := device.DiscoverServices([]bluetooth.UUID{serviceUUID})
	if err != nil {
		return 0, err
	}
	var writeChar bluetooth.DeviceCharacteristic
	for _, svc := range services {
		chars, err := svc.DiscoverCharacteristics([]bluetooth.UUID{writeCharUUID, notifyCharUUID})
		if err != nil {
			continue
		}
		for _, c := range chars {
			if c.UUID() == writeCharUUID {
				writeChar = c
			}
			if c.UUID() == notifyCharUUID {
				handle := p.handleFor(device)
				c.EnableNotifications(func(value []byte) {
					p.mu.Lock()
					cb := p.callbacks.OnDataReceived
					p.mu.Unlock()
					if cb != nil {
						cb(handle, append([]byte(nil), value...))
					}
				})
			}
		}
	}

	handle := p.handleFor(device)
	p.mu.Lock()
	p.conns[handle] = device
	p.chars[handle] = writeChar
	p.mu.Unlock()
	return handle, nil
}

func (p *tinygoPlatform) handleFor(device bluetooth.Device) ConnectionHandle {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.nextH++
	return p.nextH
}

func (p *tinygoPlatform) Disconnect(handle ConnectionHandle) error {
	p.mu.Lock()
	device, ok := p.conns[handle]
	delete(p.conns, handle)
	delete(p.chars, handle)
	p.mu.Unlock()
	if !ok {
		return nil
	}
	return device.Disconnect()
}

func (p *tinygoPlatform) Write(handle ConnectionHandle, data []byte) error {
	p.mu.Lock()
	char, ok := p.chars[handle]
	p.mu.Unlock()
	if !ok {
		return errNoPlatform
	}
	_, err := char.WriteWithoutResponse(data)
	return err
}

func (p *tinygoPlatform) RequestMTU(handle ConnectionHandle, mtu int) error {
	// tinygo.org/x/bluetooth negotiates MTU implicitly per-platform;
	// callers treat the negotiated value surfaced via OnMTUChanged as
	// authoritative rather than requesting one explicitly here.
	return nil
}

func (p *tinygoPlatform) Notify(handle ConnectionHandle, data []byte) error {
	_, err := p.notifyChar.Write(data)
	return err
}
