package ble

import "time"

// IBLEPlatform is the trait every platform-specific BLE backend
// implements. BLEInterface drives the mesh protocol entirely in terms
// of this interface, so swapping GATT stacks (tinygo.org/x/bluetooth,
// a native Linux HCI stack, CoreBluetooth, WinRT) never touches the
// fragmentation/peer/handshake logic.
type IBLEPlatform interface {
	// Start brings the radio up in the configured role and begins
	// advertising/scanning as appropriate.
	Start(role Role, deviceName string) error
	Stop() error
	IsRunning() bool

	// Scan starts a central-role scan; results stream to the callback
	// until StopScan is called.
	Scan(onResult func(ScanResult)) error
	StopScan() error

	// Connect initiates an outbound GATT connection as central.
	Connect(mac MAC) (ConnectionHandle, error)
	Disconnect(handle ConnectionHandle) error

	// Write and RequestMTU perform (queued, single-in-flight) GATT calls;
	// callers serialize through OperationQueue, not the platform.
	Write(handle ConnectionHandle, data []byte) error
	RequestMTU(handle ConnectionHandle, mtu int) error

	// Peripheral-role data push to a connected central.
	Notify(handle ConnectionHandle, data []byte) error

	SetCallbacks(cb PlatformCallbacks)
}

// PlatformCallbacks are the async events a platform backend reports.
// BLEInterface installs one implementation and fans events out to the
// peer/identity/reassembly components.
type PlatformCallbacks struct {
	OnScanResult           func(ScanResult)
	OnConnected            func(ConnectionHandle, MAC)
	OnDisconnected         func(ConnectionHandle, uint8)
	OnMTUChanged           func(ConnectionHandle, int)
	OnServicesDiscovered   func(ConnectionHandle, bool)
	OnDataReceived         func(ConnectionHandle, []byte)
	OnCentralConnected     func(ConnectionHandle, MAC)
	OnCentralDisconnected  func(ConnectionHandle)
	OnWriteReceived        func(ConnectionHandle, []byte)
}

// PlatformFactory resolves the best IBLEPlatform for the current
// build. Each platform-specific file registers itself via init(),
// native per-OS backends at high priority so they win over the
// portable tinygo.org/x/bluetooth fallback when both are compiled in.
var (
	nativePlatformFactories   []func() (IBLEPlatform, bool)
	fallbackPlatformFactories []func() (IBLEPlatform, bool)
)

func registerNativePlatform(f func() (IBLEPlatform, bool)) {
	nativePlatformFactories = append(nativePlatformFactories, f)
}

func registerPlatform(f func() (IBLEPlatform, bool)) {
	fallbackPlatformFactories = append(fallbackPlatformFactories, f)
}

// NewPlatform returns the first available platform backend: native
// per-OS backends are probed before the portable fallback.
func NewPlatform() (IBLEPlatform, error) {
	for _, f := range nativePlatformFactories {
		if p, ok := f(); ok {
			return p, nil
		}
	}
	for _, f := range fallbackPlatformFactories {
		if p, ok := f(); ok {
			return p, nil
		}
	}
	return nil, errNoPlatform
}

var errNoPlatform = platformError("ble: no usable BLE platform backend available on this build")

type platformError string

func (e platformError) Error() string { return string(e) }

// connectTimeout is not referenced by any code path: tryConnect waits
// for platform.Connect to return, so how long a Connect attempt may
// take is up to the platform backend.
const connectTimeout = 10 * time.Second
