// Package regbus defines the narrow interfaces the flash engine consumes
// from the host: synchronous register access, device reset and interrupt
// gating, and lifecycle signaling back to the owning driver.
package regbus

// Transport is synchronous register-space access to the controller.
type Transport interface {
	// RegRead reads count bytes starting at register address addr.
	RegRead(addr uint16, count int) ([]byte, error)

	// RegWrite writes data starting at register address addr.
	RegWrite(addr uint16, data []byte) error
}

// Device is a touch controller reachable over a register bus, including the
// out-of-band controls the flash engine needs: the hardware reset line and
// the ATTN interrupt line.
type Device interface {
	Transport

	// Reset toggles the hardware reset line (or equivalent).
	Reset() error

	// EnableIRQ gates delivery of ATTN edges to the Interrupts channel.
	// Interrupts are enabled only for the duration of flash operations so
	// that unrelated touch traffic is not routed through this path.
	EnableIRQ(enable bool) error

	// Interrupts delivers one value per ATTN edge while enabled.
	Interrupts() <-chan struct{}
}

// DeviceState is reported to the owning driver around flash operations so it
// can quiesce input handling.
type DeviceState int

const (
	StateUnknown DeviceState = iota
	StateInit
	StateFlash
)

func (s DeviceState) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateFlash:
		return "flash"
	}
	return "unknown"
}

// Host receives lifecycle signals from the flash engine and resolves named
// firmware images from persistent storage.
type Host interface {
	SetState(state DeviceState)

	// NotifyReady tells the owning driver the device is back from a flash
	// operation and input processing may resume.
	NotifyReady(ready bool)

	// KeepAwake holds (true) or releases (false) a suspend blocker for the
	// duration of a flash session. A system suspend mid-write bricks the
	// controller.
	KeepAwake(hold bool)

	// RequestFirmware loads a named firmware image blob.
	RequestFirmware(name string) ([]byte, error)
}

// NopHost is a Host that ignores lifecycle signals and has no image storage.
type NopHost struct{}

func (NopHost) SetState(DeviceState) {}
func (NopHost) NotifyReady(bool)     {}
func (NopHost) KeepAwake(bool)       {}

func (NopHost) RequestFirmware(name string) ([]byte, error) {
	return nil, ErrNoFirmware
}
