package flash

import (
	"io"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/touchtron/touchflash/regbus"
)

type regWrite struct {
	addr uint16
	data []byte
}

// fakeDevice is a scripted register map. Reads return whatever was staged
// at the address, zero-filled out to the requested count; writes are
// recorded in order and optionally fed to a hook that can restage
// registers or raise interrupts.
type fakeDevice struct {
	regs    map[uint16][]byte
	writes  []regWrite
	resets  int
	irqOn   bool
	intr    chan struct{}
	onWrite func(d *fakeDevice, addr uint16, data []byte)
	onReset func(d *fakeDevice)
}

func newFakeDevice() *fakeDevice {
	return &fakeDevice{
		regs: make(map[uint16][]byte),
		intr: make(chan struct{}, 8),
	}
}

func (d *fakeDevice) stage(addr uint16, data ...byte) {
	d.regs[addr] = data
}

func (d *fakeDevice) RegRead(addr uint16, count int) ([]byte, error) {
	out := make([]byte, count)
	copy(out, d.regs[addr])
	return out, nil
}

func (d *fakeDevice) RegWrite(addr uint16, data []byte) error {
	cp := append([]byte(nil), data...)
	d.writes = append(d.writes, regWrite{addr: addr, data: cp})
	if d.onWrite != nil {
		d.onWrite(d, addr, cp)
	}
	return nil
}

func (d *fakeDevice) Reset() error {
	d.resets++
	if d.onReset != nil {
		d.onReset(d)
	}
	return nil
}

func (d *fakeDevice) EnableIRQ(enable bool) error {
	d.irqOn = enable
	return nil
}

func (d *fakeDevice) Interrupts() <-chan struct{} {
	return d.intr
}

func testLog() *log.Entry {
	l := log.New()
	l.SetOutput(io.Discard)
	return log.NewEntry(l)
}

// newTestSession builds a session around a fake device with a fixed
// descriptor map and short timeouts so the status fallback path does not
// stall the tests. The interrupt status register is pre-staged with the
// flash source bit so waits complete on the first attention edge.
func newTestSession(dev *fakeDevice) *session {
	dev.stage(0x07, 0x01)
	return &session{
		f:    &Flasher{host: regbus.NopHost{}},
		dev:  dev,
		log:  testLog(),
		comp: regbus.NewCompletion(),
		desc: &descMap{
			core:     funcDesc{queryBase: 0x40, ctrlBase: 0x36, dataBase: 0x06},
			flash:    funcDesc{queryBase: 0x60, ctrlBase: 0x50, dataBase: 0x10},
			micro:    funcDesc{ctrlBase: 0x80, dataBase: 0x90},
			hasCore:  true,
			hasFlash: true,
			intrMask: 0x01,
		},
		enableWait: 5 * time.Millisecond,
		writeWait:  5 * time.Millisecond,
		eraseWait:  5 * time.Millisecond,
	}
}
