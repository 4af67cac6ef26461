package flash

import (
	"fmt"

	"github.com/touchtron/touchflash/regbus"
)

// Descriptor table layout. Fixed 6-byte entries are walked downward from
// descTableStart; a zero function ID terminates the table.
const (
	descTableStart = 0x00e9
	descTableEnd   = 0x00c0
	descEntrySize  = 6

	fnCoreControl = 0x01
	fnFlash       = 0x34
	fnMicroloader = 0x35
)

// funcDesc is one decoded descriptor table entry.
type funcDesc struct {
	queryBase uint16
	cmdBase   uint16
	ctrlBase  uint16
	dataBase  uint16
	intrCount uint8
	version   uint8
	number    uint8
}

func decodeFuncDesc(b []byte) funcDesc {
	return funcDesc{
		queryBase: uint16(b[0]),
		cmdBase:   uint16(b[1]),
		ctrlBase:  uint16(b[2]),
		dataBase:  uint16(b[3]),
		intrCount: b[4] & 0x07,
		version:   (b[4] >> 5) & 0x03,
		number:    b[5],
	}
}

// descMap is the outcome of a descriptor table scan: the functions the
// engine cares about and the bootloader generation implied by the flash
// function's version field.
type descMap struct {
	core  funcDesc
	flash funcDesc
	micro funcDesc

	hasCore  bool
	hasFlash bool
	hasMicro bool

	blVersion BLVersion
	intrMask  uint8
}

// microloaderMode reports a table exposing only the microloader. The part
// has no usable bootloader and accepts nothing but the recovery protocol.
func (m *descMap) microloaderMode() bool {
	return m.hasMicro && !(m.hasCore && m.hasFlash)
}

// scanDescriptors walks the descriptor table and locates the core control,
// flash and microloader functions. A microloader-only table is a valid
// outcome; a table with neither flash nor microloader is not.
func scanDescriptors(t regbus.Transport) (*descMap, error) {
	m := &descMap{}
	intrCount := uint8(0)

	for addr := uint16(descTableStart); addr > descTableEnd; addr -= descEntrySize {
		b, err := t.RegRead(addr, descEntrySize)
		if err != nil {
			return nil, fmt.Errorf("read descriptor at %#04x: %w", addr, err)
		}

		fd := decodeFuncDesc(b)
		if fd.number == 0 {
			break
		}

		switch fd.number {
		case fnCoreControl:
			m.hasCore = true
			m.core = fd
		case fnFlash:
			m.hasFlash = true
			m.flash = fd

			switch fd.version {
			case 0:
				m.blVersion = BL_V5
			case 1:
				m.blVersion = BL_V6
			case 2:
				m.blVersion = BL_V7
			default:
				return nil, fmt.Errorf("unrecognized flash function version %d", fd.version)
			}

			m.intrMask = 0
			intrOff := intrCount % 8
			for i := intrOff; i < fd.intrCount+intrOff; i++ {
				m.intrMask |= 1 << i
			}
		case fnMicroloader:
			m.hasMicro = true
			m.micro = fd
		}

		intrCount += fd.intrCount
	}

	if !m.hasCore || !m.hasFlash {
		if !m.hasMicro {
			return nil, ErrNoFlashFunction
		}
	}

	return m, nil
}
