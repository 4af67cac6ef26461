package firmware

import "fmt"

// TDAT record IDs. A TDAT image is a format tag byte followed by packed
// records of {id:1, length:3 LE, payload}.
const (
	tdatRecordConfig   = 1
	tdatRecordFirmware = 2

	tdatConfigSubID = 0x0001
	tdatBuildIDSize = 3
)

func tdatLen(b []byte) uint32 {
	return uint32(b[1]) | uint32(b[2])<<8 | uint32(b[3])<<16
}

func decodeTDAT(buf []byte) (*Image, error) {
	size := uint32(len(buf))

	// First pass: the records must tile the buffer exactly. Anything short,
	// long or overlapping is rejected before any payload is touched.
	var offset uint32
	for offset = 1; offset < size; {
		if offset+4 > size {
			return nil, ErrMisaligned
		}
		length := tdatLen(buf[offset:])
		if offset+4+length > size {
			return nil, ErrMisaligned
		}
		offset += length + 4
	}
	if offset != size {
		return nil, ErrMisaligned
	}

	img := &Image{
		Format:        FormatTDAT,
		HeaderVersion: tdatFormatTag,
	}

	for offset = 1; offset < size; {
		id := buf[offset]
		length := tdatLen(buf[offset:])
		section := buf[offset+4 : offset+4+length]
		offset += length + 4

		switch id {
		case tdatRecordConfig:
			cfg, err := tdatConfigPayload(section)
			if err != nil {
				return nil, err
			}
			data, err := tdatSkipPreamble(cfg)
			if err != nil {
				return nil, err
			}
			img.UIConfig = Block{Data: data}

		case tdatRecordFirmware:
			if len(section) < 1+tdatBuildIDSize {
				return nil, fmt.Errorf("tdat firmware record: %w", ErrTruncated)
			}
			img.HasFirmwareID = true
			img.FirmwareID = uint32(section[1]) | uint32(section[2])<<8 | uint32(section[3])<<16
			data, err := tdatSkipPreamble(section)
			if err != nil {
				return nil, err
			}
			img.UIFirmware = Block{Data: data}
		}
	}

	return img, nil
}

// tdatConfigPayload finds the touch-config sub-record inside a config
// record. Sub-records are {id:2 LE, reserved:1, length:2 LE, payload}.
func tdatConfigPayload(section []byte) ([]byte, error) {
	var cfg []byte
	for off := 0; off < len(section); {
		if off+5 > len(section) {
			return nil, fmt.Errorf("tdat config sub-record: %w", ErrTruncated)
		}
		id := leUint16(section[off:])
		length := int(leUint16(section[off+3:]))
		if off+5+length > len(section) {
			return nil, fmt.Errorf("tdat config sub-record: %w", ErrTruncated)
		}
		if id == tdatConfigSubID {
			cfg = section[off+5 : off+5+length]
		}
		off += length + 5
	}
	if cfg == nil {
		return nil, fmt.Errorf("tdat config record has no touch config: %w", ErrTruncated)
	}
	return cfg, nil
}

// tdatSkipPreamble drops the per-section preamble: the first byte gives the
// number of bytes to skip after itself.
func tdatSkipPreamble(section []byte) ([]byte, error) {
	if len(section) == 0 {
		return nil, fmt.Errorf("tdat section preamble: %w", ErrTruncated)
	}
	skip := int(section[0]) + 1
	if skip > len(section) {
		return nil, fmt.Errorf("tdat section preamble: %w", ErrTruncated)
	}
	return section[skip:], nil
}
