package serialbridge

import (
	"errors"
	"fmt"
	"io"

	"github.com/sigurn/crc16"
)

// Wire framing for the register bridge MCU. Every frame is
//
//	0xa5 | opcode | addr LE16 | length LE16 | payload | crc LE16
//
// with the CRC (CCITT-FALSE) computed over everything after the start
// byte. The bridge echoes the opcode in its response; response payloads
// open with a status byte. Event frames are unsolicited and carry no
// payload.
const (
	frameStart = 0xa5

	opRead      = 0x01
	opWrite     = 0x02
	opReset     = 0x03
	opIRQEnable = 0x04
	opEvent     = 0x05

	frameHeaderSize = 5
)

var crcTable = crc16.MakeTable(crc16.CRC16_CCITT_FALSE)

var ErrBadCRC = errors.New("frame CRC mismatch")

// BridgeError is a non-zero status byte in a bridge response.
type BridgeError struct {
	Op     uint8
	Status uint8
}

func (e *BridgeError) Error() string {
	return fmt.Sprintf("bridge rejected opcode %#02x with status %#02x", e.Op, e.Status)
}

type frame struct {
	op      uint8
	addr    uint16
	length  uint16
	payload []byte
}

// encode serializes the frame. length is len(payload) except for read
// requests, where it is the register count and the payload is empty.
func (f *frame) encode() []byte {
	buf := make([]byte, 0, 1+frameHeaderSize+len(f.payload)+2)
	buf = append(buf, frameStart)
	buf = append(buf, f.op)
	buf = append(buf, uint8(f.addr), uint8(f.addr>>8))
	buf = append(buf, uint8(f.length), uint8(f.length>>8))
	buf = append(buf, f.payload...)

	crc := crc16.Checksum(buf[1:], crcTable)
	buf = append(buf, uint8(crc), uint8(crc>>8))

	return buf
}

// readFrame scans the stream for the next start byte and decodes one
// frame. Garbage between frames is discarded byte by byte, which also
// resynchronizes the stream after a corrupted frame.
func readFrame(r io.Reader) (*frame, error) {
	b := make([]byte, 1)
	for {
		if _, err := io.ReadFull(r, b); err != nil {
			return nil, err
		}
		if b[0] == frameStart {
			break
		}
	}

	header := make([]byte, frameHeaderSize)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, fmt.Errorf("read frame header: %w", err)
	}

	f := &frame{
		op:     header[0],
		addr:   uint16(header[1]) | uint16(header[2])<<8,
		length: uint16(header[3]) | uint16(header[4])<<8,
	}

	// Only responses and events arrive here; their payload length always
	// matches the length field.
	f.payload = make([]byte, f.length)
	if _, err := io.ReadFull(r, f.payload); err != nil {
		return nil, fmt.Errorf("read frame payload: %w", err)
	}

	crcBytes := make([]byte, 2)
	if _, err := io.ReadFull(r, crcBytes); err != nil {
		return nil, fmt.Errorf("read frame CRC: %w", err)
	}
	got := uint16(crcBytes[0]) | uint16(crcBytes[1])<<8

	crc := crc16.Init(crcTable)
	crc = crc16.Update(crc, header, crcTable)
	crc = crc16.Update(crc, f.payload, crcTable)
	crc = crc16.Complete(crc, crcTable)
	if got != crc {
		return nil, fmt.Errorf("%w: got %#04x, computed %#04x", ErrBadCRC, got, crc)
	}

	return f, nil
}
