// Package firmware decodes touch-controller firmware image files into block
// references. Three container formats are in circulation: the fixed-layout
// legacy header (versions 0x05/0x06), the container-tree header (0x10), and
// the flat TDAT record stream. Decoding is pure byte-buffer work; validation
// against live device geometry (block size, partition layout) happens later
// in the flash engine once the device has been queried.
package firmware

import (
	"errors"
	"fmt"
)

const (
	HeaderVersion05 = 0x05
	HeaderVersion06 = 0x06
	HeaderVersion10 = 0x10

	tdatFormatTag = 0x31

	imageAreaOffset = 0x100
	lockdownSize    = 0x50
	productIDSize   = 10
)

var (
	// ErrMisaligned reports a TDAT record stream whose records do not tile
	// the buffer exactly (truncated, overlapping or trailing bytes).
	ErrMisaligned = errors.New("tdat records misaligned with image size")

	// ErrTruncated reports an image too short for its declared layout.
	ErrTruncated = errors.New("image truncated")
)

// UnsupportedFormatError reports an image whose header discriminant matches
// no known container format.
type UnsupportedFormatError struct {
	Version uint8
}

func (e *UnsupportedFormatError) Error() string {
	return fmt.Sprintf("unsupported image file format (0x%02x)", e.Version)
}

// Format identifies which container format an image was decoded from.
type Format int

const (
	FormatLegacy Format = iota
	FormatContainer
	FormatTDAT
)

func (f Format) String() string {
	switch f {
	case FormatLegacy:
		return "legacy"
	case FormatContainer:
		return "container"
	case FormatTDAT:
		return "tdat"
	}
	return "unknown"
}

// Block is a reference to one flashable area inside the image buffer. The
// bytes are a view into the decoded buffer, never a copy.
type Block struct {
	Data []byte
}

func (b Block) Present() bool { return b.Data != nil }

func (b Block) Size() int { return len(b.Data) }

// Image is the decoded, immutable view of a firmware file.
type Image struct {
	Format        Format
	HeaderVersion uint8
	Checksum      uint32

	// BootloaderVersion is the bootloader protocol generation this image
	// was built for (legacy and container formats only).
	BootloaderVersion uint8

	HasFirmwareID  bool
	FirmwareID     uint32
	HasBootloader  bool
	BootloaderSize uint32
	HasDispConfig  bool
	HasGuestCode   bool
	HasFlashConfig bool

	ProductID         string
	CustomerProductID string

	Bootloader  Block
	UIFirmware  Block
	UIConfig    Block
	DispConfig  Block
	FlashConfig Block
	BLConfig    Block
	GuestCode   Block
	Lockdown    Block
}

func (img *Image) String() string {
	return fmt.Sprintf("format %s, header 0x%02x, fw %d bytes, config %d bytes, firmware ID %#x",
		img.Format, img.HeaderVersion, img.UIFirmware.Size(), img.UIConfig.Size(), img.FirmwareID)
}

// Decode parses a raw firmware file. The returned Image references buf; the
// caller must not mutate it afterwards.
func Decode(buf []byte) (*Image, error) {
	if len(buf) == 0 {
		return nil, ErrTruncated
	}

	if buf[0] == tdatFormatTag {
		return decodeTDAT(buf)
	}

	if len(buf) < 8 {
		return nil, ErrTruncated
	}

	switch buf[7] {
	case HeaderVersion05, HeaderVersion06:
		return decodeLegacy(buf)
	case HeaderVersion10:
		return decodeContainer(buf)
	default:
		return nil, &UnsupportedFormatError{Version: buf[7]}
	}
}

func leUint32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

func leUint16(b []byte) uint16 {
	return uint16(b[0]) | uint16(b[1])<<8
}

// view bounds-checks a subslice of the image buffer. The formats carry
// untrusted offsets; every indirection goes through here.
func view(buf []byte, off, length uint32) ([]byte, error) {
	end := uint64(off) + uint64(length)
	if end > uint64(len(buf)) {
		return nil, fmt.Errorf("%w: range [%#x, %#x) beyond %d bytes", ErrTruncated, off, end, len(buf))
	}
	return buf[off:end], nil
}
