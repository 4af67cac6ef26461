package firmware

import "fmt"

// Legacy header layout (versions 0x05 and 0x06). All multi-byte fields are
// little endian. The flashable payload starts at imageAreaOffset, preceded
// by the lockdown block.
const (
	legacyOffChecksum       = 0x00
	legacyOffOptions        = 0x06
	legacyOffHeaderVersion  = 0x07
	legacyOffFirmwareSize   = 0x08
	legacyOffConfigSize     = 0x0c
	legacyOffProductID      = 0x10
	legacyOffBootloaderSize = 0x24
	legacyOffUnion          = 0x40
	legacyOffDispCfgSize    = 0x44
	legacyOffFirmwareID     = 0x50

	legacyOptFirmwareID = 1 << 0
	legacyOptBootloader = 1 << 1
	legacyOptGuestCode  = 1 << 2
	legacyOptTDDI       = 1 << 3
)

func decodeLegacy(buf []byte) (*Image, error) {
	if len(buf) < imageAreaOffset {
		return nil, fmt.Errorf("%w: %d bytes, need at least %d for a legacy header", ErrTruncated, len(buf), imageAreaOffset)
	}

	img := &Image{
		Format:        FormatLegacy,
		HeaderVersion: buf[legacyOffHeaderVersion],
		Checksum:      leUint32(buf[legacyOffChecksum:]),
	}
	// For the legacy formats the header version doubles as the bootloader
	// protocol generation the image targets.
	img.BootloaderVersion = img.HeaderVersion

	options := buf[legacyOffOptions]

	img.HasBootloader = options&legacyOptBootloader != 0
	if img.HasBootloader {
		img.BootloaderSize = leUint32(buf[legacyOffBootloaderSize:])
	}

	fwStart := uint32(imageAreaOffset)
	if img.HasBootloader {
		fwStart += img.BootloaderSize
	}
	tddi := options&legacyOptTDDI != 0
	if img.HeaderVersion == HeaderVersion06 && tddi {
		// TDDI parts keep the bootloader in a separate flash, so the
		// firmware starts right at the image area.
		fwStart = imageAreaOffset
	}

	fwSize := leUint32(buf[legacyOffFirmwareSize:])
	if fwSize > 0 {
		data, err := view(buf, fwStart, fwSize)
		if err != nil {
			return nil, fmt.Errorf("ui firmware: %w", err)
		}
		img.UIFirmware = Block{Data: data}
	}

	cfgSize := leUint32(buf[legacyOffConfigSize:])
	if cfgSize > 0 {
		data, err := view(buf, fwStart+fwSize, cfgSize)
		if err != nil {
			return nil, fmt.Errorf("ui config: %w", err)
		}
		img.UIConfig = Block{Data: data}
	}

	// The bytes at 0x40 are either a display config pointer or a customer
	// product ID, depending on whether the image carries display data.
	img.HasDispConfig = img.HasBootloader || tddi
	if img.HasDispConfig {
		dispOff := leUint32(buf[legacyOffUnion:])
		dispSize := leUint32(buf[legacyOffDispCfgSize:])
		data, err := view(buf, dispOff, dispSize)
		if err != nil {
			return nil, fmt.Errorf("display config: %w", err)
		}
		img.DispConfig = Block{Data: data}
	} else {
		img.CustomerProductID = productString(buf[legacyOffUnion : legacyOffUnion+productIDSize])
	}

	if options&legacyOptFirmwareID != 0 {
		img.HasFirmwareID = true
		img.FirmwareID = leUint32(buf[legacyOffFirmwareID:])
	}

	img.ProductID = productString(buf[legacyOffProductID : legacyOffProductID+productIDSize])
	img.Lockdown = Block{Data: buf[imageAreaOffset-lockdownSize : imageAreaOffset]}

	return img, nil
}

// productString trims a fixed-width product ID field at the first NUL.
func productString(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}
