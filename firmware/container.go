package firmware

import "fmt"

// Container IDs used by the version 0x10 format. The image is a tree of
// 32-byte descriptors; the top-level content is a list of 4-byte addresses
// of child descriptors.
const (
	containerTopLevel           = 0x00
	containerUI                 = 0x01
	containerUIConfig           = 0x02
	containerBL                 = 0x03
	containerBLImage            = 0x04
	containerBLConfig           = 0x05
	containerBLLockdownInfo     = 0x06
	containerPermanentConfig    = 0x07
	containerGuestCode          = 0x08
	containerBLProtocol         = 0x09
	containerUIProtocol         = 0x0a
	containerRMISelfDiscovery   = 0x0b
	containerRMIPageContent     = 0x0c
	containerGeneralInformation = 0x0d
	containerDeviceConfig       = 0x0e
	containerFlashConfig        = 0x0f
	containerGuestSerialization = 0x10
	containerGlobalParameters   = 0x11
	containerCoreCode           = 0x12
	containerCoreConfig         = 0x13
	containerDisplayConfig      = 0x14
)

const (
	containerOffTopLevelAddr = 0x0c
	descriptorSize           = 32
	descriptorOffID          = 4
	descriptorOffContentLen  = 24
	descriptorOffContentAddr = 28
)

// containerDesc is the decoded form of one 32-byte descriptor.
type containerDesc struct {
	id      uint16
	content []byte
}

func readDescriptor(buf []byte, addr uint32) (containerDesc, error) {
	d, err := view(buf, addr, descriptorSize)
	if err != nil {
		return containerDesc{}, fmt.Errorf("container descriptor at %#x: %w", addr, err)
	}

	content, err := view(buf, leUint32(d[descriptorOffContentAddr:]), leUint32(d[descriptorOffContentLen:]))
	if err != nil {
		return containerDesc{}, fmt.Errorf("container content at %#x: %w", addr, err)
	}

	return containerDesc{
		id:      leUint16(d[descriptorOffID:]),
		content: content,
	}, nil
}

func decodeContainer(buf []byte) (*Image, error) {
	if len(buf) < containerOffTopLevelAddr+4 {
		return nil, ErrTruncated
	}

	img := &Image{
		Format:        FormatContainer,
		HeaderVersion: HeaderVersion10,
		Checksum:      leUint32(buf),
	}

	top, err := readDescriptor(buf, leUint32(buf[containerOffTopLevelAddr:]))
	if err != nil {
		return nil, err
	}

	// Top-level content is a flat list of child descriptor addresses.
	for off := 0; off+4 <= len(top.content); off += 4 {
		child, err := readDescriptor(buf, leUint32(top.content[off:]))
		if err != nil {
			return nil, err
		}

		switch child.id {
		case containerUI, containerCoreCode:
			img.UIFirmware = Block{Data: child.content}
		case containerUIConfig, containerCoreConfig:
			img.UIConfig = Block{Data: child.content}
		case containerBL:
			if len(child.content) < 4 {
				return nil, fmt.Errorf("bootloader container: %w", ErrTruncated)
			}
			img.BootloaderVersion = child.content[0]
			img.HasBootloader = true
			img.Bootloader = Block{Data: child.content}
			img.BootloaderSize = uint32(len(child.content))
			if err := decodeBLContainer(buf, img, child.content); err != nil {
				return nil, err
			}
		case containerGuestCode:
			img.HasGuestCode = true
			img.GuestCode = Block{Data: child.content}
		case containerDisplayConfig:
			img.HasDispConfig = true
			img.DispConfig = Block{Data: child.content}
		case containerFlashConfig:
			img.HasFlashConfig = true
			img.FlashConfig = Block{Data: child.content}
		case containerGeneralInformation:
			if len(child.content) < 8 {
				return nil, fmt.Errorf("general information container: %w", ErrTruncated)
			}
			img.HasFirmwareID = true
			img.FirmwareID = leUint32(child.content[4:])
		}
	}

	return img, nil
}

// decodeBLContainer walks the descriptor list nested inside the bootloader
// container. Its first 4 bytes are the bootloader version word; the rest is
// a list of child descriptor addresses.
func decodeBLContainer(buf []byte, img *Image, content []byte) error {
	n := (len(content) - 4) / 4

	for i := 1; i <= n; i++ {
		child, err := readDescriptor(buf, leUint32(content[i*4:]))
		if err != nil {
			return err
		}

		switch child.id {
		case containerBLConfig, containerGlobalParameters:
			img.BLConfig = Block{Data: child.content}
		case containerBLLockdownInfo, containerDeviceConfig:
			img.Lockdown = Block{Data: child.content}
		}
	}

	return nil
}
