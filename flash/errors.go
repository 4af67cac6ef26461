package flash

import (
	"errors"
	"fmt"
)

var (
	// ErrNoFlashFunction reports a descriptor scan that found neither the
	// flash engine nor the microloader.
	ErrNoFlashFunction = errors.New("no flash function found in descriptor table")

	// ErrRecoveryMode reports a device running only the microloader. Normal
	// flash operations are impossible; only Recover applies.
	ErrRecoveryMode = errors.New("device is in microloader recovery mode")

	// ErrNotRecoveryMode is returned by Recover when the device is running
	// its regular firmware or bootloader.
	ErrNotRecoveryMode = errors.New("device is not in microloader recovery mode")

	// ErrNotInBootloader reports a failed transition into flash programming
	// mode.
	ErrNotInBootloader = errors.New("device did not enter bootloader mode")

	// ErrBootloaderMismatch reports an image built for a different
	// bootloader generation than the device runs.
	ErrBootloaderMismatch = errors.New("image and device bootloader versions differ")

	// ErrPartitionMismatch reports an image whose partition layout differs
	// from the device's. Reflashing it rewrites the partition table, so it
	// is refused unless forced.
	ErrPartitionMismatch = errors.New("image partition layout differs from device")

	// ErrNoFlashConfig reports a v7/v8 image without a flash config block.
	ErrNoFlashConfig = errors.New("no flash config in firmware image")

	// ErrGuestCodeUnsupported reports a guest code operation against a
	// device without a guest code partition.
	ErrGuestCodeUnsupported = errors.New("guest code not supported by device")

	// ErrNoGuestCode reports a guest code operation with an image that
	// carries none.
	ErrNoGuestCode = errors.New("no guest code in firmware image")

	// ErrAreaUnsupported reports a config operation against an area the
	// device does not expose.
	ErrAreaUnsupported = errors.New("config area not supported by device")
)

// SizeMismatchError reports an image block whose size does not match the
// partition geometry the device advertises, either in block count or by
// not being a whole number of blocks.
type SizeMismatchError struct {
	Area         string
	ImageBytes   int
	BlockSize    int
	DeviceBlocks int
}

func (e *SizeMismatchError) Error() string {
	return fmt.Sprintf("%s size mismatch: image has %d bytes, device expects %d blocks of %d",
		e.Area, e.ImageBytes, e.DeviceBlocks, e.BlockSize)
}

// ProtocolError reports a nonzero flash status after a command completed.
type ProtocolError struct {
	Op     string
	Status uint8
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("%s: flash status 0x%02x (%s)", e.Op, e.Status, statusText(e.Status))
}

func statusText(status uint8) string {
	switch status {
	case STATUS_SUCCESS:
		return "success"
	case STATUS_NOT_IN_BL_MODE:
		return "device not in bootloader mode"
	case STATUS_INVALID_PARTITION:
		return "invalid partition"
	case STATUS_INVALID_COMMAND:
		return "invalid command"
	case STATUS_INVALID_BLOCK_OFFSET:
		return "invalid block offset"
	case STATUS_INVALID_TRANSFER:
		return "invalid transfer"
	case STATUS_NOT_ERASED:
		return "not erased"
	case STATUS_KEY_INCORRECT:
		return "programming key incorrect"
	case STATUS_BAD_PARTITION_TABLE:
		return "bad partition table"
	case STATUS_CHECKSUM_FAILED:
		return "checksum failed"
	case STATUS_FLASH_HARDWARE_FAILURE:
		return "flash hardware failure"
	}
	return "unknown"
}

// RecoveryError reports a nonzero microloader status byte.
type RecoveryError struct {
	Status uint8
}

func (e *RecoveryError) Error() string {
	return fmt.Sprintf("microloader reported status 0x%02x", e.Status)
}
