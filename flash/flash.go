// Package flash reprograms the external flash of a touch controller through
// its register-mapped bootloader. It covers the descriptor scan, the
// version-specific bootloader command protocols (v5 through v8), the reflash
// orchestration with its go/no-go decision, and the microloader recovery
// path for parts whose bootloader itself is gone.
package flash

import "time"

// BLVersion is the bootloader protocol generation of the device.
type BLVersion uint8

const (
	BL_V5 BLVersion = 5
	BL_V6 BLVersion = 6
	BL_V7 BLVersion = 7
	BL_V8 BLVersion = 8
)

// ConfigArea selects which configuration partition an operation targets.
type ConfigArea uint8

const (
	UIConfigArea ConfigArea = iota
	PermConfigArea
	BLConfigArea
	DispConfigArea
	FlashConfigArea
)

func (a ConfigArea) String() string {
	switch a {
	case UIConfigArea:
		return "ui"
	case PermConfigArea:
		return "permanent"
	case BLConfigArea:
		return "bootloader"
	case DispConfigArea:
		return "display"
	case FlashConfigArea:
		return "flash"
	}
	return "unknown"
}

// Generic command set of the orchestrator. Each driver maps these onto its
// own wire encoding.
type flashCommand uint8

const (
	cmdIdle flashCommand = iota
	cmdWriteFW
	cmdWriteConfig
	cmdWriteLockdown
	cmdWriteGuestCode
	cmdReadConfig
	cmdEraseAll
	cmdEraseUIFirmware
	cmdEraseUIConfig
	cmdEraseBLConfig
	cmdEraseDispConfig
	cmdEraseFlashConfig
	cmdEraseGuestCode
	cmdEnableFlashProg
)

// v5/v6 wire command values.
const (
	CMD_V5V6_IDLE              = 0x0
	CMD_V5V6_WRITE_FW          = 0x2
	CMD_V5V6_ERASE_ALL         = 0x3
	CMD_V5V6_WRITE_LOCKDOWN    = 0x4
	CMD_V5V6_READ_CONFIG       = 0x5
	CMD_V5V6_WRITE_CONFIG      = 0x6
	CMD_V5V6_ERASE_UI_CONFIG   = 0x7
	CMD_V5V6_ERASE_BL_CONFIG   = 0x9
	CMD_V5V6_ERASE_DISP_CONFIG = 0xa
	CMD_V5V6_ERASE_GUEST_CODE  = 0xb
	CMD_V5V6_WRITE_GUEST_CODE  = 0xc
	CMD_V5V6_ENABLE_FLASH_PROG = 0xf
)

// v7/v8 wire command values.
const (
	CMD_V7_IDLE      = 0x00
	CMD_V7_ENTER_BL  = 0x01
	CMD_V7_READ      = 0x02
	CMD_V7_WRITE     = 0x03
	CMD_V7_ERASE     = 0x04
	CMD_V7_ERASE_AP  = 0x05
	CMD_V7_SENSOR_ID = 0x06
)

// v7/v8 partition identifiers.
const (
	BOOTLOADER_PARTITION          = 0x01
	DEVICE_CONFIG_PARTITION       = 0x02
	FLASH_CONFIG_PARTITION        = 0x03
	MANUFACTURING_BLOCK_PARTITION = 0x04
	GUEST_SERIALIZATION_PARTITION = 0x05
	GLOBAL_PARAMETERS_PARTITION   = 0x06
	CORE_CODE_PARTITION           = 0x07
	CORE_CONFIG_PARTITION         = 0x08
	GUEST_CODE_PARTITION          = 0x09
	DISPLAY_CONFIG_PARTITION      = 0x0a
)

// v7/v8 flash status codes.
const (
	STATUS_SUCCESS                = 0x00
	STATUS_NOT_IN_BL_MODE         = 0x01
	STATUS_INVALID_PARTITION      = 0x02
	STATUS_INVALID_COMMAND        = 0x03
	STATUS_INVALID_BLOCK_OFFSET   = 0x04
	STATUS_INVALID_TRANSFER       = 0x05
	STATUS_NOT_ERASED             = 0x06
	STATUS_KEY_INCORRECT          = 0x07
	STATUS_BAD_PARTITION_TABLE    = 0x08
	STATUS_CHECKSUM_FAILED        = 0x09
	STATUS_FLASH_HARDWARE_FAILURE = 0x1f
)

// Query/data register offsets, filled in per protocol version once the
// device has been queried.
type regOffsets struct {
	properties     uint16
	properties2    uint16
	blockSize      uint16
	blockCount     uint16
	gcBlockCount   uint16
	flashStatus    uint16
	partitionID    uint16
	blockNumber    uint16
	transferLength uint16
	flashCmd       uint16
	payload        uint16
}

const (
	v5v6BootloaderIDOffset = 0
	v5v6ConfigIDSize       = 4

	v5PropertiesOffset  = 2
	v5BlockSizeOffset   = 3
	v5BlockCountOffset  = 5
	v5BlockNumberOffset = 0
	v5BlockDataOffset   = 2

	v6PropertiesOffset          = 1
	v6BlockSizeOffset           = 2
	v6BlockCountOffset          = 3
	v6Properties2Offset         = 4
	v6GuestCodeBlockCountOffset = 5
	v6BlockNumberOffset         = 0
	v6BlockDataOffset           = 1
	v6FlashCommandOffset        = 2
	v6FlashStatusOffset         = 3

	v7ConfigIDSize = 32

	v7FlashStatusOffset    = 0
	v7PartitionIDOffset    = 1
	v7BlockNumberOffset    = 2
	v7TransferLengthOffset = 3
	v7CommandOffset        = 4
	v7PayloadOffset        = 5

	v7PartitionSupportBytes = 4
)

// Flash page size assumed for v7/v8 transfer chunking.
const flashPageSize = 4096

// Block counts reported by the device, per partition.
type blockCounts struct {
	uiFirmware uint16
	uiConfig   uint16
	dpConfig   uint16
	flConfig   uint16
	pmConfig   uint16
	blConfig   uint16
	lockdown   uint16
	guestCode  uint16
}

// Physical start addresses from the partition table. Only the partitions
// whose placement matters for the layout comparison are tracked.
type physAddrs struct {
	uiFirmware uint16
	uiConfig   uint16
	dpConfig   uint16
	guestCode  uint16
}

type flashProps struct {
	unlocked      bool
	hasConfigID   bool
	hasPermConfig bool
	hasBLConfig   bool
	hasDispConfig bool
	hasQuery4     bool
}

// Operation timeouts and settle delays.
const (
	enableWait = 1 * time.Second
	writeWait  = 3 * time.Second
	eraseWait  = 5 * time.Second

	enterFlashProgSettle = 20 * time.Millisecond
	irqDisableSettle     = 20 * time.Millisecond

	recoveryEraseSettle = 3 * time.Second
	recoveryResetSettle = 250 * time.Millisecond
)
