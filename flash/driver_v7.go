package flash

import (
	"fmt"
	"math/bits"

	log "github.com/sirupsen/logrus"
)

// v7Driver speaks the partition-based bootloader protocol used by the v7
// and v8 generations. Transfers are chunked multi-block transactions
// against an explicitly selected partition; erase and mode-change commands
// go out as a single 8-byte frame carrying the bootloader ID.
type v7Driver struct {
	s   *session
	off regOffsets
}

func (d *v7Driver) readQueries() error {
	s := d.s
	base := s.desc.flash.queryBase

	q0, err := s.dev.RegRead(base, 1)
	if err != nil {
		return fmt.Errorf("read query 0: %w", err)
	}

	// Query 0 describes its own subpacket size; queries 1-7 follow it.
	offset := uint16(q0[0]&0x07) + 1

	q, err := s.dev.RegRead(base+offset, 21)
	if err != nil {
		return fmt.Errorf("read queries 1-7: %w", err)
	}

	s.bootloaderID[0] = q[0] // minor revision
	s.bootloaderID[1] = q[1] // major revision

	if s.bootloaderID[1] == uint8(BL_V8) {
		s.blVersion = BL_V8
	}

	s.blockSize = uint16(q[7]) | uint16(q[8])<<8
	s.flashConfigLength = uint16(q[13]) | uint16(q[14])<<8
	s.payloadLength = uint16(q[15]) | uint16(q[16])<<8

	d.off.flashStatus = v7FlashStatusOffset
	d.off.partitionID = v7PartitionIDOffset
	d.off.blockNumber = v7BlockNumberOffset
	d.off.transferLength = v7TransferLengthOffset
	d.off.flashCmd = v7CommandOffset
	d.off.payload = v7PayloadOffset

	// Query 7 is the supported-partition bitmap; a handful of its bits are
	// also meaningful as feature flags.
	s.props = flashProps{
		hasPermConfig: q[17]&0x20 != 0, // guest serialization
		hasBLConfig:   q[17]&0x40 != 0, // global parameters
		hasDispConfig: q[18]&0x04 != 0,
		hasConfigID:   true,
	}
	s.hasGuestCode = q[18]&0x02 != 0

	s.partitions = 0
	for i := 0; i < v7PartitionSupportBytes; i++ {
		s.partitions += bits.OnesCount8(q[17+i])
	}
	s.partitionTableBytes = s.partitions*8 + 2

	table, err := d.readPartitionTable()
	if err != nil {
		return fmt.Errorf("read partition table: %w", err)
	}
	s.blkCount, s.physAddr = parsePartitionTable(table, s.partitions)

	s.log.WithFields(log.Fields{
		"bl_version": s.blVersion,
		"block_size": s.blockSize,
		"partitions": s.partitions,
	}).Debug("bootloader queried")

	return nil
}

// readPartitionTable pulls the live partition table out of the flash
// config partition.
func (d *v7Driver) readPartitionTable() ([]byte, error) {
	s := d.s
	base := s.desc.flash.dataBase

	s.configArea = FlashConfigArea
	if err := d.writePartition(cmdReadConfig); err != nil {
		return nil, err
	}

	if err := s.dev.RegWrite(base+d.off.blockNumber, []byte{0, 0}); err != nil {
		return nil, fmt.Errorf("write block number: %w", err)
	}

	length := []byte{uint8(s.flashConfigLength), uint8(s.flashConfigLength >> 8)}
	if err := s.dev.RegWrite(base+d.off.transferLength, length); err != nil {
		return nil, fmt.Errorf("write transfer length: %w", err)
	}

	if err := d.writeCommand(cmdReadConfig); err != nil {
		return nil, err
	}

	if err := s.waitForIdle(s.writeWait); err != nil {
		return nil, err
	}

	return s.dev.RegRead(base+d.off.payload, s.partitionTableBytes)
}

// parsePartitionTable decodes 8-byte partition entries: id in the low five
// bits of byte 0, block count LE16 at byte 2, physical address LE16 at
// byte 4.
func parsePartitionTable(table []byte, partitions int) (blockCounts, physAddrs) {
	var bc blockCounts
	var pa physAddrs

	for i := 0; i < partitions; i++ {
		index := i*8 + 2
		if index+8 > len(table) {
			break
		}
		entry := table[index : index+8]

		id := entry[0] & 0x1f
		length := uint16(entry[2]) | uint16(entry[3])<<8
		addr := uint16(entry[4]) | uint16(entry[5])<<8

		switch id {
		case CORE_CODE_PARTITION:
			bc.uiFirmware = length
			pa.uiFirmware = addr
		case CORE_CONFIG_PARTITION:
			bc.uiConfig = length
			pa.uiConfig = addr
		case DISPLAY_CONFIG_PARTITION:
			bc.dpConfig = length
			pa.dpConfig = addr
		case FLASH_CONFIG_PARTITION:
			bc.flConfig = length
		case GUEST_CODE_PARTITION:
			bc.guestCode = length
			pa.guestCode = addr
		case GUEST_SERIALIZATION_PARTITION:
			bc.pmConfig = length
		case GLOBAL_PARAMETERS_PARTITION:
			bc.blConfig = length
		case DEVICE_CONFIG_PARTITION:
			bc.lockdown = length
		}
	}

	return bc, pa
}

func (d *v7Driver) wireCommand(cmd flashCommand) (uint8, error) {
	switch cmd {
	case cmdIdle:
		return CMD_V7_IDLE, nil
	case cmdWriteFW, cmdWriteConfig, cmdWriteGuestCode, cmdWriteLockdown:
		return CMD_V7_WRITE, nil
	case cmdReadConfig:
		return CMD_V7_READ, nil
	case cmdEraseAll:
		return CMD_V7_ERASE_AP, nil
	case cmdEraseUIFirmware, cmdEraseUIConfig, cmdEraseBLConfig,
		cmdEraseDispConfig, cmdEraseFlashConfig, cmdEraseGuestCode:
		return CMD_V7_ERASE, nil
	case cmdEnableFlashProg:
		return CMD_V7_ENTER_BL, nil
	}
	return 0, fmt.Errorf("command %d not supported by v7 bootloader", cmd)
}

func (d *v7Driver) partitionFor(cmd flashCommand) (uint8, error) {
	switch cmd {
	case cmdWriteFW, cmdEraseAll, cmdEraseUIFirmware:
		return CORE_CODE_PARTITION, nil
	case cmdWriteConfig, cmdReadConfig:
		switch d.s.configArea {
		case UIConfigArea:
			return CORE_CONFIG_PARTITION, nil
		case DispConfigArea:
			return DISPLAY_CONFIG_PARTITION, nil
		case PermConfigArea:
			return GUEST_SERIALIZATION_PARTITION, nil
		case BLConfigArea:
			return GLOBAL_PARAMETERS_PARTITION, nil
		case FlashConfigArea:
			return FLASH_CONFIG_PARTITION, nil
		}
		return 0, fmt.Errorf("config area %d has no partition", d.s.configArea)
	case cmdWriteLockdown:
		return DEVICE_CONFIG_PARTITION, nil
	case cmdWriteGuestCode, cmdEraseGuestCode:
		return GUEST_CODE_PARTITION, nil
	case cmdEraseBLConfig:
		return GLOBAL_PARAMETERS_PARTITION, nil
	case cmdEraseUIConfig:
		return CORE_CONFIG_PARTITION, nil
	case cmdEraseDispConfig:
		return DISPLAY_CONFIG_PARTITION, nil
	case cmdEraseFlashConfig:
		return FLASH_CONFIG_PARTITION, nil
	case cmdEnableFlashProg:
		return BOOTLOADER_PARTITION, nil
	}
	return 0, fmt.Errorf("command %d has no partition", cmd)
}

// writeSingleTransaction issues an erase or mode-change command as one
// 8-byte frame: partition, block offset, transfer length, command and the
// bootloader ID as payload.
func (d *v7Driver) writeSingleTransaction(cmd flashCommand, command uint8) error {
	s := d.s

	partition, err := d.partitionFor(cmd)
	if err != nil {
		return err
	}

	frame := make([]byte, 8)
	frame[0] = partition
	frame[5] = command
	frame[6] = s.bootloaderID[0]
	frame[7] = s.bootloaderID[1]

	if err := s.dev.RegWrite(s.desc.flash.dataBase+d.off.partitionID, frame); err != nil {
		return fmt.Errorf("write single transaction command: %w", err)
	}

	return nil
}

func (d *v7Driver) writeCommand(cmd flashCommand) error {
	s := d.s

	command, err := d.wireCommand(cmd)
	if err != nil {
		return err
	}

	s.command = command

	switch cmd {
	case cmdEraseAll, cmdEraseUIFirmware, cmdEraseUIConfig, cmdEraseBLConfig,
		cmdEraseDispConfig, cmdEraseFlashConfig, cmdEraseGuestCode, cmdEnableFlashProg:
		return d.writeSingleTransaction(cmd, command)
	}

	if err := s.dev.RegWrite(s.desc.flash.dataBase+d.off.flashCmd, []byte{command}); err != nil {
		return fmt.Errorf("write command 0x%02x: %w", command, err)
	}

	return nil
}

func (d *v7Driver) writePartition(cmd flashCommand) error {
	s := d.s

	partition, err := d.partitionFor(cmd)
	if err != nil {
		return err
	}

	if err := s.dev.RegWrite(s.desc.flash.dataBase+d.off.partitionID, []byte{partition}); err != nil {
		return fmt.Errorf("write partition ID: %w", err)
	}

	return nil
}

// maxTransfer caps a transaction at the bootloader payload window or one
// flash page, whichever is smaller.
func (d *v7Driver) maxTransfer() int {
	perPage := flashPageSize / int(d.s.blockSize)
	if int(d.s.payloadLength) > perPage {
		return perPage
	}
	return int(d.s.payloadLength)
}

func (d *v7Driver) writeBlocks(data []byte, blockCount int, cmd flashCommand) error {
	s := d.s
	base := s.desc.flash.dataBase
	stage := stageName(cmd)

	if err := d.writePartition(cmd); err != nil {
		return err
	}

	if err := s.dev.RegWrite(base+d.off.blockNumber, []byte{0, 0}); err != nil {
		return fmt.Errorf("write block number: %w", err)
	}

	maxTransfer := d.maxTransfer()
	remaining := blockCount
	offset := 0

	for remaining > 0 {
		transfer := remaining
		if transfer > maxTransfer {
			transfer = maxTransfer
		}

		length := []byte{uint8(transfer), uint8(transfer >> 8)}
		if err := s.dev.RegWrite(base+d.off.transferLength, length); err != nil {
			return fmt.Errorf("write transfer length (%d blocks remaining): %w", remaining, err)
		}

		if err := d.writeCommand(cmd); err != nil {
			return fmt.Errorf("%d blocks remaining: %w", remaining, err)
		}

		chunk := data[offset : offset+transfer*int(s.blockSize)]
		if err := s.dev.RegWrite(base+d.off.payload, chunk); err != nil {
			return fmt.Errorf("write block data (%d blocks remaining): %w", remaining, err)
		}

		if err := s.waitForIdle(s.writeWait); err != nil {
			return fmt.Errorf("%d blocks remaining: %w", remaining, err)
		}

		offset += transfer * int(s.blockSize)
		remaining -= transfer
		s.reportProgress(stage, blockCount-remaining, blockCount)
	}

	return nil
}

func (d *v7Driver) readBlocks(blockCount int, cmd flashCommand) ([]byte, error) {
	s := d.s
	base := s.desc.flash.dataBase

	if err := d.writePartition(cmd); err != nil {
		return nil, err
	}

	if err := s.dev.RegWrite(base+d.off.blockNumber, []byte{0, 0}); err != nil {
		return nil, fmt.Errorf("write block number: %w", err)
	}

	maxTransfer := d.maxTransfer()
	remaining := blockCount
	out := make([]byte, 0, blockCount*int(s.blockSize))

	for remaining > 0 {
		transfer := remaining
		if transfer > maxTransfer {
			transfer = maxTransfer
		}

		length := []byte{uint8(transfer), uint8(transfer >> 8)}
		if err := s.dev.RegWrite(base+d.off.transferLength, length); err != nil {
			return nil, fmt.Errorf("write transfer length (%d blocks remaining): %w", remaining, err)
		}

		if err := d.writeCommand(cmd); err != nil {
			return nil, fmt.Errorf("%d blocks remaining: %w", remaining, err)
		}

		if err := s.waitForIdle(s.writeWait); err != nil {
			return nil, fmt.Errorf("%d blocks remaining: %w", remaining, err)
		}

		b, err := s.dev.RegRead(base+d.off.payload, transfer*int(s.blockSize))
		if err != nil {
			return nil, fmt.Errorf("read block data (%d blocks remaining): %w", remaining, err)
		}
		out = append(out, b...)

		remaining -= transfer
	}

	return out, nil
}

func (d *v7Driver) readStatus() error {
	s := d.s
	base := s.desc.flash.dataBase

	b, err := s.dev.RegRead(base+d.off.flashStatus, 1)
	if err != nil {
		return fmt.Errorf("read flash status: %w", err)
	}

	s.inBLMode = b[0]>>7 != 0
	s.flashStatus = b[0] & 0x1f

	// A factory-fresh part reports a bad partition table until the first
	// flash config write; that is not a command failure.
	if s.flashStatus == STATUS_BAD_PARTITION_TABLE {
		s.flashStatus = 0x00
	}

	data, err := s.dev.RegRead(base+d.off.partitionID, 8)
	if err != nil {
		return fmt.Errorf("read command state: %w", err)
	}
	s.command = data[5]

	return nil
}
