package flash

import (
	"fmt"

	log "github.com/sirupsen/logrus"
)

// v5v6Driver speaks the legacy bootloader protocol. Transfers are one
// block per transaction; erase and mode-change commands must be unlocked
// by writing the 2-byte bootloader ID to the payload register first.
type v5v6Driver struct {
	s   *session
	off regOffsets
}

func (d *v5v6Driver) readQueries() error {
	s := d.s
	base := s.desc.flash.queryBase

	id, err := s.dev.RegRead(base+v5v6BootloaderIDOffset, 2)
	if err != nil {
		return fmt.Errorf("read bootloader ID: %w", err)
	}
	copy(s.bootloaderID[:], id)

	if s.blVersion == BL_V5 {
		d.off.properties = v5PropertiesOffset
		d.off.blockSize = v5BlockSizeOffset
		d.off.blockCount = v5BlockCountOffset
		d.off.blockNumber = v5BlockNumberOffset
		d.off.payload = v5BlockDataOffset
	} else {
		d.off.properties = v6PropertiesOffset
		d.off.properties2 = v6Properties2Offset
		d.off.blockSize = v6BlockSizeOffset
		d.off.blockCount = v6BlockCountOffset
		d.off.gcBlockCount = v6GuestCodeBlockCountOffset
		d.off.blockNumber = v6BlockNumberOffset
		d.off.payload = v6BlockDataOffset
	}

	bs, err := s.dev.RegRead(base+d.off.blockSize, 2)
	if err != nil {
		return fmt.Errorf("read block size: %w", err)
	}
	s.blockSize = uint16(bs[0]) | uint16(bs[1])<<8

	if s.blVersion == BL_V5 {
		// The v5 command register sits right behind the payload window and
		// doubles as the status register.
		d.off.flashCmd = d.off.payload + s.blockSize
		d.off.flashStatus = d.off.flashCmd
	} else {
		d.off.flashCmd = v6FlashCommandOffset
		d.off.flashStatus = v6FlashStatusOffset
	}

	props, err := s.dev.RegRead(base+d.off.properties, 1)
	if err != nil {
		return fmt.Errorf("read flash properties: %w", err)
	}
	s.props = flashProps{
		unlocked:      props[0]&0x02 != 0,
		hasConfigID:   props[0]&0x04 != 0,
		hasPermConfig: props[0]&0x08 != 0,
		hasBLConfig:   props[0]&0x10 != 0,
		hasDispConfig: props[0]&0x20 != 0,
		hasQuery4:     props[0]&0x80 != 0,
	}

	count := 4
	if s.props.hasPermConfig {
		count += 2
	}
	if s.props.hasBLConfig {
		count += 2
	}
	if s.props.hasDispConfig {
		count += 2
	}

	bc, err := s.dev.RegRead(base+d.off.blockCount, count)
	if err != nil {
		return fmt.Errorf("read block counts: %w", err)
	}

	s.blkCount = blockCounts{}
	s.blkCount.uiFirmware = uint16(bc[0]) | uint16(bc[1])<<8
	s.blkCount.uiConfig = uint16(bc[2]) | uint16(bc[3])<<8

	idx := 4
	if s.props.hasPermConfig {
		s.blkCount.pmConfig = uint16(bc[idx]) | uint16(bc[idx+1])<<8
		idx += 2
	}
	if s.props.hasBLConfig {
		s.blkCount.blConfig = uint16(bc[idx]) | uint16(bc[idx+1])<<8
		idx += 2
	}
	if s.props.hasDispConfig {
		s.blkCount.dpConfig = uint16(bc[idx]) | uint16(bc[idx+1])<<8
	}

	s.hasGuestCode = false
	if s.props.hasQuery4 {
		p2, err := s.dev.RegRead(base+d.off.properties2, 1)
		if err != nil {
			return fmt.Errorf("read flash properties 2: %w", err)
		}
		if p2[0]&0x01 != 0 {
			gc, err := s.dev.RegRead(base+d.off.gcBlockCount, 2)
			if err != nil {
				return fmt.Errorf("read guest code block count: %w", err)
			}
			s.blkCount.guestCode = uint16(gc[0]) | uint16(gc[1])<<8
			s.hasGuestCode = true
		}
	}

	s.log.WithFields(log.Fields{
		"bl_version": s.blVersion,
		"block_size": s.blockSize,
	}).Debug("bootloader queried")

	return nil
}

func (d *v5v6Driver) wireCommand(cmd flashCommand) (uint8, error) {
	switch cmd {
	case cmdIdle:
		return CMD_V5V6_IDLE, nil
	case cmdWriteFW:
		return CMD_V5V6_WRITE_FW, nil
	case cmdWriteConfig:
		return CMD_V5V6_WRITE_CONFIG, nil
	case cmdWriteLockdown:
		return CMD_V5V6_WRITE_LOCKDOWN, nil
	case cmdWriteGuestCode:
		return CMD_V5V6_WRITE_GUEST_CODE, nil
	case cmdReadConfig:
		return CMD_V5V6_READ_CONFIG, nil
	case cmdEraseAll:
		return CMD_V5V6_ERASE_ALL, nil
	case cmdEraseUIConfig:
		return CMD_V5V6_ERASE_UI_CONFIG, nil
	case cmdEraseBLConfig:
		return CMD_V5V6_ERASE_BL_CONFIG, nil
	case cmdEraseDispConfig:
		return CMD_V5V6_ERASE_DISP_CONFIG, nil
	case cmdEraseGuestCode:
		return CMD_V5V6_ERASE_GUEST_CODE, nil
	case cmdEnableFlashProg:
		return CMD_V5V6_ENABLE_FLASH_PROG, nil
	}
	return 0, fmt.Errorf("command %d not supported by v5/v6 bootloader", cmd)
}

func (d *v5v6Driver) writeCommand(cmd flashCommand) error {
	s := d.s
	base := s.desc.flash.dataBase

	command, err := d.wireCommand(cmd)
	if err != nil {
		return err
	}

	switch cmd {
	case cmdEraseAll, cmdEraseUIConfig, cmdEraseDispConfig, cmdEraseGuestCode, cmdEnableFlashProg:
		if err := s.dev.RegWrite(base+d.off.payload, s.bootloaderID[:]); err != nil {
			return fmt.Errorf("write bootloader ID: %w", err)
		}
	}

	s.command = command

	if err := s.dev.RegWrite(base+d.off.flashCmd, []byte{command}); err != nil {
		return fmt.Errorf("write command 0x%02x: %w", command, err)
	}

	return nil
}

// writePartition is meaningless before v7: the command itself addresses
// the area.
func (d *v5v6Driver) writePartition(flashCommand) error { return nil }

// writeBlockNumber selects block 0 of the session's config area. The area
// index rides in the top bits of the second block number byte.
func (d *v5v6Driver) writeBlockNumber() error {
	s := d.s
	blockNumber := []byte{0, uint8(s.configArea) << 5}
	if err := s.dev.RegWrite(s.desc.flash.dataBase+d.off.blockNumber, blockNumber); err != nil {
		return fmt.Errorf("write block number: %w", err)
	}
	return nil
}

func (d *v5v6Driver) writeBlocks(data []byte, blockCount int, cmd flashCommand) error {
	s := d.s
	base := s.desc.flash.dataBase
	stage := stageName(cmd)

	if err := d.writeBlockNumber(); err != nil {
		return err
	}

	for blk := 0; blk < blockCount; blk++ {
		chunk := data[blk*int(s.blockSize) : (blk+1)*int(s.blockSize)]
		if err := s.dev.RegWrite(base+d.off.payload, chunk); err != nil {
			return fmt.Errorf("write block %d: %w", blk, err)
		}

		if err := d.writeCommand(cmd); err != nil {
			return fmt.Errorf("block %d: %w", blk, err)
		}

		if err := s.waitForIdle(s.writeWait); err != nil {
			return fmt.Errorf("block %d: %w", blk, err)
		}

		s.reportProgress(stage, blk+1, blockCount)
	}

	return nil
}

func (d *v5v6Driver) readBlocks(blockCount int, cmd flashCommand) ([]byte, error) {
	s := d.s
	base := s.desc.flash.dataBase

	if err := d.writeBlockNumber(); err != nil {
		return nil, err
	}

	out := make([]byte, 0, blockCount*int(s.blockSize))
	for blk := 0; blk < blockCount; blk++ {
		if err := d.writeCommand(cmd); err != nil {
			return nil, fmt.Errorf("block %d: %w", blk, err)
		}

		if err := s.waitForIdle(s.writeWait); err != nil {
			return nil, fmt.Errorf("block %d: %w", blk, err)
		}

		b, err := s.dev.RegRead(base+d.off.payload, int(s.blockSize))
		if err != nil {
			return nil, fmt.Errorf("read block %d: %w", blk, err)
		}
		out = append(out, b...)
	}

	return out, nil
}

func (d *v5v6Driver) readStatus() error {
	s := d.s
	base := s.desc.flash.dataBase

	b, err := s.dev.RegRead(base+d.off.flashStatus, 1)
	if err != nil {
		return fmt.Errorf("read flash status: %w", err)
	}

	s.inBLMode = b[0]>>7 != 0
	if s.blVersion == BL_V5 {
		s.flashStatus = (b[0] >> 4) & 0x07
	} else {
		s.flashStatus = b[0] & 0x07
	}

	c, err := s.dev.RegRead(base+d.off.flashCmd, 1)
	if err != nil {
		return fmt.Errorf("read flash command: %w", err)
	}
	if s.blVersion == BL_V5 {
		s.command = c[0] & 0x0f
	} else {
		s.command = c[0] & 0x3f
	}

	return nil
}

func stageName(cmd flashCommand) string {
	switch cmd {
	case cmdWriteFW:
		return "firmware"
	case cmdWriteConfig:
		return "config"
	case cmdWriteLockdown:
		return "lockdown"
	case cmdWriteGuestCode:
		return "guest code"
	}
	return "data"
}
